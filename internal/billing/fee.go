// Package billing holds the pure fee and billing-cycle arithmetic shared by
// every workflow that prices a client. Nothing here performs I/O.
package billing

import (
	"slices"

	"github.com/shopspring/decimal"

	"poolcare/backend/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// ComputeFee returns the monthly fee for client under pricing. The caller
// chooses pricing (see EffectivePricing); this function never looks at
// client.CustomPricing.
func ComputeFee(client domain.Client, pricing domain.PricingSettings, vipEnabled bool) decimal.Decimal {
	if client.PoolVolume <= 0 {
		return decimal.Zero
	}

	tier, ok := SelectTier(pricing.Tiers, client.PoolVolume)
	if !ok {
		return decimal.Zero
	}

	fee := tier.Price
	if client.HasWellWater {
		fee = fee.Add(pricing.WellWaterFee)
	}
	if client.IncludeProducts {
		fee = fee.Add(pricing.ProductsFee)
	}
	if client.IsPartyPool {
		fee = fee.Add(pricing.PartyPoolFee)
	}

	if client.Plan == domain.PlanVIP && client.FidelityPlan != nil && vipEnabled {
		fee = ApplyDiscount(fee, client.FidelityPlan.DiscountPercent)
	}

	return fee.Round(2)
}

// EffectivePricing picks the grandfathered snapshot when the client has one.
func EffectivePricing(client domain.Client, live domain.PricingSettings) domain.PricingSettings {
	if client.CustomPricing != nil {
		return *client.CustomPricing
	}
	return live
}

// ClientFee is the fee a client is billed today under the given settings.
func ClientFee(client domain.Client, settings domain.Settings) decimal.Decimal {
	return ComputeFee(client, EffectivePricing(client, settings.Pricing), settings.VIPEnabled)
}

// SelectTier returns the tier whose [Min, Max] range contains volume. A
// volume above every tier uses the highest tier; a volume falling in a gap
// between tiers uses the closest tier below it.
func SelectTier(tiers []domain.PricingTier, volume float64) (domain.PricingTier, bool) {
	if len(tiers) == 0 {
		return domain.PricingTier{}, false
	}

	sorted := sortedTiers(tiers)
	for _, tier := range sorted {
		if volume >= tier.Min && volume <= tier.Max {
			return tier, true
		}
	}

	highest := sorted[len(sorted)-1]
	if volume > highest.Max {
		return highest, true
	}

	selected := sorted[0]
	for _, tier := range sorted {
		if tier.Min <= volume {
			selected = tier
		}
	}
	return selected, true
}

// ApplyDiscount multiplies amount by (1 - percent/100).
func ApplyDiscount(amount decimal.Decimal, percent float64) decimal.Decimal {
	if percent <= 0 {
		return amount
	}
	factor := decimal.NewFromInt(1).Sub(decimal.NewFromFloat(percent).Div(hundred))
	return amount.Mul(factor)
}

// PricingEqual reports whether two pricing tables price every client the
// same way. Tier order is ignored.
func PricingEqual(a domain.PricingSettings, b domain.PricingSettings) bool {
	if !a.WellWaterFee.Equal(b.WellWaterFee) ||
		!a.ProductsFee.Equal(b.ProductsFee) ||
		!a.PartyPoolFee.Equal(b.PartyPoolFee) ||
		!a.PerKm.Equal(b.PerKm) {
		return false
	}
	if len(a.Tiers) != len(b.Tiers) {
		return false
	}
	left, right := sortedTiers(a.Tiers), sortedTiers(b.Tiers)
	for i := range left {
		if left[i].Min != right[i].Min || left[i].Max != right[i].Max || !left[i].Price.Equal(right[i].Price) {
			return false
		}
	}
	return true
}

func sortedTiers(tiers []domain.PricingTier) []domain.PricingTier {
	sorted := slices.Clone(tiers)
	slices.SortFunc(sorted, func(a, b domain.PricingTier) int {
		switch {
		case a.Min < b.Min:
			return -1
		case a.Min > b.Min:
			return 1
		default:
			return 0
		}
	})
	return sorted
}
