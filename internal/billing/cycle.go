package billing

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"poolcare/backend/internal/domain"
)

var ErrInvalidPricing = errors.New("invalid pricing")

// AdvanceDueDate moves a due date forward by months, clamping to the last day
// of the target month so Jan 31 + 1 month lands on Feb 28/29.
func AdvanceDueDate(due time.Time, months int) time.Time {
	if months < 1 {
		months = 1
	}
	year, month, day := due.Date()
	target := time.Date(year, month+time.Month(months), 1, due.Hour(), due.Minute(), due.Second(), due.Nanosecond(), due.Location())
	lastDay := time.Date(target.Year(), target.Month()+1, 0, 0, 0, 0, 0, due.Location()).Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(target.Year(), target.Month(), day, due.Hour(), due.Minute(), due.Second(), due.Nanosecond(), due.Location())
}

// AdvanceAmounts prices prepaying months at fee with a discount.
func AdvanceAmounts(fee decimal.Decimal, months int, discountPercent float64) (original decimal.Decimal, final decimal.Decimal) {
	original = fee.Mul(decimal.NewFromInt(int64(months))).Round(2)
	final = ApplyDiscount(original, discountPercent).Round(2)
	return original, final
}

// TravelFee is the per-km surcharge quoted on budgets.
func TravelFee(distanceKm float64, pricing domain.PricingSettings) decimal.Decimal {
	if distanceKm <= 0 {
		return decimal.Zero
	}
	return pricing.PerKm.Mul(decimal.NewFromFloat(distanceKm)).Round(2)
}

// ValidatePricing checks the tier table covers [0, inf) without gaps or
// overlaps once sorted by Min, and that no amount is negative.
func ValidatePricing(pricing domain.PricingSettings) error {
	if len(pricing.Tiers) == 0 {
		return fmt.Errorf("%w: at least one tier is required", ErrInvalidPricing)
	}
	for _, fee := range []decimal.Decimal{pricing.WellWaterFee, pricing.ProductsFee, pricing.PartyPoolFee, pricing.PerKm} {
		if fee.IsNegative() {
			return fmt.Errorf("%w: add-on fees must not be negative", ErrInvalidPricing)
		}
	}

	tiers := sortedTiers(pricing.Tiers)
	if tiers[0].Min != 0 {
		return fmt.Errorf("%w: first tier must start at 0", ErrInvalidPricing)
	}
	for i, tier := range tiers {
		if tier.Max < tier.Min {
			return fmt.Errorf("%w: tier %d has max below min", ErrInvalidPricing, i)
		}
		if tier.Price.IsNegative() {
			return fmt.Errorf("%w: tier %d has a negative price", ErrInvalidPricing, i)
		}
		if i == 0 {
			continue
		}
		prev := tiers[i-1]
		if tier.Min <= prev.Max {
			return fmt.Errorf("%w: tiers %d and %d overlap", ErrInvalidPricing, i-1, i)
		}
		if tier.Min > prev.Max+1 {
			return fmt.Errorf("%w: gap between tiers %d and %d", ErrInvalidPricing, i-1, i)
		}
	}
	return nil
}
