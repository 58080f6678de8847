package domain

import (
	"github.com/shopspring/decimal"
)

const (
	// DefaultFallbackRestockQuantity is suggested for low stock lines that have
	// no max quantity configured.
	DefaultFallbackRestockQuantity = 5
	DefaultLowStockThreshold       = 2
	DefaultBillingPeriodMonths     = 1
)

func DefaultSettings() Settings {
	return Settings{
		Pricing: PricingSettings{
			Tiers: []PricingTier{
				{Min: 0, Max: 20000, Price: decimal.NewFromInt(150)},
				{Min: 20001, Max: 50000, Price: decimal.NewFromInt(250)},
				{Min: 50001, Max: 100000, Price: decimal.NewFromInt(400)},
			},
			WellWaterFee: decimal.NewFromInt(50),
			ProductsFee:  decimal.NewFromInt(80),
			PartyPoolFee: decimal.NewFromInt(100),
			PerKm:        decimal.NewFromInt(2),
		},
		VIPEnabled: true,
		FidelityPlans: []FidelityPlan{
			{ID: "fidelity-6", Months: 6, DiscountPercent: 5},
			{ID: "fidelity-12", Months: 12, DiscountPercent: 10},
		},
		AdvancePayment: AdvancePaymentSettings{
			Enabled: true,
			Options: []AdvanceOption{
				{Months: 3, DiscountPercent: 5},
				{Months: 6, DiscountPercent: 10},
			},
		},
		Automation: AutomationSettings{
			LowStockThreshold:       DefaultLowStockThreshold,
			FallbackRestockQuantity: DefaultFallbackRestockQuantity,
		},
		BillingPeriodMonths: DefaultBillingPeriodMonths,
	}
}

// Normalize fills zero-valued knobs with their defaults.
func (s Settings) Normalize() Settings {
	if s.Automation.FallbackRestockQuantity <= 0 {
		s.Automation.FallbackRestockQuantity = DefaultFallbackRestockQuantity
	}
	if s.Automation.LowStockThreshold < 0 {
		s.Automation.LowStockThreshold = 0
	}
	if s.BillingPeriodMonths <= 0 {
		s.BillingPeriodMonths = DefaultBillingPeriodMonths
	}
	return s
}

// ApplyUpdate returns a copy of s with every non-nil field of update applied.
// Pricing is applied too; callers that stage pricing changes must strip it
// first.
func (s Settings) ApplyUpdate(update SettingsUpdate) Settings {
	next := s.Clone()
	if update.Pricing != nil {
		next.Pricing = update.Pricing.Clone()
	}
	if update.VIPEnabled != nil {
		next.VIPEnabled = *update.VIPEnabled
	}
	if update.FidelityPlans != nil {
		next.FidelityPlans = append([]FidelityPlan(nil), (*update.FidelityPlans)...)
	}
	if update.AdvancePayment != nil {
		next.AdvancePayment = AdvancePaymentSettings{
			Enabled: update.AdvancePayment.Enabled,
			Options: append([]AdvanceOption(nil), update.AdvancePayment.Options...),
		}
	}
	if update.LowStockThreshold != nil {
		next.Automation.LowStockThreshold = *update.LowStockThreshold
	}
	if update.FallbackRestockQty != nil {
		next.Automation.FallbackRestockQuantity = *update.FallbackRestockQty
	}
	if update.BillingPeriodMonths != nil {
		next.BillingPeriodMonths = *update.BillingPeriodMonths
	}
	return next.Normalize()
}

func (s Settings) AdvanceOption(months int) (AdvanceOption, bool) {
	for _, option := range s.AdvancePayment.Options {
		if option.Months == months {
			return option, true
		}
	}
	return AdvanceOption{}, false
}
