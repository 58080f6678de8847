package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        Role   `json:"role"`
	ClientID    string `json:"client_id,omitempty"`
	ExpiresAt   string `json:"expires_at"`
}

type UserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     Role   `json:"role"`
	ClientID string `json:"client_id,omitempty"`
}

// UserView is a user account without its password hash.
type UserView struct {
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	ClientID  string    `json:"client_id,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type SettingsSaveResult struct {
	Settings      Settings            `json:"settings"`
	PendingChange *PendingPriceChange `json:"pending_change,omitempty"`
	Grandfathered []string            `json:"grandfathered_client_ids"`
	// Cancelled lists pending changes dropped because the saved pricing
	// matches the live pricing again.
	Cancelled []string `json:"cancelled_price_change_ids,omitempty"`
}

type PriceChangeApplyResult struct {
	Applied []string `json:"applied"`
	Failed  []string `json:"failed"`
}

type ClientUpdateRequest struct {
	Name            *string       `json:"name,omitempty"`
	Email           *string       `json:"email,omitempty"`
	Phone           *string       `json:"phone,omitempty"`
	Address         *string       `json:"address,omitempty"`
	Status          *ClientStatus `json:"status,omitempty"`
	PoolVolume      *float64      `json:"pool_volume,omitempty"`
	HasWellWater    *bool         `json:"has_well_water,omitempty"`
	IncludeProducts *bool         `json:"include_products,omitempty"`
	IsPartyPool     *bool         `json:"is_party_pool,omitempty"`
	Plan            *PlanName     `json:"plan,omitempty"`
	// FidelityPlanID set to "" clears the fidelity plan.
	FidelityPlanID *string `json:"fidelity_plan_id,omitempty"`
}

type ClientFeeResponse struct {
	ClientID      string          `json:"client_id"`
	Fee           decimal.Decimal `json:"fee"`
	Grandfathered bool            `json:"grandfathered"`
}

type StockUpdateRequest struct {
	Lines []StockLine `json:"lines"`
}

type ProductCreateRequest struct {
	Name  string          `json:"name"`
	Unit  string          `json:"unit"`
	Price decimal.Decimal `json:"price"`
	Stock int             `json:"stock"`
}

type ProductStockAdjustRequest struct {
	Delta int `json:"delta"`
}

type BankCreateRequest struct {
	Name string `json:"name"`
}

type BudgetCreateRequest struct {
	Name            string   `json:"name"`
	Email           string   `json:"email"`
	Phone           string   `json:"phone"`
	Address         string   `json:"address"`
	PoolVolume      float64  `json:"pool_volume"`
	HasWellWater    bool     `json:"has_well_water"`
	IncludeProducts bool     `json:"include_products"`
	IsPartyPool     bool     `json:"is_party_pool"`
	Plan            PlanName `json:"plan"`
	FidelityPlanID  string   `json:"fidelity_plan_id"`
	DistanceKm      float64  `json:"distance_km"`
}

type ReplenishmentScanResult struct {
	Created []ReplenishmentQuote `json:"created"`
	Failed  []string             `json:"failed"`
}

type QuoteApprovalResult struct {
	Quote ReplenishmentQuote `json:"quote"`
	Order Order              `json:"order"`
}

type AdvanceOptionQuote struct {
	Months          int             `json:"months"`
	DiscountPercent float64         `json:"discount_percent"`
	OriginalAmount  decimal.Decimal `json:"original_amount"`
	FinalAmount     decimal.Decimal `json:"final_amount"`
}

type AdvanceEligibility struct {
	ClientID          string               `json:"client_id"`
	GloballyAvailable bool                 `json:"globally_available"`
	AdoptionPercent   float64              `json:"adoption_percent"`
	Eligible          bool                 `json:"eligible"`
	Reason            string               `json:"reason,omitempty"`
	Options           []AdvanceOptionQuote `json:"options"`
}

type AdvanceRequestCreate struct {
	ClientID string `json:"client_id"`
	Months   int    `json:"months"`
}

type AdvanceApproveRequest struct {
	BankID string `json:"bank_id"`
}

type PlanChangeCreateRequest struct {
	ClientID       string `json:"client_id"`
	FidelityPlanID string `json:"fidelity_plan_id"`
}

type PlanChangeQuoteRequest struct {
	// ProposedPrice defaults to the suggested VIP fee when nil.
	ProposedPrice *decimal.Decimal `json:"proposed_price,omitempty"`
	AdminNotes    string           `json:"admin_notes"`
}

type PlanChangeRejectRequest struct {
	AdminNotes string `json:"admin_notes"`
}

type MarkAsPaidRequest struct {
	BankID string `json:"bank_id"`
	// Amount defaults to the client's current fee.
	Amount *decimal.Decimal `json:"amount,omitempty"`
	// Months defaults to the configured billing period.
	Months         int    `json:"months"`
	Description    string `json:"description"`
	IdempotencyKey string `json:"idempotency_key"`
}

type SettlementResult struct {
	Transaction       Transaction `json:"transaction"`
	Client            Client      `json:"client"`
	PreviousDueDate   time.Time   `json:"previous_due_date"`
	AppliedPlanChange bool        `json:"applied_plan_change"`
	// PlanChange is the scheduled change this payment applied, carrying the
	// negotiated VIP price.
	PlanChange *ScheduledPlanChange `json:"plan_change,omitempty"`
	Duplicate  bool                 `json:"duplicate"`
}
