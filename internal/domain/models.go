package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PlanName string

const (
	PlanSimple PlanName = "Simple"
	PlanVIP    PlanName = "VIP"
)

type ClientStatus string

const (
	ClientStatusActive   ClientStatus = "active"
	ClientStatusPaused   ClientStatus = "paused"
	ClientStatusInactive ClientStatus = "inactive"
)

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "Pending"
	PaymentStatusPaid    PaymentStatus = "Paid"
	PaymentStatusOverdue PaymentStatus = "Overdue"
)

type PricingTier struct {
	Min   float64         `json:"min" yaml:"min"`
	Max   float64         `json:"max" yaml:"max"`
	Price decimal.Decimal `json:"price" yaml:"price"`
}

// PricingSettings is the fee table applied to every client unless the client
// carries a grandfathered copy in Client.CustomPricing.
type PricingSettings struct {
	Tiers        []PricingTier   `json:"tiers" yaml:"tiers"`
	WellWaterFee decimal.Decimal `json:"well_water_fee" yaml:"well_water_fee"`
	ProductsFee  decimal.Decimal `json:"products_fee" yaml:"products_fee"`
	PartyPoolFee decimal.Decimal `json:"party_pool_fee" yaml:"party_pool_fee"`
	PerKm        decimal.Decimal `json:"per_km" yaml:"per_km"`
}

func (p PricingSettings) Clone() PricingSettings {
	cloned := p
	cloned.Tiers = append([]PricingTier(nil), p.Tiers...)
	return cloned
}

type FidelityPlan struct {
	ID              string  `json:"id" yaml:"id"`
	Months          int     `json:"months" yaml:"months"`
	DiscountPercent float64 `json:"discount_percent" yaml:"discount_percent"`
}

type AdvanceOption struct {
	Months          int     `json:"months" yaml:"months"`
	DiscountPercent float64 `json:"discount_percent" yaml:"discount_percent"`
}

type AdvancePaymentSettings struct {
	Enabled bool            `json:"enabled" yaml:"enabled"`
	Options []AdvanceOption `json:"options" yaml:"options"`
}

type AutomationSettings struct {
	LowStockThreshold       int `json:"low_stock_threshold" yaml:"low_stock_threshold"`
	FallbackRestockQuantity int `json:"fallback_restock_quantity" yaml:"fallback_restock_quantity"`
}

type Settings struct {
	Pricing             PricingSettings        `json:"pricing" yaml:"pricing"`
	VIPEnabled          bool                   `json:"vip_enabled" yaml:"vip_enabled"`
	FidelityPlans       []FidelityPlan         `json:"fidelity_plans" yaml:"fidelity_plans"`
	AdvancePayment      AdvancePaymentSettings `json:"advance_payment" yaml:"advance_payment"`
	Automation          AutomationSettings     `json:"automation" yaml:"automation"`
	BillingPeriodMonths int                    `json:"billing_period_months" yaml:"billing_period_months"`
	UpdatedAt           time.Time              `json:"updated_at" yaml:"-"`
}

func (s Settings) Clone() Settings {
	cloned := s
	cloned.Pricing = s.Pricing.Clone()
	cloned.FidelityPlans = append([]FidelityPlan(nil), s.FidelityPlans...)
	cloned.AdvancePayment.Options = append([]AdvanceOption(nil), s.AdvancePayment.Options...)
	return cloned
}

func (s Settings) FidelityPlanByID(id string) (FidelityPlan, bool) {
	for _, plan := range s.FidelityPlans {
		if plan.ID == id {
			return plan, true
		}
	}
	return FidelityPlan{}, false
}

// SettingsUpdate carries a partial settings edit; nil fields are left untouched.
type SettingsUpdate struct {
	Pricing             *PricingSettings        `json:"pricing,omitempty"`
	VIPEnabled          *bool                   `json:"vip_enabled,omitempty"`
	FidelityPlans       *[]FidelityPlan         `json:"fidelity_plans,omitempty"`
	AdvancePayment      *AdvancePaymentSettings `json:"advance_payment,omitempty"`
	LowStockThreshold   *int                    `json:"low_stock_threshold,omitempty"`
	FallbackRestockQty  *int                    `json:"fallback_restock_quantity,omitempty"`
	BillingPeriodMonths *int                    `json:"billing_period_months,omitempty"`
}

type PaymentInfo struct {
	Status  PaymentStatus `json:"status"`
	DueDate time.Time     `json:"due_date"`
}

type StockLine struct {
	ProductID   string `json:"product_id"`
	Quantity    int    `json:"quantity"`
	MaxQuantity *int   `json:"max_quantity,omitempty"`
}

type ScheduledPlanChange struct {
	NewPlan       PlanName        `json:"new_plan"`
	NewPrice      decimal.Decimal `json:"new_price"`
	FidelityPlan  *FidelityPlan   `json:"fidelity_plan,omitempty"`
	EffectiveDate time.Time       `json:"effective_date"`
	RequestID     string          `json:"request_id,omitempty"`
}

type Client struct {
	ID                  string               `json:"id"`
	Name                string               `json:"name"`
	Email               string               `json:"email,omitempty"`
	Phone               string               `json:"phone,omitempty"`
	Address             string               `json:"address,omitempty"`
	Status              ClientStatus         `json:"status"`
	PoolVolume          float64              `json:"pool_volume"`
	HasWellWater        bool                 `json:"has_well_water"`
	IncludeProducts     bool                 `json:"include_products"`
	IsPartyPool         bool                 `json:"is_party_pool"`
	Plan                PlanName             `json:"plan"`
	FidelityPlan        *FidelityPlan        `json:"fidelity_plan,omitempty"`
	Payment             PaymentInfo          `json:"payment"`
	AdvancePaymentUntil *time.Time           `json:"advance_payment_until,omitempty"`
	CustomPricing       *PricingSettings     `json:"custom_pricing,omitempty"`
	ScheduledPlanChange *ScheduledPlanChange `json:"scheduled_plan_change,omitempty"`
	Stock               []StockLine          `json:"stock"`
	BudgetID            string               `json:"budget_id,omitempty"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

func (c Client) IsActive() bool {
	return c.Status == ClientStatusActive
}

func (c Client) Clone() Client {
	cloned := c
	if c.FidelityPlan != nil {
		plan := *c.FidelityPlan
		cloned.FidelityPlan = &plan
	}
	if c.AdvancePaymentUntil != nil {
		until := *c.AdvancePaymentUntil
		cloned.AdvancePaymentUntil = &until
	}
	if c.CustomPricing != nil {
		pricing := c.CustomPricing.Clone()
		cloned.CustomPricing = &pricing
	}
	if c.ScheduledPlanChange != nil {
		change := *c.ScheduledPlanChange
		if change.FidelityPlan != nil {
			plan := *change.FidelityPlan
			change.FidelityPlan = &plan
		}
		cloned.ScheduledPlanChange = &change
	}
	cloned.Stock = make([]StockLine, 0, len(c.Stock))
	for _, line := range c.Stock {
		if line.MaxQuantity != nil {
			max := *line.MaxQuantity
			line.MaxQuantity = &max
		}
		cloned.Stock = append(cloned.Stock, line)
	}
	return cloned
}

type PriceChangeStatus string

const (
	PriceChangePending PriceChangeStatus = "pending"
	PriceChangeApplied PriceChangeStatus = "applied"
	// PriceChangeCancelled marks a change reverted by a later save of the
	// live pricing.
	PriceChangeCancelled PriceChangeStatus = "cancelled"
)

type AffectedClient struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	OldFee decimal.Decimal `json:"old_fee"`
	NewFee decimal.Decimal `json:"new_fee"`
}

type PendingPriceChange struct {
	ID              string            `json:"id"`
	EffectiveDate   time.Time         `json:"effective_date"`
	NewPricing      PricingSettings   `json:"new_pricing"`
	AffectedClients []AffectedClient  `json:"affected_clients"`
	Status          PriceChangeStatus `json:"status"`
	CreatedBy       string            `json:"created_by,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	AppliedAt       *time.Time        `json:"applied_at,omitempty"`
	CancelledAt     *time.Time        `json:"cancelled_at,omitempty"`
}

type Product struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Unit   string          `json:"unit,omitempty"`
	Price  decimal.Decimal `json:"price"`
	Stock  int             `json:"stock"`
	Active bool            `json:"active"`
}

type QuoteStatus string

const (
	QuoteSuggested QuoteStatus = "suggested"
	QuoteSent      QuoteStatus = "sent"
	QuoteApproved  QuoteStatus = "approved"
	QuoteRejected  QuoteStatus = "rejected"
)

var quoteTransitions = map[QuoteStatus][]QuoteStatus{
	QuoteSuggested: {QuoteSent},
	QuoteSent:      {QuoteApproved, QuoteRejected},
}

func (s QuoteStatus) Terminal() bool {
	return s == QuoteApproved || s == QuoteRejected
}

func (s QuoteStatus) CanTransitionTo(next QuoteStatus) bool {
	return canTransition(quoteTransitions, s, next)
}

type QuoteItem struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
}

type ReplenishmentQuote struct {
	ID         string          `json:"id"`
	ClientID   string          `json:"client_id"`
	ClientName string          `json:"client_name"`
	Items      []QuoteItem     `json:"items"`
	Total      decimal.Decimal `json:"total"`
	Status     QuoteStatus     `json:"status"`
	OrderID    string          `json:"order_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func (q ReplenishmentQuote) Clone() ReplenishmentQuote {
	cloned := q
	cloned.Items = append([]QuoteItem(nil), q.Items...)
	return cloned
}

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderDelivered OrderStatus = "delivered"
)

type Order struct {
	ID          string          `json:"id"`
	ClientID    string          `json:"client_id"`
	QuoteID     string          `json:"quote_id"`
	Items       []QuoteItem     `json:"items"`
	Total       decimal.Decimal `json:"total"`
	Status      OrderStatus     `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
}

func (o Order) Clone() Order {
	cloned := o
	cloned.Items = append([]QuoteItem(nil), o.Items...)
	return cloned
}

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestQuoted   RequestStatus = "quoted"
	RequestAccepted RequestStatus = "accepted"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

var advanceTransitions = map[RequestStatus][]RequestStatus{
	RequestPending: {RequestApproved, RequestRejected},
}

var planChangeTransitions = map[RequestStatus][]RequestStatus{
	RequestPending: {RequestQuoted, RequestRejected},
	RequestQuoted:  {RequestAccepted, RequestRejected},
}

type AdvancePaymentRequest struct {
	ID              string          `json:"id"`
	ClientID        string          `json:"client_id"`
	Months          int             `json:"months"`
	DiscountPercent float64         `json:"discount_percent"`
	OriginalAmount  decimal.Decimal `json:"original_amount"`
	FinalAmount     decimal.Decimal `json:"final_amount"`
	Status          RequestStatus   `json:"status"`
	TransactionID   string          `json:"transaction_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
}

func (r AdvancePaymentRequest) CanTransitionTo(next RequestStatus) bool {
	return canTransition(advanceTransitions, r.Status, next)
}

type PlanChangeRequest struct {
	ID             string           `json:"id"`
	ClientID       string           `json:"client_id"`
	CurrentPlan    PlanName         `json:"current_plan"`
	RequestedPlan  PlanName         `json:"requested_plan"`
	FidelityPlanID string           `json:"fidelity_plan_id,omitempty"`
	Status         RequestStatus    `json:"status"`
	ProposedPrice  *decimal.Decimal `json:"proposed_price,omitempty"`
	AdminNotes     string           `json:"admin_notes,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

func (r PlanChangeRequest) Open() bool {
	return r.Status == RequestPending || r.Status == RequestQuoted
}

func (r PlanChangeRequest) CanTransitionTo(next RequestStatus) bool {
	return canTransition(planChangeTransitions, r.Status, next)
}

type TransactionKind string

const (
	TransactionMonthly TransactionKind = "monthly"
	TransactionAdvance TransactionKind = "advance"
)

// Transaction is an append-only ledger row.
type Transaction struct {
	ID          string          `json:"id"`
	ClientID    string          `json:"client_id"`
	BankID      string          `json:"bank_id"`
	Amount      decimal.Decimal `json:"amount"`
	Kind        TransactionKind `json:"kind"`
	Months      int             `json:"months"`
	Description string          `json:"description,omitempty"`
	Date        time.Time       `json:"date"`
}

type Bank struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type BudgetStatus string

const (
	BudgetPending  BudgetStatus = "pending"
	BudgetApproved BudgetStatus = "approved"
	BudgetRejected BudgetStatus = "rejected"
)

type Budget struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Email           string          `json:"email,omitempty"`
	Phone           string          `json:"phone,omitempty"`
	Address         string          `json:"address,omitempty"`
	PoolVolume      float64         `json:"pool_volume"`
	HasWellWater    bool            `json:"has_well_water"`
	IncludeProducts bool            `json:"include_products"`
	IsPartyPool     bool            `json:"is_party_pool"`
	Plan            PlanName        `json:"plan"`
	FidelityPlanID  string          `json:"fidelity_plan_id,omitempty"`
	DistanceKm      float64         `json:"distance_km"`
	EstimatedFee    decimal.Decimal `json:"estimated_fee"`
	TravelFee       decimal.Decimal `json:"travel_fee"`
	Status          BudgetStatus    `json:"status"`
	ClientID        string          `json:"client_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type Role string

const (
	RoleAdmin      Role = "admin"
	RoleTechnician Role = "technician"
	RoleClient     Role = "client"
	RoleSystem     Role = "system"
)

type Actor struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
	ClientID string `json:"client_id,omitempty"`
}

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"password"`
	Role      Role      `json:"role"`
	ClientID  string    `json:"client_id,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     Role      `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

func canTransition[S comparable](table map[S][]S, from S, to S) bool {
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}
