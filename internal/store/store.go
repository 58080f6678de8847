package store

import (
	"context"
	"errors"
	"slices"
	"time"

	"poolcare/backend/internal/domain"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("document already exists")
	ErrInvalidDocument = errors.New("invalid document")
)

const (
	CollectionSettings           = "settings"
	CollectionClients            = "clients"
	CollectionProducts           = "products"
	CollectionPriceChanges       = "price_changes"
	CollectionQuotes             = "replenishment_quotes"
	CollectionOrders             = "orders"
	CollectionAdvanceRequests    = "advance_requests"
	CollectionPlanChangeRequests = "plan_change_requests"
	CollectionTransactions       = "transactions"
	CollectionBanks              = "banks"
	CollectionBudgets            = "budgets"
	CollectionUsers              = "users"
	CollectionAuditLogs          = "audit_logs"
)

// SettingsID is the id of the single settings document.
const SettingsID = "current"

// Collections lists every collection the store knows about.
var Collections = []string{
	CollectionSettings,
	CollectionClients,
	CollectionProducts,
	CollectionPriceChanges,
	CollectionQuotes,
	CollectionOrders,
	CollectionAdvanceRequests,
	CollectionPlanChangeRequests,
	CollectionTransactions,
	CollectionBanks,
	CollectionBudgets,
	CollectionUsers,
	CollectionAuditLogs,
}

type Repository interface {
	GetSettings(ctx context.Context) (*domain.Settings, error)

	GetClient(ctx context.Context, id string) (*domain.Client, error)
	ListClients(ctx context.Context, filter ClientFilter) ([]domain.Client, error)

	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)

	GetPriceChange(ctx context.Context, id string) (*domain.PendingPriceChange, error)
	ListPriceChanges(ctx context.Context, filter PriceChangeFilter) ([]domain.PendingPriceChange, error)

	GetQuote(ctx context.Context, id string) (*domain.ReplenishmentQuote, error)
	ListQuotes(ctx context.Context, filter QuoteFilter) ([]domain.ReplenishmentQuote, error)

	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	ListOrders(ctx context.Context, clientID string) ([]domain.Order, error)

	GetAdvanceRequest(ctx context.Context, id string) (*domain.AdvancePaymentRequest, error)
	ListAdvanceRequests(ctx context.Context, filter RequestFilter) ([]domain.AdvancePaymentRequest, error)

	GetPlanChangeRequest(ctx context.Context, id string) (*domain.PlanChangeRequest, error)
	ListPlanChangeRequests(ctx context.Context, filter RequestFilter) ([]domain.PlanChangeRequest, error)

	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, clientID string) ([]domain.Transaction, error)

	GetBank(ctx context.Context, id string) (*domain.Bank, error)
	ListBanks(ctx context.Context) ([]domain.Bank, error)

	GetBudget(ctx context.Context, id string) (*domain.Budget, error)
	ListBudgets(ctx context.Context, status domain.BudgetStatus) ([]domain.Budget, error)

	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)

	ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error)

	// Commit applies every operation of the batch or none of them.
	Commit(ctx context.Context, batch *Batch) error
	Subscribe(ctx context.Context, collections ...string) (Subscription, error)
}

// ChangeEvent reports that a document was written by a committed batch.
type ChangeEvent struct {
	Collection string
	ID         string
	At         time.Time
}

type Subscription interface {
	Events() <-chan ChangeEvent
	Close()
}

type ClientFilter struct {
	Status domain.ClientStatus
	Plan   domain.PlanName
}

func (f ClientFilter) Match(client domain.Client) bool {
	if f.Status != "" && client.Status != f.Status {
		return false
	}
	if f.Plan != "" && client.Plan != f.Plan {
		return false
	}
	return true
}

// PriceChangeFilter results are ordered by effective date, oldest first.
type PriceChangeFilter struct {
	Status      domain.PriceChangeStatus
	EffectiveBy *time.Time
}

func (f PriceChangeFilter) Match(change domain.PendingPriceChange) bool {
	if f.Status != "" && change.Status != f.Status {
		return false
	}
	if f.EffectiveBy != nil && change.EffectiveDate.After(*f.EffectiveBy) {
		return false
	}
	return true
}

// QuoteFilter results are ordered newest first.
type QuoteFilter struct {
	ClientID string
	Statuses []domain.QuoteStatus
}

func (f QuoteFilter) Match(quote domain.ReplenishmentQuote) bool {
	if f.ClientID != "" && quote.ClientID != f.ClientID {
		return false
	}
	return len(f.Statuses) == 0 || slices.Contains(f.Statuses, quote.Status)
}

// RequestFilter results are ordered newest first.
type RequestFilter struct {
	ClientID string
	Statuses []domain.RequestStatus
}

func (f RequestFilter) match(clientID string, status domain.RequestStatus) bool {
	if f.ClientID != "" && clientID != f.ClientID {
		return false
	}
	return len(f.Statuses) == 0 || slices.Contains(f.Statuses, status)
}

func (f RequestFilter) MatchAdvance(req domain.AdvancePaymentRequest) bool {
	return f.match(req.ClientID, req.Status)
}

func (f RequestFilter) MatchPlanChange(req domain.PlanChangeRequest) bool {
	return f.match(req.ClientID, req.Status)
}

// OpenQuoteStatuses are the statuses that block a new suggestion.
var OpenQuoteStatuses = []domain.QuoteStatus{domain.QuoteSuggested, domain.QuoteSent}

// OpenPlanChangeStatuses are the statuses that block a new upgrade request.
var OpenPlanChangeStatuses = []domain.RequestStatus{domain.RequestPending, domain.RequestQuoted}

// SortNewestFirst orders items by created time descending, breaking ties by id
// so both stores return the same order.
func SortNewestFirst[T any](items []T, created func(T) time.Time, id func(T) string) {
	slices.SortStableFunc(items, func(a, b T) int {
		if c := created(b).Compare(created(a)); c != 0 {
			return c
		}
		switch {
		case id(a) < id(b):
			return -1
		case id(a) > id(b):
			return 1
		default:
			return 0
		}
	})
}

// SortPriceChanges orders changes by effective date, oldest first.
func SortPriceChanges(changes []domain.PendingPriceChange) {
	slices.SortStableFunc(changes, func(a, b domain.PendingPriceChange) int {
		if c := a.EffectiveDate.Compare(b.EffectiveDate); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}
