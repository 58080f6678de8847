package memory

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"poolcare/backend/internal/domain"
	"poolcare/backend/internal/store"
)

const subscriptionBuffer = 64

// Store keeps every collection in process memory. A batch is validated in
// full before any document is written, so a failed commit leaves no trace.
type Store struct {
	mu         sync.RWMutex
	docs       map[string]map[string]any
	commitHook func(batch *store.Batch) error

	subsMu sync.Mutex
	subs   map[*subscription]struct{}
}

func New() *Store {
	docs := make(map[string]map[string]any, len(store.Collections))
	for _, collection := range store.Collections {
		docs[collection] = make(map[string]any)
	}
	return &Store{
		docs: docs,
		subs: make(map[*subscription]struct{}),
	}
}

// seedUsers builds the initial admin and technician accounts for dev/demo
// mode. Passwords come from SEED_ADMIN_PASSWORD and SEED_TECHNICIAN_PASSWORD
// and fall back to dev defaults with a warning.
func seedUsers(now time.Time) []domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	technicianPwd := envOr("SEED_TECHNICIAN_PASSWORD", "technician123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_TECHNICIAN_PASSWORD") == "" {
		logrus.WithField("component", "memory-store").
			Warn("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_TECHNICIAN_PASSWORD to override")
	}

	users := make([]domain.UserAccount, 0, 2)
	for _, u := range []struct {
		username string
		password string
		role     domain.Role
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"technician", technicianPwd, domain.RoleTechnician},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logrus.WithError(err).Fatalf("failed to hash seed password for %s", u.username)
		}
		users = append(users, domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		})
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store holding default settings, a small product
// catalog, two banks and the dev user accounts.
func NewSeeded(settings domain.Settings) *Store {
	s := New()
	now := time.Now().UTC()

	settings.UpdatedAt = now
	s.docs[store.CollectionSettings][store.SettingsID] = settings.Normalize().Clone()

	for _, p := range []domain.Product{
		{ID: "prd-chlorine", Name: "Granular Chlorine 10kg", Unit: "bucket", Price: decimal.NewFromInt(180), Stock: 40, Active: true},
		{ID: "prd-ph-minus", Name: "pH Reducer 2kg", Unit: "bag", Price: decimal.NewFromInt(45), Stock: 60, Active: true},
		{ID: "prd-algaecide", Name: "Algaecide 1L", Unit: "bottle", Price: decimal.NewFromInt(38), Stock: 80, Active: true},
		{ID: "prd-clarifier", Name: "Clarifier 1L", Unit: "bottle", Price: decimal.NewFromInt(32), Stock: 50, Active: true},
		{ID: "prd-tablets", Name: "Chlorine Tablets 1kg", Unit: "bucket", Price: decimal.NewFromInt(65), Stock: 30, Active: true},
	} {
		s.docs[store.CollectionProducts][p.ID] = p
	}

	for _, b := range []domain.Bank{
		{ID: "bank-main", Name: "Main Account", Active: true, CreatedAt: now},
		{ID: "bank-cash", Name: "Cash Box", Active: true, CreatedAt: now},
	} {
		s.docs[store.CollectionBanks][b.ID] = b
	}

	for _, u := range seedUsers(now) {
		s.docs[store.CollectionUsers][u.Username] = u
	}
	return s
}

// SetCommitHook installs a function run before every commit; a non-nil error
// aborts the commit. Tests use it to simulate store failures.
func (s *Store) SetCommitHook(hook func(batch *store.Batch) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitHook = hook
}

func (s *Store) Commit(ctx context.Context, batch *store.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := batch.Validate(); err != nil {
		return err
	}
	ops := batch.Ops()

	s.mu.Lock()
	if s.commitHook != nil {
		if err := s.commitHook(batch); err != nil {
			s.mu.Unlock()
			return err
		}
	}

	created := make(map[string]struct{})
	for _, op := range ops {
		if !op.CreateOnly {
			continue
		}
		key := op.Collection + "/" + op.ID
		_, exists := s.docs[op.Collection][op.ID]
		_, dup := created[key]
		if exists || dup {
			s.mu.Unlock()
			return fmt.Errorf("%s %s: %w", op.Collection, op.ID, store.ErrConflict)
		}
		created[key] = struct{}{}
	}

	for _, op := range ops {
		s.docs[op.Collection][op.ID] = cloneDoc(op.Doc)
	}
	s.mu.Unlock()

	s.publish(ops, time.Now().UTC())
	return nil
}

func (s *Store) GetSettings(_ context.Context) (*domain.Settings, error) {
	return get[domain.Settings](s, store.CollectionSettings, store.SettingsID)
}

func (s *Store) GetClient(_ context.Context, id string) (*domain.Client, error) {
	return get[domain.Client](s, store.CollectionClients, id)
}

func (s *Store) ListClients(_ context.Context, filter store.ClientFilter) ([]domain.Client, error) {
	out := list(s, store.CollectionClients, filter.Match)
	slices.SortFunc(out, func(a, b domain.Client) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	return get[domain.Product](s, store.CollectionProducts, id)
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	out := list[domain.Product](s, store.CollectionProducts, nil)
	slices.SortFunc(out, func(a, b domain.Product) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (s *Store) GetPriceChange(_ context.Context, id string) (*domain.PendingPriceChange, error) {
	return get[domain.PendingPriceChange](s, store.CollectionPriceChanges, id)
}

func (s *Store) ListPriceChanges(_ context.Context, filter store.PriceChangeFilter) ([]domain.PendingPriceChange, error) {
	out := list(s, store.CollectionPriceChanges, filter.Match)
	store.SortPriceChanges(out)
	return out, nil
}

func (s *Store) GetQuote(_ context.Context, id string) (*domain.ReplenishmentQuote, error) {
	return get[domain.ReplenishmentQuote](s, store.CollectionQuotes, id)
}

func (s *Store) ListQuotes(_ context.Context, filter store.QuoteFilter) ([]domain.ReplenishmentQuote, error) {
	out := list(s, store.CollectionQuotes, filter.Match)
	store.SortNewestFirst(out,
		func(q domain.ReplenishmentQuote) time.Time { return q.CreatedAt },
		func(q domain.ReplenishmentQuote) string { return q.ID })
	return out, nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	return get[domain.Order](s, store.CollectionOrders, id)
}

func (s *Store) ListOrders(_ context.Context, clientID string) ([]domain.Order, error) {
	out := list(s, store.CollectionOrders, func(o domain.Order) bool {
		return clientID == "" || o.ClientID == clientID
	})
	store.SortNewestFirst(out,
		func(o domain.Order) time.Time { return o.CreatedAt },
		func(o domain.Order) string { return o.ID })
	return out, nil
}

func (s *Store) GetAdvanceRequest(_ context.Context, id string) (*domain.AdvancePaymentRequest, error) {
	return get[domain.AdvancePaymentRequest](s, store.CollectionAdvanceRequests, id)
}

func (s *Store) ListAdvanceRequests(_ context.Context, filter store.RequestFilter) ([]domain.AdvancePaymentRequest, error) {
	out := list(s, store.CollectionAdvanceRequests, filter.MatchAdvance)
	store.SortNewestFirst(out,
		func(r domain.AdvancePaymentRequest) time.Time { return r.CreatedAt },
		func(r domain.AdvancePaymentRequest) string { return r.ID })
	return out, nil
}

func (s *Store) GetPlanChangeRequest(_ context.Context, id string) (*domain.PlanChangeRequest, error) {
	return get[domain.PlanChangeRequest](s, store.CollectionPlanChangeRequests, id)
}

func (s *Store) ListPlanChangeRequests(_ context.Context, filter store.RequestFilter) ([]domain.PlanChangeRequest, error) {
	out := list(s, store.CollectionPlanChangeRequests, filter.MatchPlanChange)
	store.SortNewestFirst(out,
		func(r domain.PlanChangeRequest) time.Time { return r.CreatedAt },
		func(r domain.PlanChangeRequest) string { return r.ID })
	return out, nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	return get[domain.Transaction](s, store.CollectionTransactions, id)
}

func (s *Store) ListTransactions(_ context.Context, clientID string) ([]domain.Transaction, error) {
	out := list(s, store.CollectionTransactions, func(tx domain.Transaction) bool {
		return clientID == "" || tx.ClientID == clientID
	})
	store.SortNewestFirst(out,
		func(tx domain.Transaction) time.Time { return tx.Date },
		func(tx domain.Transaction) string { return tx.ID })
	return out, nil
}

func (s *Store) GetBank(_ context.Context, id string) (*domain.Bank, error) {
	return get[domain.Bank](s, store.CollectionBanks, id)
}

func (s *Store) ListBanks(_ context.Context) ([]domain.Bank, error) {
	out := list[domain.Bank](s, store.CollectionBanks, nil)
	slices.SortFunc(out, func(a, b domain.Bank) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (s *Store) GetBudget(_ context.Context, id string) (*domain.Budget, error) {
	return get[domain.Budget](s, store.CollectionBudgets, id)
}

func (s *Store) ListBudgets(_ context.Context, status domain.BudgetStatus) ([]domain.Budget, error) {
	out := list(s, store.CollectionBudgets, func(b domain.Budget) bool {
		return status == "" || b.Status == status
	})
	store.SortNewestFirst(out,
		func(b domain.Budget) time.Time { return b.CreatedAt },
		func(b domain.Budget) string { return b.ID })
	return out, nil
}

func (s *Store) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	return get[domain.UserAccount](s, store.CollectionUsers, username)
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	out := list[domain.UserAccount](s, store.CollectionUsers, nil)
	slices.SortFunc(out, func(a, b domain.UserAccount) int {
		return cmp.Compare(a.Username, b.Username)
	})
	return out, nil
}

func (s *Store) ListAuditLogs(_ context.Context, limit int) ([]domain.AuditLog, error) {
	out := list[domain.AuditLog](s, store.CollectionAuditLogs, nil)
	store.SortNewestFirst(out,
		func(e domain.AuditLog) time.Time { return e.CreatedAt },
		func(e domain.AuditLog) string { return e.ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Subscribe(ctx context.Context, collections ...string) (store.Subscription, error) {
	wanted := make(map[string]struct{}, len(collections))
	for _, collection := range collections {
		if !slices.Contains(store.Collections, collection) {
			return nil, fmt.Errorf("%w: unknown collection %q", store.ErrInvalidDocument, collection)
		}
		wanted[collection] = struct{}{}
	}

	sub := &subscription{
		owner:       s,
		collections: wanted,
		events:      make(chan store.ChangeEvent, subscriptionBuffer),
		done:        make(chan struct{}),
	}
	s.subsMu.Lock()
	s.subs[sub] = struct{}{}
	s.subsMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

func (s *Store) publish(ops []store.Op, at time.Time) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for sub := range s.subs {
		for _, op := range ops {
			if !sub.wants(op.Collection) {
				continue
			}
			select {
			case sub.events <- store.ChangeEvent{Collection: op.Collection, ID: op.ID, At: at}:
			default:
				// Slow consumer; events are triggers, a later one will follow.
			}
		}
	}
}

type subscription struct {
	owner       *Store
	collections map[string]struct{}
	events      chan store.ChangeEvent
	done        chan struct{}
	once        sync.Once
}

func (s *subscription) Events() <-chan store.ChangeEvent {
	return s.events
}

func (s *subscription) Close() {
	s.once.Do(func() {
		s.owner.subsMu.Lock()
		delete(s.owner.subs, s)
		close(s.events)
		s.owner.subsMu.Unlock()
		close(s.done)
	})
}

func (s *subscription) wants(collection string) bool {
	if len(s.collections) == 0 {
		return true
	}
	_, ok := s.collections[collection]
	return ok
}

func get[T any](s *Store, collection string, id string) (*T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[collection][id]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", collection, id, store.ErrNotFound)
	}
	value, ok := cloneDoc(doc).(T)
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", collection, id, store.ErrInvalidDocument)
	}
	return &value, nil
}

func list[T any](s *Store, collection string, keep func(T) bool) []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]T, 0, len(s.docs[collection]))
	for _, doc := range s.docs[collection] {
		value, ok := cloneDoc(doc).(T)
		if !ok {
			continue
		}
		if keep != nil && !keep(value) {
			continue
		}
		out = append(out, value)
	}
	return out
}

func cloneDoc(doc any) any {
	switch v := doc.(type) {
	case domain.Settings:
		return v.Clone()
	case domain.Client:
		return v.Clone()
	case domain.ReplenishmentQuote:
		return v.Clone()
	case domain.Order:
		return v.Clone()
	case domain.PendingPriceChange:
		v.NewPricing = v.NewPricing.Clone()
		v.AffectedClients = append([]domain.AffectedClient(nil), v.AffectedClients...)
		if v.AppliedAt != nil {
			at := *v.AppliedAt
			v.AppliedAt = &at
		}
		return v
	case domain.PlanChangeRequest:
		if v.ProposedPrice != nil {
			price := *v.ProposedPrice
			v.ProposedPrice = &price
		}
		return v
	case domain.AdvancePaymentRequest:
		if v.ResolvedAt != nil {
			at := *v.ResolvedAt
			v.ResolvedAt = &at
		}
		return v
	default:
		return doc
	}
}
