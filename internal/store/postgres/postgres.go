package postgres

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"poolcare/backend/internal/domain"
	"poolcare/backend/internal/store"
)

const changeChannel = "poolcare_changes"

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	data JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS documents_client_id_idx ON documents (collection, (data->>'client_id'));
CREATE INDEX IF NOT EXISTS documents_status_idx ON documents (collection, (data->>'status'));
`

// Store keeps each collection as rows of JSONB documents. A batch is one
// serializable transaction that also emits a NOTIFY per written document.
type Store struct {
	db          *sql.DB
	databaseURL string
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, databaseURL: databaseURL}, nil
}

// NewWithDB wraps an existing handle. Subscribe is unavailable without a
// database URL.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate documents table: %w", err)
	}
	return nil
}

func (s *Store) Commit(ctx context.Context, batch *store.Batch) error {
	if err := batch.Validate(); err != nil {
		return err
	}
	ops := batch.Ops()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	notified := make(map[string]struct{}, len(ops))
	payloads := make([]string, 0, len(ops))
	for _, op := range ops {
		data, err := json.Marshal(op.Doc)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", op.Collection, op.ID, err)
		}

		if op.CreateOnly {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO documents (collection, id, data, updated_at)
				VALUES ($1, $2, $3, now())
			`, op.Collection, op.ID, data)
			if isUniqueViolation(err) {
				return fmt.Errorf("%s %s: %w", op.Collection, op.ID, store.ErrConflict)
			}
		} else {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO documents (collection, id, data, updated_at)
				VALUES ($1, $2, $3, now())
				ON CONFLICT (collection, id)
				DO UPDATE SET data = EXCLUDED.data, updated_at = now()
			`, op.Collection, op.ID, data)
		}
		if err != nil {
			return fmt.Errorf("write %s %s: %w", op.Collection, op.ID, err)
		}

		payload := op.Collection + ":" + op.ID
		if _, ok := notified[payload]; !ok {
			notified[payload] = struct{}{}
			payloads = append(payloads, payload)
		}
	}

	for _, payload := range payloads {
		if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, changeChannel, payload); err != nil {
			return fmt.Errorf("notify %s: %w", payload, err)
		}
	}

	return tx.Commit()
}

func (s *Store) GetSettings(ctx context.Context) (*domain.Settings, error) {
	return getDoc[domain.Settings](ctx, s.db, store.CollectionSettings, store.SettingsID)
}

func (s *Store) GetClient(ctx context.Context, id string) (*domain.Client, error) {
	return getDoc[domain.Client](ctx, s.db, store.CollectionClients, id)
}

func (s *Store) ListClients(ctx context.Context, filter store.ClientFilter) ([]domain.Client, error) {
	var (
		clients []domain.Client
		err     error
	)
	if filter.Status != "" {
		clients, err = listDocs[domain.Client](ctx, s.db, store.CollectionClients, `data->>'status' = $2`, string(filter.Status))
	} else {
		clients, err = listDocs[domain.Client](ctx, s.db, store.CollectionClients, "")
	}
	if err != nil {
		return nil, err
	}
	out := keep(clients, filter.Match)
	slices.SortFunc(out, func(a, b domain.Client) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	return getDoc[domain.Product](ctx, s.db, store.CollectionProducts, id)
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	products, err := listDocs[domain.Product](ctx, s.db, store.CollectionProducts, "")
	if err != nil {
		return nil, err
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return products, nil
}

func (s *Store) GetPriceChange(ctx context.Context, id string) (*domain.PendingPriceChange, error) {
	return getDoc[domain.PendingPriceChange](ctx, s.db, store.CollectionPriceChanges, id)
}

func (s *Store) ListPriceChanges(ctx context.Context, filter store.PriceChangeFilter) ([]domain.PendingPriceChange, error) {
	var (
		changes []domain.PendingPriceChange
		err     error
	)
	if filter.Status != "" {
		changes, err = listDocs[domain.PendingPriceChange](ctx, s.db, store.CollectionPriceChanges, `data->>'status' = $2`, string(filter.Status))
	} else {
		changes, err = listDocs[domain.PendingPriceChange](ctx, s.db, store.CollectionPriceChanges, "")
	}
	if err != nil {
		return nil, err
	}
	out := keep(changes, filter.Match)
	store.SortPriceChanges(out)
	return out, nil
}

func (s *Store) GetQuote(ctx context.Context, id string) (*domain.ReplenishmentQuote, error) {
	return getDoc[domain.ReplenishmentQuote](ctx, s.db, store.CollectionQuotes, id)
}

func (s *Store) ListQuotes(ctx context.Context, filter store.QuoteFilter) ([]domain.ReplenishmentQuote, error) {
	quotes, err := listByClient[domain.ReplenishmentQuote](ctx, s.db, store.CollectionQuotes, filter.ClientID)
	if err != nil {
		return nil, err
	}
	out := keep(quotes, filter.Match)
	store.SortNewestFirst(out,
		func(q domain.ReplenishmentQuote) time.Time { return q.CreatedAt },
		func(q domain.ReplenishmentQuote) string { return q.ID })
	return out, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return getDoc[domain.Order](ctx, s.db, store.CollectionOrders, id)
}

func (s *Store) ListOrders(ctx context.Context, clientID string) ([]domain.Order, error) {
	orders, err := listByClient[domain.Order](ctx, s.db, store.CollectionOrders, clientID)
	if err != nil {
		return nil, err
	}
	store.SortNewestFirst(orders,
		func(o domain.Order) time.Time { return o.CreatedAt },
		func(o domain.Order) string { return o.ID })
	return orders, nil
}

func (s *Store) GetAdvanceRequest(ctx context.Context, id string) (*domain.AdvancePaymentRequest, error) {
	return getDoc[domain.AdvancePaymentRequest](ctx, s.db, store.CollectionAdvanceRequests, id)
}

func (s *Store) ListAdvanceRequests(ctx context.Context, filter store.RequestFilter) ([]domain.AdvancePaymentRequest, error) {
	requests, err := listByClient[domain.AdvancePaymentRequest](ctx, s.db, store.CollectionAdvanceRequests, filter.ClientID)
	if err != nil {
		return nil, err
	}
	out := keep(requests, filter.MatchAdvance)
	store.SortNewestFirst(out,
		func(r domain.AdvancePaymentRequest) time.Time { return r.CreatedAt },
		func(r domain.AdvancePaymentRequest) string { return r.ID })
	return out, nil
}

func (s *Store) GetPlanChangeRequest(ctx context.Context, id string) (*domain.PlanChangeRequest, error) {
	return getDoc[domain.PlanChangeRequest](ctx, s.db, store.CollectionPlanChangeRequests, id)
}

func (s *Store) ListPlanChangeRequests(ctx context.Context, filter store.RequestFilter) ([]domain.PlanChangeRequest, error) {
	requests, err := listByClient[domain.PlanChangeRequest](ctx, s.db, store.CollectionPlanChangeRequests, filter.ClientID)
	if err != nil {
		return nil, err
	}
	out := keep(requests, filter.MatchPlanChange)
	store.SortNewestFirst(out,
		func(r domain.PlanChangeRequest) time.Time { return r.CreatedAt },
		func(r domain.PlanChangeRequest) string { return r.ID })
	return out, nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return getDoc[domain.Transaction](ctx, s.db, store.CollectionTransactions, id)
}

func (s *Store) ListTransactions(ctx context.Context, clientID string) ([]domain.Transaction, error) {
	txs, err := listByClient[domain.Transaction](ctx, s.db, store.CollectionTransactions, clientID)
	if err != nil {
		return nil, err
	}
	store.SortNewestFirst(txs,
		func(tx domain.Transaction) time.Time { return tx.Date },
		func(tx domain.Transaction) string { return tx.ID })
	return txs, nil
}

func (s *Store) GetBank(ctx context.Context, id string) (*domain.Bank, error) {
	return getDoc[domain.Bank](ctx, s.db, store.CollectionBanks, id)
}

func (s *Store) ListBanks(ctx context.Context) ([]domain.Bank, error) {
	banks, err := listDocs[domain.Bank](ctx, s.db, store.CollectionBanks, "")
	if err != nil {
		return nil, err
	}
	slices.SortFunc(banks, func(a, b domain.Bank) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return banks, nil
}

func (s *Store) GetBudget(ctx context.Context, id string) (*domain.Budget, error) {
	return getDoc[domain.Budget](ctx, s.db, store.CollectionBudgets, id)
}

func (s *Store) ListBudgets(ctx context.Context, status domain.BudgetStatus) ([]domain.Budget, error) {
	var (
		budgets []domain.Budget
		err     error
	)
	if status != "" {
		budgets, err = listDocs[domain.Budget](ctx, s.db, store.CollectionBudgets, `data->>'status' = $2`, string(status))
	} else {
		budgets, err = listDocs[domain.Budget](ctx, s.db, store.CollectionBudgets, "")
	}
	if err != nil {
		return nil, err
	}
	store.SortNewestFirst(budgets,
		func(b domain.Budget) time.Time { return b.CreatedAt },
		func(b domain.Budget) string { return b.ID })
	return budgets, nil
}

func (s *Store) GetUser(ctx context.Context, username string) (*domain.UserAccount, error) {
	return getDoc[domain.UserAccount](ctx, s.db, store.CollectionUsers, username)
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	users, err := listDocs[domain.UserAccount](ctx, s.db, store.CollectionUsers, "")
	if err != nil {
		return nil, err
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmp.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT data
		FROM documents
		WHERE collection = $1
		ORDER BY (data->>'created_at')::timestamptz DESC, id DESC
		LIMIT $2
	`, store.CollectionAuditLogs, limit)
	if err != nil {
		return nil, err
	}
	return scanDocs[domain.AuditLog](rows)
}

// Subscribe opens a dedicated connection that LISTENs on the change channel
// until ctx is cancelled or the subscription is closed.
func (s *Store) Subscribe(ctx context.Context, collections ...string) (store.Subscription, error) {
	if s.databaseURL == "" {
		return nil, errors.New("change feed requires a database url")
	}
	wanted := make(map[string]struct{}, len(collections))
	for _, collection := range collections {
		if !slices.Contains(store.Collections, collection) {
			return nil, fmt.Errorf("%w: unknown collection %q", store.ErrInvalidDocument, collection)
		}
		wanted[collection] = struct{}{}
	}

	conn, err := pgx.Connect(ctx, s.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect change feed: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+changeChannel); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("listen %s: %w", changeChannel, err)
	}

	listenCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		events: make(chan store.ChangeEvent, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go sub.run(listenCtx, conn, wanted)
	return sub, nil
}

type subscription struct {
	events chan store.ChangeEvent
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) Events() <-chan store.ChangeEvent {
	return s.events
}

func (s *subscription) Close() {
	s.once.Do(s.cancel)
	<-s.done
}

func (s *subscription) run(ctx context.Context, conn *pgx.Conn, wanted map[string]struct{}) {
	defer close(s.done)
	defer close(s.events)
	defer func() {
		_ = conn.Close(context.Background())
	}()

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return
		}
		collection, id, ok := strings.Cut(notification.Payload, ":")
		if !ok {
			continue
		}
		if len(wanted) > 0 {
			if _, match := wanted[collection]; !match {
				continue
			}
		}
		select {
		case s.events <- store.ChangeEvent{Collection: collection, ID: id, At: time.Now().UTC()}:
		case <-ctx.Done():
			return
		}
	}
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getDoc[T any](ctx context.Context, q querier, collection string, id string) (*T, error) {
	var raw []byte
	err := q.QueryRowContext(ctx, `
		SELECT data
		FROM documents
		WHERE collection = $1 AND id = $2
	`, collection, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", collection, id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var doc T
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%s %s: %w: %v", collection, id, store.ErrInvalidDocument, err)
	}
	return &doc, nil
}

// listDocs loads a collection, optionally narrowed by a clause whose
// placeholders start at $2.
func listDocs[T any](ctx context.Context, q querier, collection string, clause string, args ...any) ([]T, error) {
	query := `SELECT data FROM documents WHERE collection = $1`
	if clause != "" {
		query += ` AND ` + clause
	}
	query += ` ORDER BY id`

	rows, err := q.QueryContext(ctx, query, append([]any{collection}, args...)...)
	if err != nil {
		return nil, err
	}
	return scanDocs[T](rows)
}

func listByClient[T any](ctx context.Context, q querier, collection string, clientID string) ([]T, error) {
	if clientID == "" {
		return listDocs[T](ctx, q, collection, "")
	}
	return listDocs[T](ctx, q, collection, `data->>'client_id' = $2`, clientID)
}

func scanDocs[T any](rows *sql.Rows) ([]T, error) {
	defer rows.Close()

	out := make([]T, 0, 32)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var doc T
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrInvalidDocument, err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func keep[T any](items []T, match func(T) bool) []T {
	out := items[:0]
	for _, item := range items {
		if match(item) {
			out = append(out, item)
		}
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
