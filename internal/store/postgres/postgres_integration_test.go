//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"poolcare/backend/internal/domain"
	"poolcare/backend/internal/store"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("poolcare_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestBatchRoundTripConflictAndChangeFeed(t *testing.T) {
	s := setupStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sub, err := s.Subscribe(ctx, store.CollectionClients)
	require.NoError(t, err)
	defer sub.Close()

	due := time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)
	client := domain.Client{
		ID:      "cli-it",
		Name:    "Integration",
		Status:  domain.ClientStatusActive,
		Plan:    domain.PlanSimple,
		Payment: domain.PaymentInfo{Status: domain.PaymentStatusPending, DueDate: due},
	}
	tx := domain.Transaction{ID: "txn-it", ClientID: client.ID, Amount: decimal.NewFromInt(250), Kind: domain.TransactionMonthly, Date: due}
	require.NoError(t, s.Commit(ctx, store.NewBatch().PutClient(client).CreateTransaction(tx)))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, store.CollectionClients, ev.Collection)
		assert.Equal(t, client.ID, ev.ID)
	case <-ctx.Done():
		t.Fatal("no change event received")
	}

	client.Payment.Status = domain.PaymentStatusPaid
	err = s.Commit(ctx, store.NewBatch().PutClient(client).CreateTransaction(tx))
	require.ErrorIs(t, err, store.ErrConflict)

	stored, err := s.GetClient(ctx, client.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, stored.Payment.Status, "failed batch must not leak writes")

	txs, err := s.ListTransactions(ctx, client.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.True(t, txs[0].Amount.Equal(decimal.NewFromInt(250)))
}
