package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poolcare/backend/internal/domain"
	"poolcare/backend/internal/store"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return NewWithDB(db), mock
}

func TestCommitWritesDocumentsAndNotifiesInOneTransaction(t *testing.T) {
	s, mock := newMockStore(t)

	client := domain.Client{ID: "cli-1", Name: "Ana", Status: domain.ClientStatusActive}
	tx := domain.Transaction{ID: "txn-1", ClientID: "cli-1", Amount: decimal.NewFromInt(250)}

	mock.ExpectBegin()
	mock.ExpectExec("ON CONFLICT \\(collection, id\\)").
		WithArgs(store.CollectionClients, "cli-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO documents").
		WithArgs(store.CollectionTransactions, "txn-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("SELECT pg_notify").
		WithArgs(changeChannel, "clients:cli-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SELECT pg_notify").
		WithArgs(changeChannel, "transactions:txn-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := s.Commit(context.Background(), store.NewBatch().PutClient(client).CreateTransaction(tx))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitMapsUniqueViolationToConflictAndRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO documents").
		WithArgs(store.CollectionTransactions, "txn-1", sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	err := s.Commit(context.Background(), store.NewBatch().CreateTransaction(domain.Transaction{ID: "txn-1"}))
	require.ErrorIs(t, err, store.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitRejectsInvalidBatchBeforeTouchingDatabase(t *testing.T) {
	s, mock := newMockStore(t)

	err := s.Commit(context.Background(), store.NewBatch())
	require.ErrorIs(t, err, store.ErrInvalidDocument)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetClientNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT data").
		WithArgs(store.CollectionClients, "missing").
		WillReturnRows(sqlmock.NewRows([]string{"data"}))

	_, err := s.GetClient(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListClientsPushesStatusFilterAndSortsByName(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"data"})
	for _, c := range []domain.Client{
		{ID: "c1", Name: "Bruno", Status: domain.ClientStatusActive, Plan: domain.PlanVIP},
		{ID: "c2", Name: "Ana", Status: domain.ClientStatusActive, Plan: domain.PlanSimple},
	} {
		raw, err := json.Marshal(c)
		require.NoError(t, err)
		rows.AddRow(raw)
	}
	mock.ExpectQuery("data->>'status' = \\$2").
		WithArgs(store.CollectionClients, "active").
		WillReturnRows(rows)

	clients, err := s.ListClients(context.Background(), store.ClientFilter{Status: domain.ClientStatusActive})
	require.NoError(t, err)
	require.Len(t, clients, 2)
	assert.Equal(t, "Ana", clients[0].Name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListPriceChangesAppliesEffectiveCutoff(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"data"})
	for _, pc := range []domain.PendingPriceChange{
		{ID: "late", Status: domain.PriceChangePending, EffectiveDate: now.AddDate(0, 0, 5)},
		{ID: "due", Status: domain.PriceChangePending, EffectiveDate: now.AddDate(0, 0, -1)},
	} {
		raw, err := json.Marshal(pc)
		require.NoError(t, err)
		rows.AddRow(raw)
	}
	mock.ExpectQuery("SELECT data FROM documents").
		WithArgs(store.CollectionPriceChanges, "pending").
		WillReturnRows(rows)

	due, err := s.ListPriceChanges(context.Background(), store.PriceChangeFilter{Status: domain.PriceChangePending, EffectiveBy: &now})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].ID)
}

func TestSubscribeWithoutURLFails(t *testing.T) {
	s, _ := newMockStore(t)
	_, err := s.Subscribe(context.Background(), store.CollectionClients)
	assert.Error(t, err)
}
