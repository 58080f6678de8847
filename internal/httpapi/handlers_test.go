package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poolcare/backend/internal/domain"
	"poolcare/backend/internal/observability"
	"poolcare/backend/internal/service"
	"poolcare/backend/internal/store"
	"poolcare/backend/internal/store/memory"
)

type testEnv struct {
	api      *API
	handler  http.Handler
	repo     *memory.Store
	registry *prometheus.Registry
}

var testNow = time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

// newTestEnv wires the real service, store and auth manager so handler tests
// cover the whole request path.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	t.Setenv("SEED_ADMIN_PASSWORD", "admin123")
	t.Setenv("SEED_TECHNICIAN_PASSWORD", "technician123")

	logger, _ := test.NewNullLogger()
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	repo := memory.NewSeeded(domain.DefaultSettings())
	svc := service.New(repo, service.Options{
		Logger:  logger,
		Metrics: metrics,
		Clock:   func() time.Time { return testNow },
	})
	auth := NewAuthManager(testSecret, time.Hour, repo)
	api := New(svc, auth, Options{AllowedOrigin: "*", Logger: logger, Metrics: metrics, Registry: registry})
	return &testEnv{api: api, handler: api.Handler(), repo: repo, registry: registry}
}

func (e *testEnv) token(t *testing.T, actor domain.Actor) string {
	t.Helper()
	token, err := e.api.auth.sign(actor, time.Now().Add(time.Hour))
	require.NoError(t, err)
	return token
}

func (e *testEnv) adminToken(t *testing.T) string {
	return e.token(t, domain.Actor{Username: "admin", Role: domain.RoleAdmin})
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) putClient(t *testing.T, client domain.Client) {
	t.Helper()
	require.NoError(t, e.repo.Commit(context.Background(), store.NewBatch().PutClient(client)))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(dest), rec.Body.String())
}

func activeClient(id string) domain.Client {
	return domain.Client{
		ID:         id,
		Name:       "Pool " + id,
		Status:     domain.ClientStatusActive,
		PoolVolume: 15000,
		Plan:       domain.PlanSimple,
		Payment:    domain.PaymentInfo{Status: domain.PaymentStatusPending, DueDate: testNow.AddDate(0, 0, 5)},
		CreatedAt:  testNow,
	}
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decodeBody(t, rec, &body)
	assert.Equal(t, true, body["ok"])
}

func TestHandleLogin(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "admin", Password: "admin123"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp domain.LoginResponse
	decodeBody(t, rec, &resp)
	assert.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, domain.RoleAdmin, resp.Role)

	rec = env.do(t, http.MethodGet, "/api/v1/settings", resp.AccessToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "admin", Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRoutesRequireBearerTokenAndRole(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/products", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/products", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	tech := env.token(t, domain.Actor{Username: "technician", Role: domain.RoleTechnician})
	rec = env.do(t, http.MethodPatch, "/api/v1/settings", tech, map[string]any{"vip_enabled": false})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/products", tech, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Products []domain.Product `json:"products"`
	}
	decodeBody(t, rec, &body)
	assert.NotEmpty(t, body.Products)
}

func TestSaveSettingsSchedulesPriceChange(t *testing.T) {
	env := newTestEnv(t)
	env.putClient(t, activeClient("cli-1"))
	admin := env.adminToken(t)

	pricing := domain.DefaultSettings().Pricing
	pricing.Tiers[0].Price = decimal.NewFromInt(175)
	rec := env.do(t, http.MethodPatch, "/api/v1/settings", admin, domain.SettingsUpdate{Pricing: &pricing})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result domain.SettingsSaveResult
	decodeBody(t, rec, &result)
	require.NotNil(t, result.PendingChange)
	assert.Equal(t, testNow.AddDate(0, 0, 30), result.PendingChange.EffectiveDate.UTC())
	assert.Equal(t, "150", result.Settings.Pricing.Tiers[0].Price.String(), "live pricing is untouched until the change applies")

	rec = env.do(t, http.MethodGet, "/api/v1/price-changes?status=pending", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		PriceChanges []domain.PendingPriceChange `json:"price_changes"`
	}
	decodeBody(t, rec, &list)
	assert.Len(t, list.PriceChanges, 1)
}

func TestMarkAsPaidIsIdempotentOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.putClient(t, activeClient("cli-1"))
	admin := env.adminToken(t)

	send := func() *httptest.ResponseRecorder {
		raw, err := json.Marshal(domain.MarkAsPaidRequest{BankID: "bank-main"})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/clients/cli-1/payments", bytes.NewReader(raw))
		req.Header.Set("Authorization", "Bearer "+admin)
		req.Header.Set("Idempotency-Key", "pay-2026-03")
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		return rec
	}

	first := send()
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	var paid domain.SettlementResult
	decodeBody(t, first, &paid)
	assert.Equal(t, "150", paid.Transaction.Amount.String())
	assert.Equal(t, domain.PaymentStatusPaid, paid.Client.Payment.Status)

	second := send()
	require.Equal(t, http.StatusOK, second.Code)
	var dup domain.SettlementResult
	decodeBody(t, second, &dup)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, paid.Transaction.ID, dup.Transaction.ID)

	txs, err := env.repo.ListTransactions(context.Background(), "cli-1")
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestServiceErrorsMapToStatusCodes(t *testing.T) {
	env := newTestEnv(t)
	env.putClient(t, activeClient("cli-1"))
	admin := env.adminToken(t)

	rec := env.do(t, http.MethodPost, "/api/v1/clients/cli-1/payments", admin, domain.MarkAsPaidRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing bank is a validation error")

	rec = env.do(t, http.MethodPost, "/api/v1/clients/cli-missing/payments", admin, domain.MarkAsPaidRequest{BankID: "bank-main"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/advance-requests", admin, domain.AdvanceRequestCreate{ClientID: "cli-1", Months: 3})
	assert.Equal(t, http.StatusConflict, rec.Code, "due date within 15 days blocks the request: %s", rec.Body.String())

	rec = env.do(t, http.MethodPatch, "/api/v1/clients/cli-1", admin, map[string]any{"unknown_field": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClientTokensAreScopedToOwnRecords(t *testing.T) {
	env := newTestEnv(t)
	env.putClient(t, activeClient("cli-1"))
	env.putClient(t, activeClient("cli-2"))
	owner := env.token(t, domain.Actor{Username: "pool-01", Role: domain.RoleClient, ClientID: "cli-1"})

	rec := env.do(t, http.MethodGet, "/api/v1/clients/cli-1/fee", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var fee domain.ClientFeeResponse
	decodeBody(t, rec, &fee)
	assert.Equal(t, "150", fee.Fee.String())

	rec = env.do(t, http.MethodGet, "/api/v1/clients/cli-2", owner, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/clients", owner, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/plan-changes", owner, domain.PlanChangeCreateRequest{ClientID: "cli-2"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPlanChangeFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.putClient(t, activeClient("cli-1"))
	admin := env.adminToken(t)
	owner := env.token(t, domain.Actor{Username: "pool-01", Role: domain.RoleClient, ClientID: "cli-1"})

	rec := env.do(t, http.MethodPost, "/api/v1/plan-changes", owner, domain.PlanChangeCreateRequest{ClientID: "cli-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created domain.PlanChangeRequest
	decodeBody(t, rec, &created)

	rec = env.do(t, http.MethodPost, "/api/v1/plan-changes/"+created.ID+"/quote", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var quoted domain.PlanChangeRequest
	decodeBody(t, rec, &quoted)
	assert.Equal(t, domain.RequestQuoted, quoted.Status)
	require.NotNil(t, quoted.ProposedPrice)

	rec = env.do(t, http.MethodPost, "/api/v1/plan-changes/"+created.ID+"/accept", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var accepted struct {
		Request domain.PlanChangeRequest `json:"request"`
		Client  domain.Client            `json:"client"`
	}
	decodeBody(t, rec, &accepted)
	assert.Equal(t, domain.RequestAccepted, accepted.Request.Status)
	require.NotNil(t, accepted.Client.ScheduledPlanChange)
	assert.Equal(t, domain.PlanSimple, accepted.Client.Plan, "the new plan waits for the next payment")
}

func TestMetricsEndpointExposesRequestCounters(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/healthz", "", nil)

	rec := env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "poolcare_http_requests_total")
}

func TestServerErrorsHideDetails(t *testing.T) {
	logger, hook := test.NewNullLogger()
	api := &API{log: logger}
	rec := httptest.NewRecorder()

	api.writeServiceError(rec, assert.AnError)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}
