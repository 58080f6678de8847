package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"poolcare/backend/internal/domain"
	"poolcare/backend/internal/observability"
	"poolcare/backend/internal/service"
	"poolcare/backend/internal/store"
)

type Options struct {
	AllowedOrigin string
	Logger        logrus.FieldLogger
	Metrics       *observability.Metrics
	// Registry, when set, is served on GET /metrics.
	Registry *prometheus.Registry
}

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	log           logrus.FieldLogger
	metrics       *observability.Metrics
	registry      *prometheus.Registry
	loginLimiter  *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: opts.AllowedOrigin,
		log:           opts.Logger.WithField("component", "httpapi"),
		metrics:       opts.Metrics,
		registry:      opts.Registry,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

const (
	roleAdmin      = domain.RoleAdmin
	roleTechnician = domain.RoleTechnician
	roleClient     = domain.RoleClient
)

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("POST /api/v1/auth/login", a.handleLogin)
	if a.registry != nil {
		observability.RegisterMetricsEndpoint(mux, a.registry)
	}

	mux.HandleFunc("GET /api/v1/settings", a.requireAuth(a.handleGetSettings, roleAdmin, roleTechnician, roleClient))
	mux.HandleFunc("PATCH /api/v1/settings", a.requireAuth(a.handleSaveSettings, roleAdmin))
	mux.HandleFunc("GET /api/v1/price-changes", a.requireAuth(a.handleListPriceChanges, roleAdmin))
	mux.HandleFunc("POST /api/v1/price-changes/apply", a.requireAuth(a.handleApplyPriceChanges, roleAdmin))

	mux.HandleFunc("GET /api/v1/clients", a.requireAuth(a.handleListClients, roleAdmin, roleTechnician))
	mux.HandleFunc("GET /api/v1/clients/{id}", a.requireAuth(a.handleGetClient, roleAdmin, roleTechnician, roleClient))
	mux.HandleFunc("PATCH /api/v1/clients/{id}", a.requireAuth(a.handleUpdateClient, roleAdmin))
	mux.HandleFunc("GET /api/v1/clients/{id}/fee", a.requireAuth(a.handleClientFee, roleAdmin, roleTechnician, roleClient))
	mux.HandleFunc("PUT /api/v1/clients/{id}/stock", a.requireAuth(a.handleUpdateStock, roleAdmin, roleTechnician))
	mux.HandleFunc("POST /api/v1/clients/{id}/payments", a.requireAuth(a.handleMarkAsPaid, roleAdmin))
	mux.HandleFunc("GET /api/v1/clients/{id}/transactions", a.requireAuth(a.handleClientTransactions, roleAdmin, roleClient))
	mux.HandleFunc("GET /api/v1/clients/{id}/advance-eligibility", a.requireAuth(a.handleAdvanceEligibility, roleAdmin, roleClient))
	mux.HandleFunc("GET /api/v1/clients/{id}/plan-price", a.requireAuth(a.handleSuggestPlanPrice, roleAdmin))
	mux.HandleFunc("GET /api/v1/transactions", a.requireAuth(a.handleListTransactions, roleAdmin))

	mux.HandleFunc("GET /api/v1/products", a.requireAuth(a.handleListProducts, roleAdmin, roleTechnician, roleClient))
	mux.HandleFunc("POST /api/v1/products", a.requireAuth(a.handleCreateProduct, roleAdmin))
	mux.HandleFunc("PATCH /api/v1/products/{id}/stock", a.requireAuth(a.handleAdjustProductStock, roleAdmin))
	mux.HandleFunc("GET /api/v1/banks", a.requireAuth(a.handleListBanks, roleAdmin))
	mux.HandleFunc("POST /api/v1/banks", a.requireAuth(a.handleCreateBank, roleAdmin))

	mux.HandleFunc("GET /api/v1/budgets", a.requireAuth(a.handleListBudgets, roleAdmin, roleTechnician))
	mux.HandleFunc("POST /api/v1/budgets", a.requireAuth(a.handleCreateBudget, roleAdmin, roleTechnician))
	mux.HandleFunc("POST /api/v1/budgets/{id}/approve", a.requireAuth(a.handleApproveBudget, roleAdmin))
	mux.HandleFunc("POST /api/v1/budgets/{id}/reject", a.requireAuth(a.handleRejectBudget, roleAdmin))

	mux.HandleFunc("GET /api/v1/quotes", a.requireAuth(a.handleListQuotes, roleAdmin, roleTechnician, roleClient))
	mux.HandleFunc("POST /api/v1/quotes/scan", a.requireAuth(a.handleReplenishmentScan, roleAdmin))
	mux.HandleFunc("POST /api/v1/quotes/{id}/propose", a.requireAuth(a.handleProposeQuote, roleAdmin))
	mux.HandleFunc("POST /api/v1/quotes/{id}/approve", a.requireAuth(a.handleApproveQuote, roleAdmin, roleClient))
	mux.HandleFunc("POST /api/v1/quotes/{id}/reject", a.requireAuth(a.handleRejectQuote, roleAdmin, roleClient))
	mux.HandleFunc("GET /api/v1/orders", a.requireAuth(a.handleListOrders, roleAdmin, roleTechnician, roleClient))
	mux.HandleFunc("POST /api/v1/orders/{id}/deliver", a.requireAuth(a.handleDeliverOrder, roleAdmin, roleTechnician))

	mux.HandleFunc("GET /api/v1/advance-requests", a.requireAuth(a.handleListAdvanceRequests, roleAdmin, roleClient))
	mux.HandleFunc("POST /api/v1/advance-requests", a.requireAuth(a.handleCreateAdvanceRequest, roleAdmin, roleClient))
	mux.HandleFunc("POST /api/v1/advance-requests/{id}/approve", a.requireAuth(a.handleApproveAdvance, roleAdmin))
	mux.HandleFunc("POST /api/v1/advance-requests/{id}/reject", a.requireAuth(a.handleRejectAdvance, roleAdmin))

	mux.HandleFunc("GET /api/v1/plan-changes", a.requireAuth(a.handleListPlanChanges, roleAdmin, roleClient))
	mux.HandleFunc("POST /api/v1/plan-changes", a.requireAuth(a.handleCreatePlanChange, roleAdmin, roleClient))
	mux.HandleFunc("POST /api/v1/plan-changes/{id}/quote", a.requireAuth(a.handleQuotePlanChange, roleAdmin))
	mux.HandleFunc("POST /api/v1/plan-changes/{id}/accept", a.requireAuth(a.handleAcceptPlanChange, roleAdmin, roleClient))
	mux.HandleFunc("POST /api/v1/plan-changes/{id}/reject", a.requireAuth(a.handleRejectPlanChange, roleAdmin, roleClient))

	mux.HandleFunc("GET /api/v1/users", a.requireAuth(a.handleListUsers, roleAdmin))
	mux.HandleFunc("POST /api/v1/users", a.requireAuth(a.handleCreateUser, roleAdmin))
	mux.HandleFunc("GET /api/v1/audit-logs", a.requireAuth(a.handleAuditLogs, roleAdmin))

	return observability.HTTPMetricsMiddleware(a.metrics)(a.withMiddleware(mux))
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...domain.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			a.writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			a.writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			a.writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role domain.Role, allowed []domain.Role) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": a.service.Now().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		a.writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		a.writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		a.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(startedAt).String(),
		}).Debug("request served")
	})
}

// writeServiceError maps service and store errors onto HTTP statuses.
// Validation, precondition and forbidden messages are shown to the caller;
// everything else gets a generic message.
func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		a.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, service.ErrPrecondition):
		a.writeError(w, http.StatusConflict, err)
	case errors.Is(err, service.ErrForbidden):
		a.writeError(w, http.StatusForbidden, err)
	case errors.Is(err, store.ErrNotFound):
		a.writeError(w, http.StatusNotFound, errors.New("not found"))
	default:
		a.writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

// decodeOptionalJSON accepts an empty body for actions whose payload is
// optional.
func decodeOptionalJSON(r *http.Request, dest any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := decodeJSON(r, dest); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	// 5xx details stay in the log.
	msg := err.Error()
	if status >= 500 {
		a.log.WithError(err).WithField("status", status).Error("internal error")
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
