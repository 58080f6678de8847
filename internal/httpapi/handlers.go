package httpapi

import (
	"net/http"
	"strings"

	"poolcare/backend/internal/domain"
	"poolcare/backend/internal/store"
)

func splitQuery(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func requestStatuses(r *http.Request) []domain.RequestStatus {
	var statuses []domain.RequestStatus
	for _, s := range splitQuery(r.URL.Query().Get("status")) {
		statuses = append(statuses, domain.RequestStatus(s))
	}
	return statuses
}

func (a *API) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := a.service.GetSettings(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (a *API) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var update domain.SettingsUpdate
	if err := decodeJSON(r, &update); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := a.service.SaveSettings(r.Context(), update)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleListPriceChanges(w http.ResponseWriter, r *http.Request) {
	status := domain.PriceChangeStatus(r.URL.Query().Get("status"))
	changes, err := a.service.ListPriceChanges(r.Context(), status)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"price_changes": changes})
}

func (a *API) handleApplyPriceChanges(w http.ResponseWriter, r *http.Request) {
	result, err := a.service.ApplyDuePriceChanges(r.Context(), a.service.Now())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleListClients(w http.ResponseWriter, r *http.Request) {
	filter := store.ClientFilter{
		Status: domain.ClientStatus(r.URL.Query().Get("status")),
		Plan:   domain.PlanName(r.URL.Query().Get("plan")),
	}
	clients, err := a.service.ListClients(r.Context(), filter)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"clients": clients})
}

func (a *API) handleGetClient(w http.ResponseWriter, r *http.Request) {
	client, err := a.service.GetClient(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, client)
}

func (a *API) handleUpdateClient(w http.ResponseWriter, r *http.Request) {
	var req domain.ClientUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	client, err := a.service.UpdateClient(r.Context(), r.PathValue("id"), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, client)
}

func (a *API) handleClientFee(w http.ResponseWriter, r *http.Request) {
	fee, err := a.service.ClientFee(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fee)
}

func (a *API) handleUpdateStock(w http.ResponseWriter, r *http.Request) {
	var req domain.StockUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	client, err := a.service.UpdateClientStock(r.Context(), r.PathValue("id"), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, client)
}

func (a *API) handleMarkAsPaid(w http.ResponseWriter, r *http.Request) {
	var req domain.MarkAsPaidRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}
	result, err := a.service.MarkAsPaid(r.Context(), r.PathValue("id"), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (a *API) handleClientTransactions(w http.ResponseWriter, r *http.Request) {
	a.writeTransactions(w, r, r.PathValue("id"))
}

func (a *API) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	a.writeTransactions(w, r, r.URL.Query().Get("client_id"))
}

func (a *API) writeTransactions(w http.ResponseWriter, r *http.Request, clientID string) {
	txs, err := a.service.ListTransactions(r.Context(), clientID)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (a *API) handleAdvanceEligibility(w http.ResponseWriter, r *http.Request) {
	eligibility, err := a.service.AdvanceEligibility(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eligibility)
}

func (a *API) handleSuggestPlanPrice(w http.ResponseWriter, r *http.Request) {
	price, err := a.service.SuggestPlanPrice(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"client_id":       r.PathValue("id"),
		"suggested_price": price,
	})
}

func (a *API) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.ListProducts(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	product, err := a.service.CreateProduct(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, product)
}

func (a *API) handleAdjustProductStock(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductStockAdjustRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	product, err := a.service.AdjustProductStock(r.Context(), r.PathValue("id"), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (a *API) handleListBanks(w http.ResponseWriter, r *http.Request) {
	banks, err := a.service.ListBanks(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"banks": banks})
}

func (a *API) handleCreateBank(w http.ResponseWriter, r *http.Request) {
	var req domain.BankCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	bank, err := a.service.CreateBank(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bank)
}

func (a *API) handleListBudgets(w http.ResponseWriter, r *http.Request) {
	budgets, err := a.service.ListBudgets(r.Context(), domain.BudgetStatus(r.URL.Query().Get("status")))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"budgets": budgets})
}

func (a *API) handleCreateBudget(w http.ResponseWriter, r *http.Request) {
	var req domain.BudgetCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	budget, err := a.service.CreateBudget(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, budget)
}

func (a *API) handleApproveBudget(w http.ResponseWriter, r *http.Request) {
	budget, client, err := a.service.ApproveBudget(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"budget": budget, "client": client})
}

func (a *API) handleRejectBudget(w http.ResponseWriter, r *http.Request) {
	budget, err := a.service.RejectBudget(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, budget)
}

func (a *API) handleListQuotes(w http.ResponseWriter, r *http.Request) {
	filter := store.QuoteFilter{ClientID: r.URL.Query().Get("client_id")}
	for _, s := range splitQuery(r.URL.Query().Get("status")) {
		filter.Statuses = append(filter.Statuses, domain.QuoteStatus(s))
	}
	quotes, err := a.service.ListQuotes(r.Context(), filter)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"quotes": quotes})
}

func (a *API) handleReplenishmentScan(w http.ResponseWriter, r *http.Request) {
	result, err := a.service.RunReplenishmentScan(r.Context(), a.service.Now())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleProposeQuote(w http.ResponseWriter, r *http.Request) {
	quote, err := a.service.ProposeQuote(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (a *API) handleApproveQuote(w http.ResponseWriter, r *http.Request) {
	result, err := a.service.ApproveQuote(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleRejectQuote(w http.ResponseWriter, r *http.Request) {
	quote, err := a.service.RejectQuote(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (a *API) handleListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := a.service.ListOrders(r.Context(), r.URL.Query().Get("client_id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (a *API) handleDeliverOrder(w http.ResponseWriter, r *http.Request) {
	order, err := a.service.DeliverOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (a *API) handleListAdvanceRequests(w http.ResponseWriter, r *http.Request) {
	filter := store.RequestFilter{ClientID: r.URL.Query().Get("client_id"), Statuses: requestStatuses(r)}
	requests, err := a.service.ListAdvanceRequests(r.Context(), filter)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"advance_requests": requests})
}

func (a *API) handleCreateAdvanceRequest(w http.ResponseWriter, r *http.Request) {
	var req domain.AdvanceRequestCreate
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	request, err := a.service.RequestAdvancePayment(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, request)
}

func (a *API) handleApproveAdvance(w http.ResponseWriter, r *http.Request) {
	var req domain.AdvanceApproveRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	request, settlement, err := a.service.ApproveAdvancePayment(r.Context(), r.PathValue("id"), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request": request, "settlement": settlement})
}

func (a *API) handleRejectAdvance(w http.ResponseWriter, r *http.Request) {
	request, err := a.service.RejectAdvancePayment(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, request)
}

func (a *API) handleListPlanChanges(w http.ResponseWriter, r *http.Request) {
	filter := store.RequestFilter{ClientID: r.URL.Query().Get("client_id"), Statuses: requestStatuses(r)}
	requests, err := a.service.ListPlanChangeRequests(r.Context(), filter)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plan_changes": requests})
}

func (a *API) handleCreatePlanChange(w http.ResponseWriter, r *http.Request) {
	var req domain.PlanChangeCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	request, err := a.service.RequestPlanChange(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, request)
}

func (a *API) handleQuotePlanChange(w http.ResponseWriter, r *http.Request) {
	var req domain.PlanChangeQuoteRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	request, err := a.service.QuotePlanChange(r.Context(), r.PathValue("id"), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, request)
}

func (a *API) handleAcceptPlanChange(w http.ResponseWriter, r *http.Request) {
	request, client, err := a.service.AcceptPlanChange(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request": request, "client": client})
}

func (a *API) handleRejectPlanChange(w http.ResponseWriter, r *http.Request) {
	var req domain.PlanChangeRejectRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	request, err := a.service.RejectPlanChange(r.Context(), r.PathValue("id"), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, request)
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.service.ListUsers(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req domain.UserCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	user, err := a.service.CreateUser(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
	logs, err := a.service.ListAuditLogs(r.Context(), limit)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": logs})
}
