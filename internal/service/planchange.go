package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"poolcare/backend/internal/billing"
	"poolcare/backend/internal/domain"
	"poolcare/backend/internal/store"
	"poolcare/backend/internal/xid"
)

// RequestPlanChange opens a Simple to VIP upgrade request for the client.
func (s *Service) RequestPlanChange(ctx context.Context, req domain.PlanChangeCreateRequest) (domain.PlanChangeRequest, error) {
	if err := requireRole(ctx, domain.RoleAdmin, domain.RoleClient); err != nil {
		return domain.PlanChangeRequest{}, err
	}
	if err := requireClientAccess(ctx, req.ClientID); err != nil {
		return domain.PlanChangeRequest{}, err
	}

	client, err := s.repo.GetClient(ctx, req.ClientID)
	if err != nil {
		return domain.PlanChangeRequest{}, fmt.Errorf("load client: %w", err)
	}
	settings, err := s.settings(ctx)
	if err != nil {
		return domain.PlanChangeRequest{}, err
	}

	if !settings.VIPEnabled {
		return domain.PlanChangeRequest{}, preconditionf("the VIP plan is not available")
	}
	if !client.IsActive() {
		return domain.PlanChangeRequest{}, preconditionf("client is not active")
	}
	if client.Plan != domain.PlanSimple {
		return domain.PlanChangeRequest{}, preconditionf("only Simple clients can request an upgrade")
	}
	if client.ScheduledPlanChange != nil {
		return domain.PlanChangeRequest{}, preconditionf("a plan change is already scheduled for the next payment")
	}
	fidelityID := strings.TrimSpace(req.FidelityPlanID)
	if fidelityID != "" {
		if _, ok := settings.FidelityPlanByID(fidelityID); !ok {
			return domain.PlanChangeRequest{}, validationf("unknown fidelity plan %s", fidelityID)
		}
	}

	open, err := s.repo.ListPlanChangeRequests(ctx, store.RequestFilter{
		ClientID: client.ID,
		Statuses: store.OpenPlanChangeStatuses,
	})
	if err != nil {
		return domain.PlanChangeRequest{}, fmt.Errorf("list open plan change requests: %w", err)
	}
	if len(open) > 0 {
		return domain.PlanChangeRequest{}, preconditionf("a plan change request is already open")
	}

	now := s.now()
	request := domain.PlanChangeRequest{
		ID:             xid.New("pcr"),
		ClientID:       client.ID,
		CurrentPlan:    client.Plan,
		RequestedPlan:  domain.PlanVIP,
		FidelityPlanID: fidelityID,
		Status:         domain.RequestPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	batch := store.NewBatch().PutPlanChangeRequest(request)
	s.audit(ctx, batch, "plan_change_request", "plan_change_request", request.ID, "client="+client.ID)
	if err := s.commit(ctx, batch); err != nil {
		return domain.PlanChangeRequest{}, err
	}
	s.metrics.Transition("plan_change", string(domain.RequestPending))
	return request, nil
}

// SuggestPlanPrice is the client's fee recomputed as VIP without a fidelity
// discount, on the pricing the client is billed with.
func (s *Service) SuggestPlanPrice(ctx context.Context, clientID string) (decimal.Decimal, error) {
	if err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return decimal.Zero, err
	}
	client, err := s.repo.GetClient(ctx, clientID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("load client: %w", err)
	}
	settings, err := s.settings(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return suggestedVIPPrice(*client, settings), nil
}

func suggestedVIPPrice(client domain.Client, settings domain.Settings) decimal.Decimal {
	candidate := client.Clone()
	candidate.Plan = domain.PlanVIP
	candidate.FidelityPlan = nil
	return billing.ComputeFee(candidate, billing.EffectivePricing(client, settings.Pricing), settings.VIPEnabled)
}

func (s *Service) QuotePlanChange(ctx context.Context, id string, req domain.PlanChangeQuoteRequest) (domain.PlanChangeRequest, error) {
	if err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.PlanChangeRequest{}, err
	}
	request, err := s.repo.GetPlanChangeRequest(ctx, id)
	if err != nil {
		return domain.PlanChangeRequest{}, fmt.Errorf("load plan change request: %w", err)
	}
	if !request.CanTransitionTo(domain.RequestQuoted) {
		return domain.PlanChangeRequest{}, preconditionf("plan change request is %s", request.Status)
	}

	price := decimal.Zero
	if req.ProposedPrice != nil {
		price = *req.ProposedPrice
	} else {
		suggested, err := s.SuggestPlanPrice(ctx, request.ClientID)
		if err != nil {
			return domain.PlanChangeRequest{}, err
		}
		price = suggested
	}
	if !price.IsPositive() {
		return domain.PlanChangeRequest{}, validationf("proposed price must be positive")
	}
	price = price.Round(2)

	request.Status = domain.RequestQuoted
	request.ProposedPrice = &price
	request.AdminNotes = strings.TrimSpace(req.AdminNotes)
	request.UpdatedAt = s.now()

	batch := store.NewBatch().PutPlanChangeRequest(*request)
	s.audit(ctx, batch, "plan_change_quote", "plan_change_request", request.ID, "price="+price.StringFixed(2))
	if err := s.commit(ctx, batch); err != nil {
		return domain.PlanChangeRequest{}, err
	}
	s.metrics.Transition("plan_change", string(domain.RequestQuoted))
	return *request, nil
}

// AcceptPlanChange schedules the quoted plan on the client. The switch itself
// happens on the client's next settlement.
func (s *Service) AcceptPlanChange(ctx context.Context, id string) (domain.PlanChangeRequest, domain.Client, error) {
	request, err := s.repo.GetPlanChangeRequest(ctx, id)
	if err != nil {
		return domain.PlanChangeRequest{}, domain.Client{}, fmt.Errorf("load plan change request: %w", err)
	}
	if err := requireRole(ctx, domain.RoleAdmin, domain.RoleClient); err != nil {
		return domain.PlanChangeRequest{}, domain.Client{}, err
	}
	if err := requireClientAccess(ctx, request.ClientID); err != nil {
		return domain.PlanChangeRequest{}, domain.Client{}, err
	}
	if !request.CanTransitionTo(domain.RequestAccepted) {
		return domain.PlanChangeRequest{}, domain.Client{}, preconditionf("plan change request is %s", request.Status)
	}
	if request.ProposedPrice == nil || !request.ProposedPrice.IsPositive() {
		return domain.PlanChangeRequest{}, domain.Client{}, validationf("plan change request has no price")
	}

	client, err := s.repo.GetClient(ctx, request.ClientID)
	if err != nil {
		return domain.PlanChangeRequest{}, domain.Client{}, fmt.Errorf("load client: %w", err)
	}
	if client.ScheduledPlanChange != nil {
		return domain.PlanChangeRequest{}, domain.Client{}, preconditionf("a plan change is already scheduled for the next payment")
	}

	change := domain.ScheduledPlanChange{
		NewPlan:   request.RequestedPlan,
		NewPrice:  *request.ProposedPrice,
		RequestID: request.ID,
	}
	if request.FidelityPlanID != "" {
		settings, err := s.settings(ctx)
		if err != nil {
			return domain.PlanChangeRequest{}, domain.Client{}, err
		}
		plan, ok := settings.FidelityPlanByID(request.FidelityPlanID)
		if !ok {
			return domain.PlanChangeRequest{}, domain.Client{}, preconditionf("fidelity plan %s no longer exists", request.FidelityPlanID)
		}
		change.FidelityPlan = &plan
	}

	now := s.now()
	change.EffectiveDate = now
	updated := client.Clone()
	updated.ScheduledPlanChange = &change
	updated.UpdatedAt = now

	request.Status = domain.RequestAccepted
	request.UpdatedAt = now

	batch := store.NewBatch().
		PutClient(updated).
		PutPlanChangeRequest(*request)
	s.audit(ctx, batch, "plan_change_accept", "plan_change_request", request.ID,
		fmt.Sprintf("client=%s,new_plan=%s,new_price=%s", client.ID, change.NewPlan, change.NewPrice.StringFixed(2)))
	if err := s.commit(ctx, batch); err != nil {
		return domain.PlanChangeRequest{}, domain.Client{}, err
	}

	s.metrics.Transition("plan_change", string(domain.RequestAccepted))
	s.log.WithFields(logrus.Fields{
		"client_id":  client.ID,
		"request_id": request.ID,
	}).Info("plan change scheduled")
	return *request, updated, nil
}

func (s *Service) RejectPlanChange(ctx context.Context, id string, req domain.PlanChangeRejectRequest) (domain.PlanChangeRequest, error) {
	request, err := s.repo.GetPlanChangeRequest(ctx, id)
	if err != nil {
		return domain.PlanChangeRequest{}, fmt.Errorf("load plan change request: %w", err)
	}
	// Admins decline; clients turn down a quote they were sent.
	if err := requireRole(ctx, domain.RoleAdmin, domain.RoleClient); err != nil {
		return domain.PlanChangeRequest{}, err
	}
	if err := requireClientAccess(ctx, request.ClientID); err != nil {
		return domain.PlanChangeRequest{}, err
	}
	if !request.CanTransitionTo(domain.RequestRejected) {
		return domain.PlanChangeRequest{}, preconditionf("plan change request is %s", request.Status)
	}

	request.Status = domain.RequestRejected
	if notes := strings.TrimSpace(req.AdminNotes); notes != "" {
		request.AdminNotes = notes
	}
	request.UpdatedAt = s.now()

	batch := store.NewBatch().PutPlanChangeRequest(*request)
	s.audit(ctx, batch, "plan_change_reject", "plan_change_request", request.ID, "client="+request.ClientID)
	if err := s.commit(ctx, batch); err != nil {
		return domain.PlanChangeRequest{}, err
	}
	s.metrics.Transition("plan_change", string(domain.RequestRejected))
	return *request, nil
}

func (s *Service) ListPlanChangeRequests(ctx context.Context, filter store.RequestFilter) ([]domain.PlanChangeRequest, error) {
	if err := s.scopeRequestFilter(ctx, &filter); err != nil {
		return nil, err
	}
	return s.repo.ListPlanChangeRequests(ctx, filter)
}
