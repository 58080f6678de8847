package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"poolcare/backend/internal/billing"
	"poolcare/backend/internal/domain"
	"poolcare/backend/internal/store"
	"poolcare/backend/internal/xid"
)

const (
	// AdvanceAdoptionCapPercent closes advance payments once this share of
	// active clients holds a live advance window.
	AdvanceAdoptionCapPercent = 10.0
	// AdvanceDueProximityDays blocks an unpaid client this close to the due
	// date until the current invoice is settled.
	AdvanceDueProximityDays = 15
)

func (s *Service) AdvanceEligibility(ctx context.Context, clientID string) (domain.AdvanceEligibility, error) {
	if err := requireClientAccess(ctx, clientID); err != nil {
		return domain.AdvanceEligibility{}, err
	}
	client, err := s.repo.GetClient(ctx, clientID)
	if err != nil {
		return domain.AdvanceEligibility{}, fmt.Errorf("load client: %w", err)
	}
	settings, err := s.settings(ctx)
	if err != nil {
		return domain.AdvanceEligibility{}, err
	}
	return s.advanceEligibility(ctx, *client, settings, s.now())
}

func (s *Service) advanceEligibility(ctx context.Context, client domain.Client, settings domain.Settings, now time.Time) (domain.AdvanceEligibility, error) {
	result := domain.AdvanceEligibility{ClientID: client.ID, Options: []domain.AdvanceOptionQuote{}}

	active, err := s.repo.ListClients(ctx, store.ClientFilter{Status: domain.ClientStatusActive})
	if err != nil {
		return result, fmt.Errorf("list active clients: %w", err)
	}
	result.AdoptionPercent = advanceAdoption(active, now)
	result.GloballyAvailable = settings.AdvancePayment.Enabled && result.AdoptionPercent < AdvanceAdoptionCapPercent

	fee := billing.ClientFee(client, settings)
	for _, option := range settings.AdvancePayment.Options {
		original, final := billing.AdvanceAmounts(fee, option.Months, option.DiscountPercent)
		result.Options = append(result.Options, domain.AdvanceOptionQuote{
			Months:          option.Months,
			DiscountPercent: option.DiscountPercent,
			OriginalAmount:  original,
			FinalAmount:     final,
		})
	}

	switch {
	case !settings.AdvancePayment.Enabled:
		result.Reason = "advance payments are disabled"
	case !result.GloballyAvailable:
		result.Reason = "advance payment capacity reached"
	case !client.IsActive():
		result.Reason = "client is not active"
	default:
		pending, err := s.repo.ListAdvanceRequests(ctx, store.RequestFilter{
			ClientID: client.ID,
			Statuses: []domain.RequestStatus{domain.RequestPending},
		})
		if err != nil {
			return result, fmt.Errorf("list pending advance requests: %w", err)
		}
		if len(pending) > 0 {
			result.Reason = "an advance payment request is already pending"
			break
		}
		if dueTooClose(client, now) {
			result.Reason = fmt.Sprintf("settle the current invoice first: due within %d days", AdvanceDueProximityDays)
			break
		}
		result.Eligible = true
	}
	return result, nil
}

// advanceAdoption is the percentage of active clients whose advance window is
// still in the future.
func advanceAdoption(active []domain.Client, now time.Time) float64 {
	if len(active) == 0 {
		return 0
	}
	adopters := 0
	for _, client := range active {
		if client.AdvancePaymentUntil != nil && client.AdvancePaymentUntil.After(now) {
			adopters++
		}
	}
	return float64(adopters) * 100 / float64(len(active))
}

func dueTooClose(client domain.Client, now time.Time) bool {
	if client.Payment.Status == domain.PaymentStatusPaid {
		return false
	}
	return client.Payment.DueDate.Sub(now) <= AdvanceDueProximityDays*24*time.Hour
}

func (s *Service) RequestAdvancePayment(ctx context.Context, req domain.AdvanceRequestCreate) (domain.AdvancePaymentRequest, error) {
	if err := requireRole(ctx, domain.RoleAdmin, domain.RoleClient); err != nil {
		return domain.AdvancePaymentRequest{}, err
	}
	if err := requireClientAccess(ctx, req.ClientID); err != nil {
		return domain.AdvancePaymentRequest{}, err
	}

	client, err := s.repo.GetClient(ctx, req.ClientID)
	if err != nil {
		return domain.AdvancePaymentRequest{}, fmt.Errorf("load client: %w", err)
	}
	settings, err := s.settings(ctx)
	if err != nil {
		return domain.AdvancePaymentRequest{}, err
	}
	option, ok := settings.AdvanceOption(req.Months)
	if !ok {
		return domain.AdvancePaymentRequest{}, validationf("no advance option for %d months", req.Months)
	}

	now := s.now()
	eligibility, err := s.advanceEligibility(ctx, *client, settings, now)
	if err != nil {
		return domain.AdvancePaymentRequest{}, err
	}
	if !eligibility.Eligible {
		return domain.AdvancePaymentRequest{}, preconditionf("%s", eligibility.Reason)
	}

	original, final := billing.AdvanceAmounts(billing.ClientFee(*client, settings), option.Months, option.DiscountPercent)
	request := domain.AdvancePaymentRequest{
		ID:              xid.New("adv"),
		ClientID:        client.ID,
		Months:          option.Months,
		DiscountPercent: option.DiscountPercent,
		OriginalAmount:  original,
		FinalAmount:     final,
		Status:          domain.RequestPending,
		CreatedAt:       now,
	}

	batch := store.NewBatch().PutAdvanceRequest(request)
	s.audit(ctx, batch, "advance_request", "advance_request", request.ID,
		fmt.Sprintf("client=%s,months=%d,final=%s", client.ID, request.Months, request.FinalAmount.StringFixed(2)))
	if err := s.commit(ctx, batch); err != nil {
		return domain.AdvancePaymentRequest{}, err
	}
	s.metrics.Transition("advance", string(domain.RequestPending))
	return request, nil
}

// ApproveAdvancePayment settles the request's final amount as an advance
// payment and opens the protection window up to the new due date.
func (s *Service) ApproveAdvancePayment(ctx context.Context, id string, req domain.AdvanceApproveRequest) (domain.AdvancePaymentRequest, domain.SettlementResult, error) {
	if err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.AdvancePaymentRequest{}, domain.SettlementResult{}, err
	}
	if req.BankID == "" {
		return domain.AdvancePaymentRequest{}, domain.SettlementResult{}, validationf("a bank account is required to approve an advance payment")
	}

	request, err := s.repo.GetAdvanceRequest(ctx, id)
	if err != nil {
		return domain.AdvancePaymentRequest{}, domain.SettlementResult{}, fmt.Errorf("load advance request: %w", err)
	}
	if !request.CanTransitionTo(domain.RequestApproved) {
		return domain.AdvancePaymentRequest{}, domain.SettlementResult{}, preconditionf("advance request is %s", request.Status)
	}
	if err := s.requireActiveBank(ctx, req.BankID); err != nil {
		return domain.AdvancePaymentRequest{}, domain.SettlementResult{}, err
	}
	client, err := s.repo.GetClient(ctx, request.ClientID)
	if err != nil {
		return domain.AdvancePaymentRequest{}, domain.SettlementResult{}, fmt.Errorf("load client: %w", err)
	}

	now := s.now()
	updated, tx, planChange := settle(*client, settlement{
		TransactionID: xid.FromKey("txn", "advance:"+request.ID),
		BankID:        req.BankID,
		Amount:        request.FinalAmount,
		Months:        request.Months,
		Kind:          domain.TransactionAdvance,
		Description:   fmt.Sprintf("advance payment (%d months, %.2f%% off)", request.Months, request.DiscountPercent),
		At:            now,
	})
	until := updated.Payment.DueDate
	updated.AdvancePaymentUntil = &until

	resolved := now
	request.Status = domain.RequestApproved
	request.TransactionID = tx.ID
	request.ResolvedAt = &resolved

	batch := store.NewBatch().
		CreateTransaction(tx).
		PutClient(updated).
		PutAdvanceRequest(*request)
	s.audit(ctx, batch, "advance_approve", "advance_request", request.ID,
		fmt.Sprintf("client=%s,transaction=%s,until=%s", client.ID, tx.ID, until.Format(time.DateOnly)))
	if err := s.commit(ctx, batch); err != nil {
		return domain.AdvancePaymentRequest{}, domain.SettlementResult{}, err
	}

	s.metrics.Transition("advance", string(domain.RequestApproved))
	s.metrics.Settlement(string(domain.TransactionAdvance))
	s.log.WithFields(logrus.Fields{
		"client_id":      client.ID,
		"request_id":     request.ID,
		"transaction_id": tx.ID,
	}).Info("advance payment approved")

	return *request, domain.SettlementResult{
		Transaction:       tx,
		Client:            updated,
		PreviousDueDate:   client.Payment.DueDate,
		AppliedPlanChange: planChange != nil,
		PlanChange:        planChange,
	}, nil
}

func (s *Service) RejectAdvancePayment(ctx context.Context, id string) (domain.AdvancePaymentRequest, error) {
	if err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.AdvancePaymentRequest{}, err
	}
	request, err := s.repo.GetAdvanceRequest(ctx, id)
	if err != nil {
		return domain.AdvancePaymentRequest{}, fmt.Errorf("load advance request: %w", err)
	}
	if !request.CanTransitionTo(domain.RequestRejected) {
		return domain.AdvancePaymentRequest{}, preconditionf("advance request is %s", request.Status)
	}

	resolved := s.now()
	request.Status = domain.RequestRejected
	request.ResolvedAt = &resolved

	batch := store.NewBatch().PutAdvanceRequest(*request)
	s.audit(ctx, batch, "advance_reject", "advance_request", request.ID, "client="+request.ClientID)
	if err := s.commit(ctx, batch); err != nil {
		return domain.AdvancePaymentRequest{}, err
	}
	s.metrics.Transition("advance", string(domain.RequestRejected))
	return *request, nil
}

func (s *Service) ListAdvanceRequests(ctx context.Context, filter store.RequestFilter) ([]domain.AdvancePaymentRequest, error) {
	if err := s.scopeRequestFilter(ctx, &filter); err != nil {
		return nil, err
	}
	return s.repo.ListAdvanceRequests(ctx, filter)
}

// scopeRequestFilter pins client actors to their own requests.
func (s *Service) scopeRequestFilter(ctx context.Context, filter *store.RequestFilter) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleClient {
		return nil
	}
	if filter.ClientID == "" {
		filter.ClientID = actor.ClientID
	}
	return requireClientAccess(ctx, filter.ClientID)
}
