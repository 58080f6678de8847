package service

import (
	"context"
	"fmt"
	"strings"

	"poolcare/backend/internal/billing"
	"poolcare/backend/internal/domain"
	"poolcare/backend/internal/store"
	"poolcare/backend/internal/xid"
)

// CreateBudget prices a prospective client on the live pricing.
func (s *Service) CreateBudget(ctx context.Context, req domain.BudgetCreateRequest) (domain.Budget, error) {
	if err := requireRole(ctx, domain.RoleAdmin, domain.RoleTechnician); err != nil {
		return domain.Budget{}, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Budget{}, validationf("name is required")
	}
	if req.PoolVolume < 0 {
		return domain.Budget{}, validationf("pool volume must not be negative")
	}
	if req.DistanceKm < 0 {
		return domain.Budget{}, validationf("distance must not be negative")
	}
	plan := req.Plan
	if plan == "" {
		plan = domain.PlanSimple
	}
	if plan != domain.PlanSimple && plan != domain.PlanVIP {
		return domain.Budget{}, validationf("unknown plan %s", plan)
	}

	settings, err := s.settings(ctx)
	if err != nil {
		return domain.Budget{}, err
	}
	if plan == domain.PlanVIP && !settings.VIPEnabled {
		return domain.Budget{}, preconditionf("the VIP plan is not available")
	}

	prospect := domain.Client{
		PoolVolume:      req.PoolVolume,
		HasWellWater:    req.HasWellWater,
		IncludeProducts: req.IncludeProducts,
		IsPartyPool:     req.IsPartyPool,
		Plan:            plan,
	}
	fidelityID := strings.TrimSpace(req.FidelityPlanID)
	if fidelityID != "" {
		fidelity, ok := settings.FidelityPlanByID(fidelityID)
		if !ok {
			return domain.Budget{}, validationf("unknown fidelity plan %s", fidelityID)
		}
		prospect.FidelityPlan = &fidelity
	}

	now := s.now()
	budget := domain.Budget{
		ID:              xid.New("bud"),
		Name:            name,
		Email:           strings.TrimSpace(req.Email),
		Phone:           strings.TrimSpace(req.Phone),
		Address:         strings.TrimSpace(req.Address),
		PoolVolume:      req.PoolVolume,
		HasWellWater:    req.HasWellWater,
		IncludeProducts: req.IncludeProducts,
		IsPartyPool:     req.IsPartyPool,
		Plan:            plan,
		FidelityPlanID:  fidelityID,
		DistanceKm:      req.DistanceKm,
		EstimatedFee:    billing.ComputeFee(prospect, settings.Pricing, settings.VIPEnabled),
		TravelFee:       billing.TravelFee(req.DistanceKm, settings.Pricing),
		Status:          domain.BudgetPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	batch := store.NewBatch().PutBudget(budget)
	s.audit(ctx, batch, "budget_create", "budget", budget.ID, "fee="+budget.EstimatedFee.StringFixed(2))
	if err := s.commit(ctx, batch); err != nil {
		return domain.Budget{}, err
	}
	return budget, nil
}

// ApproveBudget turns a pending budget into an active client whose first
// invoice falls due one billing period later.
func (s *Service) ApproveBudget(ctx context.Context, id string) (domain.Budget, domain.Client, error) {
	if err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.Budget{}, domain.Client{}, err
	}
	budget, err := s.repo.GetBudget(ctx, id)
	if err != nil {
		return domain.Budget{}, domain.Client{}, fmt.Errorf("load budget: %w", err)
	}
	if budget.Status != domain.BudgetPending {
		return domain.Budget{}, domain.Client{}, preconditionf("budget is %s", budget.Status)
	}
	settings, err := s.settings(ctx)
	if err != nil {
		return domain.Budget{}, domain.Client{}, err
	}

	now := s.now()
	client := domain.Client{
		ID:              xid.New("cli"),
		Name:            budget.Name,
		Email:           budget.Email,
		Phone:           budget.Phone,
		Address:         budget.Address,
		Status:          domain.ClientStatusActive,
		PoolVolume:      budget.PoolVolume,
		HasWellWater:    budget.HasWellWater,
		IncludeProducts: budget.IncludeProducts,
		IsPartyPool:     budget.IsPartyPool,
		Plan:            budget.Plan,
		Payment: domain.PaymentInfo{
			Status:  domain.PaymentStatusPending,
			DueDate: billing.AdvanceDueDate(now, settings.BillingPeriodMonths),
		},
		Stock:     []domain.StockLine{},
		BudgetID:  budget.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if budget.FidelityPlanID != "" {
		if fidelity, ok := settings.FidelityPlanByID(budget.FidelityPlanID); ok {
			client.FidelityPlan = &fidelity
		}
	}

	budget.Status = domain.BudgetApproved
	budget.ClientID = client.ID
	budget.UpdatedAt = now

	batch := store.NewBatch().
		PutClient(client).
		PutBudget(*budget)
	s.audit(ctx, batch, "budget_approve", "budget", budget.ID, "client="+client.ID)
	if err := s.commit(ctx, batch); err != nil {
		return domain.Budget{}, domain.Client{}, err
	}
	s.log.WithField("client_id", client.ID).Info("client onboarded from budget")
	return *budget, client, nil
}

func (s *Service) RejectBudget(ctx context.Context, id string) (domain.Budget, error) {
	if err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.Budget{}, err
	}
	budget, err := s.repo.GetBudget(ctx, id)
	if err != nil {
		return domain.Budget{}, fmt.Errorf("load budget: %w", err)
	}
	if budget.Status != domain.BudgetPending {
		return domain.Budget{}, preconditionf("budget is %s", budget.Status)
	}

	budget.Status = domain.BudgetRejected
	budget.UpdatedAt = s.now()
	batch := store.NewBatch().PutBudget(*budget)
	s.audit(ctx, batch, "budget_reject", "budget", budget.ID, "")
	if err := s.commit(ctx, batch); err != nil {
		return domain.Budget{}, err
	}
	return *budget, nil
}

func (s *Service) ListBudgets(ctx context.Context, status domain.BudgetStatus) ([]domain.Budget, error) {
	if err := requireRole(ctx, domain.RoleAdmin, domain.RoleTechnician); err != nil {
		return nil, err
	}
	return s.repo.ListBudgets(ctx, status)
}
