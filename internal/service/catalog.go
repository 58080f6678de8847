package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"poolcare/backend/internal/billing"
	"poolcare/backend/internal/domain"
	"poolcare/backend/internal/store"
	"poolcare/backend/internal/xid"
)

func (s *Service) GetClient(ctx context.Context, id string) (domain.Client, error) {
	if err := requireClientAccess(ctx, id); err != nil {
		return domain.Client{}, err
	}
	client, err := s.repo.GetClient(ctx, id)
	if err != nil {
		return domain.Client{}, fmt.Errorf("load client: %w", err)
	}
	return *client, nil
}

func (s *Service) ListClients(ctx context.Context, filter store.ClientFilter) ([]domain.Client, error) {
	if err := requireRole(ctx, domain.RoleAdmin, domain.RoleTechnician); err != nil {
		return nil, err
	}
	return s.repo.ListClients(ctx, filter)
}

// ClientFee reports what the client is billed per period right now.
func (s *Service) ClientFee(ctx context.Context, id string) (domain.ClientFeeResponse, error) {
	client, err := s.GetClient(ctx, id)
	if err != nil {
		return domain.ClientFeeResponse{}, err
	}
	settings, err := s.settings(ctx)
	if err != nil {
		return domain.ClientFeeResponse{}, err
	}
	return domain.ClientFeeResponse{
		ClientID:      client.ID,
		Fee:           billing.ClientFee(client, settings),
		Grandfathered: client.CustomPricing != nil,
	}, nil
}

// UpdateClient edits a client's profile and fee-relevant attributes. Financial
// state (payment, advance window, scheduled plan) only moves through
// settlement and the negotiation flows.
func (s *Service) UpdateClient(ctx context.Context, id string, req domain.ClientUpdateRequest) (domain.Client, error) {
	if err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.Client{}, err
	}
	client, err := s.repo.GetClient(ctx, id)
	if err != nil {
		return domain.Client{}, fmt.Errorf("load client: %w", err)
	}
	settings, err := s.settings(ctx)
	if err != nil {
		return domain.Client{}, err
	}

	updated := client.Clone()
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Client{}, validationf("name is required")
		}
		updated.Name = name
	}
	if req.Email != nil {
		updated.Email = strings.TrimSpace(*req.Email)
	}
	if req.Phone != nil {
		updated.Phone = strings.TrimSpace(*req.Phone)
	}
	if req.Address != nil {
		updated.Address = strings.TrimSpace(*req.Address)
	}
	if req.Status != nil {
		switch *req.Status {
		case domain.ClientStatusActive, domain.ClientStatusPaused, domain.ClientStatusInactive:
			updated.Status = *req.Status
		default:
			return domain.Client{}, validationf("unknown client status %s", *req.Status)
		}
	}
	if req.PoolVolume != nil {
		if *req.PoolVolume < 0 {
			return domain.Client{}, validationf("pool volume must not be negative")
		}
		updated.PoolVolume = *req.PoolVolume
	}
	if req.HasWellWater != nil {
		updated.HasWellWater = *req.HasWellWater
	}
	if req.IncludeProducts != nil {
		updated.IncludeProducts = *req.IncludeProducts
	}
	if req.IsPartyPool != nil {
		updated.IsPartyPool = *req.IsPartyPool
	}
	if req.Plan != nil {
		switch *req.Plan {
		case domain.PlanSimple, domain.PlanVIP:
			updated.Plan = *req.Plan
		default:
			return domain.Client{}, validationf("unknown plan %s", *req.Plan)
		}
	}
	if req.FidelityPlanID != nil {
		if *req.FidelityPlanID == "" {
			updated.FidelityPlan = nil
		} else {
			plan, ok := settings.FidelityPlanByID(*req.FidelityPlanID)
			if !ok {
				return domain.Client{}, validationf("unknown fidelity plan %s", *req.FidelityPlanID)
			}
			updated.FidelityPlan = &plan
		}
	}
	updated.UpdatedAt = s.now()

	batch := store.NewBatch().PutClient(updated)
	s.audit(ctx, batch, "client_update", "client", client.ID, "")
	if err := s.commit(ctx, batch); err != nil {
		return domain.Client{}, err
	}
	return updated, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.Product{}, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Product{}, validationf("product name is required")
	}
	if req.Price.IsNegative() {
		return domain.Product{}, validationf("price must not be negative")
	}
	if req.Stock < 0 {
		return domain.Product{}, validationf("stock must not be negative")
	}

	product := domain.Product{
		ID:     xid.New("prd"),
		Name:   name,
		Unit:   strings.TrimSpace(req.Unit),
		Price:  req.Price.Round(2),
		Stock:  req.Stock,
		Active: true,
	}
	batch := store.NewBatch().PutProduct(product)
	s.audit(ctx, batch, "product_create", "product", product.ID, product.Name)
	if err := s.commit(ctx, batch); err != nil {
		return domain.Product{}, err
	}
	return product, nil
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) AdjustProductStock(ctx context.Context, id string, req domain.ProductStockAdjustRequest) (domain.Product, error) {
	if err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.Product{}, err
	}
	product, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, fmt.Errorf("load product: %w", err)
	}
	if product.Stock+req.Delta < 0 {
		return domain.Product{}, preconditionf("stock for %s cannot go below zero", product.Name)
	}
	product.Stock += req.Delta

	batch := store.NewBatch().PutProduct(*product)
	s.audit(ctx, batch, "product_stock_adjust", "product", product.ID, fmt.Sprintf("delta=%d", req.Delta))
	if err := s.commit(ctx, batch); err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) CreateBank(ctx context.Context, req domain.BankCreateRequest) (domain.Bank, error) {
	if err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.Bank{}, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Bank{}, validationf("bank name is required")
	}
	bank := domain.Bank{ID: xid.New("bank"), Name: name, Active: true, CreatedAt: s.now()}
	batch := store.NewBatch().PutBank(bank)
	s.audit(ctx, batch, "bank_create", "bank", bank.ID, bank.Name)
	if err := s.commit(ctx, batch); err != nil {
		return domain.Bank{}, err
	}
	return bank, nil
}

func (s *Service) ListBanks(ctx context.Context) ([]domain.Bank, error) {
	if err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	return s.repo.ListBanks(ctx)
}

func (s *Service) CreateUser(ctx context.Context, req domain.UserCreateRequest) (domain.UserView, error) {
	if err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.UserView{}, err
	}

	username := strings.ToLower(strings.TrimSpace(req.Username))
	if len(username) < 4 || strings.ContainsAny(username, " \t") {
		return domain.UserView{}, validationf("username must be at least 4 characters without spaces")
	}
	if len(req.Password) < 8 {
		return domain.UserView{}, validationf("password must be at least 8 characters")
	}
	switch req.Role {
	case domain.RoleAdmin, domain.RoleTechnician:
	case domain.RoleClient:
		if req.ClientID == "" {
			return domain.UserView{}, validationf("client accounts need a client id")
		}
		if _, err := s.repo.GetClient(ctx, req.ClientID); err != nil {
			if isNotFound(err) {
				return domain.UserView{}, validationf("client %s does not exist", req.ClientID)
			}
			return domain.UserView{}, err
		}
	default:
		return domain.UserView{}, validationf("unknown role %s", req.Role)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return domain.UserView{}, fmt.Errorf("hash password: %w", err)
	}
	user := domain.UserAccount{
		Username:  username,
		Password:  string(hash),
		Role:      req.Role,
		Active:    true,
		CreatedAt: s.now(),
	}
	if req.Role == domain.RoleClient {
		user.ClientID = req.ClientID
	}

	batch := store.NewBatch().CreateUser(user)
	s.audit(ctx, batch, "user_create", "user", user.Username, "role="+string(user.Role))
	if err := s.commit(ctx, batch); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.UserView{}, preconditionf("username %s is already taken", username)
		}
		return domain.UserView{}, err
	}
	return userView(user), nil
}

func (s *Service) ListUsers(ctx context.Context) ([]domain.UserView, error) {
	if err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	users, err := s.repo.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]domain.UserView, 0, len(users))
	for _, user := range users {
		views = append(views, userView(user))
	}
	return views, nil
}

func userView(user domain.UserAccount) domain.UserView {
	return domain.UserView{
		Username:  user.Username,
		Role:      user.Role,
		ClientID:  user.ClientID,
		Active:    user.Active,
		CreatedAt: user.CreatedAt,
	}
}
