package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"poolcare/backend/internal/domain"
	"poolcare/backend/internal/replenishment"
	"poolcare/backend/internal/store"
	"poolcare/backend/internal/xid"
)

// RunReplenishmentScan creates a suggested quote for every active client with
// low stock and no open quote. Each client commits on its own; a failed client
// is logged and reported without stopping the scan.
func (s *Service) RunReplenishmentScan(ctx context.Context, now time.Time) (domain.ReplenishmentScanResult, error) {
	if err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.ReplenishmentScanResult{}, err
	}
	result := domain.ReplenishmentScanResult{Created: []domain.ReplenishmentQuote{}, Failed: []string{}}

	snapshot, err := s.replenishmentSnapshot(ctx)
	if err != nil {
		return result, err
	}

	for _, suggestion := range s.replenisher.Suggest(snapshot) {
		quote, err := s.createSuggestedQuote(ctx, suggestion, now)
		if err != nil {
			s.log.WithError(err).WithField("client_id", suggestion.ClientID).Warn("replenishment quote failed")
			result.Failed = append(result.Failed, suggestion.ClientID)
			continue
		}
		if quote == nil {
			continue
		}
		result.Created = append(result.Created, *quote)
	}

	if len(result.Created) > 0 {
		s.log.WithFields(logrus.Fields{
			"created": len(result.Created),
			"failed":  len(result.Failed),
		}).Info("replenishment scan finished")
	}
	return result, nil
}

func (s *Service) replenishmentSnapshot(ctx context.Context) (replenishment.Snapshot, error) {
	settings, err := s.settings(ctx)
	if err != nil {
		return replenishment.Snapshot{}, err
	}
	clients, err := s.repo.ListClients(ctx, store.ClientFilter{Status: domain.ClientStatusActive})
	if err != nil {
		return replenishment.Snapshot{}, fmt.Errorf("list active clients: %w", err)
	}
	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return replenishment.Snapshot{}, fmt.Errorf("list products: %w", err)
	}
	open, err := s.repo.ListQuotes(ctx, store.QuoteFilter{Statuses: store.OpenQuoteStatuses})
	if err != nil {
		return replenishment.Snapshot{}, fmt.Errorf("list open quotes: %w", err)
	}

	snapshot := replenishment.Snapshot{
		Clients:          clients,
		Products:         make(map[string]domain.Product, len(products)),
		OpenQuoteClients: make(map[string]struct{}, len(open)),
		Automation:       settings.Automation,
	}
	for _, product := range products {
		snapshot.Products[product.ID] = product
	}
	for _, quote := range open {
		snapshot.OpenQuoteClients[quote.ClientID] = struct{}{}
	}
	return snapshot, nil
}

// createSuggestedQuote re-reads the client's open quotes right before the
// write and returns nil when one appeared since the snapshot.
func (s *Service) createSuggestedQuote(ctx context.Context, suggestion replenishment.Suggestion, now time.Time) (*domain.ReplenishmentQuote, error) {
	open, err := s.repo.ListQuotes(ctx, store.QuoteFilter{ClientID: suggestion.ClientID, Statuses: store.OpenQuoteStatuses})
	if err != nil {
		return nil, fmt.Errorf("list open quotes: %w", err)
	}
	if len(open) > 0 {
		return nil, nil
	}

	quote := domain.ReplenishmentQuote{
		ID:         xid.New("rq"),
		ClientID:   suggestion.ClientID,
		ClientName: suggestion.ClientName,
		Items:      suggestion.Items,
		Total:      suggestion.Total,
		Status:     domain.QuoteSuggested,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	batch := store.NewBatch().PutQuote(quote)
	s.audit(ctx, batch, "quote_suggest", "replenishment_quote", quote.ID,
		fmt.Sprintf("client=%s,items=%d,total=%s", quote.ClientID, len(quote.Items), quote.Total.StringFixed(2)))
	if err := s.commit(ctx, batch); err != nil {
		return nil, err
	}
	s.metrics.Quote(string(domain.QuoteSuggested))
	return &quote, nil
}

func (s *Service) ListQuotes(ctx context.Context, filter store.QuoteFilter) ([]domain.ReplenishmentQuote, error) {
	if actor, ok := ActorFromContext(ctx); ok && actor.Role == domain.RoleClient {
		if filter.ClientID == "" {
			filter.ClientID = actor.ClientID
		}
		if err := requireClientAccess(ctx, filter.ClientID); err != nil {
			return nil, err
		}
	}
	return s.repo.ListQuotes(ctx, filter)
}

// ProposeQuote sends a suggested quote to the client.
func (s *Service) ProposeQuote(ctx context.Context, id string) (domain.ReplenishmentQuote, error) {
	if err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.ReplenishmentQuote{}, err
	}
	return s.transitionQuote(ctx, id, domain.QuoteSent, "quote_propose")
}

func (s *Service) RejectQuote(ctx context.Context, id string) (domain.ReplenishmentQuote, error) {
	quote, err := s.repo.GetQuote(ctx, id)
	if err != nil {
		return domain.ReplenishmentQuote{}, fmt.Errorf("load quote: %w", err)
	}
	if err := requireRole(ctx, domain.RoleAdmin, domain.RoleClient); err != nil {
		return domain.ReplenishmentQuote{}, err
	}
	if err := requireClientAccess(ctx, quote.ClientID); err != nil {
		return domain.ReplenishmentQuote{}, err
	}
	return s.transitionQuote(ctx, id, domain.QuoteRejected, "quote_reject")
}

func (s *Service) transitionQuote(ctx context.Context, id string, next domain.QuoteStatus, action string) (domain.ReplenishmentQuote, error) {
	quote, err := s.repo.GetQuote(ctx, id)
	if err != nil {
		return domain.ReplenishmentQuote{}, fmt.Errorf("load quote: %w", err)
	}
	if !quote.Status.CanTransitionTo(next) {
		return domain.ReplenishmentQuote{}, preconditionf("quote is %s", quote.Status)
	}

	quote.Status = next
	quote.UpdatedAt = s.now()
	batch := store.NewBatch().PutQuote(*quote)
	s.audit(ctx, batch, action, "replenishment_quote", quote.ID, "client="+quote.ClientID)
	if err := s.commit(ctx, batch); err != nil {
		return domain.ReplenishmentQuote{}, err
	}
	s.metrics.Quote(string(next))
	return *quote, nil
}

// ApproveQuote accepts a sent quote and opens an order mirroring it.
func (s *Service) ApproveQuote(ctx context.Context, id string) (domain.QuoteApprovalResult, error) {
	quote, err := s.repo.GetQuote(ctx, id)
	if err != nil {
		return domain.QuoteApprovalResult{}, fmt.Errorf("load quote: %w", err)
	}
	if err := requireRole(ctx, domain.RoleAdmin, domain.RoleClient); err != nil {
		return domain.QuoteApprovalResult{}, err
	}
	if err := requireClientAccess(ctx, quote.ClientID); err != nil {
		return domain.QuoteApprovalResult{}, err
	}
	if !quote.Status.CanTransitionTo(domain.QuoteApproved) {
		return domain.QuoteApprovalResult{}, preconditionf("quote is %s", quote.Status)
	}
	if len(quote.Items) == 0 {
		return domain.QuoteApprovalResult{}, validationf("quote has no items")
	}

	now := s.now()
	order := domain.Order{
		ID:        xid.New("ord"),
		ClientID:  quote.ClientID,
		QuoteID:   quote.ID,
		Items:     append([]domain.QuoteItem(nil), quote.Items...),
		Total:     quote.Total,
		Status:    domain.OrderPending,
		CreatedAt: now,
	}
	quote.Status = domain.QuoteApproved
	quote.OrderID = order.ID
	quote.UpdatedAt = now

	batch := store.NewBatch().
		PutQuote(*quote).
		PutOrder(order)
	s.audit(ctx, batch, "quote_approve", "replenishment_quote", quote.ID,
		fmt.Sprintf("client=%s,order=%s,total=%s", quote.ClientID, order.ID, order.Total.StringFixed(2)))
	if err := s.commit(ctx, batch); err != nil {
		return domain.QuoteApprovalResult{}, err
	}
	s.metrics.Quote(string(domain.QuoteApproved))
	return domain.QuoteApprovalResult{Quote: *quote, Order: order}, nil
}

func (s *Service) ListOrders(ctx context.Context, clientID string) ([]domain.Order, error) {
	if actor, ok := ActorFromContext(ctx); ok && actor.Role == domain.RoleClient && clientID == "" {
		clientID = actor.ClientID
	}
	if err := requireClientAccess(ctx, clientID); err != nil {
		return nil, err
	}
	return s.repo.ListOrders(ctx, clientID)
}

// DeliverOrder moves the ordered units from the catalog into the client's
// stock.
func (s *Service) DeliverOrder(ctx context.Context, id string) (domain.Order, error) {
	if err := requireRole(ctx, domain.RoleAdmin, domain.RoleTechnician); err != nil {
		return domain.Order{}, err
	}
	order, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return domain.Order{}, fmt.Errorf("load order: %w", err)
	}
	if order.Status != domain.OrderPending {
		return domain.Order{}, preconditionf("order is %s", order.Status)
	}
	client, err := s.repo.GetClient(ctx, order.ClientID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("load client: %w", err)
	}

	now := s.now()
	batch := store.NewBatch()
	updated := client.Clone()
	for _, item := range order.Items {
		product, err := s.repo.GetProduct(ctx, item.ProductID)
		if err != nil {
			return domain.Order{}, fmt.Errorf("load product %s: %w", item.ProductID, err)
		}
		if product.Stock < item.Quantity {
			return domain.Order{}, preconditionf("not enough %s in stock: %d left, %d ordered", product.Name, product.Stock, item.Quantity)
		}
		product.Stock -= item.Quantity
		batch.PutProduct(*product)
		updated.Stock = addStock(updated.Stock, item.ProductID, item.Quantity)
	}
	updated.UpdatedAt = now

	delivered := now
	order.Status = domain.OrderDelivered
	order.DeliveredAt = &delivered

	batch.PutClient(updated).PutOrder(*order)
	s.audit(ctx, batch, "order_deliver", "order", order.ID, "client="+order.ClientID)
	if err := s.commit(ctx, batch); err != nil {
		return domain.Order{}, err
	}
	return *order, nil
}

func addStock(lines []domain.StockLine, productID string, quantity int) []domain.StockLine {
	for i := range lines {
		if lines[i].ProductID == productID {
			lines[i].Quantity += quantity
			return lines
		}
	}
	return append(lines, domain.StockLine{ProductID: productID, Quantity: quantity})
}

// UpdateClientStock replaces the client's stock lines. Technicians record
// counts on site with it.
func (s *Service) UpdateClientStock(ctx context.Context, clientID string, req domain.StockUpdateRequest) (domain.Client, error) {
	if err := requireRole(ctx, domain.RoleAdmin, domain.RoleTechnician); err != nil {
		return domain.Client{}, err
	}
	client, err := s.repo.GetClient(ctx, clientID)
	if err != nil {
		return domain.Client{}, fmt.Errorf("load client: %w", err)
	}

	seen := make(map[string]struct{}, len(req.Lines))
	lines := make([]domain.StockLine, 0, len(req.Lines))
	for _, line := range req.Lines {
		if line.ProductID == "" {
			return domain.Client{}, validationf("stock line needs a product id")
		}
		if _, dup := seen[line.ProductID]; dup {
			return domain.Client{}, validationf("product %s listed twice", line.ProductID)
		}
		seen[line.ProductID] = struct{}{}
		if line.Quantity < 0 {
			return domain.Client{}, validationf("quantity for %s must not be negative", line.ProductID)
		}
		if line.MaxQuantity != nil && *line.MaxQuantity < 0 {
			return domain.Client{}, validationf("max quantity for %s must not be negative", line.ProductID)
		}
		if _, err := s.repo.GetProduct(ctx, line.ProductID); err != nil {
			if isNotFound(err) {
				return domain.Client{}, validationf("unknown product %s", line.ProductID)
			}
			return domain.Client{}, err
		}
		lines = append(lines, line)
	}

	updated := client.Clone()
	updated.Stock = lines
	updated.UpdatedAt = s.now()

	batch := store.NewBatch().PutClient(updated)
	s.audit(ctx, batch, "client_stock_update", "client", client.ID, fmt.Sprintf("lines=%d", len(lines)))
	if err := s.commit(ctx, batch); err != nil {
		return domain.Client{}, err
	}
	return updated, nil
}
