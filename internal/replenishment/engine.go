// Package replenishment decides which clients need a restock offer. It works
// on plain snapshots and never touches the store.
package replenishment

import (
	"math"

	"github.com/shopspring/decimal"

	"poolcare/backend/internal/domain"
)

// maxQuantityLowRatio marks a line low once it drops to 30% of its max.
const maxQuantityLowRatio = 0.3

type Snapshot struct {
	Clients  []domain.Client
	Products map[string]domain.Product
	// OpenQuoteClients holds clients that already have a suggested or sent
	// quote.
	OpenQuoteClients map[string]struct{}
	Automation       domain.AutomationSettings
}

type Suggestion struct {
	ClientID   string
	ClientName string
	Items      []domain.QuoteItem
	Total      decimal.Decimal
}

type Engine struct {
	lowRatio float64
}

func NewEngine() *Engine {
	return &Engine{lowRatio: maxQuantityLowRatio}
}

// Suggest returns one suggestion per active client that has at least one low
// stock line the catalog can fill, in snapshot client order.
func (e *Engine) Suggest(snapshot Snapshot) []Suggestion {
	fallback := snapshot.Automation.FallbackRestockQuantity
	if fallback <= 0 {
		fallback = domain.DefaultFallbackRestockQuantity
	}

	out := make([]Suggestion, 0)
	for _, client := range snapshot.Clients {
		if !client.IsActive() {
			continue
		}
		if _, open := snapshot.OpenQuoteClients[client.ID]; open {
			continue
		}

		items := e.lowItems(client, snapshot.Products, snapshot.Automation.LowStockThreshold, fallback)
		if len(items) == 0 {
			continue
		}
		out = append(out, Suggestion{
			ClientID:   client.ID,
			ClientName: client.Name,
			Items:      items,
			Total:      Total(items),
		})
	}
	return out
}

func (e *Engine) lowItems(client domain.Client, products map[string]domain.Product, threshold int, fallback int) []domain.QuoteItem {
	seen := make(map[string]struct{}, len(client.Stock))
	items := make([]domain.QuoteItem, 0, len(client.Stock))
	for _, line := range client.Stock {
		if _, dup := seen[line.ProductID]; dup {
			continue
		}
		seen[line.ProductID] = struct{}{}

		if !e.IsLow(line, threshold) {
			continue
		}
		product, ok := products[line.ProductID]
		if !ok || !product.Active || product.Stock <= 0 {
			continue
		}

		qty := SuggestedQuantity(line, fallback)
		if qty <= 0 {
			continue
		}
		items = append(items, domain.QuoteItem{
			ProductID: product.ID,
			Name:      product.Name,
			Price:     product.Price,
			Quantity:  qty,
		})
	}
	return items
}

// IsLow reports whether a stock line is at or below its restock point:
// max(threshold, maxQuantity*0.3) when a max is set, else threshold.
func (e *Engine) IsLow(line domain.StockLine, threshold int) bool {
	limit := float64(threshold)
	if line.MaxQuantity != nil {
		limit = math.Max(limit, float64(*line.MaxQuantity)*e.lowRatio)
	}
	return float64(line.Quantity) <= limit
}

// SuggestedQuantity tops a line up to its max, or orders fallback units when
// no positive max is configured.
func SuggestedQuantity(line domain.StockLine, fallback int) int {
	if line.MaxQuantity != nil && *line.MaxQuantity > 0 {
		return *line.MaxQuantity - line.Quantity
	}
	return fallback
}

func Total(items []domain.QuoteItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total.Round(2)
}
