package replenishment

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poolcare/backend/internal/domain"
)

func intPtr(v int) *int {
	return &v
}

func catalog() map[string]domain.Product {
	return map[string]domain.Product{
		"chlorine": {ID: "chlorine", Name: "Chlorine", Price: decimal.NewFromInt(20), Stock: 100, Active: true},
		"ph":       {ID: "ph", Name: "pH Reducer", Price: decimal.RequireFromString("12.5"), Stock: 3, Active: true},
		"empty":    {ID: "empty", Name: "Clarifier", Price: decimal.NewFromInt(30), Stock: 0, Active: true},
		"retired":  {ID: "retired", Name: "Old Algaecide", Price: decimal.NewFromInt(30), Stock: 50, Active: false},
	}
}

func TestLowStockLineWithMaxQuantity(t *testing.T) {
	engine := NewEngine()
	line := domain.StockLine{ProductID: "chlorine", Quantity: 1, MaxQuantity: intPtr(10)}

	assert.True(t, engine.IsLow(line, 2))
	assert.Equal(t, 9, SuggestedQuantity(line, domain.DefaultFallbackRestockQuantity))
}

func TestIsLowThresholds(t *testing.T) {
	engine := NewEngine()

	assert.True(t, engine.IsLow(domain.StockLine{Quantity: 3, MaxQuantity: intPtr(10)}, 2), "3 <= 30% of 10")
	assert.False(t, engine.IsLow(domain.StockLine{Quantity: 4, MaxQuantity: intPtr(10)}, 2))
	assert.True(t, engine.IsLow(domain.StockLine{Quantity: 2}, 2))
	assert.False(t, engine.IsLow(domain.StockLine{Quantity: 3}, 2))
	assert.True(t, engine.IsLow(domain.StockLine{Quantity: 4, MaxQuantity: intPtr(5)}, 4), "threshold wins over small max")
}

func TestSuggestedQuantityFallback(t *testing.T) {
	assert.Equal(t, 7, SuggestedQuantity(domain.StockLine{Quantity: 0}, 7))
	assert.Equal(t, 7, SuggestedQuantity(domain.StockLine{Quantity: 0, MaxQuantity: intPtr(0)}, 7))
}

func TestSuggestBuildsOneQuotePerClient(t *testing.T) {
	clients := []domain.Client{
		{
			ID: "c1", Name: "Ana", Status: domain.ClientStatusActive,
			Stock: []domain.StockLine{
				{ProductID: "chlorine", Quantity: 1, MaxQuantity: intPtr(10)},
				{ProductID: "ph", Quantity: 0},
				{ProductID: "empty", Quantity: 0},
				{ProductID: "retired", Quantity: 0},
				{ProductID: "unknown", Quantity: 0},
			},
		},
		{
			ID: "c2", Name: "Bruno", Status: domain.ClientStatusActive,
			Stock: []domain.StockLine{{ProductID: "chlorine", Quantity: 8, MaxQuantity: intPtr(10)}},
		},
		{
			ID: "c3", Name: "Caio", Status: domain.ClientStatusInactive,
			Stock: []domain.StockLine{{ProductID: "chlorine", Quantity: 0}},
		},
	}

	out := NewEngine().Suggest(Snapshot{
		Clients:    clients,
		Products:   catalog(),
		Automation: domain.AutomationSettings{LowStockThreshold: 2, FallbackRestockQuantity: 5},
	})

	require.Len(t, out, 1)
	got := out[0]
	assert.Equal(t, "c1", got.ClientID)
	require.Len(t, got.Items, 2)
	assert.Equal(t, 9, got.Items[0].Quantity)
	assert.Equal(t, 5, got.Items[1].Quantity)
	assert.Equal(t, "242.50", got.Total.StringFixed(2))
}

func TestSuggestSkipsClientsWithOpenQuote(t *testing.T) {
	clients := []domain.Client{{
		ID: "c1", Status: domain.ClientStatusActive,
		Stock: []domain.StockLine{{ProductID: "chlorine", Quantity: 0}},
	}}

	out := NewEngine().Suggest(Snapshot{
		Clients:          clients,
		Products:         catalog(),
		OpenQuoteClients: map[string]struct{}{"c1": {}},
		Automation:       domain.AutomationSettings{LowStockThreshold: 2},
	})
	assert.Empty(t, out)
}

func TestSuggestUsesDefaultFallback(t *testing.T) {
	clients := []domain.Client{{
		ID: "c1", Status: domain.ClientStatusActive,
		Stock: []domain.StockLine{{ProductID: "chlorine", Quantity: 0}},
	}}

	out := NewEngine().Suggest(Snapshot{Clients: clients, Products: catalog()})
	require.Len(t, out, 1)
	assert.Equal(t, domain.DefaultFallbackRestockQuantity, out[0].Items[0].Quantity)
}

func TestSuggestIgnoresCatalogShortfall(t *testing.T) {
	clients := []domain.Client{{
		ID: "c1", Status: domain.ClientStatusActive,
		Stock: []domain.StockLine{{ProductID: "ph", Quantity: 1, MaxQuantity: intPtr(10)}},
	}}

	out := NewEngine().Suggest(Snapshot{Clients: clients, Products: catalog()})
	require.Len(t, out, 1)
	require.Len(t, out[0].Items, 1)
	assert.Equal(t, 9, out[0].Items[0].Quantity, "catalog holds 3 units; delivery enforces the shortfall")
	assert.Equal(t, "112.50", out[0].Total.StringFixed(2))
}
