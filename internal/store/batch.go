package store

import (
	"fmt"

	"poolcare/backend/internal/domain"
)

// Op is one document write inside a Batch. Doc always holds a domain value
// (not a pointer) matching the collection.
type Op struct {
	Collection string
	ID         string
	Doc        any
	// CreateOnly makes the commit fail with ErrConflict when the document
	// already exists.
	CreateOnly bool
}

// Batch collects document writes that must commit together.
type Batch struct {
	ops []Op
}

func NewBatch() *Batch {
	return &Batch{}
}

func (b *Batch) Ops() []Op {
	return append([]Op(nil), b.ops...)
}

func (b *Batch) Len() int {
	return len(b.ops)
}

func (b *Batch) add(collection string, id string, doc any, createOnly bool) *Batch {
	b.ops = append(b.ops, Op{Collection: collection, ID: id, Doc: doc, CreateOnly: createOnly})
	return b
}

func (b *Batch) PutSettings(settings domain.Settings) *Batch {
	return b.add(CollectionSettings, SettingsID, settings.Clone(), false)
}

func (b *Batch) PutClient(client domain.Client) *Batch {
	return b.add(CollectionClients, client.ID, client.Clone(), false)
}

func (b *Batch) PutProduct(product domain.Product) *Batch {
	return b.add(CollectionProducts, product.ID, product, false)
}

func (b *Batch) PutPriceChange(change domain.PendingPriceChange) *Batch {
	change.NewPricing = change.NewPricing.Clone()
	change.AffectedClients = append([]domain.AffectedClient(nil), change.AffectedClients...)
	return b.add(CollectionPriceChanges, change.ID, change, false)
}

func (b *Batch) PutQuote(quote domain.ReplenishmentQuote) *Batch {
	return b.add(CollectionQuotes, quote.ID, quote.Clone(), false)
}

func (b *Batch) PutOrder(order domain.Order) *Batch {
	return b.add(CollectionOrders, order.ID, order.Clone(), false)
}

func (b *Batch) PutAdvanceRequest(req domain.AdvancePaymentRequest) *Batch {
	return b.add(CollectionAdvanceRequests, req.ID, req, false)
}

func (b *Batch) PutPlanChangeRequest(req domain.PlanChangeRequest) *Batch {
	return b.add(CollectionPlanChangeRequests, req.ID, req, false)
}

// CreateTransaction appends a ledger row. Ledger rows are never overwritten.
func (b *Batch) CreateTransaction(tx domain.Transaction) *Batch {
	return b.add(CollectionTransactions, tx.ID, tx, true)
}

func (b *Batch) PutBank(bank domain.Bank) *Batch {
	return b.add(CollectionBanks, bank.ID, bank, false)
}

func (b *Batch) PutBudget(budget domain.Budget) *Batch {
	return b.add(CollectionBudgets, budget.ID, budget, false)
}

func (b *Batch) CreateUser(user domain.UserAccount) *Batch {
	return b.add(CollectionUsers, user.Username, user, true)
}

func (b *Batch) PutUser(user domain.UserAccount) *Batch {
	return b.add(CollectionUsers, user.Username, user, false)
}

func (b *Batch) CreateAuditLog(entry domain.AuditLog) *Batch {
	return b.add(CollectionAuditLogs, entry.ID, entry, true)
}

// Validate checks every op carries an id and a document of the type its
// collection stores.
func (b *Batch) Validate() error {
	if b == nil || len(b.ops) == 0 {
		return fmt.Errorf("%w: empty batch", ErrInvalidDocument)
	}
	for i, op := range b.ops {
		if op.ID == "" {
			return fmt.Errorf("%w: op %d on %s has no id", ErrInvalidDocument, i, op.Collection)
		}
		if !docMatchesCollection(op.Collection, op.Doc) {
			return fmt.Errorf("%w: op %d has %T for %s", ErrInvalidDocument, i, op.Doc, op.Collection)
		}
	}
	return nil
}

func docMatchesCollection(collection string, doc any) bool {
	switch doc.(type) {
	case domain.Settings:
		return collection == CollectionSettings
	case domain.Client:
		return collection == CollectionClients
	case domain.Product:
		return collection == CollectionProducts
	case domain.PendingPriceChange:
		return collection == CollectionPriceChanges
	case domain.ReplenishmentQuote:
		return collection == CollectionQuotes
	case domain.Order:
		return collection == CollectionOrders
	case domain.AdvancePaymentRequest:
		return collection == CollectionAdvanceRequests
	case domain.PlanChangeRequest:
		return collection == CollectionPlanChangeRequests
	case domain.Transaction:
		return collection == CollectionTransactions
	case domain.Bank:
		return collection == CollectionBanks
	case domain.Budget:
		return collection == CollectionBudgets
	case domain.UserAccount:
		return collection == CollectionUsers
	case domain.AuditLog:
		return collection == CollectionAuditLogs
	default:
		return false
	}
}
