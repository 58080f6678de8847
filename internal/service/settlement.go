package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"poolcare/backend/internal/billing"
	"poolcare/backend/internal/domain"
	"poolcare/backend/internal/store"
	"poolcare/backend/internal/xid"
)

type settlement struct {
	TransactionID string
	BankID        string
	Amount        decimal.Decimal
	Months        int
	Kind          domain.TransactionKind
	Description   string
	At            time.Time
}

// settle applies a payment to client: a ledger row, the due date moved
// forward by the paid months, the advance marker consumed and any scheduled
// plan change applied. The applied change, if any, is returned so callers can
// report the negotiated price. Callers must commit both results in one batch.
func settle(client domain.Client, in settlement) (domain.Client, domain.Transaction, *domain.ScheduledPlanChange) {
	tx := domain.Transaction{
		ID:          in.TransactionID,
		ClientID:    client.ID,
		BankID:      in.BankID,
		Amount:      in.Amount.Round(2),
		Kind:        in.Kind,
		Months:      in.Months,
		Description: in.Description,
		Date:        in.At,
	}

	updated := client.Clone()
	base := updated.Payment.DueDate
	if base.IsZero() {
		base = in.At
	}
	updated.Payment.DueDate = billing.AdvanceDueDate(base, in.Months)
	updated.Payment.Status = domain.PaymentStatusPaid
	updated.AdvancePaymentUntil = nil

	applied := updated.ScheduledPlanChange
	if change := applied; change != nil {
		updated.Plan = change.NewPlan
		updated.FidelityPlan = nil
		if change.FidelityPlan != nil {
			plan := *change.FidelityPlan
			updated.FidelityPlan = &plan
		}
		updated.ScheduledPlanChange = nil
	}
	updated.UpdatedAt = in.At
	return updated, tx, applied
}

// MarkAsPaid settles the client's current invoice. With an idempotency key a
// retried call returns the first settlement instead of charging again.
func (s *Service) MarkAsPaid(ctx context.Context, clientID string, req domain.MarkAsPaidRequest) (domain.SettlementResult, error) {
	if err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.SettlementResult{}, err
	}
	if strings.TrimSpace(req.BankID) == "" {
		return domain.SettlementResult{}, validationf("a bank account is required to record a payment")
	}

	client, err := s.repo.GetClient(ctx, clientID)
	if err != nil {
		return domain.SettlementResult{}, fmt.Errorf("load client: %w", err)
	}

	txID := xid.New("txn")
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		txID = xid.FromKey("txn", client.ID+":"+key)
		if existing, err := s.duplicateSettlement(ctx, txID, *client); err == nil {
			return existing, nil
		} else if !isNotFound(err) {
			return domain.SettlementResult{}, err
		}
	}

	if err := s.requireActiveBank(ctx, req.BankID); err != nil {
		return domain.SettlementResult{}, err
	}

	settings, err := s.settings(ctx)
	if err != nil {
		return domain.SettlementResult{}, err
	}

	amount := billing.ClientFee(*client, settings)
	if req.Amount != nil {
		amount = *req.Amount
	}
	if !amount.IsPositive() {
		return domain.SettlementResult{}, validationf("payment amount must be positive")
	}
	months := req.Months
	if months == 0 {
		months = settings.BillingPeriodMonths
	}
	if months < 1 {
		return domain.SettlementResult{}, validationf("months must be at least 1")
	}

	now := s.now()
	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = fmt.Sprintf("monthly fee (%d month(s))", months)
	}
	updated, tx, planChange := settle(*client, settlement{
		TransactionID: txID,
		BankID:        req.BankID,
		Amount:        amount,
		Months:        months,
		Kind:          domain.TransactionMonthly,
		Description:   description,
		At:            now,
	})

	batch := store.NewBatch().
		CreateTransaction(tx).
		PutClient(updated)
	s.audit(ctx, batch, "mark_as_paid", "client", client.ID,
		fmt.Sprintf("transaction=%s,amount=%s,months=%d,due=%s,plan_change=%t",
			tx.ID, tx.Amount.StringFixed(2), months, updated.Payment.DueDate.Format(time.DateOnly), planChange != nil))

	if err := s.commit(ctx, batch); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return s.duplicateSettlement(ctx, txID, *client)
		}
		return domain.SettlementResult{}, err
	}

	s.metrics.Settlement(string(domain.TransactionMonthly))
	s.log.WithFields(logrus.Fields{
		"client_id":      client.ID,
		"transaction_id": tx.ID,
		"plan_change":    planChange != nil,
	}).Info("payment settled")

	return domain.SettlementResult{
		Transaction:       tx,
		Client:            updated,
		PreviousDueDate:   client.Payment.DueDate,
		AppliedPlanChange: planChange != nil,
		PlanChange:        planChange,
	}, nil
}

func (s *Service) duplicateSettlement(ctx context.Context, txID string, client domain.Client) (domain.SettlementResult, error) {
	tx, err := s.repo.GetTransaction(ctx, txID)
	if err != nil {
		return domain.SettlementResult{}, err
	}
	current, err := s.repo.GetClient(ctx, client.ID)
	if err != nil {
		return domain.SettlementResult{}, err
	}
	return domain.SettlementResult{
		Transaction: *tx,
		Client:      *current,
		Duplicate:   true,
	}, nil
}

func (s *Service) requireActiveBank(ctx context.Context, bankID string) error {
	bank, err := s.repo.GetBank(ctx, bankID)
	if isNotFound(err) {
		return validationf("bank account %s does not exist", bankID)
	}
	if err != nil {
		return err
	}
	if !bank.Active {
		return validationf("bank account %s is inactive", bankID)
	}
	return nil
}

func (s *Service) ListTransactions(ctx context.Context, clientID string) ([]domain.Transaction, error) {
	if err := requireClientAccess(ctx, clientID); err != nil {
		return nil, err
	}
	if clientID == "" {
		if err := requireRole(ctx, domain.RoleAdmin); err != nil {
			return nil, err
		}
	}
	return s.repo.ListTransactions(ctx, clientID)
}
