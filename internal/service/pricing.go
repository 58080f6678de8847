package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"poolcare/backend/internal/billing"
	"poolcare/backend/internal/domain"
	"poolcare/backend/internal/store"
	"poolcare/backend/internal/xid"
)

// PriceChangeNoticeDays is how long clients keep the old price after an
// increase is saved.
const PriceChangeNoticeDays = 30

// SaveSettings stores a settings edit. A pricing edit is never written live:
// it becomes a pending price change, and active VIP clients without a
// snapshot are grandfathered on the current pricing in the same batch.
func (s *Service) SaveSettings(ctx context.Context, update domain.SettingsUpdate) (domain.SettingsSaveResult, error) {
	if err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.SettingsSaveResult{}, err
	}

	current, err := s.settings(ctx)
	if err != nil {
		return domain.SettingsSaveResult{}, err
	}

	staged := update
	staged.Pricing = nil
	next := current.ApplyUpdate(staged)
	if err := validateSettings(next); err != nil {
		return domain.SettingsSaveResult{}, err
	}

	now := s.now()
	next.UpdatedAt = now
	batch := store.NewBatch().PutSettings(next)
	result := domain.SettingsSaveResult{Settings: next, Grandfathered: []string{}}

	if update.Pricing != nil && !billing.PricingEqual(*update.Pricing, current.Pricing) {
		if err := billing.ValidatePricing(*update.Pricing); err != nil {
			return domain.SettingsSaveResult{}, validationf("%v", err)
		}

		change, grandfathered, err := s.stagePriceChange(ctx, batch, current, next, *update.Pricing, now)
		if err != nil {
			return domain.SettingsSaveResult{}, err
		}
		result.PendingChange = &change
		result.Grandfathered = grandfathered
	} else if update.Pricing != nil {
		cancelled, err := s.cancelPendingPriceChanges(ctx, batch, now)
		if err != nil {
			return domain.SettingsSaveResult{}, err
		}
		result.Cancelled = cancelled
	}

	s.audit(ctx, batch, "settings_save", "settings", store.SettingsID, settingsAuditDetail(result))
	if err := s.commit(ctx, batch); err != nil {
		return domain.SettingsSaveResult{}, err
	}

	if len(result.Cancelled) > 0 {
		s.log.WithField("price_change_ids", result.Cancelled).Info("pending price change cancelled")
	}
	if result.PendingChange != nil {
		s.log.WithFields(logrus.Fields{
			"price_change_id": result.PendingChange.ID,
			"affected":        len(result.PendingChange.AffectedClients),
			"grandfathered":   len(result.Grandfathered),
		}).Info("price change scheduled")
	}
	return result, nil
}

// stagePriceChange adds the grandfathering writes and the pending change to
// batch. A change that is still pending is rewritten rather than duplicated.
func (s *Service) stagePriceChange(
	ctx context.Context,
	batch *store.Batch,
	current domain.Settings,
	next domain.Settings,
	newPricing domain.PricingSettings,
	now time.Time,
) (domain.PendingPriceChange, []string, error) {
	clients, err := s.repo.ListClients(ctx, store.ClientFilter{Status: domain.ClientStatusActive})
	if err != nil {
		return domain.PendingPriceChange{}, nil, fmt.Errorf("list active clients: %w", err)
	}

	affected := make([]domain.AffectedClient, 0)
	grandfathered := make([]string, 0)
	for _, client := range clients {
		if client.CustomPricing != nil {
			continue
		}
		switch client.Plan {
		case domain.PlanSimple:
			oldFee := billing.ComputeFee(client, current.Pricing, next.VIPEnabled)
			newFee := billing.ComputeFee(client, newPricing, next.VIPEnabled)
			if !oldFee.Equal(newFee) {
				affected = append(affected, domain.AffectedClient{ID: client.ID, Name: client.Name, OldFee: oldFee, NewFee: newFee})
			}
		case domain.PlanVIP:
			snapshot := current.Pricing.Clone()
			client.CustomPricing = &snapshot
			client.UpdatedAt = now
			batch.PutClient(client)
			grandfathered = append(grandfathered, client.ID)
		}
	}

	change := domain.PendingPriceChange{
		ID:        xid.New("pc"),
		CreatedAt: now,
	}
	pending, err := s.repo.ListPriceChanges(ctx, store.PriceChangeFilter{Status: domain.PriceChangePending})
	if err != nil {
		return domain.PendingPriceChange{}, nil, fmt.Errorf("list pending price changes: %w", err)
	}
	if len(pending) > 0 {
		change.ID = pending[len(pending)-1].ID
		change.CreatedAt = pending[len(pending)-1].CreatedAt
	}

	change.EffectiveDate = now.AddDate(0, 0, PriceChangeNoticeDays)
	change.NewPricing = newPricing.Clone()
	change.AffectedClients = affected
	change.Status = domain.PriceChangePending
	change.CreatedBy = actorName(ctx)
	batch.PutPriceChange(change)

	return change, grandfathered, nil
}

// cancelPendingPriceChanges drops every pending change when the admin saves
// the live pricing again. Grandfathered VIP snapshots stay in place.
func (s *Service) cancelPendingPriceChanges(ctx context.Context, batch *store.Batch, now time.Time) ([]string, error) {
	pending, err := s.repo.ListPriceChanges(ctx, store.PriceChangeFilter{Status: domain.PriceChangePending})
	if err != nil {
		return nil, fmt.Errorf("list pending price changes: %w", err)
	}
	cancelled := make([]string, 0, len(pending))
	for _, change := range pending {
		cancelledAt := now
		change.Status = domain.PriceChangeCancelled
		change.CancelledAt = &cancelledAt
		batch.PutPriceChange(change)
		cancelled = append(cancelled, change.ID)
	}
	return cancelled, nil
}

func (s *Service) ListPriceChanges(ctx context.Context, status domain.PriceChangeStatus) ([]domain.PendingPriceChange, error) {
	if err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	return s.repo.ListPriceChanges(ctx, store.PriceChangeFilter{Status: status})
}

// ApplyDuePriceChanges writes every pending change whose effective date has
// passed into the live pricing. Each change commits on its own; a failure is
// logged and retried on the next call.
func (s *Service) ApplyDuePriceChanges(ctx context.Context, now time.Time) (domain.PriceChangeApplyResult, error) {
	if err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return domain.PriceChangeApplyResult{}, err
	}
	result := domain.PriceChangeApplyResult{Applied: []string{}, Failed: []string{}}

	due, err := s.repo.ListPriceChanges(ctx, store.PriceChangeFilter{Status: domain.PriceChangePending, EffectiveBy: &now})
	if err != nil {
		return result, fmt.Errorf("list due price changes: %w", err)
	}

	for _, change := range due {
		applied, err := s.applyPriceChange(ctx, change.ID, now)
		if err != nil {
			s.log.WithError(err).WithField("price_change_id", change.ID).Warn("price change apply failed")
			result.Failed = append(result.Failed, change.ID)
			continue
		}
		if applied {
			result.Applied = append(result.Applied, change.ID)
		}
	}
	return result, nil
}

func (s *Service) applyPriceChange(ctx context.Context, id string, now time.Time) (bool, error) {
	change, err := s.repo.GetPriceChange(ctx, id)
	if err != nil {
		return false, err
	}
	if change.Status != domain.PriceChangePending {
		return false, nil
	}

	settings, err := s.settings(ctx)
	if err != nil {
		return false, err
	}

	batch := store.NewBatch()

	// Clients that became VIP while the change was pending.
	vips, err := s.repo.ListClients(ctx, store.ClientFilter{Status: domain.ClientStatusActive, Plan: domain.PlanVIP})
	if err != nil {
		return false, fmt.Errorf("list vip clients: %w", err)
	}
	grandfathered := 0
	for _, client := range vips {
		if client.CustomPricing != nil {
			continue
		}
		snapshot := settings.Pricing.Clone()
		client.CustomPricing = &snapshot
		client.UpdatedAt = now
		batch.PutClient(client)
		grandfathered++
	}

	settings.Pricing = change.NewPricing.Clone()
	settings.UpdatedAt = now
	batch.PutSettings(settings)

	appliedAt := now
	change.Status = domain.PriceChangeApplied
	change.AppliedAt = &appliedAt
	batch.PutPriceChange(*change)

	s.audit(ctx, batch, "price_change_apply", "price_change", change.ID,
		fmt.Sprintf("affected=%d,late_grandfathered=%d", len(change.AffectedClients), grandfathered))
	if err := s.commit(ctx, batch); err != nil {
		return false, err
	}

	s.metrics.PriceChangeApplied()
	s.log.WithFields(logrus.Fields{
		"price_change_id":    change.ID,
		"late_grandfathered": grandfathered,
	}).Info("price change applied")
	return true, nil
}

func validateSettings(settings domain.Settings) error {
	seen := make(map[string]struct{}, len(settings.FidelityPlans))
	for _, plan := range settings.FidelityPlans {
		if strings.TrimSpace(plan.ID) == "" {
			return validationf("fidelity plan id is required")
		}
		if _, dup := seen[plan.ID]; dup {
			return validationf("duplicate fidelity plan %s", plan.ID)
		}
		seen[plan.ID] = struct{}{}
		if plan.Months < 1 || plan.DiscountPercent < 0 || plan.DiscountPercent >= 100 {
			return validationf("fidelity plan %s must have months >= 1 and a discount in [0, 100)", plan.ID)
		}
	}

	months := make(map[int]struct{}, len(settings.AdvancePayment.Options))
	for _, option := range settings.AdvancePayment.Options {
		if option.Months < 1 || option.DiscountPercent < 0 || option.DiscountPercent >= 100 {
			return validationf("advance option must have months >= 1 and a discount in [0, 100)")
		}
		if _, dup := months[option.Months]; dup {
			return validationf("duplicate advance option for %d months", option.Months)
		}
		months[option.Months] = struct{}{}
	}

	if settings.BillingPeriodMonths > 12 {
		return validationf("billing period must be between 1 and 12 months")
	}
	return nil
}

func settingsAuditDetail(result domain.SettingsSaveResult) string {
	if len(result.Cancelled) > 0 {
		return fmt.Sprintf("pricing=reverted,cancelled=%s", strings.Join(result.Cancelled, ","))
	}
	if result.PendingChange == nil {
		return "pricing=unchanged"
	}
	return fmt.Sprintf("price_change=%s,effective=%s,affected=%d,grandfathered=%d",
		result.PendingChange.ID,
		result.PendingChange.EffectiveDate.Format(time.DateOnly),
		len(result.PendingChange.AffectedClients),
		len(result.Grandfathered))
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
