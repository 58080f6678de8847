package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/sirupsen/logrus"

	"poolcare/backend/internal/domain"
	"poolcare/backend/internal/observability"
	"poolcare/backend/internal/replenishment"
	"poolcare/backend/internal/store"
	"poolcare/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

var systemActor = domain.Actor{Username: "system", Role: domain.RoleSystem}

type Options struct {
	Logger      logrus.FieldLogger
	Metrics     *observability.Metrics
	Clock       func() time.Time
	Replenisher *replenishment.Engine
	// Defaults is used when the store holds no settings document yet.
	Defaults *domain.Settings
}

type Service struct {
	repo        store.Repository
	log         logrus.FieldLogger
	metrics     *observability.Metrics
	now         func() time.Time
	replenisher *replenishment.Engine
	defaults    domain.Settings
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.Replenisher == nil {
		opts.Replenisher = replenishment.NewEngine()
	}
	defaults := domain.DefaultSettings()
	if opts.Defaults != nil {
		defaults = opts.Defaults.Clone()
	}

	return &Service{
		repo:        repo,
		log:         opts.Logger.WithField("component", "service"),
		metrics:     opts.Metrics,
		now:         opts.Clock,
		replenisher: opts.Replenisher,
		defaults:    defaults.Normalize(),
	}
}

// Now is the service clock.
func (s *Service) Now() time.Time {
	return s.now()
}

func (s *Service) GetSettings(ctx context.Context) (domain.Settings, error) {
	return s.settings(ctx)
}

func (s *Service) settings(ctx context.Context) (domain.Settings, error) {
	settings, err := s.repo.GetSettings(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return s.defaults.Clone(), nil
	}
	if err != nil {
		return domain.Settings{}, fmt.Errorf("load settings: %w", err)
	}
	return settings.Normalize(), nil
}

func (s *Service) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, limit)
}

// audit appends an audit entry to batch so it commits with the change it
// describes.
func (s *Service) audit(ctx context.Context, batch *store.Batch, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = systemActor
	}

	batch.CreateAuditLog(domain.AuditLog{
		ID:            xid.New("aud"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	})
}

func (s *Service) commit(ctx context.Context, batch *store.Batch) error {
	if err := s.repo.Commit(ctx, batch); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// requireRole passes calls without an actor; those come from automation and
// in-process callers, never from the HTTP surface.
func requireRole(ctx context.Context, roles ...domain.Role) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role == domain.RoleSystem {
		return nil
	}
	if slices.Contains(roles, actor.Role) {
		return nil
	}
	return forbiddenf("role %s may not perform this action", actor.Role)
}

// requireClientAccess lets client actors reach only their own records.
func requireClientAccess(ctx context.Context, clientID string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleClient {
		return nil
	}
	if actor.ClientID == "" || actor.ClientID != clientID {
		return forbiddenf("clients may only act on their own records")
	}
	return nil
}

func actorName(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok {
		return actor.Username
	}
	return systemActor.Username
}
