package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"poolcare/backend/internal/automation"
	"poolcare/backend/internal/config"
	"poolcare/backend/internal/domain"
	"poolcare/backend/internal/httpapi"
	"poolcare/backend/internal/observability"
	"poolcare/backend/internal/runmarker"
	"poolcare/backend/internal/service"
	"poolcare/backend/internal/store"
	"poolcare/backend/internal/store/memory"
	pgstore "poolcare/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("invalid configuration: %v", err)
	}
	logger := cfg.NewLogger()
	loc, _ := cfg.Location()

	settings, err := config.LoadSettingsFile(cfg.SettingsFile)
	if err != nil {
		logger.WithError(err).Fatal("load settings seed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 2)

	repo, closeRepo, err := openRepository(ctx, cfg, settings, logger)
	if err != nil {
		logger.WithError(err).Fatal("repository unavailable")
	}
	if closeRepo != nil {
		closers = append(closers, closeRepo)
	}

	tracker, closeTracker := openTracker(ctx, cfg, logger)
	if closeTracker != nil {
		closers = append(closers, closeTracker)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	svc := service.New(repo, service.Options{
		Logger:   logger,
		Metrics:  metrics,
		Defaults: &settings,
	})

	runner := automation.NewRunner(svc, tracker, automation.Options{
		Logger:   logger,
		Metrics:  metrics,
		Location: loc,
	})
	if err := runner.Start(cfg.AutomationSchedule); err != nil {
		logger.WithError(err).Fatal("automation schedule")
	}

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()

	if sub, err := repo.Subscribe(runCtx, automation.WatchedCollections...); err != nil {
		logger.WithError(err).Warn("change feed unavailable; automation runs on schedule only")
	} else {
		go runner.Watch(runCtx, sub)
	}
	go runner.RunPass(runCtx)

	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL(), repo)
	api := httpapi.New(svc, auth, httpapi.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		Logger:        logger,
		Metrics:       metrics,
		Registry:      registry,
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.Address()).Info("poolcare backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown error")
	}
	runner.Stop()
	stopRun()

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.WithError(err).Warn("close error")
		}
	}

	logger.Info("server stopped")
}

// openRepository picks postgres when DATABASE_URL is set and refuses to fall
// back to memory if it is unreachable.
func openRepository(ctx context.Context, cfg config.Config, settings domain.Settings, logger logrus.FieldLogger) (store.Repository, func() error, error) {
	if cfg.DatabaseURL == "" {
		logger.WithField("repository", "memory").Info("repository selected")
		return memory.NewSeeded(settings), nil, nil
	}

	pg, err := pgstore.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		_ = pg.Close()
		return nil, nil, err
	}
	if err := bootstrap(ctx, pg, settings, cfg.BootstrapAdminPassword); err != nil {
		_ = pg.Close()
		return nil, nil, err
	}
	logger.WithField("repository", "postgres").Info("repository selected")
	return pg, pg.Close, nil
}

// bootstrap writes the settings seed and the first admin account into an
// empty repository. Existing documents are left alone.
func bootstrap(ctx context.Context, repo store.Repository, settings domain.Settings, adminPassword string) error {
	batch := store.NewBatch()
	now := time.Now().UTC()

	if _, err := repo.GetSettings(ctx); errors.Is(err, store.ErrNotFound) {
		settings.UpdatedAt = now
		batch.PutSettings(settings)
	} else if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	if adminPassword != "" {
		if _, err := repo.GetUser(ctx, "admin"); errors.Is(err, store.ErrNotFound) {
			hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hash admin password: %w", err)
			}
			batch.CreateUser(domain.UserAccount{
				Username:  "admin",
				Password:  string(hash),
				Role:      domain.RoleAdmin,
				Active:    true,
				CreatedAt: now,
			})
		} else if err != nil {
			return fmt.Errorf("load admin user: %w", err)
		}
	}

	if batch.Len() == 0 {
		return nil
	}
	if err := repo.Commit(ctx, batch); err != nil && !errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("bootstrap repository: %w", err)
	}
	return nil
}

// openTracker prefers redis for the daily run markers so several instances
// share them, and degrades to a process-local tracker.
func openTracker(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (runmarker.LastRunTracker, func() error) {
	if cfg.RedisAddr == "" {
		logger.WithField("tracker", "memory").Info("run marker tracker selected")
		return runmarker.NewMemoryTracker(), nil
	}
	tracker := runmarker.NewRedisTracker(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := tracker.Ping(ctx); err != nil {
		logger.WithError(err).Warn("redis unavailable, using in-process run markers")
		_ = tracker.Close()
		return runmarker.NewMemoryTracker(), nil
	}
	logger.WithField("tracker", "redis").Info("run marker tracker selected")
	return tracker, tracker.Close
}
