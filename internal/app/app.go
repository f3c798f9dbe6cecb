// Package app wires the storage, trigger, pipeline and API layers together
// and owns process lifecycle.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/givance/outreach/internal/api"
	"github.com/givance/outreach/internal/campaign"
	"github.com/givance/outreach/internal/config"
	"github.com/givance/outreach/internal/identity"
	"github.com/givance/outreach/internal/metrics"
	"github.com/givance/outreach/internal/pipeline"
	"github.com/givance/outreach/internal/schedule"
	"github.com/givance/outreach/internal/store"
	"github.com/givance/outreach/internal/tracking"
	"github.com/givance/outreach/internal/trigger"
)

// App is the main application
type App struct {
	config       *config.Config
	db           *store.DB
	triggerStore *trigger.BoltStore
	dispatcher   *trigger.Dispatcher
	apiServer    *api.Server
	campaigns    *campaign.Service
	checker      *campaign.Checker
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// defaultScheduleSource serves the configured sending window for every
// organization.
type defaultScheduleSource struct {
	cfg *schedule.Config
}

func (s *defaultScheduleSource) ConfigFor(orgID string) (*schedule.Config, error) {
	return s.cfg, nil
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	db, err := store.New(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	triggerStore, err := trigger.NewBoltStore(cfg.Storage.TriggerPath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open trigger store: %w", err)
	}

	m := metrics.New()

	campaigns := store.NewCampaignRepository(db)
	messages := store.NewMessageRepository(db)
	jobs := store.NewJobRepository(db)
	identities := store.NewIdentityRepository(db)

	refresher := identity.NewOAuthRefresher(
		cfg.OAuth.ClientID, cfg.OAuth.ClientSecret, cfg.OAuth.TokenURL,
		cfg.OAuth.RefreshTimeout,
	)
	resolver := identity.NewResolver(identities, refresher, logger)

	provider := pipeline.NewSMTPProvider(
		cfg.Provider.SMTPAddr, cfg.Provider.Hostname, cfg.Provider.SendTimeout, logger,
	)

	var injector *tracking.Injector
	if cfg.Tracking.BaseURL != "" {
		injector = tracking.NewInjector(cfg.Tracking.BaseURL)
	}

	checker := campaign.NewChecker(messages, campaigns, m, logger)

	pipe := pipeline.New(
		jobs, messages, campaigns, resolver, provider, injector, checker, m,
		pipeline.Config{SendTimeout: cfg.Provider.SendTimeout}, logger,
	)

	service := campaign.NewService(
		jobs, messages, campaigns, triggerStore, resolver,
		&defaultScheduleSource{cfg: cfg.Schedule},
		schedule.NewScheduler(nil), m,
		campaign.Config{MaxDays: cfg.Scheduling.MaxDays}, logger,
	)

	dispatcher := trigger.NewDispatcher(
		triggerStore,
		func(ctx context.Context, jobID string) {
			outcome, err := pipe.SendJob(ctx, jobID)
			if err != nil {
				logger.Error("send job finished with error", "job_id", jobID, "outcome", outcome, "error", err)
			}
		},
		trigger.DispatcherConfig{
			PollInterval: cfg.Dispatcher.PollInterval,
			BatchSize:    cfg.Dispatcher.BatchSize,
			Concurrency:  cfg.Dispatcher.Concurrency,
		},
		logger,
	)

	apiServer := api.NewServer(service, checker, m, &cfg.Server, logger)

	return &App{
		config:       cfg,
		db:           db,
		triggerStore: triggerStore,
		dispatcher:   dispatcher,
		apiServer:    apiServer,
		campaigns:    service,
		checker:      checker,
		metrics:      m,
		logger:       logger,
	}, nil
}

// Logger returns the application logger.
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// Campaigns returns the campaign service, for CLI subcommands.
func (a *App) Campaigns() *campaign.Service {
	return a.campaigns
}

// Checker returns the completion checker, for CLI subcommands.
func (a *App) Checker() *campaign.Checker {
	return a.checker
}

// Run starts the dispatcher and the API server and blocks until a signal
// arrives or a server fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting outreach",
		"api_addr", a.config.Server.ListenAddr,
		"database", a.config.Storage.DatabasePath,
		"trigger_store", a.config.Storage.TriggerPath,
		"poll_interval", a.config.Dispatcher.PollInterval,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Repair campaigns left non-terminal by a previous crash.
	if fixed, err := a.checker.FixStuckCampaigns(ctx); err != nil {
		a.logger.Warn("startup stuck-campaign scan failed", "error", err)
	} else if fixed > 0 {
		a.logger.Info("repaired stuck campaigns on startup", "fixed", fixed)
	}

	// Re-register triggers lost to a crash before the dispatcher starts; no
	// claims can be in flight yet, so there is no grace to observe.
	if recovered, err := a.campaigns.RecoverOrphanedJobs(ctx, 0); err != nil {
		a.logger.Warn("startup job recovery failed", "error", err)
	} else if recovered > 0 {
		a.logger.Info("recovered orphaned jobs on startup", "recovered", recovered)
	}

	a.dispatcher.Start(ctx)
	go a.watchPendingTriggers(ctx)
	go a.watchOrphanedJobs(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
		a.shutdown()
		return err
	}

	return a.shutdown()
}

// watchPendingTriggers keeps the pending-trigger gauge current.
func (a *App) watchPendingTriggers(ctx context.Context) {
	ticker := time.NewTicker(a.config.Dispatcher.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.triggerStore.PendingCount(ctx)
			if err != nil {
				continue
			}
			a.metrics.TriggersPending.Set(float64(n))
		}
	}
}

// watchOrphanedJobs periodically re-registers triggers for jobs stranded by
// a mid-flight failure, such as a trigger registration that never completed.
// The grace period keeps it clear of claims the dispatcher is working on.
func (a *App) watchOrphanedJobs(ctx context.Context) {
	interval := 4 * a.config.Dispatcher.PollInterval
	grace := 2 * a.config.Dispatcher.PollInterval

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recovered, err := a.campaigns.RecoverOrphanedJobs(ctx, grace)
			if err != nil {
				a.logger.Warn("orphaned job scan failed", "error", err)
				continue
			}
			if recovered > 0 {
				a.logger.Info("recovered orphaned jobs", "recovered", recovered)
			}
		}
	}
}

func (a *App) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api shutdown failed", "error", err)
	}

	a.dispatcher.Stop()

	if err := a.triggerStore.Close(); err != nil {
		a.logger.Error("trigger store close failed", "error", err)
	}
	if err := a.db.Close(); err != nil {
		a.logger.Error("database close failed", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// Close releases resources without running servers. Used by one-shot CLI
// subcommands.
func (a *App) Close() {
	a.triggerStore.Close()
	a.db.Close()
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
