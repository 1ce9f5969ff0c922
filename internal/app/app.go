// Package app assembles the offline core from configuration and owns its
// lifecycle.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/offlinekit/offline-core/internal/api"
	"github.com/offlinekit/offline-core/internal/config"
	"github.com/offlinekit/offline-core/internal/content"
	"github.com/offlinekit/offline-core/internal/download"
	"github.com/offlinekit/offline-core/internal/lineup"
	"github.com/offlinekit/offline-core/internal/monitoring"
	"github.com/offlinekit/offline-core/internal/network"
	"github.com/offlinekit/offline-core/internal/reconcile"
	"github.com/offlinekit/offline-core/internal/server"
	"github.com/offlinekit/offline-core/internal/state"
	"github.com/offlinekit/offline-core/internal/store"
)

// statsInterval is how often session stats are pushed to stream clients
const statsInterval = 5 * time.Second

// App holds every component of a running offline core
type App struct {
	Config *config.Config
	Logger *zap.Logger

	DB           *sql.DB
	Journal      *store.Journal
	Content      *content.Store
	Watcher      *content.Watcher
	State        *state.Store
	API          *api.Client
	Pool         *download.WorkerPool
	Orchestrator *download.Orchestrator
	Notifier     *download.Notifier
	Reconciler   *reconcile.Reconciler
	Scheduler    *reconcile.Scheduler
	Lineups      *lineup.Substituter
	Health       *monitoring.HealthChecker

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
}

// New builds the component graph. Nothing runs until Start.
func New(cfg *config.Config, logger *zap.Logger, version string) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}

	db, err := store.InitDB(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	a.DB = db
	a.Journal = store.NewJournal(db)

	a.Content = content.NewStore(afero.NewOsFs(), cfg.Downloads.RootDir, logger,
		content.WithThumbnailSize(cfg.Downloads.ThumbnailSize))
	if err := a.Content.Init(); err != nil {
		db.Close()
		return nil, err
	}
	a.Watcher = content.NewWatcher(a.Content)

	a.State = state.New(logger)
	a.Content.AddRemovalListener(a.State)

	a.API, err = api.NewClient(api.Config{
		BaseURL:           cfg.Network.APIBaseURL,
		Timeout:           time.Duration(cfg.Network.Timeout) * time.Second,
		RequestsPerSecond: cfg.Network.RequestsPerSecond,
		ProxyURL:          cfg.Network.ProxyURL,
	}, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	httpClient, err := network.NewDownloadClient(cfg.Network.ProxyURL)
	if err != nil {
		db.Close()
		return nil, err
	}
	fetcher := network.NewFetcher(httpClient, a.Content.Fs(), logger)

	opts := download.JobOptions{
		Attempts: cfg.Downloads.Attempts,
		Timeout:  cfg.Downloads.JobTimeout(),
		Backoff:  cfg.Downloads.RetryBackoff(),
	}
	worker := download.NewWorker(a.Content, a.State, fetcher, a.Journal, cfg.Network.Gateways, logger)
	a.Pool = download.NewWorkerPool(cfg.Downloads.Concurrency, opts, logger)
	a.Orchestrator = download.NewOrchestrator(a.Pool, worker, a.Content, a.State, a.Journal, opts, logger)
	a.Notifier = download.NewNotifier()

	a.Reconciler = reconcile.NewReconciler(a.API, a.Orchestrator, a.Content, a.State, a.Journal,
		reconcile.Options{UserID: cfg.User.ID}, logger)
	if cfg.Sync.Enabled {
		a.Scheduler = reconcile.NewScheduler(a.Reconciler,
			time.Duration(cfg.Sync.IntervalMinutes)*time.Minute, logger)
	}

	a.Lineups = lineup.NewSubstituter(a.Content, a.refetch, logger)
	a.Health = monitoring.NewHealthChecker(version, db, cfg.Downloads.RootDir)
	return a, nil
}

// Start runs the download queue, status stream, watcher and sync schedule
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("app already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.Orchestrator.StartDownloadWorker(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to start download worker: %w", err)
	}

	a.Notifier.Start(ctx)
	a.Notifier.Attach(a.State)
	a.Lineups.Attach(a.State)
	go a.Notifier.RunStatsTicker(ctx, statsInterval)

	if err := a.Watcher.Start(ctx); err != nil {
		a.Logger.Warn("Content watcher unavailable", zap.Error(err))
	}

	if a.Scheduler != nil {
		if err := a.Scheduler.Start(ctx); err != nil {
			a.Logger.Warn("Sync scheduler unavailable", zap.Error(err))
		}
	}

	a.started = true
	a.Logger.Info("Offline core started",
		zap.String("downloads", a.Config.Downloads.RootDir),
		zap.Int("concurrency", a.Config.Downloads.Concurrency))
	return nil
}

// Server builds the control API over the app's components
func (a *App) Server() *server.Server {
	deps := server.Deps{
		Downloads: a.Orchestrator,
		Lineups:   a.Lineups,
		Prefetch:  a.Reconciler,
		State:     a.State,
		Journal:   a.Journal,
		Notifier:  a.Notifier,
		Health:    a.Health,
		Queue:     a.Pool,
	}
	if a.Scheduler != nil {
		deps.Sync = a.Scheduler
	}
	return server.New(deps, a.Logger)
}

// Shutdown stops every component and closes the journal
func (a *App) Shutdown() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.Logger.Info("Shutting down offline core")
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.started {
		a.Watcher.Stop()
		a.Pool.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.started = false
	return a.DB.Close()
}

// refetch re-runs the online path after connectivity returns
func (a *App) refetch(ctx context.Context) error {
	if a.Scheduler != nil {
		return a.Scheduler.TriggerNow()
	}
	go func() {
		if _, err := a.Reconciler.SyncAll(context.WithoutCancel(ctx)); err != nil {
			a.Logger.Warn("Reconnect sync finished with errors", zap.Error(err))
		}
	}()
	return nil
}
