// Package server exposes the offline core over HTTP: download intents,
// offline lineups, sync triggers, a websocket status stream, health and
// Prometheus metrics.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/offlinekit/offline-core/internal/download"
	"github.com/offlinekit/offline-core/internal/lineup"
	"github.com/offlinekit/offline-core/internal/models"
	"github.com/offlinekit/offline-core/internal/monitoring"
	"github.com/offlinekit/offline-core/internal/security"
	"github.com/offlinekit/offline-core/internal/state"
	"github.com/offlinekit/offline-core/internal/store"
)

const maxBodyBytes = 1 << 20

// Downloads is the download orchestrator surface the API drives
type Downloads interface {
	EnqueueCollectionDownload(ctx context.Context, collectionID models.CollectionID, trackIDs []models.TrackID) error
	EnqueueTrackDownload(ctx context.Context, trackID models.TrackID, collectionID models.CollectionID) (bool, error)
	RemoveCollectionDownload(collectionID models.CollectionID, trackIDs []models.TrackID) error
	RemoveCollection(collectionID models.CollectionID) error
	PurgeDownloadedTrack(id models.TrackID) error
	PurgeAllDownloads() error
}

// Lineups serves offline lineups and tracks connectivity
type Lineups interface {
	Lineup(collectionID models.CollectionID) (*lineup.Lineup, error)
	OfflineTracks() ([]*models.Track, error)
	SetConnectivity(ctx context.Context, online bool) (bool, error)
}

// SyncTrigger starts a reconciliation pass
type SyncTrigger interface {
	TriggerNow() error
}

// Prefetcher loads an uncached collection's metadata before a download
type Prefetcher interface {
	Prefetch(ctx context.Context, collectionID models.CollectionID) ([]models.TrackID, error)
}

// QueueStats reports worker pool occupancy
type QueueStats interface {
	QueueSize() int
	GetActiveJobCount() int
}

// Deps are the components the server routes to
type Deps struct {
	Downloads Downloads
	Lineups   Lineups
	Sync      SyncTrigger // nil when sync is disabled
	Prefetch  Prefetcher
	State     *state.Store
	Journal   *store.Journal
	Notifier  *download.Notifier
	Health    *monitoring.HealthChecker
	Queue     QueueStats
}

// Server is the control API
type Server struct {
	deps   Deps
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	http *http.Server
}

// New creates a server. Background downloads it starts run until Close.
func New(deps Deps, logger *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		deps:   deps,
		logger: monitoring.Component(logger, "server"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Router sets up and returns the main router
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.handleWebsocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(security.LimitBody(maxBodyBytes))
		r.Use(middleware.Timeout(30 * time.Second))

		r.Route("/downloads", func(r chi.Router) {
			r.Delete("/", s.handlePurgeAll)
			r.Get("/tracks", s.handleListTracks)
			r.Post("/tracks/{trackID}", s.handleDownloadTrack)
			r.Delete("/tracks/{trackID}", s.handlePurgeTrack)
			r.Post("/collections/{collectionID}", s.handleDownloadCollection)
			r.Delete("/collections/{collectionID}", s.handleRemoveCollection)
		})

		r.Get("/lineups/{collectionID}", s.handleLineup)
		r.Post("/sync", s.handleSync)
		r.Post("/connectivity", s.handleConnectivity)
		r.Get("/stats", s.handleStats)
	})

	return r
}

// ListenAndServe serves on addr until Shutdown
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	s.logger.Info("Control API listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener and cancels background downloads
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	s.Close()
	return err
}

// Close cancels background work and waits for it
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

// background runs fn detached from the request
func (s *Server) background(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(s.ctx); err != nil {
			s.logger.Warn("Background task failed", zap.String("task", name), zap.Error(err))
		}
	}()
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
