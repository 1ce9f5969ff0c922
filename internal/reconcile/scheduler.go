package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/offlinekit/offline-core/internal/monitoring"
)

const syncJobTag = "offline-sync"

// Scheduler runs SyncAll periodically. Runs never overlap.
type Scheduler struct {
	reconciler *Reconciler
	interval   time.Duration
	logger     *zap.Logger

	mu       sync.Mutex
	sched    *gocron.Scheduler
	lastRun  time.Time
	lastErr  error
	runCount int
}

// NewScheduler creates a scheduler running every interval
func NewScheduler(reconciler *Reconciler, interval time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		reconciler: reconciler,
		interval:   interval,
		logger:     monitoring.Component(logger, "sync-scheduler"),
	}
}

// Start schedules the pass. The first run happens after one interval; use
// TriggerNow for an immediate pass.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sched != nil {
		return fmt.Errorf("sync scheduler already started")
	}
	if s.interval <= 0 {
		return fmt.Errorf("invalid sync interval: %s", s.interval)
	}

	sched := gocron.NewScheduler(time.UTC)
	sched.SingletonModeAll()

	_, err := sched.Every(s.interval).WaitForSchedule().Tag(syncJobTag).Do(func() {
		s.run(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule sync: %w", err)
	}

	s.logger.Info("Scheduling sync", zap.Duration("interval", s.interval))
	sched.StartAsync()
	s.sched = sched
	return nil
}

// TriggerNow runs a pass right away, e.g. when connectivity returns
func (s *Scheduler) TriggerNow() error {
	s.mu.Lock()
	sched := s.sched
	s.mu.Unlock()

	if sched == nil {
		return fmt.Errorf("sync scheduler not started")
	}
	return sched.RunByTag(syncJobTag)
}

// Stop stops scheduling; a running pass finishes on its own
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sched != nil {
		s.sched.Stop()
		s.sched = nil
	}
}

// Status reports the last completed pass
func (s *Scheduler) Status() (runs int, lastRun time.Time, lastErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCount, s.lastRun, s.lastErr
}

func (s *Scheduler) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s.logger.Info("Sync pass starting")

	results, err := s.reconciler.SyncAll(ctx)
	if err != nil {
		s.logger.Warn("Sync pass finished with errors", zap.Error(err))
	}

	s.mu.Lock()
	s.runCount++
	s.lastRun = time.Now()
	s.lastErr = err
	s.mu.Unlock()

	s.logger.Debug("Sync pass results", zap.Int("collections", len(results)))
}
