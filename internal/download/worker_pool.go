package download

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/offlinekit/offline-core/internal/errors"
	"github.com/offlinekit/offline-core/internal/models"
	"github.com/offlinekit/offline-core/internal/monitoring"
)

// JobType represents the kind of work a job carries
type JobType string

const (
	JobTypeTrackDownload JobType = "track_download"
)

const (
	DefaultConcurrency = 5
	DefaultAttempts    = 3
	DefaultJobTimeout  = 10 * time.Second
	DefaultRetryDelay  = 500 * time.Millisecond

	queueCapacity = 10000
)

var (
	// ErrJobCancelled settles jobs removed from the queue before they ran
	ErrJobCancelled = errors.New("job cancelled")
	// ErrPoolStopped is returned when adding to a pool that has been stopped
	ErrPoolStopped = errors.New("worker pool stopped")
)

// JobOptions is the per-job retry budget
type JobOptions struct {
	Attempts int
	Timeout  time.Duration
	Backoff  time.Duration
}

func (o JobOptions) withDefaults(d JobOptions) JobOptions {
	if o.Attempts <= 0 {
		o.Attempts = d.Attempts
	}
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.Backoff <= 0 {
		o.Backoff = d.Backoff
	}
	return o
}

// Job represents a queued unit of work
type Job struct {
	ID        string
	Type      JobType
	Payload   models.DownloadPayload
	Options   JobOptions
	CreatedAt time.Time

	mu       sync.Mutex
	attempts int
	removed  bool
	err      error
	done     chan struct{}
	once     sync.Once

	// finalized guards the orchestrator's terminal status update
	finalized sync.Once
}

func newJob(jobType JobType, payload models.DownloadPayload, opts JobOptions) *Job {
	return &Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		Payload:   payload,
		Options:   opts,
		CreatedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// Attempts returns the number of attempts made so far
func (j *Job) Attempts() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attempts
}

// Wait blocks until the job settles and returns its final error
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		j.mu.Lock()
		defer j.mu.Unlock()
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the job settles
func (j *Job) Done() <-chan struct{} {
	return j.done
}

func (j *Job) setAttempt(n int) {
	j.mu.Lock()
	j.attempts = n
	j.mu.Unlock()
}

func (j *Job) settle(err error) {
	j.once.Do(func() {
		j.mu.Lock()
		j.err = err
		j.mu.Unlock()
		close(j.done)
	})
}

// Result represents the result of a job execution
type Result struct {
	JobID    string
	Type     JobType
	Payload  models.DownloadPayload
	Success  bool
	Error    error
	Attempts int
}

// JobHandler is a function that processes one attempt of a job
type JobHandler func(ctx context.Context, job *Job) error

// WorkerPool runs queued jobs on a bounded number of goroutines
type WorkerPool struct {
	maxWorkers int
	defaults   JobOptions
	logger     *zap.Logger

	jobs    chan *Job
	results chan *Result
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	handlers map[JobType]JobHandler
	pending  map[string]*Job
	active   map[string]*Job
	started  bool
	stopped  bool
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(maxWorkers int, defaults JobOptions, logger *zap.Logger) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = DefaultConcurrency
	}

	return &WorkerPool{
		maxWorkers: maxWorkers,
		defaults: defaults.withDefaults(JobOptions{
			Attempts: DefaultAttempts,
			Timeout:  DefaultJobTimeout,
			Backoff:  DefaultRetryDelay,
		}),
		logger:   monitoring.Component(logger, "queue"),
		jobs:     make(chan *Job, queueCapacity),
		results:  make(chan *Result, maxWorkers*10),
		handlers: make(map[JobType]JobHandler),
		pending:  make(map[string]*Job),
		active:   make(map[string]*Job),
	}
}

// AddWorker registers the handler for a job type
func (wp *WorkerPool) AddWorker(jobType JobType, handler JobHandler) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	wp.handlers[jobType] = handler
}

// Start spawns worker goroutines and begins processing jobs
func (wp *WorkerPool) Start(ctx context.Context) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.started {
		return fmt.Errorf("worker pool already started")
	}
	if wp.stopped {
		return ErrPoolStopped
	}
	if len(wp.handlers) == 0 {
		return fmt.Errorf("no job handlers registered")
	}

	wp.ctx, wp.cancel = context.WithCancel(ctx)

	for i := 0; i < wp.maxWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}

	wp.started = true
	wp.logger.Info("Worker pool started", zap.Int("workers", wp.maxWorkers))
	return nil
}

// worker is the main worker goroutine that processes jobs
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for {
		select {
		case <-wp.ctx.Done():
			wp.logger.Debug("Worker shutting down", zap.Int("worker", id))
			return

		case job := <-wp.jobs:
			wp.processJob(job)
		}
	}
}

// AddJob queues a job. If an equal payload of the same type is already
// pending or running, that job is returned with created=false.
func (wp *WorkerPool) AddJob(jobType JobType, payload models.DownloadPayload, opts JobOptions) (*Job, bool, error) {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.stopped {
		return nil, false, ErrPoolStopped
	}

	if existing := wp.findLocked(jobType, payload); existing != nil {
		return existing, false, nil
	}

	job := newJob(jobType, payload, opts.withDefaults(wp.defaults))

	select {
	case wp.jobs <- job:
	default:
		return nil, false, fmt.Errorf("job queue is full (%d jobs)", queueCapacity)
	}

	wp.pending[job.ID] = job
	monitoring.UpdateQueueSize(len(wp.pending))
	return job, true, nil
}

func (wp *WorkerPool) findLocked(jobType JobType, payload models.DownloadPayload) *Job {
	for _, set := range []map[string]*Job{wp.pending, wp.active} {
		for _, job := range set {
			if job.Type == jobType && job.Payload.Equal(payload) {
				return job
			}
		}
	}
	return nil
}

// GetJobs snapshots pending and running jobs of a type
func (wp *WorkerPool) GetJobs(jobType JobType) []*Job {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	var jobs []*Job
	for _, set := range []map[string]*Job{wp.pending, wp.active} {
		for _, job := range set {
			if job.Type == jobType {
				jobs = append(jobs, job)
			}
		}
	}
	return jobs
}

// RemoveJob cancels a job that has not started yet. Running jobs are not
// interrupted.
func (wp *WorkerPool) RemoveJob(jobID string) error {
	wp.mu.Lock()
	job, ok := wp.pending[jobID]
	if !ok {
		_, running := wp.active[jobID]
		wp.mu.Unlock()
		if running {
			return fmt.Errorf("job is running: %s", jobID)
		}
		return fmt.Errorf("job not found: %s", jobID)
	}
	wp.removeLocked(job)
	wp.mu.Unlock()

	job.settle(ErrJobCancelled)
	return nil
}

// RemoveQueued cancels every pending job of a type whose payload matches
func (wp *WorkerPool) RemoveQueued(jobType JobType, match func(models.DownloadPayload) bool) int {
	wp.mu.Lock()
	var removed []*Job
	for _, job := range wp.pending {
		if job.Type == jobType && match(job.Payload) {
			wp.removeLocked(job)
			removed = append(removed, job)
		}
	}
	wp.mu.Unlock()

	for _, job := range removed {
		job.settle(ErrJobCancelled)
	}
	if len(removed) > 0 {
		wp.logger.Info("Removed queued jobs", zap.Int("count", len(removed)))
	}
	return len(removed)
}

func (wp *WorkerPool) removeLocked(job *Job) {
	job.mu.Lock()
	job.removed = true
	job.mu.Unlock()
	delete(wp.pending, job.ID)
	monitoring.UpdateQueueSize(len(wp.pending))
}

// processJob runs a job through its attempt budget
func (wp *WorkerPool) processJob(job *Job) {
	wp.mu.Lock()
	job.mu.Lock()
	removed := job.removed
	job.mu.Unlock()
	if removed {
		// Settled when it was removed
		wp.mu.Unlock()
		return
	}
	delete(wp.pending, job.ID)
	wp.active[job.ID] = job
	handler := wp.handlers[job.Type]
	monitoring.UpdateQueueSize(len(wp.pending))
	monitoring.SetActiveDownloads(len(wp.active))
	wp.mu.Unlock()

	logger := wp.logger.With(zap.String("job_id", job.ID), zap.Stringer("track_id", job.Payload.TrackID))

	cfg := apperrors.AttemptsConfig(job.Options.Attempts, job.Options.Backoff)
	cfg.Jitter = true
	cfg.RetryableErrors = retryable
	cfg.OnRetry = func(attempt int, err error) {
		logger.Warn("Job attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", job.Options.Attempts),
			zap.Error(err))
	}

	var err error
	if handler == nil {
		err = apperrors.NewValidationError(fmt.Sprintf("no handler registered for job type %s", job.Type))
	} else {
		err = apperrors.RetryWithBackoff(wp.ctx, cfg, func(attempt int) error {
			job.setAttempt(attempt)
			return wp.runAttempt(job, handler)
		})
	}

	wp.mu.Lock()
	delete(wp.active, job.ID)
	monitoring.SetActiveDownloads(len(wp.active))
	wp.mu.Unlock()

	job.settle(err)

	result := &Result{
		JobID:    job.ID,
		Type:     job.Type,
		Payload:  job.Payload,
		Success:  err == nil,
		Error:    err,
		Attempts: job.Attempts(),
	}

	select {
	case wp.results <- result:
	default:
		logger.Debug("Results channel full, dropping result")
	}
}

// runAttempt runs one attempt under the job timeout. A panicking handler
// counts as a failed attempt.
func (wp *WorkerPool) runAttempt(job *Job, handler JobHandler) error {
	ctx, cancel := context.WithTimeout(wp.ctx, job.Options.Timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("job %s panicked: %v", job.ID, r)
			}
		}()
		errCh <- handler(ctx, job)
	}()

	select {
	case err := <-errCh:
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return apperrors.NewTimeoutError(fmt.Sprintf("job %s timed out after %s", job.ID, job.Options.Timeout), err)
		}
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return apperrors.NewTimeoutError(fmt.Sprintf("job %s timed out after %s", job.ID, job.Options.Timeout), ctx.Err())
		}
		return ctx.Err()
	}
}

// retryable retries anything except errors explicitly marked permanent
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return true
}

// Stop cancels running work, settles pending jobs and waits for workers
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if !wp.started || wp.stopped {
		wp.stopped = true
		wp.mu.Unlock()
		return
	}
	wp.stopped = true
	wp.mu.Unlock()

	wp.cancel()
	wp.wg.Wait()

	wp.mu.Lock()
	var pending []*Job
	for _, job := range wp.pending {
		wp.removeLocked(job)
		pending = append(pending, job)
	}
	wp.started = false
	wp.mu.Unlock()

	for _, job := range pending {
		job.settle(ErrJobCancelled)
	}

	close(wp.results)
	wp.logger.Info("Worker pool stopped", zap.Int("cancelled", len(pending)))
}

// Results returns the results channel
func (wp *WorkerPool) Results() <-chan *Result {
	return wp.results
}

// QueueSize returns the number of jobs waiting for a worker
func (wp *WorkerPool) QueueSize() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return len(wp.pending)
}

// GetActiveJobCount returns the number of currently running jobs
func (wp *WorkerPool) GetActiveJobCount() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return len(wp.active)
}

// GetMaxWorkers returns the maximum number of workers
func (wp *WorkerPool) GetMaxWorkers() int {
	return wp.maxWorkers
}
