package download

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/offlinekit/offline-core/internal/content"
	apperrors "github.com/offlinekit/offline-core/internal/errors"
	"github.com/offlinekit/offline-core/internal/models"
	"github.com/offlinekit/offline-core/internal/monitoring"
	"github.com/offlinekit/offline-core/internal/state"
	"github.com/offlinekit/offline-core/internal/store"
)

// Orchestrator turns download intents into worker pool jobs
type Orchestrator struct {
	pool    *WorkerPool
	worker  *Worker
	content *content.Store
	state   *state.Store
	history History
	opts    JobOptions
	logger  *zap.Logger
}

// NewOrchestrator wires an orchestrator. history may be nil.
func NewOrchestrator(pool *WorkerPool, worker *Worker, contentStore *content.Store, st *state.Store, history History, opts JobOptions, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		pool:    pool,
		worker:  worker,
		content: contentStore,
		state:   st,
		history: history,
		opts:    opts,
		logger:  monitoring.Component(logger, "orchestrator"),
	}
}

// StartDownloadWorker registers the track worker and starts the pool
func (o *Orchestrator) StartDownloadWorker(ctx context.Context) error {
	o.pool.AddWorker(JobTypeTrackDownload, o.worker.Handle)
	return o.pool.Start(ctx)
}

// Pool returns the underlying worker pool
func (o *Orchestrator) Pool() *WorkerPool {
	return o.pool
}

// EnqueueCollectionDownload downloads every track of a collection. Every
// track job runs to completion; one failure does not stop its siblings. The
// collection ends complete only when every track succeeded.
func (o *Orchestrator) EnqueueCollectionDownload(ctx context.Context, collectionID models.CollectionID, trackIDs []models.TrackID) error {
	logger := o.logger.With(zap.String("collection_id", collectionID))
	o.setCollectionStatus(collectionID, models.StatusDownloading)

	cached, ok := o.state.Collection(collectionID)
	if ok && !cached.Accessible() {
		o.CancelCollectionJobs(collectionID)
		o.setCollectionStatus(collectionID, models.StatusError)
		return apperrors.NewAccessError(fmt.Sprintf("collection %s is deleted or private", collectionID))
	}

	record := o.collectionRecord(collectionID, cached, trackIDs)
	if err := o.content.WriteCollectionMetadata(collectionID, record); err != nil {
		o.setCollectionStatus(collectionID, models.StatusError)
		return fmt.Errorf("failed to persist collection %s: %w", collectionID, err)
	}
	if record.CoverArtSizes != "" {
		if err := o.worker.DownloadCollectionArt(ctx, collectionID, record.CoverArtSizes, record.User); err != nil {
			logger.Warn("Collection art unavailable", zap.Error(err))
		}
	}

	logger.Info("Downloading collection", zap.Int("tracks", len(trackIDs)))
	err := o.EnqueueCollectionTracks(ctx, collectionID, trackIDs)
	if err != nil {
		o.setCollectionStatus(collectionID, models.StatusError)
		logger.Warn("Collection download finished with failures", zap.Error(err))
		return err
	}

	o.setCollectionStatus(collectionID, models.StatusComplete)
	logger.Info("Collection downloaded")
	return nil
}

// collectionRecord builds the record persisted for a collection download
func (o *Orchestrator) collectionRecord(collectionID models.CollectionID, cached *models.Collection, trackIDs []models.TrackID) *models.Collection {
	var record models.Collection
	switch {
	case cached != nil:
		record = *cached
	case models.IsFavorites(collectionID):
		record = models.Collection{Name: "Favorites"}
	default:
		id, _ := strconv.ParseInt(collectionID, 10, 64)
		record = models.Collection{PlaylistID: id}
	}
	if len(record.TrackIDs) == 0 || models.IsFavorites(collectionID) {
		record.TrackIDs = trackIDs
	}
	if record.User == nil {
		if u, ok := o.state.User(record.OwnerID); ok {
			record.User = u
		}
	}

	now := time.Now().UnixMilli()
	record.Offline = &models.OfflineMetadata{
		DownloadCompletedTime:    now,
		LastVerifiedTime:         now,
		DownloadedFromCollection: []string{collectionID},
	}
	if local, err := o.content.ReadCollectionMetadata(collectionID); err == nil && local.Offline != nil {
		record.Offline.DownloadCompletedTime = local.Offline.DownloadCompletedTime
	}
	return &record
}

// EnqueueCollectionTracks submits one job per track in input order and waits
// for all of them. The returned error summarizes the failures.
func (o *Orchestrator) EnqueueCollectionTracks(ctx context.Context, collectionID models.CollectionID, trackIDs []models.TrackID) error {
	var jobs []*Job
	var failed int
	var firstErr error

	// Submission order follows the input; completion order is not guaranteed
	for _, id := range trackIDs {
		job, err := o.submit(id, collectionID)
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		jobs = append(jobs, job)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job *Job) {
			defer wg.Done()
			if err := o.settle(ctx, job); err != nil {
				mu.Lock()
				failed++
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(job)
	}
	wg.Wait()

	if failed > 0 {
		return fmt.Errorf("%d of %d tracks failed for collection %s: %w", failed, len(trackIDs), collectionID, firstErr)
	}
	return nil
}

// EnqueueTrackDownload downloads one track on behalf of a collection and
// waits for the outcome. It returns false without queueing anything when the
// track or its owner is not cached.
func (o *Orchestrator) EnqueueTrackDownload(ctx context.Context, trackID models.TrackID, collectionID models.CollectionID) (bool, error) {
	job, err := o.submit(trackID, collectionID)
	if err != nil {
		return false, err
	}
	if err := o.settle(ctx, job); err != nil {
		return false, err
	}
	return true, nil
}

// submit marks a track downloading and queues its job
func (o *Orchestrator) submit(trackID models.TrackID, collectionID models.CollectionID) (*Job, error) {
	track, ok := o.state.Track(trackID)
	if !ok {
		o.setTrackStatus(trackID, models.StatusError)
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("track %s is not cached", trackID))
	}
	if _, ok := o.state.User(track.OwnerID); !ok && track.User == nil {
		o.setTrackStatus(trackID, models.StatusError)
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("owner %d of track %s is not cached", track.OwnerID, trackID))
	}

	o.setTrackStatus(trackID, models.StatusDownloading)

	payload := models.DownloadPayload{TrackID: trackID, UserID: track.OwnerID, CollectionID: collectionID}
	job, created, err := o.pool.AddJob(JobTypeTrackDownload, payload, o.opts)
	if err != nil {
		o.setTrackStatus(trackID, models.StatusError)
		return nil, fmt.Errorf("failed to queue track %s: %w", trackID, err)
	}
	if created {
		// Settles status even when every caller stops waiting
		go func() {
			<-job.Done()
			o.finalize(job)
		}()
	} else {
		o.logger.Debug("Track already queued", zap.Stringer("track_id", trackID), zap.String("job_id", job.ID))
	}
	return job, nil
}

// settle waits for a job and applies its terminal status
func (o *Orchestrator) settle(ctx context.Context, job *Job) error {
	select {
	case <-job.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	o.finalize(job)
	return job.Wait(context.Background())
}

// finalize applies a settled job's outcome exactly once
func (o *Orchestrator) finalize(job *Job) {
	job.finalized.Do(func() {
		p := job.Payload
		err := job.Wait(context.Background())

		switch {
		case err == nil:
			o.setTrackStatus(p.TrackID, models.StatusComplete)

		case errors.Is(err, ErrJobCancelled):
			o.setTrackStatus(p.TrackID, models.StatusNotStarted)

		default:
			errType := string(apperrors.GetErrorType(err))
			o.setTrackStatus(p.TrackID, models.StatusError)
			monitoring.RecordDownloadFailed(errType)
			o.logger.Error("Track download failed",
				zap.Stringer("track_id", p.TrackID),
				zap.String("collection_id", p.CollectionID),
				zap.Int("attempts", job.Attempts()),
				zap.Error(err))

			if o.history != nil {
				rec := &store.FailureRecord{
					TrackID:      p.TrackID,
					CollectionID: p.CollectionID,
					ErrorType:    errType,
					ErrorMessage: err.Error(),
					Attempts:     job.Attempts(),
				}
				if herr := o.history.RecordFailure(rec); herr != nil {
					o.logger.Warn("Failed to journal failure", zap.Error(herr))
				}
			}

			if apperrors.IsAccessError(err) {
				if c, ok := o.state.Collection(p.CollectionID); ok && !c.Accessible() {
					o.CancelCollectionJobs(p.CollectionID)
				}
			}
		}
	})
}

// CancelCollectionJobs removes queued jobs of a collection; running jobs finish
func (o *Orchestrator) CancelCollectionJobs(collectionID models.CollectionID) int {
	n := o.pool.RemoveQueued(JobTypeTrackDownload, func(p models.DownloadPayload) bool {
		return p.CollectionID == collectionID
	})
	if n > 0 {
		o.logger.Info("Cancelled queued jobs for collection",
			zap.String("collection_id", collectionID), zap.Int("jobs", n))
	}
	return n
}

// DownloadCollectionArt refreshes a collection's cover art from its owner's mirrors
func (o *Orchestrator) DownloadCollectionArt(ctx context.Context, collectionID models.CollectionID, coverArtSizes string, owner *models.User) error {
	return o.worker.DownloadCollectionArt(ctx, collectionID, coverArtSizes, owner)
}

// RemoveCollectionDownload drops trackIDs from a collection's download.
// Tracks no other collection owns are purged. The collection record stays,
// even when none of its tracks remain; RemoveCollection drops the record.
func (o *Orchestrator) RemoveCollectionDownload(collectionID models.CollectionID, trackIDs []models.TrackID) error {
	o.pool.RemoveQueued(JobTypeTrackDownload, func(p models.DownloadPayload) bool {
		return p.CollectionID == collectionID && lo.Contains(trackIDs, p.TrackID)
	})

	purged, err := o.content.RemoveCollectionMembership(collectionID, trackIDs)
	if err != nil {
		return fmt.Errorf("failed to remove collection %s membership: %w", collectionID, err)
	}

	o.logger.Info("Removed tracks from collection download",
		zap.String("collection_id", collectionID),
		zap.Int("tracks", len(trackIDs)),
		zap.Int("purged", len(purged)))
	return nil
}

// RemoveCollection stops downloading a collection: queued jobs are
// cancelled, every track it owns on disk gives up the membership and the
// collection record is purged.
func (o *Orchestrator) RemoveCollection(collectionID models.CollectionID) error {
	o.CancelCollectionJobs(collectionID)

	var listed []models.TrackID
	local, err := o.content.ReadCollectionMetadata(collectionID)
	switch {
	case err == nil:
		listed = local.TrackIDs
	case apperrors.IsNotFoundError(err):
	default:
		o.logger.Warn("Removing collection with unreadable record",
			zap.String("collection_id", collectionID), zap.Error(err))
	}

	tracks, err := o.content.LoadOfflineTracks()
	if err != nil {
		return err
	}
	owned := lo.FilterMap(tracks, func(t *models.Track, _ int) (models.TrackID, bool) {
		return t.TrackID, t.Offline.HasCollection(collectionID)
	})

	if local == nil && len(owned) == 0 && !o.content.HasCollection(collectionID) {
		return apperrors.NewNotFoundError(fmt.Sprintf("collection %s is not downloaded", collectionID))
	}

	if err := o.RemoveCollectionDownload(collectionID, lo.Union(listed, owned)); err != nil {
		return err
	}
	return o.content.PurgeCollection(collectionID)
}

// PurgeAllDownloads cancels queued work and deletes every download
func (o *Orchestrator) PurgeAllDownloads() error {
	o.pool.RemoveQueued(JobTypeTrackDownload, func(models.DownloadPayload) bool { return true })
	return o.content.PurgeAll()
}

// PurgeDownloadedTrack cancels queued work for a track and deletes it
func (o *Orchestrator) PurgeDownloadedTrack(id models.TrackID) error {
	o.pool.RemoveQueued(JobTypeTrackDownload, func(p models.DownloadPayload) bool {
		return p.TrackID == id
	})
	return o.content.PurgeTrack(id)
}

func (o *Orchestrator) setTrackStatus(id models.TrackID, status models.Status) {
	if err := o.state.SetTrackStatus(id, status); err != nil {
		o.logger.Debug("Track status not updated", zap.Stringer("track_id", id), zap.Error(err))
	}
}

func (o *Orchestrator) setCollectionStatus(id models.CollectionID, status models.Status) {
	if err := o.state.SetCollectionStatus(id, status); err != nil {
		o.logger.Debug("Collection status not updated", zap.String("collection_id", id), zap.Error(err))
	}
}
