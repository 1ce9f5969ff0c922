// Package reconcile brings downloaded collections up to date with the
// server. A pass compares the on-disk snapshot of a collection with its
// latest remote metadata and issues the incremental removals and downloads.
//
// Tracks are append-only once downloaded: a pass never re-fetches audio or
// metadata of a track that stays in the collection.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/offlinekit/offline-core/internal/content"
	apperrors "github.com/offlinekit/offline-core/internal/errors"
	"github.com/offlinekit/offline-core/internal/models"
	"github.com/offlinekit/offline-core/internal/monitoring"
	"github.com/offlinekit/offline-core/internal/state"
)

// Pass results, also used as journal and metric labels
const (
	ResultSkipped = "skipped"
	ResultUpdated = "updated"
	ResultRemoved = "removed"
	ResultFailed  = "failed"
)

// defaultParallelism bounds how many collections SyncAll reconciles at once
const defaultParallelism = 2

// Remote is the metadata API a pass reads from
type Remote interface {
	GetPlaylist(ctx context.Context, collectionID models.CollectionID, userID int64) (*models.Collection, error)
	GetUser(ctx context.Context, userID int64) (*models.User, error)
	GetTracks(ctx context.Context, ids []models.TrackID) ([]*models.Track, error)
	GetFavorites(ctx context.Context, userID int64) ([]models.Favorite, error)
}

// Downloads is the part of the download orchestrator a pass drives
type Downloads interface {
	EnqueueCollectionTracks(ctx context.Context, collectionID models.CollectionID, trackIDs []models.TrackID) error
	RemoveCollectionDownload(collectionID models.CollectionID, trackIDs []models.TrackID) error
	RemoveCollection(collectionID models.CollectionID) error
	DownloadCollectionArt(ctx context.Context, collectionID models.CollectionID, coverArtSizes string, owner *models.User) error
}

// Journal records one row per pass. May be nil.
type Journal interface {
	StartSyncRun(collectionID models.CollectionID) (int64, error)
	FinishSyncRun(id int64, result string, added, removed int, runErr error) error
}

// Result describes the outcome of one collection pass
type Result struct {
	CollectionID models.CollectionID `json:"collection_id"`
	Result       string              `json:"result"`
	Added        []models.TrackID    `json:"added,omitempty"`
	Removed      []models.TrackID    `json:"removed,omitempty"`
	ArtRefreshed bool                `json:"art_refreshed,omitempty"`
}

// Options configures a Reconciler
type Options struct {
	// UserID is the signed-in account; favorites are skipped when zero
	UserID      int64
	Parallelism int
}

// Reconciler runs reconciliation passes
type Reconciler struct {
	remote    Remote
	downloads Downloads
	content   *content.Store
	state     *state.Store
	journal   Journal
	opts      Options
	logger    *zap.Logger
}

// NewReconciler creates a reconciler
func NewReconciler(remote Remote, downloads Downloads, contentStore *content.Store, st *state.Store, journal Journal, opts Options, logger *zap.Logger) *Reconciler {
	if opts.Parallelism <= 0 {
		opts.Parallelism = defaultParallelism
	}
	return &Reconciler{
		remote:    remote,
		downloads: downloads,
		content:   contentStore,
		state:     st,
		journal:   journal,
		opts:      opts,
		logger:    monitoring.Component(logger, "reconcile"),
	}
}

// SyncAll reconciles every downloaded collection. Failures of one collection
// do not stop the others; they are joined into the returned error.
func (r *Reconciler) SyncAll(ctx context.Context) ([]*Result, error) {
	ids, err := r.content.ListCollections()
	if err != nil {
		return nil, err
	}
	if r.opts.UserID == 0 {
		ids = lo.Without(ids, models.FavoritesCollectionID)
	}

	var (
		mu      sync.Mutex
		results []*Result
		errs    []error
	)

	var g errgroup.Group
	g.SetLimit(r.opts.Parallelism)
	for _, id := range ids {
		g.Go(func() error {
			res, err := r.SyncCollection(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if res != nil {
				results = append(results, res)
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("collection %s: %w", id, err))
			}
			return nil
		})
	}
	g.Wait()

	r.logger.Info("Sync pass finished",
		zap.Int("collections", len(ids)),
		zap.Int("failed", len(errs)))
	return results, errors.Join(errs...)
}

// SyncCollection reconciles one downloaded collection
func (r *Reconciler) SyncCollection(ctx context.Context, collectionID models.CollectionID) (*Result, error) {
	if models.IsFavorites(collectionID) {
		return r.SyncFavorites(ctx, r.opts.UserID)
	}
	return r.journaled(collectionID, func() (*Result, error) {
		return r.syncCollection(ctx, collectionID)
	})
}

func (r *Reconciler) syncCollection(ctx context.Context, collectionID models.CollectionID) (*Result, error) {
	logger := r.logger.With(zap.String("collection_id", collectionID))

	local, err := r.content.ReadCollectionMetadata(collectionID)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			return nil, apperrors.NewNotFoundError(fmt.Sprintf("collection %s is not downloaded", collectionID))
		}
		return nil, err
	}

	remote, err := r.remote.GetPlaylist(ctx, collectionID, r.opts.UserID)
	if err != nil {
		if !apperrors.IsNotFoundError(err) {
			return nil, err
		}
		remote = &models.Collection{PlaylistID: local.PlaylistID, IsDelete: true}
	}

	if !remote.Accessible() {
		r.state.CacheCollection(collectionID, remote)
		if err := r.downloads.RemoveCollection(collectionID); err != nil {
			logger.Warn("Failed to remove inaccessible collection", zap.Error(err))
		}
		logger.Info("Collection is no longer accessible; removed download")
		return &Result{CollectionID: collectionID, Result: ResultRemoved, Removed: lo.Uniq(local.TrackIDs)},
			apperrors.NewAccessError(fmt.Sprintf("collection %s is deleted or private", collectionID))
	}

	if !remote.UpdatedAt.After(local.UpdatedAt) {
		logger.Debug("Collection unchanged", zap.Time("updated_at", local.UpdatedAt))
		return &Result{CollectionID: collectionID, Result: ResultSkipped}, nil
	}

	owner, err := r.remote.GetUser(ctx, remote.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch owner %d: %w", remote.OwnerID, err)
	}
	r.state.CacheUsers(owner)

	updated := *remote
	updated.User = owner
	updated.Offline = refreshedOffline(local.Offline, collectionID)
	if err := r.content.WriteCollectionMetadata(collectionID, &updated); err != nil {
		return nil, err
	}
	r.state.CacheCollection(collectionID, &updated)

	res := &Result{CollectionID: collectionID, Result: ResultUpdated}
	if updated.CoverArtSizes != "" && updated.CoverArtSizes != local.CoverArtSizes {
		if err := r.downloads.DownloadCollectionArt(ctx, collectionID, updated.CoverArtSizes, owner); err != nil {
			logger.Warn("Collection art refresh failed", zap.Error(err))
		} else {
			res.ArtRefreshed = true
		}
	}

	res.Removed, res.Added = lo.Difference(lo.Uniq(local.TrackIDs), lo.Uniq(updated.TrackIDs))
	logger.Info("Collection changed",
		zap.Int("added", len(res.Added)),
		zap.Int("removed", len(res.Removed)))

	return res, r.apply(ctx, collectionID, res)
}

// SyncFavorites reconciles the downloaded favorites of userID. Favorites have
// no updated_at, so the membership is always compared.
func (r *Reconciler) SyncFavorites(ctx context.Context, userID int64) (*Result, error) {
	return r.journaled(models.FavoritesCollectionID, func() (*Result, error) {
		return r.syncFavorites(ctx, userID)
	})
}

func (r *Reconciler) syncFavorites(ctx context.Context, userID int64) (*Result, error) {
	id := models.FavoritesCollectionID

	local, err := r.content.ReadCollectionMetadata(id)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			return nil, apperrors.NewNotFoundError("favorites are not downloaded")
		}
		return nil, err
	}
	if userID == 0 {
		return nil, apperrors.NewValidationError("favorites sync requires a user id")
	}

	favorites, err := r.remote.GetFavorites(ctx, userID)
	if err != nil {
		return nil, err
	}
	r.state.SetFavorites(favorites)

	remoteIDs := lo.Map(r.state.Favorites(), func(f models.Favorite, _ int) models.TrackID { return f.TrackID })

	res := &Result{CollectionID: id, Result: ResultSkipped}
	res.Removed, res.Added = lo.Difference(lo.Uniq(local.TrackIDs), remoteIDs)
	if len(res.Added) == 0 && len(res.Removed) == 0 {
		return res, nil
	}
	res.Result = ResultUpdated

	updated := *local
	updated.TrackIDs = remoteIDs
	updated.Offline = refreshedOffline(local.Offline, id)
	if err := r.content.WriteCollectionMetadata(id, &updated); err != nil {
		return nil, err
	}

	r.logger.Info("Favorites changed",
		zap.Int("added", len(res.Added)),
		zap.Int("removed", len(res.Removed)))

	return res, r.apply(ctx, id, res)
}

// apply removes the tracks that left a collection and downloads the new ones
func (r *Reconciler) apply(ctx context.Context, collectionID models.CollectionID, res *Result) error {
	if len(res.Removed) > 0 {
		if err := r.downloads.RemoveCollectionDownload(collectionID, res.Removed); err != nil {
			return fmt.Errorf("failed to remove %d tracks: %w", len(res.Removed), err)
		}
	}
	if len(res.Added) == 0 {
		return nil
	}

	if err := r.cacheTracks(ctx, res.Added); err != nil {
		return err
	}

	r.setCollectionStatus(collectionID, models.StatusDownloading)
	if err := r.downloads.EnqueueCollectionTracks(ctx, collectionID, res.Added); err != nil {
		r.setCollectionStatus(collectionID, models.StatusError)
		return err
	}
	r.setCollectionStatus(collectionID, models.StatusComplete)
	return nil
}

// Prefetch loads a collection, its tracks and their owners into the state
// cache ahead of a first download. It returns the collection's track ids.
func (r *Reconciler) Prefetch(ctx context.Context, collectionID models.CollectionID) ([]models.TrackID, error) {
	var ids []models.TrackID

	if models.IsFavorites(collectionID) {
		if r.opts.UserID == 0 {
			return nil, apperrors.NewValidationError("favorites download requires a user id")
		}
		favorites, err := r.remote.GetFavorites(ctx, r.opts.UserID)
		if err != nil {
			return nil, err
		}
		r.state.SetFavorites(favorites)
		ids = lo.Map(r.state.Favorites(), func(f models.Favorite, _ int) models.TrackID { return f.TrackID })
	} else {
		remote, err := r.remote.GetPlaylist(ctx, collectionID, r.opts.UserID)
		if err != nil {
			return nil, err
		}
		if !remote.Accessible() {
			return nil, apperrors.NewAccessError(fmt.Sprintf("collection %s is deleted or private", collectionID))
		}
		if remote.User == nil {
			owner, err := r.remote.GetUser(ctx, remote.OwnerID)
			if err != nil {
				return nil, fmt.Errorf("failed to fetch owner %d: %w", remote.OwnerID, err)
			}
			r.state.CacheUsers(owner)
			remote.User = owner
		}
		r.state.CacheCollection(collectionID, remote)
		ids = lo.Uniq(remote.TrackIDs)
	}

	if len(ids) == 0 {
		return nil, nil
	}
	if err := r.cacheTracks(ctx, ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// cacheTracks fetches track records and any owners the state does not hold
func (r *Reconciler) cacheTracks(ctx context.Context, ids []models.TrackID) error {
	tracks, err := r.remote.GetTracks(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to fetch %d tracks: %w", len(ids), err)
	}
	r.state.CacheTracks(tracks...)

	missing := lo.Uniq(lo.FilterMap(tracks, func(t *models.Track, _ int) (int64, bool) {
		if t.User != nil {
			return 0, false
		}
		_, ok := r.state.User(t.OwnerID)
		return t.OwnerID, !ok
	}))
	for _, userID := range missing {
		owner, err := r.remote.GetUser(ctx, userID)
		if err != nil {
			// The orchestrator marks the owner's tracks as failed
			r.logger.Warn("Failed to fetch track owner", zap.Int64("user_id", userID), zap.Error(err))
			continue
		}
		r.state.CacheUsers(owner)
	}
	return nil
}

// journaled wraps a pass with its sync_runs row and metrics
func (r *Reconciler) journaled(collectionID models.CollectionID, pass func() (*Result, error)) (*Result, error) {
	var runID int64
	if r.journal != nil {
		id, err := r.journal.StartSyncRun(collectionID)
		if err != nil {
			r.logger.Warn("Failed to journal sync run", zap.Error(err))
		}
		runID = id
	}

	res, err := pass()

	result := ResultFailed
	var added, removed int
	if res != nil {
		result = res.Result
		added, removed = len(res.Added), len(res.Removed)
	}
	if err != nil && result != ResultRemoved {
		result = ResultFailed
	}
	monitoring.RecordSyncPass(result)

	if r.journal != nil && runID != 0 {
		if jerr := r.journal.FinishSyncRun(runID, result, added, removed, err); jerr != nil {
			r.logger.Warn("Failed to finish sync run", zap.Error(jerr))
		}
	}
	return res, err
}

// refreshedOffline keeps the download bookkeeping of a rewritten record
func refreshedOffline(prev *models.OfflineMetadata, collectionID models.CollectionID) *models.OfflineMetadata {
	now := time.Now().UnixMilli()
	if prev == nil {
		return &models.OfflineMetadata{
			DownloadCompletedTime:    now,
			LastVerifiedTime:         now,
			DownloadedFromCollection: []string{collectionID},
		}
	}
	next := *prev
	next.LastVerifiedTime = now
	return &next
}

func (r *Reconciler) setCollectionStatus(id models.CollectionID, status models.Status) {
	if err := r.state.SetCollectionStatus(id, status); err != nil {
		r.logger.Debug("Collection status not updated", zap.String("collection_id", id), zap.Error(err))
	}
}
