package download

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/offlinekit/offline-core/internal/content"
	apperrors "github.com/offlinekit/offline-core/internal/errors"
	"github.com/offlinekit/offline-core/internal/models"
	"github.com/offlinekit/offline-core/internal/monitoring"
	"github.com/offlinekit/offline-core/internal/network"
	"github.com/offlinekit/offline-core/internal/state"
	"github.com/offlinekit/offline-core/internal/store"
)

// ArtSizes are the cover variants tried in order
var ArtSizes = []string{"150x150", "480x480"}

// History journals download outcomes
type History interface {
	RecordDownload(rec *store.DownloadRecord) error
	RecordFailure(rec *store.FailureRecord) error
}

// Worker downloads a single track into the content store
type Worker struct {
	content  *content.Store
	state    *state.Store
	fetcher  *network.Fetcher
	history  History
	gateways []string
	logger   *zap.Logger
	locks    *trackLocks
}

// NewWorker creates a worker. gateways are extra art mirrors tried after the
// owner's own endpoints; history may be nil.
func NewWorker(contentStore *content.Store, st *state.Store, fetcher *network.Fetcher, history History, gateways []string, logger *zap.Logger) *Worker {
	return &Worker{
		content:  contentStore,
		state:    st,
		fetcher:  fetcher,
		history:  history,
		gateways: normalizeEndpoints(gateways),
		logger:   monitoring.Component(logger, "worker"),
		locks:    newTrackLocks(),
	}
}

// Handle is the JobHandler for track download jobs
func (w *Worker) Handle(ctx context.Context, job *Job) error {
	return w.Download(ctx, job.Payload)
}

// Download fetches art, audio and metadata for one track and verifies the
// result. A track that already verifies only gains the owning collection.
func (w *Worker) Download(ctx context.Context, p models.DownloadPayload) error {
	unlock, err := w.locks.lock(ctx, p.TrackID)
	if err != nil {
		return apperrors.NewTimeoutError(fmt.Sprintf("waiting for track %s", p.TrackID), err)
	}
	defer unlock()

	logger := w.logger.With(zap.Stringer("track_id", p.TrackID), zap.String("collection_id", p.CollectionID))

	track, ok := w.state.Track(p.TrackID)
	if !ok {
		return apperrors.NewNotFoundError(fmt.Sprintf("track %s is not cached", p.TrackID))
	}
	if err := w.checkAccess(track, p.CollectionID); err != nil {
		return err
	}

	user, ok := w.state.User(p.UserID)
	if !ok {
		user = track.User
	}
	if user == nil {
		return apperrors.NewNotFoundError(fmt.Sprintf("owner %d of track %s is not cached", p.UserID, p.TrackID))
	}

	if w.content.VerifyTrack(ctx, p.TrackID) {
		existing, err := w.content.ReadTrackMetadata(p.TrackID)
		if err == nil {
			return w.addOwner(existing, p, logger)
		}
		logger.Warn("Verified track has unreadable metadata, downloading again", zap.Error(err))
	}

	return w.fetch(ctx, track, user, p, logger)
}

func (w *Worker) checkAccess(track *models.Track, collectionID models.CollectionID) error {
	if track.IsDelete || !track.IsAvailable {
		return apperrors.NewAccessError(fmt.Sprintf("track %s is deleted or unavailable", track.TrackID))
	}
	if models.IsFavorites(collectionID) {
		return nil
	}
	if c, ok := w.state.Collection(collectionID); ok && !c.Accessible() {
		return apperrors.NewAccessError(fmt.Sprintf("collection %s is deleted or private", collectionID))
	}
	return nil
}

// addOwner records another owning collection on an already downloaded track
func (w *Worker) addOwner(existing *models.Track, p models.DownloadPayload, logger *zap.Logger) error {
	if existing.Offline == nil {
		existing.Offline = &models.OfflineMetadata{}
	}
	existing.Offline.DownloadedFromCollection = lo.Union(existing.Offline.DownloadedFromCollection, []string{p.CollectionID})
	existing.Offline.LastVerifiedTime = time.Now().UnixMilli()
	if models.IsFavorites(p.CollectionID) {
		if at := w.state.FavoriteCreatedAt(p.TrackID); at != nil {
			existing.Offline.FavoriteCreatedAt = at
		}
	}

	if err := w.content.WriteTrackMetadata(p.TrackID, existing); err != nil {
		return err
	}

	monitoring.RecordDownloadSkipped()
	w.recordDownload(&store.DownloadRecord{
		TrackID:      p.TrackID,
		CollectionID: p.CollectionID,
		Title:        existing.Title,
		Skipped:      true,
	}, logger)

	logger.Debug("Track already downloaded, added owning collection",
		zap.Strings("collections", existing.Offline.DownloadedFromCollection))
	return nil
}

func (w *Worker) fetch(ctx context.Context, track *models.Track, user *models.User, p models.DownloadPayload, logger *zap.Logger) error {
	start := time.Now()

	var prior *models.OfflineMetadata
	if existing, err := w.content.ReadTrackMetadata(p.TrackID); err == nil {
		prior = existing.Offline
	}

	// Art failure is logged and not fatal; verification reports it
	artBytes := w.fetchArt(ctx, track, user, logger)

	audio, err := w.fetcher.DownloadFile(ctx, w.audioURIs(track, user), w.content.TrackAudioPath(p.TrackID))
	if err != nil {
		return fmt.Errorf("failed to download audio for track %s: %w", p.TrackID, err)
	}

	now := time.Now().UnixMilli()
	record := *track
	record.User = user
	record.Offline = &models.OfflineMetadata{
		DownloadCompletedTime:    now,
		LastVerifiedTime:         now,
		DownloadedFromCollection: []string{p.CollectionID},
	}
	if prior != nil {
		record.Offline.DownloadedFromCollection = lo.Union(prior.DownloadedFromCollection, record.Offline.DownloadedFromCollection)
		record.Offline.FavoriteCreatedAt = prior.FavoriteCreatedAt
	}
	if models.IsFavorites(p.CollectionID) {
		if at := w.state.FavoriteCreatedAt(p.TrackID); at != nil {
			record.Offline.FavoriteCreatedAt = at
		}
	}

	if err := w.content.WriteTrackMetadata(p.TrackID, &record); err != nil {
		return err
	}

	if !w.content.VerifyTrack(ctx, p.TrackID) {
		return apperrors.NewVerificationError(fmt.Sprintf("track %s did not verify after download", p.TrackID))
	}

	duration := time.Since(start)
	monitoring.RecordDownloadComplete(duration)
	w.recordDownload(&store.DownloadRecord{
		TrackID:      p.TrackID,
		CollectionID: p.CollectionID,
		Title:        track.Title,
		MirrorURL:    audio.URL,
		Bytes:        audio.BytesDownloaded + artBytes,
	}, logger)

	logger.Info("Track downloaded",
		zap.String("mirror", audio.URL),
		zap.Int64("bytes", audio.BytesDownloaded),
		zap.Bool("resumed", audio.Resumed),
		zap.Duration("duration", duration))
	return nil
}

// fetchArt downloads the first available cover and returns its size
func (w *Worker) fetchArt(ctx context.Context, track *models.Track, user *models.User, logger *zap.Logger) int64 {
	res, err := w.fetcher.FetchFirst(ctx, "art", w.artURIs(track.CoverArtSizes, user))
	if err != nil {
		logger.Warn("Cover art unavailable", zap.Error(err))
		return 0
	}

	if _, err := w.content.WriteTrackArt(track.TrackID, res.URI, res.Data); err != nil {
		logger.Warn("Failed to write cover art", zap.Error(err))
		return 0
	}
	if _, err := w.content.GenerateThumbnail(w.content.PathForTrack(track.TrackID), res.Data); err != nil {
		logger.Debug("Thumbnail skipped", zap.Error(err))
	}
	return int64(len(res.Data))
}

// DownloadCollectionArt fetches a collection cover into the content store
func (w *Worker) DownloadCollectionArt(ctx context.Context, id models.CollectionID, coverArtSizes string, owner *models.User) error {
	res, err := w.fetcher.FetchFirst(ctx, "art", w.artURIs(coverArtSizes, owner))
	if err != nil {
		return err
	}
	if _, err := w.content.WriteCollectionArt(id, res.URI, res.Data); err != nil {
		return err
	}
	if _, err := w.content.GenerateThumbnail(w.content.PathForCollection(id), res.Data); err != nil {
		w.logger.Debug("Thumbnail skipped", zap.String("collection_id", id), zap.Error(err))
	}
	return nil
}

// artURIs lists <endpoint>/content/<cid>/<size>.jpg for every size, owner
// endpoint and gateway
func (w *Worker) artURIs(coverArtSizes string, user *models.User) []string {
	if coverArtSizes == "" {
		return nil
	}
	endpoints := append(user.Endpoints(), w.gateways...)

	var uris []string
	for _, size := range ArtSizes {
		for _, e := range endpoints {
			uris = append(uris, fmt.Sprintf("%s/content/%s/%s.jpg", e, coverArtSizes, size))
		}
	}
	return lo.Uniq(uris)
}

func (w *Worker) audioURIs(track *models.Track, user *models.User) []string {
	var uris []string
	for _, e := range user.Endpoints() {
		uris = append(uris, fmt.Sprintf("%s/tracks/stream/%s", e, track.TrackID))
	}
	return uris
}

func (w *Worker) recordDownload(rec *store.DownloadRecord, logger *zap.Logger) {
	if w.history == nil {
		return
	}
	if err := w.history.RecordDownload(rec); err != nil {
		logger.Warn("Failed to journal download", zap.Error(err))
	}
}

func normalizeEndpoints(endpoints []string) []string {
	var out []string
	for _, e := range endpoints {
		if e = strings.TrimRight(strings.TrimSpace(e), "/"); e != "" {
			out = append(out, e)
		}
	}
	return out
}

// trackLocks serializes work on the same track id
type trackLocks struct {
	mu    sync.Mutex
	locks map[models.TrackID]*trackLock
}

type trackLock struct {
	sem  chan struct{}
	refs int
}

func newTrackLocks() *trackLocks {
	return &trackLocks{locks: make(map[models.TrackID]*trackLock)}
}

func (l *trackLocks) lock(ctx context.Context, id models.TrackID) (func(), error) {
	l.mu.Lock()
	tl, ok := l.locks[id]
	if !ok {
		tl = &trackLock{sem: make(chan struct{}, 1)}
		l.locks[id] = tl
	}
	tl.refs++
	l.mu.Unlock()

	release := func() {
		l.mu.Lock()
		tl.refs--
		if tl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}

	select {
	case tl.sem <- struct{}{}:
		return func() {
			<-tl.sem
			release()
		}, nil
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}
