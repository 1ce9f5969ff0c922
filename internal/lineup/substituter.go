package lineup

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/offlinekit/offline-core/internal/content"
	apperrors "github.com/offlinekit/offline-core/internal/errors"
	"github.com/offlinekit/offline-core/internal/models"
	"github.com/offlinekit/offline-core/internal/monitoring"
	"github.com/offlinekit/offline-core/internal/state"
)

// RefetchFunc re-runs the online fetch path after connectivity returns
type RefetchFunc func(ctx context.Context) error

// Lineup is a track list as presented to the player
type Lineup struct {
	CollectionID models.CollectionID `json:"collection_id"`
	Offline      bool                `json:"offline"`
	Tracks       []*models.Track     `json:"tracks"`
}

// Substituter swaps server lineups for on-disk ones while offline
type Substituter struct {
	content *content.Store
	refetch RefetchFunc
	logger  *zap.Logger

	mu          sync.Mutex
	online      bool
	wentOffline bool

	cacheMu sync.Mutex
	tracks  []*models.Track
	valid   bool
}

// NewSubstituter creates a substituter that starts online. refetch may be nil.
// The offline track read model follows every track record change in
// contentStore.
func NewSubstituter(contentStore *content.Store, refetch RefetchFunc, logger *zap.Logger) *Substituter {
	s := &Substituter{
		content: contentStore,
		refetch: refetch,
		logger:  monitoring.Component(logger, "lineup"),
		online:  true,
	}
	contentStore.AddChangeListener(s)
	return s
}

// TracksChanged drops the read model after track records were rewritten or
// removed
func (s *Substituter) TracksChanged([]models.TrackID) {
	s.Invalidate()
}

// Attach keeps the offline track read model in step with download status
// changes and returns the unsubscribe function
func (s *Substituter) Attach(st *state.Store) func() {
	return st.Subscribe(func(u state.Update) {
		if u.Kind != state.KindTrack {
			return
		}
		if u.Status == models.StatusComplete || u.Status == models.StatusNotStarted {
			s.Invalidate()
		}
	})
}

// Invalidate drops the cached offline track set
func (s *Substituter) Invalidate() {
	s.cacheMu.Lock()
	s.tracks = nil
	s.valid = false
	s.cacheMu.Unlock()
}

// Online reports the last known connectivity
func (s *Substituter) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// SetConnectivity records a connectivity change. Going offline sets the
// latch; coming back online with the latch set clears it and runs the
// refetch once. It reports whether the refetch ran.
func (s *Substituter) SetConnectivity(ctx context.Context, online bool) (bool, error) {
	s.mu.Lock()
	s.online = online
	if !online {
		if !s.wentOffline {
			s.logger.Info("Connectivity lost; serving downloaded lineups")
		}
		s.wentOffline = true
		s.mu.Unlock()
		return false, nil
	}
	refetch := s.wentOffline
	s.wentOffline = false
	s.mu.Unlock()

	if !refetch {
		return false, nil
	}

	s.logger.Info("Connectivity restored; refetching lineups")
	if s.refetch == nil {
		return true, nil
	}
	if err := s.refetch(ctx); err != nil {
		s.logger.Warn("Refetch after reconnect failed", zap.Error(err))
		return true, err
	}
	return true, nil
}

// OfflineTracks returns every downloaded track record
func (s *Substituter) OfflineTracks() ([]*models.Track, error) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	if s.valid {
		return s.tracks, nil
	}
	tracks, err := s.content.LoadOfflineTracks()
	if err != nil {
		return nil, err
	}
	s.tracks = tracks
	s.valid = true
	return tracks, nil
}

// Lineup builds the downloaded lineup of a collection or of favorites
func (s *Substituter) Lineup(collectionID models.CollectionID) (*Lineup, error) {
	tracks, err := s.OfflineTracks()
	if err != nil {
		return nil, err
	}

	var collection *models.Collection
	if !models.IsFavorites(collectionID) {
		collection, err = s.content.ReadCollectionMetadata(collectionID)
		if err != nil {
			if !apperrors.IsNotFoundError(err) {
				s.logger.Warn("Collection record unreadable; using track order",
					zap.String("collection_id", collectionID), zap.Error(err))
			}
			collection = nil
		}
	}

	return &Lineup{
		CollectionID: collectionID,
		Offline:      !s.Online(),
		Tracks:       Select(tracks, collectionID, collection),
	}, nil
}
