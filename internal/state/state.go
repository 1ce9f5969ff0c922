// Package state holds the in-memory application state the offline core works
// against: cached track, user and collection records plus per-entity download
// status. Status changes are fanned out to subscribers.
package state

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/offlinekit/offline-core/internal/errors"
	"github.com/offlinekit/offline-core/internal/models"
	"github.com/offlinekit/offline-core/internal/monitoring"
)

// Kind is the entity an update refers to
type Kind string

const (
	KindTrack      Kind = "track"
	KindCollection Kind = "collection"
)

// Update describes one status change
type Update struct {
	Kind      Kind          `json:"kind"`
	ID        string        `json:"id"`
	Status    models.Status `json:"status"`
	Previous  models.Status `json:"previous"`
	Timestamp time.Time     `json:"timestamp"`
}

// Listener receives status updates. It is called synchronously and must not
// block.
type Listener func(Update)

// Store is the in-memory application state
type Store struct {
	logger *zap.Logger

	mu          sync.RWMutex
	tracks      map[models.TrackID]*models.Track
	users       map[int64]*models.User
	collections map[models.CollectionID]*models.Collection
	favorites   map[models.TrackID]time.Time

	statusMu         sync.RWMutex
	trackStatus      map[string]models.Status
	collectionStatus map[string]models.Status
	listeners        map[int]Listener
	nextListenerID   int
}

// New creates an empty state store
func New(logger *zap.Logger) *Store {
	return &Store{
		logger:           monitoring.Component(logger, "state"),
		tracks:           make(map[models.TrackID]*models.Track),
		users:            make(map[int64]*models.User),
		collections:      make(map[models.CollectionID]*models.Collection),
		favorites:        make(map[models.TrackID]time.Time),
		trackStatus:      make(map[string]models.Status),
		collectionStatus: make(map[string]models.Status),
		listeners:        make(map[int]Listener),
	}
}

// CacheTracks stores track records; embedded users are cached too
func (s *Store) CacheTracks(tracks ...*models.Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tracks {
		if t == nil {
			continue
		}
		s.tracks[t.TrackID] = t
		if t.User != nil {
			s.users[t.User.UserID] = t.User
		}
	}
}

// Track returns a cached track
func (s *Store) Track(id models.TrackID) (*models.Track, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tracks[id]
	return t, ok
}

// CacheUsers stores user records
func (s *Store) CacheUsers(users ...*models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range users {
		if u != nil {
			s.users[u.UserID] = u
		}
	}
}

// User returns a cached user
func (s *Store) User(id int64) (*models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok
}

// CacheCollection stores a collection record under id
func (s *Store) CacheCollection(id models.CollectionID, c *models.Collection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[id] = c
	if c.User != nil {
		s.users[c.User.UserID] = c.User
	}
}

// Collection returns a cached collection
func (s *Store) Collection(id models.CollectionID) (*models.Collection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[id]
	return c, ok
}

// SetFavorites replaces the cached favorites
func (s *Store) SetFavorites(favorites []models.Favorite) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.favorites = make(map[models.TrackID]time.Time, len(favorites))
	for _, f := range favorites {
		s.favorites[f.TrackID] = f.CreatedAt
	}
}

// FavoriteCreatedAt returns when a track was favorited, or nil
func (s *Store) FavoriteCreatedAt(id models.TrackID) *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.favorites[id]
	if !ok {
		return nil
	}
	return &at
}

// Favorites returns the cached favorites, most recently favorited first
func (s *Store) Favorites() []models.Favorite {
	s.mu.RLock()
	favorites := make([]models.Favorite, 0, len(s.favorites))
	for id, at := range s.favorites {
		favorites = append(favorites, models.Favorite{TrackID: id, CreatedAt: at})
	}
	s.mu.RUnlock()

	sort.Slice(favorites, func(i, j int) bool {
		if favorites[i].CreatedAt.Equal(favorites[j].CreatedAt) {
			return favorites[i].TrackID < favorites[j].TrackID
		}
		return favorites[i].CreatedAt.After(favorites[j].CreatedAt)
	})
	return favorites
}

// SetTrackStatus moves a track to status, rejecting invalid transitions
func (s *Store) SetTrackStatus(id models.TrackID, status models.Status) error {
	return s.setStatus(KindTrack, id.String(), status)
}

// TrackStatus returns the status of a track
func (s *Store) TrackStatus(id models.TrackID) models.Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.trackStatus[id.String()]
}

// SetCollectionStatus moves a collection to status, rejecting invalid transitions
func (s *Store) SetCollectionStatus(id models.CollectionID, status models.Status) error {
	return s.setStatus(KindCollection, id, status)
}

// CollectionStatus returns the status of a collection
func (s *Store) CollectionStatus(id models.CollectionID) models.Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.collectionStatus[id]
}

// TrackStatuses snapshots every non-idle track status
func (s *Store) TrackStatuses() map[string]models.Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	out := make(map[string]models.Status, len(s.trackStatus))
	for k, v := range s.trackStatus {
		out[k] = v
	}
	return out
}

func (s *Store) setStatus(kind Kind, id string, status models.Status) error {
	s.statusMu.Lock()
	statuses := s.trackStatus
	if kind == KindCollection {
		statuses = s.collectionStatus
	}

	prev := statuses[id]
	if !models.CanTransition(prev, status) {
		s.statusMu.Unlock()
		return apperrors.NewValidationError(
			fmt.Sprintf("invalid %s status transition for %s: %q -> %q", kind, id, prev, status))
	}

	if status == models.StatusNotStarted {
		delete(statuses, id)
	} else {
		statuses[id] = status
	}

	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.statusMu.Unlock()

	if prev == status {
		return nil
	}

	update := Update{Kind: kind, ID: id, Status: status, Previous: prev, Timestamp: time.Now()}
	for _, l := range listeners {
		l(update)
	}
	return nil
}

// Subscribe registers a status listener and returns its cancel function
func (s *Store) Subscribe(l Listener) func() {
	s.statusMu.Lock()
	id := s.nextListenerID
	s.nextListenerID++
	s.listeners[id] = l
	s.statusMu.Unlock()

	return func() {
		s.statusMu.Lock()
		delete(s.listeners, id)
		s.statusMu.Unlock()
	}
}

// TracksRemoved resets the status of tracks that left the content store
func (s *Store) TracksRemoved(ids []models.TrackID) {
	for _, id := range ids {
		if err := s.SetTrackStatus(id, models.StatusNotStarted); err != nil {
			s.logger.Warn("Failed to reset track status", zap.Stringer("track_id", id), zap.Error(err))
		}
	}
}

// CollectionRemoved resets the status of a collection that left the content store
func (s *Store) CollectionRemoved(id models.CollectionID) {
	if err := s.SetCollectionStatus(id, models.StatusNotStarted); err != nil {
		s.logger.Warn("Failed to reset collection status", zap.String("collection_id", id), zap.Error(err))
	}
}
