// Package content persists downloaded tracks and collections on disk.
//
// Layout under the downloads root:
//
//	tracks/<track_id>/<track_id>.json
//	tracks/<track_id>/<track_id>.mp3
//	tracks/<track_id>/<WxH>.<ext>
//	collections/<collection_id>/<collection_id>.json
//	collections/<collection_id>/<WxH>.<ext>
//
// Missing files and directories read as empty or false, so the store can be
// queried before anything has been downloaded.
package content

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	apperrors "github.com/offlinekit/offline-core/internal/errors"
	"github.com/offlinekit/offline-core/internal/models"
	"github.com/offlinekit/offline-core/internal/monitoring"
)

const (
	tracksDir      = "tracks"
	collectionsDir = "collections"
	audioExt       = ".mp3"
	metadataExt    = ".json"
)

// RemovalListener is told about content that left the store
type RemovalListener interface {
	TracksRemoved(ids []models.TrackID)
	CollectionRemoved(id models.CollectionID)
}

// ChangeListener is told about track records that were written, rewritten
// or removed
type ChangeListener interface {
	TracksChanged(ids []models.TrackID)
}

// Store is the file-system-backed content store
type Store struct {
	fs            afero.Fs
	root          string
	thumbnailSize int
	logger        *zap.Logger

	mu        sync.RWMutex
	listeners []RemovalListener
	changes   []ChangeListener
}

// Option configures a Store
type Option func(*Store)

// WithThumbnailSize sets the edge length of generated cover thumbnails.
// Zero disables thumbnail generation.
func WithThumbnailSize(size int) Option {
	return func(s *Store) {
		s.thumbnailSize = size
	}
}

// NewStore creates a store rooted at root on fs
func NewStore(fs afero.Fs, root string, logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		fs:            fs,
		root:          filepath.Clean(root),
		thumbnailSize: 150,
		logger:        monitoring.Component(logger, "content"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init creates the root directory layout
func (s *Store) Init() error {
	for _, dir := range []string{s.tracksRoot(), s.collectionsRoot()} {
		if err := s.fs.MkdirAll(dir, 0755); err != nil {
			return apperrors.NewFileSystemError("failed to create content directory", err)
		}
	}
	return nil
}

// Root returns the downloads root directory
func (s *Store) Root() string {
	return s.root
}

// Fs returns the underlying file system
func (s *Store) Fs() afero.Fs {
	return s.fs
}

// AddRemovalListener registers l for removal notifications
func (s *Store) AddRemovalListener(l RemovalListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// AddChangeListener registers l for track record changes
func (s *Store) AddChangeListener(l ChangeListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, l)
}

func (s *Store) notifyTracksChanged(ids []models.TrackID) {
	if len(ids) == 0 {
		return
	}
	s.mu.RLock()
	changes := append([]ChangeListener(nil), s.changes...)
	s.mu.RUnlock()

	for _, l := range changes {
		l.TracksChanged(ids)
	}
}

func (s *Store) notifyTracksRemoved(ids []models.TrackID) {
	if len(ids) == 0 {
		return
	}
	s.mu.RLock()
	listeners := append([]RemovalListener(nil), s.listeners...)
	s.mu.RUnlock()

	for _, l := range listeners {
		l.TracksRemoved(ids)
	}
	s.notifyTracksChanged(ids)
}

func (s *Store) notifyCollectionRemoved(id models.CollectionID) {
	s.mu.RLock()
	listeners := append([]RemovalListener(nil), s.listeners...)
	s.mu.RUnlock()

	for _, l := range listeners {
		l.CollectionRemoved(id)
	}
}

func (s *Store) tracksRoot() string {
	return filepath.Join(s.root, tracksDir)
}

func (s *Store) collectionsRoot() string {
	return filepath.Join(s.root, collectionsDir)
}

// PathForTrack returns the directory holding a track's files
func (s *Store) PathForTrack(id models.TrackID) string {
	return filepath.Join(s.tracksRoot(), id.String())
}

// TrackMetadataPath returns the path of a track's metadata JSON
func (s *Store) TrackMetadataPath(id models.TrackID) string {
	return filepath.Join(s.PathForTrack(id), id.String()+metadataExt)
}

// TrackAudioPath returns the path of a track's audio file
func (s *Store) TrackAudioPath(id models.TrackID) string {
	return filepath.Join(s.PathForTrack(id), id.String()+audioExt)
}

// TrackArtPath returns where art fetched from uri is stored for a track
func (s *Store) TrackArtPath(id models.TrackID, uri string) string {
	return filepath.Join(s.PathForTrack(id), artFileName(uri))
}

// WriteTrackMetadata replaces a track's metadata file.
// The delete and write are separate steps; a crash in between leaves the
// track unverified and it is fetched again on the next attempt.
func (s *Store) WriteTrackMetadata(id models.TrackID, track *models.Track) error {
	if err := s.writeJSON(s.PathForTrack(id), s.TrackMetadataPath(id), track); err != nil {
		return err
	}
	s.notifyTracksChanged([]models.TrackID{id})
	return nil
}

// ReadTrackMetadata reads a track's metadata file.
// A corrupt file yields a parse error; callers treat it as not downloaded.
func (s *Store) ReadTrackMetadata(id models.TrackID) (*models.Track, error) {
	var track models.Track
	if err := s.readJSON(s.TrackMetadataPath(id), &track); err != nil {
		return nil, err
	}
	return &track, nil
}

// ListTracks returns the ids of all track directories in ascending order
func (s *Store) ListTracks() ([]models.TrackID, error) {
	names, err := s.listDirs(s.tracksRoot())
	if err != nil {
		return nil, err
	}

	ids := make([]models.TrackID, 0, len(names))
	for _, name := range names {
		id, err := models.ParseTrackID(name)
		if err != nil {
			s.logger.Debug("Skipping non-track directory", zap.String("name", name))
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// PurgeTrack removes a track's directory
func (s *Store) PurgeTrack(id models.TrackID) error {
	if err := s.fs.RemoveAll(s.PathForTrack(id)); err != nil {
		return apperrors.NewFileSystemError(fmt.Sprintf("failed to purge track %s", id), err)
	}
	s.logger.Info("Purged track", zap.Stringer("track_id", id))
	s.notifyTracksRemoved([]models.TrackID{id})
	return nil
}

// PurgeAll deletes every download. The root and its tracks and collections
// directories are emptied in place so watches on them stay armed.
func (s *Store) PurgeAll() error {
	ids, err := s.ListTracks()
	if err != nil {
		return err
	}
	collections, err := s.ListCollections()
	if err != nil {
		return err
	}

	keep := []string{s.tracksRoot(), s.collectionsRoot()}
	for _, dir := range append([]string{s.root}, keep...) {
		if err := s.emptyDir(dir, keep); err != nil {
			return apperrors.NewFileSystemError("failed to purge downloads", err)
		}
	}
	if err := s.Init(); err != nil {
		return err
	}

	s.logger.Info("Purged all downloads",
		zap.Int("tracks", len(ids)),
		zap.Int("collections", len(collections)))

	s.notifyTracksRemoved(ids)
	for _, c := range collections {
		s.notifyCollectionRemoved(c)
	}
	return nil
}

// emptyDir removes the entries of dir except the paths in keep
func (s *Store) emptyDir(dir string, keep []string) error {
	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		entry := filepath.Join(dir, e.Name())
		if lo.Contains(keep, entry) {
			continue
		}
		if err := s.fs.RemoveAll(entry); err != nil {
			return err
		}
	}
	return nil
}

// RemoveCollectionMembership strips collectionID from each track's owning
// collections. Tracks left without an owner are purged; the purged ids are
// returned.
func (s *Store) RemoveCollectionMembership(collectionID models.CollectionID, trackIDs []models.TrackID) ([]models.TrackID, error) {
	var purged []models.TrackID
	var errs []error

	for _, id := range trackIDs {
		track, err := s.ReadTrackMetadata(id)
		if err != nil {
			if apperrors.IsNotFoundError(err) {
				continue
			}
			// Unreadable metadata counts as not downloaded
			s.logger.Warn("Purging track with unreadable metadata",
				zap.Stringer("track_id", id), zap.Error(err))
			if err := s.PurgeTrack(id); err != nil {
				errs = append(errs, err)
				continue
			}
			purged = append(purged, id)
			continue
		}

		if track.Offline == nil || !track.Offline.HasCollection(collectionID) {
			continue
		}

		remaining := lo.Without(track.Offline.DownloadedFromCollection, collectionID)
		if len(remaining) == 0 {
			if err := s.PurgeTrack(id); err != nil {
				errs = append(errs, err)
				continue
			}
			purged = append(purged, id)
			continue
		}

		track.Offline.DownloadedFromCollection = remaining
		if models.IsFavorites(collectionID) {
			track.Offline.FavoriteCreatedAt = nil
		}
		if err := s.WriteTrackMetadata(id, track); err != nil {
			errs = append(errs, err)
		}
	}

	return purged, stderrors.Join(errs...)
}

func (s *Store) writeJSON(dir, file string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return apperrors.NewValidationError(fmt.Sprintf("failed to encode %s: %v", filepath.Base(file), err))
	}

	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return apperrors.NewFileSystemError("failed to create directory", err)
	}
	if err := s.fs.Remove(file); err != nil && !os.IsNotExist(err) {
		return apperrors.NewFileSystemError("failed to remove old metadata", err)
	}
	if err := afero.WriteFile(s.fs, file, data, 0644); err != nil {
		return apperrors.NewFileSystemError("failed to write metadata", err)
	}
	return nil
}

func (s *Store) readJSON(file string, v interface{}) error {
	data, err := afero.ReadFile(s.fs, file)
	if err != nil {
		if os.IsNotExist(err) {
			return apperrors.NewNotFoundError(fmt.Sprintf("%s not found", filepath.Base(file)))
		}
		return apperrors.NewFileSystemError("failed to read metadata", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperrors.NewParseError(fmt.Sprintf("corrupt metadata in %s", filepath.Base(file)), err)
	}
	return nil
}

func (s *Store) listDirs(dir string) ([]string, error) {
	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, apperrors.NewFileSystemError("failed to list directory", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (s *Store) exists(p string) bool {
	ok, err := afero.Exists(s.fs, p)
	return err == nil && ok
}

// artFileName is the final path segment of an art URI, e.g. "150x150.jpg"
func artFileName(uri string) string {
	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		uri = uri[:i]
	}
	name := path.Base(uri)
	if name == "." || name == "/" || name == "" {
		return "cover.jpg"
	}
	return name
}
