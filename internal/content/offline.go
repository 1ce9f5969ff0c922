package content

import (
	"go.uber.org/zap"

	"github.com/offlinekit/offline-core/internal/models"
)

// LoadOfflineTracks returns every track whose metadata can be read.
// Corrupt or missing records are skipped, as they count as not downloaded.
func (s *Store) LoadOfflineTracks() ([]*models.Track, error) {
	ids, err := s.ListTracks()
	if err != nil {
		return nil, err
	}

	tracks := make([]*models.Track, 0, len(ids))
	for _, id := range ids {
		track, err := s.ReadTrackMetadata(id)
		if err != nil {
			s.logger.Debug("Skipping unreadable track", zap.Stringer("track_id", id), zap.Error(err))
			continue
		}
		if track.Offline == nil {
			continue
		}
		tracks = append(tracks, track)
	}
	return tracks, nil
}

// LoadOfflineCollections returns every readable collection record keyed by id
func (s *Store) LoadOfflineCollections() (map[models.CollectionID]*models.Collection, error) {
	ids, err := s.ListCollections()
	if err != nil {
		return nil, err
	}

	collections := make(map[models.CollectionID]*models.Collection, len(ids))
	for _, id := range ids {
		collection, err := s.ReadCollectionMetadata(id)
		if err != nil {
			s.logger.Debug("Skipping unreadable collection", zap.String("collection_id", id), zap.Error(err))
			continue
		}
		collections[id] = collection
	}
	return collections, nil
}
