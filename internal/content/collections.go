package content

import (
	"fmt"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	apperrors "github.com/offlinekit/offline-core/internal/errors"
	"github.com/offlinekit/offline-core/internal/models"
)

// PathForCollection returns the directory holding a collection's files
func (s *Store) PathForCollection(id models.CollectionID) string {
	return filepath.Join(s.collectionsRoot(), id)
}

// CollectionMetadataPath returns the path of a collection's metadata JSON
func (s *Store) CollectionMetadataPath(id models.CollectionID) string {
	return filepath.Join(s.PathForCollection(id), id+metadataExt)
}

// CollectionArtPath returns where art fetched from uri is stored for a collection
func (s *Store) CollectionArtPath(id models.CollectionID, uri string) string {
	return filepath.Join(s.PathForCollection(id), artFileName(uri))
}

// WriteCollectionMetadata replaces a collection's metadata file
func (s *Store) WriteCollectionMetadata(id models.CollectionID, collection *models.Collection) error {
	if id == "" || filepath.Base(id) != id {
		return apperrors.NewValidationError(fmt.Sprintf("invalid collection id %q", id))
	}
	return s.writeJSON(s.PathForCollection(id), s.CollectionMetadataPath(id), collection)
}

// ReadCollectionMetadata reads a collection's metadata file
func (s *Store) ReadCollectionMetadata(id models.CollectionID) (*models.Collection, error) {
	var collection models.Collection
	if err := s.readJSON(s.CollectionMetadataPath(id), &collection); err != nil {
		return nil, err
	}
	return &collection, nil
}

// HasCollection reports whether a collection record exists on disk
func (s *Store) HasCollection(id models.CollectionID) bool {
	return s.exists(s.CollectionMetadataPath(id))
}

// ListCollections returns the ids of all stored collections
func (s *Store) ListCollections() ([]models.CollectionID, error) {
	names, err := s.listDirs(s.collectionsRoot())
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// PurgeCollection removes a collection's directory. Member tracks are left
// alone; use RemoveCollectionMembership for those.
func (s *Store) PurgeCollection(id models.CollectionID) error {
	if err := s.fs.RemoveAll(s.PathForCollection(id)); err != nil {
		return apperrors.NewFileSystemError(fmt.Sprintf("failed to purge collection %s", id), err)
	}
	s.logger.Info("Purged collection", zap.String("collection_id", id))
	s.notifyCollectionRemoved(id)
	return nil
}
