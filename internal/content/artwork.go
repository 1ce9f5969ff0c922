package content

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // Register PNG decoder
	"path/filepath"

	"github.com/nfnt/resize"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	apperrors "github.com/offlinekit/offline-core/internal/errors"
	"github.com/offlinekit/offline-core/internal/models"
)

// WriteTrackArt stores art fetched from uri in the track directory
func (s *Store) WriteTrackArt(id models.TrackID, uri string, data []byte) (string, error) {
	return s.writeArt(s.PathForTrack(id), uri, data)
}

// WriteCollectionArt stores art fetched from uri in the collection directory
func (s *Store) WriteCollectionArt(id models.CollectionID, uri string, data []byte) (string, error) {
	return s.writeArt(s.PathForCollection(id), uri, data)
}

func (s *Store) writeArt(dir, uri string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", apperrors.NewValidationError("empty art payload")
	}
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return "", apperrors.NewFileSystemError("failed to create art directory", err)
	}

	p := filepath.Join(dir, artFileName(uri))
	if err := afero.WriteFile(s.fs, p, data, 0644); err != nil {
		return "", apperrors.NewFileSystemError("failed to write art", err)
	}
	return p, nil
}

// GenerateThumbnail writes a <N>x<N>.jpg variant of a cover into dir when the
// source is larger than the configured thumbnail size. It returns the path
// written, or "" when no thumbnail was needed.
func (s *Store) GenerateThumbnail(dir string, data []byte) (string, error) {
	if s.thumbnailSize <= 0 {
		return "", nil
	}

	target := filepath.Join(dir, fmt.Sprintf("%dx%d.jpg", s.thumbnailSize, s.thumbnailSize))
	if s.exists(target) {
		return "", nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", apperrors.NewParseError("failed to decode cover art", err)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= s.thumbnailSize && height <= s.thumbnailSize {
		return "", nil
	}

	// Longest edge becomes the thumbnail size
	var resized image.Image
	if width > height {
		resized = resize.Resize(uint(s.thumbnailSize), 0, img, resize.Lanczos3)
	} else {
		resized = resize.Resize(0, uint(s.thumbnailSize), img, resize.Lanczos3)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 90}); err != nil {
		return "", fmt.Errorf("failed to encode thumbnail: %w", err)
	}

	if err := afero.WriteFile(s.fs, target, buf.Bytes(), 0644); err != nil {
		return "", apperrors.NewFileSystemError("failed to write thumbnail", err)
	}

	s.logger.Debug("Generated cover thumbnail",
		zap.String("path", target),
		zap.Int("source_width", width),
		zap.Int("source_height", height))
	return target, nil
}
