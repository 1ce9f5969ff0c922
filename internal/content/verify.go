package content

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/offlinekit/offline-core/internal/models"
)

var artExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

// VerifyTrack reports whether a track's audio, metadata and at least one
// art file are all on disk. Each missing part is logged; it never fails.
func (s *Store) VerifyTrack(ctx context.Context, id models.TrackID) bool {
	var audioOK, artOK, metadataOK bool

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		audioOK = s.exists(s.TrackAudioPath(id))
		return nil
	})
	g.Go(func() error {
		artOK = s.hasArt(s.PathForTrack(id))
		return nil
	})
	g.Go(func() error {
		metadataOK = s.exists(s.TrackMetadataPath(id))
		return nil
	})
	_ = g.Wait()

	log := s.logger.With(zap.Stringer("track_id", id))
	if !audioOK {
		log.Warn("Track audio missing")
	}
	if !artOK {
		log.Warn("Track art missing")
	}
	if !metadataOK {
		log.Warn("Track metadata missing")
	}

	return audioOK && artOK && metadataOK
}

// hasArt reports whether dir holds at least one image file
func (s *Store) hasArt(dir string) bool {
	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if artExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			return true
		}
	}
	return false
}
