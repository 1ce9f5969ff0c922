package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/offlinekit/offline-core/internal/errors"
	"github.com/offlinekit/offline-core/internal/models"
	"github.com/offlinekit/offline-core/internal/monitoring"
	"github.com/offlinekit/offline-core/internal/security"
)

type collectionRequest struct {
	TrackIDs []models.TrackID `json:"track_ids"`
}

type trackRequest struct {
	CollectionID models.CollectionID `json:"collection_id"`
}

type connectivityRequest struct {
	Online *bool `json:"online"`
}

func collectionParam(r *http.Request) (models.CollectionID, error) {
	id := chi.URLParam(r, "collectionID")
	if err := security.ValidateCollectionID(id); err != nil {
		return "", apperrors.NewValidationError(err.Error())
	}
	return id, nil
}

func trackParam(r *http.Request) (models.TrackID, error) {
	id, err := security.ParseTrackID(chi.URLParam(r, "trackID"))
	if err != nil {
		return 0, apperrors.NewValidationError(err.Error())
	}
	return id, nil
}

// handleDownloadCollection accepts a collection download and runs it in the
// background; progress is published on the status stream
func (s *Server) handleDownloadCollection(w http.ResponseWriter, r *http.Request) {
	id, err := collectionParam(r)
	if err != nil {
		respondWithAppError(w, err)
		return
	}
	var req collectionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithAppError(w, err)
		return
	}

	trackIDs := req.TrackIDs
	if len(trackIDs) == 0 && !models.IsFavorites(id) {
		if c, ok := s.deps.State.Collection(id); ok {
			trackIDs = c.TrackIDs
		}
	}
	if len(trackIDs) == 0 && s.deps.Prefetch != nil {
		trackIDs, err = s.deps.Prefetch.Prefetch(r.Context(), id)
		if err != nil {
			respondWithAppError(w, err)
			return
		}
	}
	if len(trackIDs) == 0 {
		RespondWithError(w, http.StatusBadRequest, "no track ids to download")
		return
	}

	s.background("collection-download", func(ctx context.Context) error {
		return s.deps.Downloads.EnqueueCollectionDownload(ctx, id, trackIDs)
	})
	RespondWithJSON(w, http.StatusAccepted, map[string]interface{}{
		"collection_id": id,
		"tracks":        len(trackIDs),
	})
}

func (s *Server) handleDownloadTrack(w http.ResponseWriter, r *http.Request) {
	id, err := trackParam(r)
	if err != nil {
		respondWithAppError(w, err)
		return
	}
	var req trackRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithAppError(w, err)
		return
	}
	if err := security.ValidateCollectionID(req.CollectionID); err != nil {
		RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := s.deps.State.Track(id); !ok {
		RespondWithError(w, http.StatusNotFound, "track is not cached")
		return
	}

	s.background("track-download", func(ctx context.Context) error {
		_, err := s.deps.Downloads.EnqueueTrackDownload(ctx, id, req.CollectionID)
		return err
	})
	RespondWithJSON(w, http.StatusAccepted, map[string]interface{}{
		"track_id":      id,
		"collection_id": req.CollectionID,
	})
}

// handleRemoveCollection removes the listed tracks, or the whole collection
// when no ids are given
func (s *Server) handleRemoveCollection(w http.ResponseWriter, r *http.Request) {
	id, err := collectionParam(r)
	if err != nil {
		respondWithAppError(w, err)
		return
	}
	var req collectionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithAppError(w, err)
		return
	}

	if len(req.TrackIDs) == 0 {
		err = s.deps.Downloads.RemoveCollection(id)
	} else {
		err = s.deps.Downloads.RemoveCollectionDownload(id, req.TrackIDs)
	}
	if err != nil {
		respondWithAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePurgeTrack(w http.ResponseWriter, r *http.Request) {
	id, err := trackParam(r)
	if err != nil {
		respondWithAppError(w, err)
		return
	}
	if err := s.deps.Downloads.PurgeDownloadedTrack(id); err != nil {
		respondWithAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePurgeAll(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Downloads.PurgeAllDownloads(); err != nil {
		respondWithAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTracks(w http.ResponseWriter, r *http.Request) {
	tracks, err := s.deps.Lineups.OfflineTracks()
	if err != nil {
		respondWithAppError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"tracks":   tracks,
		"statuses": s.deps.State.TrackStatuses(),
	})
}

func (s *Server) handleLineup(w http.ResponseWriter, r *http.Request) {
	id, err := collectionParam(r)
	if err != nil {
		respondWithAppError(w, err)
		return
	}
	lineup, err := s.deps.Lineups.Lineup(id)
	if err != nil {
		respondWithAppError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, lineup)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sync == nil {
		RespondWithError(w, http.StatusServiceUnavailable, "sync is disabled")
		return
	}
	if err := s.deps.Sync.TriggerNow(); err != nil {
		respondWithAppError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var req connectivityRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithAppError(w, err)
		return
	}
	if req.Online == nil {
		RespondWithError(w, http.StatusBadRequest, "online is required")
		return
	}

	refetched, err := s.deps.Lineups.SetConnectivity(r.Context(), *req.Online)
	if err != nil {
		respondWithAppError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, map[string]bool{
		"online":    *req.Online,
		"refetched": refetched,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{}
	if s.deps.Journal != nil {
		stats, err := s.deps.Journal.Stats()
		if err != nil {
			respondWithAppError(w, err)
			return
		}
		resp["journal"] = stats
	}
	if s.deps.Notifier != nil {
		resp["session"] = s.deps.Notifier.GetStats()
	}
	if s.deps.Queue != nil {
		resp["queue_size"] = s.deps.Queue.QueueSize()
		resp["active_downloads"] = s.deps.Queue.GetActiveJobCount()
	}
	RespondWithJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	var queued, active int
	if s.deps.Queue != nil {
		queued, active = s.deps.Queue.QueueSize(), s.deps.Queue.GetActiveJobCount()
	}
	check := s.deps.Health.Check(queued, active)

	code := http.StatusOK
	if check.Status == monitoring.HealthStatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	RespondWithJSON(w, code, check)
}
