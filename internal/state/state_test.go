package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/offlinekit/offline-core/internal/errors"
	"github.com/offlinekit/offline-core/internal/models"
)

func TestCacheTracksCachesUsers(t *testing.T) {
	s := New(nil)
	owner := &models.User{UserID: 4, Handle: "owner"}
	s.CacheTracks(&models.Track{TrackID: 1, OwnerID: 4, User: owner}, nil)

	track, ok := s.Track(1)
	require.True(t, ok)
	assert.Equal(t, int64(4), track.OwnerID)

	u, ok := s.User(4)
	require.True(t, ok)
	assert.Equal(t, "owner", u.Handle)

	_, ok = s.Track(2)
	assert.False(t, ok)
}

func TestStatusTransitions(t *testing.T) {
	s := New(nil)

	require.NoError(t, s.SetTrackStatus(1, models.StatusDownloading))
	require.NoError(t, s.SetTrackStatus(1, models.StatusComplete))
	assert.Equal(t, models.StatusComplete, s.TrackStatus(1))

	err := s.SetTrackStatus(1, models.StatusError)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrTypeValidation, apperrors.GetErrorType(err))
	assert.Equal(t, models.StatusComplete, s.TrackStatus(1))

	// Cache miss path goes straight to error
	require.NoError(t, s.SetTrackStatus(2, models.StatusError))

	require.NoError(t, s.SetCollectionStatus("9", models.StatusDownloading))
	assert.Equal(t, models.StatusDownloading, s.CollectionStatus("9"))

	statuses := s.TrackStatuses()
	assert.Equal(t, map[string]models.Status{"1": models.StatusComplete, "2": models.StatusError}, statuses)
}

func TestSubscribe(t *testing.T) {
	s := New(nil)
	var updates []Update
	cancel := s.Subscribe(func(u Update) { updates = append(updates, u) })

	require.NoError(t, s.SetTrackStatus(5, models.StatusDownloading))
	require.NoError(t, s.SetTrackStatus(5, models.StatusDownloading))
	require.NoError(t, s.SetCollectionStatus(models.FavoritesCollectionID, models.StatusDownloading))

	require.Len(t, updates, 2, "repeated status should not notify")
	assert.Equal(t, KindTrack, updates[0].Kind)
	assert.Equal(t, "5", updates[0].ID)
	assert.Equal(t, models.StatusNotStarted, updates[0].Previous)
	assert.Equal(t, KindCollection, updates[1].Kind)

	cancel()
	require.NoError(t, s.SetTrackStatus(5, models.StatusComplete))
	assert.Len(t, updates, 2)
}

func TestRemovalResetsStatus(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.SetTrackStatus(1, models.StatusDownloading))
	require.NoError(t, s.SetTrackStatus(1, models.StatusComplete))
	require.NoError(t, s.SetTrackStatus(2, models.StatusError))
	require.NoError(t, s.SetCollectionStatus("3", models.StatusDownloading))

	s.TracksRemoved([]models.TrackID{1, 2})
	s.CollectionRemoved("3")

	assert.Equal(t, models.StatusNotStarted, s.TrackStatus(1))
	assert.Equal(t, models.StatusNotStarted, s.TrackStatus(2))
	assert.Equal(t, models.StatusNotStarted, s.CollectionStatus("3"))
	assert.Empty(t, s.TrackStatuses())
}

func TestFavorites(t *testing.T) {
	s := New(nil)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetFavorites([]models.Favorite{
		{TrackID: 10, CreatedAt: base},
		{TrackID: 20, CreatedAt: base.Add(time.Hour)},
	})

	favs := s.Favorites()
	require.Len(t, favs, 2)
	assert.Equal(t, models.TrackID(20), favs[0].TrackID)

	at := s.FavoriteCreatedAt(10)
	require.NotNil(t, at)
	assert.True(t, at.Equal(base))
	assert.Nil(t, s.FavoriteCreatedAt(30))
}
