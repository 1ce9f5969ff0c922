package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offlinekit/offline-core/internal/content"
	apperrors "github.com/offlinekit/offline-core/internal/errors"
	"github.com/offlinekit/offline-core/internal/models"
	"github.com/offlinekit/offline-core/internal/state"
	"github.com/offlinekit/offline-core/internal/store"
)

type fakeRemote struct {
	mu        sync.Mutex
	playlists map[string]*models.Collection
	users     map[int64]*models.User
	tracks    map[models.TrackID]*models.Track
	favorites []models.Favorite
	calls     []string
	playErr   error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		playlists: make(map[string]*models.Collection),
		users:     map[int64]*models.User{2: {UserID: 2, Handle: "dj", CreatorNodeEndpoint: "https://cn.test"}},
		tracks:    make(map[models.TrackID]*models.Track),
	}
}

func (f *fakeRemote) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeRemote) callsTo(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeRemote) GetPlaylist(_ context.Context, id models.CollectionID, _ int64) (*models.Collection, error) {
	f.record("GetPlaylist")
	if f.playErr != nil {
		return nil, f.playErr
	}
	c, ok := f.playlists[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("playlist not found")
	}
	copied := *c
	return &copied, nil
}

func (f *fakeRemote) GetUser(_ context.Context, id int64) (*models.User, error) {
	f.record("GetUser")
	u, ok := f.users[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("user not found")
	}
	return u, nil
}

func (f *fakeRemote) GetTracks(_ context.Context, ids []models.TrackID) ([]*models.Track, error) {
	f.record("GetTracks")
	var out []*models.Track
	for _, id := range ids {
		if t, ok := f.tracks[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeRemote) GetFavorites(_ context.Context, _ int64) ([]models.Favorite, error) {
	f.record("GetFavorites")
	return f.favorites, nil
}

type fakeDownloads struct {
	mu       sync.Mutex
	enqueued map[string][][]models.TrackID
	removed  map[string][][]models.TrackID
	dropped  []string
	art      []string
	content  *content.Store
	failWith error
}

func newFakeDownloads(cs *content.Store) *fakeDownloads {
	return &fakeDownloads{
		enqueued: make(map[string][][]models.TrackID),
		removed:  make(map[string][][]models.TrackID),
		content:  cs,
	}
}

func (d *fakeDownloads) EnqueueCollectionTracks(_ context.Context, id models.CollectionID, ids []models.TrackID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enqueued[id] = append(d.enqueued[id], ids)
	return d.failWith
}

func (d *fakeDownloads) RemoveCollectionDownload(id models.CollectionID, ids []models.TrackID) error {
	d.mu.Lock()
	d.removed[id] = append(d.removed[id], ids)
	d.mu.Unlock()
	_, err := d.content.RemoveCollectionMembership(id, ids)
	return err
}

func (d *fakeDownloads) RemoveCollection(id models.CollectionID) error {
	d.mu.Lock()
	d.dropped = append(d.dropped, id)
	d.mu.Unlock()

	local, err := d.content.ReadCollectionMetadata(id)
	if err != nil {
		return err
	}
	if err := d.RemoveCollectionDownload(id, local.TrackIDs); err != nil {
		return err
	}
	return d.content.PurgeCollection(id)
}

func (d *fakeDownloads) DownloadCollectionArt(_ context.Context, id models.CollectionID, sizes string, _ *models.User) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.art = append(d.art, id+":"+sizes)
	return nil
}

type fixture struct {
	remote    *fakeRemote
	downloads *fakeDownloads
	content   *content.Store
	state     *state.Store
	journal   *store.Journal
	rec       *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cs := content.NewStore(afero.NewMemMapFs(), "/cache/downloads", nil)
	require.NoError(t, cs.Init())
	st := state.New(nil)
	cs.AddRemovalListener(st)

	db, err := store.InitDB(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	journal := store.NewJournal(db)

	remote := newFakeRemote()
	downloads := newFakeDownloads(cs)
	rec := NewReconciler(remote, downloads, cs, st, journal, Options{UserID: 2}, nil)
	return &fixture{remote: remote, downloads: downloads, content: cs, state: st, journal: journal, rec: rec}
}

var (
	t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
)

// seed writes a downloaded collection and its tracks to the content store
func (f *fixture) seed(t *testing.T, id string, ids []models.TrackID, updatedAt time.Time) {
	t.Helper()
	require.NoError(t, f.content.WriteCollectionMetadata(id, &models.Collection{
		PlaylistID:    100,
		OwnerID:       2,
		CoverArtSizes: "QmOld",
		TrackIDs:      ids,
		UpdatedAt:     updatedAt,
		Offline: &models.OfflineMetadata{
			DownloadCompletedTime:    1000,
			DownloadedFromCollection: []string{id},
		},
	}))
	for _, tid := range ids {
		require.NoError(t, f.content.WriteTrackMetadata(tid, &models.Track{
			TrackID: tid,
			OwnerID: 2,
			Offline: &models.OfflineMetadata{DownloadedFromCollection: []string{id}},
		}))
	}
}

func TestSyncCollectionAddsAndRemoves(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "100", []models.TrackID{1, 2, 3}, t0)
	f.remote.playlists["100"] = &models.Collection{
		PlaylistID:    100,
		OwnerID:       2,
		Name:          "Renamed",
		CoverArtSizes: "QmOld",
		TrackIDs:      []models.TrackID{2, 3, 4},
		UpdatedAt:     t1,
	}
	f.remote.tracks[4] = &models.Track{TrackID: 4, OwnerID: 2, IsAvailable: true}

	res, err := f.rec.SyncCollection(context.Background(), "100")
	require.NoError(t, err)
	assert.Equal(t, ResultUpdated, res.Result)
	assert.Equal(t, []models.TrackID{1}, res.Removed)
	assert.Equal(t, []models.TrackID{4}, res.Added)
	assert.False(t, res.ArtRefreshed)

	assert.Equal(t, [][]models.TrackID{{1}}, f.downloads.removed["100"])
	assert.Equal(t, [][]models.TrackID{{4}}, f.downloads.enqueued["100"])
	assert.Empty(t, f.downloads.art)

	_, cached := f.state.Track(4)
	assert.True(t, cached, "added track is cached before enqueue")

	ids, err := f.content.ListTracks()
	require.NoError(t, err)
	assert.Equal(t, []models.TrackID{2, 3}, ids)

	record, err := f.content.ReadCollectionMetadata("100")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", record.Name)
	assert.Equal(t, []models.TrackID{2, 3, 4}, record.TrackIDs)
	require.NotNil(t, record.Offline)
	assert.Equal(t, int64(1000), record.Offline.DownloadCompletedTime)
	require.NotNil(t, record.User)
	assert.Equal(t, "dj", record.User.Handle)

	runs, err := f.journal.GetSyncRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, ResultUpdated, runs[0].Result)
	assert.Equal(t, 1, runs[0].Added)
	assert.Equal(t, 1, runs[0].Removed)
}

func TestSyncCollectionNotNewerIsNoop(t *testing.T) {
	for name, remoteAt := range map[string]time.Time{"equal": t0, "older": t0.Add(-time.Hour)} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.seed(t, "100", []models.TrackID{1, 2, 3}, t0)
			f.remote.playlists["100"] = &models.Collection{
				PlaylistID: 100,
				OwnerID:    2,
				TrackIDs:   []models.TrackID{9},
				UpdatedAt:  remoteAt,
			}

			res, err := f.rec.SyncCollection(context.Background(), "100")
			require.NoError(t, err)
			assert.Equal(t, ResultSkipped, res.Result)

			assert.Equal(t, 1, f.remote.callsTo("GetPlaylist"))
			assert.Zero(t, f.remote.callsTo("GetUser"))
			assert.Zero(t, f.remote.callsTo("GetTracks"))
			assert.Empty(t, f.downloads.enqueued)
			assert.Empty(t, f.downloads.removed)
		})
	}
}

func TestSyncCollectionRefreshesChangedArt(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "100", []models.TrackID{1}, t0)
	f.remote.playlists["100"] = &models.Collection{
		PlaylistID:    100,
		OwnerID:       2,
		CoverArtSizes: "QmNew",
		TrackIDs:      []models.TrackID{1},
		UpdatedAt:     t1,
	}

	res, err := f.rec.SyncCollection(context.Background(), "100")
	require.NoError(t, err)
	assert.True(t, res.ArtRefreshed)
	assert.Equal(t, []string{"100:QmNew"}, f.downloads.art)
	assert.Empty(t, f.downloads.enqueued)
	assert.Empty(t, f.downloads.removed)
}

func TestSyncCollectionInaccessible(t *testing.T) {
	cases := map[string]func(f *fixture){
		"private": func(f *fixture) {
			f.remote.playlists["100"] = &models.Collection{PlaylistID: 100, IsPrivate: true, UpdatedAt: t1}
		},
		"deleted": func(f *fixture) {
			f.remote.playlists["100"] = &models.Collection{PlaylistID: 100, IsDelete: true, UpdatedAt: t0}
		},
		"gone": func(f *fixture) {},
	}

	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.seed(t, "100", []models.TrackID{1, 2}, t0)
			setup(f)

			res, err := f.rec.SyncCollection(context.Background(), "100")
			assert.True(t, apperrors.IsAccessError(err))
			require.NotNil(t, res)
			assert.Equal(t, ResultRemoved, res.Result)

			assert.Equal(t, []string{"100"}, f.downloads.dropped)
			assert.Equal(t, [][]models.TrackID{{1, 2}}, f.downloads.removed["100"])
			ids, _ := f.content.ListTracks()
			assert.Empty(t, ids)
			assert.False(t, f.content.HasCollection("100"))
		})
	}
}

func TestSyncCollectionNotDownloaded(t *testing.T) {
	f := newFixture(t)

	_, err := f.rec.SyncCollection(context.Background(), "404")
	assert.True(t, apperrors.IsNotFoundError(err))
	assert.Zero(t, f.remote.callsTo("GetPlaylist"))

	runs, err := f.journal.GetSyncRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, ResultFailed, runs[0].Result)
}

func TestSyncCollectionFetchesMissingOwners(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "100", []models.TrackID{1}, t0)
	f.remote.users[5] = &models.User{UserID: 5, Handle: "guest"}
	f.remote.playlists["100"] = &models.Collection{
		PlaylistID: 100,
		OwnerID:    2,
		TrackIDs:   []models.TrackID{1, 7},
		UpdatedAt:  t1,
	}
	f.remote.tracks[7] = &models.Track{TrackID: 7, OwnerID: 5}

	_, err := f.rec.SyncCollection(context.Background(), "100")
	require.NoError(t, err)

	_, ok := f.state.User(5)
	assert.True(t, ok)
	assert.Equal(t, 2, f.remote.callsTo("GetUser"))
}

func TestSyncFavorites(t *testing.T) {
	f := newFixture(t)
	f.seed(t, models.FavoritesCollectionID, []models.TrackID{10, 20}, time.Time{})
	f.remote.favorites = []models.Favorite{
		{TrackID: 20, CreatedAt: t0},
		{TrackID: 30, CreatedAt: t1},
	}
	f.remote.tracks[30] = &models.Track{TrackID: 30, OwnerID: 2}

	res, err := f.rec.SyncCollection(context.Background(), models.FavoritesCollectionID)
	require.NoError(t, err)
	assert.Equal(t, []models.TrackID{10}, res.Removed)
	assert.Equal(t, []models.TrackID{30}, res.Added)
	assert.Zero(t, f.remote.callsTo("GetPlaylist"))

	record, err := f.content.ReadCollectionMetadata(models.FavoritesCollectionID)
	require.NoError(t, err)
	assert.Equal(t, []models.TrackID{30, 20}, record.TrackIDs, "newest favorite first")

	assert.NotNil(t, f.state.FavoriteCreatedAt(30))
	assert.Equal(t, models.StatusComplete, f.state.CollectionStatus(models.FavoritesCollectionID))

	// Unchanged membership is a no-op
	f.downloads.enqueued = make(map[string][][]models.TrackID)
	res, err = f.rec.SyncFavorites(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, ResultSkipped, res.Result)
	assert.Empty(t, f.downloads.enqueued)
}

func TestSyncFavoritesRequiresUser(t *testing.T) {
	f := newFixture(t)
	f.seed(t, models.FavoritesCollectionID, []models.TrackID{10}, time.Time{})

	_, err := f.rec.SyncFavorites(context.Background(), 0)
	assert.Equal(t, apperrors.ErrTypeValidation, apperrors.GetErrorType(err))
}

func TestSyncAllCollectsErrors(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "100", []models.TrackID{1}, t0)
	f.seed(t, "200", []models.TrackID{2}, t0)
	f.remote.playlists["100"] = &models.Collection{PlaylistID: 100, OwnerID: 2, TrackIDs: []models.TrackID{1}, UpdatedAt: t0}

	results, err := f.rec.SyncAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collection 200")
	assert.Len(t, results, 2)

	stats, err := f.journal.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.SyncRuns)
}

func TestSyncEnqueueFailureMarksCollection(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "100", []models.TrackID{1}, t0)
	f.remote.playlists["100"] = &models.Collection{PlaylistID: 100, OwnerID: 2, TrackIDs: []models.TrackID{1, 2}, UpdatedAt: t1}
	f.remote.tracks[2] = &models.Track{TrackID: 2, OwnerID: 2}
	f.downloads.failWith = errors.New("1 of 1 tracks failed")

	_, err := f.rec.SyncCollection(context.Background(), "100")
	require.Error(t, err)
	assert.Equal(t, models.StatusError, f.state.CollectionStatus("100"))
}

func TestPrefetchCachesCollectionAndTracks(t *testing.T) {
	f := newFixture(t)
	f.remote.playlists["300"] = &models.Collection{
		PlaylistID: 300,
		OwnerID:    2,
		TrackIDs:   []models.TrackID{5, 6, 5},
		UpdatedAt:  t0,
	}
	f.remote.tracks[5] = &models.Track{TrackID: 5, OwnerID: 2, IsAvailable: true}
	f.remote.tracks[6] = &models.Track{TrackID: 6, OwnerID: 2, IsAvailable: true}

	ids, err := f.rec.Prefetch(context.Background(), "300")
	require.NoError(t, err)
	assert.Equal(t, []models.TrackID{5, 6}, ids)

	c, ok := f.state.Collection("300")
	require.True(t, ok)
	require.NotNil(t, c.User)
	assert.Equal(t, "dj", c.User.Handle)

	for _, id := range ids {
		_, cached := f.state.Track(id)
		assert.True(t, cached, "track %d cached", id)
	}
	assert.Empty(t, f.downloads.enqueued, "prefetch never downloads")
}

func TestPrefetchRejectsPrivateCollection(t *testing.T) {
	f := newFixture(t)
	f.remote.playlists["301"] = &models.Collection{PlaylistID: 301, OwnerID: 2, IsPrivate: true}

	_, err := f.rec.Prefetch(context.Background(), "301")
	require.Error(t, err)
	assert.True(t, apperrors.IsAccessError(err))
}

func TestPrefetchFavorites(t *testing.T) {
	f := newFixture(t)
	f.remote.favorites = []models.Favorite{
		{TrackID: 20, CreatedAt: t0},
		{TrackID: 30, CreatedAt: t1},
	}
	f.remote.tracks[20] = &models.Track{TrackID: 20, OwnerID: 2}
	f.remote.tracks[30] = &models.Track{TrackID: 30, OwnerID: 2}

	ids, err := f.rec.Prefetch(context.Background(), models.FavoritesCollectionID)
	require.NoError(t, err)
	assert.Equal(t, []models.TrackID{30, 20}, ids)
}

func TestSyncCollectionEmptiedThenRefilled(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "7", []models.TrackID{1}, t0)
	f.remote.playlists["7"] = &models.Collection{PlaylistID: 7, OwnerID: 2, UpdatedAt: t1}

	res, err := f.rec.SyncCollection(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, ResultUpdated, res.Result)
	assert.Equal(t, []models.TrackID{1}, res.Removed)
	assert.Empty(t, f.downloads.dropped)
	assert.True(t, f.content.HasCollection("7"), "an empty playlist stays downloaded")

	ids, _ := f.content.ListTracks()
	assert.Empty(t, ids)

	f.remote.playlists["7"] = &models.Collection{
		PlaylistID: 7,
		OwnerID:    2,
		TrackIDs:   []models.TrackID{1},
		UpdatedAt:  t1.Add(time.Hour),
	}
	f.remote.tracks[1] = &models.Track{TrackID: 1, OwnerID: 2, IsAvailable: true}

	res, err = f.rec.SyncCollection(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, ResultUpdated, res.Result)
	assert.Equal(t, []models.TrackID{1}, res.Added)
	assert.Equal(t, [][]models.TrackID{{1}}, f.downloads.enqueued["7"])
}

func TestSyncFavoritesAllUnfavoritedKeepsRecord(t *testing.T) {
	f := newFixture(t)
	f.seed(t, models.FavoritesCollectionID, []models.TrackID{20}, t0)

	res, err := f.rec.SyncFavorites(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []models.TrackID{20}, res.Removed)
	assert.True(t, f.content.HasCollection(models.FavoritesCollectionID))

	record, err := f.content.ReadCollectionMetadata(models.FavoritesCollectionID)
	require.NoError(t, err)
	assert.Empty(t, record.TrackIDs)
}
