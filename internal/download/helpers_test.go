package download

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/offlinekit/offline-core/internal/content"
	"github.com/offlinekit/offline-core/internal/models"
	"github.com/offlinekit/offline-core/internal/network"
	"github.com/offlinekit/offline-core/internal/state"
	"github.com/offlinekit/offline-core/internal/store"
)

// contentNode fakes an owner's content mirror
type contentNode struct {
	srv *httptest.Server

	mu         sync.Mutex
	audioHits  map[string]int
	audioDelay time.Duration
}

func newContentNode(t *testing.T) *contentNode {
	t.Helper()
	n := &contentNode{audioHits: make(map[string]int)}

	r := chi.NewRouter()
	r.Get("/content/{cid}/{file}", func(w http.ResponseWriter, req *http.Request) {
		if strings.HasPrefix(chi.URLParam(req, "cid"), "missing") {
			http.NotFound(w, req)
			return
		}
		w.Write([]byte("art-bytes"))
	})
	r.Get("/tracks/stream/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		n.mu.Lock()
		n.audioHits[id]++
		delay := n.audioDelay
		n.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}
		fmt.Fprintf(w, "audio-%s", id)
	})

	n.srv = httptest.NewServer(r)
	t.Cleanup(n.srv.Close)
	return n
}

func (n *contentNode) hits(id models.TrackID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.audioHits[id.String()]
}

func (n *contentNode) setDelay(d time.Duration) {
	n.mu.Lock()
	n.audioDelay = d
	n.mu.Unlock()
}

type testEnv struct {
	node    *contentNode
	fs      afero.Fs
	content *content.Store
	state   *state.Store
	journal *store.Journal
	worker  *Worker
	pool    *WorkerPool
	orch    *Orchestrator
	owner   *models.User
}

func newTestEnv(t *testing.T, workers int) *testEnv {
	t.Helper()

	node := newContentNode(t)
	fs := afero.NewMemMapFs()
	contentStore := content.NewStore(fs, "/cache/downloads", nil)
	require.NoError(t, contentStore.Init())

	st := state.New(nil)
	contentStore.AddRemovalListener(st)

	db, err := store.InitDB(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	journal := store.NewJournal(db)

	opts := JobOptions{Attempts: 3, Timeout: 2 * time.Second, Backoff: time.Millisecond}
	fetcher := network.NewFetcher(node.srv.Client(), fs, nil)
	worker := NewWorker(contentStore, st, fetcher, journal, nil, nil)
	pool := NewWorkerPool(workers, opts, nil)
	orch := NewOrchestrator(pool, worker, contentStore, st, journal, opts, nil)

	owner := &models.User{UserID: 2, Handle: "dj", CreatorNodeEndpoint: node.srv.URL}
	st.CacheUsers(owner)

	return &testEnv{
		node:    node,
		fs:      fs,
		content: contentStore,
		state:   st,
		journal: journal,
		worker:  worker,
		pool:    pool,
		orch:    orch,
		owner:   owner,
	}
}

func (e *testEnv) start(t *testing.T) {
	t.Helper()
	require.NoError(t, e.orch.StartDownloadWorker(t.Context()))
	t.Cleanup(e.pool.Stop)
}

// cacheTrack caches a downloadable track owned by the env's owner
func (e *testEnv) cacheTrack(id models.TrackID) *models.Track {
	track := &models.Track{
		TrackID:       id,
		OwnerID:       e.owner.UserID,
		Title:         "Track " + id.String(),
		Duration:      200,
		IsAvailable:   true,
		CoverArtSizes: "QmCover" + id.String(),
	}
	e.state.CacheTracks(track)
	return track
}
