package network

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/offlinekit/offline-core/internal/errors"
)

func TestFetchFirstStopsAtFirstSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/down/150x150.jpg":
			w.WriteHeader(http.StatusBadGateway)
		case "/missing/150x150.jpg":
			http.NotFound(w, r)
		default:
			fmt.Fprint(w, "jpeg-bytes")
		}
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), afero.NewMemMapFs(), nil)
	uris := []string{
		srv.URL + "/down/150x150.jpg",
		srv.URL + "/missing/150x150.jpg",
		srv.URL + "/ok/150x150.jpg",
		srv.URL + "/never/150x150.jpg",
	}

	res, err := f.FetchFirst(context.Background(), "art", uris)
	require.NoError(t, err)
	assert.Equal(t, uris[2], res.URI)
	assert.Equal(t, "jpeg-bytes", string(res.Data))
	assert.EqualValues(t, 3, hits.Load(), "later mirrors must not be contacted")
}

func TestFetchFirstExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), afero.NewMemMapFs(), nil)
	_, err := f.FetchFirst(context.Background(), "art", []string{srv.URL + "/a", srv.URL + "/b"})
	require.Error(t, err)
	assert.True(t, apperrors.IsNetworkError(err))
	assert.True(t, apperrors.IsRetryable(err))
}

func TestFetchFirstNoCandidates(t *testing.T) {
	f := NewFetcher(nil, afero.NewMemMapFs(), nil)
	_, err := f.FetchFirst(context.Background(), "art", nil)
	assert.True(t, apperrors.IsNotFoundError(err))
}

func TestDownloadFileFallsBackAcrossMirrors(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "audio-bytes")
	}))
	defer good.Close()

	fs := afero.NewMemMapFs()
	f := NewFetcher(http.DefaultClient, fs, nil)

	res, err := f.DownloadFile(context.Background(),
		[]string{bad.URL + "/tracks/stream/10", good.URL + "/tracks/stream/10"},
		"/downloads/tracks/10/10.mp3")
	require.NoError(t, err)
	assert.Equal(t, good.URL+"/tracks/stream/10", res.URL)
	assert.EqualValues(t, len("audio-bytes"), res.BytesDownloaded)

	data, err := afero.ReadFile(fs, "/downloads/tracks/10/10.mp3")
	require.NoError(t, err)
	assert.Equal(t, "audio-bytes", string(data))

	exists, _ := afero.Exists(fs, "/downloads/tracks/10/10.mp3"+PartialSuffix)
	assert.False(t, exists, "partial file should be renamed away")
}

func TestDownloadFileResumesPartial(t *testing.T) {
	const body = "0123456789"
	var gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		if strings.HasPrefix(gotRange, "bytes=4-") {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes 4-9/%d", len(body)))
			w.WriteHeader(http.StatusPartialContent)
			fmt.Fprint(w, body[4:])
			return
		}
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	out := "/downloads/tracks/7/7.mp3"
	require.NoError(t, afero.WriteFile(fs, out+PartialSuffix, []byte(body[:4]), 0644))

	f := NewFetcher(srv.Client(), fs, nil)
	res, err := f.DownloadFile(context.Background(), []string{srv.URL + "/tracks/stream/7"}, out)
	require.NoError(t, err)

	assert.Equal(t, "bytes=4-", gotRange)
	assert.True(t, res.Resumed)
	data, err := afero.ReadFile(fs, out)
	require.NoError(t, err)
	assert.Equal(t, body, string(data))
}

func TestDownloadFileRestartsWhenRangeIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "fresh")
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	out := "/downloads/tracks/8/8.mp3"
	require.NoError(t, afero.WriteFile(fs, out+PartialSuffix, []byte("stale-bytes"), 0644))

	f := NewFetcher(srv.Client(), fs, nil)
	res, err := f.DownloadFile(context.Background(), []string{srv.URL}, out)
	require.NoError(t, err)
	assert.False(t, res.Resumed)

	data, _ := afero.ReadFile(fs, out)
	assert.Equal(t, "fresh", string(data))
}

func TestDownloadFileAllMirrorsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	f := NewFetcher(srv.Client(), fs, nil)
	_, err := f.DownloadFile(context.Background(), []string{srv.URL + "/a", srv.URL + "/b"}, "/x/1.mp3")
	require.Error(t, err)
	assert.True(t, apperrors.IsNetworkError(err))

	exists, _ := afero.Exists(fs, "/x/1.mp3")
	assert.False(t, exists)
}
