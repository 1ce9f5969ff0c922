package network

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	apperrors "github.com/offlinekit/offline-core/internal/errors"
	"github.com/offlinekit/offline-core/internal/monitoring"
)

// maxFetchBytes caps in-memory fetches (cover art)
const maxFetchBytes = 32 << 20

// Fetcher downloads content from an ordered list of mirror URIs
type Fetcher struct {
	client *http.Client
	fs     afero.Fs
	logger *zap.Logger
}

// FetchResult is the body served by the first mirror that answered
type FetchResult struct {
	URI  string
	Data []byte
}

// NewFetcher creates a fetcher writing through fs
func NewFetcher(client *http.Client, fs afero.Fs, logger *zap.Logger) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{
		client: client,
		fs:     fs,
		logger: monitoring.Component(logger, "fetcher"),
	}
}

// FetchFirst tries each URI in order and returns the first HTTP 200 body.
// kind labels mirror failure metrics ("art", "audio").
func (f *Fetcher) FetchFirst(ctx context.Context, kind string, uris []string) (*FetchResult, error) {
	if len(uris) == 0 {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("no %s mirrors to try", kind))
	}

	var lastErr error
	for _, uri := range uris {
		data, err := f.get(ctx, uri)
		if err == nil {
			monitoring.RecordBytes(int64(len(data)))
			return &FetchResult{URI: uri, Data: data}, nil
		}

		lastErr = err
		monitoring.RecordMirrorFailure(kind)
		f.logger.Debug("Mirror request failed",
			zap.String("kind", kind),
			zap.String("uri", uri),
			zap.Error(err))

		if ctx.Err() != nil {
			return nil, apperrors.NewTimeoutError(fmt.Sprintf("%s fetch interrupted", kind), ctx.Err())
		}
	}

	return nil, apperrors.NewNetworkError(fmt.Sprintf("all %d %s mirrors failed", len(uris), kind), lastErr)
}

func (f *Fetcher) get(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("bad mirror uri %q: %v", uri, err))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, apperrors.NewNetworkError("request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, apperrors.NewNetworkError("failed to read response", err)
	}
	return data, nil
}

// statusError maps an unexpected HTTP status to an AppError
func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.NewNotFoundError(fmt.Sprintf("%s returned 404", resp.Request.URL.Host))
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return apperrors.NewRateLimitError(fmt.Sprintf("%s rate limited", resp.Request.URL.Host), retryAfter)
	default:
		return apperrors.NewNetworkError(fmt.Sprintf("unexpected status code: %d", resp.StatusCode), nil)
	}
}
