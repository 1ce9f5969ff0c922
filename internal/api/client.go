package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/offlinekit/offline-core/internal/errors"
	"github.com/offlinekit/offline-core/internal/models"
	"github.com/offlinekit/offline-core/internal/monitoring"
	"github.com/offlinekit/offline-core/internal/network"
)

// maxTracksPerRequest bounds the id list of a single GetTracks call
const maxTracksPerRequest = 100

// Config configures the metadata API client
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	ProxyURL          string
}

// Client fetches track, collection and user metadata
type Client struct {
	httpClient  *http.Client
	baseURL     string
	rateLimiter *rate.Limiter
	logger      *zap.Logger
}

// envelope is the response wrapper used by every endpoint
type envelope struct {
	Data json.RawMessage `json:"data"`
}

// NewClient creates a metadata API client with rate limiting
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, apperrors.NewValidationError("api base url is required")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("invalid api base url: %v", err))
	}

	clientConfig := network.DefaultClientConfig()
	if cfg.Timeout > 0 {
		clientConfig.Timeout = cfg.Timeout
	}
	clientConfig.ProxyURL = cfg.ProxyURL
	httpClient, err := network.NewClient(clientConfig)
	if err != nil {
		return nil, err
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}

	return &Client{
		httpClient:  httpClient,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		rateLimiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:      monitoring.Component(logger, "api"),
	}, nil
}

// GetPlaylist fetches the latest metadata of a playlist or album
func (c *Client) GetPlaylist(ctx context.Context, collectionID models.CollectionID, userID int64) (*models.Collection, error) {
	if models.IsFavorites(collectionID) {
		return nil, apperrors.NewValidationError("favorites is not a playlist")
	}

	params := url.Values{}
	if userID != 0 {
		params.Set("user_id", strconv.FormatInt(userID, 10))
	}

	var collection models.Collection
	if err := c.get(ctx, "playlist", "/playlists/"+url.PathEscape(collectionID), params, &collection); err != nil {
		return nil, err
	}
	return &collection, nil
}

// GetUser fetches a user profile including its content mirrors
func (c *Client) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	var user models.User
	if err := c.get(ctx, "user", "/users/"+strconv.FormatInt(userID, 10), nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetTracks fetches tracks by id. Ids the server does not return are
// simply absent from the result.
func (c *Client) GetTracks(ctx context.Context, ids []models.TrackID) ([]*models.Track, error) {
	var tracks []*models.Track
	for start := 0; start < len(ids); start += maxTracksPerRequest {
		end := start + maxTracksPerRequest
		if end > len(ids) {
			end = len(ids)
		}

		params := url.Values{}
		for _, id := range ids[start:end] {
			params.Add("id", id.String())
		}

		var batch []*models.Track
		if err := c.get(ctx, "tracks", "/tracks", params, &batch); err != nil {
			return nil, err
		}
		tracks = append(tracks, batch...)
	}
	return tracks, nil
}

// GetFavorites fetches a user's favorited tracks
func (c *Client) GetFavorites(ctx context.Context, userID int64) ([]models.Favorite, error) {
	var favorites []models.Favorite
	path := "/users/" + strconv.FormatInt(userID, 10) + "/favorites/tracks"
	if err := c.get(ctx, "favorites", path, nil, &favorites); err != nil {
		return nil, err
	}
	return favorites, nil
}

// get performs a rate limited GET and decodes the data envelope into out
func (c *Client) get(ctx context.Context, endpoint, path string, params url.Values, out interface{}) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return apperrors.NewTimeoutError("rate limiter wait cancelled", err)
	}

	apiURL := c.baseURL + path
	if len(params) > 0 {
		apiURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return apperrors.NewValidationError(fmt.Sprintf("failed to create request: %v", err))
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		monitoring.RecordAPIRequest(endpoint, "error", time.Since(start))
		return apperrors.NewNetworkError(fmt.Sprintf("%s request failed", endpoint), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		monitoring.RecordAPIRequest(endpoint, strconv.Itoa(resp.StatusCode), time.Since(start))
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return statusError(endpoint, resp)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		monitoring.RecordAPIRequest(endpoint, "decode_error", time.Since(start))
		return apperrors.NewParseError(fmt.Sprintf("failed to decode %s response", endpoint), err)
	}
	monitoring.RecordAPIRequest(endpoint, "success", time.Since(start))

	if len(env.Data) == 0 || string(env.Data) == "null" {
		return apperrors.NewNotFoundError(fmt.Sprintf("%s response has no data", endpoint))
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return apperrors.NewParseError(fmt.Sprintf("failed to decode %s data", endpoint), err)
	}

	c.logger.Debug("API request completed",
		zap.String("endpoint", endpoint),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func statusError(endpoint string, resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.NewNotFoundError(fmt.Sprintf("%s not found", endpoint))
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return apperrors.NewRateLimitError(fmt.Sprintf("%s rate limited", endpoint), retryAfter)
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusGone:
		return apperrors.NewAccessError(fmt.Sprintf("%s is no longer accessible", endpoint))
	default:
		return apperrors.NewNetworkError(fmt.Sprintf("%s request failed with status: %d", endpoint, resp.StatusCode), nil)
	}
}
