// Package httpapi implements ingest.FetchClient against the provider's
// REST API.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/creatorlift/engagement-ingest/internal/ingest"
)

// Config controls the provider client.
type Config struct {
	// BaseURL of the provider API, e.g. https://api.provider.example.
	BaseURL string
	// APIKey is sent as a bearer token when set.
	APIKey string
	// UserAgent overrides the default request user agent.
	UserAgent string
	// Timeout bounds a single fetch. Defaults to 15s.
	Timeout time.Duration
}

// Client calls the provider's engagement endpoint for one handle at a time.
// Sequential use is assumed; the processor owns pacing between calls.
type Client struct {
	cfg    Config
	client *http.Client
}

// New builds a Client. The transport pools connections since every run
// issues many sequential requests against the same host.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 15 * time.Second,
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// NewWithHTTPClient builds a Client around an existing http.Client, for
// tests and callers with custom transports.
func NewWithHTTPClient(cfg Config, hc *http.Client) *Client {
	return &Client{cfg: cfg, client: hc}
}

// engagementResponse is the provider's wire format.
type engagementResponse struct {
	Handle    string `json:"handle"`
	Followers int64  `json:"followers"`
	Posts     int64  `json:"posts"`
	Likes     int64  `json:"likes"`
	Comments  int64  `json:"comments"`
	Shares    int64  `json:"shares"`
	Views     int64  `json:"views"`
}

// Fetch retrieves engagement numbers for handle. HTTP 429 maps to
// ingest.ErrRateLimited so the processor can park the request instead of
// failing it.
func (c *Client) Fetch(ctx context.Context, handle, displayName string) (ingest.EngagementData, error) {
	endpoint := fmt.Sprintf("%s/v1/profiles/%s/engagement", c.cfg.BaseURL, url.PathEscape(handle))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ingest.EngagementData{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if displayName != "" {
		q := req.URL.Query()
		q.Set("display_name", displayName)
		req.URL.RawQuery = q.Encode()
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return ingest.EngagementData{}, fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ingest.EngagementData{}, fmt.Errorf("provider throttled %q: %w", handle, ingest.ErrRateLimited)
	case resp.StatusCode == http.StatusNotFound:
		return ingest.EngagementData{}, fmt.Errorf("handle %q not found", handle)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return ingest.EngagementData{}, fmt.Errorf("provider status %d: %s", resp.StatusCode, body)
	}

	var payload engagementResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return ingest.EngagementData{}, fmt.Errorf("decode response: %w", err)
	}
	return ingest.EngagementData{
		Followers: payload.Followers,
		Posts:     payload.Posts,
		Likes:     payload.Likes,
		Comments:  payload.Comments,
		Shares:    payload.Shares,
		Views:     payload.Views,
		FetchedAt: time.Now().UTC(),
	}, nil
}
