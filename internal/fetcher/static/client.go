// Package static provides a canned ingest.FetchClient for local
// development and demos.
package static

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/creatorlift/engagement-ingest/internal/ingest"
)

// Client returns deterministic engagement numbers derived from the handle,
// so repeated runs against the same queue produce stable payloads.
type Client struct {
	// Latency is added per call to mimic a slow provider.
	Latency time.Duration
}

// New builds a Client.
func New(latency time.Duration) *Client {
	return &Client{Latency: latency}
}

// Fetch never fails and never rate limits.
func (c *Client) Fetch(ctx context.Context, handle, _ string) (ingest.EngagementData, error) {
	if c.Latency > 0 {
		timer := time.NewTimer(c.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ingest.EngagementData{}, ctx.Err()
		case <-timer.C:
		}
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(handle))
	seed := int64(h.Sum32())
	return ingest.EngagementData{
		Followers: seed % 100_000,
		Posts:     seed % 500,
		Likes:     seed % 50_000,
		Comments:  seed % 5_000,
		Shares:    seed % 2_000,
		Views:     seed % 1_000_000,
		FetchedAt: time.Now().UTC(),
	}, nil
}
