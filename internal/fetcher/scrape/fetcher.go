// Package scrape implements ingest.FetchClient by scraping public profile
// pages, for platforms that expose no API.
package scrape

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/creatorlift/engagement-ingest/internal/ingest"
)

// Config controls collector behavior.
type Config struct {
	// BaseURL of the platform, e.g. https://platform.example. Profile pages
	// are expected at BaseURL/<handle>.
	BaseURL string
	// UserAgent for outgoing requests.
	UserAgent string
	// Timeout bounds a single page fetch. Defaults to 15s.
	Timeout time.Duration
}

// Fetcher scrapes engagement counters off public profile markup. Counters
// are read from elements carrying a data-stat attribute, which is how the
// supported platforms render their public counts.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch loads the handle's profile page and extracts its counters. A 429
// from the platform maps to ingest.ErrRateLimited.
func (f *Fetcher) Fetch(ctx context.Context, handle, _ string) (ingest.EngagementData, error) {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	var (
		data     ingest.EngagementData
		found    bool
		fetchErr error
	)
	collector.OnHTML("[data-stat]", func(e *colly.HTMLElement) {
		value, err := parseCount(e)
		if err != nil {
			return
		}
		found = true
		switch e.Attr("data-stat") {
		case "followers":
			data.Followers = value
		case "posts":
			data.Posts = value
		case "likes":
			data.Likes = value
		case "comments":
			data.Comments = value
		case "shares":
			data.Shares = value
		case "views":
			data.Views = value
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode == http.StatusTooManyRequests {
			fetchErr = fmt.Errorf("platform throttled %q: %w", handle, ingest.ErrRateLimited)
			return
		}
		fetchErr = err
	})

	profileURL := fmt.Sprintf("%s/%s", strings.TrimRight(f.cfg.BaseURL, "/"), url.PathEscape(handle))
	err := f.visit(ctx, collector, profileURL)
	// OnError carries the mapped rate-limit sentinel; prefer it over the
	// generic visit error for the same response.
	if fetchErr != nil {
		return ingest.EngagementData{}, fetchErr
	}
	if err != nil {
		return ingest.EngagementData{}, err
	}
	if !found {
		return ingest.EngagementData{}, fmt.Errorf("no engagement counters on profile page for %q", handle)
	}
	data.FetchedAt = time.Now().UTC()
	return data, nil
}

// visit runs the collector in a goroutine so a canceled context can stop
// the wait even when the transport is still blocked.
func (f *Fetcher) visit(ctx context.Context, collector *colly.Collector, pageURL string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(pageURL)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("scrape canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("visit %s: %w", pageURL, err)
		}
		return nil
	}
}

// parseCount prefers the machine-readable data-value attribute and falls
// back to the visible text with separators stripped.
func parseCount(e *colly.HTMLElement) (int64, error) {
	raw := e.Attr("data-value")
	if raw == "" {
		raw = strings.TrimSpace(e.Text)
		raw = strings.ReplaceAll(raw, ",", "")
	}
	return strconv.ParseInt(raw, 10, 64)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
