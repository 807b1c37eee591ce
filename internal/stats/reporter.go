// Package stats aggregates queue health counters for operators.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/creatorlift/engagement-ingest/internal/ingest"
	"github.com/creatorlift/engagement-ingest/internal/metrics"
)

// Reporter reads aggregate counts from the queue store. It never mutates.
type Reporter struct {
	store    ingest.QueueStore
	cooldown time.Duration
}

// New constructs a Reporter.
func New(store ingest.QueueStore, cooldown time.Duration) *Reporter {
	metrics.Init()
	return &Reporter{
		store:    store,
		cooldown: cooldown,
	}
}

// Report returns counts per status and the drain estimate as of read time.
// The estimate is pending x cooldown: a linear projection for operator
// dashboards, not a guarantee.
func (r *Reporter) Report(ctx context.Context) (ingest.QueueStats, error) {
	counts, err := r.store.CountByStatus(ctx)
	if err != nil {
		return ingest.QueueStats{}, fmt.Errorf("count by status: %w", err)
	}
	stats := ingest.QueueStats{
		Pending:     counts[ingest.StatusPending],
		InProgress:  counts[ingest.StatusInProgress],
		Completed:   counts[ingest.StatusCompleted],
		Failed:      counts[ingest.StatusFailed],
		RateLimited: counts[ingest.StatusRateLimited],
	}
	stats.EstimatedDrainSeconds = stats.Pending * int64(r.cooldown.Seconds())

	metrics.SetQueueDepth(string(ingest.StatusPending), stats.Pending)
	metrics.SetQueueDepth(string(ingest.StatusInProgress), stats.InProgress)
	metrics.SetQueueDepth(string(ingest.StatusCompleted), stats.Completed)
	metrics.SetQueueDepth(string(ingest.StatusFailed), stats.Failed)
	metrics.SetQueueDepth(string(ingest.StatusRateLimited), stats.RateLimited)
	return stats, nil
}
