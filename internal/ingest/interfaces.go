package ingest

import (
	"context"
	"io"
	"time"
)

// QueueStore is the durable record of fetch requests and their lifecycle.
// Writes to a single row are atomic; no cross-row transactions are needed
// because each request's lifecycle is independent.
type QueueStore interface {
	// EnqueueBatch persists the given requests. Callers are expected to have
	// populated IDs, statuses, and duplicate links before insertion.
	EnqueueBatch(ctx context.Context, reqs []FetchRequest) error

	// FindDuplicate returns the oldest request matching the identity tuple
	// whose status is completed, pending, or in_progress. Returns ErrNotFound
	// when no match exists.
	FindDuplicate(ctx context.Context, id Identity) (FetchRequest, error)

	// SelectPending returns up to limit pending requests, oldest first.
	SelectPending(ctx context.Context, limit int) ([]FetchRequest, error)

	// GetRequest fetches a request by ID.
	GetRequest(ctx context.Context, id string) (FetchRequest, error)

	// MarkInProgress transitions a request into in_progress and stamps
	// started_at.
	MarkInProgress(ctx context.Context, id string, at time.Time) error

	// Complete transitions a request into completed with its payload and the
	// archive URI, stamping completed_at.
	Complete(ctx context.Context, id string, payload EngagementData, blobURI string, at time.Time) error

	// Fail transitions a request into failed with the error detail.
	Fail(ctx context.Context, id string, message string, at time.Time) error

	// MarkRateLimited transitions a request into rate_limited.
	MarkRateLimited(ctx context.Context, id string) error

	// Requeue moves a failed or rate_limited request back to pending. Any
	// other current status is an invalid transition error.
	Requeue(ctx context.Context, id string) error

	// CountByStatus returns row counts keyed by status.
	CountByStatus(ctx context.Context) (map[Status]int64, error)

	// DeleteOlderThan removes rows queued before the cutoff regardless of
	// status and returns the number removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// TryRunLock attempts to take the system-wide run lease. It returns false
	// without blocking when another run holds it.
	TryRunLock(ctx context.Context) (bool, error)

	// ReleaseRunLock releases the run lease taken by TryRunLock.
	ReleaseRunLock(ctx context.Context) error
}

// FetchClient retrieves engagement data for one handle. Implementations must
// return ErrRateLimited (possibly wrapped) for the provider's rate-limit
// signal; any other error is treated as a hard failure.
type FetchClient interface {
	Fetch(ctx context.Context, handle, displayName string) (EngagementData, error)
}

// Publisher emits completion events for downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, event CompletionEvent) error
}

// BlobStore archives raw provider payloads.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Clock abstracts wall time and cooldown waits so tests can fake both.
type Clock interface {
	Now() time.Time
	// Wait blocks for d or until the context ends, returning ctx.Err() in the
	// latter case.
	Wait(ctx context.Context, d time.Duration) error
}

// IDGenerator mints identifiers for new fetch requests.
type IDGenerator interface {
	NewID() (string, error)
}
