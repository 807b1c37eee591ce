// Package ingest defines core types shared across the ingestion subsystems.
package ingest

import (
	"errors"
	"time"
)

// Status represents the lifecycle state of a fetch request.
type Status string

// Status values persisted in the queue store.
const (
	StatusPending     Status = "pending"
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusRateLimited Status = "rate_limited"
)

// ErrRateLimited is the distinguished signal a fetch client returns when the
// provider refused the call because of its global rate limit. It is not a
// failure; the request stays eligible for a future run.
var ErrRateLimited = errors.New("provider rate limited")

// ErrRunActive is returned when a batch run is requested while another run
// holds the run lock.
var ErrRunActive = errors.New("a batch run is already active")

// ErrNotFound is returned by stores when a request id does not exist.
var ErrNotFound = errors.New("fetch request not found")

// ErrInvalidTransition is wrapped by stores when a status change violates
// the lifecycle. The message carries the offending edge.
var ErrInvalidTransition = errors.New("invalid transition")

// Valid reports whether s is one of the known status values.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusRateLimited:
		return true
	default:
		return false
	}
}

// Terminal reports whether s is an end state for this run. rate_limited is
// terminal for the current run only; a later run revisits it via requeue.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a request may move from s to next. completed
// never regresses, and every other edge mirrors the processor's lifecycle.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusInProgress
	case StatusInProgress:
		return next == StatusCompleted || next == StatusFailed || next == StatusRateLimited
	case StatusFailed, StatusRateLimited:
		return next == StatusPending
	case StatusCompleted:
		return false
	default:
		return false
	}
}

// Identity is the tuple that defines what data a request fetches and for
// which reporting period. Two requests with equal identities are duplicates.
type Identity struct {
	Handle         string `json:"handle"`
	CampaignID     int64  `json:"campaign_id"`
	SnapshotDate   string `json:"snapshot_date"`
	PlatformSource string `json:"platform_source"`
}

// FetchIntent is one admission record submitted by a caller.
type FetchIntent struct {
	Handle         string `json:"handle"`
	CampaignID     int64  `json:"campaign_id"`
	SnapshotID     int64  `json:"snapshot_id"`
	SnapshotDate   string `json:"snapshot_date"`
	PlatformSource string `json:"platform_source"`
	DisplayName    string `json:"display_name"`
}

// Identity returns the dedup key of the intent.
func (i FetchIntent) Identity() Identity {
	return Identity{
		Handle:         i.Handle,
		CampaignID:     i.CampaignID,
		SnapshotDate:   i.SnapshotDate,
		PlatformSource: i.PlatformSource,
	}
}

// EngagementData is the payload fetched from the provider for one handle.
type EngagementData struct {
	Followers int64     `json:"followers"`
	Posts     int64     `json:"posts"`
	Likes     int64     `json:"likes"`
	Comments  int64     `json:"comments"`
	Shares    int64     `json:"shares"`
	Views     int64     `json:"views"`
	FetchedAt time.Time `json:"fetched_at"`
}

// FetchRequest is the unit of work tracked by the queue store.
type FetchRequest struct {
	ID               string          `json:"id"`
	Handle           string          `json:"handle"`
	CampaignID       int64           `json:"campaign_id"`
	SnapshotID       int64           `json:"snapshot_id"`
	SnapshotDate     string          `json:"snapshot_date"`
	PlatformSource   string          `json:"platform_source"`
	DisplayName      string          `json:"display_name"`
	Status           Status          `json:"status"`
	IsDataDuplicated bool            `json:"is_data_duplicated"`
	SourceRecordID   string          `json:"source_duplicate_record_id,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	Payload          *EngagementData `json:"payload,omitempty"`
	PayloadBlobURI   string          `json:"payload_blob_uri,omitempty"`
	QueuedAt         time.Time       `json:"queued_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// Identity returns the dedup key of the request.
func (r FetchRequest) Identity() Identity {
	return Identity{
		Handle:         r.Handle,
		CampaignID:     r.CampaignID,
		SnapshotDate:   r.SnapshotDate,
		PlatformSource: r.PlatformSource,
	}
}

// RunReport aggregates the outcome of one batch run.
type RunReport struct {
	Processed   int           `json:"processed"`
	Skipped     int           `json:"skipped"`
	Failed      int           `json:"failed"`
	RateLimited int           `json:"rate_limited"`
	Total       int           `json:"total"`
	Elapsed     time.Duration `json:"-"`
}

// ElapsedSeconds reports the run duration for API responses.
func (r RunReport) ElapsedSeconds() float64 {
	return r.Elapsed.Seconds()
}

// QueueStats is a point-in-time aggregate over the queue store.
type QueueStats struct {
	Pending               int64 `json:"pending"`
	InProgress            int64 `json:"in_progress"`
	Completed             int64 `json:"completed"`
	Failed                int64 `json:"failed"`
	RateLimited           int64 `json:"rate_limited"`
	EstimatedDrainSeconds int64 `json:"estimated_drain_seconds"`
}

// CompletionEvent is published after a request reaches completed.
type CompletionEvent struct {
	RequestID      string    `json:"request_id"`
	Handle         string    `json:"handle"`
	CampaignID     int64     `json:"campaign_id"`
	SnapshotID     int64     `json:"snapshot_id"`
	SnapshotDate   string    `json:"snapshot_date"`
	PlatformSource string    `json:"platform_source"`
	Duplicated     bool      `json:"duplicated"`
	CompletedAt    time.Time `json:"completed_at"`
}
