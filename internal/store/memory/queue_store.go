// Package memory provides an in-memory queue store for development/testing.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/creatorlift/engagement-ingest/internal/ingest"
)

// QueueStore implements ingest.QueueStore with mutex-guarded maps.
type QueueStore struct {
	mu       sync.RWMutex
	requests map[string]ingest.FetchRequest
	runLock  bool
}

// NewQueueStore constructs a QueueStore.
func NewQueueStore() *QueueStore {
	return &QueueStore{
		requests: make(map[string]ingest.FetchRequest),
	}
}

// EnqueueBatch stores the given requests.
func (s *QueueStore) EnqueueBatch(_ context.Context, reqs []ingest.FetchRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, req := range reqs {
		if _, exists := s.requests[req.ID]; exists {
			return fmt.Errorf("request %s already exists", req.ID)
		}
	}
	for _, req := range reqs {
		s.requests[req.ID] = req
	}
	return nil
}

// FindDuplicate returns the oldest request matching the identity tuple in a
// completed or queued state.
func (s *QueueStore) FindDuplicate(_ context.Context, id ingest.Identity) (ingest.FetchRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  ingest.FetchRequest
		found bool
	)
	for _, req := range s.requests {
		if req.Identity() != id {
			continue
		}
		switch req.Status {
		case ingest.StatusCompleted, ingest.StatusPending, ingest.StatusInProgress:
		default:
			continue
		}
		if !found || req.QueuedAt.Before(best.QueuedAt) {
			best = req
			found = true
		}
	}
	if !found {
		return ingest.FetchRequest{}, ingest.ErrNotFound
	}
	return best, nil
}

// SelectPending returns up to limit pending requests, oldest first.
func (s *QueueStore) SelectPending(_ context.Context, limit int) ([]ingest.FetchRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var pending []ingest.FetchRequest
	for _, req := range s.requests {
		if req.Status == ingest.StatusPending {
			pending = append(pending, req)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].QueuedAt.Equal(pending[j].QueuedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].QueuedAt.Before(pending[j].QueuedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// GetRequest fetches a request by ID.
func (s *QueueStore) GetRequest(_ context.Context, id string) (ingest.FetchRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return ingest.FetchRequest{}, ingest.ErrNotFound
	}
	return req, nil
}

func (s *QueueStore) transition(id string, next ingest.Status, mutate func(*ingest.FetchRequest)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return ingest.ErrNotFound
	}
	if !req.Status.CanTransition(next) {
		return fmt.Errorf("%w %s -> %s for request %s", ingest.ErrInvalidTransition, req.Status, next, id)
	}
	req.Status = next
	if mutate != nil {
		mutate(&req)
	}
	s.requests[id] = req
	return nil
}

// MarkInProgress transitions a request into in_progress.
func (s *QueueStore) MarkInProgress(_ context.Context, id string, at time.Time) error {
	return s.transition(id, ingest.StatusInProgress, func(req *ingest.FetchRequest) {
		started := at
		req.StartedAt = &started
	})
}

// Complete transitions a request into completed with its payload.
func (s *QueueStore) Complete(_ context.Context, id string, payload ingest.EngagementData, blobURI string, at time.Time) error {
	return s.transition(id, ingest.StatusCompleted, func(req *ingest.FetchRequest) {
		p := payload
		req.Payload = &p
		req.PayloadBlobURI = blobURI
		req.ErrorMessage = ""
		done := at
		req.CompletedAt = &done
	})
}

// Fail transitions a request into failed with the error detail.
func (s *QueueStore) Fail(_ context.Context, id string, message string, at time.Time) error {
	return s.transition(id, ingest.StatusFailed, func(req *ingest.FetchRequest) {
		req.ErrorMessage = message
		done := at
		req.CompletedAt = &done
	})
}

// MarkRateLimited transitions a request into rate_limited.
func (s *QueueStore) MarkRateLimited(_ context.Context, id string) error {
	return s.transition(id, ingest.StatusRateLimited, nil)
}

// Requeue moves a failed or rate_limited request back to pending.
func (s *QueueStore) Requeue(_ context.Context, id string) error {
	return s.transition(id, ingest.StatusPending, func(req *ingest.FetchRequest) {
		req.ErrorMessage = ""
		req.StartedAt = nil
		req.CompletedAt = nil
	})
}

// CountByStatus returns row counts keyed by status.
func (s *QueueStore) CountByStatus(_ context.Context) (map[ingest.Status]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[ingest.Status]int64)
	for _, req := range s.requests {
		counts[req.Status]++
	}
	return counts, nil
}

// DeleteOlderThan removes rows queued before the cutoff.
func (s *QueueStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, req := range s.requests {
		if req.QueuedAt.Before(cutoff) {
			delete(s.requests, id)
			removed++
		}
	}
	return removed, nil
}

// TryRunLock attempts to take the run lease without blocking.
func (s *QueueStore) TryRunLock(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runLock {
		return false, nil
	}
	s.runLock = true
	return true, nil
}

// ReleaseRunLock releases the run lease.
func (s *QueueStore) ReleaseRunLock(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.runLock {
		return errors.New("run lock is not held")
	}
	s.runLock = false
	return nil
}
