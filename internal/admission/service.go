// Package admission accepts batches of fetch intents and links duplicates.
package admission

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/creatorlift/engagement-ingest/internal/ingest"
)

// ErrInvalidIntent marks whole-batch validation failures. The wrapped message
// names the first offending record and field so callers can correct and
// resubmit; nothing is persisted.
var ErrInvalidIntent = errors.New("invalid fetch intent")

// Service validates, deduplicates, and persists fetch intents.
type Service struct {
	store  ingest.QueueStore
	idGen  ingest.IDGenerator
	clock  ingest.Clock
	logger *zap.Logger
}

// New constructs a Service.
func New(store ingest.QueueStore, idGen ingest.IDGenerator, clock ingest.Clock, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		idGen:  idGen,
		clock:  clock,
		logger: logger,
	}
}

// Queue admits a batch of fetch intents. The whole batch is rejected when any
// record is missing a required field. Records whose identity tuple matches an
// already completed or queued request are inserted as duplicate links instead
// of fresh work, so the provider is never asked twice for the same snapshot.
// Returns the number of rows queued; duplicates count since they still need a
// processing pass.
func (s *Service) Queue(ctx context.Context, intents []ingest.FetchIntent) (int, error) {
	for i, intent := range intents {
		if field := missingField(intent); field != "" {
			return 0, fmt.Errorf("%w: record %d is missing %s", ErrInvalidIntent, i, field)
		}
	}

	now := s.clock.Now()
	reqs := make([]ingest.FetchRequest, 0, len(intents))
	for _, intent := range intents {
		id, err := s.idGen.NewID()
		if err != nil {
			return 0, fmt.Errorf("generate request id: %w", err)
		}
		req := ingest.FetchRequest{
			ID:             id,
			Handle:         intent.Handle,
			CampaignID:     intent.CampaignID,
			SnapshotID:     intent.SnapshotID,
			SnapshotDate:   intent.SnapshotDate,
			PlatformSource: intent.PlatformSource,
			DisplayName:    intent.DisplayName,
			Status:         ingest.StatusPending,
			QueuedAt:       now,
		}

		match, err := s.findSource(ctx, intent.Identity(), reqs)
		if err != nil {
			return 0, err
		}
		if match != "" {
			req.IsDataDuplicated = true
			req.SourceRecordID = match
			s.logger.Debug("linked duplicate fetch request",
				zap.String("request_id", id),
				zap.String("source_id", match),
				zap.String("handle", intent.Handle),
			)
		}
		reqs = append(reqs, req)
	}

	if err := s.store.EnqueueBatch(ctx, reqs); err != nil {
		return 0, fmt.Errorf("enqueue batch: %w", err)
	}
	return len(reqs), nil
}

// findSource checks the store and then the earlier records of the same batch,
// so two identical intents in one submission link to each other rather than
// both fetching live.
func (s *Service) findSource(ctx context.Context, id ingest.Identity, pending []ingest.FetchRequest) (string, error) {
	match, err := s.store.FindDuplicate(ctx, id)
	if err == nil {
		return match.ID, nil
	}
	if !errors.Is(err, ingest.ErrNotFound) {
		return "", fmt.Errorf("find duplicate: %w", err)
	}
	for _, req := range pending {
		if req.Identity() == id && !req.IsDataDuplicated {
			return req.ID, nil
		}
	}
	return "", nil
}

func missingField(intent ingest.FetchIntent) string {
	switch {
	case intent.Handle == "":
		return "handle"
	case intent.CampaignID == 0:
		return "campaign_id"
	case intent.SnapshotID == 0:
		return "snapshot_id"
	case intent.SnapshotDate == "":
		return "snapshot_date"
	case intent.PlatformSource == "":
		return "platform_source"
	default:
		return ""
	}
}
