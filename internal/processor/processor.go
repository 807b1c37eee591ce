// Package processor drains pending fetch requests against the rate-limited
// provider, one item at a time.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/creatorlift/engagement-ingest/internal/ingest"
	"github.com/creatorlift/engagement-ingest/internal/metrics"
)

// Config controls Processor behavior.
type Config struct {
	// Cooldown is the provider's minimum spacing between live calls.
	Cooldown time.Duration
	// ArchivePrefix prefixes blob paths for archived raw payloads.
	ArchivePrefix string
	// ArchiveContentType is set on archived payload objects.
	ArchiveContentType string
}

// Hasher digests archived payload bytes for blob naming.
type Hasher interface {
	Sum(data []byte) string
}

// Processor executes bounded batch runs over the queue store.
type Processor struct {
	store     ingest.QueueStore
	client    ingest.FetchClient
	archive   ingest.BlobStore
	publisher ingest.Publisher
	hasher    Hasher
	clock     ingest.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Processor. archive and publisher may be nil; the
// corresponding steps are skipped.
func New(
	store ingest.QueueStore,
	client ingest.FetchClient,
	archive ingest.BlobStore,
	publisher ingest.Publisher,
	hasher Hasher,
	clock ingest.Clock,
	cfg Config,
	logger *zap.Logger,
) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	if cfg.ArchiveContentType == "" {
		cfg.ArchiveContentType = "application/json"
	}
	metrics.Init()
	return &Processor{
		store:     store,
		client:    client,
		archive:   archive,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run drains up to batchSize pending requests within maxProcessingTime.
// Items are processed strictly sequentially because the provider enforces one
// call per cooldown interval across the whole system, not per item. The run
// lock guarantees at most one active run; a second invocation gets
// ingest.ErrRunActive. Item-level errors are converted into failed
// transitions and never abort the rest of the batch.
func (p *Processor) Run(ctx context.Context, batchSize int, maxProcessingTime time.Duration) (ingest.RunReport, error) {
	locked, err := p.store.TryRunLock(ctx)
	if err != nil {
		metrics.ObserveRun("error", 0)
		return ingest.RunReport{}, fmt.Errorf("acquire run lock: %w", err)
	}
	if !locked {
		metrics.ObserveRun("locked", 0)
		return ingest.RunReport{}, ingest.ErrRunActive
	}
	defer func() {
		if err := p.store.ReleaseRunLock(context.WithoutCancel(ctx)); err != nil {
			p.logger.Error("release run lock failed", zap.Error(err))
		}
	}()

	start := p.clock.Now()
	items, err := p.store.SelectPending(ctx, batchSize)
	if err != nil {
		metrics.ObserveRun("error", 0)
		return ingest.RunReport{}, fmt.Errorf("select pending: %w", err)
	}
	if len(items) == 0 {
		return ingest.RunReport{}, nil
	}

	report := ingest.RunReport{}
	for i, item := range items {
		elapsed := p.clock.Now().Sub(start)
		if elapsed >= maxProcessingTime {
			p.logger.Info("time budget exhausted, stopping run early",
				zap.Duration("elapsed", elapsed),
				zap.Int("remaining", len(items)-i),
			)
			break
		}

		report.Total++
		live := p.processItem(ctx, item, &report)

		// The cooldown only follows live provider calls; duplicate
		// resolution makes none.
		if live && i < len(items)-1 && p.clock.Now().Sub(start) < maxProcessingTime {
			metrics.ObserveCooldownWait(p.cfg.Cooldown)
			if err := p.clock.Wait(ctx, p.cfg.Cooldown); err != nil {
				p.logger.Warn("cooldown wait interrupted", zap.Error(err))
				break
			}
		}
	}

	report.Elapsed = p.clock.Now().Sub(start)
	metrics.ObserveRun("ok", report.Elapsed)
	p.logger.Info("batch run finished",
		zap.Int("processed", report.Processed),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Int("rate_limited", report.RateLimited),
		zap.Int("total", report.Total),
		zap.Duration("elapsed", report.Elapsed),
	)
	return report, nil
}

// processItem handles one request and reports whether a live provider call
// was made.
func (p *Processor) processItem(ctx context.Context, item ingest.FetchRequest, report *ingest.RunReport) (live bool) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("panic while processing request",
				zap.String("request_id", item.ID),
				zap.Any("panic", rec),
			)
			p.failItem(ctx, item.ID, fmt.Sprintf("panic: %v", rec))
			report.Failed++
		}
	}()

	if err := p.store.MarkInProgress(ctx, item.ID, p.clock.Now()); err != nil {
		p.logger.Error("mark in_progress failed", zap.String("request_id", item.ID), zap.Error(err))
		report.Failed++
		return false
	}

	if item.IsDataDuplicated {
		resolved, err := p.resolveDuplicate(ctx, item)
		if err != nil {
			p.failItem(ctx, item.ID, err.Error())
			report.Failed++
			return false
		}
		if resolved {
			metrics.ObserveFetch(item.PlatformSource, "duplicate")
			report.Skipped++
			return false
		}
		// Source has no payload yet; fall back to a live fetch.
	}

	payload, err := p.client.Fetch(ctx, item.Handle, item.DisplayName)
	switch {
	case errors.Is(err, ingest.ErrRateLimited):
		metrics.ObserveFetch(item.PlatformSource, "rate_limited")
		if markErr := p.store.MarkRateLimited(ctx, item.ID); markErr != nil {
			p.logger.Error("mark rate_limited failed", zap.String("request_id", item.ID), zap.Error(markErr))
		}
		report.RateLimited++
		return true
	case err != nil:
		metrics.ObserveFetch(item.PlatformSource, "failed")
		p.failItem(ctx, item.ID, err.Error())
		report.Failed++
		return true
	}

	blobURI, err := p.archivePayload(ctx, item, payload)
	if err != nil {
		p.failItem(ctx, item.ID, fmt.Sprintf("archive payload: %v", err))
		report.Failed++
		return true
	}

	now := p.clock.Now()
	if err := p.store.Complete(ctx, item.ID, payload, blobURI, now); err != nil {
		p.logger.Error("mark completed failed", zap.String("request_id", item.ID), zap.Error(err))
		report.Failed++
		return true
	}
	metrics.ObserveFetch(item.PlatformSource, "completed")
	p.publishCompletion(ctx, item, false, now)
	report.Processed++
	return true
}

// resolveDuplicate copies the source request's payload instead of calling
// the provider. Returns false when the source has no payload yet, in which
// case the caller fetches live.
func (p *Processor) resolveDuplicate(ctx context.Context, item ingest.FetchRequest) (bool, error) {
	if item.SourceRecordID == "" {
		return false, errors.New("duplicate request has no source record id")
	}
	source, err := p.store.GetRequest(ctx, item.SourceRecordID)
	if err != nil {
		return false, fmt.Errorf("load duplicate source %s: %w", item.SourceRecordID, err)
	}
	if source.Payload == nil {
		p.logger.Debug("duplicate source has no payload yet, fetching live",
			zap.String("request_id", item.ID),
			zap.String("source_id", source.ID),
		)
		return false, nil
	}
	now := p.clock.Now()
	if err := p.store.Complete(ctx, item.ID, *source.Payload, source.PayloadBlobURI, now); err != nil {
		return false, fmt.Errorf("complete duplicate: %w", err)
	}
	p.publishCompletion(ctx, item, true, now)
	return true, nil
}

func (p *Processor) archivePayload(ctx context.Context, item ingest.FetchRequest, payload ingest.EngagementData) (string, error) {
	if p.archive == nil {
		return "", nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	path := fmt.Sprintf("%s/%s.json", item.ID, p.hashOf(data))
	if prefix := p.cfg.ArchivePrefix; prefix != "" {
		path = fmt.Sprintf("%s/%s", prefix, path)
	}
	uri, err := p.archive.PutObject(ctx, path, p.cfg.ArchiveContentType, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	return uri, nil
}

func (p *Processor) hashOf(data []byte) string {
	if p.hasher == nil {
		return "payload"
	}
	return p.hasher.Sum(data)
}

func (p *Processor) failItem(ctx context.Context, id, message string) {
	if err := p.store.Fail(ctx, id, message, p.clock.Now()); err != nil {
		p.logger.Error("mark failed failed", zap.String("request_id", id), zap.Error(err))
	}
}

// publishCompletion emits a completion event. Publish failures are logged and
// never fail the item; downstream consumers reconcile from the store.
func (p *Processor) publishCompletion(ctx context.Context, item ingest.FetchRequest, duplicated bool, at time.Time) {
	if p.publisher == nil {
		return
	}
	event := ingest.CompletionEvent{
		RequestID:      item.ID,
		Handle:         item.Handle,
		CampaignID:     item.CampaignID,
		SnapshotID:     item.SnapshotID,
		SnapshotDate:   item.SnapshotDate,
		PlatformSource: item.PlatformSource,
		Duplicated:     duplicated,
		CompletedAt:    at,
	}
	if err := p.publisher.Publish(ctx, event); err != nil {
		p.logger.Warn("publish completion event failed",
			zap.String("request_id", item.ID),
			zap.Error(err),
		)
	}
}
