// Package scheduler drives periodic batch runs and queue cleanup.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/creatorlift/engagement-ingest/internal/ingest"
)

// BatchRunner executes one bounded batch run.
type BatchRunner interface {
	Run(ctx context.Context, batchSize int, maxProcessingTime time.Duration) (ingest.RunReport, error)
}

// Cleaner removes aged queue rows.
type Cleaner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config controls scheduling cadence and per-run parameters.
type Config struct {
	// Interval between periodic runs. Sized to the provider rate limit: one
	// processing opportunity per cooldown window, batched for efficiency.
	Interval time.Duration
	// CleanupInterval between retention sweeps.
	CleanupInterval time.Duration
	// Retention is how long queue rows are kept regardless of status.
	Retention time.Duration
	// BatchSize and MaxProcessingTime are passed to every scheduled run.
	BatchSize         int
	MaxProcessingTime time.Duration
}

// Status is the operator-facing view of scheduler health.
type Status struct {
	Running            bool              `json:"running"`
	IntervalSeconds    int64             `json:"interval_seconds"`
	LastRunStartedAt   *time.Time        `json:"last_run_started_at,omitempty"`
	LastRunFinishedAt  *time.Time        `json:"last_run_finished_at,omitempty"`
	LastRunError       string            `json:"last_run_error,omitempty"`
	LastReport         *ingest.RunReport `json:"last_report,omitempty"`
	NextScheduledRunAt *time.Time        `json:"next_scheduled_run_at,omitempty"`
}

// Scheduler triggers batch runs on a cadence and serves manual triggers.
// The running flag guarantees at most one in-process run; the store run
// lease inside the processor extends that guarantee across instances.
type Scheduler struct {
	runner  BatchRunner
	cleaner Cleaner
	clock   ingest.Clock
	cfg     Config
	logger  *zap.Logger

	running atomic.Bool

	mu           sync.RWMutex
	lastStarted  *time.Time
	lastFinished *time.Time
	lastErr      string
	lastReport   *ingest.RunReport
	nextRun      *time.Time
}

// New constructs a Scheduler.
func New(runner BatchRunner, cleaner Cleaner, clock ingest.Clock, cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxProcessingTime <= 0 {
		cfg.MaxProcessingTime = 30 * time.Minute
	}
	return &Scheduler{
		runner:  runner,
		cleaner: cleaner,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

// Start blocks, triggering runs until the context finishes. A run fires
// immediately on start to begin draining any backlog.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("batch_size", s.cfg.BatchSize),
	)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	var cleanupC <-chan time.Time
	if s.cleaner != nil && s.cfg.CleanupInterval > 0 {
		cleanupTicker := time.NewTicker(s.cfg.CleanupInterval)
		defer cleanupTicker.Stop()
		cleanupC = cleanupTicker.C
	}

	s.setNextRun(s.clock.Now().Add(s.cfg.Interval))
	s.runScheduled(ctx)

	for {
		select {
		case <-ticker.C:
			s.setNextRun(s.clock.Now().Add(s.cfg.Interval))
			s.runScheduled(ctx)
		case <-cleanupC:
			s.runCleanup(ctx)
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		}
	}
}

// TriggerManual fires a run out of band for operator-initiated draining.
// It returns ingest.ErrRunActive without side effects when a run is already
// in flight; the accepted run itself executes in the background.
func (s *Scheduler) TriggerManual(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ingest.ErrRunActive
	}
	go s.execute(context.WithoutCancel(ctx), "manual")
	return nil
}

// Status reports whether a run is active and the surrounding timestamps.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		Running:            s.running.Load(),
		IntervalSeconds:    int64(s.cfg.Interval.Seconds()),
		LastRunStartedAt:   s.lastStarted,
		LastRunFinishedAt:  s.lastFinished,
		LastRunError:       s.lastErr,
		LastReport:         s.lastReport,
		NextScheduledRunAt: s.nextRun,
	}
}

func (s *Scheduler) runScheduled(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("previous run still active, skipping scheduled run")
		return
	}
	s.execute(ctx, "scheduled")
}

// execute assumes the caller won the running flag and releases it when done.
func (s *Scheduler) execute(ctx context.Context, kind string) {
	defer s.running.Store(false)

	started := s.clock.Now()
	s.mu.Lock()
	s.lastStarted = &started
	s.mu.Unlock()

	report, err := s.runner.Run(ctx, s.cfg.BatchSize, s.cfg.MaxProcessingTime)

	finished := s.clock.Now()
	s.mu.Lock()
	s.lastFinished = &finished
	if err != nil {
		s.lastErr = err.Error()
		s.lastReport = nil
	} else {
		s.lastErr = ""
		s.lastReport = &report
	}
	s.mu.Unlock()

	switch {
	case errors.Is(err, ingest.ErrRunActive):
		s.logger.Warn("run lease held elsewhere, skipping", zap.String("kind", kind))
	case err != nil:
		s.logger.Error("batch run failed", zap.String("kind", kind), zap.Error(err))
	default:
		s.logger.Info("batch run completed",
			zap.String("kind", kind),
			zap.Int("processed", report.Processed),
			zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.Failed),
			zap.Int("rate_limited", report.RateLimited),
		)
	}
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	cutoff := s.clock.Now().Add(-s.cfg.Retention)
	removed, err := s.cleaner.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("queue cleanup failed", zap.Error(err))
		return
	}
	s.logger.Info("queue cleanup completed",
		zap.Int64("removed", removed),
		zap.Time("cutoff", cutoff),
	)
}

func (s *Scheduler) setNextRun(at time.Time) {
	s.mu.Lock()
	s.nextRun = &at
	s.mu.Unlock()
}
