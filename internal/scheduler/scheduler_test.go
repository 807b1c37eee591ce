package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	clockSystem "github.com/creatorlift/engagement-ingest/internal/clock/system"
	"github.com/creatorlift/engagement-ingest/internal/ingest"
)

// blockingRunner parks inside Run until released, so tests can hold a run
// open while poking at the scheduler.
type blockingRunner struct {
	started chan struct{}
	release chan struct{}

	mu   sync.Mutex
	runs int
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (r *blockingRunner) Run(_ context.Context, _ int, _ time.Duration) (ingest.RunReport, error) {
	r.mu.Lock()
	r.runs++
	r.mu.Unlock()
	r.started <- struct{}{}
	<-r.release
	return ingest.RunReport{Processed: 1, Total: 1}, nil
}

func (r *blockingRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

func TestTriggerManualRejectsOverlap(t *testing.T) {
	t.Parallel()

	runner := newBlockingRunner()
	sched := New(runner, nil, clockSystem.New(), Config{Interval: time.Hour}, nil)

	require.NoError(t, sched.TriggerManual(context.Background()))
	<-runner.started

	require.ErrorIs(t, sched.TriggerManual(context.Background()), ingest.ErrRunActive)
	require.True(t, sched.Status().Running)

	close(runner.release)
	require.Eventually(t, func() bool {
		return !sched.Status().Running
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, 1, runner.runCount())
	status := sched.Status()
	require.NotNil(t, status.LastReport)
	require.Equal(t, 1, status.LastReport.Processed)
	require.Empty(t, status.LastRunError)
}

func TestStartRunsImmediatelyAndOnTicks(t *testing.T) {
	t.Parallel()

	runner := newBlockingRunner()
	close(runner.release) // runs finish instantly
	sched := New(runner, nil, clockSystem.New(), Config{Interval: 20 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return runner.runCount() >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	status := sched.Status()
	require.NotNil(t, status.LastRunStartedAt)
	require.NotNil(t, status.NextScheduledRunAt)
}

type fakeCleaner struct {
	mu      sync.Mutex
	cutoffs []time.Time
}

func (c *fakeCleaner) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cutoffs = append(c.cutoffs, cutoff)
	return 2, nil
}

func (c *fakeCleaner) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cutoffs)
}

func TestCleanupTickUsesRetentionCutoff(t *testing.T) {
	t.Parallel()

	runner := newBlockingRunner()
	close(runner.release)
	cleaner := &fakeCleaner{}
	sched := New(runner, cleaner, clockSystem.New(), Config{
		Interval:        time.Hour,
		CleanupInterval: 20 * time.Millisecond,
		Retention:       24 * time.Hour,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return cleaner.count() >= 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	cleaner.mu.Lock()
	defer cleaner.mu.Unlock()
	require.WithinDuration(t, time.Now().UTC().Add(-24*time.Hour), cleaner.cutoffs[0], time.Minute)
}
