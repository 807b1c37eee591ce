package admission

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/creatorlift/engagement-ingest/internal/ingest"
	storeMemory "github.com/creatorlift/engagement-ingest/internal/store/memory"
)

type fakeIDGen struct {
	next int
}

func (g *fakeIDGen) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("req-%d", g.next), nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Wait(_ context.Context, d time.Duration) error {
	c.now = c.now.Add(d)
	return nil
}

func validIntent() ingest.FetchIntent {
	return ingest.FetchIntent{
		Handle:         "alice",
		CampaignID:     7,
		SnapshotID:     3,
		SnapshotDate:   "2024-01-01",
		PlatformSource: "X",
		DisplayName:    "Alice",
	}
}

func newService() (*Service, *storeMemory.QueueStore) {
	store := storeMemory.NewQueueStore()
	svc := New(store, &fakeIDGen{}, &fakeClock{now: time.Unix(1000, 0).UTC()}, nil)
	return svc, store
}

func TestQueueRejectsBatchOnMissingField(t *testing.T) {
	t.Parallel()

	fields := []struct {
		name   string
		mutate func(*ingest.FetchIntent)
	}{
		{"handle", func(i *ingest.FetchIntent) { i.Handle = "" }},
		{"campaign_id", func(i *ingest.FetchIntent) { i.CampaignID = 0 }},
		{"snapshot_id", func(i *ingest.FetchIntent) { i.SnapshotID = 0 }},
		{"snapshot_date", func(i *ingest.FetchIntent) { i.SnapshotDate = "" }},
		{"platform_source", func(i *ingest.FetchIntent) { i.PlatformSource = "" }},
	}

	for _, tc := range fields {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			svc, store := newService()
			bad := validIntent()
			tc.mutate(&bad)

			queued, err := svc.Queue(context.Background(), []ingest.FetchIntent{validIntent(), bad})
			require.ErrorIs(t, err, ErrInvalidIntent)
			require.ErrorContains(t, err, tc.name)
			require.Zero(t, queued)

			counts, err := store.CountByStatus(context.Background())
			require.NoError(t, err)
			require.Empty(t, counts, "nothing may be persisted on rejection")
		})
	}
}

func TestQueueInsertsFreshPendingRequest(t *testing.T) {
	t.Parallel()

	svc, store := newService()
	queued, err := svc.Queue(context.Background(), []ingest.FetchIntent{validIntent()})
	require.NoError(t, err)
	require.Equal(t, 1, queued)

	req, err := store.GetRequest(context.Background(), "req-1")
	require.NoError(t, err)
	require.Equal(t, ingest.StatusPending, req.Status)
	require.False(t, req.IsDataDuplicated)
	require.Empty(t, req.SourceRecordID)
}

func TestQueueLinksDuplicateToExistingRequest(t *testing.T) {
	t.Parallel()

	svc, store := newService()
	_, err := svc.Queue(context.Background(), []ingest.FetchIntent{validIntent()})
	require.NoError(t, err)

	queued, err := svc.Queue(context.Background(), []ingest.FetchIntent{validIntent()})
	require.NoError(t, err)
	require.Equal(t, 1, queued, "duplicates still count as queued")

	dup, err := store.GetRequest(context.Background(), "req-2")
	require.NoError(t, err)
	require.True(t, dup.IsDataDuplicated)
	require.Equal(t, "req-1", dup.SourceRecordID)
}

func TestQueueLinksDuplicatesWithinOneBatch(t *testing.T) {
	t.Parallel()

	svc, store := newService()
	queued, err := svc.Queue(context.Background(), []ingest.FetchIntent{validIntent(), validIntent()})
	require.NoError(t, err)
	require.Equal(t, 2, queued)

	dup, err := store.GetRequest(context.Background(), "req-2")
	require.NoError(t, err)
	require.True(t, dup.IsDataDuplicated)
	require.Equal(t, "req-1", dup.SourceRecordID)
}

func TestQueueDoesNotLinkAcrossIdentities(t *testing.T) {
	t.Parallel()

	svc, store := newService()
	other := validIntent()
	other.SnapshotDate = "2024-01-02"

	queued, err := svc.Queue(context.Background(), []ingest.FetchIntent{validIntent(), other})
	require.NoError(t, err)
	require.Equal(t, 2, queued)

	second, err := store.GetRequest(context.Background(), "req-2")
	require.NoError(t, err)
	require.False(t, second.IsDataDuplicated)
}
