package evidence

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alibi-app/alibi/internal/shared/types"
)

func TestPoolRunsScheduledWork(t *testing.T) {
	var mu sync.Mutex
	seen := map[types.ID]int{}
	pool := NewPool(2, 16, func(ctx context.Context, id types.ID) error {
		mu.Lock()
		seen[id]++
		mu.Unlock()
		return nil
	}, testLogger())

	require.NoError(t, pool.Start(context.Background()))
	ids := []types.ID{types.NewID(), types.NewID(), types.NewID()}
	for _, id := range ids {
		assert.True(t, pool.Schedule(id))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == len(ids)
	}, time.Second, time.Millisecond)
	require.NoError(t, pool.Stop(context.Background()))
}

func TestPoolDeduplicatesQueuedIDs(t *testing.T) {
	pool := NewPool(1, 4, func(context.Context, types.ID) error { return nil }, testLogger())
	id := types.NewID()

	// Not started, so the first entry stays queued
	assert.True(t, pool.Schedule(id))
	assert.False(t, pool.Schedule(id))
	assert.True(t, pool.Schedule(types.NewID()))
}

func TestPoolScheduleNeverBlocks(t *testing.T) {
	pool := NewPool(1, 1, func(context.Context, types.ID) error { return nil }, testLogger())

	assert.True(t, pool.Schedule(types.NewID()))
	assert.False(t, pool.Schedule(types.NewID()), "full queue drops instead of blocking")
}

func TestPoolStopCancelsAfterDeadline(t *testing.T) {
	started := make(chan struct{})
	var canceled atomic.Bool
	pool := NewPool(1, 1, func(ctx context.Context, id types.ID) error {
		close(started)
		<-ctx.Done()
		canceled.Store(true)
		return ctx.Err()
	}, testLogger())

	require.NoError(t, pool.Start(context.Background()))
	pool.Schedule(types.NewID())
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Stop(ctx), context.DeadlineExceeded)
	assert.True(t, canceled.Load())
}

func TestPoolStartStop(t *testing.T) {
	pool := NewPool(1, 1, func(context.Context, types.ID) error { return nil }, testLogger())

	assert.Error(t, pool.Stop(context.Background()), "stop before start")
	require.NoError(t, pool.Start(context.Background()))
	assert.Error(t, pool.Start(context.Background()), "double start")
	require.NoError(t, pool.Stop(context.Background()))
}

func TestPoolDrivesService(t *testing.T) {
	h := newHarness(t, nil)
	pool := NewPool(2, 16, h.svc.AdvanceProofState, testLogger())
	h.svc.SetScheduler(pool)
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop(context.Background())

	rec := h.upload(t, "hello-evidence")

	require.Eventually(t, func() bool {
		return h.get(t, rec.ID).State == StateVerified
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPoolSweepRunsUntilStop(t *testing.T) {
	var runs atomic.Int32
	pool := NewPool(1, 1, func(ctx context.Context, id types.ID) error { return nil }, testLogger()).
		WithSweep(time.Millisecond, func(ctx context.Context) error {
			runs.Add(1)
			return nil
		})

	require.NoError(t, pool.Start(context.Background()))
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
	require.NoError(t, pool.Stop(context.Background()))

	after := runs.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}

func TestSweepRequeuesRecordsDroppedByFullQueue(t *testing.T) {
	h := newHarness(t, nil)
	pool := NewPool(1, 1, h.svc.AdvanceProofState, testLogger()).
		WithSweep(5*time.Millisecond, h.svc.Sweep)
	h.svc.SetScheduler(pool)

	// The second upload finds the queue full and is not queued
	a := h.upload(t, "first-evidence")
	b := h.upload(t, "second-evidence")

	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop(context.Background())

	require.Eventually(t, func() bool {
		return h.get(t, a.ID).State == StateVerified && h.get(t, b.ID).State == StateVerified
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSweepFailsRequestStrandedAfterStartup(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	rec := h.upload(t, "stranded")

	// A crashed process claimed the record shortly before this one started
	_, ok, err := h.repo.ClaimProofRequest(ctx, rec.ID, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	report, err := h.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Interrupted)
	assert.Equal(t, StateProofRequested, h.get(t, rec.ID).State)

	h.svc.now = func() time.Time { return time.Now().UTC().Add(h.svc.cfg.StaleAfter) }
	pool := NewPool(1, 4, h.svc.AdvanceProofState, testLogger()).
		WithSweep(5*time.Millisecond, h.svc.Sweep)
	h.svc.SetScheduler(pool)
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop(ctx)

	require.Eventually(t, func() bool {
		return h.get(t, rec.ID).State == StateFailed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, ReasonInterrupted, h.get(t, rec.ID).FailureReason)
}
