package queue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/courier/internal/events"
	"github.com/snehjoshi/courier/internal/queue"
	"github.com/snehjoshi/courier/internal/storage"
	"github.com/snehjoshi/courier/internal/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func spec(id string, p types.Priority) *types.RequestSpec {
	return &types.RequestSpec{
		ID:       id,
		Endpoint: "https://hooks.example.com/in",
		Payload:  types.Payload{Body: []byte(`{"id":"` + id + `"}`), ContentType: "application/json"},
		Priority: p,
	}
}

// recorder captures published events synchronously.
type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Publish(ev events.Event) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
}

func (r *recorder) drops() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.evs {
		if ev.Kind == events.EntryDropped {
			out = append(out, ev)
		}
	}
	return out
}

func newQueue(t *testing.T, cfg queue.Config, opts ...queue.Option) (*queue.Queue, *recorder) {
	t.Helper()
	rec := &recorder{}
	opts = append([]queue.Option{queue.WithPublisher(rec)}, opts...)
	return queue.New(cfg, opts...), rec
}

func mustEnqueue(t *testing.T, q *queue.Queue, s *types.RequestSpec) queue.EnqueueResult {
	t.Helper()
	res, err := q.Enqueue(s, 1)
	require.NoError(t, err)
	return res
}

// drain removes entries in dispatch order and returns their IDs.
func drain(t *testing.T, q *queue.Queue) []string {
	t.Helper()
	var ids []string
	for {
		e, ok := q.DequeueNext()
		if !ok {
			return ids
		}
		_, err := q.Lease(e.Spec.ID)
		require.NoError(t, err)
		_, removed := q.Remove(e.Spec.ID)
		require.True(t, removed)
		ids = append(ids, e.Spec.ID)
	}
}

// failingStore fails every call once broken is set.
type failingStore struct {
	*storage.Memory
	mu     sync.Mutex
	broken bool
	writes int
}

func (f *failingStore) WriteBlob(ctx context.Context, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.broken {
		return errors.New("disk full")
	}
	return f.Memory.WriteBlob(ctx, key, data)
}

func (f *failingStore) ReadBlob(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	broken := f.broken
	f.mu.Unlock()
	if broken {
		return nil, errors.New("io error")
	}
	return f.Memory.ReadBlob(ctx, key)
}

// ─── ordering ────────────────────────────────────────────────────────────────

func TestQueue_PriorityThenFIFO(t *testing.T) {
	q, _ := newQueue(t, queue.Config{MaxSize: 100})

	mustEnqueue(t, q, spec("low-1", types.PriorityLow))
	mustEnqueue(t, q, spec("normal-1", types.PriorityNormal))
	mustEnqueue(t, q, spec("crit-1", types.PriorityCritical))
	mustEnqueue(t, q, spec("low-2", types.PriorityLow))
	mustEnqueue(t, q, spec("high-1", types.PriorityHigh))
	mustEnqueue(t, q, spec("crit-2", types.PriorityCritical))
	mustEnqueue(t, q, spec("normal-2", types.PriorityNormal))

	snap := q.Snapshot()
	require.Len(t, snap, 7)
	assert.Equal(t, "crit-1", snap[0].Spec.ID)

	assert.Equal(t,
		[]string{"crit-1", "crit-2", "high-1", "normal-1", "normal-2", "low-1", "low-2"},
		drain(t, q))

	st := q.Stats()
	assert.Equal(t, 0, st.CurrentSize)
	assert.Equal(t, uint64(7), st.TotalEnqueued)
	assert.Equal(t, uint64(7), st.TotalDequeued)
	assert.Equal(t, 7, st.PeakSize)
}

func TestQueue_DequeueNextIsPeek(t *testing.T) {
	q, _ := newQueue(t, queue.Config{MaxSize: 10})
	mustEnqueue(t, q, spec("a", types.PriorityNormal))

	e1, ok := q.DequeueNext()
	require.True(t, ok)
	e2, ok := q.DequeueNext()
	require.True(t, ok)
	assert.Equal(t, e1.Spec.ID, e2.Spec.ID)
	assert.Equal(t, 1, q.Count())
}

func TestQueue_LeaseHidesEntryUntilRelease(t *testing.T) {
	q, _ := newQueue(t, queue.Config{MaxSize: 10, MaxFlushAttempts: 0})
	mustEnqueue(t, q, spec("a", types.PriorityCritical))
	mustEnqueue(t, q, spec("b", types.PriorityLow))

	_, err := q.Lease("a")
	require.NoError(t, err)
	_, err = q.Lease("a")
	assert.ErrorIs(t, err, queue.ErrLeased)
	_, err = q.Lease("missing")
	assert.ErrorIs(t, err, queue.ErrNotFound)

	next, ok := q.DequeueNext()
	require.True(t, ok)
	assert.Equal(t, "b", next.Spec.ID)
	assert.Equal(t, 2, q.Count(), "a leased entry is still held")
	assert.Equal(t, 1, q.Leased())

	res, err := q.Release("a", true)
	require.NoError(t, err)
	assert.False(t, res.Dropped)
	assert.Equal(t, 2, res.Entry.AttemptCount)
	assert.Equal(t, 1, res.Entry.FlushAttempts)

	next, _ = q.DequeueNext()
	assert.Equal(t, "a", next.Spec.ID, "released entry keeps its place")
}

func TestQueue_NextReadySkipsRejected(t *testing.T) {
	q, _ := newQueue(t, queue.Config{MaxSize: 10})
	mustEnqueue(t, q, spec("a", types.PriorityCritical))
	mustEnqueue(t, q, spec("b", types.PriorityHigh))
	mustEnqueue(t, q, spec("c", types.PriorityHigh))

	e, ok := q.NextReady(func(e *types.QueueEntry) bool { return e.Spec.ID != "a" })
	require.True(t, ok)
	assert.Equal(t, "b", e.Spec.ID)

	_, ok = q.NextReady(func(*types.QueueEntry) bool { return false })
	assert.False(t, ok)
}

func TestQueue_ReleaseDropsWhenFlushBudgetExhausted(t *testing.T) {
	q, rec := newQueue(t, queue.Config{MaxSize: 10, MaxFlushAttempts: 2})
	mustEnqueue(t, q, spec("a", types.PriorityNormal))

	for i := 1; i <= 2; i++ {
		_, err := q.Lease("a")
		require.NoError(t, err)
		res, err := q.Release("a", true)
		require.NoError(t, err)
		assert.Equal(t, i == 2, res.Dropped, "attempt %d", i)
	}

	assert.Equal(t, 0, q.Count())
	drops := rec.drops()
	require.Len(t, drops, 1)
	assert.Equal(t, types.DropRetriesExhausted, drops[0].Reason)
	assert.Equal(t, uint64(1), q.Stats().TotalDropped)
}

func TestQueue_EnqueueValidation(t *testing.T) {
	q, _ := newQueue(t, queue.Config{MaxSize: 10})

	_, err := q.Enqueue(nil, 0)
	assert.ErrorIs(t, err, types.ErrInvalidSpec)

	bad := spec("", types.PriorityLow)
	_, err = q.Enqueue(bad, 0)
	assert.ErrorIs(t, err, types.ErrInvalidSpec)

	mustEnqueue(t, q, spec("a", types.PriorityLow))
	_, err = q.Enqueue(spec("a", types.PriorityLow), 0)
	assert.ErrorIs(t, err, queue.ErrDuplicateID)

	q.Close()
	_, err = q.Enqueue(spec("b", types.PriorityLow), 0)
	assert.ErrorIs(t, err, queue.ErrQueueClosed)
}

func TestQueue_EnqueueCopiesSpec(t *testing.T) {
	q, _ := newQueue(t, queue.Config{MaxSize: 10})
	s := spec("a", types.PriorityLow)
	mustEnqueue(t, q, s)
	s.Payload.Body[0] = 'X'

	e, _ := q.Get("a")
	assert.Equal(t, byte('{'), e.Spec.Payload.Body[0])
}

// ─── overflow ────────────────────────────────────────────────────────────────

func TestOverflow_DropOldest(t *testing.T) {
	mock := clock.NewMock()
	q, rec := newQueue(t, queue.Config{MaxSize: 3, Overflow: queue.DropOldest}, queue.WithClock(mock))

	// The oldest entry is Critical: DropOldest ignores priority.
	mustEnqueue(t, q, spec("crit-old", types.PriorityCritical))
	mock.Add(time.Second)
	mustEnqueue(t, q, spec("low", types.PriorityLow))
	mock.Add(time.Second)
	mustEnqueue(t, q, spec("normal", types.PriorityNormal))
	mock.Add(time.Second)

	res := mustEnqueue(t, q, spec("high-new", types.PriorityHigh))
	require.True(t, res.Accepted)
	require.NotNil(t, res.Evicted)
	assert.Equal(t, "crit-old", res.Evicted.Spec.ID)

	assert.Equal(t, 3, q.Count())
	assert.False(t, q.Contains("crit-old"))

	drops := rec.drops()
	require.Len(t, drops, 1)
	assert.Equal(t, "crit-old", drops[0].RequestID)
	assert.Equal(t, types.DropOverflow, drops[0].Reason)

	st := q.Stats()
	assert.Equal(t, uint64(4), st.TotalEnqueued)
	assert.Equal(t, uint64(1), st.TotalDropped)
	assert.Equal(t, 3, st.PeakSize)
}

func TestOverflow_DropNewest(t *testing.T) {
	q, rec := newQueue(t, queue.Config{MaxSize: 2, Overflow: queue.DropNewest})
	mustEnqueue(t, q, spec("a", types.PriorityLow))
	mustEnqueue(t, q, spec("b", types.PriorityLow))

	res := mustEnqueue(t, q, spec("c", types.PriorityCritical))
	assert.False(t, res.Accepted)
	assert.Equal(t, types.DropOverflow, res.Reason)
	assert.Nil(t, res.Evicted)
	assert.Equal(t, 2, q.Count())
	assert.False(t, q.Contains("c"))

	drops := rec.drops()
	require.Len(t, drops, 1)
	assert.Equal(t, "c", drops[0].RequestID)
}

func TestOverflow_DropLowestPriority(t *testing.T) {
	q, rec := newQueue(t, queue.Config{MaxSize: 3, Overflow: queue.DropLowestPriority})
	mustEnqueue(t, q, spec("crit", types.PriorityCritical))
	mustEnqueue(t, q, spec("normal-1", types.PriorityNormal))
	mustEnqueue(t, q, spec("normal-2", types.PriorityNormal))

	// Incoming High outranks the lowest tier present (Normal): evict the
	// oldest Normal.
	res := mustEnqueue(t, q, spec("high", types.PriorityHigh))
	require.True(t, res.Accepted)
	require.NotNil(t, res.Evicted)
	assert.Equal(t, "normal-1", res.Evicted.Spec.ID)

	// Incoming Normal is itself the lowest tier present: rejected.
	res = mustEnqueue(t, q, spec("normal-3", types.PriorityNormal))
	assert.False(t, res.Accepted)

	// Incoming Low is below everything present: rejected.
	res = mustEnqueue(t, q, spec("low", types.PriorityLow))
	assert.False(t, res.Accepted)

	assert.ElementsMatch(t, []string{"crit", "high", "normal-2"}, idsOf(q.Snapshot()))
	assert.Len(t, rec.drops(), 3)
}

func TestOverflow_LeasedEntriesAreNeverEvicted(t *testing.T) {
	q, _ := newQueue(t, queue.Config{MaxSize: 2, Overflow: queue.DropOldest})
	mustEnqueue(t, q, spec("a", types.PriorityLow))
	mustEnqueue(t, q, spec("b", types.PriorityLow))
	_, err := q.Lease("a")
	require.NoError(t, err)

	res := mustEnqueue(t, q, spec("c", types.PriorityLow))
	require.True(t, res.Accepted)
	assert.Equal(t, "b", res.Evicted.Spec.ID, "the leased oldest entry is skipped")

	_, err = q.Lease("c")
	require.NoError(t, err)
	res = mustEnqueue(t, q, spec("d", types.PriorityCritical))
	assert.False(t, res.Accepted, "everything is in flight: the incoming entry gives way")
	assert.Equal(t, 2, q.Count())
}

func TestOverflow_ConcurrentEnqueueNeverExceedsMax(t *testing.T) {
	const max = 16
	q, _ := newQueue(t, queue.Config{MaxSize: max, Overflow: queue.DropOldest})

	var wg sync.WaitGroup
	var violations sync.Map
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				p := types.Priorities[(w+i)%len(types.Priorities)]
				_, err := q.Enqueue(spec(fmt.Sprintf("w%d-%d", w, i), p), 0)
				if err != nil {
					violations.Store(err.Error(), true)
				}
				if n := q.Count(); n > max {
					violations.Store(fmt.Sprintf("size %d", n), true)
				}
			}
		}(w)
	}
	wg.Wait()

	violations.Range(func(k, _ any) bool {
		t.Errorf("violation: %v", k)
		return true
	})
	st := q.Stats()
	assert.Equal(t, max, st.CurrentSize)
	assert.Equal(t, max, st.PeakSize)
	assert.Equal(t, uint64(800), st.TotalEnqueued)
	assert.Equal(t, uint64(800-max), st.TotalDropped)
}

func TestParseOverflowPolicy(t *testing.T) {
	p, err := queue.ParseOverflowPolicy("drop-lowest-priority")
	require.NoError(t, err)
	assert.Equal(t, queue.DropLowestPriority, p)

	p, err = queue.ParseOverflowPolicy("")
	require.NoError(t, err)
	assert.Equal(t, queue.DropOldest, p)

	_, err = queue.ParseOverflowPolicy("drop_random")
	assert.Error(t, err)
}

// ─── expiry ──────────────────────────────────────────────────────────────────

func TestEvictExpired(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	q, rec := newQueue(t, queue.Config{MaxSize: 10, MaxAge: time.Hour}, queue.WithClock(mock))

	mustEnqueue(t, q, spec("old", types.PriorityCritical))
	mock.Add(2 * time.Hour)
	mustEnqueue(t, q, spec("fresh", types.PriorityLow))

	assert.Nil(t, q.EvictExpired(0), "zero disables the bound")

	evicted := q.EvictExpired(time.Hour)
	require.Len(t, evicted, 1)
	assert.Equal(t, "old", evicted[0].Spec.ID)
	assert.True(t, q.Contains("fresh"))

	drops := rec.drops()
	require.Len(t, drops, 1)
	assert.Equal(t, "old", drops[0].RequestID)
	assert.Equal(t, types.DropExpired, drops[0].Reason)
}

func TestEvictExpired_SkipsLeased(t *testing.T) {
	mock := clock.NewMock()
	q, _ := newQueue(t, queue.Config{MaxSize: 10}, queue.WithClock(mock))
	mustEnqueue(t, q, spec("a", types.PriorityLow))
	_, err := q.Lease("a")
	require.NoError(t, err)

	mock.Add(3 * time.Hour)
	assert.Empty(t, q.EvictExpired(time.Hour))
	assert.True(t, q.Contains("a"))
}

func TestRun_EvictsPeriodically(t *testing.T) {
	mock := clock.NewMock()
	q, rec := newQueue(t, queue.Config{MaxSize: 10, MaxAge: time.Hour, EvictInterval: time.Minute}, queue.WithClock(mock))
	mustEnqueue(t, q, spec("a", types.PriorityLow))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give Run a moment to register its ticker with the mock clock.
	require.Eventually(t, func() bool {
		mock.Add(30 * time.Minute)
		return len(rec.drops()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, q.Count())
}

// ─── clear ───────────────────────────────────────────────────────────────────

func TestClear_ResetsStatsKeepsSequence(t *testing.T) {
	q, rec := newQueue(t, queue.Config{MaxSize: 10})
	mustEnqueue(t, q, spec("a", types.PriorityLow))
	mustEnqueue(t, q, spec("b", types.PriorityLow))

	assert.Equal(t, 2, q.Clear())
	assert.Equal(t, types.QueueStats{}, q.Stats())
	assert.Len(t, rec.drops(), 2)

	res := mustEnqueue(t, q, spec("c", types.PriorityLow))
	assert.Equal(t, uint64(3), res.Entry.Sequence)
}

// ─── persistence ─────────────────────────────────────────────────────────────

func TestPersistRestore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	cfg := queue.Config{MaxSize: 10, MaxAge: 24 * time.Hour, SyncWrites: true}
	q1, _ := newQueue(t, cfg, queue.WithStore(store), queue.WithClock(mock))
	mustEnqueue(t, q1, spec("n1", types.PriorityNormal))
	mustEnqueue(t, q1, spec("c1", types.PriorityCritical))
	mustEnqueue(t, q1, spec("l1", types.PriorityLow))
	mustEnqueue(t, q1, spec("n2", types.PriorityNormal))
	_, _ = q1.Remove("l1")
	require.NoError(t, q1.Persist(ctx))

	before := q1.Snapshot()
	beforeStats := q1.Stats()

	q2, _ := newQueue(t, cfg, queue.WithStore(store), queue.WithClock(mock))
	n, err := q2.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	after := q2.Snapshot()
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].Spec.ID, after[i].Spec.ID)
		assert.Equal(t, before[i].Sequence, after[i].Sequence)
		assert.Equal(t, before[i].Spec.Priority, after[i].Spec.Priority)
		assert.Equal(t, before[i].Spec.Payload, after[i].Spec.Payload)
		assert.True(t, before[i].EnqueuedAt.Equal(after[i].EnqueuedAt))
	}
	assert.Equal(t, beforeStats, q2.Stats())
	assert.Equal(t, uint64(4), q2.Sequence(), "the sequence counter survives the reload")

	res := mustEnqueue(t, q2, spec("n3", types.PriorityNormal))
	assert.Equal(t, uint64(5), res.Entry.Sequence)
	assert.Equal(t, []string{"c1", "n1", "n2", "n3"}, drain(t, q2))
}

func TestPersist_LeaseIsNotPersisted(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	q1, _ := newQueue(t, queue.Config{MaxSize: 10, SyncWrites: true}, queue.WithStore(store))
	mustEnqueue(t, q1, spec("a", types.PriorityNormal))
	_, err := q1.Lease("a")
	require.NoError(t, err)
	require.NoError(t, q1.Persist(ctx))

	// Simulated crash mid-dispatch: the entry comes back queued.
	q2, _ := newQueue(t, queue.Config{MaxSize: 10}, queue.WithStore(store))
	_, err = q2.Restore(ctx)
	require.NoError(t, err)
	e, ok := q2.DequeueNext()
	require.True(t, ok)
	assert.Equal(t, "a", e.Spec.ID)
}

func TestPersist_SyncWritesOnEveryMutation(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	q, _ := newQueue(t, queue.Config{MaxSize: 10, SyncWrites: true}, queue.WithStore(store))
	mustEnqueue(t, q, spec("a", types.PriorityNormal))

	q2, _ := newQueue(t, queue.Config{MaxSize: 10}, queue.WithStore(store))
	n, err := q2.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "no explicit Persist was needed")
}

func TestRestore_MissingAndIncompatible(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()

	q, _ := newQueue(t, queue.Config{MaxSize: 10}, queue.WithStore(store))
	n, err := q.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, store.WriteBlob(ctx, "queue", []byte(`{"version":99,"sequence":7,"entries":[]}`)))
	n, err = q.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, uint64(0), q.Sequence(), "incompatible state is discarded wholesale")

	require.NoError(t, store.WriteBlob(ctx, "queue", []byte(`not json`)))
	_, err = q.Restore(ctx)
	require.NoError(t, err)
	assert.True(t, q.PersistenceEnabled())
}

func TestRestore_TrimsAndExpires(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	mock := clock.NewMock()

	big, _ := newQueue(t, queue.Config{MaxSize: 10, SyncWrites: true}, queue.WithStore(store), queue.WithClock(mock))
	mustEnqueue(t, big, spec("ancient", types.PriorityCritical))
	mock.Add(3 * time.Hour)
	for i := 0; i < 4; i++ {
		mustEnqueue(t, big, spec(fmt.Sprintf("e%d", i), types.PriorityNormal))
	}

	small, rec := newQueue(t, queue.Config{MaxSize: 3, MaxAge: time.Hour, Overflow: queue.DropOldest},
		queue.WithStore(store), queue.WithClock(mock))
	n, err := small.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"e1", "e2", "e3"}, idsOf(small.Snapshot()))

	reasons := map[types.DropReason]int{}
	for _, ev := range rec.drops() {
		reasons[ev.Reason]++
	}
	assert.Equal(t, 2, reasons[types.DropOverflow])
}

func TestRestore_ExpiresOnLoad(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	mock := clock.NewMock()

	q1, _ := newQueue(t, queue.Config{MaxSize: 10, SyncWrites: true}, queue.WithStore(store), queue.WithClock(mock))
	mustEnqueue(t, q1, spec("stale", types.PriorityHigh))
	mock.Add(2 * time.Hour)

	q2, rec := newQueue(t, queue.Config{MaxSize: 10, MaxAge: time.Hour}, queue.WithStore(store), queue.WithClock(mock))
	n, err := q2.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	drops := rec.drops()
	require.Len(t, drops, 1)
	assert.Equal(t, types.DropExpired, drops[0].Reason)
}

func TestPersist_StorageFailureFallsBackToMemory(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{Memory: storage.NewMemory()}
	q, _ := newQueue(t, queue.Config{MaxSize: 10, SyncWrites: true}, queue.WithStore(store))

	mustEnqueue(t, q, spec("a", types.PriorityNormal))
	require.True(t, q.PersistenceEnabled())

	store.mu.Lock()
	store.broken = true
	store.mu.Unlock()

	mustEnqueue(t, q, spec("b", types.PriorityNormal))
	assert.False(t, q.PersistenceEnabled())
	assert.ErrorIs(t, q.Persist(ctx), queue.ErrPersistenceDisabled)

	store.mu.Lock()
	writes := store.writes
	store.mu.Unlock()

	// The queue keeps working in memory without touching the store again.
	mustEnqueue(t, q, spec("c", types.PriorityNormal))
	assert.Equal(t, 3, q.Count())
	store.mu.Lock()
	assert.Equal(t, writes, store.writes)
	store.mu.Unlock()
}

func TestRestore_ReadFailureDisablesPersistence(t *testing.T) {
	store := &failingStore{Memory: storage.NewMemory(), broken: true}
	q, _ := newQueue(t, queue.Config{MaxSize: 10}, queue.WithStore(store))

	_, err := q.Restore(context.Background())
	require.Error(t, err)
	assert.False(t, q.PersistenceEnabled())

	mustEnqueue(t, q, spec("a", types.PriorityNormal))
	assert.Equal(t, 1, q.Count())
}

func TestRun_PersistsPeriodicallyWhenWritesAreAsync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := storage.NewMemory()
	mock := clock.NewMock()
	q, _ := newQueue(t, queue.Config{MaxSize: 10, SyncWrites: false, PersistInterval: time.Second},
		queue.WithStore(store), queue.WithClock(mock))
	mustEnqueue(t, q, spec("a", types.PriorityNormal))

	_, err := store.ReadBlob(ctx, "queue")
	require.ErrorIs(t, err, storage.ErrNotFound)

	go func() { _ = q.Run(ctx) }()
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		_, err := store.ReadBlob(ctx, "queue")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func idsOf(entries []types.QueueEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Spec.ID
	}
	return out
}
