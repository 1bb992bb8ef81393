// Package queue is the durable priority queue that holds requests which could
// not be delivered immediately.
//
// Ordering is (priority rank, sequence): Critical before High before Normal
// before Low, FIFO inside a tier. The sequence counter is assigned under the
// queue lock at enqueue time, persisted with every snapshot and never reset.
//
// Dispatch uses a peek-then-remove protocol: DequeueNext/Lease hand out an
// entry without deleting it, and only Remove or Drop (after a terminal
// outcome) take it out. A crash mid-dispatch therefore leaves the entry
// queued in the last snapshot.
package queue

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/snehjoshi/courier/internal/events"
	"github.com/snehjoshi/courier/internal/storage"
	"github.com/snehjoshi/courier/internal/types"
)

var (
	// ErrQueueClosed is returned by Enqueue after Close.
	ErrQueueClosed = errors.New("queue: closed")

	// ErrDuplicateID is returned when an entry with the same request ID is
	// already queued or leased.
	ErrDuplicateID = errors.New("queue: duplicate request id")

	// ErrNotFound is returned for operations on an ID the queue does not hold.
	ErrNotFound = errors.New("queue: entry not found")

	// ErrLeased is returned by Lease for an entry that is already in flight.
	ErrLeased = errors.New("queue: entry already leased")

	// ErrPersistenceDisabled is returned by Persist once a storage failure has
	// switched the queue to memory-only operation for this process.
	ErrPersistenceDisabled = errors.New("queue: persistence disabled after storage failure")
)

// SnapshotVersion tags the persisted layout. Snapshots with any other
// version are discarded on Restore.
const SnapshotVersion = 1

// ─── Config ──────────────────────────────────────────────────────────────────

// OverflowPolicy decides what gives way when the queue is full.
type OverflowPolicy string

const (
	// DropOldest evicts the entry with the earliest enqueue time across all
	// priorities, then inserts.
	DropOldest OverflowPolicy = "drop_oldest"
	// DropNewest rejects the incoming entry.
	DropNewest OverflowPolicy = "drop_newest"
	// DropLowestPriority evicts the oldest entry of the lowest tier present,
	// or rejects the incoming entry when it belongs to that tier (or lower).
	DropLowestPriority OverflowPolicy = "drop_lowest_priority"
)

// ParseOverflowPolicy accepts the policy names in snake or kebab case.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch p := OverflowPolicy(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")); p {
	case "":
		return DropOldest, nil
	case DropOldest, DropNewest, DropLowestPriority:
		return p, nil
	}
	return "", fmt.Errorf("queue: unknown overflow policy %q", s)
}

// Config holds the tunable limits of a queue.
type Config struct {
	// MaxSize is the maximum number of entries, queued plus leased.
	MaxSize int

	Overflow OverflowPolicy

	// MaxAge bounds how long an entry may wait. 0 disables age eviction.
	MaxAge time.Duration

	// MaxFlushAttempts drops an entry with RetriesExhausted once this many
	// flush attempts have failed recoverably. 0 means unlimited.
	MaxFlushAttempts int

	// StorageKey is the BlobStore key the snapshot is written under.
	StorageKey string

	// SyncWrites persists a snapshot after every mutation. When false the
	// snapshot is written by Run every PersistInterval.
	SyncWrites      bool
	WriteTimeout    time.Duration
	PersistInterval time.Duration

	// EvictInterval is how often Run calls EvictExpired. 0 disables.
	EvictInterval time.Duration
}

// DefaultConfig returns a Config with production-safe defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:          1000,
		Overflow:         DropOldest,
		MaxAge:           72 * time.Hour,
		MaxFlushAttempts: 10,
		StorageKey:       "queue",
		SyncWrites:       true,
		WriteTimeout:     5 * time.Second,
		PersistInterval:  5 * time.Second,
		EvictInterval:    time.Minute,
	}
}

// Validate returns the first inconsistent value.
func (c Config) Validate() error {
	if c.MaxSize < 1 {
		return errors.New("queue: max_size must be at least 1")
	}
	if _, err := ParseOverflowPolicy(string(c.Overflow)); err != nil {
		return err
	}
	if c.MaxAge < 0 {
		return errors.New("queue: max_age must be >= 0")
	}
	if c.MaxFlushAttempts < 0 {
		return errors.New("queue: max_flush_attempts must be >= 0")
	}
	return nil
}

// ─── Queue ───────────────────────────────────────────────────────────────────

// Option configures a Queue.
type Option func(*Queue)

// WithStore sets the durable store. Without one the queue is memory-only.
func WithStore(s storage.BlobStore) Option { return func(q *Queue) { q.store = s } }

// WithLogger sets the logger. nil keeps the no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.log = l
		}
	}
}

// WithClock replaces the wall clock, e.g. with clock.NewMock() in tests.
func WithClock(c clock.Clock) Option { return func(q *Queue) { q.clk = c } }

// WithPublisher sets where queue events are emitted.
func WithPublisher(p events.Publisher) Option { return func(q *Queue) { q.pub = p } }

// EnqueueResult reports what Enqueue did.
type EnqueueResult struct {
	// Accepted is false when the incoming entry itself was dropped.
	Accepted bool

	// Entry is the inserted entry, or the rejected one when !Accepted.
	Entry types.QueueEntry

	// Reason is set when !Accepted.
	Reason types.DropReason

	// Evicted is the entry removed to make room, if any.
	Evicted *types.QueueEntry
}

// ReleaseResult reports what Release did.
type ReleaseResult struct {
	Entry types.QueueEntry

	// Dropped is true when the flush budget ran out and the entry was dropped
	// with RetriesExhausted instead of being requeued.
	Dropped bool
}

// Queue is a bounded, persistent priority queue of QueueEntry values.
//
// Architecture:
//   - "ready" is a min-heap of queued items keyed by (rank, sequence).
//   - "items" indexes every held entry by request ID, leased ones included;
//     a leased item has heapIdx == -1.
//
// All public methods are safe for concurrent use. Mutations are serialised by
// mu; events are published after mu is released.
type Queue struct {
	cfg   Config
	store storage.BlobStore
	log   *zap.Logger
	clk   clock.Clock
	pub   events.Publisher

	mu     sync.Mutex
	ready  readyHeap
	items  map[string]*item
	seq    uint64
	stats  types.QueueStats
	closed bool

	// gen counts mutations; savedGen is the gen of the last written snapshot.
	gen        uint64
	savedGen   uint64
	persistOff bool

	// persistMu orders snapshot writes so a later snapshot never lands
	// before an earlier one.
	persistMu sync.Mutex
}

// New returns an empty queue. Zero config fields take their defaults.
func New(cfg Config, opts ...Option) *Queue {
	def := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.Overflow == "" {
		cfg.Overflow = def.Overflow
	}
	if cfg.StorageKey == "" {
		cfg.StorageKey = def.StorageKey
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = def.PersistInterval
	}

	q := &Queue{
		cfg:   cfg,
		log:   zap.NewNop(),
		clk:   clock.New(),
		pub:   events.Discard,
		items: make(map[string]*item),
	}
	for _, o := range opts {
		o(q)
	}
	q.log = q.log.With(zap.String("component", "queue"))
	return q
}

// Config returns the effective configuration.
func (q *Queue) Config() Config { return q.cfg }

// ─── Enqueue ─────────────────────────────────────────────────────────────────

// Enqueue inserts a copy of spec with attempts delivery attempts already
// made. When the queue is full the overflow policy is applied in the same
// critical section as the insert, so no reader ever observes more than
// MaxSize entries. A rejected entry is reported through the result, not as
// an error.
func (q *Queue) Enqueue(spec *types.RequestSpec, attempts int) (EnqueueResult, error) {
	if spec == nil {
		return EnqueueResult{}, fmt.Errorf("%w: nil spec", types.ErrInvalidSpec)
	}
	if err := spec.Validate(); err != nil {
		return EnqueueResult{}, err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return EnqueueResult{}, ErrQueueClosed
	}
	if _, dup := q.items[spec.ID]; dup {
		q.mu.Unlock()
		return EnqueueResult{}, fmt.Errorf("%w: %s", ErrDuplicateID, spec.ID)
	}

	incoming := types.QueueEntry{
		Spec:         *spec.Clone(),
		EnqueuedAt:   q.clk.Now().UTC(),
		AttemptCount: attempts,
	}
	res := EnqueueResult{Entry: incoming}
	var evs []events.Event

	if len(q.items) >= q.cfg.MaxSize {
		victim := q.overflowVictim(&incoming)
		if victim == nil {
			q.stats.TotalDropped++
			res.Reason = types.DropOverflow
			evs = append(evs, dropEvent(incoming, types.DropOverflow))
			q.mu.Unlock()

			q.log.Warn("queue full, incoming entry dropped",
				zap.String("request_id", spec.ID),
				zap.Stringer("priority", spec.Priority),
				zap.String("policy", string(q.cfg.Overflow)))
			q.publish(evs)
			return res, nil
		}
		q.ready.remove(victim)
		delete(q.items, victim.entry.Spec.ID)
		q.stats.TotalDropped++
		evicted := victim.entry
		res.Evicted = &evicted
		evs = append(evs, dropEvent(evicted, types.DropOverflow))
	}

	q.seq++
	incoming.Sequence = q.seq
	it := &item{entry: incoming}
	q.items[spec.ID] = it
	q.ready.push(it)
	q.stats.TotalEnqueued++
	q.touchSizeLocked()
	q.gen++

	res.Accepted = true
	res.Entry = incoming
	evs = append(evs, events.Event{Kind: events.EntryEnqueued, RequestID: spec.ID, Entry: entryRef(incoming)})
	q.mu.Unlock()

	if res.Evicted != nil {
		q.log.Warn("queue full, entry evicted",
			zap.String("request_id", res.Evicted.Spec.ID),
			zap.Stringer("priority", res.Evicted.Spec.Priority),
			zap.String("policy", string(q.cfg.Overflow)))
	}
	q.publish(evs)
	q.afterWrite()
	return res, nil
}

// overflowVictim picks the queued item to evict for incoming, or nil when the
// incoming entry must be rejected. Leased items are never candidates.
func (q *Queue) overflowVictim(incoming *types.QueueEntry) *item {
	switch q.cfg.Overflow {
	case DropNewest:
		return nil
	case DropLowestPriority:
		r := q.ready.lowestRank()
		if r < 0 || incoming.Spec.Priority.Rank() >= r {
			return nil
		}
		return q.ready.oldest(r)
	default:
		return q.ready.oldest(-1)
	}
}

// ─── Dispatch protocol ───────────────────────────────────────────────────────

// DequeueNext returns the highest-priority, oldest queued entry without
// removing it. Leased entries are skipped.
func (q *Queue) DequeueNext() (types.QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.ready.peek()
	if it == nil {
		return types.QueueEntry{}, false
	}
	return it.entry, true
}

// NextReady is DequeueNext restricted to entries accepted by fn. A flush pass
// uses it to skip entries it has already attempted.
func (q *Queue) NextReady(fn func(*types.QueueEntry) bool) (types.QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var best *item
	for _, it := range q.ready {
		if fn != nil && !fn(&it.entry) {
			continue
		}
		if best == nil || it.entry.Before(&best.entry) {
			best = it
		}
	}
	if best == nil {
		return types.QueueEntry{}, false
	}
	return best.entry, true
}

// Lease marks a queued entry as in flight. It stays in the snapshot but is
// invisible to DequeueNext and to overflow eviction until Release or Remove.
func (q *Queue) Lease(id string) (types.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return types.QueueEntry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if it.heapIdx < 0 {
		return types.QueueEntry{}, fmt.Errorf("%w: %s", ErrLeased, id)
	}
	q.ready.remove(it)
	return it.entry, nil
}

// Release returns a leased entry to the ready heap. When attempted is true
// the entry's attempt counters are incremented first and the flush budget is
// checked: an entry that has used MaxFlushAttempts is dropped with
// RetriesExhausted instead.
func (q *Queue) Release(id string, attempted bool) (ReleaseResult, error) {
	q.mu.Lock()
	it, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return ReleaseResult{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if attempted {
		it.entry.AttemptCount++
		it.entry.FlushAttempts++
	}

	var evs []events.Event
	res := ReleaseResult{Entry: it.entry}
	if attempted && q.cfg.MaxFlushAttempts > 0 && it.entry.FlushAttempts >= q.cfg.MaxFlushAttempts {
		q.ready.remove(it)
		delete(q.items, id)
		q.stats.TotalDropped++
		q.touchSizeLocked()
		res.Dropped = true
		evs = append(evs, dropEvent(it.entry, types.DropRetriesExhausted))
	} else if it.heapIdx < 0 {
		q.ready.push(it)
	}
	q.gen++
	q.mu.Unlock()

	if res.Dropped {
		q.log.Warn("flush budget exhausted, entry dropped",
			zap.String("request_id", id),
			zap.Int("flush_attempts", res.Entry.FlushAttempts))
	}
	q.publish(evs)
	q.afterWrite()
	return res, nil
}

// Remove deletes an entry after a successful delivery and counts it as
// dequeued. It reports false when the queue no longer holds id.
func (q *Queue) Remove(id string) (types.QueueEntry, bool) {
	return q.take(id, "")
}

// Drop deletes an entry for reason and counts it as dropped.
func (q *Queue) Drop(id string, reason types.DropReason) (types.QueueEntry, bool) {
	return q.take(id, reason)
}

func (q *Queue) take(id string, reason types.DropReason) (types.QueueEntry, bool) {
	q.mu.Lock()
	it, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return types.QueueEntry{}, false
	}
	q.ready.remove(it)
	delete(q.items, id)

	var ev events.Event
	if reason == "" {
		q.stats.TotalDequeued++
		ev = events.Event{Kind: events.EntryDequeued, RequestID: id, Entry: entryRef(it.entry)}
	} else {
		q.stats.TotalDropped++
		ev = dropEvent(it.entry, reason)
	}
	q.touchSizeLocked()
	q.gen++
	q.mu.Unlock()

	q.publish([]events.Event{ev})
	q.afterWrite()
	return it.entry, true
}

// ─── Eviction and clearing ───────────────────────────────────────────────────

// EvictExpired drops every queued entry that has waited longer than maxAge
// and returns them. maxAge <= 0 disables the bound. Leased entries are left
// alone; they are judged when released.
func (q *Queue) EvictExpired(maxAge time.Duration) []types.QueueEntry {
	if maxAge <= 0 {
		return nil
	}

	q.mu.Lock()
	now := q.clk.Now()
	var victims []*item
	for _, it := range q.ready {
		if now.Sub(it.entry.EnqueuedAt) > maxAge {
			victims = append(victims, it)
		}
	}
	if len(victims) == 0 {
		q.mu.Unlock()
		return nil
	}

	out := make([]types.QueueEntry, 0, len(victims))
	evs := make([]events.Event, 0, len(victims))
	for _, it := range victims {
		q.ready.remove(it)
		delete(q.items, it.entry.Spec.ID)
		q.stats.TotalDropped++
		out = append(out, it.entry)
		evs = append(evs, dropEvent(it.entry, types.DropExpired))
	}
	q.touchSizeLocked()
	q.gen++
	q.mu.Unlock()

	q.log.Info("expired entries evicted", zap.Int("count", len(out)), zap.Duration("max_age", maxAge))
	q.publish(evs)
	q.afterWrite()
	return out
}

// Clear removes every entry and resets the counters. The sequence counter
// keeps running. Each removed entry is reported as dropped with Cleared.
func (q *Queue) Clear() int {
	q.mu.Lock()
	evs := make([]events.Event, 0, len(q.items))
	for _, it := range q.items {
		evs = append(evs, dropEvent(it.entry, types.DropCleared))
	}
	n := len(q.items)
	q.items = make(map[string]*item)
	q.ready = nil
	q.stats = types.QueueStats{}
	q.gen++
	q.mu.Unlock()

	q.publish(evs)
	q.afterWrite()
	return n
}

// ─── Reads ───────────────────────────────────────────────────────────────────

// Count returns the number of entries held, leased ones included.
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Leased returns how many entries are currently in flight.
func (q *Queue) Leased() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - len(q.ready)
}

// Contains reports whether id is queued or leased.
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.items[id]
	return ok
}

// Get returns a copy of the entry for id.
func (q *Queue) Get(id string) (types.QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return types.QueueEntry{}, false
	}
	return it.entry, true
}

// Sequence returns the last sequence number handed out.
func (q *Queue) Sequence() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.seq
}

// Stats returns a copy of the counters.
func (q *Queue) Stats() types.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.CurrentSize = len(q.items)
	return s
}

// Snapshot returns every held entry in dispatch order.
func (q *Queue) Snapshot() []types.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

func (q *Queue) snapshotLocked() []types.QueueEntry {
	out := make([]types.QueueEntry, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, it.entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(&out[j]) })
	return out
}

// Close rejects further enqueues. It does not persist; callers that want a
// final snapshot call Persist first.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func (q *Queue) touchSizeLocked() {
	q.stats.CurrentSize = len(q.items)
	if q.stats.CurrentSize > q.stats.PeakSize {
		q.stats.PeakSize = q.stats.CurrentSize
	}
}

func (q *Queue) publish(evs []events.Event) {
	for _, ev := range evs {
		q.pub.Publish(ev)
	}
}

func dropEvent(e types.QueueEntry, reason types.DropReason) events.Event {
	return events.Event{
		Kind:      events.EntryDropped,
		RequestID: e.Spec.ID,
		Reason:    reason,
		Entry:     entryRef(e),
	}
}

func entryRef(e types.QueueEntry) *types.QueueEntry { return &e }
