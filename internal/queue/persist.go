package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/snehjoshi/courier/internal/events"
	"github.com/snehjoshi/courier/internal/storage"
	"github.com/snehjoshi/courier/internal/types"
)

// snapshot is the persisted layout:
//
//	{"version":1,"sequence":N,"stats":{...},"entries":[...]}
//
// Entries are written in dispatch order. Leased entries are written as
// queued; a lease never survives a restart.
type snapshot struct {
	Version  int                `json:"version"`
	Sequence uint64             `json:"sequence"`
	Stats    types.QueueStats   `json:"stats"`
	Entries  []types.QueueEntry `json:"entries"`
}

// Persist writes a full snapshot to the store, replacing the previous one.
// Atomicity of the overwrite is the store's contract. A storage failure
// switches the queue to memory-only operation for the rest of the process
// and is logged once.
func (q *Queue) Persist(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	q.persistMu.Lock()
	defer q.persistMu.Unlock()
	return q.persistLocked(ctx, true)
}

// persistLocked must be called with persistMu held. Unless force is set it
// skips the write when nothing changed since the last snapshot.
func (q *Queue) persistLocked(ctx context.Context, force bool) error {
	q.mu.Lock()
	if q.persistOff {
		q.mu.Unlock()
		return ErrPersistenceDisabled
	}
	gen := q.gen
	if !force && gen == q.savedGen {
		q.mu.Unlock()
		return nil
	}
	snap := snapshot{
		Version:  SnapshotVersion,
		Sequence: q.seq,
		Stats:    q.stats,
		Entries:  q.snapshotLocked(),
	}
	snap.Stats.CurrentSize = len(q.items)
	q.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("queue: encode snapshot: %w", err)
	}

	if err := q.store.WriteBlob(ctx, q.cfg.StorageKey, data); err != nil {
		if ctx.Err() == nil {
			q.disablePersistence(err)
		}
		return fmt.Errorf("queue: persist: %w", err)
	}

	q.mu.Lock()
	if gen > q.savedGen {
		q.savedGen = gen
	}
	q.mu.Unlock()
	return nil
}

// afterWrite persists synchronously when SyncWrites is on.
func (q *Queue) afterWrite() {
	if q.store == nil || !q.cfg.SyncWrites {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.WriteTimeout)
	defer cancel()

	q.persistMu.Lock()
	err := q.persistLocked(ctx, false)
	q.persistMu.Unlock()

	if err != nil && !errors.Is(err, ErrPersistenceDisabled) {
		q.log.Warn("snapshot write failed", zap.Error(err))
	}
}

func (q *Queue) disablePersistence(err error) {
	q.mu.Lock()
	already := q.persistOff
	q.persistOff = true
	q.mu.Unlock()
	if !already {
		q.log.Error("storage failure, queue continues in memory only", zap.Error(err))
	}
}

// PersistenceEnabled reports whether snapshots are still being written.
func (q *Queue) PersistenceEnabled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store != nil && !q.persistOff
}

// Restore loads the last snapshot into the queue and returns how many entries
// it holds afterwards. It is meant to run once, before the queue is used.
//
// A missing snapshot is not an error. An unreadable or incompatible snapshot
// is discarded with a warning and overwritten by the next Persist. A read
// failure disables persistence for the session and is returned.
//
// Entries above MaxSize (the limit may have shrunk between runs) are dropped
// by the overflow policy, and entries older than MaxAge are evicted.
func (q *Queue) Restore(ctx context.Context) (int, error) {
	if q.store == nil {
		return q.Count(), nil
	}

	data, err := q.store.ReadBlob(ctx, q.cfg.StorageKey)
	if errors.Is(err, storage.ErrNotFound) {
		return q.Count(), nil
	}
	if err != nil {
		if ctx.Err() == nil {
			q.disablePersistence(err)
		}
		return q.Count(), fmt.Errorf("queue: restore: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		q.log.Warn("discarding unreadable queue snapshot", zap.Error(err))
		return q.Count(), nil
	}
	if snap.Version != SnapshotVersion {
		q.log.Warn("discarding queue snapshot with incompatible version",
			zap.Int("version", snap.Version),
			zap.Int("supported", SnapshotVersion))
		return q.Count(), nil
	}

	q.mu.Lock()
	loaded := 0
	for _, e := range snap.Entries {
		if err := e.Spec.Validate(); err != nil {
			q.log.Warn("skipping invalid snapshot entry", zap.String("request_id", e.Spec.ID), zap.Error(err))
			continue
		}
		if _, dup := q.items[e.Spec.ID]; dup {
			continue
		}
		it := &item{entry: e}
		q.items[e.Spec.ID] = it
		q.ready.push(it)
		if e.Sequence > q.seq {
			q.seq = e.Sequence
		}
		loaded++
	}
	if snap.Sequence > q.seq {
		q.seq = snap.Sequence
	}

	q.stats.TotalEnqueued += snap.Stats.TotalEnqueued
	q.stats.TotalDequeued += snap.Stats.TotalDequeued
	q.stats.TotalDropped += snap.Stats.TotalDropped
	if snap.Stats.PeakSize > q.stats.PeakSize {
		q.stats.PeakSize = snap.Stats.PeakSize
	}

	var evs []events.Event
	for len(q.items) > q.cfg.MaxSize {
		victim := q.trimVictimLocked()
		if victim == nil {
			break
		}
		q.ready.remove(victim)
		delete(q.items, victim.entry.Spec.ID)
		q.stats.TotalDropped++
		evs = append(evs, dropEvent(victim.entry, types.DropOverflow))
	}
	q.touchSizeLocked()
	q.gen++
	q.mu.Unlock()

	q.log.Info("queue restored",
		zap.Int("entries", loaded),
		zap.Uint64("sequence", snap.Sequence),
		zap.Int("trimmed", len(evs)))
	q.publish(evs)

	q.EvictExpired(q.cfg.MaxAge)
	return q.Count(), nil
}

// trimVictimLocked picks the entry to give up when a restored snapshot holds
// more than MaxSize entries.
func (q *Queue) trimVictimLocked() *item {
	switch q.cfg.Overflow {
	case DropNewest:
		var newest *item
		for _, it := range q.ready {
			if newest == nil || it.entry.Sequence > newest.entry.Sequence {
				newest = it
			}
		}
		return newest
	case DropLowestPriority:
		return q.ready.oldest(q.ready.lowestRank())
	default:
		return q.ready.oldest(-1)
	}
}

// Run performs periodic maintenance until ctx is done: age eviction every
// EvictInterval and, when SyncWrites is off, snapshot writes every
// PersistInterval.
func (q *Queue) Run(ctx context.Context) error {
	var evictC, persistC <-chan time.Time

	if q.cfg.EvictInterval > 0 && q.cfg.MaxAge > 0 {
		t := q.clk.Ticker(q.cfg.EvictInterval)
		defer t.Stop()
		evictC = t.C
	}
	if q.store != nil && !q.cfg.SyncWrites {
		t := q.clk.Ticker(q.cfg.PersistInterval)
		defer t.Stop()
		persistC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-evictC:
			q.EvictExpired(q.cfg.MaxAge)
		case <-persistC:
			q.persistMu.Lock()
			err := q.persistLocked(ctx, false)
			q.persistMu.Unlock()
			if err != nil && !errors.Is(err, ErrPersistenceDisabled) && ctx.Err() == nil {
				q.log.Warn("periodic snapshot failed", zap.Error(err))
			}
		}
	}
}
