// Package dlq keeps a bounded log of requests the queue gave up on.
//
// The Recorder subscribes to EntryDropped events and appends each dropped
// entry to a ring of the last Capacity records, persisted as one JSON blob.
// Entries removed because a caller cancelled them or cleared the queue are
// not dead letters and are ignored.
//
//   - List:   read the recorded entries, oldest first.
//   - Replay: resubmit the oldest N entries and remove the ones accepted.
//   - Notifier: optionally publish every record to "<prefix>.<reason>"
//     (a *nats.Conn satisfies the interface).
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/snehjoshi/courier/internal/events"
	"github.com/snehjoshi/courier/internal/storage"
	"github.com/snehjoshi/courier/internal/types"
)

// Record is one dead-lettered request.
type Record struct {
	DLQID     string            `json:"dlq_id"`
	RequestID string            `json:"request_id"`
	Reason    types.DropReason  `json:"reason"`
	Attempts  int               `json:"attempts"`
	DroppedAt time.Time         `json:"dropped_at"`
	Spec      types.RequestSpec `json:"spec"`
}

// Notifier receives every new record. *nats.Conn implements it.
type Notifier interface {
	Publish(subject string, data []byte) error
}

// SubmitFunc resubmits a spec during Replay.
type SubmitFunc func(ctx context.Context, spec *types.RequestSpec) error

// Config controls the recorder.
type Config struct {
	// Capacity is the number of records kept. The oldest record is discarded
	// when a new one arrives at capacity.
	Capacity int
	// StorageKey is the blob key the log is persisted under.
	StorageKey string
	// SubjectPrefix is prepended to the drop reason for Notifier subjects.
	SubjectPrefix string
}

// DefaultConfig returns the values used by the daemon.
func DefaultConfig() Config {
	return Config{Capacity: 1000, StorageKey: "dlq", SubjectPrefix: "courier.dropped"}
}

// Option customises a Recorder.
type Option func(*Recorder)

// WithStore persists the log. Without a store the log lives in memory only.
func WithStore(s storage.BlobStore) Option { return func(r *Recorder) { r.store = s } }

// WithNotifier publishes each record.
func WithNotifier(n Notifier) Option { return func(r *Recorder) { r.notify = n } }

// WithNATS publishes each record on nc.
func WithNATS(nc *nats.Conn) Option { return WithNotifier(nc) }

// WithLogger sets the logger. A nil logger is ignored.
func WithLogger(l *zap.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.log = l
		}
	}
}

// Recorder is the dead-letter log.
type Recorder struct {
	cfg    Config
	store  storage.BlobStore
	notify Notifier
	log    *zap.Logger

	mu      sync.Mutex
	records []Record
}

// New returns an empty Recorder. Call Load to pick up a persisted log.
func New(cfg Config, opts ...Option) *Recorder {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if cfg.StorageKey == "" {
		cfg.StorageKey = DefaultConfig().StorageKey
	}
	r := &Recorder{cfg: cfg, log: zap.NewNop()}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.With(zap.String("component", "dlq"))
	return r
}

// Load replaces the in-memory log with the persisted one. A missing blob is
// not an error.
func (r *Recorder) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	data, err := r.store.ReadBlob(ctx, r.cfg.StorageKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("dlq.Load: %w", err)
	}
	var recs []Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return fmt.Errorf("dlq.Load: decode: %w", err)
	}
	if len(recs) > r.cfg.Capacity {
		recs = recs[len(recs)-r.cfg.Capacity:]
	}

	r.mu.Lock()
	r.records = recs
	r.mu.Unlock()
	return nil
}

// Run records drop events from sub until ctx is done or sub is closed.
func (r *Recorder) Run(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if _, err := r.Record(ctx, ev); err != nil {
				r.log.Warn("record drop failed", zap.String("request_id", ev.RequestID), zap.Error(err))
			}
		}
	}
}

// Record appends ev when it is a dead-letter drop. It reports whether the
// event was recorded.
func (r *Recorder) Record(ctx context.Context, ev events.Event) (bool, error) {
	if ev.Kind != events.EntryDropped || ev.Entry == nil {
		return false, nil
	}
	switch ev.Reason {
	case types.DropCancelled, types.DropCleared:
		return false, nil
	}

	rec := Record{
		DLQID:     uuid.New().String(),
		RequestID: ev.Entry.Spec.ID,
		Reason:    ev.Reason,
		Attempts:  ev.Entry.AttemptCount,
		DroppedAt: ev.Time.UTC(),
		Spec:      *ev.Entry.Spec.Clone(),
	}
	if rec.DroppedAt.IsZero() {
		rec.DroppedAt = time.Now().UTC()
	}

	r.mu.Lock()
	r.records = append(r.records, rec)
	if over := len(r.records) - r.cfg.Capacity; over > 0 {
		r.records = append([]Record(nil), r.records[over:]...)
	}
	err := r.persistLocked(ctx)
	r.mu.Unlock()

	r.publish(rec)
	r.log.Info("request dead-lettered",
		zap.String("request_id", rec.RequestID),
		zap.String("reason", string(rec.Reason)),
		zap.Int("attempts", rec.Attempts))
	return true, err
}

func (r *Recorder) publish(rec Record) {
	if r.notify == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		r.log.Warn("marshal dlq record", zap.Error(err))
		return
	}
	subject := SubjectFor(r.cfg.SubjectPrefix, rec.Reason)
	if err := r.notify.Publish(subject, data); err != nil {
		r.log.Warn("publish dlq record", zap.String("subject", subject), zap.Error(err))
	}
}

// SubjectFor returns the notification subject for reason.
func SubjectFor(prefix string, reason types.DropReason) string {
	if prefix == "" {
		return string(reason)
	}
	return prefix + "." + string(reason)
}

// List returns up to limit records, oldest first. limit <= 0 returns all.
func (r *Recorder) List(limit int) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.records)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Record, n)
	copy(out, r.records[:n])
	return out
}

// Len returns the number of recorded entries.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Replay resubmits up to limit of the oldest records through submit.
// Records are removed only after submit accepts them; a rejected record stays
// in the log. Returns the number replayed.
func (r *Recorder) Replay(ctx context.Context, limit int, submit SubmitFunc) (int, error) {
	batch := r.List(limit)

	replayed := make(map[string]struct{}, len(batch))
	var firstErr error
	for _, rec := range batch {
		if err := ctx.Err(); err != nil {
			firstErr = err
			break
		}
		spec := rec.Spec.Clone()
		// Attempt history starts over.
		spec.CreatedAt = time.Time{}
		if err := submit(ctx, spec); err != nil {
			r.log.Warn("replay rejected", zap.String("request_id", rec.RequestID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		replayed[rec.DLQID] = struct{}{}
	}

	if len(replayed) == 0 {
		return 0, firstErr
	}

	r.mu.Lock()
	kept := r.records[:0:0]
	for _, rec := range r.records {
		if _, ok := replayed[rec.DLQID]; !ok {
			kept = append(kept, rec)
		}
	}
	r.records = kept
	err := r.persistLocked(ctx)
	r.mu.Unlock()

	if firstErr == nil {
		firstErr = err
	}
	return len(replayed), firstErr
}

// Clear empties the log.
func (r *Recorder) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = nil
	return r.persistLocked(ctx)
}

func (r *Recorder) persistLocked(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	data, err := json.Marshal(r.records)
	if err != nil {
		return fmt.Errorf("dlq: encode: %w", err)
	}
	if err := r.store.WriteBlob(ctx, r.cfg.StorageKey, data); err != nil {
		return fmt.Errorf("dlq: persist: %w", err)
	}
	return nil
}
