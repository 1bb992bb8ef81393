// Package events is the in-process notification bus shared by the queue, the
// network monitor and the coordinator.
//
// Publishers never block. Subscribe gives a best-effort subscriber a
// buffered channel: when it is full the event is dropped for that subscriber
// and counted. SubscribeReliable queues every event in an unbounded backlog
// that a per-subscriber goroutine feeds into C, for consumers that must not
// lose events such as the dead-letter log.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/snehjoshi/courier/internal/types"
)

// Kind names an event type.
type Kind string

const (
	EntryEnqueued       Kind = "entry_enqueued"
	EntryDequeued       Kind = "entry_dequeued"
	QueueFlushed        Kind = "queue_flushed"
	EntryDropped        Kind = "entry_dropped"
	ConnectivityChanged Kind = "connectivity_changed"
	ConnectionRestored  Kind = "connection_restored"
	AttemptCompleted    Kind = "attempt_completed"
)

// AllKinds lists every kind in declaration order.
var AllKinds = []Kind{
	EntryEnqueued, EntryDequeued, QueueFlushed, EntryDropped,
	ConnectivityChanged, ConnectionRestored, AttemptCompleted,
}

// FlushSummary is attached to QueueFlushed events.
type FlushSummary struct {
	Attempted int  `json:"attempted"`
	Delivered int  `json:"delivered"`
	Dropped   int  `json:"dropped"`
	Remaining int  `json:"remaining"`
	Aborted   bool `json:"aborted,omitempty"`
}

// Event is one notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind Kind      `json:"kind"`
	Time time.Time `json:"time"`

	RequestID string                 `json:"request_id,omitempty"`
	Reason    types.DropReason       `json:"reason,omitempty"`
	Entry     *types.QueueEntry      `json:"entry,omitempty"`
	Outcome   *types.ResponseOutcome `json:"outcome,omitempty"`
	Attempt   int                    `json:"attempt,omitempty"`

	// Connectivity events.
	Previous string `json:"previous,omitempty"`
	Current  string `json:"current,omitempty"`

	Flush *FlushSummary `json:"flush,omitempty"`
}

// Publisher is the narrow interface components emit through.
type Publisher interface {
	Publish(Event)
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// DefaultBuffer is the channel capacity used when Subscribe is given 0.
const DefaultBuffer = 64

// Subscription receives events on C until Close is called or the bus closes.
type Subscription struct {
	C <-chan Event

	ch    chan Event
	kinds map[Kind]struct{}
	bus   *Bus
	once  sync.Once

	// Reliable subscriptions only.
	reliable bool
	wake     chan struct{}
	quit     chan struct{}
	mu       sync.Mutex
	backlog  []Event
	done     bool
}

func (s *Subscription) wants(k Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

// Close detaches the subscription and closes C. Events still in a reliable
// subscription's backlog are discarded.
func (s *Subscription) Close() { s.bus.unsubscribe(s) }

// stop ends delivery. Best-effort channels close at once; a reliable
// subscription's pump exits and closes C.
func (s *Subscription) stop() {
	s.once.Do(func() {
		if s.reliable {
			close(s.quit)
			return
		}
		close(s.ch)
	})
}

// finish lets a reliable subscription drain its backlog before C closes.
func (s *Subscription) finish() {
	if !s.reliable {
		s.stop()
		return
	}
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	s.backlog = append(s.backlog, ev)
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		batch, done := s.backlog, s.done
		s.backlog = nil
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.ch <- ev:
			case <-s.quit:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		if done {
			return
		}
		select {
		case <-s.wake:
		case <-s.quit:
			return
		}
	}
}

// Bus fans events out to subscribers.
type Bus struct {
	log *zap.Logger
	now func() time.Time

	mu     sync.RWMutex
	subs   []*Subscription
	closed bool

	dropped atomic.Uint64
}

// NewBus returns an empty bus. A nil logger is replaced with a no-op logger.
func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{log: log, now: time.Now}
}

// Subscribe registers a best-effort subscriber for kinds (all kinds when
// empty). buffer <= 0 uses DefaultBuffer. Events that find the buffer full
// are dropped for this subscriber.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := newSubscription(b, buffer, kinds)
	return b.attach(s)
}

// SubscribeReliable registers a subscriber that never loses an event.
// Publish appends to an unbounded backlog and a goroutine feeds C in order.
// When the bus closes the backlog is drained before C closes.
func (b *Bus) SubscribeReliable(kinds ...Kind) *Subscription {
	s := newSubscription(b, 1, kinds)
	s.reliable = true
	s.wake = make(chan struct{}, 1)
	s.quit = make(chan struct{})
	return b.attach(s)
}

func newSubscription(b *Bus, buffer int, kinds []Kind) *Subscription {
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch, bus: b}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = struct{}{}
		}
	}
	return s
}

func (b *Bus) attach(s *Subscription) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.once.Do(func() { close(s.ch) })
		return s
	}
	if s.reliable {
		go s.pump()
	}
	b.subs = append(b.subs, s)
	return s
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == s {
			last := len(b.subs) - 1
			b.subs[i] = b.subs[last]
			b.subs[last] = nil
			b.subs = b.subs[:last]
			break
		}
	}
	s.stop()
}

// Publish stamps ev with the current time when unset and delivers it to
// every matching subscriber.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, s := range b.subs {
		if !s.wants(ev.Kind) {
			continue
		}
		if s.reliable {
			s.enqueue(ev)
			continue
		}
		select {
		case s.ch <- ev:
		default:
			b.dropped.Add(1)
			b.log.Debug("subscriber buffer full, event dropped",
				zap.String("kind", string(ev.Kind)),
				zap.String("request_id", ev.RequestID))
		}
	}
}

// Dropped returns how many deliveries were abandoned because a best-effort
// subscriber's buffer was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close closes every subscription. Publish becomes a no-op. Reliable
// subscriptions close C once their backlog has been read.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		s.finish()
	}
	b.subs = nil
}
