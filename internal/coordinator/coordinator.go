// Package coordinator is the entry point for producers. It ties the
// dispatcher, the queue and the network monitor together.
//
// All application code (admin API, event stream, dead-letter replay) talks to
// the Coordinator, never directly to the queue or the dispatcher.
//
// Data flow:
//
//	Producer → Coordinator.Submit → dispatcher.AttemptWithRetry → Transport
//	            └─ recoverable failure → queue.Enqueue → storage.BlobStore
//	netmon ConnectionRestored → Coordinator.Flush → dispatcher.Attempt per entry
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/snehjoshi/courier/internal/dispatcher"
	"github.com/snehjoshi/courier/internal/events"
	"github.com/snehjoshi/courier/internal/netmon"
	"github.com/snehjoshi/courier/internal/node"
	"github.com/snehjoshi/courier/internal/queue"
	"github.com/snehjoshi/courier/internal/sender"
	"github.com/snehjoshi/courier/internal/types"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	ErrNotStarted = errors.New("coordinator: not started")
	ErrStopped    = errors.New("coordinator: stopped")

	// ErrDuplicate is returned when a request with the same ID is already in
	// flight or queued.
	ErrDuplicate = errors.New("coordinator: request already pending")
)

// Signer produces a signature over the exact bytes that will be sent.
type Signer func(payload, secret []byte) ([]byte, error)

// Config holds the coordinator settings.
type Config struct {
	// Concurrency bounds both immediate deliveries and the per-tier
	// parallelism of a flush pass.
	Concurrency int `yaml:"concurrency"`

	// AutoFlush drains the queue whenever connectivity is restored.
	AutoFlush bool `yaml:"auto_flush"`

	// FlushOnStart drains a restored queue right after Start unless the
	// monitor reports Offline.
	FlushOnStart bool `yaml:"flush_on_start"`

	// SigningSecret enables payload signing. Empty disables it.
	SigningSecret string `yaml:"signing_secret"`

	// MobileConstrained is passed to netmon.Monitor.ShouldDefer.
	MobileConstrained bool `yaml:"mobile_constrained"`
}

// DefaultConfig returns a pool of 4 with auto flush on.
func DefaultConfig() Config {
	return Config{
		Concurrency:  4,
		AutoFlush:    true,
		FlushOnStart: true,
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithSigner replaces the default HMAC-SHA256 signer.
func WithSigner(s Signer) Option { return func(c *Coordinator) { c.signer = s } }

// flight is a delivery in progress, immediate or part of a flush.
type flight struct {
	cancel context.CancelFunc

	// cancelled is set when Cancel asked for this flight to stop, as opposed
	// to a shutdown or a flush abort.
	cancelled atomic.Bool
}

// Coordinator owns the delivery lifecycle. All methods are safe for
// concurrent use.
type Coordinator struct {
	cfg    Config
	d      *dispatcher.Dispatcher
	q      *queue.Queue
	mon    *netmon.Monitor
	bus    *events.Bus
	signer Signer
	log    *zap.Logger

	sem *semaphore.Weighted

	ready     chan struct{}
	flushReq  chan struct{}
	flushMu   sync.Mutex
	removeObs func()

	mu      sync.Mutex
	started bool
	stopped bool
	flights map[string]*flight
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires a coordinator. The queue and the monitor are expected to publish
// to bus.
func New(cfg Config, d *dispatcher.Dispatcher, q *queue.Queue, mon *netmon.Monitor, bus *events.Bus, opts ...Option) *Coordinator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	c := &Coordinator{
		cfg:      cfg,
		d:        d,
		q:        q,
		mon:      mon,
		bus:      bus,
		log:      zap.NewNop(),
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		ready:    make(chan struct{}),
		flushReq: make(chan struct{}, 1),
		flights:  make(map[string]*flight),
	}
	for _, o := range opts {
		o(c)
	}
	if c.signer == nil {
		c.signer = sender.HMACSHA256
	}
	c.log = c.log.With(zap.String("component", "coordinator"))
	return c
}

// ─── lifecycle ───────────────────────────────────────────────────────────────

// Start restores the queue, starts the monitor and the background loops, and
// closes Ready. A restore failure is logged and the coordinator continues
// with an in-memory queue.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.runCtx, c.cancel = context.WithCancel(context.Background())
	c.started = true
	c.mu.Unlock()

	n, err := c.q.Restore(ctx)
	if err != nil {
		c.log.Error("queue restore failed, continuing in memory", zap.Error(err))
	}

	c.removeObs = c.d.Observe(c.observe)

	if err := c.mon.Start(c.runCtx); err != nil {
		return fmt.Errorf("coordinator: start monitor: %w", err)
	}
	changes := c.mon.Subscribe()

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		if err := c.q.Run(c.runCtx); err != nil {
			c.log.Error("queue maintenance stopped", zap.Error(err))
		}
	}()
	go c.watchConnectivity(changes)
	go c.flushLoop()

	close(c.ready)
	c.log.Info("coordinator started",
		zap.Int("restored", n),
		zap.Int("concurrency", c.cfg.Concurrency),
		zap.Bool("auto_flush", c.cfg.AutoFlush))

	if c.cfg.FlushOnStart && n > 0 && c.mon.Connectivity() != netmon.Offline {
		c.requestFlush()
	}
	return nil
}

// Ready is closed once Start has restored the queue.
func (c *Coordinator) Ready() <-chan struct{} { return c.ready }

// Stop cancels in-flight work, waits for it (bounded by ctx), stops the
// monitor and writes a final queue snapshot. Deliveries interrupted by Stop
// are queued, not lost.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.stopped = true
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	c.cancel()

	var err error
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, fmt.Errorf("coordinator: waiting for in-flight work: %w", ctx.Err()))
	}

	if c.removeObs != nil {
		c.removeObs()
	}
	err = multierr.Append(err, c.mon.Stop())
	if perr := c.q.Persist(ctx); perr != nil && !errors.Is(perr, queue.ErrPersistenceDisabled) {
		err = multierr.Append(err, perr)
	}
	c.q.Close()

	c.log.Info("coordinator stopped", zap.Int("queued", c.q.Count()))
	return err
}

// track registers a flight for id under c.mu and adds it to the wait group.
// It fails once Stop has begun.
func (c *Coordinator) track(id string, parent context.Context) (context.Context, *flight, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil, nil, ErrNotStarted
	}
	if c.stopped {
		return nil, nil, ErrStopped
	}
	if _, busy := c.flights[id]; busy {
		return nil, nil, fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	ctx, cancel := context.WithCancel(parent)
	f := &flight{cancel: cancel}
	c.flights[id] = f
	c.wg.Add(1)
	return ctx, f, nil
}

func (c *Coordinator) untrack(id string, f *flight) {
	c.mu.Lock()
	if c.flights[id] == f {
		delete(c.flights, id)
	}
	c.mu.Unlock()
	f.cancel()
	c.wg.Done()
}

func (c *Coordinator) observe(o dispatcher.AttemptObservation) {
	if o.Outcome.StatusCode > 0 {
		c.mon.RecordLatency(time.Duration(o.Outcome.LatencyMs) * time.Millisecond)
	}
	out := o.Outcome
	c.bus.Publish(events.Event{
		Kind:      events.AttemptCompleted,
		RequestID: o.RequestID,
		Attempt:   o.Attempt,
		Outcome:   &out,
	})
}

func (c *Coordinator) watchConnectivity(changes <-chan netmon.Change) {
	defer c.wg.Done()
	for {
		select {
		case <-c.runCtx.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			if ch.Restored && c.cfg.AutoFlush {
				c.log.Info("connection restored, flushing queue", zap.Int("queued", c.q.Count()))
				c.requestFlush()
			}
		}
	}
}

// requestFlush schedules a background flush. Requests made while one is
// pending collapse into it.
func (c *Coordinator) requestFlush() {
	select {
	case c.flushReq <- struct{}{}:
	default:
	}
}

func (c *Coordinator) flushLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.runCtx.Done():
			return
		case <-c.flushReq:
			if _, err := c.Flush(c.runCtx); err != nil && c.runCtx.Err() == nil {
				c.log.Warn("background flush failed", zap.Error(err))
			}
		}
	}
}

// ─── Submit ──────────────────────────────────────────────────────────────────

// Submit takes ownership of a copy of spec and delivers it in the background.
// An empty ID is replaced with a generated one and a zero CreatedAt with the
// current time.
//
// Non-critical requests are queued straight away while the monitor advises
// deferral. Otherwise the request is dispatched with retries; a recoverable
// failure after the last retry queues it. The returned Handle resolves as
// Delivered, Failed (client error), Cancelled, Queued or Dropped.
//
// ctx bounds only the submission itself; use Cancel to stop a delivery.
func (c *Coordinator) Submit(ctx context.Context, spec *types.RequestSpec) (*Handle, error) {
	if spec == nil {
		return nil, fmt.Errorf("%w: nil spec", types.ErrInvalidSpec)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := spec.Clone()
	if s.ID == "" {
		id, err := node.NewID()
		if err != nil {
			return nil, fmt.Errorf("coordinator: generate request id: %w", err)
		}
		s.ID = id
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if c.q.Contains(s.ID) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, s.ID)
	}

	h := newHandle(s.ID)

	if s.Priority != types.PriorityCritical && c.mon.ShouldDefer(c.cfg.MobileConstrained) {
		c.mu.Lock()
		started, stopped := c.started, c.stopped
		c.mu.Unlock()
		switch {
		case !started:
			return nil, ErrNotStarted
		case stopped:
			return nil, ErrStopped
		}
		c.log.Debug("deferring submission",
			zap.String("request_id", s.ID),
			zap.Stringer("priority", s.Priority),
			zap.Stringer("connectivity", c.mon.Connectivity()))
		c.enqueue(h, s, types.ResponseOutcome{Category: types.CategoryNetworkError, ErrorMessage: "deferred"})
		return h, nil
	}

	// Fail fast on signing problems before anything is in flight.
	if _, err := c.prepare(s); err != nil {
		return nil, err
	}

	fctx, f, err := c.track(s.ID, c.runCtxOrBackground())
	if err != nil {
		return nil, err
	}
	go c.deliver(fctx, f, h, s)
	return h, nil
}

func (c *Coordinator) runCtxOrBackground() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runCtx == nil {
		return context.Background()
	}
	return c.runCtx
}

func (c *Coordinator) deliver(ctx context.Context, f *flight, h *Handle, s *types.RequestSpec) {
	defer c.untrack(s.ID, f)

	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.settleCancelled(f, h, s, types.ResponseOutcome{Category: types.CategoryCancelled, ErrorMessage: "cancelled"})
		return
	}
	defer c.sem.Release(1)

	prepared, err := c.prepare(s)
	if err != nil {
		h.resolve(Result{Status: StatusFailed, Outcome: types.ResponseOutcome{
			Category: types.CategoryClientError, ErrorMessage: err.Error(),
		}})
		return
	}

	out := c.d.AttemptWithRetry(ctx, prepared)
	switch {
	case out.Success:
		h.resolve(Result{Status: StatusDelivered, Outcome: out})
	case out.Category == types.CategoryCancelled:
		c.settleCancelled(f, h, s, out)
	case out.Category == types.CategoryClientError:
		c.log.Warn("delivery rejected by endpoint",
			zap.String("request_id", s.ID),
			zap.Int("status", out.StatusCode))
		h.resolve(Result{Status: StatusFailed, Outcome: out})
	default:
		c.enqueue(h, s, out)
	}
}

// settleCancelled resolves a cancelled delivery: Cancelled when Cancel asked
// for it, queued when shutdown interrupted it.
func (c *Coordinator) settleCancelled(f *flight, h *Handle, s *types.RequestSpec, out types.ResponseOutcome) {
	if f.cancelled.Load() {
		h.resolve(Result{Status: StatusCancelled, Outcome: out})
		return
	}
	c.enqueue(h, s, out)
}

func (c *Coordinator) enqueue(h *Handle, s *types.RequestSpec, out types.ResponseOutcome) {
	res, err := c.q.Enqueue(s, out.Attempts)
	switch {
	case err != nil:
		c.log.Error("could not queue undelivered request",
			zap.String("request_id", s.ID), zap.Error(err))
		out.ErrorMessage = err.Error()
		h.resolve(Result{Status: StatusFailed, Outcome: out})
	case !res.Accepted:
		h.resolve(Result{Status: StatusDropped, Outcome: out, Reason: res.Reason})
	default:
		h.resolve(Result{Status: StatusQueued, Outcome: out})
	}
}

// ─── Cancel ──────────────────────────────────────────────────────────────────

// Cancel stops a delivery in flight or removes a queued entry. It reports
// whether anything was found.
func (c *Coordinator) Cancel(id string) bool {
	c.mu.Lock()
	f, inFlight := c.flights[id]
	if inFlight {
		f.cancelled.Store(true)
		f.cancel()
	}
	c.mu.Unlock()
	if inFlight {
		return true
	}
	_, ok := c.q.Drop(id, types.DropCancelled)
	return ok
}

// CancelAll cancels every delivery in flight and drops every queued entry.
// It returns how many requests were affected.
func (c *Coordinator) CancelAll() int {
	c.mu.Lock()
	n := len(c.flights)
	for _, f := range c.flights {
		f.cancelled.Store(true)
		f.cancel()
	}
	c.mu.Unlock()

	for _, e := range c.q.Snapshot() {
		c.mu.Lock()
		_, inFlight := c.flights[e.Spec.ID]
		c.mu.Unlock()
		if inFlight {
			continue
		}
		if _, ok := c.q.Drop(e.Spec.ID, types.DropCancelled); ok {
			n++
		}
	}
	return n
}

// ─── reads ───────────────────────────────────────────────────────────────────

// QueueStats returns the queue counters.
func (c *Coordinator) QueueStats() types.QueueStats { return c.q.Stats() }

// QueueSnapshot returns the queued entries in dispatch order.
func (c *Coordinator) QueueSnapshot() []types.QueueEntry { return c.q.Snapshot() }

// InFlight returns how many deliveries are running.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.flights)
}

// Subscribe returns a subscription to the coordinator's events, filtered to
// kinds when any are given.
func (c *Coordinator) Subscribe(kinds ...events.Kind) *events.Subscription {
	return c.bus.Subscribe(0, kinds...)
}
