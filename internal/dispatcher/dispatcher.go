// Package dispatcher executes delivery attempts for a RequestSpec: a single
// try, or a full retry sequence with backoff.
//
// The dispatcher never touches the queue. It returns a ResponseOutcome and
// leaves it to the caller to decide what a failure means.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/snehjoshi/courier/internal/retry"
	"github.com/snehjoshi/courier/internal/sender"
	"github.com/snehjoshi/courier/internal/types"
)

// Config holds dispatcher-wide settings.
type Config struct {
	// DefaultTimeout bounds one attempt when the spec sets no TimeoutSeconds.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// RateLimit caps outbound attempts per second across all endpoints.
	// 0 disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	Retry retry.Config `yaml:"retry"`
}

// DefaultConfig returns a 30s attempt timeout, no rate limit and the default
// retry schedule.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 30 * time.Second,
		RateBurst:      1,
		Retry:          retry.DefaultConfig(),
	}
}

// AttemptObservation reports one finished transport call.
type AttemptObservation struct {
	RequestID string
	Endpoint  string
	Priority  types.Priority

	// Attempt is 1 for the first call of a sequence.
	Attempt int
	Outcome types.ResponseOutcome

	// State is the state the request moved to after this attempt.
	State State

	// Delay is the backoff before the next attempt when State is Retrying.
	Delay time.Duration
}

// Observer receives observations synchronously. It must not block.
type Observer func(AttemptObservation)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithPolicy replaces the policy built from Config.Retry.
func WithPolicy(p *retry.Policy) Option { return func(d *Dispatcher) { d.policy = p } }

// WithSleep replaces the backoff wait. Tests use it to record delays.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(d *Dispatcher) { d.sleep = fn }
}

// Dispatcher runs attempts through a sender.Transport. It is safe for
// concurrent use.
type Dispatcher struct {
	transport sender.Transport
	cfg       Config
	policy    *retry.Policy
	limiter   *rate.Limiter
	sleep     func(context.Context, time.Duration) error
	log       *zap.Logger

	obsMu     sync.RWMutex
	observers map[uint64]Observer
	nextObs   uint64
}

// New returns a Dispatcher sending through t.
func New(t sender.Transport, cfg Config, opts ...Option) *Dispatcher {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	d := &Dispatcher{
		transport: t,
		cfg:       cfg,
		sleep:     retry.Sleep,
		log:       zap.NewNop(),
		observers: make(map[uint64]Observer),
	}
	for _, o := range opts {
		o(d)
	}
	if d.policy == nil {
		d.policy = retry.New(cfg.Retry)
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	d.log = d.log.With(zap.String("component", "dispatcher"))
	return d
}

// Observe registers fn for every attempt and returns a function that removes
// it.
func (d *Dispatcher) Observe(fn Observer) (remove func()) {
	d.obsMu.Lock()
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	d.obsMu.Unlock()

	return func() {
		d.obsMu.Lock()
		delete(d.observers, id)
		d.obsMu.Unlock()
	}
}

func (d *Dispatcher) notify(o AttemptObservation) {
	d.obsMu.RLock()
	defer d.obsMu.RUnlock()
	for _, fn := range d.observers {
		fn(o)
	}
}

// ─── attempts ────────────────────────────────────────────────────────────────

// Attempt performs exactly one transport call, bounded by the spec's timeout.
// It never retries.
func (d *Dispatcher) Attempt(ctx context.Context, spec *types.RequestSpec) types.ResponseOutcome {
	if ctx.Err() != nil {
		return cancelledOutcome(ctx, 0)
	}
	out := d.try(ctx, spec)
	out.Attempts = 1

	next := StateFailed
	switch {
	case out.Success:
		next = StateSucceeded
	case out.Category == types.CategoryCancelled:
		next = StateCancelled
	}
	d.notify(observation(spec, 1, out, next, 0))
	return out
}

// AttemptWithRetry runs the full sequence: the first attempt plus up to
// spec.MaxRetries retries on NetworkError, Timeout and ServerError, waiting
// NextDelay between attempts. ClientError is terminal. Cancelling ctx aborts
// the call in flight or the backoff wait and yields a Cancelled outcome.
func (d *Dispatcher) AttemptWithRetry(ctx context.Context, spec *types.RequestSpec) types.ResponseOutcome {
	state := StatePending
	if ctx.Err() != nil {
		d.move(spec, &state, StateCancelled)
		return cancelledOutcome(ctx, 0)
	}

	retries := 0
	for attempt := 1; ; attempt++ {
		d.move(spec, &state, StateInFlight)

		out := d.try(ctx, spec)
		out.Attempts = attempt

		switch {
		case out.Success:
			d.move(spec, &state, StateSucceeded)
			d.notify(observation(spec, attempt, out, state, 0))
			return out
		case out.Category == types.CategoryCancelled:
			d.move(spec, &state, StateCancelled)
			d.notify(observation(spec, attempt, out, state, 0))
			return out
		case !retry.ShouldRetry(out.Category, retries, spec.MaxRetries):
			d.move(spec, &state, StateFailed)
			d.notify(observation(spec, attempt, out, state, 0))
			d.log.Debug("attempts exhausted",
				zap.String("request_id", spec.ID),
				zap.Int("attempts", attempt),
				zap.Stringer("category", out.Category))
			return out
		}

		delay := d.policy.NextDelay(retries + 1)
		d.move(spec, &state, StateRetrying)
		d.notify(observation(spec, attempt, out, state, delay))
		d.log.Debug("retrying",
			zap.String("request_id", spec.ID),
			zap.Int("attempt", attempt),
			zap.Stringer("category", out.Category),
			zap.Duration("delay", delay))

		if err := d.sleep(ctx, delay); err != nil {
			d.move(spec, &state, StateCancelled)
			return cancelledOutcome(ctx, attempt)
		}
		retries++
	}
}

// try performs one call. Attempts is left for the caller to fill in.
func (d *Dispatcher) try(ctx context.Context, spec *types.RequestSpec) types.ResponseOutcome {
	actx, cancel := context.WithTimeout(ctx, spec.Timeout(d.cfg.DefaultTimeout))
	defer cancel()

	start := time.Now()
	if d.limiter != nil {
		if err := d.limiter.Wait(actx); err != nil {
			if ctx.Err() != nil {
				return cancelledOutcome(ctx, 0)
			}
			return types.ResponseOutcome{
				Category:     types.CategoryTimeout,
				LatencyMs:    time.Since(start).Milliseconds(),
				ErrorMessage: fmt.Sprintf("rate limited: %v", err),
			}
		}
	}

	resp, err := d.transport.Send(actx, buildRequest(spec))
	latency := time.Since(start)

	// The caller giving up is cancellation, whatever the transport made of it.
	if err != nil && ctx.Err() != nil {
		return cancelledOutcome(ctx, 0)
	}

	code := 0
	if resp != nil {
		code = resp.StatusCode
	}
	cat := retry.Classify(code, err)
	out := types.ResponseOutcome{
		Success:    cat == types.CategorySuccess,
		Category:   cat,
		StatusCode: code,
		LatencyMs:  latency.Milliseconds(),
	}
	if err != nil {
		out.StatusCode = 0
		out.ErrorMessage = err.Error()
	} else if !out.Success {
		out.ErrorMessage = fmt.Sprintf("endpoint returned %d", code)
	}
	return out
}

func (d *Dispatcher) move(spec *types.RequestSpec, state *State, next State) {
	if !ValidTransition(*state, next) {
		d.log.DPanic("invalid dispatch transition",
			zap.String("request_id", spec.ID),
			zap.Stringer("from", *state),
			zap.Stringer("to", next))
	}
	*state = next
}

func buildRequest(spec *types.RequestSpec) *sender.Request {
	headers := make(map[string]string, len(spec.Headers)+1)
	if spec.Payload.ContentType != "" {
		headers["Content-Type"] = spec.Payload.ContentType
	}
	for k, v := range spec.Headers {
		headers[k] = v
	}
	return &sender.Request{
		URL:     spec.Endpoint,
		Headers: headers,
		Body:    spec.Payload.Body,
	}
}

func observation(spec *types.RequestSpec, attempt int, out types.ResponseOutcome, s State, delay time.Duration) AttemptObservation {
	return AttemptObservation{
		RequestID: spec.ID,
		Endpoint:  spec.Endpoint,
		Priority:  spec.Priority,
		Attempt:   attempt,
		Outcome:   out,
		State:     s,
		Delay:     delay,
	}
}

func cancelledOutcome(ctx context.Context, attempts int) types.ResponseOutcome {
	msg := "cancelled"
	if err := context.Cause(ctx); err != nil && !errors.Is(err, context.Canceled) {
		msg = err.Error()
	}
	return types.ResponseOutcome{
		Category:     types.CategoryCancelled,
		ErrorMessage: msg,
		Attempts:     attempts,
	}
}
