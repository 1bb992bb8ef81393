package sender

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerConfig controls the per-host circuit breakers.
type BreakerConfig struct {
	Enabled bool `yaml:"enabled"`

	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32 `yaml:"consecutive_failures"`

	// OpenTimeout is how long the breaker stays open before letting
	// HalfOpenRequests probe calls through.
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	HalfOpenRequests uint32        `yaml:"half_open_requests"`

	// Interval clears the closed-state counts periodically. 0 never clears.
	Interval time.Duration `yaml:"interval"`
}

// DefaultBreakerConfig trips after 5 consecutive failures and probes again
// after 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:             true,
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		HalfOpenRequests:    1,
	}
}

// BreakerTransport wraps a Transport with one circuit breaker per endpoint
// host. Transport errors, 429 and 5xx responses count as failures; 4xx
// responses do not, since the endpoint is up and answering.
type BreakerTransport struct {
	next Transport
	cfg  BreakerConfig
	log  *zap.Logger

	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerTransport wraps next. A nil logger is replaced with a no-op one.
func NewBreakerTransport(next Transport, cfg BreakerConfig, log *zap.Logger) *BreakerTransport {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = DefaultBreakerConfig().ConsecutiveFailures
	}
	return &BreakerTransport{
		next:     next,
		cfg:      cfg,
		log:      log.With(zap.String("component", "breaker")),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// statusError carries a failing response through gobreaker so the breaker
// counts it, and is unwrapped again before returning to the caller.
type statusError struct{ resp *RawResponse }

func (e *statusError) Error() string { return fmt.Sprintf("status %d", e.resp.StatusCode) }

// Send implements Transport.
func (b *BreakerTransport) Send(ctx context.Context, req *Request) (*RawResponse, error) {
	cb := b.breaker(hostKey(req.URL))

	out, err := cb.Execute(func() (interface{}, error) {
		resp, err := b.next.Send(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == 429 || resp.StatusCode >= 500 {
			return nil, &statusError{resp: resp}
		}
		return resp, nil
	})

	var se *statusError
	switch {
	case errors.As(err, &se):
		return se.resp, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, fmt.Errorf("%w: %s: %v", ErrCircuitOpen, cb.Name(), err)
	case err != nil:
		return nil, err
	}
	return out.(*RawResponse), nil
}

// State reports the breaker state for the host of endpoint.
func (b *BreakerTransport) State(endpoint string) gobreaker.State {
	return b.breaker(hostKey(endpoint)).State()
}

func (b *BreakerTransport) breaker(host string) *gobreaker.CircuitBreaker {
	b.mu.RLock()
	cb, ok := b.breakers[host]
	b.mu.RUnlock()
	if ok {
		return cb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok = b.breakers[host]; ok {
		return cb
	}

	threshold := b.cfg.ConsecutiveFailures
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: b.cfg.HalfOpenRequests,
		Interval:    b.cfg.Interval,
		Timeout:     b.cfg.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.log.Warn("circuit breaker state changed",
				zap.String("host", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	b.breakers[host] = cb
	return cb
}

func hostKey(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint
	}
	return u.Host
}
