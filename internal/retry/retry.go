// Package retry computes backoff delays and classifies delivery attempts.
//
// Everything here is pure except Sleep, which is the one cancellable wait the
// dispatcher suspends on between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/snehjoshi/courier/internal/types"
)

// Jitter bounds: a jittered delay lies in [d*JitterLow, d*JitterHigh].
const (
	JitterLow  = 0.75
	JitterHigh = 1.25
)

// DefaultMultiplier is used when Config.Multiplier is zero.
const DefaultMultiplier = 2.0

// Config describes a retry schedule.
type Config struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Exponential  bool          `yaml:"exponential"`
	Jitter       bool          `yaml:"jitter"`
}

// DefaultConfig returns 1s doubling up to 60s with jitter.
func DefaultConfig() Config {
	return Config{
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   DefaultMultiplier,
		Exponential:  true,
		Jitter:       true,
	}
}

// Validate rejects negative values.
func (c Config) Validate() error {
	switch {
	case c.InitialDelay < 0:
		return errors.New("retry: initial_delay must be >= 0")
	case c.MaxDelay < 0:
		return errors.New("retry: max_delay must be >= 0")
	case c.Multiplier < 0:
		return errors.New("retry: multiplier must be >= 0")
	}
	return nil
}

// Policy computes backoff delays for a Config. A Policy is safe for
// concurrent use.
type Policy struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures a Policy.
type Option func(*Policy)

// WithSource injects the random source used for jitter. Tests pass a seeded
// rand.NewPCG to get reproducible delays.
func WithSource(src rand.Source) Option {
	return func(p *Policy) { p.rng = rand.New(src) }
}

// New returns a Policy for cfg. A zero MaxDelay takes the default cap, or
// InitialDelay when that is larger, so exponential delays are always bounded.
func New(cfg Config, opts ...Option) *Policy {
	if cfg.Multiplier == 0 {
		cfg.Multiplier = DefaultMultiplier
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = max(DefaultConfig().MaxDelay, cfg.InitialDelay)
	}
	p := &Policy{cfg: cfg}
	for _, o := range opts {
		o(p)
	}
	if p.rng == nil {
		p.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return p
}

// Config returns the schedule the policy was built with.
func (p *Policy) Config() Config { return p.cfg }

// BaseDelay returns the un-jittered delay before retry number attempt
// (1 = first retry). Attempts below 1 are treated as 1.
func (p *Policy) BaseDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if !p.cfg.Exponential {
		return p.cfg.InitialDelay
	}

	d := float64(p.cfg.InitialDelay) * math.Pow(p.cfg.Multiplier, float64(attempt-1))
	if d > float64(p.cfg.MaxDelay) {
		return p.cfg.MaxDelay
	}
	if d >= math.MaxInt64 || math.IsInf(d, 0) || math.IsNaN(d) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// NextDelay returns the delay before retry number attempt, jittered when the
// policy enables it.
func (p *Policy) NextDelay(attempt int) time.Duration {
	d := p.BaseDelay(attempt)
	if !p.cfg.Jitter || d <= 0 {
		return d
	}

	p.mu.Lock()
	f := p.rng.Float64()
	p.mu.Unlock()

	factor := JitterLow + f*(JitterHigh-JitterLow)
	j := float64(d) * factor
	if j >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(j)
}

// ShouldRetry reports whether another attempt is allowed after an attempt in
// category when retries retries have already been spent.
func ShouldRetry(category types.StatusCategory, retries, maxRetries int) bool {
	return category.Retryable() && retries < maxRetries
}

// Classify maps the result of one transport call onto a StatusCategory.
// statusCode is only consulted when err is nil.
//
//   - 2xx: Success
//   - 429, 5xx: ServerError
//   - other 4xx: ClientError
//   - context.Canceled: Cancelled
//   - deadline exceeded or net timeouts: Timeout
//   - any other transport error: NetworkError
func Classify(statusCode int, err error) types.StatusCategory {
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			return types.CategoryCancelled
		case errors.Is(err, context.DeadlineExceeded):
			return types.CategoryTimeout
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return types.CategoryTimeout
		}
		return types.CategoryNetworkError
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return types.CategorySuccess
	case statusCode == 429, statusCode >= 500 && statusCode < 600:
		return types.CategoryServerError
	case statusCode >= 400 && statusCode < 500:
		return types.CategoryClientError
	default:
		// 1xx/3xx that the transport did not follow are not deliveries; the
		// receiver may behave differently next time.
		return types.CategoryServerError
	}
}

// Sleep waits for d or until ctx is done. It returns nil when the full
// duration elapsed and a wrapped ctx.Err() otherwise. Non-positive durations
// return immediately unless ctx is already done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry: wait aborted: %w", err)
		}
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("retry: wait aborted: %w", ctx.Err())
	}
}
