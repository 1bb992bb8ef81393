package retry_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/courier/internal/retry"
	"github.com/snehjoshi/courier/internal/types"
)

func TestBaseDelay_Exponential(t *testing.T) {
	p := retry.New(retry.Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
		Exponential:  true,
	})

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, p.NextDelay(i+1), "attempt %d", i+1)
	}
}

func TestBaseDelay_DefaultMultiplierAndClamp(t *testing.T) {
	p := retry.New(retry.Config{InitialDelay: time.Second, Exponential: true})
	assert.Equal(t, 2.0, p.Config().Multiplier)
	assert.Equal(t, time.Second, p.NextDelay(0))
	assert.Equal(t, time.Second, p.NextDelay(-3))
	assert.Equal(t, 4*time.Second, p.NextDelay(3))
}

func TestBaseDelay_Fixed(t *testing.T) {
	p := retry.New(retry.Config{InitialDelay: 250 * time.Millisecond, MaxDelay: time.Minute})
	for attempt := 1; attempt <= 10; attempt++ {
		assert.Equal(t, 250*time.Millisecond, p.NextDelay(attempt))
	}
}

func TestBaseDelay_HugeAttemptDoesNotOverflow(t *testing.T) {
	p := retry.New(retry.Config{InitialDelay: time.Second, Exponential: true, MaxDelay: time.Duration(math.MaxInt64)})
	assert.Positive(t, p.NextDelay(10_000))
}

func TestBaseDelay_ZeroMaxDelayUsesDefaultCap(t *testing.T) {
	p := retry.New(retry.Config{InitialDelay: time.Second, Exponential: true})
	assert.Equal(t, time.Minute, p.Config().MaxDelay)
	assert.Equal(t, time.Minute, p.NextDelay(10))
	assert.Equal(t, time.Minute, p.NextDelay(10_000))

	long := retry.New(retry.Config{InitialDelay: 5 * time.Minute, Exponential: true})
	assert.Equal(t, 5*time.Minute, long.NextDelay(1))
	assert.Equal(t, 5*time.Minute, long.NextDelay(4))
}

func TestNextDelay_NonDecreasingWithoutJitter(t *testing.T) {
	p := retry.New(retry.Config{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     3 * time.Second,
		Multiplier:   1.7,
		Exponential:  true,
	})

	prev := time.Duration(0)
	for attempt := 1; attempt <= 50; attempt++ {
		d := p.NextDelay(attempt)
		require.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		prev = d
	}
}

func TestNextDelay_JitterBounds(t *testing.T) {
	cfg := retry.Config{
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
		Exponential:  true,
		Jitter:       true,
	}
	p := retry.New(cfg, retry.WithSource(rand.NewPCG(1, 2)))

	for attempt := 1; attempt <= 8; attempt++ {
		base := p.BaseDelay(attempt)
		lo := time.Duration(float64(base) * retry.JitterLow)
		hi := time.Duration(float64(base) * retry.JitterHigh)
		for i := 0; i < 200; i++ {
			d := p.NextDelay(attempt)
			require.GreaterOrEqual(t, d, lo)
			require.LessOrEqual(t, d, hi)
		}
	}
}

func TestNextDelay_DeterministicWithSeed(t *testing.T) {
	cfg := retry.DefaultConfig()
	a := retry.New(cfg, retry.WithSource(rand.NewPCG(42, 7)))
	b := retry.New(cfg, retry.WithSource(rand.NewPCG(42, 7)))
	for attempt := 1; attempt <= 6; attempt++ {
		assert.Equal(t, a.NextDelay(attempt), b.NextDelay(attempt))
	}
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, retry.DefaultConfig().Validate())
	assert.Error(t, retry.Config{InitialDelay: -1}.Validate())
	assert.Error(t, retry.Config{MaxDelay: -1}.Validate())
	assert.Error(t, retry.Config{Multiplier: -1}.Validate())
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	tests := []struct {
		code int
		err  error
		want types.StatusCategory
	}{
		{200, nil, types.CategorySuccess},
		{204, nil, types.CategorySuccess},
		{299, nil, types.CategorySuccess},
		{400, nil, types.CategoryClientError},
		{401, nil, types.CategoryClientError},
		{404, nil, types.CategoryClientError},
		{410, nil, types.CategoryClientError},
		{429, nil, types.CategoryServerError},
		{500, nil, types.CategoryServerError},
		{503, nil, types.CategoryServerError},
		{0, context.Canceled, types.CategoryCancelled},
		{0, fmt.Errorf("send: %w", context.Canceled), types.CategoryCancelled},
		{0, context.DeadlineExceeded, types.CategoryTimeout},
		{0, timeoutErr{}, types.CategoryTimeout},
		{0, errors.New("connection refused"), types.CategoryNetworkError},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("%d/%v", tc.code, tc.err), func(t *testing.T) {
			assert.Equal(t, tc.want, retry.Classify(tc.code, tc.err))
		})
	}
}

func TestShouldRetry(t *testing.T) {
	assert.False(t, retry.ShouldRetry(types.CategoryServerError, 0, 0), "maxRetries=0 never retries")
	assert.True(t, retry.ShouldRetry(types.CategoryServerError, 0, 1))
	assert.False(t, retry.ShouldRetry(types.CategoryServerError, 1, 1))
	assert.True(t, retry.ShouldRetry(types.CategoryTimeout, 2, 3))
	assert.True(t, retry.ShouldRetry(types.CategoryNetworkError, 0, 3))
	assert.False(t, retry.ShouldRetry(types.CategoryClientError, 0, 3))
	assert.False(t, retry.ShouldRetry(types.CategoryCancelled, 0, 3))
	assert.False(t, retry.ShouldRetry(types.CategorySuccess, 0, 3))
}

func TestSleep(t *testing.T) {
	require.NoError(t, retry.Sleep(context.Background(), time.Millisecond))
	require.NoError(t, retry.Sleep(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := retry.Sleep(ctx, time.Hour)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Error(t, retry.Sleep(ctx, 0), "an already-cancelled context aborts a zero wait")
}
