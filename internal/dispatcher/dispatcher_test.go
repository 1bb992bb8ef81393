package dispatcher_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/courier/internal/dispatcher"
	"github.com/snehjoshi/courier/internal/retry"
	"github.com/snehjoshi/courier/internal/sender"
	"github.com/snehjoshi/courier/internal/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// scripted answers each call with the next status (or error) in the script
// and repeats the last one once the script runs out.
type scripted struct {
	mu    sync.Mutex
	steps []step
	calls int
	reqs  []*sender.Request
}

type step struct {
	code int
	err  error
}

func (s *scripted) Send(ctx context.Context, r *sender.Request) (*sender.RawResponse, error) {
	s.mu.Lock()
	i := s.calls
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	st := s.steps[i]
	s.calls++
	s.reqs = append(s.reqs, r)
	s.mu.Unlock()

	if st.err != nil {
		return nil, st.err
	}
	return &sender.RawResponse{StatusCode: st.code}, nil
}

func (s *scripted) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// sleeps records backoff delays without waiting.
type sleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleeps) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newDispatcher(t *testing.T, tr sender.Transport, opts ...dispatcher.Option) (*dispatcher.Dispatcher, *sleeps) {
	t.Helper()
	sl := &sleeps{}
	cfg := dispatcher.DefaultConfig()
	cfg.Retry.Jitter = false
	opts = append([]dispatcher.Option{dispatcher.WithSleep(sl.sleep)}, opts...)
	return dispatcher.New(tr, cfg, opts...), sl
}

func spec(maxRetries int) *types.RequestSpec {
	return &types.RequestSpec{
		ID:         "req-1",
		Endpoint:   "https://hooks.example.com/in",
		Payload:    types.Payload{Body: []byte(`{}`), ContentType: "application/json"},
		Priority:   types.PriorityNormal,
		MaxRetries: maxRetries,
		Headers:    map[string]string{"X-Trace": "t1"},
	}
}

// ─── Attempt ─────────────────────────────────────────────────────────────────

func TestAttempt_SingleCall(t *testing.T) {
	tr := &scripted{steps: []step{{code: 503}}}
	d, sl := newDispatcher(t, tr)

	out := d.Attempt(context.Background(), spec(5))
	assert.False(t, out.Success)
	assert.Equal(t, types.CategoryServerError, out.Category)
	assert.Equal(t, 503, out.StatusCode)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 1, tr.count())
	assert.Empty(t, sl.delays)
}

func TestAttempt_BuildsRequest(t *testing.T) {
	tr := &scripted{steps: []step{{code: 200}}}
	d, _ := newDispatcher(t, tr)

	out := d.Attempt(context.Background(), spec(0))
	require.True(t, out.Success)

	require.Len(t, tr.reqs, 1)
	r := tr.reqs[0]
	assert.Equal(t, "https://hooks.example.com/in", r.URL)
	assert.Equal(t, "application/json", r.Headers["Content-Type"])
	assert.Equal(t, "t1", r.Headers["X-Trace"])
	assert.Equal(t, []byte(`{}`), r.Body)
}

// ─── AttemptWithRetry ────────────────────────────────────────────────────────

func TestAttemptWithRetry_ZeroRetriesMeansOneAttempt(t *testing.T) {
	tr := &scripted{steps: []step{{code: 500}}}
	d, sl := newDispatcher(t, tr)

	out := d.AttemptWithRetry(context.Background(), spec(0))
	assert.Equal(t, types.CategoryServerError, out.Category)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 1, tr.count())
	assert.Empty(t, sl.delays)
}

func TestAttemptWithRetry_RetriesThenSucceeds(t *testing.T) {
	tr := &scripted{steps: []step{
		{err: errors.New("connection reset")},
		{code: 429},
		{code: 502},
		{code: 201},
	}}
	d, sl := newDispatcher(t, tr)

	out := d.AttemptWithRetry(context.Background(), spec(5))
	assert.True(t, out.Success)
	assert.Equal(t, 201, out.StatusCode)
	assert.Equal(t, 4, out.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, sl.delays)
}

func TestAttemptWithRetry_ExhaustsRetries(t *testing.T) {
	tr := &scripted{steps: []step{{code: 503}}}
	d, sl := newDispatcher(t, tr)

	out := d.AttemptWithRetry(context.Background(), spec(2))
	assert.False(t, out.Success)
	assert.Equal(t, types.CategoryServerError, out.Category)
	assert.Equal(t, 3, out.Attempts)
	assert.Len(t, sl.delays, 2)
}

func TestAttemptWithRetry_ClientErrorIsTerminal(t *testing.T) {
	tr := &scripted{steps: []step{{code: 422}, {code: 200}}}
	d, sl := newDispatcher(t, tr)

	out := d.AttemptWithRetry(context.Background(), spec(5))
	assert.Equal(t, types.CategoryClientError, out.Category)
	assert.Equal(t, 422, out.StatusCode)
	assert.Equal(t, 1, tr.count())
	assert.Empty(t, sl.delays)
}

func TestAttemptWithRetry_CancelDuringBackoff(t *testing.T) {
	tr := &scripted{steps: []step{{code: 503}}}
	cfg := dispatcher.DefaultConfig()
	cfg.Retry = retry.Config{InitialDelay: time.Hour, MaxDelay: time.Hour, Exponential: true}
	d := dispatcher.New(tr, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	remove := d.Observe(func(o dispatcher.AttemptObservation) {
		if o.State == dispatcher.StateRetrying {
			cancel()
		}
	})
	defer remove()

	done := make(chan types.ResponseOutcome, 1)
	go func() { done <- d.AttemptWithRetry(ctx, spec(5)) }()

	select {
	case out := <-done:
		assert.Equal(t, types.CategoryCancelled, out.Category)
		assert.Equal(t, 1, out.Attempts)
		assert.Equal(t, 1, tr.count())
	case <-time.After(2 * time.Second):
		t.Fatal("backoff wait was not cancelled")
	}
}

func TestAttemptWithRetry_AlreadyCancelled(t *testing.T) {
	tr := &scripted{steps: []step{{code: 200}}}
	d, _ := newDispatcher(t, tr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := d.AttemptWithRetry(ctx, spec(3))
	assert.Equal(t, types.CategoryCancelled, out.Category)
	assert.Equal(t, 0, out.Attempts)
	assert.Equal(t, 0, tr.count())
}

func TestAttemptWithRetry_PerAttemptTimeout(t *testing.T) {
	slow := sender.TransportFunc(func(ctx context.Context, r *sender.Request) (*sender.RawResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	cfg := dispatcher.DefaultConfig()
	cfg.DefaultTimeout = 20 * time.Millisecond
	sl := &sleeps{}
	d := dispatcher.New(slow, cfg, dispatcher.WithSleep(sl.sleep))

	out := d.AttemptWithRetry(context.Background(), spec(1))
	assert.Equal(t, types.CategoryTimeout, out.Category)
	assert.Equal(t, 2, out.Attempts)
}

func TestObserve_ReportsEveryAttempt(t *testing.T) {
	tr := &scripted{steps: []step{{code: 500}, {code: 200}}}
	d, _ := newDispatcher(t, tr)

	var got []dispatcher.AttemptObservation
	remove := d.Observe(func(o dispatcher.AttemptObservation) { got = append(got, o) })

	d.AttemptWithRetry(context.Background(), spec(3))
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Attempt)
	assert.Equal(t, dispatcher.StateRetrying, got[0].State)
	assert.Equal(t, time.Second, got[0].Delay)
	assert.Equal(t, 2, got[1].Attempt)
	assert.Equal(t, dispatcher.StateSucceeded, got[1].State)

	remove()
	d.Attempt(context.Background(), spec(0))
	assert.Len(t, got, 2)
}

func TestRateLimit_ExceedingAttemptTimeoutIsTimeout(t *testing.T) {
	tr := &scripted{steps: []step{{code: 200}}}
	cfg := dispatcher.DefaultConfig()
	cfg.DefaultTimeout = 50 * time.Millisecond
	cfg.RateLimit = 1.0 / 3600
	cfg.RateBurst = 1
	d := dispatcher.New(tr, cfg)

	assert.True(t, d.Attempt(context.Background(), spec(0)).Success)
	out := d.Attempt(context.Background(), spec(0))
	assert.Equal(t, types.CategoryTimeout, out.Category)
	assert.Equal(t, 1, tr.count())
}

func TestJitteredDelaysStayInBounds(t *testing.T) {
	tr := &scripted{steps: []step{{code: 503}}}
	sl := &sleeps{}
	cfg := dispatcher.DefaultConfig()
	p := retry.New(cfg.Retry, retry.WithSource(rand.NewPCG(1, 2)))
	d := dispatcher.New(tr, cfg, dispatcher.WithPolicy(p), dispatcher.WithSleep(sl.sleep))

	d.AttemptWithRetry(context.Background(), spec(4))
	require.Len(t, sl.delays, 4)
	for i, got := range sl.delays {
		base := p.BaseDelay(i + 1)
		assert.GreaterOrEqual(t, got, time.Duration(float64(base)*retry.JitterLow))
		assert.LessOrEqual(t, got, time.Duration(float64(base)*retry.JitterHigh))
	}
}

func TestValidTransition(t *testing.T) {
	ok := [][2]dispatcher.State{
		{dispatcher.StatePending, dispatcher.StateInFlight},
		{dispatcher.StatePending, dispatcher.StateCancelled},
		{dispatcher.StateInFlight, dispatcher.StateSucceeded},
		{dispatcher.StateInFlight, dispatcher.StateRetrying},
		{dispatcher.StateInFlight, dispatcher.StateFailed},
		{dispatcher.StateRetrying, dispatcher.StateInFlight},
		{dispatcher.StateRetrying, dispatcher.StateCancelled},
	}
	for _, tr := range ok {
		assert.True(t, dispatcher.ValidTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	bad := [][2]dispatcher.State{
		{dispatcher.StatePending, dispatcher.StateSucceeded},
		{dispatcher.StateRetrying, dispatcher.StateFailed},
		{dispatcher.StateSucceeded, dispatcher.StateInFlight},
		{dispatcher.StateFailed, dispatcher.StateRetrying},
		{dispatcher.StateCancelled, dispatcher.StateInFlight},
	}
	for _, tr := range bad {
		assert.False(t, dispatcher.ValidTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
	assert.True(t, dispatcher.StateFailed.Terminal())
	assert.False(t, dispatcher.StateRetrying.Terminal())
}
