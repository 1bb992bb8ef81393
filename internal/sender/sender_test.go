package sender_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/courier/internal/sender"
)

// ─── HTTPTransport ───────────────────────────────────────────────────────────

func TestHTTPTransport_SendsHeadersAndBody(t *testing.T) {
	var gotBody, gotCT, gotUA, gotCustom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotCT = r.Header.Get("Content-Type")
		gotUA = r.Header.Get("User-Agent")
		gotCustom = r.Header.Get("X-Trace")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)

	tr := sender.NewHTTPTransport()
	resp, err := tr.Send(context.Background(), &sender.Request{
		URL:     srv.URL,
		Headers: map[string]string{"Content-Type": "application/json", "X-Trace": "abc"},
		Body:    []byte(`{"n":1}`),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, `{"ok":true}`, string(resp.Body))
	assert.Equal(t, `{"n":1}`, gotBody)
	assert.Equal(t, "application/json", gotCT)
	assert.Equal(t, sender.UserAgent, gotUA)
	assert.Equal(t, "abc", gotCustom)
}

func TestHTTPTransport_Non2xxIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	resp, err := sender.NewHTTPTransport().Send(context.Background(), &sender.Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHTTPTransport_ContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := sender.NewHTTPTransport().Send(ctx, &sender.Request{URL: srv.URL})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestHTTPTransport_CapsResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 1000)))
	}))
	t.Cleanup(srv.Close)

	resp, err := sender.NewHTTPTransport(sender.WithMaxResponseBytes(10)).
		Send(context.Background(), &sender.Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Len(t, resp.Body, 10)
}

// ─── BreakerTransport ────────────────────────────────────────────────────────

func TestBreakerTransport_TripsOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	inner := sender.TransportFunc(func(ctx context.Context, r *sender.Request) (*sender.RawResponse, error) {
		calls.Add(1)
		return &sender.RawResponse{StatusCode: 503}, nil
	})
	cfg := sender.BreakerConfig{Enabled: true, ConsecutiveFailures: 2, OpenTimeout: time.Hour, HalfOpenRequests: 1}
	bt := sender.NewBreakerTransport(inner, cfg, nil)
	req := &sender.Request{URL: "https://hooks.example.com/a"}

	for i := 0; i < 2; i++ {
		resp, err := bt.Send(context.Background(), req)
		require.NoError(t, err, "failing responses are passed through")
		assert.Equal(t, 503, resp.StatusCode)
	}
	assert.Equal(t, gobreaker.StateOpen, bt.State(req.URL))

	_, err := bt.Send(context.Background(), req)
	assert.ErrorIs(t, err, sender.ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load(), "open breaker does not call through")

	// Other hosts have their own breaker.
	assert.Equal(t, gobreaker.StateClosed, bt.State("https://other.example.com/b"))
}

func TestBreakerTransport_ClientErrorsDoNotTrip(t *testing.T) {
	inner := sender.TransportFunc(func(ctx context.Context, r *sender.Request) (*sender.RawResponse, error) {
		return &sender.RawResponse{StatusCode: 404}, nil
	})
	bt := sender.NewBreakerTransport(inner, sender.BreakerConfig{ConsecutiveFailures: 1, OpenTimeout: time.Hour}, nil)
	req := &sender.Request{URL: "https://hooks.example.com/a"}

	for i := 0; i < 3; i++ {
		resp, err := bt.Send(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, 404, resp.StatusCode)
	}
	assert.Equal(t, gobreaker.StateClosed, bt.State(req.URL))
}

// ─── compression and signing ─────────────────────────────────────────────────

func TestCompressRoundTrip(t *testing.T) {
	body := []byte(strings.Repeat(`{"event":"tick","value":42}`, 100))
	z, err := sender.Compress(body)
	require.NoError(t, err)
	assert.Less(t, len(z), len(body))

	out, err := sender.Decompress(z)
	require.NoError(t, err)
	assert.Equal(t, body, out)
}

func TestSignature(t *testing.T) {
	payload := []byte(`{"id":"1"}`)
	secret := []byte("s3cret")

	sig, err := sender.HMACSHA256(payload, secret)
	require.NoError(t, err)
	header := sender.FormatSignature(sig)
	assert.True(t, strings.HasPrefix(header, "sha256="))
	assert.Len(t, header, len("sha256=")+64)

	assert.True(t, sender.VerifySignature(payload, secret, header))
	assert.False(t, sender.VerifySignature([]byte(`{"id":"2"}`), secret, header))
	assert.False(t, sender.VerifySignature(payload, []byte("other"), header))
	assert.False(t, sender.VerifySignature(payload, secret, "md5=abc"))
}
