// Package sender performs the actual HTTP calls on behalf of the dispatcher.
//
// A Transport does exactly one call and reports what came back. Deciding
// whether that was a success is the caller's business: non-2xx responses are
// returned as a RawResponse with a nil error.
package sender

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// UserAgent is sent when the request does not set one.
const UserAgent = "courier/1"

// DefaultMaxResponseBytes caps how much of a response body is read.
const DefaultMaxResponseBytes = 64 << 10

// ErrCircuitOpen is returned by BreakerTransport while the breaker for an
// endpoint refuses calls.
var ErrCircuitOpen = errors.New("sender: circuit open")

// Request is one outbound call.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// RawResponse is what the remote end answered.
type RawResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Latency    time.Duration
}

// Transport sends one request.
type Transport interface {
	Send(ctx context.Context, req *Request) (*RawResponse, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req *Request) (*RawResponse, error)

// Send calls f.
func (f TransportFunc) Send(ctx context.Context, req *Request) (*RawResponse, error) {
	return f(ctx, req)
}

// HTTPTransport sends requests with a net/http client. The per-attempt
// deadline comes from ctx; the client itself carries no timeout.
type HTTPTransport struct {
	client   *http.Client
	maxBody  int64
	defaults map[string]string
}

// HTTPOption configures an HTTPTransport.
type HTTPOption func(*HTTPTransport)

// WithClient replaces the default http.Client.
func WithClient(c *http.Client) HTTPOption { return func(t *HTTPTransport) { t.client = c } }

// WithMaxResponseBytes caps the response body that is read into memory.
func WithMaxResponseBytes(n int64) HTTPOption { return func(t *HTTPTransport) { t.maxBody = n } }

// WithDefaultHeader adds a header sent on every request unless the request
// sets it itself.
func WithDefaultHeader(key, value string) HTTPOption {
	return func(t *HTTPTransport) { t.defaults[key] = value }
}

// NewHTTPTransport returns a Transport backed by net/http.
func NewHTTPTransport(opts ...HTTPOption) *HTTPTransport {
	t := &HTTPTransport{
		client:   &http.Client{},
		maxBody:  DefaultMaxResponseBytes,
		defaults: map[string]string{"User-Agent": UserAgent},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, r *Request) (*RawResponse, error) {
	method := r.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, r.URL, bytes.NewReader(r.Body))
	if err != nil {
		return nil, fmt.Errorf("sender: build request: %w", err)
	}
	for k, v := range t.defaults {
		req.Header.Set(k, v)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sender: %s %s: %w", method, r.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBody))
	if err != nil && ctx.Err() != nil {
		return nil, fmt.Errorf("sender: read response: %w", ctx.Err())
	}
	// Drain what is left so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	return &RawResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Latency:    time.Since(start),
	}, nil
}
