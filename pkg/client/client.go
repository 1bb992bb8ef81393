// Package client is the Go SDK for the Courier admin API.
//
// # Quick start
//
//	c := client.New("http://localhost:8080")
//
//	// Fire and forget
//	id, err := c.Submit(ctx, client.Request{Body: []byte(`{"amount":42}`)})
//
//	// Block until delivered, failed or queued
//	res, err := c.SubmitAndWait(ctx, client.Request{
//	    Endpoint: "https://hooks.example.com/in",
//	    Body:     []byte(`{"amount":42}`),
//	    Priority: client.PriorityCritical,
//	})
//
//	// Tell the daemon the network is back and drain the queue
//	_, err = c.SetNetwork(ctx, client.NetworkUpdate{Connectivity: client.Ptr("online")})
//	report, err := c.Flush(ctx)
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. Use errors.As to inspect the HTTP status and server message.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Priorities accepted by Request.Priority.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityNormal   = "normal"
	PriorityLow      = "low"
)

// Result statuses.
const (
	StatusDelivered = "delivered"
	StatusQueued    = "queued"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusDropped   = "dropped"
)

// Ptr returns a pointer to v. Handy for the optional fields of NetworkUpdate
// and Request.MaxRetries.
func Ptr[T any](v T) *T { return &v }

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the Courier server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("courier: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsConflict reports whether the error is a 409 (duplicate request id).
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusConflict
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout. The default is 30 seconds;
// SubmitAndWait callers waiting on slow endpoints may need more.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the Courier admin API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a new Client that connects to the Courier daemon at baseURL.
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Public types ─────────────────────────────────────────────────────────────

// Request is one payload to deliver. Empty Endpoint and nil MaxRetries use
// the daemon defaults; an empty ID is generated by the daemon.
type Request struct {
	ID             string
	Endpoint       string
	Body           []byte
	ContentType    string
	Priority       string
	MaxRetries     *int
	TimeoutSeconds int
	Headers        map[string]string
}

// Outcome is the result of the last delivery attempt.
type Outcome struct {
	Success    bool   `json:"success"`
	Category   string `json:"category"`
	StatusCode int    `json:"status_code"`
	LatencyMs  int64  `json:"latency_ms"`
	Error      string `json:"error"`
	Attempts   int    `json:"attempts"`
}

// Result is how a submission resolved.
type Result struct {
	RequestID string  `json:"request_id"`
	Status    string  `json:"status"`
	Outcome   Outcome `json:"outcome"`
	Reason    string  `json:"reason"`
}

// QueueStats are the queue counters.
type QueueStats struct {
	CurrentSize   int    `json:"current_size"`
	TotalEnqueued uint64 `json:"total_enqueued"`
	TotalDequeued uint64 `json:"total_dequeued"`
	TotalDropped  uint64 `json:"total_dropped"`
	PeakSize      int    `json:"peak_size"`
}

// QueueEntry is one queued request.
type QueueEntry struct {
	ID            string
	Endpoint      string
	Priority      string
	Body          []byte
	EnqueuedAt    time.Time
	AttemptCount  int
	FlushAttempts int
	Sequence      uint64
}

// QueueInfo is the response of Queue.
type QueueInfo struct {
	Stats    QueueStats
	InFlight int
	Entries  []QueueEntry
}

// FlushReport summarises one flush pass.
type FlushReport struct {
	Attempted int           `json:"attempted"`
	Delivered int           `json:"delivered"`
	Dropped   int           `json:"dropped"`
	Requeued  int           `json:"requeued"`
	Remaining int           `json:"remaining"`
	Aborted   bool          `json:"aborted"`
	Duration  time.Duration `json:"duration"`
}

// DeadLetter is one dead-lettered request.
type DeadLetter struct {
	DLQID     string
	RequestID string
	Reason    string
	Attempts  int
	DroppedAt time.Time
	Endpoint  string
	Body      []byte
}

// NetworkState is the daemon's view of connectivity.
type NetworkState struct {
	Connectivity string        `json:"connectivity"`
	LinkType     string        `json:"link_type"`
	LastLatency  time.Duration `json:"last_latency"`
	Quality      string        `json:"quality"`
	LowPower     bool          `json:"low_power"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// NetworkUpdate carries external connectivity signals. Nil fields are left
// unchanged.
type NetworkUpdate struct {
	Connectivity *string `json:"connectivity,omitempty"`
	LinkType     *string `json:"link_type,omitempty"`
	LowPower     *bool   `json:"low_power,omitempty"`
}

// HealthInfo is returned by Health.
type HealthInfo struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
	Version  string `json:"version"`
	Queued   int    `json:"queued"`
	InFlight int    `json:"in_flight"`
	Network  string `json:"network"`
}

// ─── Requests ─────────────────────────────────────────────────────────────────

// Submit hands r to the daemon and returns its request id without waiting
// for the delivery.
func (c *Client) Submit(ctx context.Context, r Request) (string, error) {
	var resp submitResp
	if err := c.do(ctx, http.MethodPost, "/v1/requests", toWire(r), &resp); err != nil {
		return "", err
	}
	return resp.RequestID, nil
}

// SubmitAndWait hands r to the daemon and waits until the request is
// delivered, failed, cancelled, dropped or queued.
func (c *Client) SubmitAndWait(ctx context.Context, r Request) (*Result, error) {
	var resp submitResp
	if err := c.do(ctx, http.MethodPost, "/v1/requests?wait=true", toWire(r), &resp); err != nil {
		return nil, err
	}
	if resp.Result == nil {
		return nil, fmt.Errorf("courier: request %s still in progress", resp.RequestID)
	}
	return resp.Result, nil
}

// Cancel stops an in-flight delivery or removes a queued request.
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/requests/"+url.PathEscape(id), nil, nil)
}

// CancelAll cancels everything and returns how many requests were affected.
func (c *Client) CancelAll(ctx context.Context) (int, error) {
	var resp struct {
		Cancelled int `json:"cancelled"`
	}
	if err := c.do(ctx, http.MethodDelete, "/v1/requests", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Cancelled, nil
}

// ─── Queue ────────────────────────────────────────────────────────────────────

// Flush runs one flush pass and returns its report.
func (c *Client) Flush(ctx context.Context) (*FlushReport, error) {
	var report FlushReport
	if err := c.do(ctx, http.MethodPost, "/v1/flush", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Queue returns the queue counters and, when withEntries is set, every
// queued entry in dispatch order.
func (c *Client) Queue(ctx context.Context, withEntries bool) (*QueueInfo, error) {
	path := "/v1/queue"
	if !withEntries {
		path += "?entries=false"
	}
	var resp wireQueue
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	info := &QueueInfo{Stats: resp.Stats, InFlight: resp.InFlight}
	for _, e := range resp.Entries {
		info.Entries = append(info.Entries, QueueEntry{
			ID:            e.Spec.ID,
			Endpoint:      e.Spec.Endpoint,
			Priority:      e.Spec.Priority,
			Body:          e.Spec.Payload.Body,
			EnqueuedAt:    e.EnqueuedAt,
			AttemptCount:  e.AttemptCount,
			FlushAttempts: e.FlushAttempts,
			Sequence:      e.Sequence,
		})
	}
	return info, nil
}

// ─── DLQ ──────────────────────────────────────────────────────────────────────

// DeadLetters returns up to limit dead-lettered requests, oldest first, and
// the total held by the daemon.
func (c *Client) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, int, error) {
	path := "/v1/dlq"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Total   int             `json:"total"`
		Records []wireDeadLetter `json:"records"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, 0, err
	}
	out := make([]DeadLetter, 0, len(resp.Records))
	for _, r := range resp.Records {
		out = append(out, DeadLetter{
			DLQID:     r.DLQID,
			RequestID: r.RequestID,
			Reason:    r.Reason,
			Attempts:  r.Attempts,
			DroppedAt: r.DroppedAt,
			Endpoint:  r.Spec.Endpoint,
			Body:      r.Spec.Payload.Body,
		})
	}
	return out, resp.Total, nil
}

// ReplayDeadLetters resubmits up to limit of the oldest dead letters and
// returns how many were accepted.
func (c *Client) ReplayDeadLetters(ctx context.Context, limit int) (int, error) {
	path := "/v1/dlq/replay"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Replayed int `json:"replayed"`
	}
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Replayed, nil
}

// ─── Network ──────────────────────────────────────────────────────────────────

// Network returns the daemon's connectivity state.
func (c *Client) Network(ctx context.Context) (*NetworkState, error) {
	var st NetworkState
	if err := c.do(ctx, http.MethodGet, "/v1/network", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// SetNetwork applies external connectivity signals and returns the new state.
func (c *Client) SetNetwork(ctx context.Context, u NetworkUpdate) (*NetworkState, error) {
	var st NetworkState
	if err := c.do(ctx, http.MethodPut, "/v1/network", u, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// ─── Health ───────────────────────────────────────────────────────────────────

// Health returns basic daemon information.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var info HealthInfo
	if err := c.do(ctx, http.MethodGet, "/health", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Ready reports whether the daemon has finished starting.
func (c *Client) Ready(ctx context.Context) (bool, error) {
	err := c.do(ctx, http.MethodGet, "/ready", nil, nil)
	var ae *APIError
	if errors.As(err, &ae) && ae.StatusCode == http.StatusServiceUnavailable {
		return false, nil
	}
	return err == nil, err
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
// A 204 No Content response is treated as success with no body.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("courier: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("courier: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("courier: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("courier: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("courier: decode response: %w", err)
		}
	}
	return nil
}

// ─── Internal wire types ──────────────────────────────────────────────────────

type wireRequest struct {
	ID             string            `json:"id,omitempty"`
	Endpoint       string            `json:"endpoint,omitempty"`
	Body           string            `json:"body"`
	ContentType    string            `json:"content_type,omitempty"`
	Priority       string            `json:"priority,omitempty"`
	MaxRetries     *int              `json:"max_retries,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
}

func toWire(r Request) wireRequest {
	return wireRequest{
		ID:             r.ID,
		Endpoint:       r.Endpoint,
		Body:           base64.StdEncoding.EncodeToString(r.Body),
		ContentType:    r.ContentType,
		Priority:       r.Priority,
		MaxRetries:     r.MaxRetries,
		TimeoutSeconds: r.TimeoutSeconds,
		Headers:        r.Headers,
	}
}

type submitResp struct {
	RequestID string  `json:"request_id"`
	Result    *Result `json:"result"`
}

type wireSpec struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
	Priority string `json:"priority"`
	Payload  struct {
		Body []byte `json:"body"` // base64 on the wire
	} `json:"payload"`
}

type wireEntry struct {
	Spec          wireSpec  `json:"spec"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	AttemptCount  int       `json:"attempt_count"`
	FlushAttempts int       `json:"flush_attempts"`
	Sequence      uint64    `json:"sequence"`
}

type wireQueue struct {
	Stats    QueueStats  `json:"stats"`
	InFlight int         `json:"in_flight"`
	Entries  []wireEntry `json:"entries"`
}

type wireDeadLetter struct {
	DLQID     string    `json:"dlq_id"`
	RequestID string    `json:"request_id"`
	Reason    string    `json:"reason"`
	Attempts  int       `json:"attempts"`
	DroppedAt time.Time `json:"dropped_at"`
	Spec      wireSpec  `json:"spec"`
}
