// Package types contains the core domain types shared across all Courier
// internal packages. It deliberately has zero imports of other Courier packages
// so that the queue, the dispatcher and the storage drivers can all import it
// without creating import cycles.
package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidSpec is returned by RequestSpec.Validate.
var ErrInvalidSpec = errors.New("types: invalid request spec")

// Priority orders delivery. Lower values are dispatched first.
type Priority uint8

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// Priorities lists every priority from highest to lowest.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// String returns a human-readable representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Rank is the sort key of the priority: 0 is dispatched first.
func (p Priority) Rank() int { return int(p) }

// Valid reports whether p is one of the four known priorities.
func (p Priority) Valid() bool { return p <= PriorityLow }

// ParsePriority converts a name such as "critical" into a Priority.
// The empty string maps to PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	}
	return PriorityNormal, fmt.Errorf("types: unknown priority %q", s)
}

// MarshalText implements encoding.TextMarshaler so priorities are persisted by name.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("types: unknown priority %d", p)
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Payload is an opaque body plus its content-type tag. Typed encoding belongs
// to the producer; Courier never looks inside Body.
type Payload struct {
	Body        []byte `json:"body"`
	ContentType string `json:"content_type,omitempty"`
}

// RequestSpec is the immutable intent to deliver one payload to one endpoint.
//
// Ownership transfers to the coordinator on Submit; callers must not mutate
// Body or Headers afterwards. Clone is used at the boundary so late mutation
// by a careless caller cannot reach the queue.
type RequestSpec struct {
	// ID is unique per request. Generated (ULID) when the caller leaves it empty.
	ID string `json:"id"`

	// Endpoint is where the payload is sent. Opaque to everything except the Transport.
	Endpoint string `json:"endpoint"`

	Payload  Payload  `json:"payload"`
	Priority Priority `json:"priority"`

	// MaxRetries is the number of retries after the first attempt. 0 means the
	// first failure is terminal for the dispatcher.
	MaxRetries int `json:"max_retries"`

	// TimeoutSeconds bounds a single attempt, not the whole retry sequence.
	// 0 uses the dispatcher default.
	TimeoutSeconds int `json:"timeout_seconds"`

	Headers   map[string]string `json:"headers,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Validate checks the fields a dispatcher relies on.
func (s *RequestSpec) Validate() error {
	switch {
	case s.ID == "":
		return fmt.Errorf("%w: id must not be empty", ErrInvalidSpec)
	case s.Endpoint == "":
		return fmt.Errorf("%w: endpoint must not be empty", ErrInvalidSpec)
	case !s.Priority.Valid():
		return fmt.Errorf("%w: unknown priority %d", ErrInvalidSpec, s.Priority)
	case s.MaxRetries < 0:
		return fmt.Errorf("%w: max_retries must be >= 0", ErrInvalidSpec)
	case s.TimeoutSeconds < 0:
		return fmt.Errorf("%w: timeout_seconds must be >= 0", ErrInvalidSpec)
	}
	return nil
}

// Timeout returns TimeoutSeconds as a duration, or def when unset.
func (s *RequestSpec) Timeout(def time.Duration) time.Duration {
	if s.TimeoutSeconds <= 0 {
		return def
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Clone returns a deep copy of the spec.
func (s *RequestSpec) Clone() *RequestSpec {
	c := *s
	if s.Payload.Body != nil {
		c.Payload.Body = append([]byte(nil), s.Payload.Body...)
	}
	if s.Headers != nil {
		c.Headers = make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			c.Headers[k] = v
		}
	}
	return &c
}

// QueueEntry is a RequestSpec that could not be delivered immediately.
type QueueEntry struct {
	Spec       RequestSpec `json:"spec"`
	EnqueuedAt time.Time   `json:"enqueued_at"`

	// AttemptCount is the total number of delivery attempts made so far,
	// including the ones made before the entry was queued.
	AttemptCount int `json:"attempt_count"`

	// FlushAttempts counts the attempts made by flush passes only.
	FlushAttempts int `json:"flush_attempts"`

	// Sequence is assigned at enqueue time and breaks ties inside a priority
	// tier. It is persisted and never reused.
	Sequence uint64 `json:"sequence"`
}

// Before reports whether e is dispatched before o.
func (e *QueueEntry) Before(o *QueueEntry) bool {
	if e.Spec.Priority != o.Spec.Priority {
		return e.Spec.Priority.Rank() < o.Spec.Priority.Rank()
	}
	return e.Sequence < o.Sequence
}

// StatusCategory classifies the result of one delivery attempt.
type StatusCategory uint8

const (
	CategorySuccess StatusCategory = iota
	CategoryNetworkError
	CategoryTimeout
	CategoryServerError
	CategoryClientError
	CategoryCancelled
)

// String returns a human-readable representation of the category.
func (c StatusCategory) String() string {
	switch c {
	case CategorySuccess:
		return "success"
	case CategoryNetworkError:
		return "network_error"
	case CategoryTimeout:
		return "timeout"
	case CategoryServerError:
		return "server_error"
	case CategoryClientError:
		return "client_error"
	case CategoryCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Retryable reports whether another attempt may change the result.
func (c StatusCategory) Retryable() bool {
	return c == CategoryNetworkError || c == CategoryTimeout || c == CategoryServerError
}

// MarshalText implements encoding.TextMarshaler.
func (c StatusCategory) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *StatusCategory) UnmarshalText(b []byte) error {
	v, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// ParseCategory converts a name such as "server_error" into a StatusCategory.
func ParseCategory(s string) (StatusCategory, error) {
	for c := CategorySuccess; c <= CategoryCancelled; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	return CategoryNetworkError, fmt.Errorf("types: unknown category %q", s)
}

// ResponseOutcome is the result of one attempt, or the terminal result of a
// retry sequence. It is reported, never persisted.
type ResponseOutcome struct {
	Success      bool           `json:"success"`
	Category     StatusCategory `json:"category"`
	StatusCode   int            `json:"status_code,omitempty"` // 0 when no response was received
	LatencyMs    int64          `json:"latency_ms"`
	ErrorMessage string         `json:"error,omitempty"`

	// Attempts is the number of transport calls behind this outcome.
	Attempts int `json:"attempts"`
}

// QueueStats is a snapshot of the queue counters. All counters except
// CurrentSize are monotonic and reset only by an explicit clear.
type QueueStats struct {
	CurrentSize   int    `json:"current_size"`
	TotalEnqueued uint64 `json:"total_enqueued"`
	TotalDequeued uint64 `json:"total_dequeued"`
	TotalDropped  uint64 `json:"total_dropped"`
	PeakSize      int    `json:"peak_size"`
}

// DropReason explains why an entry left the queue without being delivered.
type DropReason string

const (
	DropOverflow         DropReason = "overflow"
	DropExpired          DropReason = "expired"
	DropRetriesExhausted DropReason = "retries_exhausted"
	DropNonRetryable     DropReason = "non_retryable"
	DropCleared          DropReason = "cleared"
	DropCancelled        DropReason = "cancelled"
)
