package coordinator

import (
	"context"
	"sync"

	"github.com/snehjoshi/courier/internal/types"
)

// Status is how a submission ended from the submitter's point of view.
type Status string

const (
	// StatusDelivered means the endpoint accepted the payload.
	StatusDelivered Status = "delivered"
	// StatusQueued means the request is held in the queue for a later flush.
	StatusQueued Status = "queued"
	// StatusFailed means the endpoint rejected the payload for good.
	StatusFailed Status = "failed"
	// StatusCancelled means Cancel was called before the request finished.
	StatusCancelled Status = "cancelled"
	// StatusDropped means the queue refused the request (overflow).
	StatusDropped Status = "dropped"
)

// Result is the resolution of a Handle.
type Result struct {
	RequestID string                `json:"request_id"`
	Status    Status                `json:"status"`
	Outcome   types.ResponseOutcome `json:"outcome"`

	// Reason is set for StatusDropped.
	Reason types.DropReason `json:"reason,omitempty"`
}

// Handle tracks one submission. It resolves exactly once, either when the
// request is delivered or failed, or when it has been handed to the queue.
type Handle struct {
	id   string
	done chan struct{}
	once sync.Once
	res  Result
}

func newHandle(id string) *Handle {
	return &Handle{id: id, done: make(chan struct{})}
}

// ID returns the request ID, generated when the submitter left it empty.
func (h *Handle) ID() string { return h.id }

// Done is closed once the handle has resolved.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the result and whether the handle has resolved.
func (h *Handle) Result() (Result, bool) {
	select {
	case <-h.done:
		return h.res, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the handle resolves or ctx is done. Giving up waiting
// does not cancel the request.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (h *Handle) resolve(r Result) {
	h.once.Do(func() {
		r.RequestID = h.id
		h.res = r
		close(h.done)
	})
}
