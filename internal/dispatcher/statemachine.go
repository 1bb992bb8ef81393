package dispatcher

// Per-request dispatch lifecycle.
//
//	PENDING ──► IN_FLIGHT ──┬──► SUCCEEDED
//	               ▲         ├──► FAILED      (non-retryable or retries spent)
//	               │         ├──► CANCELLED
//	               │         ▼
//	               └──── RETRYING ──► CANCELLED (during backoff)
//
// A request also goes straight from PENDING to CANCELLED when its context is
// done before the first attempt.

// State is where a request is in its dispatch lifecycle.
type State uint8

const (
	StatePending State = iota
	StateInFlight
	StateRetrying
	StateSucceeded
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in_flight"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// ValidTransition reports whether from → to is a legal change.
func ValidTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateInFlight || to == StateCancelled
	case StateInFlight:
		// Every attempt ends in one of these.
		return to == StateSucceeded || to == StateRetrying || to == StateFailed || to == StateCancelled
	case StateRetrying:
		return to == StateInFlight || to == StateCancelled
	}
	// Terminal states do not move. A re-queued request starts a new run.
	return false
}
