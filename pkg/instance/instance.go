// Package instance persists one row per async operation invocation, keyed by
// requestId. The stored row is the state: no in-memory actor crosses restart
// boundaries, and concurrent transitions are serialized by conditional
// updates keyed on the prior state.
package instance

import (
	"context"
	"errors"
	"time"

	"github.com/opencall-labs/opencall/pkg/envelope"
)

var (
	// ErrNotFound is returned when no row matches the requestId.
	ErrNotFound = errors.New("operation instance not found")
	// ErrConflict is returned when a conditional transition does not match
	// the stored state.
	ErrConflict = errors.New("instance state conflict")
	// ErrRateLimited is returned by StampPoll inside the rate-limit window.
	ErrRateLimited = errors.New("poll rate limited")
)

// Instance is one persistent operation invocation record.
type Instance struct {
	RequestID      string
	SessionID      string
	Op             string
	Args           map[string]any
	Principal      string
	State          envelope.State
	ResultLocation string
	ResultData     []byte
	ResultMime     string
	Error          *envelope.Error
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      time.Time
	LastPolledAt   int64 // Unix milliseconds; 0 means never polled
}

// Expired reports whether poll/chunk endpoints must treat the row as absent.
func (i *Instance) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}

// Transition is one atomic state change. From guards the update: a stored
// state other than From leaves the row untouched and yields ErrConflict.
type Transition struct {
	From           envelope.State
	To             envelope.State
	ResultLocation string
	ResultData     []byte
	ResultMime     string
	Error          *envelope.Error
}

// Store persists operation instances.
type Store interface {
	Insert(ctx context.Context, inst *Instance) error
	Get(ctx context.Context, requestID string) (*Instance, error)
	// Apply performs a single conditional write carrying the new state and
	// optional result/error fields.
	Apply(ctx context.Context, requestID string, tr Transition) error
	// StampPoll atomically enforces the per-instance poll window: a poll
	// within window of the last accepted poll returns ErrRateLimited and the
	// remaining wait without mutating the row; otherwise the poll timestamp
	// is recorded and the fresh row returned. Absent and expired rows yield
	// ErrNotFound.
	StampPoll(ctx context.Context, requestID string, now time.Time, window time.Duration) (*Instance, time.Duration, error)
	// DeleteExpired reclaims rows past their expiry.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
