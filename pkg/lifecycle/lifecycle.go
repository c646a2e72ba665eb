// Package lifecycle drives the async operation state machine:
//
//	accepted --START--> pending --COMPLETE--> complete
//	accepted --FAIL-->  error    pending --FAIL--> error
//
// Transitions are forward-only and persisted through the instance store;
// events that do not match the stored state are rejected without mutating it.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opencall-labs/opencall/pkg/envelope"
	"github.com/opencall-labs/opencall/pkg/instance"
)

// Event is one state machine input.
type Event string

const (
	EventStart    Event = "START"
	EventComplete Event = "COMPLETE"
	EventFail     Event = "FAIL"
)

// ErrInvalidTransition is returned when an event does not match the stored state.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// grammar maps (state, event) to the next state.
var grammar = map[envelope.State]map[Event]envelope.State{
	envelope.StateAccepted: {
		EventStart: envelope.StatePending,
		EventFail:  envelope.StateError,
	},
	envelope.StatePending: {
		EventComplete: envelope.StateComplete,
		EventFail:     envelope.StateError,
	},
}

// Next resolves the grammar for one event, or reports a rejection.
func Next(from envelope.State, event Event) (envelope.State, bool) {
	to, ok := grammar[from][event]
	return to, ok
}

// Manager creates instances and applies validated transitions.
type Manager struct {
	store  instance.Store
	clock  func() time.Time
	logger *slog.Logger
}

func NewManager(store instance.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, clock: time.Now, logger: logger}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Accept inserts a new instance in the accepted state. The args copy is
// frozen at acceptance; ttl bounds the instance's lifetime.
func (m *Manager) Accept(ctx context.Context, requestID, sessionID, op, principal string, args map[string]any, ttl time.Duration) (*instance.Instance, error) {
	now := m.clock().UTC()
	inst := &instance.Instance{
		RequestID: requestID,
		SessionID: sessionID,
		Op:        op,
		Args:      args,
		Principal: principal,
		State:     envelope.StateAccepted,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := m.store.Insert(ctx, inst); err != nil {
		return nil, fmt.Errorf("failed to accept instance %s: %w", requestID, err)
	}
	return inst, nil
}

// Start transitions accepted -> pending. A double-START against an instance
// already past accepted is legal and a no-op.
func (m *Manager) Start(ctx context.Context, requestID string) error {
	err := m.store.Apply(ctx, requestID, instance.Transition{
		From: envelope.StateAccepted,
		To:   envelope.StatePending,
	})
	if errors.Is(err, instance.ErrConflict) {
		inst, getErr := m.store.Get(ctx, requestID)
		if getErr != nil {
			return getErr
		}
		if inst.State != envelope.StateAccepted {
			return nil
		}
		return fmt.Errorf("%w: START on %s", ErrInvalidTransition, inst.State)
	}
	return err
}

// Complete transitions pending -> complete, carrying the result location and
// optionally the raw result payload for chunked retrieval.
func (m *Manager) Complete(ctx context.Context, requestID, location string, data []byte, mime string) error {
	err := m.store.Apply(ctx, requestID, instance.Transition{
		From:           envelope.StatePending,
		To:             envelope.StateComplete,
		ResultLocation: location,
		ResultData:     data,
		ResultMime:     mime,
	})
	if errors.Is(err, instance.ErrConflict) {
		return fmt.Errorf("%w: COMPLETE outside pending", ErrInvalidTransition)
	}
	if err == nil {
		m.logger.Info("operation complete", "requestId", requestID, "location", location)
	}
	return err
}

// Fail transitions accepted|pending -> error with the carried error payload.
func (m *Manager) Fail(ctx context.Context, requestID string, cause *envelope.Error) error {
	tr := instance.Transition{From: envelope.StatePending, To: envelope.StateError, Error: cause}
	err := m.store.Apply(ctx, requestID, tr)
	if errors.Is(err, instance.ErrConflict) {
		tr.From = envelope.StateAccepted
		err = m.store.Apply(ctx, requestID, tr)
	}
	if errors.Is(err, instance.ErrConflict) {
		return fmt.Errorf("%w: FAIL on terminal state", ErrInvalidTransition)
	}
	if err == nil {
		m.logger.Info("operation failed", "requestId", requestID, "code", cause.Code)
	}
	return err
}
