// Package dispatch runs the single-endpoint request pipeline: parse, shape
// check, correlation, operation lookup, authentication, authorization,
// argument validation, deprecation gate, handler invocation, and HTTP status
// selection. Failure at any step short-circuits with the protocol error the
// step defines.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opencall-labs/opencall/pkg/envelope"
	"github.com/opencall-labs/opencall/pkg/lifecycle"
	"github.com/opencall-labs/opencall/pkg/observability"
	"github.com/opencall-labs/opencall/pkg/registry"
	"github.com/opencall-labs/opencall/pkg/token"
)

// acceptRetryAfterMs is the poll hint attached to async acceptance envelopes.
const acceptRetryAfterMs = 1000

// Enqueuer hands accepted async instances to the background worker.
type Enqueuer interface {
	Enqueue(ctx context.Context, requestID string) error
}

// Result is one dispatch outcome: the HTTP status, the response envelope, an
// optional Location header value, and the derived context for attribution.
type Result struct {
	Status   int
	Body     *envelope.Response
	Location string
	Derived  *registry.Context
}

// Dispatcher executes the request pipeline against a fixed registry.
type Dispatcher struct {
	registry    *registry.Registry
	tokens      token.Store
	lifecycle   *lifecycle.Manager
	queue       Enqueuer
	persistence registry.Persistence
	policy      *PolicyEngine
	obs         *observability.Provider
	clock       func() time.Time
	logger      *slog.Logger
}

func NewDispatcher(reg *registry.Registry, tokens token.Store, lc *lifecycle.Manager, queue Enqueuer, persistence registry.Persistence, logger *slog.Logger) (*Dispatcher, error) {
	policy, err := NewPolicyEngine()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry:    reg,
		tokens:      tokens,
		lifecycle:   lc,
		queue:       queue,
		persistence: persistence,
		policy:      policy,
		clock:       time.Now,
		logger:      logger,
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

// WithObservability attaches tracing and RED metrics to each dispatch.
func (d *Dispatcher) WithObservability(obs *observability.Provider) *Dispatcher {
	d.obs = obs
	return d
}

// Dispatch runs the pipeline for one request body and authorization header.
func (d *Dispatcher) Dispatch(ctx context.Context, body []byte, authorization string) *Result {
	now := d.clock()

	req, perr := envelope.ParseRequest(body)
	if perr != nil {
		// No usable correlation fields survived parsing; mint the id so the
		// error envelope still carries one.
		return d.fail(uuid.NewString(), "", perr, nil)
	}

	requestID := req.RequestID()
	if requestID == "" {
		requestID = uuid.NewString()
	}
	sessionID := req.SessionID()

	// Unknown op is reported before authentication so an authenticated caller
	// never sees AUTH_REQUIRED for a name that does not exist.
	op := d.registry.Lookup(req.Op)
	if op == nil {
		return d.fail(requestID, sessionID, envelope.UnknownOperation(req.Op), nil)
	}

	bearer, err := token.FromAuthorizationHeader(authorization)
	if err != nil {
		return d.fail(requestID, sessionID, envelope.AuthRequired(""), nil)
	}
	tok, err := d.tokens.Lookup(ctx, bearer)
	if err != nil {
		if errors.Is(err, token.ErrNotFound) {
			return d.fail(requestID, sessionID, envelope.AuthRequired(""), nil)
		}
		d.logger.Error("token lookup failed", "requestId", requestID, "error", err)
		return d.fail(requestID, sessionID, envelope.Internal(), nil)
	}
	if tok.Expired(now) {
		return d.fail(requestID, sessionID, envelope.AuthRequired("Token expired"), nil)
	}

	derived := &registry.Context{
		RequestID:      requestID,
		SessionID:      sessionID,
		Principal:      tok.Principal,
		Scopes:         append([]string(nil), tok.Scopes...),
		TokenClass:     string(tok.Class),
		AnalyticsRef:   tok.AnalyticsRef,
		IdempotencyKey: idempotencyKey(req),
	}

	if missing := tok.Missing(op.RequiredScopes); len(missing) > 0 {
		return d.fail(requestID, sessionID, envelope.InsufficientScopes(missing), derived)
	}

	finish := func(error) {}
	if d.obs != nil {
		ctx, finish = d.obs.TrackOperation(ctx, "opencall.dispatch",
			observability.DispatchAttrs(op.Op, op.ExecutionModel, derived.RequestID, derived.Principal)...)
	}
	res := d.execute(ctx, now, op, req, derived)
	if res.Body != nil && res.Body.Error != nil {
		finish(res.Body.Error)
	} else {
		finish(nil)
	}
	return res
}

// execute runs the authorization policy, argument validation, and the
// operation itself for an authenticated, scope-checked request.
func (d *Dispatcher) execute(ctx context.Context, now time.Time, op *registry.Operation, req *envelope.Request, derived *registry.Context) *Result {
	requestID := derived.RequestID
	sessionID := derived.SessionID

	if op.Policy != "" {
		allowed, evalErr := d.policy.Evaluate(op.Policy, map[string]any{
			"op":         op.Op,
			"principal":  derived.Principal,
			"scopes":     derived.Scopes,
			"tokenClass": derived.TokenClass,
			"sessionId":  sessionID,
			"args":       req.Arguments(),
		})
		if evalErr != nil {
			d.logger.Error("policy evaluation failed", "requestId", requestID, "op", op.Op, "error", evalErr)
			return d.fail(requestID, sessionID, envelope.Internal(), derived)
		}
		if !allowed {
			return d.fail(requestID, sessionID, envelope.PolicyDenied(op.Op), derived)
		}
	}

	if issues := op.ArgsSchema.Validate(req.Arguments()); len(issues) > 0 {
		return d.fail(requestID, sessionID, envelope.SchemaValidationFailed(issues), derived)
	}

	if op.Removed(now) {
		return d.fail(requestID, sessionID, envelope.OpRemoved(op.Op, op.Sunset, op.Replacement), derived)
	}

	if op.ExecutionModel == registry.ExecAsync {
		return d.accept(ctx, op, req, derived)
	}
	return d.invoke(ctx, op, req, derived)
}

// accept persists the instance in accepted state, hands it to the worker
// queue, and returns the acceptance envelope.
func (d *Dispatcher) accept(ctx context.Context, op *registry.Operation, req *envelope.Request, derived *registry.Context) *Result {
	ttl := time.Duration(op.TTLSeconds) * time.Second
	inst, err := d.lifecycle.Accept(ctx, derived.RequestID, derived.SessionID, op.Op, derived.Principal, req.Arguments(), ttl)
	if err != nil {
		d.logger.Error("failed to accept async operation", "requestId", derived.RequestID, "op", op.Op, "error", err)
		return d.fail(derived.RequestID, derived.SessionID, envelope.Internal(), derived)
	}
	if d.queue != nil {
		if err := d.queue.Enqueue(ctx, derived.RequestID); err != nil {
			d.logger.Error("failed to enqueue async operation", "requestId", derived.RequestID, "op", op.Op, "error", err)
			_ = d.lifecycle.Fail(ctx, derived.RequestID, &envelope.Error{
				Code:    envelope.CodeInternalError,
				Message: "Failed to schedule background work",
			})
			return d.fail(derived.RequestID, derived.SessionID, envelope.Internal(), derived)
		}
	}

	return &Result{
		Status: 202,
		Body: &envelope.Response{
			RequestID:    derived.RequestID,
			SessionID:    derived.SessionID,
			State:        envelope.StateAccepted,
			Location:     &envelope.Location{URI: "/ops/" + derived.RequestID},
			RetryAfterMs: acceptRetryAfterMs,
			ExpiresAt:    inst.ExpiresAt.Unix(),
		},
		Derived: derived,
	}
}

// invoke runs a sync handler and maps its outcome to a status and envelope.
func (d *Dispatcher) invoke(ctx context.Context, op *registry.Operation, req *envelope.Request, derived *registry.Context) *Result {
	outcome, err := d.safeCall(ctx, op, req.Arguments(), derived)
	if err != nil {
		var domain *envelope.DomainError
		if errors.As(err, &domain) {
			return &Result{
				Status: 200,
				Body: &envelope.Response{
					RequestID: derived.RequestID,
					SessionID: derived.SessionID,
					State:     envelope.StateError,
					Error:     domain.Wire(),
				},
				Derived: derived,
			}
		}
		d.logger.Error("handler failed", "requestId", derived.RequestID, "op", op.Op, "error", err)
		return d.fail(derived.RequestID, derived.SessionID, envelope.Internal(), derived)
	}

	resp := &envelope.Response{
		RequestID:    derived.RequestID,
		SessionID:    derived.SessionID,
		State:        outcome.State,
		Result:       outcome.Result,
		Location:     outcome.Location,
		RetryAfterMs: outcome.RetryAfterMs,
		ExpiresAt:    outcome.ExpiresAt,
	}
	if resp.State == "" {
		resp.State = envelope.StateComplete
	}

	switch resp.State {
	case envelope.StateComplete:
		if outcome.Location != nil && outcome.Result == nil {
			return &Result{Status: 303, Body: resp, Location: outcome.Location.URI, Derived: derived}
		}
		return &Result{Status: 200, Body: resp, Derived: derived}
	case envelope.StateAccepted:
		return &Result{Status: 202, Body: resp, Derived: derived}
	default:
		d.logger.Error("handler returned unexpected state", "requestId", derived.RequestID, "op", op.Op, "state", resp.State)
		return d.fail(derived.RequestID, derived.SessionID, envelope.Internal(), derived)
	}
}

// safeCall shields the pipeline from handler panics.
func (d *Dispatcher) safeCall(ctx context.Context, op *registry.Operation, args map[string]any, derived *registry.Context) (outcome *registry.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	outcome, err = op.Handler(ctx, args, derived, d.persistence)
	if err == nil && outcome == nil {
		err = errors.New("handler returned no outcome")
	}
	return outcome, err
}

func (d *Dispatcher) fail(requestID, sessionID string, perr *envelope.ProtocolError, derived *registry.Context) *Result {
	return &Result{
		Status: perr.Status,
		Body: &envelope.Response{
			RequestID:    requestID,
			SessionID:    sessionID,
			State:        envelope.StateError,
			Error:        &perr.Err,
			RetryAfterMs: perr.RetryAfterMs(),
		},
		Derived: derived,
	}
}

func idempotencyKey(req *envelope.Request) string {
	if req.Ctx == nil {
		return ""
	}
	return req.Ctx.IdempotencyKey
}
