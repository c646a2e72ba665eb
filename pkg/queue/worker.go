package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opencall-labs/opencall/pkg/envelope"
	"github.com/opencall-labs/opencall/pkg/instance"
	"github.com/opencall-labs/opencall/pkg/lifecycle"
	"github.com/opencall-labs/opencall/pkg/observability"
	"github.com/opencall-labs/opencall/pkg/registry"
)

// Worker claims queued jobs and drives the background leg of async
// operations: START the instance, run the operation's work function, then
// COMPLETE or FAIL. Crash between claim and terminal state leaves the
// instance in its last persisted state; polling keeps serving it until expiry.
type Worker struct {
	jobs        Store
	instances   instance.Store
	registry    *registry.Registry
	lifecycle   *lifecycle.Manager
	persistence registry.Persistence
	obs         *observability.Provider
	interval    time.Duration
	batch       int
	logger      *slog.Logger
}

func NewWorker(jobs Store, instances instance.Store, reg *registry.Registry, lc *lifecycle.Manager, persistence registry.Persistence, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		jobs:        jobs,
		instances:   instances,
		registry:    reg,
		lifecycle:   lc,
		persistence: persistence,
		interval:    250 * time.Millisecond,
		batch:       16,
		logger:      logger,
	}
}

// WithInterval overrides the poll interval.
func (w *Worker) WithInterval(interval time.Duration) *Worker {
	w.interval = interval
	return w
}

// WithObservability attaches tracing and RED metrics to each executed job.
func (w *Worker) WithObservability(obs *observability.Provider) *Worker {
	w.obs = obs
	return w
}

// Run processes jobs until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Tick(ctx); err != nil {
				w.logger.Error("worker tick failed", "error", err)
			}
		}
	}
}

// Tick claims and executes one batch of jobs.
func (w *Worker) Tick(ctx context.Context) error {
	claimed, err := w.jobs.Claim(ctx, w.batch)
	if err != nil {
		return fmt.Errorf("failed to claim jobs: %w", err)
	}
	for _, job := range claimed {
		w.execute(ctx, job)
	}
	return nil
}

func (w *Worker) execute(ctx context.Context, job *Job) {
	inst, err := w.instances.Get(ctx, job.RequestID)
	if err != nil {
		if errors.Is(err, instance.ErrNotFound) {
			// The instance row expired or was reclaimed; nothing to drive.
			_ = w.jobs.MarkFailed(ctx, job.RequestID, "instance missing")
			return
		}
		w.logger.Error("failed to load instance", "requestId", job.RequestID, "error", err)
		_ = w.jobs.MarkFailed(ctx, job.RequestID, err.Error())
		return
	}

	finish := func(error) {}
	if w.obs != nil {
		ctx, finish = w.obs.TrackOperation(ctx, "opencall.work",
			observability.WorkerAttrs(inst.Op, job.RequestID, job.Attempts)...)
	}

	op := w.registry.Lookup(inst.Op)
	if op == nil || op.Worker == nil {
		cause := &envelope.Error{
			Code:    envelope.CodeInternalError,
			Message: "No worker registered for operation " + inst.Op,
		}
		w.fail(ctx, job, cause)
		finish(cause)
		return
	}

	finish(w.drive(ctx, job, inst, op))
}

// drive moves a claimed instance from accepted through pending to its
// terminal state. The returned error is the terminal failure, nil on success.
func (w *Worker) drive(ctx context.Context, job *Job, inst *instance.Instance, op *registry.Operation) error {
	if err := w.lifecycle.Start(ctx, job.RequestID); err != nil {
		w.logger.Error("failed to start instance", "requestId", job.RequestID, "error", err)
		_ = w.jobs.MarkFailed(ctx, job.RequestID, err.Error())
		return err
	}

	derived := &registry.Context{
		RequestID: inst.RequestID,
		SessionID: inst.SessionID,
		Principal: inst.Principal,
	}
	result, err := w.safeWork(ctx, op, inst.Args, derived)
	if err != nil {
		var domain *envelope.DomainError
		if errors.As(err, &domain) {
			w.fail(ctx, job, domain.Wire())
			return err
		}
		w.logger.Error("background work failed", "requestId", job.RequestID, "op", inst.Op, "error", err)
		w.fail(ctx, job, &envelope.Error{
			Code:    envelope.CodeInternalError,
			Message: "Background work failed",
		})
		return err
	}

	location := result.Location
	if location == "" {
		location = "/ops/" + job.RequestID + "/chunks"
	}
	if err := w.lifecycle.Complete(ctx, job.RequestID, location, result.Data, result.Mime); err != nil {
		w.logger.Error("failed to complete instance", "requestId", job.RequestID, "error", err)
		_ = w.jobs.MarkFailed(ctx, job.RequestID, err.Error())
		return err
	}
	if len(result.Data) > 0 {
		w.persistence.Results().Put(ctx, job.RequestID, result.Data, result.Mime)
	}
	_ = w.jobs.MarkDone(ctx, job.RequestID)
	return nil
}

func (w *Worker) fail(ctx context.Context, job *Job, cause *envelope.Error) {
	if err := w.lifecycle.Fail(ctx, job.RequestID, cause); err != nil {
		w.logger.Error("failed to record error state", "requestId", job.RequestID, "error", err)
	}
	_ = w.jobs.MarkFailed(ctx, job.RequestID, cause.Message)
}

// safeWork shields the worker loop from panics in work functions.
func (w *Worker) safeWork(ctx context.Context, op *registry.Operation, args map[string]any, derived *registry.Context) (result *registry.WorkResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	result, err = op.Worker(ctx, args, derived, w.persistence)
	if err == nil && result == nil {
		err = errors.New("worker returned no result")
	}
	return result, err
}
