package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencall-labs/opencall/pkg/envelope"
	"github.com/opencall-labs/opencall/pkg/instance"
	"github.com/opencall-labs/opencall/pkg/lifecycle"
	"github.com/opencall-labs/opencall/pkg/observability"
	"github.com/opencall-labs/opencall/pkg/registry"
	"github.com/opencall-labs/opencall/pkg/results"
)

func workerFixture(t *testing.T, ops []*registry.Operation) (*Worker, *MemoryStore, instance.Store, *lifecycle.Manager, registry.Persistence) {
	t.Helper()
	reg, err := registry.New("2026-01-01", ops)
	require.NoError(t, err)

	jobs := NewMemoryStore()
	instances := instance.NewMemoryStore()
	lc := lifecycle.NewManager(instances, nil)
	persistence := &registry.Stores{
		InstanceStore: instances,
		ResultCache:   results.NewMemoryCache(time.Minute),
	}
	w := NewWorker(jobs, instances, reg, lc, persistence, nil)
	return w, jobs, instances, lc, persistence
}

func acceptAndEnqueue(t *testing.T, lc *lifecycle.Manager, jobs *MemoryStore, requestID, op string, args map[string]any) {
	t.Helper()
	ctx := context.Background()
	_, err := lc.Accept(ctx, requestID, "", op, "alice", args, time.Hour)
	require.NoError(t, err)
	require.NoError(t, jobs.Enqueue(ctx, requestID))
}

func TestWorkerCompletesInstance(t *testing.T) {
	ops := []*registry.Operation{{
		Op:             "v1:reports.generate",
		ExecutionModel: registry.ExecAsync,
		Worker: func(_ context.Context, args map[string]any, derived *registry.Context, _ registry.Persistence) (*registry.WorkResult, error) {
			return &registry.WorkResult{
				Data: []byte(`{"report":"done","by":"` + derived.Principal + `"}`),
				Mime: "application/json",
			}, nil
		},
	}}
	w, jobs, instances, lc, persistence := workerFixture(t, ops)
	ctx := context.Background()
	acceptAndEnqueue(t, lc, jobs, "r-1", "v1:reports.generate", map[string]any{"period": "2026-01"})

	require.NoError(t, w.Tick(ctx))

	inst, err := instances.Get(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, envelope.StateComplete, inst.State)
	assert.Equal(t, "/ops/r-1/chunks", inst.ResultLocation)
	assert.JSONEq(t, `{"report":"done","by":"alice"}`, string(inst.ResultData))

	data, mime, ok := persistence.Results().Get(ctx, "r-1")
	require.True(t, ok)
	assert.Equal(t, inst.ResultData, data)
	assert.Equal(t, "application/json", mime)

	job, ok := jobs.Get("r-1")
	require.True(t, ok)
	assert.Equal(t, StatusDone, job.Status)
}

func TestWorkerRecordsDomainFailure(t *testing.T) {
	ops := []*registry.Operation{{
		Op:             "v1:reports.generate",
		ExecutionModel: registry.ExecAsync,
		Worker: func(_ context.Context, _ map[string]any, _ *registry.Context, _ registry.Persistence) (*registry.WorkResult, error) {
			return nil, &envelope.DomainError{Code: "NO_SOURCE_DATA", Message: "Nothing to report on"}
		},
	}}
	w, jobs, instances, lc, _ := workerFixture(t, ops)
	ctx := context.Background()
	acceptAndEnqueue(t, lc, jobs, "r-1", "v1:reports.generate", nil)

	require.NoError(t, w.Tick(ctx))

	inst, err := instances.Get(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, envelope.StateError, inst.State)
	require.NotNil(t, inst.Error)
	assert.Equal(t, "NO_SOURCE_DATA", inst.Error.Code)

	job, ok := jobs.Get("r-1")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, job.Status)
}

func TestWorkerCoercesPanicToInternal(t *testing.T) {
	ops := []*registry.Operation{{
		Op:             "v1:reports.generate",
		ExecutionModel: registry.ExecAsync,
		Worker: func(_ context.Context, _ map[string]any, _ *registry.Context, _ registry.Persistence) (*registry.WorkResult, error) {
			panic("division by zero")
		},
	}}
	w, jobs, instances, lc, _ := workerFixture(t, ops)
	ctx := context.Background()
	acceptAndEnqueue(t, lc, jobs, "r-1", "v1:reports.generate", nil)

	require.NoError(t, w.Tick(ctx))

	inst, err := instances.Get(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, envelope.StateError, inst.State)
	assert.Equal(t, envelope.CodeInternalError, inst.Error.Code)
	// The panic detail is logged, never persisted for clients.
	assert.Equal(t, "Background work failed", inst.Error.Message)
}

func TestWorkerExternalizedLocation(t *testing.T) {
	ops := []*registry.Operation{{
		Op:             "v1:export.build",
		ExecutionModel: registry.ExecAsync,
		Worker: func(_ context.Context, _ map[string]any, _ *registry.Context, _ registry.Persistence) (*registry.WorkResult, error) {
			return &registry.WorkResult{Location: "s3://exports/r-1.result"}, nil
		},
	}}
	w, jobs, instances, lc, _ := workerFixture(t, ops)
	ctx := context.Background()
	acceptAndEnqueue(t, lc, jobs, "r-1", "v1:export.build", nil)

	require.NoError(t, w.Tick(ctx))

	inst, err := instances.Get(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, envelope.StateComplete, inst.State)
	assert.Equal(t, "s3://exports/r-1.result", inst.ResultLocation)
	assert.Empty(t, inst.ResultData)
}

func TestWorkerMissingInstance(t *testing.T) {
	ops := []*registry.Operation{{
		Op:             "v1:reports.generate",
		ExecutionModel: registry.ExecAsync,
		Worker: func(_ context.Context, _ map[string]any, _ *registry.Context, _ registry.Persistence) (*registry.WorkResult, error) {
			return &registry.WorkResult{Data: []byte("{}")}, nil
		},
	}}
	w, jobs, _, _, _ := workerFixture(t, ops)
	ctx := context.Background()
	require.NoError(t, jobs.Enqueue(ctx, "r-orphan"))

	require.NoError(t, w.Tick(ctx))

	job, ok := jobs.Get("r-orphan")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, job.Status)
}

func TestWorkerWithTelemetryProvider(t *testing.T) {
	ops := []*registry.Operation{{
		Op:             "v1:reports.generate",
		ExecutionModel: registry.ExecAsync,
		Worker: func(_ context.Context, _ map[string]any, _ *registry.Context, _ registry.Persistence) (*registry.WorkResult, error) {
			return &registry.WorkResult{Data: []byte(`{"ok":true}`), Mime: "application/json"}, nil
		},
	}}
	w, jobs, instances, lc, _ := workerFixture(t, ops)
	ctx := context.Background()

	obs, err := observability.New(ctx, &observability.Config{Enabled: false})
	require.NoError(t, err)
	w.WithObservability(obs)

	acceptAndEnqueue(t, lc, jobs, "r-obs", "v1:reports.generate", nil)
	require.NoError(t, w.Tick(ctx))

	inst, err := instances.Get(ctx, "r-obs")
	require.NoError(t, err)
	assert.Equal(t, envelope.StateComplete, inst.State)

	job, ok := jobs.Get("r-obs")
	require.True(t, ok)
	assert.Equal(t, StatusDone, job.Status)
}
