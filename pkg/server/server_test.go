package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencall-labs/opencall/pkg/chunk"
	"github.com/opencall-labs/opencall/pkg/dispatch"
	"github.com/opencall-labs/opencall/pkg/envelope"
	"github.com/opencall-labs/opencall/pkg/instance"
	"github.com/opencall-labs/opencall/pkg/lifecycle"
	"github.com/opencall-labs/opencall/pkg/queue"
	"github.com/opencall-labs/opencall/pkg/registry"
	"github.com/opencall-labs/opencall/pkg/results"
	"github.com/opencall-labs/opencall/pkg/token"
)

// testClock is a mutable clock shared by server, dispatcher, and lifecycle.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type env struct {
	server    *Server
	handler   http.Handler
	clock     *testClock
	instances instance.Store
	lifecycle *lifecycle.Manager
	jobs      *queue.MemoryStore
	cache     results.Cache
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}

	ops := []*registry.Operation{
		{
			Op:             "v1:catalog.list",
			RequiredScopes: []string{"items:browse"},
			Handler: func(_ context.Context, args map[string]any, _ *registry.Context, _ registry.Persistence) (*registry.Outcome, error) {
				return &registry.Outcome{State: envelope.StateComplete, Result: map[string]any{"echo": args}}, nil
			},
		},
		{
			Op:             "v1:item.reserve",
			RequiredScopes: []string{"items:browse", "items:write"},
			SideEffecting:  true,
			Handler: func(_ context.Context, args map[string]any, _ *registry.Context, _ registry.Persistence) (*registry.Outcome, error) {
				return &registry.Outcome{State: envelope.StateComplete, Result: map[string]any{"reserved": args["itemId"]}}, nil
			},
		},
		{
			Op:             "v1:catalog.listLegacy",
			RequiredScopes: []string{"items:browse"},
			Sunset:         "2026-06-01",
			Replacement:    "v1:catalog.list",
			Handler: func(_ context.Context, _ map[string]any, _ *registry.Context, _ registry.Persistence) (*registry.Outcome, error) {
				return &registry.Outcome{State: envelope.StateComplete, Result: map[string]any{}}, nil
			},
		},
		{
			Op:             "v1:reports.generate",
			ExecutionModel: registry.ExecAsync,
			RequiredScopes: []string{"reports:run"},
			TTLSeconds:     3600,
			Worker: func(_ context.Context, _ map[string]any, _ *registry.Context, _ registry.Persistence) (*registry.WorkResult, error) {
				return &registry.WorkResult{Data: bytes.Repeat([]byte("r"), 150*1024), Mime: "text/plain"}, nil
			},
		},
	}
	reg, err := registry.New("2026-01-01", ops)
	require.NoError(t, err)

	tokens := token.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, tokens.Insert(ctx, &token.Token{
		Token: "oc_h_full", Class: token.ClassHumanIssued, Principal: "alice",
		Scopes:    []string{"items:browse", "items:write", "reports:run"},
		ExpiresAt: clock.Now().Add(24 * time.Hour), CreatedAt: clock.Now(),
	}))
	require.NoError(t, tokens.Insert(ctx, &token.Token{
		Token: "oc_h_browse", Class: token.ClassHumanIssued, Principal: "bob",
		Scopes:    []string{"items:browse"},
		ExpiresAt: clock.Now().Add(24 * time.Hour), CreatedAt: clock.Now(),
	}))

	instances := instance.NewMemoryStore()
	cache := results.NewMemoryCache(time.Minute)
	persistence := &registry.Stores{InstanceStore: instances, ResultCache: cache}
	lc := lifecycle.NewManager(instances, nil).WithClock(clock.Now)
	jobs := queue.NewMemoryStore()

	d, err := dispatch.NewDispatcher(reg, tokens, lc, jobs, persistence, nil)
	require.NoError(t, err)
	d.WithClock(clock.Now)

	engine := chunk.NewEngine(instances, cache).WithClock(clock.Now)
	srv := New(d, reg, instances, engine, opts).WithClock(clock.Now)

	return &env{
		server:    srv,
		handler:   srv.Handler(),
		clock:     clock,
		instances: instances,
		lifecycle: lc,
		jobs:      jobs,
		cache:     cache,
	}
}

func (e *env) call(t *testing.T, body, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/call", strings.NewReader(body))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *env) get(t *testing.T, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) *envelope.Response {
	t.Helper()
	var resp envelope.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return &resp
}

func TestCallMethodNotAllowed(t *testing.T) {
	e := newEnv(t, Options{})
	rec := e.get(t, "/call", nil)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "POST", rec.Header().Get("Allow"))
	resp := decodeEnvelope(t, rec)
	assert.Equal(t, envelope.StateError, resp.State)
	assert.Equal(t, envelope.CodeMethodNotAllowed, resp.Error.Code)
}

func TestCallSyncComplete(t *testing.T) {
	e := newEnv(t, Options{})
	rec := e.call(t, `{"op":"v1:catalog.list","args":{"q":"books"}}`, "oc_h_full")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	resp := decodeEnvelope(t, rec)
	assert.Equal(t, envelope.StateComplete, resp.State)
	assert.Equal(t, map[string]any{"echo": map[string]any{"q": "books"}}, resp.Result)
}

func TestCallUnknownOperation(t *testing.T) {
	e := newEnv(t, Options{})
	rec := e.call(t, `{"op":"v9:nope","args":{}}`, "oc_h_full")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeEnvelope(t, rec)
	assert.Equal(t, envelope.StateError, resp.State)
	assert.Equal(t, envelope.CodeUnknownOperation, resp.Error.Code)
	assert.Equal(t, "Unknown operation: v9:nope", resp.Error.Message)
	assert.NotEmpty(t, resp.RequestID)
}

func TestCallMissingScope(t *testing.T) {
	e := newEnv(t, Options{})
	rec := e.call(t, `{"op":"v1:item.reserve","args":{"itemId":"X"}}`, "oc_h_browse")

	assert.Equal(t, http.StatusForbidden, rec.Code)
	resp := decodeEnvelope(t, rec)
	assert.Equal(t, envelope.CodeInsufficientScopes, resp.Error.Code)
	assert.Equal(t, []any{"items:write"}, resp.Error.Cause["missing"])
}

func TestCallDeprecatedAfterSunset(t *testing.T) {
	e := newEnv(t, Options{})
	e.clock.Advance(121 * 24 * time.Hour) // 2026-02-01 -> 2026-06-02

	rec := e.call(t, `{"op":"v1:catalog.listLegacy","args":{}}`, "oc_h_full")
	assert.Equal(t, http.StatusGone, rec.Code)
	resp := decodeEnvelope(t, rec)
	assert.Equal(t, envelope.CodeOpRemoved, resp.Error.Code)
	assert.Equal(t, "v1:catalog.listLegacy", resp.Error.Cause["removedOp"])
	assert.Equal(t, "2026-06-01", resp.Error.Cause["sunset"])
	assert.Equal(t, "v1:catalog.list", resp.Error.Cause["replacement"])
}

func TestWellKnownOps(t *testing.T) {
	e := newEnv(t, Options{})

	rec := e.get(t, "/.well-known/ops", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get("ETag")
	assert.Regexp(t, `^"[0-9a-f]{64}"$`, etag)
	assert.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"))

	var desc struct {
		CallVersion string           `json:"callVersion"`
		Operations  []map[string]any `json:"operations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &desc))
	assert.Equal(t, "2026-01-01", desc.CallVersion)
	assert.Len(t, desc.Operations, 4)

	t.Run("etag is stable across fetches", func(t *testing.T) {
		again := e.get(t, "/.well-known/ops", nil)
		assert.Equal(t, etag, again.Header().Get("ETag"))
		assert.Equal(t, rec.Body.String(), again.Body.String())
	})

	t.Run("matching validator yields 304 and no body", func(t *testing.T) {
		cond := e.get(t, "/.well-known/ops", map[string]string{"If-None-Match": etag})
		assert.Equal(t, http.StatusNotModified, cond.Code)
		assert.Equal(t, etag, cond.Header().Get("ETag"))
		assert.Empty(t, cond.Body.Bytes())
	})

	t.Run("stale validator yields the body", func(t *testing.T) {
		cond := e.get(t, "/.well-known/ops", map[string]string{"If-None-Match": `"deadbeef"`})
		assert.Equal(t, http.StatusOK, cond.Code)
		assert.NotEmpty(t, cond.Body.Bytes())
	})

	t.Run("method not allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/.well-known/ops", nil)
		rec := httptest.NewRecorder()
		e.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestAsyncLifecycleOverHTTP(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()

	rec := e.call(t, `{"op":"v1:reports.generate","args":{"period":"2026-01"}}`, "oc_h_full")
	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decodeEnvelope(t, rec)
	requestID := resp.RequestID
	assert.Equal(t, envelope.StateAccepted, resp.State)
	require.NotNil(t, resp.Location)
	assert.Equal(t, "/ops/"+requestID, resp.Location.URI)
	assert.Equal(t, int64(1000), resp.RetryAfterMs)
	assert.Greater(t, resp.ExpiresAt, e.clock.Now().Unix())

	// Work begins between the first and second poll.
	require.NoError(t, e.lifecycle.Start(ctx, requestID))

	e.clock.Advance(1100 * time.Millisecond)
	poll := e.get(t, "/ops/"+requestID, nil)
	assert.Equal(t, http.StatusAccepted, poll.Code)
	pollResp := decodeEnvelope(t, poll)
	assert.Equal(t, envelope.StatePending, pollResp.State)
	assert.Equal(t, int64(1000), pollResp.RetryAfterMs)

	require.NoError(t, e.lifecycle.Complete(ctx, requestID, "/ops/"+requestID+"/chunks", []byte(`{"ok":true}`), "application/json"))

	e.clock.Advance(1100 * time.Millisecond)
	done := e.get(t, "/ops/"+requestID, nil)
	assert.Equal(t, http.StatusOK, done.Code)
	doneResp := decodeEnvelope(t, done)
	assert.Equal(t, envelope.StateComplete, doneResp.State)
	require.NotNil(t, doneResp.Location)
	assert.Equal(t, "/ops/"+requestID+"/chunks", doneResp.Location.URI)
}

func TestPollRateLimit(t *testing.T) {
	e := newEnv(t, Options{})
	rec := e.call(t, `{"op":"v1:reports.generate"}`, "oc_h_full")
	require.Equal(t, http.StatusAccepted, rec.Code)
	requestID := decodeEnvelope(t, rec).RequestID

	first := e.get(t, "/ops/"+requestID, nil)
	assert.Equal(t, http.StatusAccepted, first.Code)

	e.clock.Advance(400 * time.Millisecond)
	second := e.get(t, "/ops/"+requestID, nil)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	resp := decodeEnvelope(t, second)
	assert.Equal(t, envelope.CodeRateLimited, resp.Error.Code)
	retry := resp.Error.Cause["retryAfterMs"].(float64)
	assert.GreaterOrEqual(t, retry, float64(600))
	assert.LessOrEqual(t, retry, float64(1000))

	// Past the window the poll is accepted again.
	e.clock.Advance(700 * time.Millisecond)
	third := e.get(t, "/ops/"+requestID, nil)
	assert.Equal(t, http.StatusAccepted, third.Code)
}

func TestPollAbsentAndExpired(t *testing.T) {
	e := newEnv(t, Options{})

	rec := e.get(t, "/ops/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, envelope.CodeOperationNotFound, decodeEnvelope(t, rec).Error.Code)

	call := e.call(t, `{"op":"v1:reports.generate"}`, "oc_h_full")
	requestID := decodeEnvelope(t, call).RequestID
	e.clock.Advance(2 * time.Hour) // past the 3600s ttl
	expired := e.get(t, "/ops/"+requestID, nil)
	assert.Equal(t, http.StatusNotFound, expired.Code)
}

func TestPollErrorState(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()

	call := e.call(t, `{"op":"v1:reports.generate"}`, "oc_h_full")
	requestID := decodeEnvelope(t, call).RequestID
	require.NoError(t, e.lifecycle.Start(ctx, requestID))
	require.NoError(t, e.lifecycle.Fail(ctx, requestID, &envelope.Error{Code: "NO_SOURCE_DATA", Message: "Nothing to report on"}))

	e.clock.Advance(1100 * time.Millisecond)
	rec := e.get(t, "/ops/"+requestID, nil)
	// Domain failure of the background work still travels as HTTP 200.
	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeEnvelope(t, rec)
	assert.Equal(t, envelope.StateError, resp.State)
	assert.Equal(t, "NO_SOURCE_DATA", resp.Error.Code)
}

func TestChunkRetrievalOverHTTP(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()

	call := e.call(t, `{"op":"v1:reports.generate"}`, "oc_h_full")
	requestID := decodeEnvelope(t, call).RequestID

	t.Run("chunks before completion", func(t *testing.T) {
		rec := e.get(t, "/ops/"+requestID+"/chunks", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, envelope.CodeOperationNotComplete, decodeEnvelope(t, rec).Error.Code)
	})

	require.NoError(t, e.lifecycle.Start(ctx, requestID))
	data := bytes.Repeat([]byte("r"), 150*1024)
	require.NoError(t, e.lifecycle.Complete(ctx, requestID, "/ops/"+requestID+"/chunks", data, "text/plain"))

	var chunks []chunk.Chunk
	cursor := ""
	for {
		path := "/ops/" + requestID + "/chunks"
		if cursor != "" {
			path += "?cursor=" + cursor
		}
		rec := e.get(t, path, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var c chunk.Chunk
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &c))
		chunks = append(chunks, c)
		if c.Cursor == nil {
			break
		}
		cursor = *c.Cursor
	}

	require.Len(t, chunks, 3)
	assert.Equal(t, 65536, chunks[0].Length)
	assert.Equal(t, 65536, chunks[1].Length)
	assert.Equal(t, 22528, chunks[2].Length)
	assert.Nil(t, chunks[0].ChecksumPrevious)
	require.NotNil(t, chunks[1].ChecksumPrevious)
	assert.Equal(t, chunks[0].Checksum, *chunks[1].ChecksumPrevious)
	require.NotNil(t, chunks[2].ChecksumPrevious)
	assert.Equal(t, chunks[1].Checksum, *chunks[2].ChecksumPrevious)
	assert.Equal(t, envelope.StatePending, chunks[0].State)
	assert.Equal(t, envelope.StateComplete, chunks[2].State)

	t.Run("invalid cursor", func(t *testing.T) {
		rec := e.get(t, "/ops/"+requestID+"/chunks?cursor=banana", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, envelope.CodeInvalidCursor, decodeEnvelope(t, rec).Error.Code)
	})
}

func TestWorkerDrivesAsyncToCompletion(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()

	call := e.call(t, `{"op":"v1:reports.generate"}`, "oc_h_full")
	requestID := decodeEnvelope(t, call).RequestID

	// The job the dispatcher enqueued is claimable and runnable.
	reg := e.server.registry
	w := queue.NewWorker(e.jobs, e.instances, reg, e.lifecycle,
		&registry.Stores{InstanceStore: e.instances, ResultCache: e.cache}, nil)
	require.NoError(t, w.Tick(ctx))

	e.clock.Advance(1100 * time.Millisecond)
	rec := e.get(t, "/ops/"+requestID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeEnvelope(t, rec)
	assert.Equal(t, envelope.StateComplete, resp.State)
	assert.Equal(t, "/ops/"+requestID+"/chunks", resp.Location.URI)
}

func TestCallRateLimiter(t *testing.T) {
	e := newEnv(t, Options{Limiter: NewCallLimiter(1, 1)})

	first := e.call(t, `{"op":"v1:catalog.list"}`, "oc_h_full")
	assert.Equal(t, http.StatusOK, first.Code)

	second := e.call(t, `{"op":"v1:catalog.list"}`, "oc_h_full")
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, envelope.CodeRateLimited, decodeEnvelope(t, second).Error.Code)
}

func TestHealthz(t *testing.T) {
	e := newEnv(t, Options{})
	rec := e.get(t, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestResultLocationGrant(t *testing.T) {
	signer := results.NewGrantSigner([]byte("test-secret"), time.Minute)
	e := newEnv(t, Options{Signer: signer})
	ctx := context.Background()

	call := e.call(t, `{"op":"v1:reports.generate"}`, "oc_h_full")
	requestID := decodeEnvelope(t, call).RequestID
	require.NoError(t, e.lifecycle.Start(ctx, requestID))
	require.NoError(t, e.lifecycle.Complete(ctx, requestID, fmt.Sprintf("s3://results/%s.result", requestID), nil, ""))

	e.clock.Advance(1100 * time.Millisecond)
	rec := e.get(t, "/ops/"+requestID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeEnvelope(t, rec)
	require.NotNil(t, resp.Location)
	require.NotEmpty(t, resp.Location.Auth)

	id, uri, err := signer.Verify(resp.Location.Auth)
	require.NoError(t, err)
	assert.Equal(t, requestID, id)
	assert.Equal(t, resp.Location.URI, uri)
}
