// Package server binds the protocol to HTTP: the single /call endpoint, the
// registry self-description, the polling and chunk retrieval routes, and a
// health probe. All bodies are application/json; charset=utf-8.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/opencall-labs/opencall/pkg/chunk"
	"github.com/opencall-labs/opencall/pkg/dispatch"
	"github.com/opencall-labs/opencall/pkg/envelope"
	"github.com/opencall-labs/opencall/pkg/instance"
	"github.com/opencall-labs/opencall/pkg/observability"
	"github.com/opencall-labs/opencall/pkg/registry"
	"github.com/opencall-labs/opencall/pkg/results"
)

const (
	// pollWindow is the per-instance rate-limit window.
	pollWindow = 1000 * time.Millisecond
	// pollRetryAfterMs is the hint attached to non-terminal poll responses.
	pollRetryAfterMs = 1000
	// maxBodyBytes bounds /call request bodies.
	maxBodyBytes = 1 << 20
)

// Server owns the HTTP surface.
type Server struct {
	dispatcher *dispatch.Dispatcher
	registry   *registry.Registry
	instances  instance.Store
	chunks     *chunk.Engine
	limiter    *CallLimiter
	metrics    *Metrics
	signer     *results.GrantSigner
	clock      func() time.Time
	logger     *slog.Logger
}

// Options carries the optional collaborators.
type Options struct {
	Limiter *CallLimiter
	Metrics *Metrics
	// Signer mints location.auth grants for externalized results.
	Signer *results.GrantSigner
	Logger *slog.Logger
}

func New(d *dispatch.Dispatcher, reg *registry.Registry, instances instance.Store, chunks *chunk.Engine, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		dispatcher: d,
		registry:   reg,
		instances:  instances,
		chunks:     chunks,
		limiter:    opts.Limiter,
		metrics:    opts.Metrics,
		signer:     opts.Signer,
		clock:      time.Now,
		logger:     logger,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Server) WithClock(clock func() time.Time) *Server {
	s.clock = clock
	return s
}

// Handler assembles the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/call", s.handleCall)
	mux.HandleFunc("/.well-known/ops", s.handleWellKnown)
	mux.HandleFunc("GET /ops/{id}", s.handlePoll)
	mux.HandleFunc("GET /ops/{id}/chunks", s.handleChunks)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	var h http.Handler = mux
	if s.metrics != nil {
		h = s.metrics.Middleware(h)
	}
	return h
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		s.writeProtocolError(w, "", envelope.MethodNotAllowed(r.Method))
		return
	}
	if s.limiter != nil && !s.limiter.Allow(clientIP(r)) {
		s.writeProtocolError(w, "", envelope.RateLimited(pollRetryAfterMs))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeProtocolError(w, "", envelope.InvalidEnvelope("request body unreadable or too large"))
		return
	}

	res := s.dispatcher.Dispatch(r.Context(), body, r.Header.Get("Authorization"))
	if res.Location != "" {
		w.Header().Set("Location", res.Location)
	}
	envelope.WriteJSON(w, res.Status, res.Body)
}

func (s *Server) handleWellKnown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		s.writeProtocolError(w, "", envelope.MethodNotAllowed(r.Method))
		return
	}

	etag := s.registry.ETag()
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=3600")

	if validatorMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.registry.Description())
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	now := s.clock()

	inst, remaining, err := s.instances.StampPoll(r.Context(), id, now, pollWindow)
	if err != nil {
		switch {
		case errors.Is(err, instance.ErrNotFound):
			s.writeProtocolError(w, id, envelope.OperationNotFound(id))
		case errors.Is(err, instance.ErrRateLimited):
			s.writeProtocolError(w, id, envelope.RateLimited(remaining.Milliseconds()))
		default:
			s.logger.Error("poll failed", "requestId", id, "error", err)
			s.writeProtocolError(w, id, envelope.Internal())
		}
		return
	}

	observability.AddSpanEvent(r.Context(), "ops.poll", observability.PollAttrs(id, string(inst.State))...)

	resp := &envelope.Response{
		RequestID: inst.RequestID,
		SessionID: inst.SessionID,
		State:     inst.State,
		ExpiresAt: inst.ExpiresAt.Unix(),
	}
	switch inst.State {
	case envelope.StateAccepted:
		resp.Location = &envelope.Location{URI: "/ops/" + inst.RequestID}
		resp.RetryAfterMs = pollRetryAfterMs
		envelope.WriteJSON(w, http.StatusAccepted, resp)
	case envelope.StatePending:
		resp.RetryAfterMs = pollRetryAfterMs
		envelope.WriteJSON(w, http.StatusAccepted, resp)
	case envelope.StateComplete:
		resp.Location = s.resultLocation(inst)
		envelope.WriteJSON(w, http.StatusOK, resp)
	case envelope.StateError:
		resp.Error = inst.Error
		if resp.Error == nil {
			resp.Error = &envelope.Error{Code: envelope.CodeInternalError, Message: "Operation failed"}
		}
		envelope.WriteJSON(w, http.StatusOK, resp)
	default:
		s.logger.Error("instance in unknown state", "requestId", id, "state", inst.State)
		s.writeProtocolError(w, id, envelope.UnknownStateErr(string(inst.State)))
	}
}

// resultLocation attaches an auth grant when the result was externalized to
// object storage; core-served chunk locations need none.
func (s *Server) resultLocation(inst *instance.Instance) *envelope.Location {
	loc := &envelope.Location{URI: inst.ResultLocation}
	if loc.URI == "" {
		loc.URI = "/ops/" + inst.RequestID + "/chunks"
	}
	if s.signer != nil && !strings.HasPrefix(loc.URI, "/") {
		grant, err := s.signer.Sign(inst.RequestID, loc.URI)
		if err != nil {
			s.logger.Error("failed to sign result grant", "requestId", inst.RequestID, "error", err)
		} else {
			loc.Auth = grant
		}
	}
	return loc
}

func (s *Server) handleChunks(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, perr := s.chunks.Read(r.Context(), id, r.URL.Query().Get("cursor"))
	if perr != nil {
		s.writeProtocolError(w, id, perr)
		return
	}
	observability.AddSpanEvent(r.Context(), "ops.chunk", observability.ChunkAttrs(id, c.Index)...)
	writeJSONValue(w, http.StatusOK, c)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSONValue(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeProtocolError(w http.ResponseWriter, requestID string, perr *envelope.ProtocolError) {
	envelope.WriteJSON(w, perr.Status, &envelope.Response{
		RequestID:    requestID,
		State:        envelope.StateError,
		Error:        &perr.Err,
		RetryAfterMs: perr.RetryAfterMs(),
	})
}

func writeJSONValue(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// validatorMatches implements the subset of If-None-Match handling the
// registry needs: strong validators, optional list form, and the wildcard.
func validatorMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	if header == "*" {
		return true
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == etag {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host := r.RemoteAddr
	if idx := strings.LastIndexByte(host, ':'); idx >= 0 {
		host = host[:idx]
	}
	return host
}
