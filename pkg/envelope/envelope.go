// Package envelope defines the canonical request/response shapes for the
// OpenCALL wire protocol — one envelope for every operation invocation,
// one envelope for every outcome — plus the protocol error taxonomy.
package envelope

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// State is the lifecycle state carried by every response envelope.
type State string

const (
	StateComplete State = "complete"
	StateAccepted State = "accepted"
	StatePending  State = "pending"
	StateError    State = "error"
)

// opNamePattern matches versioned operation names: v<major>:<namespace>.<verb>.
var opNamePattern = regexp.MustCompile(`^v[0-9]+:[A-Za-z][A-Za-z0-9]*(\.[A-Za-z][A-Za-z0-9]*)+$`)

// ValidOpName reports whether name has the v<major>:<namespace>.<verb> shape.
func ValidOpName(name string) bool {
	return opNamePattern.MatchString(name)
}

// RequestCtx is the optional correlation block of a request envelope.
type RequestCtx struct {
	RequestID      string `json:"requestId,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// MediaRef is an out-of-band media reference. The core validates shape only.
type MediaRef struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Ref      string `json:"ref,omitempty"`
	Part     string `json:"part,omitempty"`
}

// Request is the single request envelope shared by all operations.
type Request struct {
	Op    string         `json:"op"`
	Args  map[string]any `json:"args,omitempty"`
	Ctx   *RequestCtx    `json:"ctx,omitempty"`
	Media []MediaRef     `json:"media,omitempty"`
}

// Location points a client at a result or polling resource.
type Location struct {
	URI  string `json:"uri"`
	Auth string `json:"auth,omitempty"`
}

// Response is the single response envelope shared by all outcomes.
// result, error, and a body-less location are mutually exclusive.
type Response struct {
	RequestID    string         `json:"requestId"`
	SessionID    string         `json:"sessionId,omitempty"`
	State        State          `json:"state"`
	Result       map[string]any `json:"result,omitempty"`
	Error        *Error         `json:"error,omitempty"`
	Location     *Location      `json:"location,omitempty"`
	RetryAfterMs int64          `json:"retryAfterMs,omitempty"`
	ExpiresAt    int64          `json:"expiresAt,omitempty"`
}

// ParseRequest decodes and shape-checks a request envelope. A failure at
// either step yields an INVALID_ENVELOPE protocol error whose message lists
// the offending paths.
func ParseRequest(body []byte) (*Request, *ProtocolError) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, InvalidEnvelope(fmt.Sprintf("body is not valid JSON: %v", err))
	}
	if issues := req.shapeIssues(); len(issues) > 0 {
		return nil, InvalidEnvelope("invalid envelope: " + strings.Join(issues, "; "))
	}
	return &req, nil
}

// shapeIssues returns human-readable path descriptions for every envelope
// shape violation.
func (r *Request) shapeIssues() []string {
	var issues []string
	if r.Op == "" {
		issues = append(issues, "op: required")
	} else if !ValidOpName(r.Op) {
		issues = append(issues, fmt.Sprintf("op: %q does not match v<major>:<namespace>.<verb>", r.Op))
	}
	if r.Ctx != nil {
		if r.Ctx.RequestID != "" {
			if _, err := uuid.Parse(r.Ctx.RequestID); err != nil {
				issues = append(issues, "ctx.requestId: not a valid UUID")
			}
		}
		if r.Ctx.SessionID != "" {
			if _, err := uuid.Parse(r.Ctx.SessionID); err != nil {
				issues = append(issues, "ctx.sessionId: not a valid UUID")
			}
		}
	}
	for i, m := range r.Media {
		if m.Name == "" {
			issues = append(issues, fmt.Sprintf("media[%d].name: required", i))
		}
		if m.MimeType == "" {
			issues = append(issues, fmt.Sprintf("media[%d].mimeType: required", i))
		}
	}
	return issues
}

// Arguments returns the args mapping, treating an absent block as empty.
func (r *Request) Arguments() map[string]any {
	if r.Args == nil {
		return map[string]any{}
	}
	return r.Args
}

// RequestID returns the client-supplied correlation id, or "" if absent.
func (r *Request) RequestID() string {
	if r.Ctx == nil {
		return ""
	}
	return r.Ctx.RequestID
}

// SessionID returns the client-supplied session id, or "" if absent.
func (r *Request) SessionID() string {
	if r.Ctx == nil {
		return ""
	}
	return r.Ctx.SessionID
}

// WriteJSON writes a response envelope with the protocol's content type.
func WriteJSON(w http.ResponseWriter, status int, resp *Response) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
