// Package registry holds the operation catalogue. The registry is assembled
// once at boot, read-only afterwards; its self-description bytes and ETag are
// computed exactly once so conditional fetches stay stable for the process
// lifetime.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/opencall-labs/opencall/pkg/envelope"
	"github.com/opencall-labs/opencall/pkg/instance"
	"github.com/opencall-labs/opencall/pkg/results"
	"github.com/opencall-labs/opencall/pkg/schema"
)

// Execution models.
const (
	ExecSync  = "sync"
	ExecAsync = "async"
)

// Caching policies.
const (
	CacheNone     = "none"
	CacheServer   = "server"
	CacheLocation = "location"
)

// defaultAsyncTTL applies when an async operation declares no ttlSeconds.
const defaultAsyncTTL = 3600

// Context is the derived per-request context passed to handlers and returned
// alongside the response for attribution.
type Context struct {
	RequestID      string
	SessionID      string
	IdempotencyKey string
	Principal      string
	Scopes         []string
	TokenClass     string
	AnalyticsRef   string
}

// Persistence is the handle handlers receive to reach the stores. Handlers
// never open their own connections.
type Persistence interface {
	Instances() instance.Store
	Results() results.Cache
}

// Stores is the default Persistence implementation over concrete stores.
type Stores struct {
	InstanceStore instance.Store
	ResultCache   results.Cache
}

func (s *Stores) Instances() instance.Store { return s.InstanceStore }
func (s *Stores) Results() results.Cache    { return s.ResultCache }

// Outcome is a successful handler return. Domain failures travel as a
// *envelope.DomainError from the handler instead.
type Outcome struct {
	State        envelope.State
	Result       map[string]any
	Location     *envelope.Location
	RetryAfterMs int64
	ExpiresAt    int64
}

// HandlerFunc executes a sync operation.
type HandlerFunc func(ctx context.Context, args map[string]any, derived *Context, p Persistence) (*Outcome, error)

// WorkResult is what an async worker produces on success. Data is retrievable
// through the chunk endpoint; Location, when set, points at an externalized
// copy instead.
type WorkResult struct {
	Data     []byte
	Mime     string
	Location string
}

// WorkFunc executes the background phase of an async operation.
type WorkFunc func(ctx context.Context, args map[string]any, derived *Context, p Persistence) (*WorkResult, error)

// Operation is one registry record.
type Operation struct {
	Op                  string
	ArgsSchema          *schema.Compiled
	ResultSchema        *schema.Compiled
	ExecutionModel      string
	RequiredScopes      []string
	SideEffecting       bool
	IdempotencyRequired bool
	CachingPolicy       string
	TTLSeconds          int
	MaxSyncMs           int
	Sunset              string // ISO date; empty means not deprecated
	Replacement         string
	Policy              string // optional CEL authorization expression
	Handler             HandlerFunc
	Worker              WorkFunc
}

// Deprecated reports whether the operation carries a sunset date.
func (o *Operation) Deprecated() bool {
	return o.Sunset != ""
}

// Removed reports whether the operation is past its sunset. The operation
// stays callable through the sunset day itself.
func (o *Operation) Removed(now time.Time) bool {
	if o.Sunset == "" {
		return false
	}
	sunset, err := time.Parse("2006-01-02", o.Sunset)
	if err != nil {
		return false
	}
	return !now.Before(sunset.AddDate(0, 0, 1))
}

// Registry is the immutable operation catalogue.
type Registry struct {
	callVersion string
	ops         map[string]*Operation
	order       []string

	body []byte
	etag string

	opToScopes map[string][]string
	scopeToOps map[string][]string
}

// New assembles and validates the catalogue and computes the self-description
// bytes and ETag.
func New(callVersion string, ops []*Operation) (*Registry, error) {
	r := &Registry{
		callVersion: callVersion,
		ops:         make(map[string]*Operation, len(ops)),
		opToScopes:  make(map[string][]string, len(ops)),
		scopeToOps:  make(map[string][]string),
	}

	for _, op := range ops {
		if !envelope.ValidOpName(op.Op) {
			return nil, fmt.Errorf("invalid operation name %q", op.Op)
		}
		if _, dup := r.ops[op.Op]; dup {
			return nil, fmt.Errorf("duplicate operation %q", op.Op)
		}
		if op.ExecutionModel == "" {
			op.ExecutionModel = ExecSync
		}
		switch op.ExecutionModel {
		case ExecSync:
			if op.Handler == nil {
				return nil, fmt.Errorf("sync operation %q has no handler", op.Op)
			}
		case ExecAsync:
			if op.Worker == nil {
				return nil, fmt.Errorf("async operation %q has no worker", op.Op)
			}
			if op.TTLSeconds <= 0 {
				op.TTLSeconds = defaultAsyncTTL
			}
		default:
			return nil, fmt.Errorf("operation %q has unknown execution model %q", op.Op, op.ExecutionModel)
		}
		switch op.CachingPolicy {
		case "":
			op.CachingPolicy = CacheNone
		case CacheNone, CacheServer, CacheLocation:
		default:
			return nil, fmt.Errorf("operation %q has unknown caching policy %q", op.Op, op.CachingPolicy)
		}
		if op.Sunset != "" {
			if _, err := time.Parse("2006-01-02", op.Sunset); err != nil {
				return nil, fmt.Errorf("operation %q has invalid sunset %q: %w", op.Op, op.Sunset, err)
			}
		}
		if op.ArgsSchema == nil {
			op.ArgsSchema = schema.MustCompile(op.Op+".args", nil)
		}
		if op.ResultSchema == nil {
			op.ResultSchema = schema.MustCompile(op.Op+".result", nil)
		}

		r.ops[op.Op] = op
		r.order = append(r.order, op.Op)
		r.opToScopes[op.Op] = append([]string(nil), op.RequiredScopes...)
		for _, scope := range op.RequiredScopes {
			r.scopeToOps[scope] = append(r.scopeToOps[scope], op.Op)
		}
	}
	sort.Strings(r.order)
	for _, list := range r.scopeToOps {
		sort.Strings(list)
	}

	if err := r.describe(); err != nil {
		return nil, err
	}
	return r, nil
}

// describe serializes the catalogue once, canonicalized so the ETag does not
// depend on map iteration order.
func (r *Registry) describe() error {
	operations := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		op := r.ops[name]
		entry := map[string]any{
			"op":                  op.Op,
			"argsSchema":          op.ArgsSchema.JSON(),
			"resultSchema":        op.ResultSchema.JSON(),
			"sideEffecting":       op.SideEffecting,
			"idempotencyRequired": op.IdempotencyRequired,
			"executionModel":      op.ExecutionModel,
			"maxSyncMs":           op.MaxSyncMs,
			"ttlSeconds":          op.TTLSeconds,
			"authScopes":          r.opToScopes[op.Op],
			"cachingPolicy":       op.CachingPolicy,
		}
		if op.Deprecated() {
			entry["deprecated"] = true
			entry["sunset"] = op.Sunset
			if op.Replacement != "" {
				entry["replacement"] = op.Replacement
			}
		}
		operations = append(operations, entry)
	}

	raw, err := json.Marshal(map[string]any{
		"callVersion": r.callVersion,
		"operations":  operations,
	})
	if err != nil {
		return fmt.Errorf("failed to serialize registry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return fmt.Errorf("failed to canonicalize registry: %w", err)
	}
	sum := sha256.Sum256(canonical)

	r.body = canonical
	r.etag = `"` + hex.EncodeToString(sum[:]) + `"`
	return nil
}

// Lookup returns the operation record for op, or nil.
func (r *Registry) Lookup(op string) *Operation {
	return r.ops[op]
}

// CallVersion returns the protocol version date the catalogue declares.
func (r *Registry) CallVersion() string {
	return r.callVersion
}

// Description returns the canonical self-description bytes.
func (r *Registry) Description() []byte {
	return r.body
}

// ETag returns the quoted entity tag of the self-description.
func (r *Registry) ETag() string {
	return r.etag
}

// Ops returns the operation names in sorted order.
func (r *Registry) Ops() []string {
	return append([]string(nil), r.order...)
}

// ScopesFor returns the scopes op requires, in declaration order.
func (r *Registry) ScopesFor(op string) []string {
	return append([]string(nil), r.opToScopes[op]...)
}

// OpsForScope returns the operations that require scope, for introspection.
func (r *Registry) OpsForScope(scope string) []string {
	return append([]string(nil), r.scopeToOps[scope]...)
}
