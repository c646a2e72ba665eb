package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opencall-labs/opencall/pkg/config"
	"github.com/opencall-labs/opencall/pkg/registry"
	"github.com/opencall-labs/opencall/pkg/results"
	"github.com/opencall-labs/opencall/pkg/schema"
)

// servedOps applies the deployment profile's operations gate. A nil profile
// serves everything; a gated-out operation never enters the registry, so it
// reports UNKNOWN_OPERATION rather than a scope failure.
func servedOps(ops []*registry.Operation, profile *config.Profile) []*registry.Operation {
	if profile == nil {
		return ops
	}
	served := make([]*registry.Operation, 0, len(ops))
	for _, op := range ops {
		if profile.Serves(op.Op) {
			served = append(served, op)
		}
	}
	return served
}

// builtinOps returns the operations every deployment serves. Real catalogues
// are assembled by embedding applications; these two exist so a fresh install
// can exercise the full sync and async pipelines end to end.
func builtinOps(objects results.ObjectStore) []*registry.Operation {
	return []*registry.Operation{
		{
			Op: "v1:core.echo",
			ArgsSchema: schema.MustCompile("v1:core.echo.args", map[string]any{
				"type": "object",
				"properties": map[string]any{
					"message": map[string]any{"type": "string"},
				},
			}),
			ExecutionModel: registry.ExecSync,
			RequiredScopes: []string{"core:read"},
			Handler: func(_ context.Context, args map[string]any, derived *registry.Context, _ registry.Persistence) (*registry.Outcome, error) {
				return &registry.Outcome{
					Result: map[string]any{
						"echo":      args,
						"principal": derived.Principal,
						"serverAt":  time.Now().UTC().Format(time.RFC3339),
					},
				}, nil
			},
		},
		{
			Op: "v1:core.delay",
			ArgsSchema: schema.MustCompile("v1:core.delay.args", map[string]any{
				"type": "object",
				"properties": map[string]any{
					"ms": map[string]any{"type": "number", "minimum": float64(0), "maximum": float64(60000)},
				},
			}),
			ExecutionModel: registry.ExecAsync,
			RequiredScopes: []string{"core:read"},
			TTLSeconds:     600,
			Worker: func(ctx context.Context, args map[string]any, derived *registry.Context, _ registry.Persistence) (*registry.WorkResult, error) {
				ms, _ := args["ms"].(float64)
				select {
				case <-time.After(time.Duration(ms) * time.Millisecond):
				case <-ctx.Done():
					return nil, ctx.Err()
				}

				payload, err := json.Marshal(map[string]any{
					"sleptMs":    ms,
					"finishedAt": time.Now().UTC().Format(time.RFC3339),
				})
				if err != nil {
					return nil, err
				}

				if objects != nil {
					uri, err := objects.Put(ctx, derived.RequestID, payload, "application/json")
					if err != nil {
						return nil, fmt.Errorf("failed to externalize result: %w", err)
					}
					return &registry.WorkResult{Location: uri}, nil
				}
				return &registry.WorkResult{Data: payload, Mime: "application/json"}, nil
			},
		},
	}
}
