package dispatch

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// PolicyEngine evaluates per-operation CEL authorization expressions. The
// single "input" map keeps the policy surface uniform across operations.
type PolicyEngine struct {
	env      *cel.Env
	prgCache map[string]cel.Program
	mu       sync.RWMutex
}

func NewPolicyEngine() (*PolicyEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return &PolicyEngine{
		env:      env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

// Evaluate compiles (once) and evaluates an expression against input. The
// expression must yield a boolean verdict.
func (pe *PolicyEngine) Evaluate(expression string, input map[string]any) (bool, error) {
	pe.mu.RLock()
	prg, hit := pe.prgCache[expression]
	pe.mu.RUnlock()

	if !hit {
		pe.mu.Lock()
		if prg, hit = pe.prgCache[expression]; !hit {
			ast, issues := pe.env.Compile(expression)
			if issues != nil && issues.Err() != nil {
				pe.mu.Unlock()
				return false, fmt.Errorf("CEL compile error: %w", issues.Err())
			}
			p, err := pe.env.Program(ast)
			if err != nil {
				pe.mu.Unlock()
				return false, fmt.Errorf("CEL program error: %w", err)
			}
			pe.prgCache[expression] = p
			prg = p
		}
		pe.mu.Unlock()
	}

	out, _, err := prg.Eval(map[string]any{"input": input})
	if err != nil {
		return false, fmt.Errorf("CEL eval error: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy result not boolean")
	}
	return allowed, nil
}
