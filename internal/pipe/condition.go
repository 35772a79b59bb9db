package pipe

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// ConditionEvaluator evaluates transition conditions (spec §4.7 step 15
// "store as private subscriptions keyed by .<fromActivityId> with
// {to: conditions|true}") using CEL, caching compiled programs per
// expression. Grounded on the teacher's
// cmd/workflow-runner/condition/evaluator.go (cel.Program cache behind
// a RWMutex), generalized from the teacher's fixed {output,ctx}
// variable pair to the job-state tree this system's transitions
// evaluate against.
type ConditionEvaluator struct {
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewConditionEvaluator builds an evaluator with an empty program cache.
func NewConditionEvaluator() *ConditionEvaluator {
	return &ConditionEvaluator{cache: make(map[string]cel.Program)}
}

// Evaluate compiles (or reuses a cached compile of) expr and runs it
// against state and context, requiring a boolean result.
func (e *ConditionEvaluator) Evaluate(expr string, state, context map[string]interface{}) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]interface{}{
		"state": state,
		"ctx":   context,
	})
	if err != nil {
		return false, fmt.Errorf("pipe: condition eval error: %w", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("pipe: condition %q did not return a boolean, got %T", expr, out.Value())
	}
	return result, nil
}

func (e *ConditionEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("state", cel.DynType),
		cel.Variable("ctx", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("pipe: create CEL env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("pipe: compile condition %q: %w", expr, issues.Err())
	}
	prg, err = env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("pipe: build CEL program for %q: %w", expr, err)
	}

	e.mu.Lock()
	e.cache[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

// ClearCache drops every compiled program.
func (e *ConditionEvaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]cel.Program)
}
