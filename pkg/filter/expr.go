package filter

import (
	"encoding/json"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/dominikletica/aaviondb/pkg/fault"
)

// exprEvaluator runs payload_expr filters. Expressions see the decoded
// payload plus slug and parent; compiled programs are cached per
// expression with a cost limit so a hostile filter cannot spin.
type exprEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

func newExprEvaluator() (*exprEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("payload", cel.DynType),
		cel.Variable("slug", cel.StringType),
		cel.Variable("parent", cel.StringType),
	)
	if err != nil {
		return nil, fault.Internal("filter expression environment").WithCause(err)
	}
	return &exprEvaluator{env: env, programs: make(map[string]cel.Program)}, nil
}

func (e *exprEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok = e.programs[expr]; ok {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fault.Invalid("payload_expr does not compile: %v", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fault.Invalid("payload_expr is not executable: %v", err)
	}
	e.programs[expr] = prg
	return prg, nil
}

func (e *exprEvaluator) eval(expr string, c Candidate) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	var payload any
	if len(c.Payload) > 0 {
		if err := json.Unmarshal(c.Payload, &payload); err != nil {
			return false, fault.Internal("payload is not valid JSON").WithCause(err)
		}
	}
	if payload == nil {
		payload = map[string]any{}
	}

	out, _, err := prg.Eval(map[string]any{
		"payload": payload,
		"slug":    c.Slug,
		"parent":  c.Parent,
	})
	if err != nil {
		return false, fault.Invalid("payload_expr evaluation: %v", err)
	}
	verdict, ok := out.Value().(bool)
	if !ok {
		return false, fault.Invalid("payload_expr must evaluate to a boolean")
	}
	return verdict, nil
}
