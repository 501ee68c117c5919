package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/agentgate/agentgate/pkg/canonical"
	"github.com/agentgate/agentgate/pkg/contracts"
)

// celEvaluator compiles and caches manifest CEL rules. Evaluation is
// fail-closed: a rule that errors denies the action the same way a rule
// that returns false does.
type celEvaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newCELEvaluator() (*celEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("action_type", cel.StringType),
		cel.Variable("tool", cel.StringType),
		cel.Variable("params", cel.DynType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("has_amount", cel.BoolType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("counterparty", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create CEL environment: %w", err)
	}
	return &celEvaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// Evaluate runs one rule; ok is false on a false result or any error.
func (e *celEvaluator) Evaluate(rule contracts.CELRule, a *contracts.Action, cp *contracts.Counterparty) (ok bool, err error) {
	prg, err := e.program(rule.Expression)
	if err != nil {
		return false, err
	}

	amount := 0.0
	hasAmount := a.Amount != nil
	if hasAmount {
		amount, _ = a.Amount.Float64()
	}
	cpMap := map[string]any{}
	if !cp.Empty() {
		cpMap = map[string]any{
			"id":           cp.ID,
			"name":         cp.Name,
			"email":        cp.Email,
			"domain":       cp.Domain,
			"jurisdiction": cp.Jurisdiction,
		}
	}
	params := a.Params
	if params == nil {
		params = map[string]any{}
	}

	out, _, err := prg.Eval(map[string]any{
		"action_type":  a.Type,
		"tool":         a.Tool,
		"params":       params,
		"amount":       amount,
		"has_amount":   hasAmount,
		"currency":     a.Currency,
		"counterparty": cpMap,
	})
	if err != nil {
		return false, fmt.Errorf("policy: CEL rule %q: %w", rule.Name, err)
	}
	allowed, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("policy: CEL rule %q did not yield a boolean", rule.Name)
	}
	return allowed, nil
}

func (e *celEvaluator) program(expr string) (cel.Program, error) {
	key := canonical.HashBytes([]byte(expr))
	e.mu.RLock()
	prg, hit := e.cache[key]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: compile CEL rule: %w", issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy: build CEL program: %w", err)
	}

	e.mu.Lock()
	e.cache[key] = prg
	e.mu.Unlock()
	return prg, nil
}
