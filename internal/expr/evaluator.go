package expr

import (
	"fmt"

	"github.com/expr-lang/expr"
)

// EvalBool runs p against env.
func EvalBool(p *Program, env Env) (bool, error) {
	if p == nil || p.program == nil {
		return false, fmt.Errorf("nil compiled expression")
	}

	result, err := expr.Run(p.program, env)
	if err != nil {
		return false, fmt.Errorf("expression eval error for %q: %w", p.Source, err)
	}

	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, expected bool", p.Source, result)
	}
	return b, nil
}

// Any reports whether p holds for at least one of envs. Evaluation stops at
// the first match or the first error.
func Any(p *Program, envs []Env) (bool, error) {
	for _, env := range envs {
		ok, err := EvalBool(p, env)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
