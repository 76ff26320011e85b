package policy

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// ExprEnvironment compiles CEL expression rules against the fact variables a
// policy evaluation exposes.
type ExprEnvironment struct {
	env *cel.Env
}

// NewExprEnvironment declares the CEL variables available to expression
// rules: the resolved facts map and the package coordinate fields.
func NewExprEnvironment() (*ExprEnvironment, error) {
	env, err := cel.NewEnv(
		cel.Variable("facts", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("pkg", cel.MapType(cel.StringType, cel.DynType)),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: build expression environment: %w", err)
	}
	return &ExprEnvironment{env: env}, nil
}

// ExprProgram wraps one compiled boolean expression rule.
type ExprProgram struct {
	source  string
	program cel.Program
}

// Compile prepares an expression rule, enforcing a boolean result type so
// misconfigured rules fail at startup rather than per request.
func (e *ExprEnvironment) Compile(expression string) (ExprProgram, error) {
	src := strings.TrimSpace(expression)
	if src == "" {
		return ExprProgram{}, fmt.Errorf("policy: expression required")
	}
	ast, issues := e.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return ExprProgram{}, fmt.Errorf("policy: compile %q: %w", src, issues.Err())
	}
	if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
		return ExprProgram{}, fmt.Errorf("policy: expression %q must yield a boolean, got %s", src, t)
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return ExprProgram{}, fmt.Errorf("policy: program %q: %w", src, err)
	}
	return ExprProgram{source: src, program: program}, nil
}

// Source returns the original expression text for violation messages.
func (p ExprProgram) Source() string { return p.source }

// Eval executes the expression against the given activation.
func (p ExprProgram) Eval(vars map[string]any) (bool, error) {
	if p.program == nil {
		return false, fmt.Errorf("policy: expression program not initialized")
	}
	val, _, err := p.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("policy: eval %q: %w", p.source, err)
	}
	switch v := val.(type) {
	case types.Bool:
		return bool(v), nil
	case ref.Val:
		if v.Type() == types.BoolType {
			if b, ok := v.Value().(bool); ok {
				return b, nil
			}
		}
	}
	return false, fmt.Errorf("policy: %q yielded non-bool result %T", p.source, val)
}
