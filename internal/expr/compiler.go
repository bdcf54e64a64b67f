// Package expr compiles and evaluates the boolean expressions used to
// select interfaces by their properties.
package expr

import (
	"errors"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ErrEmpty is returned when compiling an empty expression.
var ErrEmpty = errors.New("empty expression")

// Env is the variable set an expression is evaluated against: one
// property of the interface under test.
type Env struct {
	ID        int    `expr:"id"`
	Interface int    `expr:"interface"`
	Name      string `expr:"name"`
	Type      string `expr:"type"`
	Value     string `expr:"value"`
}

// Program is a compiled expression ready for evaluation.
type Program struct {
	Source  string
	program *vm.Program
}

// Compile type-checks source against Env. The expression must yield a
// boolean.
func Compile(source string) (*Program, error) {
	if source == "" {
		return nil, ErrEmpty
	}

	program, err := expr.Compile(source, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("expression compile error: %w", err)
	}

	return &Program{
		Source:  source,
		program: program,
	}, nil
}

// MustCompile is Compile that panics on error. It is meant for expressions
// fixed at build time.
func MustCompile(source string) *Program {
	p, err := Compile(source)
	if err != nil {
		panic(err)
	}
	return p
}

// ValidateSyntax reports whether source would compile.
func ValidateSyntax(source string) error {
	if _, err := Compile(source); err != nil {
		return fmt.Errorf("invalid expression %q: %w", source, err)
	}
	return nil
}
