package expression

import (
	"github.com/deepnoodle-ai/forge/errdefs"
	"github.com/deepnoodle-ai/forge/variables"
)

// Expr is a compiled, optimized expression.
type Expr struct {
	Source string
	Root   Node
}

// Compile parses and optimizes src. Syntax errors are configuration errors.
func Compile(src string) (*Expr, error) {
	node, err := Parse(src)
	if err != nil {
		return nil, errdefs.WrapConfig(err, "invalid expression %q", src)
	}
	return &Expr{Source: src, Root: Optimize(node)}, nil
}

// MustCompile is Compile that panics on error. It is meant for expressions
// fixed at build time.
func MustCompile(src string) *Expr {
	e, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return e
}

// Evaluate returns the truth value of the expression against ctx. Type
// mismatches and missing fields are reported as errors; `when:` guards
// surface them to the caller.
func (e *Expr) Evaluate(ctx any) (bool, error) {
	return EvalBool(e.Root, variables.FromAny(ctx).Any())
}

// Value evaluates the expression and returns its raw result.
func (e *Expr) Value(ctx any) (any, error) {
	return Eval(e.Root, variables.FromAny(ctx).Any())
}

// Matches is Evaluate for work-item filters: any evaluation failure counts
// as a non-match.
func (e *Expr) Matches(item any) bool {
	ok, err := e.Evaluate(item)
	return err == nil && ok
}

func (e *Expr) String() string {
	return e.Source
}
