package expressions

import "context"

// Engine evaluates expressions against an instance context.
// Three implementations: CEL (node conditions), Expr (rule predicates),
// GoJQ (transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
