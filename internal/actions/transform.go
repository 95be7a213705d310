package actions

import (
	"context"

	"github.com/triflow/triflow/internal/expressions"
	"github.com/triflow/triflow/pkg/schema"
)

// TransformAction reshapes workflow data with a jq program. The input
// document defaults to the instance variables; an explicit "input"
// parameter overrides it.
func TransformAction(engine *expressions.GoJQEngine) Action {
	if engine == nil {
		engine = expressions.NewGoJQEngine()
	}
	return Action{
		Name: "transform",
		Schema: ActionSchema{
			Description: "Reshape data with a jq expression",
			Parameters: map[string]string{
				"query": "jq program to run (required)",
				"input": "document to transform, defaults to the instance variables",
			},
		},
		Validate: func(params map[string]any) error {
			if stringParam(params, "query", "") == "" {
				return schema.NewError(schema.ErrCodeValidation, "transform requires a query parameter")
			}
			return nil
		},
		Execute: func(ctx context.Context, input *ActionInput) (*ActionOutput, error) {
			doc := input.Context
			if explicit, ok := input.Params["input"].(map[string]any); ok {
				doc = explicit
			}
			query := stringParam(input.Params, "query", "")
			result, err := engine.Evaluate(ctx, query, doc)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeNodeExecution, "transform: %v", err).WithCause(err)
			}
			return marshalOutput(map[string]any{"result": result})
		},
	}
}
