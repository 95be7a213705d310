package validation

import "github.com/triflow/triflow/pkg/schema"

// Validator checks workflow definitions for correctness before activation.
// Uses JSON Schema Draft 2020-12 for document and trigger payload validation.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// ActionLookup answers whether an action name is registered. Implemented
// by the action registry; nil skips action existence checks.
type ActionLookup interface {
	Has(name string) bool
}
