package actions

import (
	"context"
	"encoding/json"
)

// ExecuteFunc runs an action against interpolated node parameters.
type ExecuteFunc func(ctx context.Context, input *ActionInput) (*ActionOutput, error)

// ValidateFunc checks node parameters at workflow registration time,
// before any instance runs.
type ValidateFunc func(params map[string]any) error

// Action is an executable unit of work bound to an action node.
type Action struct {
	Name     string
	Schema   ActionSchema
	Execute  ExecuteFunc
	Validate ValidateFunc
}

// ActionRegistry manages lookup of available actions.
type ActionRegistry interface {
	Register(action Action) error
	Get(name string) (Action, error)
	Has(name string) bool
	List() []ActionInfo
}

// ActionSchema describes the contract of an action. Parameters maps each
// accepted parameter name to a short usage note for discovery endpoints.
type ActionSchema struct {
	InputSchema  json.RawMessage   `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage   `json:"output_schema,omitempty"`
	Description  string            `json:"description,omitempty"`
	Parameters   map[string]string `json:"parameters,omitempty"`
}

// ActionInput is the data provided to an action at execution time.
// Params come from the node config after interpolation; Context carries
// the instance variables plus execution metadata.
type ActionInput struct {
	InstanceID string         `json:"instance_id,omitempty"`
	NodeID     string         `json:"node_id,omitempty"`
	TenantID   string         `json:"tenant_id,omitempty"`
	Params     map[string]any `json:"params"`
	Context    map[string]any `json:"context,omitempty"`
}

// ActionOutput is the result of an action execution.
type ActionOutput struct {
	Data json.RawMessage `json:"data,omitempty"`
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
