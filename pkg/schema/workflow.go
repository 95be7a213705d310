package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// WorkflowDefinition is the JSON document consumed from the authoring store.
// Nodes execute in definition order unless a node's `next` overrides the
// successor; control nodes carry their nested node lists inline.
type WorkflowDefinition struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Version int      `json:"version"`
	Trigger *Trigger `json:"trigger,omitempty"`
	Nodes   []Node   `json:"nodes"`
	Active  bool     `json:"active"`

	// TimeoutSeconds bounds a whole instance run. Zero means no limit.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	// InputSchema optionally constrains the trigger payload (JSON Schema
	// Draft 2020-12). Empty means any payload is accepted.
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Trigger describes how instances of a workflow are started.
type Trigger struct {
	Type   string          `json:"type"` // manual | schedule | event | webhook
	Config json.RawMessage `json:"config,omitempty"`
}

// ScheduleTriggerConfig is the config block for schedule-type triggers.
type ScheduleTriggerConfig struct {
	Cron string `json:"cron"`
}

// Node is one step of a workflow graph. Exactly one executor exists per
// type; Config is decoded into the type-specific config struct at dispatch.
type Node struct {
	ID     string          `json:"id"`
	Type   NodeType        `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`

	// Next overrides the default successor (the following node in
	// definition order). Only the first entry is followed on the main
	// chain; remaining ids must still resolve.
	Next []string `json:"next,omitempty"`

	// Nested sub-graphs for control nodes.
	ThenNodes     []Node   `json:"then_nodes,omitempty"`
	ElseNodes     []Node   `json:"else_nodes,omitempty"`
	LoopNodes     []Node   `json:"loop_nodes,omitempty"`
	ParallelNodes [][]Node `json:"parallel_nodes,omitempty"`

	Retry   *RetryPolicy `json:"retry,omitempty"`
	Timeout string       `json:"timeout,omitempty"` // e.g. "30s", "5m"

	// OnError names a compensation node that runs before the instance
	// fails when this node's error is not retried away.
	OnError string `json:"on_error,omitempty"`
}

// NodeType enumerates the kinds of nodes in a workflow.
type NodeType string

const (
	NodeTypeCondition    NodeType = "condition"
	NodeTypeAction       NodeType = "action"
	NodeTypeIfElse       NodeType = "if_else"
	NodeTypeLoop         NodeType = "loop"
	NodeTypeParallel     NodeType = "parallel"
	NodeTypeJudgment     NodeType = "judgment"
	NodeTypeApproval     NodeType = "approval"
	NodeTypeWait         NodeType = "wait"
	NodeTypeCompensation NodeType = "compensation"
	NodeTypeDeploy       NodeType = "deploy"
	NodeTypeRollback     NodeType = "rollback"
	NodeTypeSimulate     NodeType = "simulate"
)

// RetryPolicy configures retry behavior for a node. Retries apply only to
// node execution errors, never to validation or cancellation.
type RetryPolicy struct {
	Max      int    `json:"max"`                 // max retry attempts
	Backoff  string `json:"backoff,omitempty"`   // none | constant | linear | exponential
	Delay    string `json:"delay,omitempty"`     // initial delay (e.g. "1s", "500ms")
	MaxDelay string `json:"max_delay,omitempty"` // cap on computed delay
}

// ConditionConfig is the config block for condition nodes. A false result
// stops the remaining sequential chain without failing the instance.
type ConditionConfig struct {
	Expression string `json:"expression"`
}

// ActionConfig is the config block for action nodes. Params values support
// {{variable}} interpolation from the instance context.
type ActionConfig struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// IfElseConfig is the config block for if_else nodes. The condition is
// evaluated exactly once; precisely one of then_nodes/else_nodes runs.
type IfElseConfig struct {
	Condition string `json:"condition"`
}

// LoopConfig is the config block for loop nodes.
type LoopConfig struct {
	LoopType string `json:"loop_type"` // for | while
	Count    int    `json:"count,omitempty"`
	Condition string `json:"condition,omitempty"`

	// MaxIterations caps both modes. Zero takes DefaultLoopCap; values
	// above MaxLoopCap are rejected by validation.
	MaxIterations int `json:"max_iterations,omitempty"`
}

// DefaultLoopCap is the iteration cap applied when a loop declares none.
const DefaultLoopCap = 100

// MaxLoopCap is the hard ceiling a loop may declare.
const MaxLoopCap = 1000

// ParallelConfig is the config block for parallel nodes.
type ParallelConfig struct {
	// FailFast aborts sibling branches on the first failure. When false,
	// all branches run to completion and partial results are reported.
	FailFast bool `json:"fail_fast,omitempty"`
}

// JudgmentConfig is the config block for judgment nodes.
type JudgmentConfig struct {
	RulesetID string `json:"ruleset_id"`
	// OutputVariable names the context key the judgment is stored under
	// (default "judgment").
	OutputVariable string `json:"output_variable,omitempty"`
}

// ApprovalConfig is the config block for approval nodes.
type ApprovalConfig struct {
	Approvers            []string `json:"approvers,omitempty"`
	TimeoutSeconds       int      `json:"timeout_seconds,omitempty"`
	NotificationChannel  string   `json:"notification_channel,omitempty"` // slack | email | sms
	NotificationMessage  string   `json:"notification_message,omitempty"`
	AutoApproveOnTimeout bool     `json:"auto_approve_on_timeout,omitempty"`
}

// DefaultApprovalTimeoutSeconds applies when an approval declares no deadline.
const DefaultApprovalTimeoutSeconds = 86400

// WaitConfig is the config block for wait nodes.
type WaitConfig struct {
	WaitType        string `json:"wait_type"` // duration | event
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	EventType       string `json:"event_type,omitempty"`
	TimeoutSeconds  int    `json:"timeout_seconds,omitempty"`
}

// MaxWaitSeconds bounds duration waits so no node blocks the scheduler
// indefinitely.
const MaxWaitSeconds = 3600

// CompensationConfig is the config block for compensation nodes. They run
// only along a declared failure path of a preceding node.
type CompensationConfig struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// DeployConfig is the config block for deploy nodes. CanaryPct in (0,1)
// starts a canary; zero (or 1) activates the version directly.
type DeployConfig struct {
	RulesetID string  `json:"ruleset_id"`
	Version   int     `json:"version"`
	CanaryPct float64 `json:"canary_pct,omitempty"`
	Approver  string  `json:"approver,omitempty"`
	Changelog string  `json:"changelog,omitempty"`
}

// RollbackConfig is the config block for rollback nodes.
type RollbackConfig struct {
	RulesetID string `json:"ruleset_id"`
	ToVersion int    `json:"to_version"`
	Reason    string `json:"reason,omitempty"`
}

// SimulateConfig is the config block for simulate nodes. Evaluation runs
// against the named version without consulting or touching routing state.
type SimulateConfig struct {
	RulesetID string           `json:"ruleset_id"`
	Version   int              `json:"version"`
	Inputs    []map[string]any `json:"inputs,omitempty"`
}

// Digest returns the SHA-256 hex digest of the definition's node document,
// used for change detection between authoring-store revisions.
func (d *WorkflowDefinition) Digest() string {
	raw, err := json.Marshal(d.Nodes)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
