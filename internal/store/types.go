package store

import (
	"encoding/json"
	"time"

	"github.com/triflow/triflow/pkg/schema"
)

// Workflow is the persisted representation of a workflow definition.
type Workflow struct {
	ID         string                    `json:"id"`
	Name       string                    `json:"name"`
	Version    int                       `json:"version"`
	TenantID   string                    `json:"tenant_id,omitempty"`
	Definition schema.WorkflowDefinition `json:"definition"`
	Digest     string                    `json:"dsl_digest"`
	Active     bool                      `json:"active"`
	CreatedAt  time.Time                 `json:"created_at"`
	UpdatedAt  time.Time                 `json:"updated_at"`
}

// Instance is one execution of a workflow definition.
type Instance struct {
	ID              string                `json:"id"`
	WorkflowID      string                `json:"workflow_id"`
	WorkflowVersion int                   `json:"workflow_version"`
	TenantID        string                `json:"tenant_id,omitempty"`
	Status          schema.InstanceStatus `json:"status"`
	Context         map[string]any        `json:"context,omitempty"`
	CurrentNode     string                `json:"current_node,omitempty"`
	LastError       string                `json:"last_error,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	StartedAt       *time.Time            `json:"started_at,omitempty"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// Event is an immutable entry in the per-instance audit log.
type Event struct {
	ID         int64           `json:"id"`
	InstanceID string          `json:"instance_id"`
	NodeID     string          `json:"node_id,omitempty"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	TenantID   string          `json:"tenant_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// NodeTrace is the materialized view of a node's latest execution state
// within one instance.
type NodeTrace struct {
	InstanceID  string            `json:"instance_id"`
	NodeID      string            `json:"node_id"`
	Status      schema.NodeStatus `json:"status"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	RetryCount  int               `json:"retry_count"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// Ruleset identifies a named family of versioned rule scripts.
type Ruleset struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	TargetKPI   string    `json:"target_kpi,omitempty"`
	TenantID    string    `json:"tenant_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// RuleVersion is one immutable version of a ruleset's script.
type RuleVersion struct {
	RulesetID string          `json:"ruleset_id"`
	Version   int             `json:"version"`
	Script    json.RawMessage `json:"script"`
	Changelog string          `json:"changelog,omitempty"`
	CreatedBy string          `json:"created_by,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// RuleDeployment is one append-only record of the deployment history.
// The routing view for a ruleset is derived by folding its records in
// sequence order; records are never mutated.
type RuleDeployment struct {
	ID         string                  `json:"id"`
	Seq        int64                   `json:"seq"`
	RulesetID  string                  `json:"ruleset_id"`
	Version    int                     `json:"version"`
	Status     schema.DeploymentStatus `json:"status"`
	CanaryPct  float64                 `json:"canary_pct,omitempty"`
	RollbackTo int                     `json:"rollback_to,omitempty"`
	Approver   string                  `json:"approver,omitempty"`
	Reason     string                  `json:"reason,omitempty"`
	CreatedAt  time.Time               `json:"created_at"`
}

// JudgmentExecution records one rule evaluation outcome for auditing and
// canary health analysis.
type JudgmentExecution struct {
	ID          string                `json:"id"`
	RulesetID   string                `json:"ruleset_id"`
	Version     int                   `json:"version"`
	InstanceID  string                `json:"instance_id,omitempty"`
	NodeID      string                `json:"node_id,omitempty"`
	InputsHash  string                `json:"inputs_hash"`
	Result      schema.JudgmentResult `json:"result"`
	Confidence  float64               `json:"confidence"`
	Explanation string                `json:"explanation,omitempty"`
	RuleTrace   json.RawMessage       `json:"rule_trace,omitempty"`
	Method      schema.JudgmentMethod `json:"method_used"`
	CacheHit    bool                  `json:"cache_hit"`
	LatencyMs   int64                 `json:"latency_ms"`
	TraceID     string                `json:"trace_id,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
}

// Approval status values.
const (
	ApprovalStatusPending  = "pending"
	ApprovalStatusApproved = "approved"
	ApprovalStatusRejected = "rejected"
	ApprovalStatusTimedOut = "timed_out"
)

// ApprovalRequest represents an approval node suspension awaiting a human
// decision.
type ApprovalRequest struct {
	ID         string     `json:"id"`
	InstanceID string     `json:"instance_id"`
	NodeID     string     `json:"node_id"`
	Approvers  []string   `json:"approvers,omitempty"`
	Status     string     `json:"status"`
	DeadlineAt time.Time  `json:"deadline_at"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
	Comment    string     `json:"comment,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflow definitions.
type WorkflowFilter struct {
	Active   *bool  `json:"active,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// InstanceFilter specifies criteria for listing instances.
type InstanceFilter struct {
	WorkflowID string                 `json:"workflow_id,omitempty"`
	TenantID   string                 `json:"tenant_id,omitempty"`
	Status     *schema.InstanceStatus `json:"status,omitempty"`
	Since      *time.Time             `json:"since,omitempty"`
	Limit      int                    `json:"limit,omitempty"`
	Offset     int                    `json:"offset,omitempty"`
}

// InstanceUpdate specifies mutable fields of an instance.
type InstanceUpdate struct {
	Status      *schema.InstanceStatus `json:"status,omitempty"`
	Context     map[string]any         `json:"context,omitempty"`
	CurrentNode *string                `json:"current_node,omitempty"`
	LastError   *string                `json:"last_error,omitempty"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	InstanceID string     `json:"instance_id,omitempty"`
	NodeID     string     `json:"node_id,omitempty"`
	EventType  string     `json:"event_type,omitempty"`
	Since      *time.Time `json:"since,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}

// JudgmentFilter specifies criteria for listing judgment executions.
type JudgmentFilter struct {
	RulesetID string     `json:"ruleset_id,omitempty"`
	Version   *int       `json:"version,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}
