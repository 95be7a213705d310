package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflow definitions
	PutWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Instances
	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	UpdateInstance(ctx context.Context, id string, update InstanceUpdate) error
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error)

	// Audit log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, instanceID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Node traces (materialized view)
	UpsertNodeTrace(ctx context.Context, trace *NodeTrace) error
	GetNodeTrace(ctx context.Context, instanceID, nodeID string) (*NodeTrace, error)
	ListNodeTraces(ctx context.Context, instanceID string) ([]*NodeTrace, error)

	// Rulesets and versions
	CreateRuleset(ctx context.Context, rs *Ruleset) error
	GetRuleset(ctx context.Context, id string) (*Ruleset, error)
	ListRulesets(ctx context.Context, tenantID string) ([]*Ruleset, error)
	CreateRuleVersion(ctx context.Context, rv *RuleVersion) error
	GetRuleVersion(ctx context.Context, rulesetID string, version int) (*RuleVersion, error)
	LatestRuleVersion(ctx context.Context, rulesetID string) (*RuleVersion, error)
	ListRuleVersions(ctx context.Context, rulesetID string) ([]*RuleVersion, error)

	// Deployment history (append-only)
	AppendDeployment(ctx context.Context, dep *RuleDeployment) error
	ListDeployments(ctx context.Context, rulesetID string) ([]*RuleDeployment, error)
	ListAllDeployments(ctx context.Context) ([]*RuleDeployment, error)

	// Judgment executions
	RecordJudgment(ctx context.Context, je *JudgmentExecution) error
	ListJudgments(ctx context.Context, filter JudgmentFilter) ([]*JudgmentExecution, error)

	// Approvals
	CreateApproval(ctx context.Context, ar *ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*ApprovalRequest, error)
	ResolveApproval(ctx context.Context, id, status, resolvedBy, comment string) error
	ListPendingApprovals(ctx context.Context, instanceID string) ([]*ApprovalRequest, error)
	ListExpiredApprovals(ctx context.Context) ([]*ApprovalRequest, error)

	// Secrets (ciphertext only; encryption happens in internal/secrets)
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
