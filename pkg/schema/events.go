package schema

// Event type constants for the append-only audit log.
const (
	EventInstanceStarted   = "instance_started"
	EventInstanceCompleted = "instance_completed"
	EventInstanceFailed    = "instance_failed"
	EventInstanceCancelled = "instance_cancelled"
	EventInstanceWaiting   = "instance_waiting"
	EventInstanceResumed   = "instance_resumed"
	EventInstanceTimedOut  = "instance_timed_out"

	EventNodeStarted   = "node_started"
	EventNodeCompleted = "node_completed"
	EventNodeFailed    = "node_failed"
	EventNodeSkipped   = "node_skipped"
	EventNodeRetrying  = "node_retrying"

	EventConditionEvaluated = "condition_evaluated"
	EventBranchSelected     = "branch_selected"
	EventLoopIterStarted    = "loop_iter_started"
	EventLoopCompleted      = "loop_completed"
	EventLoopCapReached     = "loop_cap_reached"
	EventParallelStarted    = "parallel_started"
	EventParallelCompleted  = "parallel_completed"
	EventCompensationRun    = "compensation_run"

	EventApprovalRequested = "approval_requested"
	EventApprovalResolved  = "approval_resolved"
	EventApprovalTimedOut  = "approval_timed_out"
	EventWaitStarted       = "wait_started"
	EventWaitCompleted     = "wait_completed"

	EventJudgmentExecuted = "judgment_executed"
	EventJudgmentFailSafe = "judgment_fail_safe"

	EventDeploymentPromoted   = "deployment_promoted"
	EventDeploymentCanary     = "deployment_canary"
	EventDeploymentRolledBack = "deployment_rolled_back"
	EventCanaryTrafficChanged = "canary_traffic_changed"
	EventCanaryMonitorTripped = "canary_monitor_tripped"
)

// InstanceStatus represents the lifecycle state of a workflow instance.
// completed, failed, cancelled and timeout are terminal; no transition
// leaves them.
type InstanceStatus string

const (
	InstanceStatusPending   InstanceStatus = "pending"
	InstanceStatusRunning   InstanceStatus = "running"
	InstanceStatusWaiting   InstanceStatus = "waiting"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusFailed    InstanceStatus = "failed"
	InstanceStatusCancelled InstanceStatus = "cancelled"
	InstanceStatusTimeout   InstanceStatus = "timeout"
)

// Terminal reports whether the status admits no further transitions.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case InstanceStatusCompleted, InstanceStatusFailed, InstanceStatusCancelled, InstanceStatusTimeout:
		return true
	}
	return false
}

// NodeStatus represents the recorded state of one node execution.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
	NodeStatusRetrying  NodeStatus = "retrying"
	NodeStatusWaiting   NodeStatus = "waiting"
)
