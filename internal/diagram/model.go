package diagram

// NodeKind classifies a diagram node by its workflow node type.
type NodeKind string

const (
	NodeKindAction       NodeKind = "action"
	NodeKindCondition    NodeKind = "condition"
	NodeKindBranch       NodeKind = "branch" // if_else
	NodeKindLoop         NodeKind = "loop"
	NodeKindParallel     NodeKind = "parallel"
	NodeKindWait         NodeKind = "wait"
	NodeKindApproval     NodeKind = "approval"
	NodeKindJudgment     NodeKind = "judgment"
	NodeKindSimulation   NodeKind = "simulation"
	NodeKindDeployment   NodeKind = "deployment"
	NodeKindRollback     NodeKind = "rollback"
	NodeKindCompensation NodeKind = "compensation"
	NodeKindStart        NodeKind = "start"
	NodeKindEnd          NodeKind = "end"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single workflow node in the diagram.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*SubGraph // if_else branches, parallel branches, loop body
}

// SubGraph holds nested nodes for control nodes.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay carries runtime state for a node, taken from its trace.
type StatusOverlay struct {
	Status     string // from schema.NodeStatus
	DurationMs int64
	RetryCount int
	Error      string
}

// Edge represents execution order between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}
