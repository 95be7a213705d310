package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/triflow/triflow/internal/deploy"
	"github.com/triflow/triflow/internal/engine"
	"github.com/triflow/triflow/internal/rules"
	"github.com/triflow/triflow/internal/store"
)

// ServerDeps holds the collaborators for a TriflowServer.
type ServerDeps struct {
	Executor  *engine.Executor
	Store     store.Store
	Manager   *deploy.Manager
	Evaluator *rules.Evaluator
	Logger    *slog.Logger
}

// TriflowServer exposes the orchestration engine as MCP tools so operator
// agents can start instances, resolve approvals and manage rule rollouts
// over stdio or SSE.
type TriflowServer struct {
	executor  *engine.Executor
	store     store.Store
	manager   *deploy.Manager
	evaluator *rules.Evaluator
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewTriflowServer creates a TriflowServer with all tools registered.
func NewTriflowServer(deps ServerDeps) *TriflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &TriflowServer{
		executor:  deps.Executor,
		store:     deps.Store,
		manager:   deps.Manager,
		evaluator: deps.Evaluator,
		sessions:  NewSessionRegistry(),
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"triflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Triflow orchestrates manufacturing decision workflows. Use triflow.start to launch instances, triflow.status to inspect them, triflow.approve/triflow.event/triflow.cancel to act on waiting instances, triflow.deploy and triflow.simulate to manage rule versions, and triflow.query to list workflows, instances, events, judgments or deployments."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *TriflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom
// transports.
func (s *TriflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the operator session registry, used to build a
// SessionNotifier over the same server.
func (s *TriflowServer) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *TriflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: approveTool(), Handler: s.handleApprove},
		{Tool: eventTool(), Handler: s.handleEvent},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: deployTool(), Handler: s.handleDeploy},
		{Tool: simulateTool(), Handler: s.handleSimulate},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("triflow.start",
		mcp.WithDescription("Start an instance of a stored workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to start")),
		mcp.WithObject("input", mcp.Description("Trigger payload for the instance")),
		mcp.WithString("tenant_id", mcp.Description("Tenant the instance runs under")),
		mcp.WithBoolean("wait", mcp.Description("Block until the instance reaches a terminal status (default false)")),
		mcp.WithString("operator_id", mcp.Description("ID of the calling operator, used for notifications")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("triflow.status",
		mcp.WithDescription("Get instance status including per-node traces"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the instance to inspect")),
	)
}

func approveTool() mcp.Tool {
	return mcp.NewTool("triflow.approve",
		mcp.WithDescription("Resolve a pending approval request"),
		mcp.WithString("approval_id", mcp.Required(), mcp.Description("ID of the approval request")),
		mcp.WithBoolean("approved", mcp.Required(), mcp.Description("true to approve, false to reject")),
		mcp.WithString("resolved_by", mcp.Required(), mcp.Description("Identity of the approver")),
		mcp.WithString("comment", mcp.Description("Free-form resolution comment")),
	)
}

func eventTool() mcp.Tool {
	return mcp.NewTool("triflow.event",
		mcp.WithDescription("Deliver an external event to an instance waiting on it"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the waiting instance")),
		mcp.WithString("event_type", mcp.Required(), mcp.Description("Event type the instance is waiting for")),
		mcp.WithObject("payload", mcp.Description("Event payload, merged into the instance context")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("triflow.cancel",
		mcp.WithDescription("Cancel a live instance"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the instance to cancel")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("triflow.query",
		mcp.WithDescription("Query workflows, instances, events, judgments or deployments"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "instances", "events", "judgments", "deployments"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (tenant_id, workflow_id, instance_id, ruleset_id, status, event_type, since, limit)")),
	)
}

func deployTool() mcp.Tool {
	return mcp.NewTool("triflow.deploy",
		mcp.WithDescription("Manage versioned rule deployments: promote, start or resize a canary, roll back, or record a draft"),
		mcp.WithString("ruleset_id", mcp.Required(), mcp.Description("Target ruleset")),
		mcp.WithString("op", mcp.Required(),
			mcp.Enum("promote", "canary_start", "canary_traffic", "rollback", "draft"),
			mcp.Description("Deployment operation"),
		),
		mcp.WithNumber("version", mcp.Description("Rule version the operation applies to")),
		mcp.WithNumber("traffic_pct", mcp.Description("Canary traffic fraction in [0,1] for canary operations")),
		mcp.WithString("actor", mcp.Description("Who requested the operation")),
		mcp.WithString("reason", mcp.Description("Reason, recorded on rollbacks")),
	)
}

func simulateTool() mcp.Tool {
	return mcp.NewTool("triflow.simulate",
		mcp.WithDescription("Dry-run a rule version against an input without touching routing or the audit trail"),
		mcp.WithString("ruleset_id", mcp.Required(), mcp.Description("Ruleset to evaluate")),
		mcp.WithNumber("version", mcp.Required(), mcp.Description("Rule version to evaluate")),
		mcp.WithObject("input", mcp.Required(), mcp.Description("Input variables for the rule script")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("triflow.diagram",
		mcp.WithDescription("Render a workflow as ASCII art or Mermaid flowchart syntax, optionally overlaid with an instance's runtime status"),
		mcp.WithString("workflow_id", mcp.Description("Workflow to diagram")),
		mcp.WithString("instance_id", mcp.Description("Instance to diagram with its node statuses")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid"),
			mcp.Description("Output format"),
		),
	)
}
