package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triflow/triflow/internal/actions"
	"github.com/triflow/triflow/internal/deploy"
	"github.com/triflow/triflow/internal/engine"
	"github.com/triflow/triflow/internal/rules"
	"github.com/triflow/triflow/internal/store"
	"github.com/triflow/triflow/pkg/schema"
)

const toolTestScript = `{
	"rules": [
		{"id": "overheat", "when": "temperature > 80", "result": "critical", "confidence": 0.95, "stop": true}
	],
	"default_result": "normal",
	"default_confidence": 0.5
}`

type serverFixture struct {
	srv *TriflowServer
	mem *store.MemStore
}

func newTestServer(t *testing.T) *serverFixture {
	t.Helper()
	mem := store.NewMemStore()
	logger := slog.Default()

	manager := deploy.NewManager(mem, logger)
	require.NoError(t, manager.Load(context.Background()))
	evaluator := rules.NewEvaluator(mem, manager, logger)

	registry := actions.NewRegistry()
	require.NoError(t, actions.RegisterBuiltins(registry, actions.BuiltinDeps{Logger: logger}))

	exec, err := engine.NewExecutor(engine.ExecutorDeps{
		Store:     mem,
		Registry:  registry,
		Evaluator: evaluator,
		Deploys:   manager,
		Logger:    logger,
	})
	require.NoError(t, err)

	srv := NewTriflowServer(ServerDeps{
		Executor:  exec,
		Store:     mem,
		Manager:   manager,
		Evaluator: evaluator,
		Logger:    logger,
	})
	return &serverFixture{srv: srv, mem: mem}
}

func (f *serverFixture) putWorkflow(t *testing.T, def schema.WorkflowDefinition) string {
	t.Helper()
	if def.ID == "" {
		def.ID = "wf-tool-test"
	}
	if def.Version == 0 {
		def.Version = 1
	}
	def.Active = true
	wf := &store.Workflow{
		ID:         def.ID,
		Name:       def.ID,
		Version:    def.Version,
		TenantID:   "plant-1",
		Definition: def,
		Active:     true,
	}
	require.NoError(t, f.mem.PutWorkflow(context.Background(), wf))
	return def.ID
}

func (f *serverFixture) seedRuleset(t *testing.T, rulesetID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.mem.CreateRuleset(ctx, &store.Ruleset{ID: rulesetID, Name: rulesetID}))
	require.NoError(t, f.mem.CreateRuleVersion(ctx, &store.RuleVersion{
		RulesetID: rulesetID,
		Version:   1,
		Script:    json.RawMessage(toolTestScript),
	}))
	_, err := f.srv.manager.Promote(ctx, rulesetID, 1, "tester")
	require.NoError(t, err)
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

// --- Tests ---

func TestStartToolRunsWorkflow(t *testing.T) {
	f := newTestServer(t)
	wfID := f.putWorkflow(t, schema.WorkflowDefinition{
		Nodes: []schema.Node{
			{ID: "gate", Type: schema.NodeTypeCondition, Config: mustJSON(t, map[string]any{
				"expression": "temperature > 50",
			})},
		},
	})

	req := buildRequest("triflow.start", map[string]any{
		"workflow_id": wfID,
		"tenant_id":   "plant-1",
		"input":       map[string]any{"temperature": 72.0},
		"wait":        true,
	})

	result, err := f.srv.handleStart(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.IsError)

	instances, err := f.mem.ListInstances(context.Background(), store.InstanceFilter{WorkflowID: wfID})
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, schema.InstanceStatusCompleted, instances[0].Status)
}

func TestStartToolUnknownWorkflow(t *testing.T) {
	f := newTestServer(t)

	req := buildRequest("triflow.start", map[string]any{
		"workflow_id": "no-such-workflow",
	})
	result, err := f.srv.handleStart(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStartToolMissingWorkflowID(t *testing.T) {
	f := newTestServer(t)

	result, err := f.srv.handleStart(context.Background(), buildRequest("triflow.start", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusToolReportsTraces(t *testing.T) {
	f := newTestServer(t)
	wfID := f.putWorkflow(t, schema.WorkflowDefinition{
		Nodes: []schema.Node{
			{ID: "gate", Type: schema.NodeTypeCondition, Config: mustJSON(t, map[string]any{
				"expression": "true",
			})},
		},
	})

	start, err := f.srv.handleStart(context.Background(), buildRequest("triflow.start", map[string]any{
		"workflow_id": wfID,
		"wait":        true,
	}))
	require.NoError(t, err)
	require.False(t, start.IsError)

	instances, err := f.mem.ListInstances(context.Background(), store.InstanceFilter{WorkflowID: wfID})
	require.NoError(t, err)
	require.Len(t, instances, 1)

	result, err := f.srv.handleStatus(context.Background(), buildRequest("triflow.status", map[string]any{
		"instance_id": instances[0].ID,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	missing, err := f.srv.handleStatus(context.Background(), buildRequest("triflow.status", map[string]any{
		"instance_id": "absent",
	}))
	require.NoError(t, err)
	assert.True(t, missing.IsError)
}

func TestApproveToolResolvesApproval(t *testing.T) {
	f := newTestServer(t)
	ctx := context.Background()
	wfID := f.putWorkflow(t, schema.WorkflowDefinition{
		Nodes: []schema.Node{
			{ID: "sign_off", Type: schema.NodeTypeApproval, Config: mustJSON(t, map[string]any{
				"approvers":       []string{"qa-lead"},
				"timeout_seconds": 3600,
			})},
		},
	})

	start, err := f.srv.handleStart(ctx, buildRequest("triflow.start", map[string]any{
		"workflow_id": wfID,
	}))
	require.NoError(t, err)
	require.False(t, start.IsError)

	instances, err := f.mem.ListInstances(ctx, store.InstanceFilter{WorkflowID: wfID})
	require.NoError(t, err)
	require.Len(t, instances, 1)
	instID := instances[0].ID

	var ar *store.ApprovalRequest
	require.Eventually(t, func() bool {
		pending, err := f.mem.ListPendingApprovals(ctx, instID)
		if err != nil || len(pending) == 0 {
			return false
		}
		ar = pending[0]
		return true
	}, 5*time.Second, 5*time.Millisecond)

	result, err := f.srv.handleApprove(ctx, buildRequest("triflow.approve", map[string]any{
		"approval_id": ar.ID,
		"approved":    true,
		"resolved_by": "qa-lead",
		"comment":     "ship it",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	stored, err := f.mem.GetApproval(ctx, ar.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalStatusApproved, stored.Status)
	assert.Equal(t, "qa-lead", stored.ResolvedBy)
}

func TestApproveToolMissingFields(t *testing.T) {
	f := newTestServer(t)

	result, err := f.srv.handleApprove(context.Background(), buildRequest("triflow.approve", map[string]any{
		"approval_id": "a-1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestEventToolDeliversToWaitingInstance(t *testing.T) {
	f := newTestServer(t)
	ctx := context.Background()
	wfID := f.putWorkflow(t, schema.WorkflowDefinition{
		Nodes: []schema.Node{
			{ID: "hold", Type: schema.NodeTypeWait, Config: mustJSON(t, map[string]any{
				"wait_type":  "event",
				"event_type": "qc_passed",
			})},
		},
	})

	start, err := f.srv.handleStart(ctx, buildRequest("triflow.start", map[string]any{
		"workflow_id": wfID,
	}))
	require.NoError(t, err)
	require.False(t, start.IsError)

	instances, err := f.mem.ListInstances(ctx, store.InstanceFilter{WorkflowID: wfID})
	require.NoError(t, err)
	require.Len(t, instances, 1)
	instID := instances[0].ID

	require.Eventually(t, func() bool {
		result, err := f.srv.handleEvent(ctx, buildRequest("triflow.event", map[string]any{
			"instance_id": instID,
			"event_type":  "qc_passed",
			"payload":     map[string]any{"inspector": "io-7"},
		}))
		return err == nil && !result.IsError
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		inst, err := f.mem.GetInstance(ctx, instID)
		return err == nil && inst.Status == schema.InstanceStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCancelTool(t *testing.T) {
	f := newTestServer(t)
	ctx := context.Background()
	wfID := f.putWorkflow(t, schema.WorkflowDefinition{
		Nodes: []schema.Node{
			{ID: "hold", Type: schema.NodeTypeWait, Config: mustJSON(t, map[string]any{
				"wait_type":        "duration",
				"duration_seconds": 600,
			})},
		},
	})

	start, err := f.srv.handleStart(ctx, buildRequest("triflow.start", map[string]any{
		"workflow_id": wfID,
	}))
	require.NoError(t, err)
	require.False(t, start.IsError)

	instances, err := f.mem.ListInstances(ctx, store.InstanceFilter{WorkflowID: wfID})
	require.NoError(t, err)
	require.Len(t, instances, 1)
	instID := instances[0].ID

	require.Eventually(t, func() bool {
		inst, err := f.mem.GetInstance(ctx, instID)
		return err == nil && inst.Status == schema.InstanceStatusWaiting
	}, 5*time.Second, 5*time.Millisecond)

	result, err := f.srv.handleCancel(ctx, buildRequest("triflow.cancel", map[string]any{
		"instance_id": instID,
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.Eventually(t, func() bool {
		inst, err := f.mem.GetInstance(ctx, instID)
		return err == nil && inst.Status == schema.InstanceStatusCancelled
	}, 5*time.Second, 5*time.Millisecond)
}

func TestQueryToolWorkflowsAndInstances(t *testing.T) {
	f := newTestServer(t)
	ctx := context.Background()
	wfID := f.putWorkflow(t, schema.WorkflowDefinition{
		Nodes: []schema.Node{
			{ID: "gate", Type: schema.NodeTypeCondition, Config: mustJSON(t, map[string]any{
				"expression": "true",
			})},
		},
	})

	start, err := f.srv.handleStart(ctx, buildRequest("triflow.start", map[string]any{
		"workflow_id": wfID,
		"wait":        true,
	}))
	require.NoError(t, err)
	require.False(t, start.IsError)

	workflows, err := f.srv.handleQuery(ctx, buildRequest("triflow.query", map[string]any{
		"resource": "workflows",
		"filter":   map[string]any{"tenant_id": "plant-1"},
	}))
	require.NoError(t, err)
	assert.False(t, workflows.IsError)

	instances, err := f.srv.handleQuery(ctx, buildRequest("triflow.query", map[string]any{
		"resource": "instances",
		"filter":   map[string]any{"workflow_id": wfID, "status": "completed"},
	}))
	require.NoError(t, err)
	assert.False(t, instances.IsError)

	unknown, err := f.srv.handleQuery(ctx, buildRequest("triflow.query", map[string]any{
		"resource": "gadgets",
	}))
	require.NoError(t, err)
	assert.True(t, unknown.IsError)
}

func TestQueryToolEventsRequireScope(t *testing.T) {
	f := newTestServer(t)

	result, err := f.srv.handleQuery(context.Background(), buildRequest("triflow.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"limit": 10},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestDeployToolLifecycle(t *testing.T) {
	f := newTestServer(t)
	ctx := context.Background()
	f.seedRuleset(t, "rs-mcp")
	require.NoError(t, f.mem.CreateRuleVersion(ctx, &store.RuleVersion{
		RulesetID: "rs-mcp",
		Version:   2,
		Script:    json.RawMessage(toolTestScript),
	}))

	canary, err := f.srv.handleDeploy(ctx, buildRequest("triflow.deploy", map[string]any{
		"ruleset_id":  "rs-mcp",
		"op":          "canary_start",
		"version":     2,
		"traffic_pct": 0.25,
		"actor":       "release-bot",
	}))
	require.NoError(t, err)
	assert.False(t, canary.IsError)

	route, ok := f.srv.manager.Status("rs-mcp")
	require.True(t, ok)
	assert.Equal(t, 2, route.CanaryVersion)
	assert.InDelta(t, 0.25, route.CanaryPct, 1e-9)

	promote, err := f.srv.handleDeploy(ctx, buildRequest("triflow.deploy", map[string]any{
		"ruleset_id": "rs-mcp",
		"op":         "promote",
		"version":    2,
		"actor":      "release-bot",
	}))
	require.NoError(t, err)
	assert.False(t, promote.IsError)

	route, ok = f.srv.manager.Status("rs-mcp")
	require.True(t, ok)
	assert.Equal(t, 2, route.ActiveVersion)
	assert.False(t, route.HasCanary())

	deployments, err := f.srv.handleQuery(ctx, buildRequest("triflow.query", map[string]any{
		"resource": "deployments",
		"filter":   map[string]any{"ruleset_id": "rs-mcp"},
	}))
	require.NoError(t, err)
	assert.False(t, deployments.IsError)

	bad, err := f.srv.handleDeploy(ctx, buildRequest("triflow.deploy", map[string]any{
		"ruleset_id": "rs-mcp",
		"op":         "promote",
		"version":    99,
	}))
	require.NoError(t, err)
	assert.True(t, bad.IsError)
}

func TestSimulateToolAuditsWithoutRouting(t *testing.T) {
	f := newTestServer(t)
	ctx := context.Background()
	f.seedRuleset(t, "rs-sim")

	result, err := f.srv.handleSimulate(ctx, buildRequest("triflow.simulate", map[string]any{
		"ruleset_id": "rs-sim",
		"version":    1,
		"input":      map[string]any{"temperature": 95.0},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	judgments, err := f.mem.ListJudgments(ctx, store.JudgmentFilter{RulesetID: "rs-sim"})
	require.NoError(t, err)
	require.Len(t, judgments, 1)
	assert.Equal(t, schema.JudgmentMethodSimulation, judgments[0].Method)

	route, ok := f.srv.manager.Status("rs-sim")
	require.True(t, ok)
	assert.Equal(t, 1, route.ActiveVersion)
	assert.False(t, route.HasCanary())
}

func TestDiagramTool(t *testing.T) {
	f := newTestServer(t)
	ctx := context.Background()
	wfID := f.putWorkflow(t, schema.WorkflowDefinition{
		Name: "Line QA",
		Nodes: []schema.Node{
			{ID: "gate", Type: schema.NodeTypeCondition, Config: mustJSON(t, map[string]any{
				"expression": "true",
			})},
		},
	})

	mermaid, err := f.srv.handleDiagram(ctx, buildRequest("triflow.diagram", map[string]any{
		"workflow_id": wfID,
		"format":      "mermaid",
	}))
	require.NoError(t, err)
	assert.False(t, mermaid.IsError)

	ascii, err := f.srv.handleDiagram(ctx, buildRequest("triflow.diagram", map[string]any{
		"workflow_id": wfID,
		"format":      "ascii",
	}))
	require.NoError(t, err)
	assert.False(t, ascii.IsError)

	missing, err := f.srv.handleDiagram(ctx, buildRequest("triflow.diagram", map[string]any{
		"format": "mermaid",
	}))
	require.NoError(t, err)
	assert.True(t, missing.IsError)
}
