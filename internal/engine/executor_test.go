package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triflow/triflow/internal/actions"
	"github.com/triflow/triflow/internal/deploy"
	"github.com/triflow/triflow/internal/rules"
	"github.com/triflow/triflow/internal/store"
	"github.com/triflow/triflow/internal/streaming"
	"github.com/triflow/triflow/pkg/schema"
)

const testRuleScript = `{
	"rules": [
		{"id": "overheat", "when": "temperature > 80", "result": "critical", "confidence": 0.95, "stop": true},
		{"id": "warm", "when": "temperature > 60", "result": "warning", "confidence": 0.7}
	],
	"default_result": "normal",
	"default_confidence": 0.5
}`

type executorFixture struct {
	exec     *Executor
	mem      *store.MemStore
	registry *actions.Registry
	manager  *deploy.Manager
}

func newTestExecutor(t *testing.T, opts ...ExecutorOption) *executorFixture {
	t.Helper()
	mem := store.NewMemStore()
	logger := slog.Default()

	manager := deploy.NewManager(mem, logger)
	require.NoError(t, manager.Load(context.Background()))
	evaluator := rules.NewEvaluator(mem, manager, logger)

	registry := actions.NewRegistry()
	require.NoError(t, actions.RegisterBuiltins(registry, actions.BuiltinDeps{Logger: logger}))

	exec, err := NewExecutor(ExecutorDeps{
		Store:     mem,
		Registry:  registry,
		Evaluator: evaluator,
		Deploys:   manager,
		Logger:    logger,
	}, opts...)
	require.NoError(t, err)
	return &executorFixture{exec: exec, mem: mem, registry: registry, manager: manager}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func (f *executorFixture) putWorkflow(t *testing.T, def schema.WorkflowDefinition) string {
	t.Helper()
	if def.ID == "" {
		def.ID = "wf-test"
	}
	if def.Version == 0 {
		def.Version = 1
	}
	def.Active = true
	wf := &store.Workflow{
		ID:         def.ID,
		Name:       def.ID,
		Version:    def.Version,
		Definition: def,
		Active:     true,
	}
	require.NoError(t, f.mem.PutWorkflow(context.Background(), wf))
	return def.ID
}

func (f *executorFixture) runToEnd(t *testing.T, workflowID string, input map[string]any) *store.Instance {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	inst, err := f.exec.Start(ctx, workflowID, input, "plant-1")
	require.NoError(t, err)
	final, err := f.exec.WaitUntilDone(ctx, inst.ID)
	require.NoError(t, err)
	return final
}

func (f *executorFixture) waitForStatus(t *testing.T, instanceID string, status schema.InstanceStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		inst, err := f.mem.GetInstance(context.Background(), instanceID)
		return err == nil && inst.Status == status
	}, 5*time.Second, 5*time.Millisecond, "instance never reached %s", status)
}

// counterAction registers an action that counts invocations and records
// the interpolated params it saw.
func (f *executorFixture) counterAction(t *testing.T, name string) (*int64, *[]map[string]any) {
	t.Helper()
	var count int64
	var seen []map[string]any
	require.NoError(t, f.registry.Register(actions.Action{
		Name: name,
		Execute: func(ctx context.Context, input *actions.ActionInput) (*actions.ActionOutput, error) {
			atomic.AddInt64(&count, 1)
			seen = append(seen, input.Params)
			return &actions.ActionOutput{Data: mustJSON(t, map[string]any{"count": atomic.LoadInt64(&count)})}, nil
		},
	}))
	return &count, &seen
}

func actionNode(t *testing.T, id, action string, params map[string]any) schema.Node {
	t.Helper()
	return schema.Node{
		ID:   id,
		Type: schema.NodeTypeAction,
		Config: mustJSON(t, map[string]any{
			"action": action,
			"params": params,
		}),
	}
}

func TestSequentialRunCompletes(t *testing.T) {
	f := newTestExecutor(t)
	count, _ := f.counterAction(t, "mark")

	wfID := f.putWorkflow(t, schema.WorkflowDefinition{
		Nodes: []schema.Node{
			{ID: "gate", Type: schema.NodeTypeCondition, Config: mustJSON(t, map[string]any{"expression": "temperature > 50"})},
			actionNode(t, "record", "mark", nil),
		},
	})

	inst := f.runToEnd(t, wfID, map[string]any{"temperature": 72.0})
	assert.Equal(t, schema.InstanceStatusCompleted, inst.Status)
	assert.Equal(t, int64(1), atomic.LoadInt64(count))

	traces, err := f.mem.ListNodeTraces(context.Background(), inst.ID)
	require.NoError(t, err)
	byID := map[string]schema.NodeStatus{}
	for _, tr := range traces {
		byID[tr.NodeID] = tr.Status
	}
	assert.Equal(t, schema.NodeStatusCompleted, byID["gate"])
	assert.Equal(t, schema.NodeStatusCompleted, byID["record"])

	events, err := f.mem.GetEvents(context.Background(), inst.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, schema.EventInstanceStarted, events[0].Type)
	assert.Equal(t, schema.EventInstanceCompleted, events[len(events)-1].Type)
}

func TestConditionGateStopsChain(t *testing.T) {
	f := newTestExecutor(t)
	count, _ := f.counterAction(t, "mark")

	wfID := f.putWorkflow(t, schema.WorkflowDefinition{
		Nodes: []schema.Node{
			{ID: "gate", Type: schema.NodeTypeCondition, Config: mustJSON(t, map[string]any{"expression": "temperature > 50"})},
			actionNode(t, "never", "mark", nil),
		},
	})

	inst := f.runToEnd(t, wfID, map[string]any{"temperature": 20.0})
	assert.Equal(t, schema.InstanceStatusCompleted, inst.Status, "a false gate completes the instance")
	assert.Equal(t, int64(0), atomic.LoadInt64(count))

	trace, err := f.mem.GetNodeTrace(context.Background(), inst.ID, "never")
	require.NoError(t, err)
	assert.Equal(t, schema.NodeStatusSkipped, trace.Status)
}

func TestIfElseBranches(t *testing.T) {
	f := newTestExecutor(t)
	thenCount, _ := f.counterAction(t, "hot_path")
	elseCount, _ := f.counterAction(t, "cold_path")

	def := schema.WorkflowDefinition{
		Nodes: []schema.Node{
			{
				ID:        "check",
				Type:      schema.NodeTypeIfElse,
				Config:    mustJSON(t, map[string]any{"condition": "temperature > 80"}),
				ThenNodes: []schema.Node{actionNode(t, "cool_down", "hot_path", nil)},
				ElseNodes: []schema.Node{actionNode(t, "carry_on", "cold_path", nil)},
			},
		},
	}

	wfID := f.putWorkflow(t, def)
	inst := f.runToEnd(t, wfID, map[string]any{"temperature": 90.0})
	assert.Equal(t, schema.InstanceStatusCompleted, inst.Status)
	assert.Equal(t, int64(1), atomic.LoadInt64(thenCount))
	assert.Equal(t, int64(0), atomic.LoadInt64(elseCount))

	def.ID = "wf-else"
	wfID = f.putWorkflow(t, def)
	inst = f.runToEnd(t, wfID, map[string]any{"temperature": 50.0})
	assert.Equal(t, schema.InstanceStatusCompleted, inst.Status)
	assert.Equal(t, int64(1), atomic.LoadInt64(thenCount), "then branch must not run again")
	assert.Equal(t, int64(1), atomic.LoadInt64(elseCount))

	events, err := f.mem.GetEventsByType(context.Background(), schema.EventBranchSelected, store.EventFilter{InstanceID: inst.ID})
	require.NoError(t, err)
	require.Len(t, events, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, "else", payload["branch"])
}

func TestForLoopRunsBodyPerIteration(t *testing.T) {
	f := newTestExecutor(t)
	count, seen := f.counterAction(t, "gauge")

	wfID := f.putWorkflow(t, schema.WorkflowDefinition{
		Nodes: []schema.Node{
			{
				ID:     "sample",
				Type:   schema.NodeTypeLoop,
				Config: mustJSON(t, map[string]any{"loop_type": "for", "count": 3}),
				LoopNodes: []schema.Node{
					actionNode(t, "measure", "gauge", map[string]any{"idx": "{{loop_index}}"}),
				},
			},
		},
	})

	inst := f.runToEnd(t, wfID, nil)
	assert.Equal(t, schema.InstanceStatusCompleted, inst.Status)
	require.Equal(t, int64(3), atomic.LoadInt64(count))

	indices := make([]any, 0, 3)
	for _, params := range *seen {
		indices = append(indices, params["idx"])
	}
	assert.Equal(t, []any{0, 1, 2}, indices, "loop_index must interpolate with its numeric type")

	trace, err := f.mem.GetNodeTrace(context.Background(), inst.ID, "sample")
	require.NoError(t, err)
	var output map[string]any
	require.NoError(t, json.Unmarshal(trace.Output, &output))
	assert.Equal(t, 3.0, output["iterations"])
}

func TestWhileLoopHitsCap(t *testing.T) {
	f := newTestExecutor(t)
	count, _ := f.counterAction(t, "spin")

	wfID := f.putWorkflow(t, schema.WorkflowDefinition{
		Nodes: []schema.Node{
			{
				ID:        "busy",
				Type:      schema.NodeTypeLoop,
				Config:    mustJSON(t, map[string]any{"loop_type": "while", "condition": "true", "max_iterations": 5}),
				LoopNodes: []schema.Node{actionNode(t, "work", "spin", nil)},
			},
		},
	})

	inst := f.runToEnd(t, wfID, nil)
	assert.Equal(t, schema.InstanceStatusCompleted, inst.Status)
	assert.Equal(t, int64(5), atomic.LoadInt64(count))

	events, err := f.mem.GetEventsByType(context.Background(), schema.EventLoopCapReached, store.EventFilter{InstanceID: inst.ID})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestParallelMergesBranchResults(t *testing.T) {
	f := newTestExecutor(t)

	for _, name := range []string{"press", "oven"} {
		name := name
		require.NoError(t, f.registry.Register(actions.Action{
			Name: name,
			Execute: func(ctx context.Context, input *actions.ActionInput) (*actions.ActionOutput, error) {
				return &actions.ActionOutput{Data: mustJSON(t, map[string]any{"station": name})}, nil
			},
		}))
	}

	wfID := f.putWorkflow(t, schema.WorkflowDefinition{
		Nodes: []schema.Node{
			{
				ID:     "fanout",
				Type:   schema.NodeTypeParallel,
				Config: mustJSON(t, map[string]any{}),
				ParallelNodes: [][]schema.Node{
					{actionNode(t, "press_step", "press", nil)},
					{actionNode(t, "oven_step", "oven", nil)},
				},
			},
		},
	})

	inst := f.runToEnd(t, wfID, nil)
	require.Equal(t, schema.InstanceStatusCompleted, inst.Status)

	final, err := f.mem.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	press, _ := final.Context["press_step"].(map[string]any)
	oven, _ := final.Context["oven_step"].(map[string]any)
	assert.Equal(t, "press", press["station"])
	assert.Equal(t, "oven", oven["station"])
}

func TestParallelFailFast(t *testing.T) {
	f := newTestExecutor(t)

	require.NoError(t, f.registry.Register(actions.Action{
		Name: "explode",
		Execute: func(ctx context.Context, input *actions.ActionInput) (*actions.ActionOutput, error) {
			return nil, schema.NewError(schema.ErrCodeNonRetryable, "station offline")
		},
	}))
	var slowFinished atomic.Bool
	require.NoError(t, f.registry.Register(actions.Action{
		Name: "slow",
		Execute: func(ctx context.Context, input *actions.ActionInput) (*actions.ActionOutput, error) {
			select {
			case <-time.After(3 * time.Second):
				slowFinished.Store(true)
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}))

	wfID := f.putWorkflow(t, schema.WorkflowDefinition{
		Nodes: []schema.Node{
			{
				ID:     "fanout",
				Type:   schema.NodeTypeParallel,
				Config: mustJSON(t, map[string]any{"fail_fast": true}),
				ParallelNodes: [][]schema.Node{
					{actionNode(t, "bad", "explode", nil)},
					{actionNode(t, "long", "slow", nil)},
				},
			},
		},
	})

	start := time.Now()
	inst := f.runToEnd(t, wfID, nil)
	assert.Equal(t, schema.InstanceStatusFailed, inst.Status)
	assert.False(t, slowFinished.Load(), "fail_fast must cancel the sibling branch")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestParallelWaitAllReportsPartialResults(t *testing.T) {
	f := newTestExecutor(t)
	count, _ := f.counterAction(t, "fine")

	require.NoError(t, f.registry.Register(actions.Action{
		Name: "explode",
		Execute: func(ctx context.Context, input *actions.ActionInput) (*actions.ActionOutput, error) {
			return nil, schema.NewError(schema.ErrCodeNonRetryable, "station offline")
		},
	}))

	wfID := f.putWorkflow(t, schema.WorkflowDefinition{
		Nodes: []schema.Node{
			{
				ID:     "fanout",
				Type:   schema.NodeTypeParallel,
				Config: mustJSON(t, map[string]any{"fail_fast": false}),
				ParallelNodes: [][]schema.Node{
					{actionNode(t, "bad", "explode", nil)},
					{actionNode(t, "good", "fine", nil)},
				},
			},
		},
	})

	inst := f.runToEnd(t, wfID, nil)
	assert.Equal(t, schema.InstanceStatusFailed, inst.Status)
	assert.Equal(t, int64(1), atomic.LoadInt64(count), "sibling branch runs to completion")

	final, err := f.mem.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	good, _ := final.Context["good"].(map[string]any)
	assert.NotNil(t, good, "successful branch results merge even on partial failure")
}

func TestNodeRetryEventuallySucceeds(t *testing.T) {
	f := newTestExecutor(t)

	var attempts int64
	require.NoError(t, f.registry.Register(actions.Action{
		Name: "flaky",
		Execute: func(ctx context.Context, input *actions.ActionInput) (*actions.ActionOutput, error) {
			if atomic.AddInt64(&attempts, 1) < 3 {
				return nil, schema.NewError(schema.ErrCodeNodeExecution, "transient sensor glitch")
			}
			return nil, nil
		},
	}))

	node := actionNode(t, "read_sensor", "flaky", nil)
	node.Retry = &schema.RetryPolicy{Max: 3, Backoff: "constant", Delay: "1ms"}

	wfID := f.putWorkflow(t, schema.WorkflowDefinition{Nodes: []schema.Node{node}})
	inst := f.runToEnd(t, wfID, nil)
	assert.Equal(t, schema.InstanceStatusCompleted, inst.Status)
	assert.Equal(t, int64(3), atomic.LoadInt64(&attempts))

	events, err := f.mem.GetEventsByType(context.Background(), schema.EventNodeRetrying, store.EventFilter{InstanceID: inst.ID})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestNonRetryableFailureFailsInstance(t *testing.T) {
	f := newTestExecutor(t)

	var attempts int64
	require.NoError(t, f.registry.Register(actions.Action{
		Name: "reject",
		Execute: func(ctx context.Context, input *actions.ActionInput) (*actions.ActionOutput, error) {
			atomic.AddInt64(&attempts, 1)
			return nil, schema.NewError(schema.ErrCodeValidation, "malformed recipe")
		},
	}))

	node := actionNode(t, "load_recipe", "reject", nil)
	node.Retry = &schema.RetryPolicy{Max: 5, Backoff: "constant", Delay: "1ms"}

	wfID := f.putWorkflow(t, schema.WorkflowDefinition{Nodes: []schema.Node{node}})
	inst := f.runToEnd(t, wfID, nil)
	assert.Equal(t, schema.InstanceStatusFailed, inst.Status)
	assert.Equal(t, int64(1), atomic.LoadInt64(&attempts), "validation errors must not retry")
	assert.Contains(t, inst.LastError, "malformed recipe")
}

func TestCompensationRunsOnFailurePath(t *testing.T) {
	f := newTestExecutor(t)
	compCount, compSeen := f.counterAction(t, "release_clamp")

	require.NoError(t, f.registry.Register(actions.Action{
		Name: "clamp",
		Execute: func(ctx context.Context, input *actions.ActionInput) (*actions.ActionOutput, error) {
			return nil, schema.NewError(schema.ErrCodeNonRetryable, "clamp jammed")
		},
	}))

	wfID := f.putWorkflow(t, schema.WorkflowDefinition{
		Nodes: []schema.Node{
			{
				ID:      "grip",
				Type:    schema.NodeTypeAction,
				Config:  mustJSON(t, map[string]any{"action": "clamp"}),
				OnError: "undo_grip",
			},
			{
				ID:   "undo_grip",
				Type: schema.NodeTypeCompensation,
				Config: mustJSON(t, map[string]any{
					"action": "release_clamp",
					"params": map[string]any{"node": "{{failed_node}}"},
				}),
			},
		},
	})

	inst := f.runToEnd(t, wfID, nil)
	assert.Equal(t, schema.InstanceStatusFailed, inst.Status)
	require.Equal(t, int64(1), atomic.LoadInt64(compCount))
	assert.Equal(t, "grip", (*compSeen)[0]["node"])

	events, err := f.mem.GetEventsByType(context.Background(), schema.EventCompensationRun, store.EventFilter{InstanceID: inst.ID})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestCompensationNodeSkippedOnHappyPath(t *testing.T) {
	f := newTestExecutor(t)
	compCount, _ := f.counterAction(t, "release_clamp")
	count, _ := f.counterAction(t, "mark")

	wfID := f.putWorkflow(t, schema.WorkflowDefinition{
		Nodes: []schema.Node{
			actionNode(t, "work", "mark", nil),
			{
				ID:     "undo",
				Type:   schema.NodeTypeCompensation,
				Config: mustJSON(t, map[string]any{"action": "release_clamp"}),
			},
		},
	})

	inst := f.runToEnd(t, wfID, nil)
	assert.Equal(t, schema.InstanceStatusCompleted, inst.Status)
	assert.Equal(t, int64(1), atomic.LoadInt64(count))
	assert.Equal(t, int64(0), atomic.LoadInt64(compCount))

	trace, err := f.mem.GetNodeTrace(context.Background(), inst.ID, "undo")
	require.NoError(t, err)
	assert.Equal(t, schema.NodeStatusSkipped, trace.Status)
}

func approvalWorkflow(t *testing.T, cfg map[string]any) schema.WorkflowDefinition {
	t.Helper()
	return schema.WorkflowDefinition{
		Nodes: []schema.Node{
			{ID: "sign_off", Type: schema.NodeTypeApproval, Config: mustJSON(t, cfg)},
		},
	}
}

func (f *executorFixture) pendingApproval(t *testing.T, instanceID string) *store.ApprovalRequest {
	t.Helper()
	var ar *store.ApprovalRequest
	require.Eventually(t, func() bool {
		pending, err := f.mem.ListPendingApprovals(context.Background(), instanceID)
		if err != nil || len(pending) == 0 {
			return false
		}
		ar = pending[0]
		return true
	}, 5*time.Second, 5*time.Millisecond)
	return ar
}

func TestApprovalApprovedResumes(t *testing.T) {
	f := newTestExecutor(t)
	wfID := f.putWorkflow(t, approvalWorkflow(t, map[string]any{
		"approvers": []string{"qa-lead"},
	}))

	ctx := context.Background()
	inst, err := f.exec.Start(ctx, wfID, nil, "plant-1")
	require.NoError(t, err)

	f.waitForStatus(t, inst.ID, schema.InstanceStatusWaiting)
	ar := f.pendingApproval(t, inst.ID)

	require.NoError(t, f.exec.Approve(ctx, ar.ID, true, "qa-lead", "looks good"))
	final, err := f.exec.WaitUntilDone(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusCompleted, final.Status)

	stored, err := f.mem.GetApproval(ctx, ar.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalStatusApproved, stored.Status)
	assert.Equal(t, "qa-lead", stored.ResolvedBy)
}

func TestApprovalRejectedFails(t *testing.T) {
	f := newTestExecutor(t)
	wfID := f.putWorkflow(t, approvalWorkflow(t, map[string]any{
		"approvers": []string{"qa-lead"},
	}))

	ctx := context.Background()
	inst, err := f.exec.Start(ctx, wfID, nil, "plant-1")
	require.NoError(t, err)

	f.waitForStatus(t, inst.ID, schema.InstanceStatusWaiting)
	ar := f.pendingApproval(t, inst.ID)

	require.NoError(t, f.exec.Approve(ctx, ar.ID, false, "qa-lead", "reject: tolerance drift"))
	final, err := f.exec.WaitUntilDone(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusFailed, final.Status)
	assert.Contains(t, final.LastError, "rejected")
}

func TestApprovalTimeoutTimesOutInstance(t *testing.T) {
	f := newTestExecutor(t)
	wfID := f.putWorkflow(t, approvalWorkflow(t, map[string]any{
		"approvers":       []string{"qa-lead"},
		"timeout_seconds": 1,
	}))

	inst := f.runToEnd(t, wfID, nil)
	assert.Equal(t, schema.InstanceStatusTimeout, inst.Status)
	assert.Equal(t, "approval_timeout", inst.LastError)

	pending, err := f.mem.ListPendingApprovals(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Empty(t, pending, "the expired approval must be resolved as timed_out")
}

func TestApprovalAutoApproveOnTimeout(t *testing.T) {
	f := newTestExecutor(t)
	wfID := f.putWorkflow(t, approvalWorkflow(t, map[string]any{
		"approvers":               []string{"qa-lead"},
		"timeout_seconds":         1,
		"auto_approve_on_timeout": true,
	}))

	inst := f.runToEnd(t, wfID, nil)
	assert.Equal(t, schema.InstanceStatusCompleted, inst.Status)
}

func TestWaitDurationNode(t *testing.T) {
	f := newTestExecutor(t)
	wfID := f.putWorkflow(t, schema.WorkflowDefinition{
		Nodes: []schema.Node{
			{ID: "cool_off", Type: schema.NodeTypeWait, Config: mustJSON(t, map[string]any{
				"wait_type":        "duration",
				"duration_seconds": 0,
			})},
		},
	})

	inst := f.runToEnd(t, wfID, nil)
	assert.Equal(t, schema.InstanceStatusCompleted, inst.Status)

	events, err := f.mem.GetEvents(context.Background(), inst.ID, 0)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, schema.EventWaitStarted)
	assert.Contains(t, types, schema.EventWaitCompleted)
	assert.Contains(t, types, schema.EventInstanceResumed)
}

func TestWaitEventNodeUnblocksOnDelivery(t *testing.T) {
	f := newTestExecutor(t)
	wfID := f.putWorkflow(t, schema.WorkflowDefinition{
		Nodes: []schema.Node{
			{ID: "await_qc", Type: schema.NodeTypeWait, Config: mustJSON(t, map[string]any{
				"wait_type":  "event",
				"event_type": "qc_passed",
			})},
		},
	})

	ctx := context.Background()
	inst, err := f.exec.Start(ctx, wfID, nil, "plant-1")
	require.NoError(t, err)
	f.waitForStatus(t, inst.ID, schema.InstanceStatusWaiting)

	require.Eventually(t, func() bool {
		return f.exec.DeliverEvent(ctx, inst.ID, "qc_passed", map[string]any{"inspector": "io-7"}) == nil
	}, 5*time.Second, 5*time.Millisecond)

	final, err := f.exec.WaitUntilDone(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusCompleted, final.Status)

	event, _ := final.Context["await_qc"].(map[string]any)
	payload, _ := event["event"].(map[string]any)
	assert.Equal(t, "io-7", payload["inspector"])
}

func TestCancelRunningInstance(t *testing.T) {
	f := newTestExecutor(t)
	wfID := f.putWorkflow(t, schema.WorkflowDefinition{
		Nodes: []schema.Node{
			{ID: "long_wait", Type: schema.NodeTypeWait, Config: mustJSON(t, map[string]any{
				"wait_type":        "duration",
				"duration_seconds": 600,
			})},
		},
	})

	ctx := context.Background()
	inst, err := f.exec.Start(ctx, wfID, nil, "plant-1")
	require.NoError(t, err)
	f.waitForStatus(t, inst.ID, schema.InstanceStatusWaiting)

	require.NoError(t, f.exec.Cancel(ctx, inst.ID))
	final, err := f.exec.WaitUntilDone(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusCancelled, final.Status)
}

func TestWorkflowTimeout(t *testing.T) {
	f := newTestExecutor(t)
	wfID := f.putWorkflow(t, schema.WorkflowDefinition{
		TimeoutSeconds: 1,
		Nodes: []schema.Node{
			{ID: "long_wait", Type: schema.NodeTypeWait, Config: mustJSON(t, map[string]any{
				"wait_type":        "duration",
				"duration_seconds": 600,
			})},
		},
	})

	inst := f.runToEnd(t, wfID, nil)
	assert.Equal(t, schema.InstanceStatusTimeout, inst.Status)
	assert.Equal(t, "workflow_timeout", inst.LastError)
}

func seedTestRuleset(t *testing.T, f *executorFixture, rulesetID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.mem.CreateRuleset(ctx, &store.Ruleset{ID: rulesetID, Name: rulesetID}))
	require.NoError(t, f.mem.CreateRuleVersion(ctx, &store.RuleVersion{
		RulesetID: rulesetID,
		Version:   1,
		Script:    json.RawMessage(testRuleScript),
	}))
	_, err := f.manager.Promote(ctx, rulesetID, 1, "tester")
	require.NoError(t, err)
}

func TestJudgmentNodeFeedsDownstreamCondition(t *testing.T) {
	f := newTestExecutor(t)
	seedTestRuleset(t, f, "rs-temp")
	count, _ := f.counterAction(t, "halt")

	wfID := f.putWorkflow(t, schema.WorkflowDefinition{
		Nodes: []schema.Node{
			{ID: "assess", Type: schema.NodeTypeJudgment, Config: mustJSON(t, map[string]any{
				"ruleset_id":      "rs-temp",
				"output_variable": "verdict",
			})},
			{ID: "is_critical", Type: schema.NodeTypeCondition, Config: mustJSON(t, map[string]any{
				"expression": `verdict.result == "critical"`,
			})},
			actionNode(t, "stop_it", "halt", nil),
		},
	})

	inst := f.runToEnd(t, wfID, map[string]any{"temperature": 95.0})
	assert.Equal(t, schema.InstanceStatusCompleted, inst.Status)
	assert.Equal(t, int64(1), atomic.LoadInt64(count))

	final, err := f.mem.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	verdict, _ := final.Context["verdict"].(map[string]any)
	require.NotNil(t, verdict)
	assert.Equal(t, "critical", verdict["result"])
	assert.Equal(t, "overheat", verdict["matched_rule"])

	judgments, err := f.mem.ListJudgments(context.Background(), store.JudgmentFilter{RulesetID: "rs-temp"})
	require.NoError(t, err)
	require.Len(t, judgments, 1)
	assert.Equal(t, inst.ID, judgments[0].InstanceID)
}

func TestDeployAndRollbackNodes(t *testing.T) {
	f := newTestExecutor(t)
	seedTestRuleset(t, f, "rs-deploy")
	require.NoError(t, f.mem.CreateRuleVersion(context.Background(), &store.RuleVersion{
		RulesetID: "rs-deploy",
		Version:   2,
		Script:    json.RawMessage(testRuleScript),
	}))

	wfID := f.putWorkflow(t, schema.WorkflowDefinition{
		Nodes: []schema.Node{
			{ID: "canary_v2", Type: schema.NodeTypeDeploy, Config: mustJSON(t, map[string]any{
				"ruleset_id": "rs-deploy",
				"version":    2,
				"canary_pct": 0.2,
			})},
			{ID: "revert", Type: schema.NodeTypeRollback, Config: mustJSON(t, map[string]any{
				"ruleset_id": "rs-deploy",
				"to_version": 1,
				"reason":     "drill",
			})},
		},
	})

	inst := f.runToEnd(t, wfID, nil)
	require.Equal(t, schema.InstanceStatusCompleted, inst.Status)

	route, ok := f.manager.Status("rs-deploy")
	require.True(t, ok)
	assert.Equal(t, 1, route.ActiveVersion)
	assert.False(t, route.HasCanary(), "rollback clears the canary")

	history, err := f.manager.History(context.Background(), "rs-deploy")
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestSimulateNodeDoesNotTouchRouting(t *testing.T) {
	f := newTestExecutor(t)
	seedTestRuleset(t, f, "rs-sim")

	wfID := f.putWorkflow(t, schema.WorkflowDefinition{
		Nodes: []schema.Node{
			{ID: "dry_run", Type: schema.NodeTypeSimulate, Config: mustJSON(t, map[string]any{
				"ruleset_id": "rs-sim",
				"version":    1,
				"inputs": []map[string]any{
					{"temperature": 95},
					{"temperature": 30},
				},
			})},
		},
	})

	inst := f.runToEnd(t, wfID, nil)
	require.Equal(t, schema.InstanceStatusCompleted, inst.Status)

	final, err := f.mem.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	simOut, _ := final.Context["dry_run"].(map[string]any)
	require.NotNil(t, simOut)
	outcomes, _ := simOut["outcomes"].([]any)
	require.Len(t, outcomes, 2)
	first, _ := outcomes[0].(map[string]any)
	second, _ := outcomes[1].(map[string]any)
	assert.Equal(t, "critical", first["result"])
	assert.Equal(t, "normal", second["result"])

	history, err := f.manager.History(context.Background(), "rs-sim")
	require.NoError(t, err)
	assert.Len(t, history, 1, "simulation must not append deployment records")
}

func TestStartRejectsInactiveWorkflow(t *testing.T) {
	f := newTestExecutor(t)
	wf := &store.Workflow{
		ID:      "wf-off",
		Name:    "wf-off",
		Version: 1,
		Definition: schema.WorkflowDefinition{
			ID:      "wf-off",
			Version: 1,
			Nodes:   []schema.Node{},
		},
		Active: false,
	}
	require.NoError(t, f.mem.PutWorkflow(context.Background(), wf))

	_, err := f.exec.Start(context.Background(), "wf-off", nil, "plant-1")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestStartValidatesInputSchema(t *testing.T) {
	f := newTestExecutor(t)
	count, _ := f.counterAction(t, "mark")

	wfID := f.putWorkflow(t, schema.WorkflowDefinition{
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["batch_id"],
			"properties": {"batch_id": {"type": "string"}}
		}`),
		Nodes: []schema.Node{actionNode(t, "work", "mark", nil)},
	})

	_, err := f.exec.Start(context.Background(), wfID, map[string]any{}, "plant-1")
	require.Error(t, err, "missing required input must be rejected before the instance exists")

	inst := f.runToEnd(t, wfID, map[string]any{"batch_id": "B-1"})
	assert.Equal(t, schema.InstanceStatusCompleted, inst.Status)
	assert.Equal(t, int64(1), atomic.LoadInt64(count))
}

func TestActionParamInterpolation(t *testing.T) {
	f := newTestExecutor(t)
	_, seen := f.counterAction(t, "label")

	wfID := f.putWorkflow(t, schema.WorkflowDefinition{
		Nodes: []schema.Node{
			actionNode(t, "tag", "label", map[string]any{
				"text":  "batch {{batch_id}} at line {{line}}",
				"count": "{{units}}",
			}),
		},
	})

	inst := f.runToEnd(t, wfID, map[string]any{
		"batch_id": "B-9",
		"line":     "L2",
		"units":    120.0,
	})
	require.Equal(t, schema.InstanceStatusCompleted, inst.Status)
	require.Len(t, *seen, 1)
	params := (*seen)[0]
	assert.Equal(t, "batch B-9 at line L2", params["text"])
	assert.Equal(t, 120.0, params["count"], "a whole-string placeholder keeps the variable's type")
}

func TestNextReferenceJumpsOverNodes(t *testing.T) {
	f := newTestExecutor(t)
	first, _ := f.counterAction(t, "first")
	skipped, _ := f.counterAction(t, "skipped")
	last, _ := f.counterAction(t, "last")

	start := actionNode(t, "start", "first", nil)
	start.Next = []string{"finish"}
	wfID := f.putWorkflow(t, schema.WorkflowDefinition{
		Nodes: []schema.Node{
			start,
			actionNode(t, "middle", "skipped", nil),
			actionNode(t, "finish", "last", nil),
		},
	})

	inst := f.runToEnd(t, wfID, nil)
	assert.Equal(t, schema.InstanceStatusCompleted, inst.Status)
	assert.Equal(t, int64(1), atomic.LoadInt64(first))
	assert.Equal(t, int64(0), atomic.LoadInt64(skipped))
	assert.Equal(t, int64(1), atomic.LoadInt64(last))
}

func TestStatusReportsTraces(t *testing.T) {
	f := newTestExecutor(t)
	f.counterAction(t, "mark")

	wfID := f.putWorkflow(t, schema.WorkflowDefinition{
		Nodes: []schema.Node{actionNode(t, "work", "mark", nil)},
	})
	inst := f.runToEnd(t, wfID, nil)

	view, err := f.exec.Status(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusCompleted, view.Instance.Status)
	require.Len(t, view.Nodes, 1)
	assert.Equal(t, "work", view.Nodes[0].NodeID)

	_, err = f.exec.Status(context.Background(), fmt.Sprintf("missing-%d", time.Now().UnixNano()))
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

func TestEventHubReceivesLifecycle(t *testing.T) {
	hub := streaming.NewMemoryHub()
	f := newTestExecutor(t, WithEventHub(hub))
	f.counterAction(t, "mark")

	ch, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{
		EventTypes: []string{schema.EventInstanceStarted, schema.EventNodeCompleted, schema.EventInstanceCompleted},
	})
	require.NoError(t, err)
	defer cancel()

	wfID := f.putWorkflow(t, schema.WorkflowDefinition{
		Nodes: []schema.Node{actionNode(t, "work", "mark", nil)},
	})
	inst := f.runToEnd(t, wfID, nil)

	var types []string
	for len(types) < 3 {
		select {
		case ev := <-ch:
			assert.Equal(t, inst.ID, ev.InstanceID)
			types = append(types, ev.EventType)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d events: %v", len(types), types)
		}
	}
	assert.Equal(t, []string{
		schema.EventInstanceStarted,
		schema.EventNodeCompleted,
		schema.EventInstanceCompleted,
	}, types)
}

func TestParallelBranchesShareRunState(t *testing.T) {
	f := newTestExecutor(t)

	var fired int64
	require.NoError(t, f.registry.Register(actions.Action{
		Name: "stamp",
		Execute: func(ctx context.Context, input *actions.ActionInput) (*actions.ActionOutput, error) {
			atomic.AddInt64(&fired, 1)
			return &actions.ActionOutput{Data: mustJSON(t, map[string]any{"node": input.NodeID})}, nil
		},
	}))

	branches := make([][]schema.Node, 8)
	for i := range branches {
		branches[i] = []schema.Node{
			actionNode(t, fmt.Sprintf("b%d_pick", i), "stamp", nil),
			actionNode(t, fmt.Sprintf("b%d_weld", i), "stamp", nil),
			actionNode(t, fmt.Sprintf("b%d_pack", i), "stamp", nil),
		}
	}

	wfID := f.putWorkflow(t, schema.WorkflowDefinition{
		Nodes: []schema.Node{
			{
				ID:            "fanout",
				Type:          schema.NodeTypeParallel,
				Config:        mustJSON(t, map[string]any{}),
				ParallelNodes: branches,
			},
		},
	})

	inst := f.runToEnd(t, wfID, nil)
	require.Equal(t, schema.InstanceStatusCompleted, inst.Status)
	assert.Equal(t, int64(24), atomic.LoadInt64(&fired))

	traces, err := f.mem.ListNodeTraces(context.Background(), inst.ID)
	require.NoError(t, err)
	completed := 0
	for _, tr := range traces {
		if tr.Status == schema.NodeStatusCompleted {
			completed++
		}
	}
	assert.Equal(t, 25, completed, "every branch node and the join completed")
}

func TestTriggerInputNamespaceInParams(t *testing.T) {
	f := newTestExecutor(t)
	_, seen := f.counterAction(t, "halt")

	wfID := f.putWorkflow(t, schema.WorkflowDefinition{
		Nodes: []schema.Node{
			actionNode(t, "note", "log_event", map[string]any{"message": "inspection noted"}),
			actionNode(t, "stop", "halt", map[string]any{
				"line_id": "{{input.line}}",
				"temp":    "{{input.temperature}}",
			}),
		},
	})

	inst := f.runToEnd(t, wfID, map[string]any{"line": "L7", "temperature": 93.0})
	require.Equal(t, schema.InstanceStatusCompleted, inst.Status)
	require.Len(t, *seen, 1)
	params := (*seen)[0]
	assert.Equal(t, "L7", params["line_id"])
	assert.Equal(t, 93.0, params["temp"], "trigger payload stays addressable under input.* after node outputs land")

	final, err := f.mem.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	payload, _ := final.Context["input"].(map[string]any)
	assert.Equal(t, "L7", payload["line"])
}

func TestCancelStopsChainBetweenDispatches(t *testing.T) {
	f := newTestExecutor(t)
	after, _ := f.counterAction(t, "mark")

	require.NoError(t, f.registry.Register(actions.Action{
		Name: "pull_andon",
		Execute: func(ctx context.Context, input *actions.ActionInput) (*actions.ActionOutput, error) {
			if err := f.exec.Cancel(context.Background(), input.InstanceID); err != nil {
				return nil, err
			}
			return &actions.ActionOutput{}, nil
		},
	}))

	wfID := f.putWorkflow(t, schema.WorkflowDefinition{
		Nodes: []schema.Node{
			actionNode(t, "trip", "pull_andon", nil),
			actionNode(t, "never", "mark", nil),
		},
	})

	inst, err := f.exec.Start(context.Background(), wfID, nil, "plant-1")
	require.NoError(t, err)
	f.waitForStatus(t, inst.ID, schema.InstanceStatusCancelled)
	assert.Equal(t, int64(0), atomic.LoadInt64(after), "no node dispatches after cancellation")
}
