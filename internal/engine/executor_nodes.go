package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/triflow/triflow/internal/actions"
	"github.com/triflow/triflow/internal/expressions"
	"github.com/triflow/triflow/internal/rules"
	"github.com/triflow/triflow/internal/store"
	"github.com/triflow/triflow/pkg/schema"
)

// executeNode runs one node with tracing, retry and error handling. The
// node's output lands in the scope under the node ID.
func (e *Executor) executeNode(ctx context.Context, run *instanceRun, def *schema.WorkflowDefinition, node *schema.Node, scope *expressions.Scope) error {
	// Compensation nodes only fire through another node's on_error path.
	if node.Type == schema.NodeTypeCompensation {
		run.markCompleted(node.ID)
		e.recordEvent(ctx, run, node.ID, schema.EventNodeSkipped, nil)
		e.upsertTrace(ctx, &store.NodeTrace{
			InstanceID: run.inst.ID,
			NodeID:     node.ID,
			Status:     schema.NodeStatusSkipped,
		})
		return nil
	}

	run.setCurrentNode(node.ID)
	started := time.Now().UTC()
	e.recordEvent(ctx, run, node.ID, schema.EventNodeStarted, nil)
	e.upsertTrace(ctx, &store.NodeTrace{
		InstanceID: run.inst.ID,
		NodeID:     node.ID,
		Status:     schema.NodeStatusRunning,
		StartedAt:  &started,
	})

	output, execErr := e.executeWithRetry(ctx, run, def, node, scope)
	finished := time.Now().UTC()
	duration := finished.Sub(started)
	chainStopped := errors.Is(execErr, errChainStopped)

	if execErr != nil && !chainStopped {
		e.telemetry.NodeExecuted(node.Type, schema.NodeStatusFailed, duration)
		return e.handleNodeFailure(ctx, run, def, node, scope, execErr, started)
	}

	run.markCompleted(node.ID)
	if output != nil {
		scope.Set(node.ID, output)
	}
	outputRaw, _ := json.Marshal(output)
	e.recordEvent(ctx, run, node.ID, schema.EventNodeCompleted, output)
	e.upsertTrace(ctx, &store.NodeTrace{
		InstanceID:  run.inst.ID,
		NodeID:      node.ID,
		Status:      schema.NodeStatusCompleted,
		Output:      outputRaw,
		StartedAt:   &started,
		CompletedAt: &finished,
		DurationMs:  duration.Milliseconds(),
	})
	e.telemetry.NodeExecuted(node.Type, schema.NodeStatusCompleted, duration)
	e.persistInstance(ctx, run, store.InstanceUpdate{})

	if chainStopped {
		return errChainStopped
	}
	return nil
}

// executeWithRetry dispatches the node handler under its retry policy.
// Gate stops, approval expiry and cancellation are never retried.
func (e *Executor) executeWithRetry(ctx context.Context, run *instanceRun, def *schema.WorkflowDefinition, node *schema.Node, scope *expressions.Scope) (map[string]any, error) {
	maxAttempts := 1
	if node.Retry != nil && node.Retry.Max > 0 {
		maxAttempts = node.Retry.Max + 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		output, err := e.dispatchNode(ctx, run, def, node, scope)
		if err == nil || errors.Is(err, errChainStopped) {
			return output, err
		}
		lastErr = err

		if errors.Is(err, errApprovalTimedOut) ||
			errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
			ctx.Err() != nil {
			return nil, err
		}
		if attempt == maxAttempts || !IsRetryableError(err) {
			return nil, err
		}

		delay := ComputeBackoff(node.Retry, attempt-1)
		e.recordEvent(ctx, run, node.ID, schema.EventNodeRetrying, map[string]any{
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		})
		e.upsertTrace(ctx, &store.NodeTrace{
			InstanceID: run.inst.ID,
			NodeID:     node.ID,
			Status:     schema.NodeStatusRetrying,
			RetryCount: attempt,
		})
		e.logger.WarnContext(ctx, "node retrying",
			"instance_id", run.inst.ID, "node_id", node.ID, "attempt", attempt, "error", err)

		if err := WaitForBackoff(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// dispatchNode routes to the type-specific handler, honoring a per-node
// timeout when one is declared.
func (e *Executor) dispatchNode(ctx context.Context, run *instanceRun, def *schema.WorkflowDefinition, node *schema.Node, scope *expressions.Scope) (map[string]any, error) {
	if node.Timeout != "" {
		d, err := time.ParseDuration(node.Timeout)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"node timeout %q: %v", node.Timeout, err).WithNode(node.ID)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	switch node.Type {
	case schema.NodeTypeCondition:
		return e.executeCondition(ctx, run, node, scope)
	case schema.NodeTypeAction:
		return e.executeAction(ctx, run, node, scope)
	case schema.NodeTypeIfElse:
		return e.executeIfElse(ctx, run, def, node, scope)
	case schema.NodeTypeLoop:
		return e.executeLoop(ctx, run, def, node, scope)
	case schema.NodeTypeParallel:
		return e.executeParallel(ctx, run, def, node, scope)
	case schema.NodeTypeJudgment:
		return e.executeJudgment(ctx, run, node, scope)
	case schema.NodeTypeApproval:
		return e.executeApproval(ctx, run, node, scope)
	case schema.NodeTypeWait:
		return e.executeWait(ctx, run, node)
	case schema.NodeTypeDeploy:
		return e.executeDeploy(ctx, run, node)
	case schema.NodeTypeRollback:
		return e.executeRollback(ctx, run, node)
	case schema.NodeTypeSimulate:
		return e.executeSimulate(ctx, run, node, scope)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unsupported node type %q", node.Type).WithNode(node.ID)
	}
}

// handleNodeFailure records the failure, runs the declared compensation
// node if any, and returns the failure for the run to terminalize.
func (e *Executor) handleNodeFailure(ctx context.Context, run *instanceRun, def *schema.WorkflowDefinition, node *schema.Node, scope *expressions.Scope, execErr error, started time.Time) error {
	errRaw, _ := json.Marshal(map[string]any{
		"code":    schema.ErrorCode(execErr),
		"message": execErr.Error(),
	})
	finished := time.Now().UTC()
	e.recordEvent(ctx, run, node.ID, schema.EventNodeFailed, map[string]any{"error": execErr.Error()})
	e.upsertTrace(ctx, &store.NodeTrace{
		InstanceID:  run.inst.ID,
		NodeID:      node.ID,
		Status:      schema.NodeStatusFailed,
		Error:       errRaw,
		StartedAt:   &started,
		CompletedAt: &finished,
		DurationMs:  finished.Sub(started).Milliseconds(),
	})
	e.logger.ErrorContext(ctx, "node failed",
		"instance_id", run.inst.ID, "node_id", node.ID, "node_type", node.Type, "error", execErr)

	if node.OnError != "" {
		e.runCompensation(ctx, run, def, node, scope, execErr)
	}
	return execErr
}

// runCompensation executes the node's declared compensation before the
// instance fails. Compensation errors are logged, never propagated: the
// original failure stays the instance's last error.
func (e *Executor) runCompensation(ctx context.Context, run *instanceRun, def *schema.WorkflowDefinition, node *schema.Node, scope *expressions.Scope, cause error) {
	comp := findNode(def.Nodes, node.OnError)
	if comp == nil {
		e.logger.ErrorContext(ctx, "compensation node not found",
			"instance_id", run.inst.ID, "node_id", node.ID, "on_error", node.OnError)
		return
	}
	var cfg schema.CompensationConfig
	if err := decodeConfig(comp, &cfg); err != nil {
		e.logger.ErrorContext(ctx, "compensation config invalid",
			"instance_id", run.inst.ID, "node_id", comp.ID, "error", err)
		return
	}

	// Compensation may run while the node context is already dead.
	compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	vars := scope.Snapshot()
	vars["failed_node"] = node.ID
	vars["failure"] = cause.Error()

	output, err := e.invokeAction(compCtx, run, comp.ID, cfg.Action, cfg.Params, vars)
	payload := map[string]any{"for_node": node.ID, "action": cfg.Action}
	if err != nil {
		payload["error"] = err.Error()
		e.logger.ErrorContext(compCtx, "compensation failed",
			"instance_id", run.inst.ID, "node_id", comp.ID, "error", err)
	} else if output != nil {
		payload["output"] = output
	}
	e.recordEvent(compCtx, run, comp.ID, schema.EventCompensationRun, payload)
}

func (e *Executor) executeCondition(ctx context.Context, run *instanceRun, node *schema.Node, scope *expressions.Scope) (map[string]any, error) {
	var cfg schema.ConditionConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	result, err := e.cond.EvaluateBool(ctx, cfg.Expression, scope.Snapshot())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeExecution,
			"condition: %v", err).WithNode(node.ID).WithCause(err)
	}
	e.recordEvent(ctx, run, node.ID, schema.EventConditionEvaluated, map[string]any{
		"expression": cfg.Expression,
		"result":     result,
	})
	output := map[string]any{"result": result}
	if !result {
		return output, errChainStopped
	}
	return output, nil
}

func (e *Executor) executeAction(ctx context.Context, run *instanceRun, node *schema.Node, scope *expressions.Scope) (map[string]any, error) {
	var cfg schema.ActionConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	return e.invokeAction(ctx, run, node.ID, cfg.Action, cfg.Params, scope.Snapshot())
}

// invokeAction interpolates params against vars and runs the registered
// action. Shared by action nodes and compensation runs.
func (e *Executor) invokeAction(ctx context.Context, run *instanceRun, nodeID, actionName string, params map[string]any, vars map[string]any) (map[string]any, error) {
	action, err := e.registry.Get(actionName)
	if err != nil {
		return nil, err
	}

	resolved := make(map[string]any, len(params))
	for key, val := range params {
		rv, err := e.interp.ResolveValue(val, vars)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"param %q: %v", key, err).WithNode(nodeID).WithCause(err)
		}
		resolved[key] = rv
	}
	if action.Validate != nil {
		if err := action.Validate(resolved); err != nil {
			return nil, err
		}
	}

	out, err := action.Execute(ctx, &actions.ActionInput{
		InstanceID: run.inst.ID,
		NodeID:     nodeID,
		TenantID:   run.inst.TenantID,
		Params:     resolved,
		Context:    vars,
	})
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Data) == 0 {
		return nil, nil
	}
	var decoded map[string]any
	if err := json.Unmarshal(out.Data, &decoded); err != nil {
		return map[string]any{"data": string(out.Data)}, nil
	}
	return decoded, nil
}

func (e *Executor) executeJudgment(ctx context.Context, run *instanceRun, node *schema.Node, scope *expressions.Scope) (map[string]any, error) {
	var cfg schema.JudgmentConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	outVar := cfg.OutputVariable
	if outVar == "" {
		outVar = "judgment"
	}

	outcome, err := e.evaluator.Judge(ctx, rules.JudgmentRequest{
		RulesetID:  cfg.RulesetID,
		RoutingKey: routingKey(run),
		InstanceID: run.inst.ID,
		NodeID:     node.ID,
		TenantID:   run.inst.TenantID,
		Input:      scope.Snapshot(),
	})
	if err != nil {
		return nil, err
	}

	eventType := schema.EventJudgmentExecuted
	if outcome.Method == schema.JudgmentMethodFailSafe {
		eventType = schema.EventJudgmentFailSafe
	}
	e.recordEvent(ctx, run, node.ID, eventType, outcome)

	if e.monitor != nil {
		if tripped := e.monitor.Observe(ctx, cfg.RulesetID, outcome); tripped {
			e.recordEvent(ctx, run, node.ID, schema.EventCanaryMonitorTripped, map[string]any{
				"ruleset_id": cfg.RulesetID,
				"version":    outcome.Version,
			})
		}
	}

	output, err := toMap(outcome)
	if err != nil {
		return nil, err
	}
	scope.Set(outVar, output)
	return output, nil
}

func (e *Executor) executeApproval(ctx context.Context, run *instanceRun, node *schema.Node, scope *expressions.Scope) (map[string]any, error) {
	var cfg schema.ApprovalConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	timeoutSecs := cfg.TimeoutSeconds
	if timeoutSecs <= 0 {
		timeoutSecs = schema.DefaultApprovalTimeoutSeconds
	}
	deadline := time.Now().UTC().Add(time.Duration(timeoutSecs) * time.Second)

	ar := &store.ApprovalRequest{
		ID:         uuid.NewString(),
		InstanceID: run.inst.ID,
		NodeID:     node.ID,
		Approvers:  cfg.Approvers,
		Status:     store.ApprovalStatusPending,
		DeadlineAt: deadline,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.store.CreateApproval(ctx, ar); err != nil {
		return nil, err
	}

	ch := make(chan approvalDecision, 1)
	run.mu.Lock()
	run.approvals[ar.ID] = ch
	run.mu.Unlock()
	defer func() {
		run.mu.Lock()
		delete(run.approvals, ar.ID)
		run.mu.Unlock()
	}()

	e.recordEvent(ctx, run, node.ID, schema.EventApprovalRequested, map[string]any{
		"approval_id": ar.ID,
		"approvers":   cfg.Approvers,
		"deadline_at": deadline.Format(time.RFC3339),
	})
	e.notifyApprovers(ctx, run, node, &cfg, ar)

	if err := e.transition(ctx, run, schema.InstanceStatusWaiting); err != nil {
		return nil, err
	}
	e.upsertTrace(ctx, &store.NodeTrace{
		InstanceID: run.inst.ID,
		NodeID:     node.ID,
		Status:     schema.NodeStatusWaiting,
	})
	e.persistInstance(ctx, run, store.InstanceUpdate{})

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case decision := <-ch:
		if err := e.transition(ctx, run, schema.InstanceStatusRunning); err != nil {
			return nil, err
		}
		e.recordEvent(ctx, run, node.ID, schema.EventApprovalResolved, map[string]any{
			"approval_id": ar.ID,
			"approved":    decision.approved,
			"resolved_by": decision.resolvedBy,
		})
		if !decision.approved {
			return nil, schema.NewErrorf(schema.ErrCodeNonRetryable,
				"approval rejected by %s", decision.resolvedBy).WithNode(node.ID).
				WithDetails(map[string]any{"approval_id": ar.ID, "comment": decision.comment})
		}
		return map[string]any{
			"approved":    true,
			"resolved_by": decision.resolvedBy,
			"comment":     decision.comment,
		}, nil

	case <-timer.C:
		e.recordEvent(ctx, run, node.ID, schema.EventApprovalTimedOut, map[string]any{
			"approval_id": ar.ID,
		})
		if cfg.AutoApproveOnTimeout {
			if err := e.store.ResolveApproval(ctx, ar.ID, store.ApprovalStatusApproved, "system", "auto-approved at deadline"); err != nil {
				e.logger.ErrorContext(ctx, "approval auto-resolve failed", "approval_id", ar.ID, "error", err)
			}
			if err := e.transition(ctx, run, schema.InstanceStatusRunning); err != nil {
				return nil, err
			}
			return map[string]any{"approved": true, "resolved_by": "system", "auto_approved": true}, nil
		}
		if err := e.store.ResolveApproval(ctx, ar.ID, store.ApprovalStatusTimedOut, "system", "deadline expired"); err != nil {
			e.logger.ErrorContext(ctx, "approval timeout resolve failed", "approval_id", ar.ID, "error", err)
		}
		return nil, errApprovalTimedOut

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Executor) notifyApprovers(ctx context.Context, run *instanceRun, node *schema.Node, cfg *schema.ApprovalConfig, ar *store.ApprovalRequest) {
	if cfg.NotificationChannel == "" || len(cfg.Approvers) == 0 {
		return
	}
	message := cfg.NotificationMessage
	if message == "" {
		message = "approval requested for instance " + run.inst.ID
	}
	err := e.notifier.Send(ctx, actions.Notification{
		Channel:    cfg.NotificationChannel,
		Recipients: cfg.Approvers,
		Subject:    "Approval requested: " + node.ID,
		Message:    message,
	})
	if err != nil {
		e.logger.WarnContext(ctx, "approval notification failed",
			"approval_id", ar.ID, "channel", cfg.NotificationChannel, "error", err)
	}
}

func (e *Executor) executeWait(ctx context.Context, run *instanceRun, node *schema.Node) (map[string]any, error) {
	var cfg schema.WaitConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}

	switch cfg.WaitType {
	case "duration":
		secs := cfg.DurationSeconds
		if secs > schema.MaxWaitSeconds {
			secs = schema.MaxWaitSeconds
		}
		return e.waitSuspended(ctx, run, node, time.Duration(secs)*time.Second, nil)

	case "event":
		if cfg.EventType == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "event wait requires event_type").WithNode(node.ID)
		}
		timeoutSecs := cfg.TimeoutSeconds
		if timeoutSecs <= 0 || timeoutSecs > schema.MaxWaitSeconds {
			timeoutSecs = schema.MaxWaitSeconds
		}
		ch := make(chan map[string]any, 1)
		run.mu.Lock()
		run.waits[cfg.EventType] = ch
		run.mu.Unlock()
		defer func() {
			run.mu.Lock()
			delete(run.waits, cfg.EventType)
			run.mu.Unlock()
		}()
		return e.waitSuspended(ctx, run, node, time.Duration(timeoutSecs)*time.Second, ch)

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"wait type %q is not supported", cfg.WaitType).WithNode(node.ID)
	}
}

// waitSuspended parks the instance in waiting until the timer fires or,
// when ch is non-nil, an event arrives first. A timer expiry on an event
// wait is a node failure; on a duration wait it is the normal outcome.
func (e *Executor) waitSuspended(ctx context.Context, run *instanceRun, node *schema.Node, d time.Duration, ch chan map[string]any) (map[string]any, error) {
	e.recordEvent(ctx, run, node.ID, schema.EventWaitStarted, map[string]any{
		"duration_ms": d.Milliseconds(),
	})
	if err := e.transition(ctx, run, schema.InstanceStatusWaiting); err != nil {
		return nil, err
	}
	e.upsertTrace(ctx, &store.NodeTrace{
		InstanceID: run.inst.ID,
		NodeID:     node.ID,
		Status:     schema.NodeStatusWaiting,
	})

	timer := time.NewTimer(d)
	defer timer.Stop()

	var payload map[string]any
	var waitErr error
	select {
	case payload = <-ch:
	case <-timer.C:
		if ch != nil {
			waitErr = schema.NewErrorf(schema.ErrCodeTimeout,
				"no matching event within %s", d).WithNode(node.ID)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := e.transition(ctx, run, schema.InstanceStatusRunning); err != nil {
		return nil, err
	}
	if waitErr != nil {
		return nil, waitErr
	}
	e.recordEvent(ctx, run, node.ID, schema.EventWaitCompleted, payload)
	output := map[string]any{"waited_ms": d.Milliseconds()}
	if payload != nil {
		output["event"] = payload
	}
	return output, nil
}

func (e *Executor) executeDeploy(ctx context.Context, run *instanceRun, node *schema.Node) (map[string]any, error) {
	if e.deploys == nil {
		return nil, schema.NewError(schema.ErrCodeDeployment, "no deployment manager configured").WithNode(node.ID)
	}
	var cfg schema.DeployConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}

	if cfg.CanaryPct > 0 && cfg.CanaryPct < 1 {
		dep, err := e.deploys.StartCanary(ctx, cfg.RulesetID, cfg.Version, cfg.CanaryPct, cfg.Approver)
		if err != nil {
			return nil, err
		}
		e.recordEvent(ctx, run, node.ID, schema.EventDeploymentCanary, dep)
		return map[string]any{
			"deployment_id": dep.ID,
			"ruleset_id":    cfg.RulesetID,
			"version":       cfg.Version,
			"canary_pct":    cfg.CanaryPct,
		}, nil
	}

	dep, err := e.deploys.Promote(ctx, cfg.RulesetID, cfg.Version, cfg.Approver)
	if err != nil {
		return nil, err
	}
	e.recordEvent(ctx, run, node.ID, schema.EventDeploymentPromoted, dep)
	return map[string]any{
		"deployment_id": dep.ID,
		"ruleset_id":    cfg.RulesetID,
		"version":       cfg.Version,
	}, nil
}

func (e *Executor) executeRollback(ctx context.Context, run *instanceRun, node *schema.Node) (map[string]any, error) {
	if e.deploys == nil {
		return nil, schema.NewError(schema.ErrCodeDeployment, "no deployment manager configured").WithNode(node.ID)
	}
	var cfg schema.RollbackConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	dep, err := e.deploys.Rollback(ctx, cfg.RulesetID, cfg.ToVersion, cfg.Reason)
	if err != nil {
		return nil, err
	}
	e.recordEvent(ctx, run, node.ID, schema.EventDeploymentRolledBack, dep)
	return map[string]any{
		"deployment_id": dep.ID,
		"ruleset_id":    cfg.RulesetID,
		"to_version":    cfg.ToVersion,
	}, nil
}

func (e *Executor) executeSimulate(ctx context.Context, run *instanceRun, node *schema.Node, scope *expressions.Scope) (map[string]any, error) {
	var cfg schema.SimulateConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	inputs := cfg.Inputs
	if len(inputs) == 0 {
		inputs = []map[string]any{scope.Snapshot()}
	}

	outcomes := make([]any, 0, len(inputs))
	for _, input := range inputs {
		outcome, err := e.evaluator.Simulate(ctx, cfg.RulesetID, cfg.Version, input)
		if err != nil {
			return nil, err
		}
		m, err := toMap(outcome)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, m)
	}
	return map[string]any{
		"ruleset_id": cfg.RulesetID,
		"version":    cfg.Version,
		"outcomes":   outcomes,
	}, nil
}

// --- helpers ---

func (e *Executor) recordEvent(ctx context.Context, run *instanceRun, nodeID, eventType string, payload any) {
	if err := e.log.Record(ctx, run.inst.ID, nodeID, eventType, run.inst.TenantID, payload); err != nil {
		e.logger.ErrorContext(ctx, "event append failed",
			"instance_id", run.inst.ID, "node_id", nodeID, "event_type", eventType, "error", err)
	}
}

func (e *Executor) upsertTrace(ctx context.Context, trace *store.NodeTrace) {
	if err := e.store.UpsertNodeTrace(ctx, trace); err != nil {
		e.logger.ErrorContext(ctx, "node trace upsert failed",
			"instance_id", trace.InstanceID, "node_id", trace.NodeID, "error", err)
	}
}

func decodeConfig(node *schema.Node, target any) error {
	if len(node.Config) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"node %q has no config", node.ID).WithNode(node.ID)
	}
	if err := json.Unmarshal(node.Config, target); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"node %q config: %v", node.ID, err).WithNode(node.ID).WithCause(err)
	}
	return nil
}

func findNode(nodes []schema.Node, id string) *schema.Node {
	for i := range nodes {
		node := &nodes[i]
		if node.ID == id {
			return node
		}
		for _, nested := range [][]schema.Node{node.ThenNodes, node.ElseNodes, node.LoopNodes} {
			if found := findNode(nested, id); found != nil {
				return found
			}
		}
		for _, branch := range node.ParallelNodes {
			if found := findNode(branch, id); found != nil {
				return found
			}
		}
	}
	return nil
}

func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "encode output: %v", err).WithCause(err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode output: %v", err).WithCause(err)
	}
	return m, nil
}
