package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/triflow/triflow/internal/diagram"
	"github.com/triflow/triflow/internal/store"
	"github.com/triflow/triflow/pkg/schema"
)

// handleStart launches an instance of a stored workflow.
func (s *TriflowServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	input := mcp.ParseStringMap(req, "input", nil)
	tenantID := req.GetString("tenant_id", "")

	if operator := req.GetString("operator_id", ""); operator != "" {
		s.captureSession(ctx, operator)
	}

	inst, startErr := s.executor.Start(ctx, workflowID, input, tenantID)
	if startErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", startErr)), nil
	}

	if req.GetBool("wait", false) {
		final, waitErr := s.executor.WaitUntilDone(ctx, inst.ID)
		if waitErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("instance %s started but wait failed: %v", inst.ID, waitErr)), nil
		}
		return marshalResult(final)
	}
	return marshalResult(inst)
}

// handleStatus returns the stored state of an instance with node traces.
func (s *TriflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}

	view, statusErr := s.executor.Status(ctx, instanceID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(view)
}

// handleApprove resolves a pending approval request.
func (s *TriflowServer) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	approvalID, err := req.RequireString("approval_id")
	if err != nil {
		return mcp.NewToolResultError("approval_id is required"), nil
	}
	approved, err := req.RequireBool("approved")
	if err != nil {
		return mcp.NewToolResultError("approved is required"), nil
	}
	resolvedBy, err := req.RequireString("resolved_by")
	if err != nil {
		return mcp.NewToolResultError("resolved_by is required"), nil
	}
	comment := req.GetString("comment", "")

	s.captureSession(ctx, resolvedBy)

	if approveErr := s.executor.Approve(ctx, approvalID, approved, resolvedBy, comment); approveErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("approval failed: %v", approveErr)), nil
	}
	return marshalResult(map[string]any{
		"ok":          true,
		"approval_id": approvalID,
		"approved":    approved,
	})
}

// handleEvent delivers an external event to a waiting instance.
func (s *TriflowServer) handleEvent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	eventType, err := req.RequireString("event_type")
	if err != nil {
		return mcp.NewToolResultError("event_type is required"), nil
	}
	payload := mcp.ParseStringMap(req, "payload", nil)

	if deliverErr := s.executor.DeliverEvent(ctx, instanceID, eventType, payload); deliverErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("event delivery failed: %v", deliverErr)), nil
	}
	return marshalResult(map[string]any{
		"ok":          true,
		"instance_id": instanceID,
		"event_type":  eventType,
	})
}

// handleCancel cancels a live instance.
func (s *TriflowServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	if cancelErr := s.executor.Cancel(ctx, instanceID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	return marshalResult(map[string]any{"ok": true, "instance_id": instanceID})
}

// handleQuery lists workflows, instances, events, judgments or deployments.
func (s *TriflowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		return s.queryWorkflows(ctx, filter)
	case "instances":
		return s.queryInstances(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "judgments":
		return s.queryJudgments(ctx, filter)
	case "deployments":
		return s.queryDeployments(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleDeploy performs a rule deployment operation.
func (s *TriflowServer) handleDeploy(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.manager == nil {
		return mcp.NewToolResultError("rule deployment management is not configured"), nil
	}
	rulesetID, err := req.RequireString("ruleset_id")
	if err != nil {
		return mcp.NewToolResultError("ruleset_id is required"), nil
	}
	op, err := req.RequireString("op")
	if err != nil {
		return mcp.NewToolResultError("op is required"), nil
	}
	version := req.GetInt("version", 0)
	pct := req.GetFloat("traffic_pct", 0)
	actor := req.GetString("actor", "")
	reason := req.GetString("reason", "")

	var (
		rec   *store.RuleDeployment
		opErr error
	)
	switch op {
	case "promote":
		rec, opErr = s.manager.Promote(ctx, rulesetID, version, actor)
	case "canary_start":
		rec, opErr = s.manager.StartCanary(ctx, rulesetID, version, pct, actor)
	case "canary_traffic":
		rec, opErr = s.manager.SetCanaryTraffic(ctx, rulesetID, pct)
	case "rollback":
		rec, opErr = s.manager.Rollback(ctx, rulesetID, version, reason)
	case "draft":
		rec, opErr = s.manager.SaveDraft(ctx, rulesetID, version, actor)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown deployment op: %s", op)), nil
	}
	if opErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", op, opErr)), nil
	}
	return marshalResult(rec)
}

// handleSimulate dry-runs a rule version.
func (s *TriflowServer) handleSimulate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.evaluator == nil {
		return mcp.NewToolResultError("rule evaluation is not configured"), nil
	}
	rulesetID, err := req.RequireString("ruleset_id")
	if err != nil {
		return mcp.NewToolResultError("ruleset_id is required"), nil
	}
	version, err := req.RequireInt("version")
	if err != nil {
		return mcp.NewToolResultError("version is required"), nil
	}
	input := mcp.ParseStringMap(req, "input", nil)
	if input == nil {
		return mcp.NewToolResultError("input is required"), nil
	}

	outcome, simErr := s.evaluator.Simulate(ctx, rulesetID, version, input)
	if simErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("simulation failed: %v", simErr)), nil
	}
	return marshalResult(outcome)
}

// handleDiagram renders a workflow or instance diagram.
func (s *TriflowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	workflowID := req.GetString("workflow_id", "")
	instanceID := req.GetString("instance_id", "")
	if workflowID == "" && instanceID == "" {
		return mcp.NewToolResultError("one of workflow_id or instance_id is required"), nil
	}

	var traces []*store.NodeTrace
	if instanceID != "" {
		inst, instErr := s.store.GetInstance(ctx, instanceID)
		if instErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("instance not found: %v", instErr)), nil
		}
		workflowID = inst.WorkflowID
		if ts, tErr := s.store.ListNodeTraces(ctx, instanceID); tErr == nil {
			traces = ts
		}
	}

	wf, wfErr := s.store.GetWorkflow(ctx, workflowID)
	if wfErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow not found: %v", wfErr)), nil
	}

	model, buildErr := diagram.Build(&wf.Definition, traces)
	if buildErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", buildErr)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		return mcp.NewToolResultError("format must be ascii or mermaid"), nil
	}
}

// --- Query helpers ---

func (s *TriflowServer) queryWorkflows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	wf := store.WorkflowFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if tenantID, ok := filter["tenant_id"].(string); ok {
		wf.TenantID = tenantID
	}
	if active, ok := filter["active"].(bool); ok {
		wf.Active = &active
	}

	workflows, err := s.store.ListWorkflows(ctx, wf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

func (s *TriflowServer) queryInstances(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	inf := store.InstanceFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if workflowID, ok := filter["workflow_id"].(string); ok {
		inf.WorkflowID = workflowID
	}
	if tenantID, ok := filter["tenant_id"].(string); ok {
		inf.TenantID = tenantID
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		st := schema.InstanceStatus(status)
		inf.Status = &st
	}
	if since := extractTime(filter, "since"); since != nil {
		inf.Since = since
	}

	instances, err := s.store.ListInstances(ctx, inf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"instances": instances})
}

func (s *TriflowServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.EventFilter{
		Limit: extractInt(filter, "limit", 100),
	}
	if instanceID, ok := filter["instance_id"].(string); ok {
		ef.InstanceID = instanceID
	}
	if nodeID, ok := filter["node_id"].(string); ok {
		ef.NodeID = nodeID
	}
	if eventType, ok := filter["event_type"].(string); ok {
		ef.EventType = eventType
	}
	if since := extractTime(filter, "since"); since != nil {
		ef.Since = since
	}

	if ef.EventType != "" {
		events, err := s.store.GetEventsByType(ctx, ef.EventType, ef)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"events": events})
	}

	if ef.InstanceID == "" {
		return mcp.NewToolResultError("event query requires either 'event_type' or 'instance_id' in filter"), nil
	}
	events, err := s.store.GetEvents(ctx, ef.InstanceID, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *TriflowServer) queryJudgments(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	jf := store.JudgmentFilter{
		Limit: extractInt(filter, "limit", 100),
	}
	if rulesetID, ok := filter["ruleset_id"].(string); ok {
		jf.RulesetID = rulesetID
	}
	if v := extractInt(filter, "version", 0); v > 0 {
		jf.Version = &v
	}
	if since := extractTime(filter, "since"); since != nil {
		jf.Since = since
	}

	judgments, err := s.store.ListJudgments(ctx, jf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"judgments": judgments})
}

func (s *TriflowServer) queryDeployments(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rulesetID, _ := filter["ruleset_id"].(string)
	if rulesetID == "" {
		return mcp.NewToolResultError("deployment query requires 'ruleset_id' in filter"), nil
	}
	history, err := s.store.ListDeployments(ctx, rulesetID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	result := map[string]any{"deployments": history}
	if s.manager != nil {
		if route, ok := s.manager.Status(rulesetID); ok {
			result["route"] = map[string]any{
				"active_version": route.ActiveVersion,
				"canary_version": route.CanaryVersion,
				"canary_pct":     route.CanaryPct,
			}
		}
	}
	return marshalResult(result)
}

// --- Internal helpers ---

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// extractTime parses an RFC 3339 timestamp from a filter map.
func extractTime(filter map[string]any, key string) *time.Time {
	if filter == nil {
		return nil
	}
	raw, ok := filter[key].(string)
	if !ok || raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}

// captureSession maps an operator ID to its current MCP session for
// notifications.
func (s *TriflowServer) captureSession(ctx context.Context, operatorID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(operatorID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
