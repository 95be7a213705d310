package validation

import (
	"encoding/json"
	"fmt"

	"github.com/triflow/triflow/pkg/schema"
)

// validateGraph performs semantic analysis on the workflow node tree.
// Checks: globally unique node IDs, next/on_error references resolving
// within the sibling sequence, per-type config requirements, nested
// sub-graph rules, and unreachable-node detection.
func validateGraph(def *schema.WorkflowDefinition, lookup ActionLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	seen := make(map[string]bool)
	validateSequence(def.Nodes, "nodes", seen, lookup, result)
	return result
}

// validateSequence checks one sibling sequence of nodes plus each node's
// nested sub-graphs.
func validateSequence(nodes []schema.Node, path string, seen map[string]bool, lookup ActionLookup, result *schema.ValidationResult) {
	siblings := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if n.ID != "" {
			siblings[n.ID] = true
		}
	}

	for i := range nodes {
		node := &nodes[i]
		nodePath := fmt.Sprintf("%s[%d]", path, i)

		if node.ID == "" {
			result.AddError(nodePath+".id", schema.ErrCodeValidation, "node id is empty")
		} else if seen[node.ID] {
			result.AddError(nodePath+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate node id %q", node.ID))
		} else {
			seen[node.ID] = true
		}

		for j, next := range node.Next {
			if !siblings[next] {
				result.AddError(fmt.Sprintf("%s.next[%d]", nodePath, j),
					schema.ErrCodeValidation,
					fmt.Sprintf("references unknown node %q", next))
			}
			if next == node.ID {
				result.AddError(fmt.Sprintf("%s.next[%d]", nodePath, j),
					schema.ErrCodeValidation,
					fmt.Sprintf("node %q references itself", node.ID))
			}
		}

		if node.OnError != "" {
			target := findSibling(nodes, node.OnError)
			if target == nil {
				result.AddError(nodePath+".on_error", schema.ErrCodeValidation,
					fmt.Sprintf("references unknown node %q", node.OnError))
			} else if target.Type != schema.NodeTypeCompensation {
				result.AddError(nodePath+".on_error", schema.ErrCodeValidation,
					fmt.Sprintf("node %q is %q, want compensation", node.OnError, target.Type))
			}
		}

		if node.Retry != nil && node.Retry.Max > 10 {
			result.AddWarning(nodePath+".retry.max", schema.ErrCodeValidation,
				fmt.Sprintf("high retry count (%d) may cause excessive delays", node.Retry.Max))
		}

		validateNodeConfig(node, nodePath, seen, lookup, result)
	}

	markUnreachable(nodes, path, result)
}

// findSibling returns the node with the given ID from a sibling sequence.
func findSibling(nodes []schema.Node, id string) *schema.Node {
	for i := range nodes {
		if nodes[i].ID == id {
			return &nodes[i]
		}
	}
	return nil
}

// validateNodeConfig applies per-type config requirements and recurses
// into nested sub-graphs.
func validateNodeConfig(node *schema.Node, path string, seen map[string]bool, lookup ActionLookup, result *schema.ValidationResult) {
	switch node.Type {
	case schema.NodeTypeCondition:
		var cfg schema.ConditionConfig
		if !decodeConfig(node, path, &cfg, result) {
			return
		}
		if cfg.Expression == "" {
			result.AddError(path+".config.expression", schema.ErrCodeValidation,
				"condition node requires an expression")
		}

	case schema.NodeTypeAction:
		var cfg schema.ActionConfig
		if !decodeConfig(node, path, &cfg, result) {
			return
		}
		checkAction(cfg.Action, path, lookup, result)

	case schema.NodeTypeIfElse:
		var cfg schema.IfElseConfig
		if !decodeConfig(node, path, &cfg, result) {
			return
		}
		if cfg.Condition == "" {
			result.AddError(path+".config.condition", schema.ErrCodeValidation,
				"if_else node requires a condition")
		}
		if len(node.ThenNodes) == 0 && len(node.ElseNodes) == 0 {
			result.AddError(path, schema.ErrCodeValidation,
				"if_else node requires then_nodes or else_nodes")
		}
		if len(node.ThenNodes) > 0 {
			validateSequence(node.ThenNodes, path+".then_nodes", seen, lookup, result)
		}
		if len(node.ElseNodes) > 0 {
			validateSequence(node.ElseNodes, path+".else_nodes", seen, lookup, result)
		}

	case schema.NodeTypeLoop:
		var cfg schema.LoopConfig
		if !decodeConfig(node, path, &cfg, result) {
			return
		}
		switch cfg.LoopType {
		case "for":
			if cfg.Count < 1 {
				result.AddError(path+".config.count", schema.ErrCodeValidation,
					"for loop requires count >= 1")
			}
		case "while":
			if cfg.Condition == "" {
				result.AddError(path+".config.condition", schema.ErrCodeValidation,
					"while loop requires a condition")
			}
		default:
			result.AddError(path+".config.loop_type", schema.ErrCodeValidation,
				fmt.Sprintf("unknown loop_type %q, want for or while", cfg.LoopType))
		}
		if cfg.MaxIterations < 0 || cfg.MaxIterations > schema.MaxLoopCap {
			result.AddError(path+".config.max_iterations", schema.ErrCodeValidation,
				fmt.Sprintf("max_iterations must be in [0, %d]", schema.MaxLoopCap))
		}
		if len(node.LoopNodes) == 0 {
			result.AddError(path+".loop_nodes", schema.ErrCodeValidation,
				"loop node requires a non-empty body")
		} else {
			validateSequence(node.LoopNodes, path+".loop_nodes", seen, lookup, result)
		}

	case schema.NodeTypeParallel:
		if len(node.ParallelNodes) == 0 {
			result.AddError(path+".parallel_nodes", schema.ErrCodeValidation,
				"parallel node requires at least one branch")
		}
		for bi, branch := range node.ParallelNodes {
			branchPath := fmt.Sprintf("%s.parallel_nodes[%d]", path, bi)
			if len(branch) == 0 {
				result.AddError(branchPath, schema.ErrCodeValidation, "parallel branch is empty")
				continue
			}
			validateSequence(branch, branchPath, seen, lookup, result)
		}

	case schema.NodeTypeJudgment:
		var cfg schema.JudgmentConfig
		if !decodeConfig(node, path, &cfg, result) {
			return
		}
		if cfg.RulesetID == "" {
			result.AddError(path+".config.ruleset_id", schema.ErrCodeValidation,
				"judgment node requires a ruleset_id")
		}

	case schema.NodeTypeApproval:
		var cfg schema.ApprovalConfig
		if !decodeConfig(node, path, &cfg, result) {
			return
		}
		if cfg.TimeoutSeconds < 0 {
			result.AddError(path+".config.timeout_seconds", schema.ErrCodeValidation,
				"approval timeout_seconds must not be negative")
		}

	case schema.NodeTypeWait:
		var cfg schema.WaitConfig
		if !decodeConfig(node, path, &cfg, result) {
			return
		}
		switch cfg.WaitType {
		case "duration":
			if cfg.DurationSeconds < 1 || cfg.DurationSeconds > schema.MaxWaitSeconds {
				result.AddError(path+".config.duration_seconds", schema.ErrCodeValidation,
					fmt.Sprintf("duration_seconds must be in [1, %d]", schema.MaxWaitSeconds))
			}
		case "event":
			if cfg.EventType == "" {
				result.AddError(path+".config.event_type", schema.ErrCodeValidation,
					"event wait requires an event_type")
			}
		default:
			result.AddError(path+".config.wait_type", schema.ErrCodeValidation,
				fmt.Sprintf("unknown wait_type %q, want duration or event", cfg.WaitType))
		}

	case schema.NodeTypeCompensation:
		var cfg schema.CompensationConfig
		if !decodeConfig(node, path, &cfg, result) {
			return
		}
		checkAction(cfg.Action, path, lookup, result)

	case schema.NodeTypeDeploy:
		var cfg schema.DeployConfig
		if !decodeConfig(node, path, &cfg, result) {
			return
		}
		if cfg.RulesetID == "" {
			result.AddError(path+".config.ruleset_id", schema.ErrCodeValidation,
				"deploy node requires a ruleset_id")
		}
		if cfg.Version < 1 {
			result.AddError(path+".config.version", schema.ErrCodeValidation,
				"deploy node requires version >= 1")
		}
		if cfg.CanaryPct < 0 || cfg.CanaryPct > 1 {
			result.AddError(path+".config.canary_pct", schema.ErrCodeValidation,
				"canary_pct must be in [0, 1]")
		}

	case schema.NodeTypeRollback:
		var cfg schema.RollbackConfig
		if !decodeConfig(node, path, &cfg, result) {
			return
		}
		if cfg.RulesetID == "" {
			result.AddError(path+".config.ruleset_id", schema.ErrCodeValidation,
				"rollback node requires a ruleset_id")
		}
		if cfg.ToVersion < 1 {
			result.AddError(path+".config.to_version", schema.ErrCodeValidation,
				"rollback node requires to_version >= 1")
		}

	case schema.NodeTypeSimulate:
		var cfg schema.SimulateConfig
		if !decodeConfig(node, path, &cfg, result) {
			return
		}
		if cfg.RulesetID == "" {
			result.AddError(path+".config.ruleset_id", schema.ErrCodeValidation,
				"simulate node requires a ruleset_id")
		}
		if cfg.Version < 1 {
			result.AddError(path+".config.version", schema.ErrCodeValidation,
				"simulate node requires version >= 1")
		}
	}

	// Nested node lists are only meaningful on control nodes.
	switch node.Type {
	case schema.NodeTypeIfElse, schema.NodeTypeLoop, schema.NodeTypeParallel:
	default:
		if len(node.ThenNodes) > 0 || len(node.ElseNodes) > 0 ||
			len(node.LoopNodes) > 0 || len(node.ParallelNodes) > 0 {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("%s node must not carry nested node lists", node.Type))
		}
	}
}

// decodeConfig unmarshals a node's config block, recording an error on
// failure or absence.
func decodeConfig(node *schema.Node, path string, out any, result *schema.ValidationResult) bool {
	if len(node.Config) == 0 {
		result.AddError(path+".config", schema.ErrCodeValidation,
			fmt.Sprintf("%s node requires a config block", node.Type))
		return false
	}
	if err := json.Unmarshal(node.Config, out); err != nil {
		result.AddError(path+".config", schema.ErrCodeValidation,
			fmt.Sprintf("malformed %s config: %s", node.Type, err.Error()))
		return false
	}
	return true
}

// checkAction verifies an action name is present and registered.
func checkAction(name, path string, lookup ActionLookup, result *schema.ValidationResult) {
	if name == "" {
		result.AddError(path+".config.action", schema.ErrCodeValidation,
			"action name is required")
		return
	}
	if lookup != nil && !lookup.Has(name) {
		result.AddError(path+".config.action", schema.ErrCodeValidation,
			fmt.Sprintf("action %q not registered", name))
	}
}

// markUnreachable rejects nodes in a sequence that no execution path
// reaches. A node is reachable when it is first, when its predecessor
// falls through (declares no next), or when some sibling's next targets
// it. Compensation nodes referenced by a sibling's on_error are exempt;
// they fire through the failure path, not the chain.
func markUnreachable(nodes []schema.Node, path string, result *schema.ValidationResult) {
	if len(nodes) < 2 {
		return
	}

	targeted := make(map[string]bool)
	onError := make(map[string]bool)
	for _, n := range nodes {
		for _, next := range n.Next {
			targeted[next] = true
		}
		if n.OnError != "" {
			onError[n.OnError] = true
		}
	}

	for i := 1; i < len(nodes); i++ {
		if len(nodes[i-1].Next) == 0 || targeted[nodes[i].ID] {
			continue
		}
		if nodes[i].Type == schema.NodeTypeCompensation && onError[nodes[i].ID] {
			continue
		}
		result.AddError(fmt.Sprintf("%s[%d]", path, i), schema.ErrCodeValidation,
			fmt.Sprintf("node %q is unreachable", nodes[i].ID))
	}
}
