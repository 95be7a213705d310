package diagram

import (
	"encoding/json"
	"fmt"

	"github.com/triflow/triflow/internal/store"
	"github.com/triflow/triflow/pkg/schema"
)

// Build constructs a DiagramModel from a WorkflowDefinition and optional
// node traces. The main chain follows definition order with next overrides;
// control nodes carry their nested node lists as subgraphs. Compensation
// nodes sit off the main chain, linked from the nodes naming them in
// on_error.
func Build(def *schema.WorkflowDefinition, traces []*store.NodeTrace) (*DiagramModel, error) {
	if len(def.Nodes) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %q has no nodes", def.ID)
	}

	traceMap := make(map[string]*store.NodeTrace, len(traces))
	for _, tr := range traces {
		traceMap[tr.NodeID] = tr
	}

	index := make(map[string]int, len(def.Nodes))
	for i := range def.Nodes {
		index[def.Nodes[i].ID] = i
	}

	nodes := make([]*Node, 0, len(def.Nodes)+2)
	levels := make([][]string, 0, len(def.Nodes)+2)
	var edges []Edge

	start := &Node{ID: "__start__", Label: "Start", Kind: NodeKindStart}
	nodes = append(nodes, start)
	levels = append(levels, []string{start.ID})

	// Walk the main chain the way the interpreter does: definition order
	// with next[0] jumps, stopping on revisit.
	visited := make(map[string]bool, len(def.Nodes))
	prevID := start.ID
	var compensations []*Node
	for i := 0; i >= 0 && i < len(def.Nodes); {
		wn := &def.Nodes[i]
		if visited[wn.ID] {
			break
		}
		visited[wn.ID] = true

		if wn.Type == schema.NodeTypeCompensation {
			i++
			continue
		}

		node := toNode(wn, traceMap)
		nodes = append(nodes, node)
		levels = append(levels, []string{node.ID})
		edges = append(edges, Edge{From: prevID, To: node.ID})
		prevID = node.ID

		if wn.OnError != "" {
			if j, ok := index[wn.OnError]; ok {
				comp := toNode(&def.Nodes[j], traceMap)
				compensations = append(compensations, comp)
				edges = append(edges, Edge{From: node.ID, To: comp.ID, Label: "on_error"})
			}
		}

		if len(wn.Next) > 0 {
			j, ok := index[wn.Next[0]]
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"node %q jumps to unknown node %q", wn.ID, wn.Next[0])
			}
			i = j
			continue
		}
		i++
	}

	end := &Node{ID: "__end__", Label: "End", Kind: NodeKindEnd}
	nodes = append(nodes, end)
	edges = append(edges, Edge{From: prevID, To: end.ID})
	levels = append(levels, []string{end.ID})

	// Compensation handlers render after the main chain, in their own row.
	if len(compensations) > 0 {
		row := make([]string, 0, len(compensations))
		for _, c := range compensations {
			nodes = append(nodes, c)
			row = append(row, c.ID)
		}
		levels = append(levels, row)
	}

	return &DiagramModel{
		Title:  title(def),
		Nodes:  nodes,
		Edges:  edges,
		Levels: levels,
	}, nil
}

func title(def *schema.WorkflowDefinition) string {
	name := def.Name
	if name == "" {
		name = def.ID
	}
	if def.Version > 0 {
		return fmt.Sprintf("%s (v%d)", name, def.Version)
	}
	return name
}

func toNode(wn *schema.Node, traceMap map[string]*store.NodeTrace) *Node {
	node := &Node{
		ID:    wn.ID,
		Label: nodeLabel(wn),
		Kind:  typeToKind(wn.Type),
	}
	overlayStatus(node, traceMap)

	switch wn.Type {
	case schema.NodeTypeIfElse:
		if len(wn.ThenNodes) > 0 {
			node.Children = append(node.Children, subGraph("then", wn.ThenNodes, traceMap))
		}
		if len(wn.ElseNodes) > 0 {
			node.Children = append(node.Children, subGraph("else", wn.ElseNodes, traceMap))
		}
	case schema.NodeTypeLoop:
		if len(wn.LoopNodes) > 0 {
			node.Children = append(node.Children, subGraph("body", wn.LoopNodes, traceMap))
		}
	case schema.NodeTypeParallel:
		for bi, branch := range wn.ParallelNodes {
			node.Children = append(node.Children,
				subGraph(fmt.Sprintf("branch %d", bi), branch, traceMap))
		}
	}
	return node
}

func subGraph(label string, wns []schema.Node, traceMap map[string]*store.NodeTrace) *SubGraph {
	sg := &SubGraph{Label: label}
	for i := range wns {
		sg.Nodes = append(sg.Nodes, toNode(&wns[i], traceMap))
		if i > 0 {
			sg.Edges = append(sg.Edges, Edge{From: wns[i-1].ID, To: wns[i].ID})
		}
	}
	return sg
}

func overlayStatus(node *Node, traceMap map[string]*store.NodeTrace) {
	tr, ok := traceMap[node.ID]
	if !ok {
		return
	}
	overlay := &StatusOverlay{
		Status:     string(tr.Status),
		DurationMs: tr.DurationMs,
		RetryCount: tr.RetryCount,
	}
	if len(tr.Error) > 0 {
		var e struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(tr.Error, &e) == nil {
			overlay.Error = e.Message
		}
	}
	node.Status = overlay
}

// nodeLabel builds a two-line label: the node ID, then a type-specific
// detail pulled from config.
func nodeLabel(wn *schema.Node) string {
	detail := configDetail(wn)
	if detail == "" {
		return wn.ID
	}
	return wn.ID + "\n" + detail
}

func configDetail(wn *schema.Node) string {
	switch wn.Type {
	case schema.NodeTypeAction:
		var cfg schema.ActionConfig
		if json.Unmarshal(wn.Config, &cfg) == nil && cfg.Action != "" {
			return cfg.Action
		}
	case schema.NodeTypeCondition:
		var cfg schema.ConditionConfig
		if json.Unmarshal(wn.Config, &cfg) == nil && cfg.Expression != "" {
			return truncateLabel(cfg.Expression, 40)
		}
	case schema.NodeTypeIfElse:
		var cfg schema.IfElseConfig
		if json.Unmarshal(wn.Config, &cfg) == nil && cfg.Condition != "" {
			return truncateLabel(cfg.Condition, 40)
		}
	case schema.NodeTypeJudgment:
		var cfg schema.JudgmentConfig
		if json.Unmarshal(wn.Config, &cfg) == nil && cfg.RulesetID != "" {
			return cfg.RulesetID
		}
	case schema.NodeTypeDeploy, schema.NodeTypeRollback:
		var cfg struct {
			RulesetID string `json:"ruleset_id"`
		}
		if json.Unmarshal(wn.Config, &cfg) == nil && cfg.RulesetID != "" {
			return cfg.RulesetID
		}
	}
	return ""
}

func truncateLabel(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func typeToKind(t schema.NodeType) NodeKind {
	switch t {
	case schema.NodeTypeCondition:
		return NodeKindCondition
	case schema.NodeTypeIfElse:
		return NodeKindBranch
	case schema.NodeTypeLoop:
		return NodeKindLoop
	case schema.NodeTypeParallel:
		return NodeKindParallel
	case schema.NodeTypeWait:
		return NodeKindWait
	case schema.NodeTypeApproval:
		return NodeKindApproval
	case schema.NodeTypeJudgment:
		return NodeKindJudgment
	case schema.NodeTypeSimulate:
		return NodeKindSimulation
	case schema.NodeTypeDeploy:
		return NodeKindDeployment
	case schema.NodeTypeRollback:
		return NodeKindRollback
	case schema.NodeTypeCompensation:
		return NodeKindCompensation
	default:
		return NodeKindAction
	}
}
