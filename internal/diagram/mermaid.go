package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", model.Title))
	}

	for _, node := range model.Nodes {
		b.WriteString(fmt.Sprintf("    %s\n", mermaidNodeDef(node)))

		for _, sg := range node.Children {
			b.WriteString(fmt.Sprintf("    subgraph %s[\"%s: %s\"]\n",
				mermaidSafeID(node.ID+"_"+sg.Label), node.ID, sg.Label))
			for _, subNode := range sg.Nodes {
				b.WriteString(fmt.Sprintf("        %s\n", mermaidNodeDef(subNode)))
			}
			for _, edge := range sg.Edges {
				b.WriteString("        " + mermaidEdge(edge) + "\n")
			}
			b.WriteString("    end\n")
		}
	}

	for _, edge := range model.Edges {
		b.WriteString("    " + mermaidEdge(edge) + "\n")
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef waiting fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, node := range model.Nodes {
		writeStatusClass(&b, node)
		for _, sg := range node.Children {
			for _, subNode := range sg.Nodes {
				writeStatusClass(&b, subNode)
			}
		}
	}

	return b.String()
}

func writeStatusClass(b *strings.Builder, node *Node) {
	if node.Status == nil {
		return
	}
	if cls := mermaidStatusClass(node.Status.Status); cls != "" {
		b.WriteString(fmt.Sprintf("    class %s %s\n", mermaidSafeID(node.ID), cls))
	}
}

func mermaidEdge(edge Edge) string {
	label := ""
	if edge.Label != "" {
		label = fmt.Sprintf("|%s|", edge.Label)
	}
	arrow := "-->"
	if edge.Label == "on_error" {
		arrow = "-.->"
	}
	return fmt.Sprintf("%s %s%s %s", mermaidSafeID(edge.From), arrow, label, mermaidSafeID(edge.To))
}

// mermaidNodeDef returns a Mermaid node definition with a shape per kind.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := firstLine(node.Label)

	switch node.Kind {
	case NodeKindCondition, NodeKindBranch:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindJudgment, NodeKindSimulation:
		return fmt.Sprintf("%s{{%q}}", id, label)
	case NodeKindWait, NodeKindApproval:
		return fmt.Sprintf("%s([%q])", id, label)
	case NodeKindParallel, NodeKindLoop:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case NodeKindDeployment, NodeKindRollback:
		return fmt.Sprintf("%s[/%q/]", id, label)
	case NodeKindCompensation:
		return fmt.Sprintf("%s[\\%q\\]", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	default: // action
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

// mermaidStatusClass maps a schema.NodeStatus string to a class name.
func mermaidStatusClass(status string) string {
	switch status {
	case "completed":
		return "completed"
	case "failed":
		return "failed"
	case "running", "retrying":
		return "running"
	case "waiting":
		return "waiting"
	case "pending":
		return "pending"
	case "skipped":
		return "skipped"
	default:
		return ""
	}
}
