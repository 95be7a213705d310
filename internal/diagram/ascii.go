package diagram

import (
	"fmt"
	"strings"
)

// statusTag returns a short ASCII indicator for a node status.
func statusTag(status string) string {
	switch status {
	case "completed":
		return "[OK]"
	case "failed":
		return "[FAIL]"
	case "running":
		return "[RUN]"
	case "waiting":
		return "[WAIT]"
	case "skipped":
		return "[SKIP]"
	case "pending":
		return "[PEND]"
	case "retrying":
		return "[RETRY]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as a text diagram, one level per row,
// using box-drawing characters. Suited for terminal inspection of an
// instance's progress.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		b.WriteString(fmt.Sprintf("=== %s ===\n\n", model.Title))
	}

	for levelIdx, level := range model.Levels {
		var boxes []asciiBox
		for _, nodeID := range level {
			node := findNode(model.Nodes, nodeID)
			if node == nil {
				continue
			}
			boxes = append(boxes, makeBox(node))
		}
		renderBoxRow(&b, boxes)

		if levelIdx < len(model.Levels)-1 {
			renderConnector(&b, len(boxes))
		}
	}

	for _, node := range model.Nodes {
		if len(node.Children) > 0 {
			b.WriteString(fmt.Sprintf("\n--- %s branches ---\n", node.ID))
			for _, sg := range node.Children {
				renderSubGraph(&b, sg)
			}
		}
	}

	return b.String()
}

type asciiBox struct {
	lines []string
	width int
}

func makeBox(node *Node) asciiBox {
	var contentLines []string

	contentLines = append(contentLines, firstLine(node.Label))
	if kind := kindTag(node.Kind); kind != "" {
		contentLines = append(contentLines, kind)
	}
	if node.Status != nil {
		if tag := statusTag(node.Status.Status); tag != "" {
			line := tag
			if node.Status.RetryCount > 0 {
				line += fmt.Sprintf(" x%d", node.Status.RetryCount+1)
			}
			contentLines = append(contentLines, line)
		}
		if node.Status.DurationMs > 0 {
			contentLines = append(contentLines, fmt.Sprintf("%dms", node.Status.DurationMs))
		}
	}

	maxLen := 0
	for _, line := range contentLines {
		if len(line) > maxLen {
			maxLen = len(line)
		}
	}
	width := maxLen + 4 // 2 border + 2 padding

	var lines []string
	lines = append(lines, "┌"+strings.Repeat("─", width-2)+"┐")
	for _, content := range contentLines {
		padded := content + strings.Repeat(" ", maxLen-len(content))
		lines = append(lines, "│ "+padded+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width-2)+"┘")

	return asciiBox{lines: lines, width: width}
}

// kindTag labels non-action nodes so the box reads without color.
func kindTag(kind NodeKind) string {
	switch kind {
	case NodeKindAction, NodeKindStart, NodeKindEnd:
		return ""
	default:
		return "<" + string(kind) + ">"
	}
}

func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}

func renderBoxRow(b *strings.Builder, boxes []asciiBox) {
	if len(boxes) == 0 {
		return
	}

	maxHeight := 0
	for _, box := range boxes {
		if len(box.lines) > maxHeight {
			maxHeight = len(box.lines)
		}
	}

	for row := 0; row < maxHeight; row++ {
		for i, box := range boxes {
			if i > 0 {
				b.WriteString("  ")
			}
			if row < len(box.lines) {
				b.WriteString(box.lines[row])
			} else {
				b.WriteString(strings.Repeat(" ", box.width))
			}
		}
		b.WriteByte('\n')
	}
}

func renderConnector(b *strings.Builder, boxCount int) {
	if boxCount == 0 {
		return
	}
	b.WriteString("       │\n")
	b.WriteString("       ▼\n")
}

func renderSubGraph(b *strings.Builder, sg *SubGraph) {
	b.WriteString(fmt.Sprintf("  [%s]\n", sg.Label))
	for _, node := range sg.Nodes {
		tag := ""
		if node.Status != nil {
			tag = " " + statusTag(node.Status.Status)
		}
		b.WriteString(fmt.Sprintf("    %s%s\n", firstLine(node.Label), tag))
	}
	for _, edge := range sg.Edges {
		b.WriteString(fmt.Sprintf("    %s ─→ %s\n", edge.From, edge.To))
	}
}

func findNode(nodes []*Node, id string) *Node {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
