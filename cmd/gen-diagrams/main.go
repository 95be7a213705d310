// gen-diagrams generates sample diagram outputs for README documentation.
// Run: go run ./cmd/gen-diagrams
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/triflow/triflow/internal/diagram"
	"github.com/triflow/triflow/internal/store"
	"github.com/triflow/triflow/pkg/schema"
)

func main() {
	def := &schema.WorkflowDefinition{
		ID:      "overheat-response",
		Name:    "Overheat Response",
		Version: 2,
		Nodes: []schema.Node{
			{ID: "read-sensors", Type: schema.NodeTypeAction,
				Config: mustJSON(schema.ActionConfig{
					Action: "http.request",
					Params: map[string]any{"url": "https://mes.local/lines/{{line_id}}/sensors"},
				})},
			{ID: "classify", Type: schema.NodeTypeJudgment,
				Config: mustJSON(schema.JudgmentConfig{RulesetID: "temperature-rules"})},
			{ID: "route", Type: schema.NodeTypeIfElse,
				Config: mustJSON(schema.IfElseConfig{Condition: `judgment.result == "critical"`}),
				ThenNodes: []schema.Node{
					{ID: "halt-line", Type: schema.NodeTypeAction,
						Config:  mustJSON(schema.ActionConfig{Action: "stop_production_line"}),
						OnError: "reopen-line"},
					{ID: "page-oncall", Type: schema.NodeTypeAction,
						Config: mustJSON(schema.ActionConfig{Action: "send_sms"})},
				},
				ElseNodes: []schema.Node{
					{ID: "record", Type: schema.NodeTypeAction,
						Config: mustJSON(schema.ActionConfig{Action: "record_measurement"})},
				},
			},
			{ID: "confirm", Type: schema.NodeTypeApproval,
				Config: mustJSON(schema.ApprovalConfig{Approvers: []string{"shift-lead"}})},
			{ID: "notify", Type: schema.NodeTypeAction,
				Config: mustJSON(schema.ActionConfig{Action: "send_slack_notification"})},
			{ID: "reopen-line", Type: schema.NodeTypeCompensation,
				Config: mustJSON(map[string]any{"action": "log_event"})},
		},
	}

	// A mid-flight instance, for the status overlay sample.
	traces := []*store.NodeTrace{
		{NodeID: "read-sensors", Status: schema.NodeStatusCompleted, DurationMs: 42},
		{NodeID: "classify", Status: schema.NodeStatusCompleted, DurationMs: 3},
		{NodeID: "route", Status: schema.NodeStatusCompleted},
		{NodeID: "halt-line", Status: schema.NodeStatusCompleted, DurationMs: 180},
		{NodeID: "page-oncall", Status: schema.NodeStatusFailed, RetryCount: 2,
			Error: json.RawMessage(`{"code":"NODE_EXECUTION_ERROR","message":"sms gateway unreachable"}`)},
		{NodeID: "confirm", Status: schema.NodeStatusWaiting},
	}

	outDir := filepath.Join("docs", "diagrams")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		fatalf("create %s: %v", outDir, err)
	}

	plain, err := diagram.Build(def, nil)
	if err != nil {
		fatalf("build definition diagram: %v", err)
	}
	live, err := diagram.Build(def, traces)
	if err != nil {
		fatalf("build instance diagram: %v", err)
	}

	outputs := map[string]string{
		"workflow.mmd": diagram.RenderMermaid(plain),
		"workflow.txt": diagram.RenderASCII(plain),
		"instance.mmd": diagram.RenderMermaid(live),
		"instance.txt": diagram.RenderASCII(live),
	}
	for name, content := range outputs {
		path := filepath.Join(outDir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			fatalf("write %s: %v", path, err)
		}
		fmt.Println("wrote", path)
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "gen-diagrams: "+format+"\n", args...)
	os.Exit(1)
}
