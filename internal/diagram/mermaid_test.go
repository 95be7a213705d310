package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triflow/triflow/internal/store"
	"github.com/triflow/triflow/pkg/schema"
)

func TestRenderMermaidShapes(t *testing.T) {
	model, err := Build(sampleDefinition(t), nil)
	require.NoError(t, err)

	out := RenderMermaid(model)

	assert.Contains(t, out, "graph TD")
	assert.Contains(t, out, "%% Line QA (v3)")
	assert.Contains(t, out, `read_sensors["read-sensors"]`)
	assert.Contains(t, out, `classify{{"classify"}}`)
	assert.Contains(t, out, `route{"route"}`)
	assert.Contains(t, out, `__start__(("Start"))`)

	// if_else branches come out as subgraphs.
	assert.Contains(t, out, `subgraph route_then["route: then"]`)
	assert.Contains(t, out, `subgraph route_else["route: else"]`)

	// on_error links render dashed.
	assert.Contains(t, out, "notify -.->|on_error| undo_halt")
}

func TestRenderMermaidStatusClasses(t *testing.T) {
	traces := []*store.NodeTrace{
		{NodeID: "read-sensors", Status: schema.NodeStatusCompleted},
		{NodeID: "classify", Status: schema.NodeStatusWaiting},
	}
	model, err := Build(sampleDefinition(t), traces)
	require.NoError(t, err)

	out := RenderMermaid(model)
	assert.Contains(t, out, "class read_sensors completed")
	assert.Contains(t, out, "class classify waiting")
	assert.NotContains(t, out, "class route ")
}
