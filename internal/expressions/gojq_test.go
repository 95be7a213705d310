package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triflow/triflow/pkg/schema"
)

func TestGoJQEngine_Evaluate(t *testing.T) {
	engine := NewGoJQEngine()
	ctx := context.Background()

	t.Run("field projection", func(t *testing.T) {
		got, err := engine.Evaluate(ctx, ".measurements | map(.value)", map[string]any{
			"measurements": []any{
				map[string]any{"value": 1.5},
				map[string]any{"value": 2.5},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, []any{1.5, 2.5}, got)
	})

	t.Run("aggregation", func(t *testing.T) {
		got, err := engine.Evaluate(ctx, "[.readings[]] | add / length", map[string]any{
			"readings": []any{10.0, 20.0, 30.0},
		})
		require.NoError(t, err)
		assert.Equal(t, 20.0, got)
	})

	t.Run("integer inputs are widened", func(t *testing.T) {
		got, err := engine.Evaluate(ctx, ".count * 2", map[string]any{"count": 3})
		require.NoError(t, err)
		assert.Equal(t, 6.0, got)
	})

	t.Run("multiple outputs collected", func(t *testing.T) {
		got, err := engine.Evaluate(ctx, ".items[]", map[string]any{
			"items": []any{"a", "b"},
		})
		require.NoError(t, err)
		assert.Equal(t, []any{"a", "b"}, got)
	})

	t.Run("env access is sandboxed", func(t *testing.T) {
		got, err := engine.Evaluate(ctx, "env | length", map[string]any{})
		require.NoError(t, err)
		assert.Equal(t, 0, got)
	})
}

func TestGoJQEngine_Evaluate_ParseError(t *testing.T) {
	engine := NewGoJQEngine()

	_, err := engine.Evaluate(context.Background(), ".[ |", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestGoJQEngine_Evaluate_RuntimeError(t *testing.T) {
	engine := NewGoJQEngine()

	_, err := engine.Evaluate(context.Background(), ".value + 1", map[string]any{"value": "text"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNodeExecution, schema.ErrorCode(err))
}
