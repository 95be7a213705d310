package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triflow/triflow/pkg/schema"
)

func TestCELEngine_Evaluate(t *testing.T) {
	engine, err := NewCELEngine()
	require.NoError(t, err)

	ctx := context.Background()

	tests := []struct {
		name       string
		expression string
		data       map[string]any
		want       any
	}{
		{
			name:       "numeric comparison on context variable",
			expression: "temperature > 80.0",
			data:       map[string]any{"temperature": 90.5},
			want:       true,
		},
		{
			name:       "numeric comparison false",
			expression: "temperature > 80.0",
			data:       map[string]any{"temperature": 50.0},
			want:       false,
		},
		{
			name:       "string equality",
			expression: "line == 'assembly-3'",
			data:       map[string]any{"line": "assembly-3"},
			want:       true,
		},
		{
			name:       "boolean logic across variables",
			expression: "pressure < 2.5 && vibration_ok",
			data:       map[string]any{"pressure": 1.8, "vibration_ok": true},
			want:       true,
		},
		{
			name:       "nested map access",
			expression: "sensor.reading > 10.0",
			data:       map[string]any{"sensor": map[string]any{"reading": 12.0}},
			want:       true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.Evaluate(ctx, tt.expression, tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCELEngine_EvaluateBool_NonBool(t *testing.T) {
	engine, err := NewCELEngine()
	require.NoError(t, err)

	_, err = engine.EvaluateBool(context.Background(), "temperature + 1.0", map[string]any{"temperature": 1.0})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestCELEngine_Evaluate_ParseError(t *testing.T) {
	engine, err := NewCELEngine()
	require.NoError(t, err)

	_, err = engine.Evaluate(context.Background(), "temperature >>> 80", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestCELEngine_Evaluate_MissingVariable(t *testing.T) {
	engine, err := NewCELEngine()
	require.NoError(t, err)

	_, err = engine.Evaluate(context.Background(), "not_set > 1", map[string]any{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNodeExecution, schema.ErrorCode(err))
}

func TestCELEngine_Evaluate_EmptyExpression(t *testing.T) {
	engine, err := NewCELEngine()
	require.NoError(t, err)

	_, err = engine.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestCELEngine_ProgramCacheReuse(t *testing.T) {
	engine, err := NewCELEngine()
	require.NoError(t, err)

	ctx := context.Background()
	const expression = "count >= 3"

	for i := 0; i < 5; i++ {
		got, err := engine.Evaluate(ctx, expression, map[string]any{"count": i})
		require.NoError(t, err)
		assert.Equal(t, i >= 3, got)
	}

	engine.mu.RLock()
	defer engine.mu.RUnlock()
	assert.Len(t, engine.cache, 1)
}
