package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.NoError(t, r.ToError())
}

func TestValidationResult_IssuesKeepEmissionOrder(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("nodes[0].retry.max", ErrCodeValidation, "high retry count")
	r.AddError("nodes[1].config.action", ErrCodeValidation, "action not found")
	r.AddError("nodes[2].next[0]", ErrCodeValidation, "unknown node")

	assert.False(t, r.Valid())
	require.Len(t, r.Issues, 3)
	assert.Equal(t, SeverityWarning, r.Issues[0].Severity)

	errs := r.Errors()
	require.Len(t, errs, 2)
	assert.Equal(t, "nodes[1].config.action", errs[0].Path)
	assert.Equal(t, "nodes[2].next[0]", errs[1].Path)

	warns := r.Warnings()
	require.Len(t, warns, 1)
	assert.Equal(t, "nodes[0].retry.max", warns[0].Path)
}

func TestValidationResult_WarningsAloneStayValid(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("nodes[1].retry.max", ErrCodeValidation, "high retry count")

	assert.True(t, r.Valid())
	assert.NoError(t, r.ToError())
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("/", ErrCodeValidation, "definition id missing")

	r2 := &ValidationResult{}
	r2.AddWarning("nodes[0]", ErrCodeValidation, "node never referenced")
	r2.AddError("nodes[1]", ErrCodeValidation, "duplicate node id")

	r1.Merge(r2)
	r1.Merge(nil)

	assert.Len(t, r1.Issues, 3)
	assert.Len(t, r1.Errors(), 2)
}

func TestValidationResult_ToErrorNamesFirstIssue(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("nodes[3].config.condition", ErrCodeValidation, "expression does not parse")

	err := r.ToError()
	require.Error(t, err)
	assert.Equal(t, ErrCodeValidation, ErrorCode(err))
	assert.Contains(t, err.Error(), "nodes[3].config.condition")

	r.AddError("nodes[4].id", ErrCodeValidation, "node id is empty")
	err = r.ToError()
	assert.Contains(t, err.Error(), "validation failed with 2 errors")
}
