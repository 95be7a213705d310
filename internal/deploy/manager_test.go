package deploy

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triflow/triflow/internal/store"
	"github.com/triflow/triflow/pkg/schema"
)

const managerScript = `{
	"rules": [{"id": "r1", "when": "temperature > 80.0", "result": "warning", "confidence": 0.8}],
	"default_result": "normal",
	"default_confidence": 1.0
}`

func newTestManager(t *testing.T, versions int, opts ...ManagerOption) (*Manager, *store.MemStore) {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemStore()
	require.NoError(t, mem.CreateRuleset(ctx, &store.Ruleset{ID: "rs-1", Name: "temp-limits"}))
	for v := 1; v <= versions; v++ {
		require.NoError(t, mem.CreateRuleVersion(ctx, &store.RuleVersion{
			RulesetID: "rs-1", Version: v, Script: json.RawMessage(managerScript),
		}))
	}
	m := NewManager(mem, slog.Default(), opts...)
	require.NoError(t, m.Load(ctx))
	return m, mem
}

func TestManagerPromoteAndRoute(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 2)

	_, _, err := m.Route("rs-1", "line-1")
	assert.Equal(t, schema.ErrCodeDeployment, schema.ErrorCode(err))

	rec, err := m.Promote(ctx, "rs-1", 1, "qa-lead")
	require.NoError(t, err)
	assert.Equal(t, schema.DeploymentStatusActive, rec.Status)

	version, canary, err := m.Route("rs-1", "line-1")
	require.NoError(t, err)
	assert.Equal(t, 1, version)
	assert.False(t, canary)
}

func TestManagerPromoteUnknownVersion(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 1)

	_, err := m.Promote(ctx, "rs-1", 5, "qa-lead")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))

	_, err = m.Promote(ctx, "rs-1", 0, "qa-lead")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeDeployment, schema.ErrorCode(err))
}

func TestManagerCanaryLifecycle(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 2)

	// Canary before any active version is rejected.
	_, err := m.StartCanary(ctx, "rs-1", 2, 0.2, "qa-lead")
	assert.Equal(t, schema.ErrCodeDeployment, schema.ErrorCode(err))

	_, err = m.Promote(ctx, "rs-1", 1, "qa-lead")
	require.NoError(t, err)

	_, err = m.StartCanary(ctx, "rs-1", 2, 1.5, "qa-lead")
	assert.Equal(t, schema.ErrCodeDeployment, schema.ErrorCode(err))

	_, err = m.StartCanary(ctx, "rs-1", 1, 0.2, "qa-lead")
	assert.Equal(t, schema.ErrCodeDeployment, schema.ErrorCode(err), "canarying the active version")

	_, err = m.StartCanary(ctx, "rs-1", 2, 0.2, "qa-lead")
	require.NoError(t, err)

	route, ok := m.Status("rs-1")
	require.True(t, ok)
	assert.Equal(t, 1, route.ActiveVersion)
	assert.Equal(t, 2, route.CanaryVersion)
	assert.Equal(t, 0.2, route.CanaryPct)

	_, err = m.SetCanaryTraffic(ctx, "rs-1", 0.5)
	require.NoError(t, err)
	route, _ = m.Status("rs-1")
	assert.Equal(t, 0.5, route.CanaryPct)

	// Promotion ends the canary.
	_, err = m.Promote(ctx, "rs-1", 2, "qa-lead")
	require.NoError(t, err)
	route, _ = m.Status("rs-1")
	assert.Equal(t, 2, route.ActiveVersion)
	assert.False(t, route.HasCanary())

	_, err = m.SetCanaryTraffic(ctx, "rs-1", 0.5)
	assert.Equal(t, schema.ErrCodeDeployment, schema.ErrorCode(err))
}

func TestManagerRollback(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 3)

	_, err := m.Promote(ctx, "rs-1", 1, "qa")
	require.NoError(t, err)
	_, err = m.Promote(ctx, "rs-1", 2, "qa")
	require.NoError(t, err)
	_, err = m.StartCanary(ctx, "rs-1", 3, 0.1, "qa")
	require.NoError(t, err)

	rec, err := m.Rollback(ctx, "rs-1", 1, "defect spike on line 4")
	require.NoError(t, err)
	assert.Equal(t, schema.DeploymentStatusRolledBack, rec.Status)
	assert.Equal(t, 1, rec.RollbackTo)

	route, _ := m.Status("rs-1")
	assert.Equal(t, 1, route.ActiveVersion)
	assert.False(t, route.HasCanary())
}

func TestManagerHistoryIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 2)

	_, err := m.Promote(ctx, "rs-1", 1, "qa")
	require.NoError(t, err)
	_, err = m.StartCanary(ctx, "rs-1", 2, 0.2, "qa")
	require.NoError(t, err)
	_, err = m.Rollback(ctx, "rs-1", 1, "bad canary")
	require.NoError(t, err)

	history, err := m.History(ctx, "rs-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, schema.DeploymentStatusActive, history[0].Status)
	assert.Equal(t, schema.DeploymentStatusCanary, history[1].Status)
	assert.Equal(t, schema.DeploymentStatusRolledBack, history[2].Status)
	assert.Less(t, history[0].Seq, history[1].Seq)
	assert.Less(t, history[1].Seq, history[2].Seq)
}

func TestManagerOnChangeHook(t *testing.T) {
	ctx := context.Background()
	var changed []string
	m, _ := newTestManager(t, 1, OnChange(func(rulesetID string) {
		changed = append(changed, rulesetID)
	}))

	_, err := m.Promote(ctx, "rs-1", 1, "qa")
	require.NoError(t, err)
	assert.Equal(t, []string{"rs-1"}, changed)
}

type opRecorder struct {
	ops []string
}

func (r *opRecorder) ObserveDeployment(rulesetID, operation string) {
	r.ops = append(r.ops, operation)
}

func TestManagerReportsOperations(t *testing.T) {
	ctx := context.Background()
	rec := &opRecorder{}
	m, _ := newTestManager(t, 3, WithObserver(rec))

	_, err := m.SaveDraft(ctx, "rs-1", 2, "author")
	require.NoError(t, err)
	_, err = m.Promote(ctx, "rs-1", 1, "qa-lead")
	require.NoError(t, err)
	_, err = m.StartCanary(ctx, "rs-1", 2, 0.25, "qa-lead")
	require.NoError(t, err)
	_, err = m.SetCanaryTraffic(ctx, "rs-1", 0.5)
	require.NoError(t, err)
	_, err = m.Rollback(ctx, "rs-1", 1, "manual")
	require.NoError(t, err)

	assert.Equal(t, []string{"draft", "promote", "canary_start", "canary_traffic", "rollback"}, rec.ops)

	// Failed operations are not counted.
	_, err = m.Promote(ctx, "rs-1", 9, "qa-lead")
	require.Error(t, err)
	assert.Len(t, rec.ops, 5)
}
