package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triflow/triflow/internal/store"
	"github.com/triflow/triflow/pkg/schema"
)

type fakeStarter struct {
	mu     sync.Mutex
	starts []startCall
	live   map[string]bool
	err    error
}

type startCall struct {
	workflowID string
	input      map[string]any
	tenantID   string
}

func (f *fakeStarter) Start(ctx context.Context, workflowID string, input map[string]any, tenantID string) (*store.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.starts = append(f.starts, startCall{workflowID, input, tenantID})
	return &store.Instance{ID: "inst-" + workflowID, WorkflowID: workflowID}, nil
}

func (f *fakeStarter) IsLive(instanceID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[instanceID]
}

func (f *fakeStarter) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func newTestScheduler(t *testing.T) (*Scheduler, *store.MemStore, *fakeStarter) {
	t.Helper()
	mem := store.NewMemStore()
	starter := &fakeStarter{live: make(map[string]bool)}
	sched := NewScheduler(mem, starter, slog.Default())
	return sched, mem, starter
}

func putScheduledWorkflow(t *testing.T, mem *store.MemStore, id, cronExpr, tenantID string) {
	t.Helper()
	cfg, err := json.Marshal(schema.ScheduleTriggerConfig{Cron: cronExpr})
	require.NoError(t, err)
	wf := &store.Workflow{
		ID:       id,
		Name:     id,
		Version:  1,
		TenantID: tenantID,
		Active:   true,
		Definition: schema.WorkflowDefinition{
			ID:      id,
			Name:    id,
			Version: 1,
			Active:  true,
			Trigger: &schema.Trigger{Type: "schedule", Config: cfg},
			Nodes: []schema.Node{
				{ID: "noop", Type: schema.NodeTypeAction, Config: json.RawMessage(`{"action":"log_event"}`)},
			},
		},
	}
	require.NoError(t, mem.PutWorkflow(context.Background(), wf))
}

func TestSchedulerFirstSightingDoesNotFire(t *testing.T) {
	sched, mem, starter := newTestScheduler(t)
	putScheduledWorkflow(t, mem, "wf-cron", "* * * * *", "acme")

	sched.Tick(context.Background())

	assert.Zero(t, starter.startCount())
	sched.nextMu.Lock()
	next, seen := sched.nextRuns["wf-cron"]
	sched.nextMu.Unlock()
	require.True(t, seen)
	assert.True(t, next.After(time.Now().UTC().Add(-time.Second)))
}

func TestSchedulerFiresDueWorkflow(t *testing.T) {
	sched, mem, starter := newTestScheduler(t)
	putScheduledWorkflow(t, mem, "wf-cron", "* * * * *", "acme")

	ctx := context.Background()
	sched.Tick(ctx)

	// Advance the clock past the recorded next fire time.
	sched.nextMu.Lock()
	next := sched.nextRuns["wf-cron"]
	sched.nextMu.Unlock()
	sched.now = func() time.Time { return next.Add(time.Second) }

	sched.Tick(ctx)

	require.Equal(t, 1, starter.startCount())
	call := starter.starts[0]
	assert.Equal(t, "wf-cron", call.workflowID)
	assert.Equal(t, "acme", call.tenantID)
	assert.Equal(t, "schedule", call.input["trigger"])
	assert.Equal(t, next.Format(time.RFC3339), call.input["scheduled_at"])

	// Next fire moves forward; ticking again at the same time stays quiet.
	sched.Tick(ctx)
	assert.Equal(t, 1, starter.startCount())
}

func TestSchedulerSkipsWhilePreviousRunLive(t *testing.T) {
	sched, mem, starter := newTestScheduler(t)
	putScheduledWorkflow(t, mem, "wf-cron", "* * * * *", "acme")

	ctx := context.Background()
	sched.Tick(ctx)

	fireAfter := func() {
		sched.nextMu.Lock()
		next := sched.nextRuns["wf-cron"]
		sched.nextMu.Unlock()
		sched.now = func() time.Time { return next.Add(time.Second) }
		sched.Tick(ctx)
	}

	fireAfter()
	require.Equal(t, 1, starter.startCount())

	// The previous scheduled instance is still running at the next slot.
	starter.live["inst-wf-cron"] = true
	fireAfter()
	assert.Equal(t, 1, starter.startCount())

	starter.live["inst-wf-cron"] = false
	fireAfter()
	assert.Equal(t, 2, starter.startCount())
}

func TestSchedulerIgnoresManualAndInvalidTriggers(t *testing.T) {
	sched, mem, starter := newTestScheduler(t)

	manual := &store.Workflow{
		ID: "wf-manual", Name: "wf-manual", Version: 1, Active: true,
		Definition: schema.WorkflowDefinition{
			ID: "wf-manual", Name: "wf-manual", Version: 1, Active: true,
			Trigger: &schema.Trigger{Type: "manual"},
			Nodes:   []schema.Node{{ID: "n", Type: schema.NodeTypeAction, Config: json.RawMessage(`{"action":"log_event"}`)}},
		},
	}
	require.NoError(t, mem.PutWorkflow(context.Background(), manual))
	putScheduledWorkflow(t, mem, "wf-bad-cron", "not a cron", "acme")

	sched.Tick(context.Background())
	sched.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	sched.Tick(context.Background())

	assert.Zero(t, starter.startCount())
	sched.nextMu.Lock()
	_, seen := sched.nextRuns["wf-manual"]
	sched.nextMu.Unlock()
	assert.False(t, seen)
}

func TestSweepTimesOutStaleApproval(t *testing.T) {
	sched, mem, starter := newTestScheduler(t)
	ctx := context.Background()

	inst := &store.Instance{
		ID:         "inst-1",
		WorkflowID: "wf-1",
		TenantID:   "acme",
		Status:     schema.InstanceStatusWaiting,
	}
	require.NoError(t, mem.CreateInstance(ctx, inst))
	require.NoError(t, mem.CreateApproval(ctx, &store.ApprovalRequest{
		ID:         "ap-1",
		InstanceID: "inst-1",
		NodeID:     "gate",
		Status:     store.ApprovalStatusPending,
		DeadlineAt: time.Now().UTC().Add(-time.Hour),
	}))
	_ = starter

	sched.Tick(ctx)

	ap, err := mem.GetApproval(ctx, "ap-1")
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalStatusTimedOut, ap.Status)
	assert.Equal(t, "system", ap.ResolvedBy)

	got, err := mem.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusTimeout, got.Status)
	assert.Equal(t, "approval_timeout", got.LastError)
	require.NotNil(t, got.CompletedAt)

	events, err := mem.GetEvents(ctx, "inst-1", 0)
	require.NoError(t, err)
	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, schema.EventApprovalTimedOut)
	assert.Contains(t, types, schema.EventInstanceTimedOut)
}

func TestSweepSkipsLiveInstances(t *testing.T) {
	sched, mem, starter := newTestScheduler(t)
	ctx := context.Background()

	inst := &store.Instance{
		ID:         "inst-live",
		WorkflowID: "wf-1",
		Status:     schema.InstanceStatusWaiting,
	}
	require.NoError(t, mem.CreateInstance(ctx, inst))
	require.NoError(t, mem.CreateApproval(ctx, &store.ApprovalRequest{
		ID:         "ap-live",
		InstanceID: "inst-live",
		NodeID:     "gate",
		Status:     store.ApprovalStatusPending,
		DeadlineAt: time.Now().UTC().Add(-time.Hour),
	}))
	starter.live["inst-live"] = true

	sched.Tick(ctx)

	ap, err := mem.GetApproval(ctx, "ap-live")
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalStatusPending, ap.Status)

	got, err := mem.GetInstance(ctx, "inst-live")
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusWaiting, got.Status)
}

func TestSchedulerStartStop(t *testing.T) {
	sched, _, _ := newTestScheduler(t)
	sched.interval = 10 * time.Millisecond

	require.NoError(t, sched.Start(context.Background()))
	assert.Error(t, sched.Start(context.Background()))

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
}

func TestNextRun(t *testing.T) {
	sched, _, _ := newTestScheduler(t)

	from := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	next, err := sched.NextRun("0 12 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), next)

	_, err = sched.NextRun("bogus", from)
	assert.Error(t, err)
}
