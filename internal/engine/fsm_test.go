package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triflow/triflow/internal/store"
	"github.com/triflow/triflow/pkg/schema"
)

func newTestFSM(t *testing.T) (*InstanceFSM, *store.MemStore) {
	t.Helper()
	mem := store.NewMemStore()
	return NewInstanceFSM(store.NewEventLog(mem)), mem
}

func seedInstance(t *testing.T, mem *store.MemStore, status schema.InstanceStatus) *store.Instance {
	t.Helper()
	inst := &store.Instance{ID: "inst-1", WorkflowID: "wf-1", Status: status}
	require.NoError(t, mem.CreateInstance(context.Background(), inst))
	return inst
}

func TestTransitionHappyPath(t *testing.T) {
	fsm, mem := newTestFSM(t)
	inst := seedInstance(t, mem, schema.InstanceStatusPending)

	require.NoError(t, fsm.Transition(context.Background(), inst, schema.InstanceStatusRunning))
	assert.Equal(t, schema.InstanceStatusRunning, inst.Status)

	require.NoError(t, fsm.Transition(context.Background(), inst, schema.InstanceStatusCompleted))
	assert.Equal(t, schema.InstanceStatusCompleted, inst.Status)
}

func TestTransitionRejectsInvalidMoves(t *testing.T) {
	fsm, mem := newTestFSM(t)

	cases := []struct {
		from, to schema.InstanceStatus
	}{
		{schema.InstanceStatusPending, schema.InstanceStatusCompleted},
		{schema.InstanceStatusPending, schema.InstanceStatusWaiting},
		{schema.InstanceStatusCompleted, schema.InstanceStatusRunning},
		{schema.InstanceStatusFailed, schema.InstanceStatusRunning},
		{schema.InstanceStatusCancelled, schema.InstanceStatusRunning},
		{schema.InstanceStatusTimeout, schema.InstanceStatusRunning},
		{schema.InstanceStatusWaiting, schema.InstanceStatusCompleted},
	}
	for _, tc := range cases {
		inst := &store.Instance{ID: "inst-x", Status: tc.from}
		err := fsm.Transition(context.Background(), inst, tc.to)
		require.Error(t, err, "%s -> %s must be rejected", tc.from, tc.to)
		assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(err))
		assert.Equal(t, tc.from, inst.Status, "status must not change on rejection")
	}
	_ = mem
}

func TestTransitionEmitsLifecycleEvents(t *testing.T) {
	fsm, mem := newTestFSM(t)
	inst := seedInstance(t, mem, schema.InstanceStatusPending)

	ctx := context.Background()
	require.NoError(t, fsm.Transition(ctx, inst, schema.InstanceStatusRunning))
	require.NoError(t, fsm.Transition(ctx, inst, schema.InstanceStatusWaiting))
	require.NoError(t, fsm.Transition(ctx, inst, schema.InstanceStatusRunning))
	require.NoError(t, fsm.Transition(ctx, inst, schema.InstanceStatusCompleted))

	events, err := mem.GetEvents(ctx, inst.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, schema.EventInstanceStarted, events[0].Type)
	assert.Equal(t, schema.EventInstanceWaiting, events[1].Type)
	assert.Equal(t, schema.EventInstanceResumed, events[2].Type, "waiting -> running is a resume")
	assert.Equal(t, schema.EventInstanceCompleted, events[3].Type)
}

func TestTransitionHooks(t *testing.T) {
	fsm, mem := newTestFSM(t)
	inst := seedInstance(t, mem, schema.InstanceStatusPending)

	var calls []string
	fsm.OnBefore(schema.InstanceStatusPending, schema.InstanceStatusRunning, func(from, to schema.InstanceStatus) error {
		calls = append(calls, "before")
		return nil
	})
	fsm.OnAfter(schema.InstanceStatusPending, schema.InstanceStatusRunning, func(from, to schema.InstanceStatus) error {
		calls = append(calls, "after")
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), inst, schema.InstanceStatusRunning))
	assert.Equal(t, []string{"before", "after"}, calls)
}

func TestTransitionBeforeHookAborts(t *testing.T) {
	fsm, mem := newTestFSM(t)
	inst := seedInstance(t, mem, schema.InstanceStatusRunning)

	fsm.OnBefore(schema.InstanceStatusRunning, schema.InstanceStatusCompleted, func(from, to schema.InstanceStatus) error {
		return assert.AnError
	})

	err := fsm.Transition(context.Background(), inst, schema.InstanceStatusCompleted)
	require.Error(t, err)
	assert.Equal(t, schema.InstanceStatusRunning, inst.Status)

	events, err := mem.GetEvents(context.Background(), inst.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, events, "aborted transition must not emit events")
}
