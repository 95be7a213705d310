package engine

import (
	"context"
	"sync"

	"github.com/triflow/triflow/internal/store"
	"github.com/triflow/triflow/pkg/schema"
)

// TransitionHook is called before or after an instance state transition.
type TransitionHook func(from, to schema.InstanceStatus) error

// EventRecorder is satisfied by *store.EventLog; FSM transitions emit
// lifecycle events through it.
type EventRecorder interface {
	Record(ctx context.Context, instanceID, nodeID, eventType, tenantID string, payload any) error
}

type hookKey struct {
	from, to schema.InstanceStatus
}

// InstanceFSM validates and executes instance lifecycle transitions.
// Terminal statuses are absorbing: no transition leaves them.
type InstanceFSM struct {
	mu       sync.Mutex
	recorder EventRecorder
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

func NewInstanceFSM(recorder EventRecorder) *InstanceFSM {
	return &InstanceFSM{
		recorder: recorder,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition.
func (f *InstanceFSM) OnBefore(from, to schema.InstanceStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *InstanceFSM) OnAfter(from, to schema.InstanceStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes an instance state transition,
// emitting the corresponding lifecycle event. The caller persists the
// new status to the store.
func (f *InstanceFSM) Transition(ctx context.Context, inst *store.Instance, to schema.InstanceStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	from := inst.Status
	if !isValidInstanceTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid instance transition: %s -> %s", from, to).
			WithDetails(map[string]any{"instance_id": inst.ID, "from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	if eventType := instanceEventType(from, to); eventType != "" {
		if err := f.recorder.Record(ctx, inst.ID, "", eventType, inst.TenantID, nil); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit instance event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}
	inst.Status = to
	return nil
}

func isValidInstanceTransition(from, to schema.InstanceStatus) bool {
	allowed, ok := ValidInstanceTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func instanceEventType(from, to schema.InstanceStatus) string {
	switch to {
	case schema.InstanceStatusRunning:
		if from == schema.InstanceStatusWaiting {
			return schema.EventInstanceResumed
		}
		return schema.EventInstanceStarted
	case schema.InstanceStatusWaiting:
		return schema.EventInstanceWaiting
	case schema.InstanceStatusCompleted:
		return schema.EventInstanceCompleted
	case schema.InstanceStatusFailed:
		return schema.EventInstanceFailed
	case schema.InstanceStatusCancelled:
		return schema.EventInstanceCancelled
	case schema.InstanceStatusTimeout:
		return schema.EventInstanceTimedOut
	default:
		return ""
	}
}

// ValidInstanceTransitions defines the allowed instance lifecycle moves.
// waiting <-> running forms the suspension loop for approval and wait
// nodes; every terminal status has an empty row.
var ValidInstanceTransitions = map[schema.InstanceStatus][]schema.InstanceStatus{
	schema.InstanceStatusPending: {
		schema.InstanceStatusRunning,
		schema.InstanceStatusCancelled,
	},
	schema.InstanceStatusRunning: {
		schema.InstanceStatusWaiting,
		schema.InstanceStatusCompleted,
		schema.InstanceStatusFailed,
		schema.InstanceStatusCancelled,
		schema.InstanceStatusTimeout,
	},
	schema.InstanceStatusWaiting: {
		schema.InstanceStatusRunning,
		schema.InstanceStatusFailed,
		schema.InstanceStatusCancelled,
		schema.InstanceStatusTimeout,
	},
	schema.InstanceStatusCompleted: {},
	schema.InstanceStatusFailed:    {},
	schema.InstanceStatusCancelled: {},
	schema.InstanceStatusTimeout:   {},
}
