package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/triflow/triflow/pkg/schema"
)

// EventLog provides ordered, append-only event recording for workflow
// instances, plus replay into per-node execution state. Sequence numbers
// are per-instance and contiguous starting at 1.
type EventLog struct {
	store  Store
	notify func(ctx context.Context, e *Event)
}

func NewEventLog(store Store) *EventLog {
	return &EventLog{store: store}
}

// OnRecord registers a callback invoked after each successful append.
// Used to fan events out to live subscribers; persistence never depends
// on the callback.
func (l *EventLog) OnRecord(fn func(ctx context.Context, e *Event)) {
	l.notify = fn
}

// Record appends an event with an auto-assigned sequence number. The
// payload, if non-nil, is marshalled to JSON.
func (l *EventLog) Record(ctx context.Context, instanceID, nodeID, eventType, tenantID string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
	}
	event := &Event{
		InstanceID: instanceID,
		NodeID:     nodeID,
		Type:       eventType,
		Payload:    raw,
		TenantID:   tenantID,
	}
	if err := l.store.AppendEvent(ctx, event); err != nil {
		return err
	}
	if l.notify != nil {
		l.notify(ctx, event)
	}
	return nil
}

// Replay reconstructs the per-node execution state of an instance by
// folding its event stream in sequence order. It verifies the sequence
// is contiguous; a gap means the log was corrupted or partially written.
func (l *EventLog) Replay(ctx context.Context, instanceID string) (map[string]*NodeTrace, error) {
	events, err := l.store.GetEvents(ctx, instanceID, 0)
	if err != nil {
		return nil, err
	}

	traces := make(map[string]*NodeTrace)
	var prev int64
	for _, e := range events {
		if e.Sequence != prev+1 {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"event log gap for instance %s: expected sequence %d, got %d",
				instanceID, prev+1, e.Sequence)
		}
		prev = e.Sequence

		if e.NodeID == "" {
			continue
		}
		nt := traces[e.NodeID]
		if nt == nil {
			nt = &NodeTrace{InstanceID: instanceID, NodeID: e.NodeID, Status: schema.NodeStatusPending}
			traces[e.NodeID] = nt
		}

		switch e.Type {
		case schema.EventNodeStarted:
			nt.Status = schema.NodeStatusRunning
			t := e.Timestamp
			nt.StartedAt = &t
		case schema.EventNodeCompleted:
			nt.Status = schema.NodeStatusCompleted
			nt.Output = e.Payload
			t := e.Timestamp
			nt.CompletedAt = &t
		case schema.EventNodeFailed:
			nt.Status = schema.NodeStatusFailed
			nt.Error = e.Payload
			t := e.Timestamp
			nt.CompletedAt = &t
		case schema.EventNodeSkipped:
			nt.Status = schema.NodeStatusSkipped
		case schema.EventNodeRetrying:
			nt.Status = schema.NodeStatusRetrying
			nt.RetryCount++
		case schema.EventApprovalRequested, schema.EventWaitStarted:
			nt.Status = schema.NodeStatusWaiting
		case schema.EventApprovalResolved, schema.EventWaitCompleted:
			nt.Status = schema.NodeStatusRunning
		}
	}
	return traces, nil
}

// LastSequence returns the highest sequence recorded for an instance,
// or 0 if no events exist.
func (l *EventLog) LastSequence(ctx context.Context, instanceID string) (int64, error) {
	events, err := l.store.GetEvents(ctx, instanceID, 0)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Sequence, nil
}
