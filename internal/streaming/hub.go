package streaming

import "context"

// StreamEvent mirrors one audit-log entry as it is recorded, so operators
// can follow a live instance without polling the event table.
type StreamEvent struct {
	InstanceID string `json:"instance_id"`
	NodeID     string `json:"node_id,omitempty"`
	TenantID   string `json:"tenant_id,omitempty"`
	EventType  string `json:"event_type"`
	Payload    any    `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
// Zero-value fields match everything.
type EventFilter struct {
	InstanceID string   `json:"instance_id,omitempty"`
	TenantID   string   `json:"tenant_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for live instance events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
