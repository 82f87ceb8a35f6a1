package events

import "time"

// EventType represents the type of a flowcore engine event.
type EventType string

// Standard flowcore Event Types
const (
	FlowRunStart    EventType = "FlowRunStart"
	FlowRunEnd      EventType = "FlowRunEnd"
	StateTransition EventType = "StateTransition" // Every node state change
	RetryScheduled  EventType = "RetryScheduled"  // A failed attempt will be retried
	CacheHit        EventType = "CacheHit"
	CacheMiss       EventType = "CacheMiss"
	SlotsAcquired   EventType = "SlotsAcquired"
	SlotsReleased   EventType = "SlotsReleased"
	SecretAccessed  EventType = "SecretAccessed" // Payload carries the key, never the value
)

// Event represents a significant occurrence within a flow run.
type Event struct {
	// Type categorizes the event.
	Type EventType `json:"type"`
	// Timestamp marks when the event occurred.
	Timestamp time.Time `json:"timestamp"`
	// RunID identifies the flow run the event belongs to.
	RunID string `json:"run_id,omitempty"`
	// FlowName identifies the flow context, if applicable.
	FlowName string `json:"flow_name,omitempty"`
	// TaskName identifies the task definition of the node, if applicable.
	TaskName string `json:"task_name,omitempty"`
	// NodeID identifies the node, if applicable.
	NodeID string `json:"node_id,omitempty"`
	// FromState and ToState are set for StateTransition events.
	FromState string `json:"from_state,omitempty"`
	ToState   string `json:"to_state,omitempty"`
	// Payload contains event-specific data. Task argument values MUST NOT be
	// included since they may carry credentials.
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Bus defines the interface for publishing events from the engine.
type Bus interface {
	// Emit publishes an event to the bus. Implementations must not block the
	// caller for long: it runs while the state machine holds its lock.
	Emit(event Event)
}
