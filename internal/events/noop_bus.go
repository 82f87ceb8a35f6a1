package events

import "github.com/gxo-labs/flowcore/pkg/flowcore/v1/events"

// NoOpEventBus discards every event. It is the engine's fallback sink.
type NoOpEventBus struct{}

// NewNoOpEventBus creates a new NoOpEventBus.
func NewNoOpEventBus() events.Bus {
	return &NoOpEventBus{}
}

// Emit does nothing.
func (n *NoOpEventBus) Emit(event events.Event) {}

var _ events.Bus = (*NoOpEventBus)(nil)
