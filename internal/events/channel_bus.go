package events

import (
	"github.com/gxo-labs/flowcore/pkg/flowcore/v1/events"
	fclog "github.com/gxo-labs/flowcore/pkg/flowcore/v1/log"
)

// ChannelEventBus implements events.Bus over a buffered channel so that
// in-process listeners (metrics, audit logs) can consume transitions without
// slowing the state machine down.
type ChannelEventBus struct {
	channel chan events.Event
	log     fclog.Logger
}

// NewChannelEventBus creates a bus with the given buffer size (100 when
// non-positive). Panics if log is nil.
func NewChannelEventBus(bufferSize int, log fclog.Logger) *ChannelEventBus {
	const defaultBufferSize = 100
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if log == nil {
		panic("ChannelEventBus requires a non-nil logger")
	}
	bus := &ChannelEventBus{
		channel: make(chan events.Event, bufferSize),
		log:     log.With("component", "ChannelEventBus"),
	}
	bus.log.Debugf("ChannelEventBus initialized with buffer size %d", bufferSize)
	return bus
}

// Emit never blocks: when the buffer is full the event is dropped with a warning.
func (c *ChannelEventBus) Emit(event events.Event) {
	select {
	case c.channel <- event:
	default:
		c.log.Warnf("Event channel buffer full, dropping event type '%s' for node '%s'", event.Type, event.NodeID)
	}
}

// GetChannel returns the receive side for listeners.
func (c *ChannelEventBus) GetChannel() <-chan events.Event {
	return c.channel
}

// Close signals listeners that no more events will arrive. Emit must not be
// called afterwards.
func (c *ChannelEventBus) Close() {
	c.log.Debugf("Closing ChannelEventBus channel.")
	close(c.channel)
}

var _ events.Bus = (*ChannelEventBus)(nil)
