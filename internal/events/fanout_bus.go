package events

import (
	"log/slog"
	"sync"

	"github.com/gxo-labs/flowcore/pkg/flowcore/v1/events"
	fclog "github.com/gxo-labs/flowcore/pkg/flowcore/v1/log"
)

// FanoutBus forwards each event to every registered sink in order.
type FanoutBus struct {
	mu    sync.RWMutex
	sinks []events.Bus
}

// NewFanoutBus creates a bus delivering to the given sinks; nil sinks are skipped.
func NewFanoutBus(sinks ...events.Bus) *FanoutBus {
	f := &FanoutBus{}
	for _, s := range sinks {
		f.Add(s)
	}
	return f
}

// Add registers another sink.
func (f *FanoutBus) Add(sink events.Bus) {
	if sink == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, sink)
}

func (f *FanoutBus) Emit(event events.Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.sinks {
		s.Emit(event)
	}
}

// LogBus writes every event to a logger at DEBUG level.
type LogBus struct {
	log fclog.Logger
}

func NewLogBus(log fclog.Logger) *LogBus {
	return &LogBus{log: log.With("component", "EventLog")}
}

func (l *LogBus) Emit(event events.Event) {
	if !l.log.IsEnabled(slog.LevelDebug) {
		return
	}
	if event.Type == events.StateTransition {
		l.log.Log(slog.LevelDebug, "State transition",
			"run_id", event.RunID, "task", event.TaskName, "node_id", event.NodeID,
			"from", event.FromState, "to", event.ToState)
		return
	}
	l.log.Log(slog.LevelDebug, "Event", "type", string(event.Type), "run_id", event.RunID, "flow", event.FlowName, "task", event.TaskName)
}

var (
	_ events.Bus = (*FanoutBus)(nil)
	_ events.Bus = (*LogBus)(nil)
)
