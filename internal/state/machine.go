package state

import (
	"errors"
	"fmt"
	"sync"
	"time"

	fcerrors "github.com/gxo-labs/flowcore/pkg/flowcore/v1/errors"
	"github.com/gxo-labs/flowcore/pkg/flowcore/v1/events"
	st "github.com/gxo-labs/flowcore/pkg/flowcore/v1/state"
)

// ErrTerminal is returned when a transition is requested for a node that has
// already reached a terminal state. Cancellation racing with completion
// produces it; callers treat it as "someone else finished this node".
var ErrTerminal = errors.New("node is already in a terminal state")

// ErrUnknownNode is returned for node ids that were never registered.
var ErrUnknownNode = errors.New("unknown node")

var legal = map[st.State]map[st.State]bool{
	st.Scheduled: {st.Pending: true, st.NotReady: true, st.Cancelled: true},
	st.Pending:   {st.Running: true, st.Cancelled: true},
	st.Running: {
		st.Completed: true,
		st.Failed:    true,
		st.Crashed:   true,
		st.Cancelled: true,
		st.Pending:   true, // retry
	},
}

// IsLegal reports whether from -> to is an edge of the lifecycle graph.
func IsLegal(from, to st.State) bool {
	return legal[from][to]
}

type record struct {
	taskName string
	state    st.State
	retries  int
	history  []st.Transition
}

// Machine records the lifecycle of every node in one flow run and publishes
// each transition to the event bus. It is safe for concurrent use.
type Machine struct {
	mu       sync.Mutex
	records  map[string]*record
	bus      events.Bus
	runID    string
	flowName string
	now      func() time.Time
}

// NewMachine creates a state machine for one flow run.
func NewMachine(runID, flowName string, bus events.Bus) *Machine {
	return &Machine{
		records:  make(map[string]*record),
		bus:      bus,
		runID:    runID,
		flowName: flowName,
		now:      time.Now,
	}
}

// Register adds a node in the Scheduled state.
func (m *Machine) Register(nodeID, taskName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[nodeID]; exists {
		return fmt.Errorf("node %s already registered", nodeID)
	}
	now := m.now()
	m.records[nodeID] = &record{
		taskName: taskName,
		state:    st.Scheduled,
		history:  []st.Transition{{State: st.Scheduled, Timestamp: now}},
	}
	m.emit(nodeID, taskName, "", st.Scheduled, now, 0)
	return nil
}

// Transition moves a node to the given state. A Running -> Pending move
// counts as a retry. It returns ErrTerminal when the node is already
// terminal and panics with an IllegalTransitionError for any other move
// outside the lifecycle graph.
func (m *Machine) Transition(nodeID string, to st.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	if rec.state.IsTerminal() {
		return ErrTerminal
	}
	if !IsLegal(rec.state, to) {
		panic(fcerrors.NewIllegalTransitionError(nodeID, string(rec.state), string(to)))
	}
	from := rec.state
	if from == st.Running && to == st.Pending {
		rec.retries++
	}
	now := m.now()
	rec.state = to
	rec.history = append(rec.history, st.Transition{State: to, Timestamp: now})
	m.emit(nodeID, rec.taskName, from, to, now, rec.retries)
	return nil
}

// Cancel moves a non-terminal node to Cancelled. It reports whether this
// call performed the transition; cancelling twice is a no-op.
func (m *Machine) Cancel(nodeID string) bool {
	err := m.Transition(nodeID, st.Cancelled)
	return err == nil
}

// State returns the node's current state.
func (m *Machine) State(nodeID string) (st.State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[nodeID]
	if !ok {
		return "", false
	}
	return rec.state, true
}

// Retries returns how many times the node went back from Running to Pending.
func (m *Machine) Retries(nodeID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[nodeID]; ok {
		return rec.retries
	}
	return 0
}

// History returns a copy of the node's ordered transitions.
func (m *Machine) History(nodeID string) []st.Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[nodeID]
	if !ok {
		return nil
	}
	return append([]st.Transition(nil), rec.history...)
}

// NonTerminal lists the nodes that have not reached a terminal state.
func (m *Machine) NonTerminal() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, rec := range m.records {
		if !rec.state.IsTerminal() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Counts returns the number of nodes per state.
func (m *Machine) Counts() map[st.State]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[st.State]int)
	for _, rec := range m.records {
		counts[rec.state]++
	}
	return counts
}

// emit is called with m.mu held so per-node events keep their order.
func (m *Machine) emit(nodeID, taskName string, from, to st.State, at time.Time, retries int) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(events.Event{
		Type:      events.StateTransition,
		Timestamp: at,
		RunID:     m.runID,
		FlowName:  m.flowName,
		TaskName:  taskName,
		NodeID:    nodeID,
		FromState: string(from),
		ToState:   string(to),
		Payload:   map[string]interface{}{"retries": retries},
	})
}
