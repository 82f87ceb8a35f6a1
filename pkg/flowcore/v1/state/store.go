package state

import (
	"context"
	"errors"
	"time"
)

// State is the lifecycle state of a node or a flow run.
type State string

const (
	Scheduled State = "Scheduled"
	Pending   State = "Pending"
	Running   State = "Running"
	Completed State = "Completed"
	Failed    State = "Failed"
	Crashed   State = "Crashed"
	Cancelled State = "Cancelled"
	NotReady  State = "NotReady"
)

// IsTerminal reports whether no further transition may leave s.
func (s State) IsTerminal() bool {
	switch s {
	case Completed, Failed, Crashed, Cancelled, NotReady:
		return true
	}
	return false
}

// IsFinalFailure reports whether s is a terminal state other than Completed.
func (s State) IsFinalFailure() bool {
	return s.IsTerminal() && s != Completed
}

// ErrNotFound is returned by a ResultStore for an unknown node id.
var ErrNotFound = errors.New("node result not found")

// Transition is a single entry in a node's state history.
type Transition struct {
	State     State     `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// Result is the observable outcome of one node. Value and Err are only
// meaningful once State is terminal.
type Result struct {
	NodeID    string       `json:"node_id"`
	TaskName  string       `json:"task_name"`
	MapIndex  int          `json:"map_index"`
	State     State        `json:"state"`
	Value     interface{}  `json:"value,omitempty"`
	Err       error        `json:"-"`
	Attempts  int          `json:"attempts"`
	CacheHit  bool         `json:"cache_hit,omitempty"`
	StartTime time.Time    `json:"start_time,omitempty"`
	EndTime   time.Time    `json:"end_time,omitempty"`
	History   []Transition `json:"history,omitempty"`
}

// ResultReader is the read side of the result store, handed to callers and
// to downstream nodes. Values returned are copies.
type ResultReader interface {
	// Get returns the current snapshot for a node without blocking.
	Get(nodeID string) (Result, error)
	// Wait blocks until the node is terminal or ctx is done.
	Wait(ctx context.Context, nodeID string) (Result, error)
	// All returns snapshots for every node registered so far.
	All() []Result
}

// ResultStore keeps every node's outcome for the lifetime of a flow run.
// Implementations must be safe for concurrent use.
type ResultStore interface {
	ResultReader
	// Register announces a node before it runs.
	Register(nodeID, taskName string, mapIndex int) error
	// Update replaces the non-terminal snapshot of a node.
	Update(res Result) error
	// Finish stores the terminal snapshot and wakes every waiter. Finishing
	// twice keeps the first outcome.
	Finish(res Result) error
}
