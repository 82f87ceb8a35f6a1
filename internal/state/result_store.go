package state

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gxo-labs/flowcore/internal/util"
	st "github.com/gxo-labs/flowcore/pkg/flowcore/v1/state"
)

type resultEntry struct {
	res  st.Result
	seq  int
	done chan struct{}
}

// MemoryResultStore keeps node outcomes in a map guarded by a RWMutex.
// Reads return deep copies of result values so callers cannot mutate what
// downstream nodes observe.
type MemoryResultStore struct {
	mu      sync.RWMutex
	entries map[string]*resultEntry
	nextSeq int
}

// NewMemoryResultStore creates an empty store.
func NewMemoryResultStore() *MemoryResultStore {
	return &MemoryResultStore{entries: make(map[string]*resultEntry)}
}

func (s *MemoryResultStore) Register(nodeID, taskName string, mapIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[nodeID]; exists {
		return fmt.Errorf("node %s already registered in result store", nodeID)
	}
	s.entries[nodeID] = &resultEntry{
		res:  st.Result{NodeID: nodeID, TaskName: taskName, MapIndex: mapIndex, State: st.Scheduled},
		seq:  s.nextSeq,
		done: make(chan struct{}),
	}
	s.nextSeq++
	return nil
}

func (s *MemoryResultStore) Update(res st.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[res.NodeID]
	if !ok {
		return st.ErrNotFound
	}
	if e.res.State.IsTerminal() {
		return nil
	}
	e.res = res
	return nil
}

func (s *MemoryResultStore) Finish(res st.Result) error {
	if !res.State.IsTerminal() {
		return fmt.Errorf("cannot finish node %s in non-terminal state %s", res.NodeID, res.State)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[res.NodeID]
	if !ok {
		return st.ErrNotFound
	}
	if e.res.State.IsTerminal() {
		return nil
	}
	e.res = res
	close(e.done)
	return nil
}

// Get returns a snapshot without blocking.
func (s *MemoryResultStore) Get(nodeID string) (st.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[nodeID]
	if !ok {
		return st.Result{}, st.ErrNotFound
	}
	return copyResult(e.res), nil
}

// Wait blocks until the node is terminal or ctx is done.
func (s *MemoryResultStore) Wait(ctx context.Context, nodeID string) (st.Result, error) {
	s.mu.RLock()
	e, ok := s.entries[nodeID]
	s.mu.RUnlock()
	if !ok {
		return st.Result{}, st.ErrNotFound
	}
	select {
	case <-e.done:
		return s.Get(nodeID)
	case <-ctx.Done():
		return st.Result{}, ctx.Err()
	}
}

// All returns every snapshot in registration order.
func (s *MemoryResultStore) All() []st.Result {
	s.mu.RLock()
	entries := make([]*resultEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]st.Result, 0, len(entries))
	for _, e := range entries {
		out = append(out, copyResult(e.res))
	}
	return out
}

func copyResult(res st.Result) st.Result {
	res.Value = util.DeepCopy(res.Value)
	res.History = append([]st.Transition(nil), res.History...)
	return res
}

var _ st.ResultStore = (*MemoryResultStore)(nil)
