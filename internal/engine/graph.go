package engine

import (
	"fmt"
	"sync"

	fcerrors "github.com/gxo-labs/flowcore/pkg/flowcore/v1/errors"
)

// GraphNode is a vertex of a flow run's graph.
type GraphNode struct {
	ID         string
	Name       string
	DependsOn  map[string]*GraphNode
	RequiredBy map[string]*GraphNode
	// Relaxed holds the upstream ids whose edge tolerates failure.
	Relaxed map[string]bool
}

// Graph is the directed acyclic graph of one flow run or one plan. Every
// edge insertion is checked for cycles.
type Graph struct {
	mu    sync.RWMutex
	Nodes map[string]*GraphNode
	order []string
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{Nodes: make(map[string]*GraphNode)}
}

// AddNode adds a vertex.
func (g *Graph) AddNode(id, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.Nodes[id]; exists {
		return fcerrors.NewConfigError(fmt.Sprintf("duplicate node id '%s'", id), nil)
	}
	g.Nodes[id] = &GraphNode{
		ID:         id,
		Name:       name,
		DependsOn:  make(map[string]*GraphNode),
		RequiredBy: make(map[string]*GraphNode),
		Relaxed:    make(map[string]bool),
	}
	g.order = append(g.order, id)
	return nil
}

// AddEdge records that downstream depends on upstream. Adding the same edge
// twice keeps it strict if either insertion was strict. It fails with a
// ConfigError when the edge would close a cycle.
func (g *Graph) AddEdge(upstream, downstream string, relaxed bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	up, ok := g.Nodes[upstream]
	if !ok {
		return fcerrors.NewConfigError(fmt.Sprintf("unknown upstream node '%s'", upstream), nil)
	}
	down, ok := g.Nodes[downstream]
	if !ok {
		return fcerrors.NewConfigError(fmt.Sprintf("unknown downstream node '%s'", downstream), nil)
	}
	if upstream == downstream || g.reachable(down, upstream) {
		return fcerrors.NewConfigError(
			fmt.Sprintf("cycle detected in task dependencies: '%s' -> '%s'", up.Name, down.Name), nil)
	}
	if _, exists := down.DependsOn[upstream]; exists {
		down.Relaxed[upstream] = down.Relaxed[upstream] && relaxed
		return nil
	}
	down.DependsOn[upstream] = up
	down.Relaxed[upstream] = relaxed
	up.RequiredBy[downstream] = down
	return nil
}

// reachable reports whether target can be reached from n by following
// RequiredBy edges. Called with g.mu held.
func (g *Graph) reachable(n *GraphNode, target string) bool {
	visited := make(map[string]bool)
	stack := []*GraphNode{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur.ID == target {
			return true
		}
		if visited[cur.ID] {
			continue
		}
		visited[cur.ID] = true
		for _, next := range cur.RequiredBy {
			stack = append(stack, next)
		}
	}
	return false
}

// DetectCycle checks the whole graph.
func (g *Graph) DetectCycle() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	path := make(map[string]bool)
	visited := make(map[string]bool)
	for _, id := range g.order {
		if !visited[id] && g.hasCycleDFS(id, path, visited) {
			return fcerrors.NewConfigError("cycle detected in task dependencies", nil)
		}
	}
	return nil
}

func (g *Graph) hasCycleDFS(nodeID string, path, visited map[string]bool) bool {
	node := g.Nodes[nodeID]
	path[nodeID] = true
	visited[nodeID] = true
	for dependentID := range node.RequiredBy {
		if path[dependentID] {
			return true
		}
		if !visited[dependentID] && g.hasCycleDFS(dependentID, path, visited) {
			return true
		}
	}
	path[nodeID] = false
	return false
}

// TopologicalOrder lists node ids so that every node follows its upstreams.
// Ties keep insertion order.
func (g *Graph) TopologicalOrder() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	remaining := make(map[string]int, len(g.Nodes))
	for id, n := range g.Nodes {
		remaining[id] = len(n.DependsOn)
	}
	out := make([]string, 0, len(g.order))
	done := make(map[string]bool, len(g.order))
	for len(out) < len(g.order) {
		progressed := false
		for _, id := range g.order {
			if done[id] || remaining[id] > 0 {
				continue
			}
			done[id] = true
			out = append(out, id)
			progressed = true
			for dep := range g.Nodes[id].RequiredBy {
				remaining[dep]--
			}
		}
		if !progressed {
			return nil, fcerrors.NewConfigError("cycle detected in task dependencies", nil)
		}
	}
	return out, nil
}

// Upstream returns the ids a node depends on, in insertion order.
func (g *Graph) Upstream(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.Nodes[id]
	if !ok {
		return nil
	}
	return g.sorted(n.DependsOn)
}

// Downstream returns the ids depending on a node, in insertion order.
func (g *Graph) Downstream(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.Nodes[id]
	if !ok {
		return nil
	}
	return g.sorted(n.RequiredBy)
}

func (g *Graph) sorted(set map[string]*GraphNode) []string {
	ids := make([]string, 0, len(set))
	for _, id := range g.order {
		if _, ok := set[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Len returns the number of vertices.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}
