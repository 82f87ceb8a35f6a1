package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	intState "github.com/gxo-labs/flowcore/internal/state"
	fcerrors "github.com/gxo-labs/flowcore/pkg/flowcore/v1/errors"
	fclog "github.com/gxo-labs/flowcore/pkg/flowcore/v1/log"
	fcstate "github.com/gxo-labs/flowcore/pkg/flowcore/v1/state"
	"github.com/google/uuid"
)

type edge struct {
	up      *node
	relaxed bool
}

// foreignRef is an argument future that belongs to another flow run. It is
// waited on when the node starts instead of being an edge of this graph.
type foreignRef struct {
	f       *Future
	relaxed bool
}

// node is one invocation of a definition inside a flow run.
type node struct {
	id       string
	def      Definition
	args     []interface{}
	mapIndex int
	seq      uint64
	edges    []edge
	foreign  []foreignRef
	buildErr error

	attempts atomic.Int32
	cacheHit atomic.Bool
	started  atomic.Int64 // unix nanos of the first Running transition

	// guarded by FlowRun.mu
	remaining  int
	dependents []*node
	finished   bool
}

func (n *node) startTime() time.Time {
	if ns := n.started.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}

// SubmitOption configures a single submission.
type SubmitOption func(*submitConfig)

type submitConfig struct {
	waitFor []interface{}
}

// WaitFor adds upstream edges that pass no data. Each dependency is a
// *Future, a []*Future or an AllowFailure wrapper.
func WaitFor(deps ...interface{}) SubmitOption {
	return func(c *submitConfig) {
		c.waitFor = append(c.waitFor, deps...)
	}
}

// FlowRun is one execution of a flow definition. Its body builds the graph
// through Submit, Map and Call while the scheduler runs ready nodes.
type FlowRun struct {
	engine  *Engine
	def     *FlowDefinition
	runID   string
	parent  *FlowRun
	params  map[string]interface{}
	ctx     context.Context
	cancel  context.CancelCauseFunc
	bodyCtx context.Context
	log     fclog.Logger
	machine *intState.Machine
	results fcstate.ResultStore
	graph   *Graph
	sched   *scheduler

	mu         sync.Mutex
	nodes      map[string]*node
	order      []*node
	seq        uint64
	active     int
	closed     bool
	idle       chan struct{}
	idleClosed bool
	cancelling bool
	cancelErr  error
}

// RunID returns the unique id of the run.
func (fr *FlowRun) RunID() string { return fr.runID }

// FlowName returns the name of the flow being run.
func (fr *FlowRun) FlowName() string { return fr.def.Name() }

// Context is the context of the flow body. Waits inside the body should use
// it, or a context derived from it.
func (fr *FlowRun) Context() context.Context { return fr.bodyCtx }

// Logger returns the run-scoped logger.
func (fr *FlowRun) Logger() fclog.Logger { return fr.log }

// Params returns the validated run parameters, defaults applied.
func (fr *FlowRun) Params() map[string]interface{} { return fr.params }

// Parent returns the run whose node started this one, or nil.
func (fr *FlowRun) Parent() *FlowRun { return fr.parent }

// Results exposes the result store of the run.
func (fr *FlowRun) Results() fcstate.ResultReader { return fr.results }

// Graph returns the dependency graph built so far.
func (fr *FlowRun) Graph() *Graph { return fr.graph }

// Submit creates a node for def and returns at once. Futures among args
// become data edges and are replaced by their values before the node runs.
func (fr *FlowRun) Submit(def Definition, args []interface{}, opts ...SubmitOption) *Future {
	if def == nil {
		panic("flowcore: Submit called with a nil definition")
	}
	var cfg submitConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return fr.submit(def, args, cfg.waitFor, -1)
}

// Call submits def and waits for the node. It returns the node's value, or
// its error when the node did not complete.
func (fr *FlowRun) Call(ctx context.Context, def Definition, args ...interface{}) (interface{}, error) {
	f := fr.Submit(def, args)
	return f.Result(fr.waitContext(ctx))
}

// CallState submits def and waits for the node, returning the terminal
// future instead of raising its failure.
func (fr *FlowRun) CallState(ctx context.Context, def Definition, args ...interface{}) *Future {
	f := fr.Submit(def, args)
	_, _ = f.Wait(fr.waitContext(ctx))
	return f
}

// Map creates one sibling node per element of the iterable arguments.
// Slices, arrays and []*Future are iterated; a *Future argument is waited on
// and its list value iterated. Every other argument, and any wrapped with
// Unmapped, is passed unchanged to all siblings.
func (fr *FlowRun) Map(def Definition, args []interface{}, opts ...SubmitOption) ([]*Future, error) {
	if def == nil {
		return nil, fcerrors.NewValidationError("map called with a nil definition", nil)
	}
	var cfg submitConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	length := -1
	mapped := make([]bool, len(args))
	elements := make([][]interface{}, len(args))
	var shared []interface{}
	for i, arg := range args {
		var items []interface{}
		if f, ok := arg.(*Future); ok && f != nil {
			val, err := f.Result(fr.waitContext(fr.bodyCtx))
			if err != nil {
				return nil, err
			}
			list, ok := iterable(val)
			if !ok {
				return nil, fcerrors.NewValidationError(
					fmt.Sprintf("argument %d of map over '%s' resolved to %T, not a list", i, def.Name(), val), nil)
			}
			items = list
			shared = append(shared, f)
		} else if list, ok := iterable(arg); ok {
			items = list
		} else {
			continue
		}
		mapped[i] = true
		elements[i] = items
		if length == -1 {
			length = len(items)
		} else if len(items) != length {
			return nil, fcerrors.NewValidationError(
				fmt.Sprintf("map over '%s' received iterables of different lengths (%d and %d)", def.Name(), length, len(items)), nil)
		}
	}
	if length == -1 {
		return nil, fcerrors.NewValidationError(
			fmt.Sprintf("map over '%s' needs at least one iterable argument", def.Name()), nil)
	}

	waitFor := append(append([]interface{}(nil), cfg.waitFor...), shared...)
	futures := make([]*Future, 0, length)
	for idx := 0; idx < length; idx++ {
		callArgs := make([]interface{}, len(args))
		for i, arg := range args {
			if mapped[i] {
				callArgs[i] = elements[i][idx]
			} else {
				callArgs[i] = arg
			}
		}
		futures = append(futures, fr.submit(def, callArgs, waitFor, idx))
	}
	return futures, nil
}

// Cancel stops the run: every non-terminal node ends Cancelled and running
// bodies see their context cancelled. It is idempotent.
func (fr *FlowRun) Cancel(reason string) {
	fr.cancelAll(fcerrors.NewCancellationRequested(reason, nil))
}

// waitContext lends the body's processor claim to a context that carries
// none, so waits issued with an unrelated context still yield.
func (fr *FlowRun) waitContext(ctx context.Context) context.Context {
	if ctx == nil {
		return fr.bodyCtx
	}
	if holderFrom(ctx) == nil {
		if h := holderFrom(fr.bodyCtx); h != nil {
			return withHolder(ctx, h)
		}
	}
	return ctx
}

func (fr *FlowRun) submit(def Definition, args []interface{}, waitFor []interface{}, mapIndex int) *Future {
	n := &node{id: uuid.NewString(), def: def, args: args, mapIndex: mapIndex}
	index := make(map[*node]int)
	addEdge := func(f *Future, relaxed bool) {
		if f.run != fr {
			n.foreign = append(n.foreign, foreignRef{f: f, relaxed: relaxed})
			return
		}
		if i, ok := index[f.n]; ok {
			n.edges[i].relaxed = n.edges[i].relaxed && relaxed
			return
		}
		index[f.n] = len(n.edges)
		n.edges = append(n.edges, edge{up: f.n, relaxed: relaxed})
	}
	for _, arg := range args {
		collectFutures(arg, false, addEdge)
	}
	for _, dep := range waitFor {
		collectFutures(dep, false, addEdge)
	}

	fr.mu.Lock()
	fr.seq++
	n.seq = fr.seq
	fr.nodes[n.id] = n
	fr.order = append(fr.order, n)
	fr.active++
	late := fr.closed
	if err := fr.machine.Register(n.id, def.Name()); err != nil {
		n.buildErr = err
	}
	if err := fr.results.Register(n.id, def.Name(), mapIndex); err != nil {
		n.buildErr = err
	}
	if err := fr.graph.AddNode(n.id, def.Name()); err != nil {
		n.buildErr = err
	}
	for _, e := range n.edges {
		if err := fr.graph.AddEdge(e.up.id, n.id, e.relaxed); err != nil && n.buildErr == nil {
			n.buildErr = err
		}
		if !e.up.finished {
			e.up.dependents = append(e.up.dependents, n)
			n.remaining++
		}
	}
	n.remaining += len(n.foreign)
	ready := n.remaining == 0
	fr.mu.Unlock()

	for _, ref := range n.foreign {
		go fr.awaitForeign(n, ref.f)
	}

	fr.log.Debugf("Submitted node %s (task=%s, map_index=%d, upstreams=%d)", n.id, def.Name(), mapIndex, len(n.edges))
	if late {
		fr.complete(n, fcstate.Cancelled, nil,
			fcerrors.NewCancellationRequested("submitted after the flow body returned", nil))
	} else if ready {
		fr.evaluate(n)
	}
	return &Future{run: fr, n: n}
}

// finalize releases the dependents of a terminal node and tracks when the
// run becomes idle.
func (fr *FlowRun) finalize(n *node) {
	fr.mu.Lock()
	if n.finished {
		fr.mu.Unlock()
		return
	}
	n.finished = true
	var ready []*node
	for _, d := range n.dependents {
		d.remaining--
		if d.remaining == 0 {
			ready = append(ready, d)
		}
	}
	n.dependents = nil
	fr.active--
	fr.checkIdleLocked()
	fr.mu.Unlock()

	for _, d := range ready {
		fr.evaluate(d)
	}
}

// awaitForeign counts down n once a future of another run is terminal. A
// cancelled run leaves n to cancelAll.
func (fr *FlowRun) awaitForeign(n *node, f *Future) {
	if _, err := f.run.results.Wait(fr.ctx, f.n.id); err != nil {
		return
	}
	fr.mu.Lock()
	n.remaining--
	ready := n.remaining == 0 && !n.finished
	fr.mu.Unlock()
	if ready {
		fr.evaluate(n)
	}
}

func (fr *FlowRun) checkIdleLocked() {
	if fr.closed && fr.active == 0 && !fr.idleClosed {
		fr.idleClosed = true
		close(fr.idle)
	}
}

// closeBody marks the end of graph construction.
func (fr *FlowRun) closeBody() {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.closed = true
	fr.checkIdleLocked()
}

func (fr *FlowRun) isCancelling() (bool, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.cancelling, fr.cancelErr
}

func (fr *FlowRun) cancelAll(cause error) {
	fr.mu.Lock()
	if fr.cancelling {
		fr.mu.Unlock()
		return
	}
	fr.cancelling = true
	fr.cancelErr = cause
	nodes := append([]*node(nil), fr.order...)
	fr.mu.Unlock()

	fr.log.Warnf("Cancelling flow run %s: %v", fr.runID, cause)
	fr.cancel(cause)
	for _, n := range nodes {
		fr.complete(n, fcstate.Cancelled, nil, cause)
	}
}

func (fr *FlowRun) nodeList() []*node {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return append([]*node(nil), fr.order...)
}
