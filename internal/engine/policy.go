package engine

import (
	"errors"
	"time"

	intState "github.com/gxo-labs/flowcore/internal/state"
	fcerrors "github.com/gxo-labs/flowcore/pkg/flowcore/v1/errors"
	fcstate "github.com/gxo-labs/flowcore/pkg/flowcore/v1/state"
)

// evaluate decides the fate of a node whose upstreams are all terminal. A
// strict edge needs a Completed upstream; a relaxed edge accepts any
// terminal state. Eligible nodes go Pending and are queued.
func (fr *FlowRun) evaluate(n *node) {
	if cancelling, cause := fr.isCancelling(); cancelling {
		fr.complete(n, fcstate.Cancelled, nil, cause)
		return
	}
	if fr.ctx.Err() != nil {
		fr.complete(n, fcstate.Cancelled, nil, cancellationCause(fr.ctx, fr.ctx.Err()))
		return
	}
	for _, e := range n.edges {
		if e.relaxed {
			continue
		}
		upState, _ := fr.machine.State(e.up.id)
		if upState != fcstate.Completed {
			fr.complete(n, fcstate.NotReady, nil,
				fcerrors.NewDependencyNotReady(n.def.Name(), n.id, e.up.def.Name(), string(upState)))
			return
		}
	}
	for _, ref := range n.foreign {
		if ref.relaxed {
			continue
		}
		res, err := ref.f.run.results.Get(ref.f.n.id)
		if err != nil || res.State != fcstate.Completed {
			fr.complete(n, fcstate.NotReady, nil,
				fcerrors.NewDependencyNotReady(n.def.Name(), n.id, ref.f.TaskName(), string(res.State)))
			return
		}
	}
	if err := fr.machine.Transition(n.id, fcstate.Pending); err != nil {
		if !errors.Is(err, intState.ErrTerminal) {
			fr.log.Errorf("Failed to queue node %s: %v", n.id, err)
		}
		return
	}
	fr.updateResult(n, fcstate.Pending)
	fr.sched.enqueue(n)
}

// complete moves n to a terminal state and publishes its result. It reports
// false when the node had already been finished by someone else.
func (fr *FlowRun) complete(n *node, to fcstate.State, value interface{}, err error) bool {
	if tErr := fr.machine.Transition(n.id, to); tErr != nil {
		if !errors.Is(tErr, intState.ErrTerminal) {
			fr.log.Errorf("Failed to finish node %s as %s: %v", n.id, to, tErr)
		}
		return false
	}
	end := time.Now()
	res := fcstate.Result{
		NodeID:    n.id,
		TaskName:  n.def.Name(),
		MapIndex:  n.mapIndex,
		State:     to,
		Value:     value,
		Err:       err,
		Attempts:  int(n.attempts.Load()),
		CacheHit:  n.cacheHit.Load(),
		StartTime: n.startTime(),
		EndTime:   end,
		History:   fr.machine.History(n.id),
	}
	if to != fcstate.Completed {
		res.Value = nil
	}
	if fErr := fr.results.Finish(res); fErr != nil {
		fr.log.Errorf("Failed to store result of node %s: %v", n.id, fErr)
	}
	fr.engine.observeNode(n.def.Name(), to, res.StartTime, end)
	if err != nil && to != fcstate.Cancelled {
		fr.log.Debugf("Node %s (task=%s) ended %s: %v", n.id, n.def.Name(), to, fr.engine.redactError(err))
	}
	fr.finalize(n)
	return true
}

// updateResult refreshes the non-terminal snapshot of n.
func (fr *FlowRun) updateResult(n *node, state fcstate.State) {
	_ = fr.results.Update(fcstate.Result{
		NodeID:    n.id,
		TaskName:  n.def.Name(),
		MapIndex:  n.mapIndex,
		State:     state,
		Attempts:  int(n.attempts.Load()),
		StartTime: n.startTime(),
		History:   fr.machine.History(n.id),
	})
}
