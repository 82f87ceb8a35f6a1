package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/gxo-labs/flowcore/internal/engine"
	flowcorev1 "github.com/gxo-labs/flowcore/pkg/flowcore/v1"
	fcerrors "github.com/gxo-labs/flowcore/pkg/flowcore/v1/errors"
	fcstate "github.com/gxo-labs/flowcore/pkg/flowcore/v1/state"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	process = engine.MustTask("process", func(ctx context.Context, args []interface{}) (interface{}, error) {
		item := args[0].(string)
		if item == "c" {
			return nil, errors.New("cannot process c")
		}
		return "processed-" + item, nil
	})
	store = engine.MustTask("store", func(ctx context.Context, args []interface{}) (interface{}, error) {
		return "stored-" + args[0].(string), nil
	})
)

func statesOf(nodes []flowcorev1.NodeResult) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.State
	}
	return out
}

func TestMap_FailureStaysInItsBranch(t *testing.T) {
	env := setupTestEngine(t)
	var stored []*engine.Future
	flow := engine.MustFlow("branches", func(fr *engine.FlowRun, params map[string]interface{}) (interface{}, error) {
		processed, err := fr.Map(process, []interface{}{[]string{"a", "b", "c", "d"}})
		if err != nil {
			return nil, err
		}
		stored, err = fr.Map(store, []interface{}{processed})
		return nil, err
	})

	report, err := env.engine.RunFlow(testContext(t), flow, nil)
	require.Error(t, err)
	assert.Equal(t, string(fcstate.Failed), report.State)

	assert.Equal(t, []string{"Completed", "Completed", "Failed", "Completed"}, statesOf(nodesOf(report, "process")))
	assert.Equal(t, []string{"Completed", "Completed", "NotReady", "Completed"}, statesOf(nodesOf(report, "store")))

	want := []fcstate.State{fcstate.Scheduled, fcstate.NotReady}
	if diff := cmp.Diff(want, env.bus.transitions(stored[2].ID())); diff != "" {
		t.Errorf("blocked sibling transitions mismatch (-want +got):\n%s", diff)
	}
	res, err := stored[2].Wait(testContext(t))
	require.NoError(t, err)
	var nr *fcerrors.DependencyNotReady
	assert.True(t, errors.As(res.Err, &nr))
}

func TestMap_OverFutureValue(t *testing.T) {
	env := setupTestEngine(t)
	items := constTask("items", []interface{}{"x", "y"})
	flow := engine.MustFlow("map-future", func(fr *engine.FlowRun, params map[string]interface{}) (interface{}, error) {
		source := fr.Submit(items, nil)
		return fr.Map(store, []interface{}{source})
	})

	report, err := env.engine.RunFlow(testContext(t), flow, nil)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"stored-x", "stored-y"}, report.Value)
	nodes := nodesOf(report, "store")
	require.Len(t, nodes, 2)
	assert.Equal(t, 0, nodes[0].MapIndex)
	assert.Equal(t, 1, nodes[1].MapIndex)
}

func TestMap_UnmappedAndLengthMismatch(t *testing.T) {
	env := setupTestEngine(t)
	join := engine.MustTask("join", func(ctx context.Context, args []interface{}) (interface{}, error) {
		return args[0].(string) + args[1].([]string)[0], nil
	})
	var mismatch error
	flow := engine.MustFlow("unmapped", func(fr *engine.FlowRun, params map[string]interface{}) (interface{}, error) {
		_, mismatch = fr.Map(add, []interface{}{[]int{1, 2}, []int{1, 2, 3}})
		return fr.Map(join, []interface{}{[]string{"a", "b"}, engine.Unmapped([]string{"!"})})
	})

	report, err := env.engine.RunFlow(testContext(t), flow, nil)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a!", "b!"}, report.Value)
	var ve *fcerrors.ValidationError
	require.True(t, errors.As(mismatch, &ve))
	assert.Contains(t, mismatch.Error(), "different lengths")
}

func TestAllowFailure_CleanupRunsOnlyWhenRelaxed(t *testing.T) {
	env := setupTestEngine(t)
	var received interface{}
	cleanup := engine.MustTask("cleanup", func(ctx context.Context, args []interface{}) (interface{}, error) {
		if len(args) > 0 {
			received = args[0]
		}
		return "cleaned", nil
	})
	flow := engine.MustFlow("cleanup", func(fr *engine.FlowRun, params map[string]interface{}) (interface{}, error) {
		work := fr.Submit(failTask("work", "disk full"), nil)
		fr.Submit(cleanup, []interface{}{engine.AllowFailure(work)})
		fr.Submit(cleanup, nil, engine.WaitFor(work))
		return nil, nil
	})

	report, err := env.engine.RunFlow(testContext(t), flow, nil)
	require.Error(t, err)
	states := map[string]int{}
	for _, nr := range nodesOf(report, "cleanup") {
		states[nr.State]++
	}
	assert.Equal(t, map[string]int{"Completed": 1, "NotReady": 1}, states)

	recvErr, ok := received.(error)
	require.True(t, ok, "a relaxed upstream that failed resolves to its error")
	assert.Contains(t, recvErr.Error(), "disk full")
}

func TestAllowFailure_MixedEdgesNeedEveryStrictUpstream(t *testing.T) {
	env := setupTestEngine(t)
	flow := engine.MustFlow("mixed", func(fr *engine.FlowRun, params map[string]interface{}) (interface{}, error) {
		ok := fr.Submit(constTask("ok", 1), nil)
		bad := fr.Submit(failTask("bad", "nope"), nil)
		relaxedOnly := fr.Submit(constTask("relaxed", 2), nil, engine.WaitFor(ok, engine.AllowFailure(bad)))
		strictToo := fr.Submit(constTask("strict", 3), nil, engine.WaitFor(engine.AllowFailure(ok), bad))
		return []*engine.Future{relaxedOnly, strictToo}, nil
	})

	report, err := env.engine.RunFlow(testContext(t), flow, nil)
	require.Error(t, err)
	assert.Equal(t, string(fcstate.Completed), nodesOf(report, "relaxed")[0].State)
	assert.Equal(t, string(fcstate.NotReady), nodesOf(report, "strict")[0].State)
}

func TestNotReady_Propagates(t *testing.T) {
	env := setupTestEngine(t)
	flow := engine.MustFlow("chain", func(fr *engine.FlowRun, params map[string]interface{}) (interface{}, error) {
		first := fr.Submit(failTask("first", "broken"), nil)
		second := fr.Submit(store, []interface{}{first})
		third := fr.Submit(store, []interface{}{second})
		return third, nil
	})

	report, err := env.engine.RunFlow(testContext(t), flow, nil)
	require.Error(t, err)
	assert.Equal(t, string(fcstate.Failed), report.State, "a NotReady result fails the run")
	assert.Equal(t, []string{"NotReady", "NotReady"}, statesOf(nodesOf(report, "store")))
}
