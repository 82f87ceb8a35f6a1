package engine_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gxo-labs/flowcore/internal/engine"
	flowcorev1 "github.com/gxo-labs/flowcore/pkg/flowcore/v1"
	fcerrors "github.com/gxo-labs/flowcore/pkg/flowcore/v1/errors"
	"github.com/gxo-labs/flowcore/pkg/flowcore/v1/events"
	fcstate "github.com/gxo-labs/flowcore/pkg/flowcore/v1/state"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var add = engine.MustTask("add", func(ctx context.Context, args []interface{}) (interface{}, error) {
	return args[0].(int) + args[1].(int), nil
})

func TestRunFlow_SubmitChainsValues(t *testing.T) {
	env := setupTestEngine(t)
	var last *engine.Future
	flow := engine.MustFlow("chain", func(fr *engine.FlowRun, params map[string]interface{}) (interface{}, error) {
		a := fr.Submit(add, []interface{}{1, 2})
		last = fr.Submit(add, []interface{}{a, 10})
		return last, nil
	})

	report, err := env.engine.RunFlow(testContext(t), flow, nil)
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, string(fcstate.Completed), report.State)
	assert.Equal(t, 13, report.Value)
	assert.Equal(t, 2, report.TotalNodes)
	assert.Equal(t, 1, report.Attempts)

	want := []fcstate.State{fcstate.Scheduled, fcstate.Pending, fcstate.Running, fcstate.Completed}
	if diff := cmp.Diff(want, env.bus.transitions(last.ID())); diff != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", diff)
	}

	starts := env.bus.ofType(events.FlowRunStart)
	ends := env.bus.ofType(events.FlowRunEnd)
	require.Len(t, starts, 1)
	require.Len(t, ends, 1)
	assert.Equal(t, report.RunID, ends[0].RunID)
}

func TestFlowRun_GraphRecordsEdges(t *testing.T) {
	env := setupTestEngine(t)
	var up, down []string
	var a, b *engine.Future
	flow := engine.MustFlow("graph", func(fr *engine.FlowRun, params map[string]interface{}) (interface{}, error) {
		a = fr.Submit(add, []interface{}{1, 2})
		b = fr.Submit(add, []interface{}{a, 10})
		c := fr.Submit(constTask("after", nil), nil, engine.WaitFor(engine.AllowFailure(b)))
		up = fr.Graph().Upstream(b.ID())
		down = fr.Graph().Downstream(a.ID())
		assert.True(t, fr.Graph().Nodes[c.ID()].Relaxed[b.ID()])
		assert.Equal(t, 3, fr.Graph().Len())
		return c, nil
	})

	_, err := env.engine.RunFlow(testContext(t), flow, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID()}, up)
	assert.Equal(t, []string{b.ID()}, down)
}

func TestRunFlow_CallReturnsValueOrError(t *testing.T) {
	env := setupTestEngine(t)
	var callErr error
	flow := engine.MustFlow("call", func(fr *engine.FlowRun, params map[string]interface{}) (interface{}, error) {
		v, err := fr.Call(fr.Context(), add, 20, 22)
		if err != nil {
			return nil, err
		}
		_, callErr = fr.Call(fr.Context(), failTask("boom", "exploded"))
		return v, nil
	})

	report, err := env.engine.RunFlow(testContext(t), flow, nil)
	require.NoError(t, err, "a returned plain value decides the run state")
	assert.Equal(t, 42, report.Value)
	require.Error(t, callErr)
	assert.Contains(t, callErr.Error(), "exploded")
	assert.Equal(t, 1, report.StateCounts[string(fcstate.Failed)])
}

func TestRunFlow_ReturnedNilUsesNodeStates(t *testing.T) {
	env := setupTestEngine(t)
	flow := engine.MustFlow("implicit", func(fr *engine.FlowRun, params map[string]interface{}) (interface{}, error) {
		fr.Submit(constTask("ok", 1), nil)
		fr.Submit(failTask("bad", "broken"), nil)
		return nil, nil
	})

	report, err := env.engine.RunFlow(testContext(t), flow, nil)
	require.Error(t, err)
	assert.Equal(t, string(fcstate.Failed), report.State)
	assert.Contains(t, report.Error, "1 failed node(s)")
	assert.Equal(t, string(fcstate.Completed), nodesOf(report, "ok")[0].State)
	assert.Equal(t, string(fcstate.Failed), nodesOf(report, "bad")[0].State)
}

func TestRunFlow_BodyErrorFailsRun(t *testing.T) {
	env := setupTestEngine(t)
	flow := engine.MustFlow("body-error", func(fr *engine.FlowRun, params map[string]interface{}) (interface{}, error) {
		return nil, errors.New("body gave up")
	})

	report, err := env.engine.RunFlow(testContext(t), flow, nil)
	require.Error(t, err)
	assert.Equal(t, string(fcstate.Failed), report.State)
	assert.Equal(t, "body gave up", report.Error)
}

func TestRunFlow_TaskPanicCrashes(t *testing.T) {
	env := setupTestEngine(t)
	panicky := engine.MustTask("panicky", func(ctx context.Context, args []interface{}) (interface{}, error) {
		panic("unexpected state")
	}, engine.WithRetries(3, time.Millisecond))
	flow := engine.MustFlow("crash", func(fr *engine.FlowRun, params map[string]interface{}) (interface{}, error) {
		return fr.Submit(panicky, nil), nil
	})

	report, err := env.engine.RunFlow(testContext(t), flow, nil)
	require.Error(t, err)
	assert.True(t, fcerrors.IsCrash(err))
	assert.Equal(t, string(fcstate.Crashed), report.State)
	nodes := nodesOf(report, "panicky")
	require.Len(t, nodes, 1)
	assert.Equal(t, 1, nodes[0].Attempts, "crashes are not retried")
}

func TestRunFlow_FutureListOutcome(t *testing.T) {
	env := setupTestEngine(t)
	flow := engine.MustFlow("list", func(fr *engine.FlowRun, params map[string]interface{}) (interface{}, error) {
		return []*engine.Future{
			fr.Submit(add, []interface{}{1, 1}),
			fr.Submit(add, []interface{}{2, 2}),
		}, nil
	})

	report, err := env.engine.RunFlow(testContext(t), flow, nil)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{2, 4}, report.Value)
}

func TestRunFlow_ExecutionModes(t *testing.T) {
	for _, tc := range []struct {
		mode          engine.ExecutionMode
		maxConcurrent int32
	}{
		{engine.ModeSequential, 1},
		{engine.ModeCooperative, 1},
		{engine.ModeParallel, 3},
	} {
		t.Run(string(tc.mode), func(t *testing.T) {
			env := setupTestEngine(t)
			var current, peak atomic.Int32
			var mu sync.Mutex
			var started []int
			square := engine.MustTask("square", func(ctx context.Context, args []interface{}) (interface{}, error) {
				mu.Lock()
				started = append(started, args[0].(int))
				mu.Unlock()
				n := current.Add(1)
				defer current.Add(-1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				v := args[0].(int)
				return v * v, nil
			})
			flow := engine.MustFlow("modes", func(fr *engine.FlowRun, params map[string]interface{}) (interface{}, error) {
				return fr.Map(square, []interface{}{[]int{1, 2, 3, 4, 5}})
			}, engine.WithMode(tc.mode), engine.WithWorkers(3))

			report, err := env.engine.RunFlow(testContext(t), flow, nil)
			require.NoError(t, err)
			assert.Equal(t, []interface{}{1, 4, 9, 16, 25}, report.Value)
			assert.LessOrEqual(t, peak.Load(), tc.maxConcurrent)
			assert.Equal(t, 5, report.StateCounts[string(fcstate.Completed)])
			if tc.mode == engine.ModeSequential {
				assert.Equal(t, []int{1, 2, 3, 4, 5}, started, "sequential runs follow submission order")
			} else {
				assert.ElementsMatch(t, []int{1, 2, 3, 4, 5}, started)
			}
		})
	}
}

func TestRunFlow_CooperativeSleepYields(t *testing.T) {
	env := setupTestEngine(t)
	var order []string
	step := func(name string) *engine.TaskDefinition {
		return engine.MustTask(name, func(ctx context.Context, args []interface{}) (interface{}, error) {
			order = append(order, name+":start")
			if err := engine.Sleep(ctx, 30*time.Millisecond); err != nil {
				return nil, err
			}
			order = append(order, name+":end")
			return name, nil
		})
	}
	flow := engine.MustFlow("coop", func(fr *engine.FlowRun, params map[string]interface{}) (interface{}, error) {
		return []*engine.Future{fr.Submit(step("a"), nil), fr.Submit(step("b"), nil)}, nil
	}, engine.WithMode(engine.ModeCooperative))

	report, err := env.engine.RunFlow(testContext(t), flow, nil)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b"}, report.Value)
	require.Len(t, order, 4)
	assert.ElementsMatch(t, []string{"a:start", "b:start"}, order[:2], "a sleeping node hands the processor to the next one")
}

func TestRunFlow_ParamSchema(t *testing.T) {
	schema := map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"count", "label"},
		"properties": map[string]interface{}{
			"count": map[string]interface{}{"type": "integer", "minimum": 1},
			"label": map[string]interface{}{"type": "string"},
			"mode":  map[string]interface{}{"type": "string", "default": "fast"},
		},
	}
	echo := engine.MustFlow("echo", func(fr *engine.FlowRun, params map[string]interface{}) (interface{}, error) {
		return params, nil
	}, engine.WithParamSchema(schema))

	t.Run("defaults fill missing params", func(t *testing.T) {
		env := setupTestEngine(t)
		report, err := env.engine.RunFlow(testContext(t), echo, map[string]interface{}{"count": 2, "label": "x"})
		require.NoError(t, err)
		assert.Equal(t, map[string]interface{}{"count": 2, "label": "x", "mode": "fast"}, report.Value)
	})

	t.Run("every problem is reported", func(t *testing.T) {
		env := setupTestEngine(t)
		report, err := env.engine.RunFlow(testContext(t), echo, map[string]interface{}{"count": 0})
		require.Error(t, err)
		assert.Nil(t, report, "invalid parameters never start a run")
		var ve *fcerrors.ValidationError
		require.True(t, errors.As(err, &ve))
		assert.Len(t, ve.Problems, 2)
		assert.Empty(t, env.bus.ofType(events.FlowRunStart))
	})

	t.Run("invalid schema is rejected at definition", func(t *testing.T) {
		_, err := engine.NewFlow("bad", func(fr *engine.FlowRun, params map[string]interface{}) (interface{}, error) {
			return nil, nil
		}, engine.WithParamSchema(map[string]interface{}{"type": 12}))
		require.Error(t, err)
	})
}

func TestRunFlow_FlowRetries(t *testing.T) {
	env := setupTestEngine(t)
	var runs atomic.Int32
	flow := engine.MustFlow("flaky", func(fr *engine.FlowRun, params map[string]interface{}) (interface{}, error) {
		if runs.Add(1) < 3 {
			fr.Submit(failTask("step", "not yet"), nil)
			return nil, nil
		}
		return fr.Submit(constTask("step", "done"), nil), nil
	}, engine.WithFlowRetries(2, 10*time.Millisecond))

	report, err := env.engine.RunFlow(testContext(t), flow, nil)
	require.NoError(t, err)
	assert.Equal(t, "done", report.Value)
	assert.Equal(t, 3, report.Attempts)
	assert.Len(t, env.bus.ofType(events.FlowRunStart), 3)
}

func TestRunFlow_FlowRetriesSkipCancelledRuns(t *testing.T) {
	env := setupTestEngine(t)
	var runs atomic.Int32
	flow := engine.MustFlow("cancelled", func(fr *engine.FlowRun, params map[string]interface{}) (interface{}, error) {
		runs.Add(1)
		fr.Cancel("stop")
		return nil, nil
	}, engine.WithFlowRetries(3, time.Millisecond))

	report, err := env.engine.RunFlow(testContext(t), flow, nil)
	require.Error(t, err)
	assert.Equal(t, string(fcstate.Cancelled), report.State)
	assert.Equal(t, int32(1), runs.Load())
}

func TestRunFlow_ChildFlowFailureIsAState(t *testing.T) {
	env := setupTestEngine(t)
	child := engine.MustFlow("child", func(fr *engine.FlowRun, params map[string]interface{}) (interface{}, error) {
		return fr.Submit(failTask("child-step", "child broke"), nil), nil
	})
	var childState fcstate.State
	parent := engine.MustFlow("parent", func(fr *engine.FlowRun, params map[string]interface{}) (interface{}, error) {
		f := fr.CallState(fr.Context(), child, map[string]interface{}{"x": 1})
		childState = f.State()
		return fr.Submit(constTask("cleanup", "cleaned"), nil), nil
	})

	report, err := env.engine.RunFlow(testContext(t), parent, nil)
	require.NoError(t, err)
	assert.Equal(t, fcstate.Failed, childState)
	assert.Equal(t, "cleaned", report.Value)
	assert.Equal(t, string(fcstate.Failed), nodesOf(report, "child")[0].State)
	assert.Len(t, env.bus.ofType(events.FlowRunStart), 2)
}

func TestRunFlow_ChildFlowReadsParentFuture(t *testing.T) {
	env := setupTestEngine(t)
	var upstream *engine.Future
	child := engine.MustFlow("child", func(fr *engine.FlowRun, params map[string]interface{}) (interface{}, error) {
		return fr.Submit(add, []interface{}{upstream, 100}), nil
	})
	parent := engine.MustFlow("parent", func(fr *engine.FlowRun, params map[string]interface{}) (interface{}, error) {
		upstream = fr.Submit(add, []interface{}{1, 2})
		return fr.Call(fr.Context(), child)
	})

	report, err := env.engine.RunFlow(testContext(t), parent, nil)
	require.NoError(t, err)
	assert.Equal(t, 103, report.Value)
}

func TestRunFlow_TaskTimeoutCancelsNode(t *testing.T) {
	env := setupTestEngine(t)
	slow := engine.MustTask("slow", func(ctx context.Context, args []interface{}) (interface{}, error) {
		return nil, engine.Sleep(ctx, time.Hour)
	}, engine.WithTimeout(50*time.Millisecond))
	flow := engine.MustFlow("timeout", func(fr *engine.FlowRun, params map[string]interface{}) (interface{}, error) {
		return fr.Submit(slow, nil), nil
	})

	report, err := env.engine.RunFlow(testContext(t), flow, nil)
	require.Error(t, err)
	assert.True(t, fcerrors.IsCancelled(err))
	nodes := nodesOf(report, "slow")
	require.Len(t, nodes, 1)
	assert.Equal(t, string(fcstate.Cancelled), nodes[0].State)
	assert.Contains(t, nodes[0].Error, "timeout")
}

func TestRunFlow_FlowTimeout(t *testing.T) {
	env := setupTestEngine(t)
	slow := engine.MustTask("slow", func(ctx context.Context, args []interface{}) (interface{}, error) {
		return nil, engine.Sleep(ctx, time.Hour)
	})
	flow := engine.MustFlow("timeout", func(fr *engine.FlowRun, params map[string]interface{}) (interface{}, error) {
		fr.Submit(slow, nil)
		return nil, nil
	}, engine.WithFlowTimeout(50*time.Millisecond))

	start := time.Now()
	report, err := env.engine.RunFlow(testContext(t), flow, nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, string(fcstate.Cancelled), report.State)
	assert.Equal(t, 1, report.StateCounts[string(fcstate.Cancelled)])
}

func TestRunFlow_CancelReleasesSlots(t *testing.T) {
	env := setupTestEngine(t, flowcorev1.WithConcurrencyLimits(map[string]int{"db": 2}))
	blocking := engine.MustTask("query", func(ctx context.Context, args []interface{}) (interface{}, error) {
		return nil, engine.Sleep(ctx, time.Hour)
	}, engine.WithTags("db"))
	lim := env.engine.Limiter()

	flow := engine.MustFlow("cancel", func(fr *engine.FlowRun, params map[string]interface{}) (interface{}, error) {
		for i := 0; i < 5; i++ {
			fr.Submit(blocking, []interface{}{i})
		}
		deadline := time.Now().Add(3 * time.Second)
		for lim.Held("db") < 2 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		assert.Equal(t, 2, lim.Held("db"), "the limit caps running nodes")
		fr.Cancel("operator stop")
		return nil, nil
	})

	report, err := env.engine.RunFlow(testContext(t), flow, nil)
	require.Error(t, err)
	assert.True(t, fcerrors.IsCancelled(err))
	assert.Equal(t, string(fcstate.Cancelled), report.State)
	assert.Equal(t, map[string]int{string(fcstate.Cancelled): 5}, report.StateCounts)
	assert.Equal(t, 0, lim.Held("db"))
	assert.Equal(t, len(env.bus.ofType(events.SlotsAcquired)), len(env.bus.ofType(events.SlotsReleased)))
}

func TestRunFlow_CallerContextCancellation(t *testing.T) {
	env := setupTestEngine(t)
	blocking := engine.MustTask("wait", func(ctx context.Context, args []interface{}) (interface{}, error) {
		return nil, engine.Sleep(ctx, time.Hour)
	})
	flow := engine.MustFlow("caller", func(fr *engine.FlowRun, params map[string]interface{}) (interface{}, error) {
		return fr.Submit(blocking, nil), nil
	})

	ctx, cancel := context.WithTimeout(testContext(t), 50*time.Millisecond)
	defer cancel()
	report, err := env.engine.RunFlow(ctx, flow, nil)
	require.Error(t, err)
	require.NotNil(t, report)
	assert.Equal(t, string(fcstate.Cancelled), report.State)
	for _, nr := range report.NodeResults {
		assert.True(t, fcstate.State(nr.State).IsTerminal())
	}
}

func TestRunFlow_RetryBound(t *testing.T) {
	env := setupTestEngine(t)
	var calls atomic.Int32
	var node *engine.Future
	flaky := engine.MustTask("flaky", func(ctx context.Context, args []interface{}) (interface{}, error) {
		calls.Add(1)
		return nil, errors.New("transient")
	}, engine.WithRetries(3, 40*time.Millisecond))
	flow := engine.MustFlow("retry", func(fr *engine.FlowRun, params map[string]interface{}) (interface{}, error) {
		node = fr.Submit(flaky, nil)
		return node, nil
	})

	start := time.Now()
	report, err := env.engine.RunFlow(testContext(t), flow, nil)
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
	nodes := nodesOf(report, "flaky")
	require.Len(t, nodes, 1)
	assert.Equal(t, 3, nodes[0].Attempts)
	assert.Equal(t, string(fcstate.Failed), nodes[0].State)
	assert.Len(t, env.bus.ofType(events.RetryScheduled), 2)

	want := []fcstate.State{
		fcstate.Scheduled, fcstate.Pending,
		fcstate.Running, fcstate.Pending,
		fcstate.Running, fcstate.Pending,
		fcstate.Running, fcstate.Failed,
	}
	if diff := cmp.Diff(want, env.bus.transitions(node.ID())); diff != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", diff)
	}
}

func TestRunFlow_RetrySucceedsEventually(t *testing.T) {
	env := setupTestEngine(t)
	var calls atomic.Int32
	flaky := engine.MustTask("flaky", func(ctx context.Context, args []interface{}) (interface{}, error) {
		if calls.Add(1) < 2 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	}, engine.WithRetries(3, time.Millisecond))
	flow := engine.MustFlow("retry", func(fr *engine.FlowRun, params map[string]interface{}) (interface{}, error) {
		return fr.Submit(flaky, nil), nil
	})

	report, err := env.engine.RunFlow(testContext(t), flow, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", report.Value)
	assert.Equal(t, 2, nodesOf(report, "flaky")[0].Attempts)
}

func TestNewEngine_RejectsNilLogger(t *testing.T) {
	_, err := engine.NewEngine(nil)
	require.Error(t, err)
	var ce *fcerrors.ConfigError
	assert.True(t, errors.As(err, &ce))
}

func TestNewTask_Validation(t *testing.T) {
	fn := func(ctx context.Context, args []interface{}) (interface{}, error) { return nil, nil }

	_, err := engine.NewTask("", fn)
	assert.Error(t, err)
	_, err = engine.NewTask("x", nil)
	assert.Error(t, err)
	_, err = engine.NewTask("x", fn, engine.WithVersion("not-semver"))
	assert.Error(t, err)
	_, err = engine.NewTask("x", fn, engine.WithTags(""))
	assert.Error(t, err)

	td, err := engine.NewTask("x", fn, engine.WithVersion("1.2.0"))
	require.NoError(t, err)
	assert.Equal(t, "x@1.2.0", td.Identity())
}
