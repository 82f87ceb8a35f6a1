package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gxo-labs/flowcore/internal/cache"
	"github.com/gxo-labs/flowcore/internal/limiter"
	"github.com/gxo-labs/flowcore/internal/logger"
	"github.com/gxo-labs/flowcore/internal/retry"
	intTracing "github.com/gxo-labs/flowcore/internal/tracing"
	fcerrors "github.com/gxo-labs/flowcore/pkg/flowcore/v1/errors"
	"github.com/gxo-labs/flowcore/pkg/flowcore/v1/events"
	fclog "github.com/gxo-labs/flowcore/pkg/flowcore/v1/log"
	fcstate "github.com/gxo-labs/flowcore/pkg/flowcore/v1/state"

	"go.opentelemetry.io/otel/attribute"
	codes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// errNodeFinished stops the attempt loop of a node that was finished
// elsewhere, typically by a run cancellation, between two attempts.
var errNodeFinished = fcerrors.NewCancellationRequested("node finished while waiting to run", nil)

// execNode runs one queued node on a scheduler goroutine.
func (fr *FlowRun) execNode(n *node, h *holder) {
	h.acquire()
	defer h.release()

	if s, _ := fr.machine.State(n.id); s != fcstate.Pending {
		return
	}

	e := fr.engine
	nodeLog := fr.log.With("task", n.def.Name(), "node_id", n.id)
	if n.mapIndex >= 0 {
		nodeLog = nodeLog.With("map_index", n.mapIndex)
	}
	ctx := withHolder(fr.ctx, h)
	ctx = logger.WithContext(ctx, nodeLog)

	timeout := e.defaultTimeout
	if td, ok := n.def.(*TaskDefinition); ok && td.timeout > 0 {
		timeout = td.timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeout,
			fcerrors.NewCancellationRequested("timeout", context.DeadlineExceeded))
		defer cancel()
	}

	if n.buildErr != nil {
		fr.failBeforeRun(n, n.buildErr)
		return
	}
	args, err := fr.resolveArgs(n)
	if err != nil {
		fr.failBeforeRun(n, err)
		return
	}

	switch def := n.def.(type) {
	case *TaskDefinition:
		fr.runTask(ctx, n, def, args, nodeLog)
	case *FlowDefinition:
		fr.runChildFlow(ctx, n, def, args, nodeLog)
	default:
		fr.failBeforeRun(n, fcerrors.NewConfigError(fmt.Sprintf("unsupported definition type %T", n.def), nil))
	}
}

// resolveArgs replaces every future in the node's arguments by its value.
// Upstreams are terminal by the time a node is queued.
func (fr *FlowRun) resolveArgs(n *node) ([]interface{}, error) {
	lookup := func(f *Future) (fcstate.Result, error) {
		return f.run.results.Get(f.n.id)
	}
	out := make([]interface{}, len(n.args))
	for i, arg := range n.args {
		val, err := resolveValue(arg, lookup)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve argument %d: %w", i, err)
		}
		out[i] = val
	}
	return out, nil
}

// enterRunning moves n to Running. It reports false when the node was
// finished concurrently.
func (fr *FlowRun) enterRunning(n *node) bool {
	if err := fr.machine.Transition(n.id, fcstate.Running); err != nil {
		return false
	}
	n.started.CompareAndSwap(0, time.Now().UnixNano())
	fr.updateResult(n, fcstate.Running)
	return true
}

func (fr *FlowRun) failBeforeRun(n *node, err error) {
	if !fr.enterRunning(n) {
		return
	}
	n.attempts.Store(1)
	fr.complete(n, fcstate.Failed, nil, fcerrors.NewTaskFailure(n.def.Name(), n.id, 1, err))
}

// acquireSlots waits for the node's tag slots without holding the processor.
func (fr *FlowRun) acquireSlots(ctx context.Context, n *node, tags []string) (*limiter.Lease, error) {
	var (
		lease *limiter.Lease
		err   error
	)
	blockOn(ctx, func() { lease, err = fr.engine.limiter.Acquire(ctx, tags) })
	if err == nil && len(tags) > 0 {
		fr.emit(events.SlotsAcquired, n, map[string]interface{}{"tags": tags})
	}
	return lease, err
}

func (fr *FlowRun) releaseSlots(n *node, lease *limiter.Lease) {
	if lease == nil {
		return
	}
	tags := lease.Tags()
	lease.Release()
	if len(tags) > 0 {
		fr.emit(events.SlotsReleased, n, map[string]interface{}{"tags": tags})
	}
}

func (fr *FlowRun) runTask(ctx context.Context, n *node, td *TaskDefinition, args []interface{}, log fclog.Logger) {
	e := fr.engine

	lease, err := fr.acquireSlots(ctx, n, td.tags)
	if err != nil {
		fr.complete(n, fcstate.Cancelled, nil, cancellationCause(ctx, err))
		return
	}
	if !fr.enterRunning(n) {
		fr.releaseSlots(n, lease)
		return
	}
	n.attempts.Store(1)

	var (
		cacheKey  string
		cacheable bool
	)
	if td.cache != nil {
		cacheKey, cacheable = e.cache.ComputeKey(*td.cache, cache.KeyContext{
			RunID:    fr.runID,
			FlowName: fr.FlowName(),
			TaskName: td.name,
			Identity: td.Identity(),
			Args:     args,
		})
		if cacheable {
			if value, hit := e.cache.Get(ctx, cacheKey, td.cache.Scope, fr.runID); hit {
				fr.releaseSlots(n, lease)
				log.Debugf("Cache hit for task '%s'", td.name)
				n.cacheHit.Store(true)
				e.observeCacheLookup(true)
				fr.emit(events.CacheHit, n, map[string]interface{}{"scope": string(td.cache.Scope)})
				fr.complete(n, fcstate.Completed, value, nil)
				return
			}
			e.observeCacheLookup(false)
			fr.emit(events.CacheMiss, n, map[string]interface{}{"scope": string(td.cache.Scope)})
		}
	}

	var value interface{}
	first := true
	attempts, runErr := e.retryHelper.Do(ctx, retry.Config{
		Policy:   td.retry,
		TaskName: td.name,
		Sleep:    Sleep,
		OnRetry: func(failedAttempt int, delay time.Duration, err error) error {
			if tErr := fr.machine.Transition(n.id, fcstate.Pending); tErr != nil {
				return errNodeFinished
			}
			fr.updateResult(n, fcstate.Pending)
			e.observeRetry(td.name)
			fr.emit(events.RetryScheduled, n, map[string]interface{}{
				"failed_attempt": failedAttempt,
				"delay_ms":       delay.Milliseconds(),
				"error":          e.redactError(err).Error(),
			})
			return nil
		},
	}, func(attemptCtx context.Context, attempt int) error {
		if !first {
			l, err := fr.acquireSlots(attemptCtx, n, td.tags)
			if err != nil {
				return cancellationCause(attemptCtx, err)
			}
			lease = l
			if !fr.enterRunning(n) {
				fr.releaseSlots(n, lease)
				return errNodeFinished
			}
			n.attempts.Store(int32(attempt))
		}
		first = false
		defer fr.releaseSlots(n, lease)

		v, err := fr.invoke(attemptCtx, n, td, args, attempt, log)
		if err == nil {
			value = v
		}
		return err
	})

	if runErr == nil {
		if st, _ := fr.machine.State(n.id); st != fcstate.Running {
			// Cancelled while the body ran; its value is discarded.
			log.Debugf("Discarding result of task '%s', node ended %s while running", td.name, st)
			return
		}
		if cacheable {
			if err := e.cache.Put(ctx, cacheKey, value, td.cache.TTL, td.cache.Scope, fr.runID); err != nil {
				log.Warnf("Failed to cache result of task '%s': %v", td.name, err)
			}
		}
		fr.complete(n, fcstate.Completed, value, nil)
		return
	}
	if errors.Is(runErr, errNodeFinished) {
		return
	}
	to, finalErr := classifyNodeError(ctx, td.name, n.id, attempts, runErr)
	fr.complete(n, to, nil, finalErr)
}

// invoke runs one attempt of the task body. A panic becomes an
// InfrastructureCrash.
func (fr *FlowRun) invoke(ctx context.Context, n *node, td *TaskDefinition, args []interface{}, attempt int, log fclog.Logger) (value interface{}, err error) {
	e := fr.engine
	attemptCtx := withNodeInfo(ctx, NodeInfo{
		RunID:    fr.runID,
		FlowName: fr.FlowName(),
		TaskName: td.name,
		NodeID:   n.id,
		MapIndex: n.mapIndex,
		Attempt:  attempt,
	})
	attemptCtx = logger.WithContext(attemptCtx, log.With("attempt", attempt))

	var span oteltrace.Span
	if e.tracingEnabled() {
		attemptCtx, span = e.tracerProvider.GetTracer(tracerName).Start(attemptCtx, "flowcore.task.run",
			oteltrace.WithAttributes(
				attribute.String("flowcore.task.name", td.name),
				attribute.String("flowcore.node.id", n.id),
				attribute.Int("flowcore.node.map_index", n.mapIndex),
				attribute.Int("flowcore.task.attempt", attempt),
			))
		defer span.End()
	}
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fcerrors.NewInfrastructureCrash(td.name, n.id, fmt.Errorf("panic: %v", r))
		}
		if span != nil {
			if err != nil {
				intTracing.RecordErrorWithContext(span, err, e.redactedKeywords)
			} else {
				span.SetStatus(codes.Ok, "")
			}
		}
	}()

	return td.fn(attemptCtx, append([]interface{}(nil), args...))
}

// runChildFlow runs a nested flow as the body of n. The parent's processor
// is released while the child runs.
func (fr *FlowRun) runChildFlow(ctx context.Context, n *node, fd *FlowDefinition, args []interface{}, log fclog.Logger) {
	params, err := childParams(fd, args)
	if err != nil {
		fr.failBeforeRun(n, err)
		return
	}
	if !fr.enterRunning(n) {
		return
	}
	n.attempts.Store(1)

	childCtx := withHolder(ctx, nil)
	var (
		report *RunReport
		runErr error
	)
	blockOn(ctx, func() { report, runErr = fr.engine.runFlow(childCtx, fd, params, fr) })

	if report == nil {
		fr.complete(n, fcstate.Failed, nil, fcerrors.NewTaskFailure(fd.name, n.id, 1, runErr))
		return
	}
	n.attempts.Store(int32(report.Attempts))
	log.Debugf("Child flow '%s' (run %s) ended %s", fd.name, report.RunID, report.State)
	switch fcstate.State(report.State) {
	case fcstate.Completed:
		fr.complete(n, fcstate.Completed, report.Value, nil)
	case fcstate.Crashed:
		fr.complete(n, fcstate.Crashed, nil, runErr)
	case fcstate.Cancelled:
		fr.complete(n, fcstate.Cancelled, nil, runErr)
	default:
		fr.complete(n, fcstate.Failed, nil, fcerrors.NewTaskFailure(fd.name, n.id, report.Attempts, runErr))
	}
}

// childParams accepts no argument or a single parameter map.
func childParams(fd *FlowDefinition, args []interface{}) (map[string]interface{}, error) {
	switch len(args) {
	case 0:
		return nil, nil
	case 1:
		if args[0] == nil {
			return nil, nil
		}
		if m, ok := args[0].(map[string]interface{}); ok {
			return m, nil
		}
	}
	return nil, fcerrors.NewValidationError(
		fmt.Sprintf("child flow '%s' takes a single map[string]interface{} of parameters, got %d argument(s)", fd.name, len(args)), nil)
}

// classifyNodeError maps the last error of a node to its terminal state.
func classifyNodeError(ctx context.Context, taskName, nodeID string, attempts int, err error) (fcstate.State, error) {
	switch {
	case fcerrors.IsCrash(err):
		return fcstate.Crashed, err
	case fcerrors.IsCancelled(err):
		return fcstate.Cancelled, err
	case ctx.Err() != nil:
		return fcstate.Cancelled, cancellationCause(ctx, err)
	default:
		return fcstate.Failed, fcerrors.NewTaskFailure(taskName, nodeID, attempts, err)
	}
}

// cancellationCause returns the CancellationRequested behind a done context.
func cancellationCause(ctx context.Context, fallback error) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = fallback
	}
	if fcerrors.IsCancelled(cause) {
		return cause
	}
	return fcerrors.NewCancellationRequested("context cancelled", cause)
}

func (fr *FlowRun) emit(t events.EventType, n *node, payload map[string]interface{}) {
	ev := events.Event{
		Type:      t,
		Timestamp: time.Now(),
		RunID:     fr.runID,
		FlowName:  fr.FlowName(),
		Payload:   payload,
	}
	if n != nil {
		ev.TaskName = n.def.Name()
		ev.NodeID = n.id
	}
	fr.engine.eventBus.Emit(ev)
}
