package engine

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	flowcorev1 "github.com/gxo-labs/flowcore/pkg/flowcore/v1"
	fccache "github.com/gxo-labs/flowcore/pkg/flowcore/v1/cache"
	fcerrors "github.com/gxo-labs/flowcore/pkg/flowcore/v1/errors"
	"github.com/gxo-labs/flowcore/pkg/flowcore/v1/events"
	fclog "github.com/gxo-labs/flowcore/pkg/flowcore/v1/log"
	"github.com/gxo-labs/flowcore/pkg/flowcore/v1/metrics"
	"github.com/gxo-labs/flowcore/pkg/flowcore/v1/plugin"
	"github.com/gxo-labs/flowcore/pkg/flowcore/v1/secrets"
	fcstate "github.com/gxo-labs/flowcore/pkg/flowcore/v1/state"
	fctracing "github.com/gxo-labs/flowcore/pkg/flowcore/v1/tracing"

	"github.com/gxo-labs/flowcore/internal/cache"
	intEvents "github.com/gxo-labs/flowcore/internal/events"
	"github.com/gxo-labs/flowcore/internal/limiter"
	"github.com/gxo-labs/flowcore/internal/logger"
	intMetrics "github.com/gxo-labs/flowcore/internal/metrics"
	"github.com/gxo-labs/flowcore/internal/module"
	"github.com/gxo-labs/flowcore/internal/retry"
	intSecrets "github.com/gxo-labs/flowcore/internal/secrets"
	intState "github.com/gxo-labs/flowcore/internal/state"
	"github.com/gxo-labs/flowcore/internal/template"
	intTracing "github.com/gxo-labs/flowcore/internal/tracing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	codes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	tracerName           = "flowcore-engine"
	defaultShutdownGrace = 10 * time.Second
)

// RunReport is the summary of a finished flow run.
type RunReport = flowcorev1.RunReport

// Engine runs flow definitions. One engine may run many flows concurrently;
// they share its cache and its concurrency limits.
type Engine struct {
	// Core Services & Providers
	resultStoreFactory func() fcstate.ResultStore
	cacheBackend       fccache.Backend
	cache              *cache.Manager
	limiter            *limiter.Limiter
	secretsProvider    secrets.Provider
	eventBus           events.Bus
	pluginRegistry     plugin.Registry
	metricsProvider    metrics.RegistryProvider
	tracerProvider     fctracing.TracerProvider
	log                fclog.Logger
	retryHelper        *retry.Helper
	renderer           *template.GoRenderer

	// Configuration & Policies
	workerPoolSize        int
	defaultTimeout        time.Duration
	shutdownGrace         time.Duration
	redactedKeywords      map[string]struct{}
	redactedKeywordsSlice []string

	// Metrics Collectors
	flowCounter  *prometheus.CounterVec
	flowDuration *prometheus.HistogramVec
	taskCounter  *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	taskRetries  *prometheus.CounterVec
	cacheLookups *prometheus.CounterVec
}

var _ flowcorev1.EngineV1 = (*Engine)(nil)

// NewEngine creates an engine. Collaborators not supplied through options
// get in-process defaults.
func NewEngine(log fclog.Logger, opts ...flowcorev1.EngineOption) (*Engine, error) {
	if log == nil {
		return nil, fcerrors.NewConfigError("logger cannot be nil", nil)
	}

	e := &Engine{
		log:              log,
		limiter:          limiter.New(log),
		workerPoolSize:   runtime.NumCPU(),
		shutdownGrace:    defaultShutdownGrace,
		redactedKeywords: make(map[string]struct{}),
	}

	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, fcerrors.NewConfigError(fmt.Sprintf("failed to apply engine option: %v", err), err)
		}
	}

	if e.resultStoreFactory == nil {
		e.log.Debugf("No result store factory provided, using default in-memory store.")
		e.resultStoreFactory = func() fcstate.ResultStore { return intState.NewMemoryResultStore() }
	}
	if e.cacheBackend == nil {
		e.log.Debugf("No cache backend provided, using default in-memory backend.")
		e.cacheBackend = cache.NewMemoryBackend()
	}
	if e.secretsProvider == nil {
		e.log.Warnf("No secrets provider provided, using default environment provider.")
		e.secretsProvider = intSecrets.NewEnvProvider("")
	}
	if e.eventBus == nil {
		e.log.Warnf("No event bus provided, using default NoOp bus.")
		e.eventBus = intEvents.NewNoOpEventBus()
	}
	if e.pluginRegistry == nil {
		e.log.Warnf("No plugin registry provided, using default static registry.")
		e.pluginRegistry = module.DefaultStaticRegistryGetter
	}
	if e.metricsProvider == nil {
		e.log.Warnf("No metrics provider provided, using default Prometheus provider.")
		e.metricsProvider = intMetrics.NewPrometheusRegistryProvider()
	}
	if e.tracerProvider == nil {
		e.log.Warnf("No tracer provider provided, using default NoOp provider.")
		tp, err := intTracing.NewNoOpProvider()
		if err != nil {
			return nil, fcerrors.NewConfigError("failed to create default NoOp tracer provider", err)
		}
		e.tracerProvider = tp
	}

	e.cache = cache.NewManager(e.cacheBackend, e.log)
	e.retryHelper = retry.NewHelper(e.log)
	e.retryHelper.SetRedactedKeywords(e.redactedKeywords)
	e.renderer = template.NewGoRenderer(e.secretsProvider, e.eventBus, nil)

	e.initMetrics()

	return e, nil
}

func registerCollector[C prometheus.Collector](reg prometheus.Registerer, c C, log fclog.Logger) C {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				log.Debugf("Metric collector already registered, reusing it.")
				return existing
			}
		}
		log.Warnf("Failed to register metric collector: %v", err)
	}
	return c
}

func (e *Engine) initMetrics() {
	if e.metricsProvider == nil {
		e.log.Warnf("Metrics provider is nil, skipping metrics initialization.")
		return
	}
	reg := e.metricsProvider.Registry()
	if reg == nil {
		e.log.Errorf("Metrics provider returned a nil registry, cannot initialize metrics.")
		return
	}

	e.flowCounter = registerCollector(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "flowcore_flow_runs_total", Help: "Total number of flow runs by final state."},
		[]string{"flow", "state"},
	), e.log)
	e.flowDuration = registerCollector(reg, prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "flowcore_flow_run_duration_seconds", Help: "Duration of flow runs in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"flow"},
	), e.log)
	e.taskCounter = registerCollector(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "flowcore_task_runs_total", Help: "Total number of nodes by task and final state."},
		[]string{"task", "state"},
	), e.log)
	e.taskDuration = registerCollector(reg, prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "flowcore_task_run_duration_seconds", Help: "Duration of nodes from first start to terminal state.", Buckets: prometheus.DefBuckets},
		[]string{"task"},
	), e.log)
	e.taskRetries = registerCollector(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "flowcore_task_retries_total", Help: "Total number of scheduled task retries."},
		[]string{"task"},
	), e.log)
	e.cacheLookups = registerCollector(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "flowcore_cache_lookups_total", Help: "Cache lookups of cacheable tasks by result."},
		[]string{"result"},
	), e.log)

	if err := e.limiter.RegisterMetrics(reg); err != nil {
		e.log.Warnf("Failed to register concurrency limiter metrics: %v", err)
	}
	e.log.Debugf("Prometheus metrics initialized and registered.")
}

func (e *Engine) observeNode(task string, state fcstate.State, start, end time.Time) {
	if e.taskCounter != nil {
		e.taskCounter.WithLabelValues(task, string(state)).Inc()
	}
	if e.taskDuration != nil && !start.IsZero() {
		e.taskDuration.WithLabelValues(task).Observe(end.Sub(start).Seconds())
	}
}

func (e *Engine) observeRetry(task string) {
	if e.taskRetries != nil {
		e.taskRetries.WithLabelValues(task).Inc()
	}
}

func (e *Engine) observeCacheLookup(hit bool) {
	if e.cacheLookups == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	e.cacheLookups.WithLabelValues(result).Inc()
}

func (e *Engine) redactError(err error) error {
	return template.RedactSecretsInError(err, e.redactedKeywords)
}

func (e *Engine) tracingEnabled() bool {
	if e.tracerProvider == nil {
		return false
	}
	if p, ok := e.tracerProvider.(*intTracing.OtelTracerProvider); ok {
		return !p.IsEffectivelyNoOp()
	}
	return true
}

// Limiter returns the engine-wide concurrency limiter, for changing limits
// at runtime.
func (e *Engine) Limiter() *limiter.Limiter { return e.limiter }

// Cache returns the cache manager shared by every run.
func (e *Engine) Cache() *cache.Manager { return e.cache }

// RunFlow validates params against the flow's schema, then runs the flow to
// completion. The error is nil only when the run ends Completed; the report
// is nil only when the run never started.
func (e *Engine) RunFlow(ctx context.Context, def *FlowDefinition, params map[string]interface{}) (*RunReport, error) {
	return e.runFlow(ctx, def, params, nil)
}

func (e *Engine) runFlow(ctx context.Context, def *FlowDefinition, params map[string]interface{}, parent *FlowRun) (*RunReport, error) {
	if def == nil {
		return nil, fcerrors.NewConfigError("flow definition cannot be nil", nil)
	}
	if def.schema != nil {
		params = applyParamDefaults(def.schema, params)
		if err := validateParams(def.name, def.schema, params); err != nil {
			e.log.Errorf("Rejected parameters of flow '%s': %v", def.name, e.redactError(err))
			return nil, err
		}
	}
	if params == nil {
		params = make(map[string]interface{})
	}

	var (
		report *RunReport
		runErr error
	)
	attempts, doErr := e.retryHelper.Do(ctx, retry.Config{
		Policy:   retry.Policy{MaxAttempts: def.retries + 1, Delay: def.retryDelay},
		TaskName: "flow:" + def.name,
		Sleep:    Sleep,
		Retryable: func(error) bool {
			return report != nil && report.State == string(fcstate.Failed)
		},
	}, func(ctx context.Context, attempt int) error {
		report, runErr = e.runOnce(ctx, def, params, parent)
		return runErr
	})
	if report == nil {
		return nil, cancellationCause(ctx, doErr)
	}
	report.Attempts = attempts
	return report, runErr
}

// runOnce executes the flow body once and waits until every node it created
// is terminal.
func (e *Engine) runOnce(ctx context.Context, def *FlowDefinition, params map[string]interface{}, parent *FlowRun) (finalReport *RunReport, finalErr error) {
	runID := uuid.NewString()
	startTime := time.Now()
	runLog := e.log.With("flow", def.name, "run_id", runID)

	var span oteltrace.Span
	if e.tracingEnabled() {
		ctx, span = e.tracerProvider.GetTracer(tracerName).Start(ctx, "flowcore.flow.run",
			oteltrace.WithAttributes(
				attribute.String("flowcore.flow.name", def.name),
				attribute.String("flowcore.run.id", runID),
				attribute.String("flowcore.flow.mode", string(def.mode)),
			))
		defer span.End()
	}
	if def.timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeoutCause(ctx, def.timeout,
			fcerrors.NewCancellationRequested("timeout", context.DeadlineExceeded))
		defer cancelTimeout()
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	fr := &FlowRun{
		engine:  e,
		def:     def,
		runID:   runID,
		parent:  parent,
		params:  params,
		ctx:     runCtx,
		cancel:  cancel,
		log:     runLog,
		machine: intState.NewMachine(runID, def.name, e.eventBus),
		results: e.resultStoreFactory(),
		graph:   NewGraph(),
		nodes:   make(map[string]*node),
		idle:    make(chan struct{}),
	}
	var (
		proc       *processor
		bodyHolder *holder
	)
	if def.mode == ModeCooperative {
		proc = newProcessor()
		bodyHolder = &holder{p: proc}
	}
	workers := def.workers
	if workers <= 0 {
		workers = e.workerPoolSize
	}
	fr.sched = newScheduler(def.mode, workers, proc, fr.execNode)
	fr.bodyCtx = logger.WithContext(withHolder(context.WithValue(runCtx, runKey{}, fr), bodyHolder), runLog)

	defer func() {
		endTime := time.Now()
		duration := endTime.Sub(startTime)
		if e.flowDuration != nil {
			e.flowDuration.WithLabelValues(def.name).Observe(duration.Seconds())
		}
		if e.flowCounter != nil {
			e.flowCounter.WithLabelValues(def.name, finalReport.State).Inc()
		}
		if span != nil {
			span.SetAttributes(
				attribute.String("flowcore.flow.state", finalReport.State),
				attribute.Int64("flowcore.flow.duration_ms", duration.Milliseconds()),
				attribute.Int("flowcore.flow.total_nodes", finalReport.TotalNodes),
			)
			if finalErr != nil {
				intTracing.RecordErrorWithContext(span, finalErr, e.redactedKeywords)
			} else {
				span.SetStatus(codes.Ok, "")
			}
		}
		e.emitFinalEvents(finalReport)
		runLog.Infof("Flow run finished: %s (%d node(s), %v)", finalReport.State, finalReport.TotalNodes, duration.Truncate(time.Millisecond))
	}()

	runLog.Infof("Starting flow run (mode=%s)", def.mode)
	e.eventBus.Emit(events.Event{
		Type:      events.FlowRunStart,
		Timestamp: startTime,
		RunID:     runID,
		FlowName:  def.name,
		Payload:   map[string]interface{}{"mode": string(def.mode), "parent_run_id": parentRunID(parent)},
	})
	fr.sched.start()

	stopWatch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			fr.cancelAll(cancellationCause(ctx, ctx.Err()))
		case <-stopWatch:
		}
	}()

	value, bodyErr := fr.runBody(bodyHolder)
	fr.closeBody()

	select {
	case <-fr.idle:
	case <-ctx.Done():
		fr.cancelAll(cancellationCause(ctx, ctx.Err()))
		<-fr.idle
	}
	close(stopWatch)

	fr.sched.close()
	select {
	case <-fr.sched.done:
	case <-time.After(e.shutdownGrace):
		runLog.Errorf("Timeout (%v) waiting for task bodies to return after the flow run finished.", e.shutdownGrace)
	}

	state, outValue, outErr := fr.outcome(value, bodyErr)
	finalReport = e.generateReport(fr, state, outValue, outErr, startTime, time.Now())
	if state != fcstate.Completed {
		finalErr = outErr
		if finalErr == nil {
			finalErr = fmt.Errorf("flow '%s' ended %s", def.name, state)
		}
	}
	return finalReport, finalErr
}

func parentRunID(parent *FlowRun) string {
	if parent == nil {
		return ""
	}
	return parent.runID
}

// runBody calls the flow function while holding the processor of a
// cooperative run. A panic becomes an InfrastructureCrash.
func (fr *FlowRun) runBody(h *holder) (value interface{}, err error) {
	h.acquire()
	defer h.release()
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fcerrors.NewInfrastructureCrash(fr.def.name, fr.runID, fmt.Errorf("flow body panicked: %v", r))
		}
	}()
	return fr.def.fn(fr, fr.params)
}

// outcome derives the state of the run from what the body returned and
// from the terminal states of its nodes.
func (fr *FlowRun) outcome(value interface{}, bodyErr error) (fcstate.State, interface{}, error) {
	cancelled, cause := fr.isCancelling()
	if bodyErr != nil {
		switch {
		case fcerrors.IsCrash(bodyErr):
			return fcstate.Crashed, nil, bodyErr
		case cancelled || fcerrors.IsCancelled(bodyErr):
			return fcstate.Cancelled, nil, bodyErr
		default:
			return fcstate.Failed, nil, bodyErr
		}
	}
	if cancelled {
		return fcstate.Cancelled, nil, cause
	}

	switch v := value.(type) {
	case *Future:
		res, err := v.run.results.Get(v.n.id)
		if err != nil {
			return fcstate.Failed, nil, err
		}
		switch res.State {
		case fcstate.Completed:
			return fcstate.Completed, res.Value, nil
		case fcstate.NotReady:
			return fcstate.Failed, nil, res.Err
		default:
			return res.State, nil, res.Err
		}
	case []*Future:
		return futureSetOutcome(v)
	case nil:
		return fr.nodeOutcome()
	default:
		return fcstate.Completed, value, nil
	}
}

// futureSetOutcome is Completed with every value when all futures
// completed. Otherwise the worst state wins: Crashed, then Failed (NotReady
// included), then Cancelled.
func futureSetOutcome(futures []*Future) (fcstate.State, interface{}, error) {
	values := make([]interface{}, len(futures))
	rank := map[fcstate.State]int{fcstate.Cancelled: 1, fcstate.Failed: 2, fcstate.Crashed: 3}
	worst, worstErr := fcstate.Completed, error(nil)
	for i, f := range futures {
		if f == nil {
			continue
		}
		res, err := f.run.results.Get(f.n.id)
		if err != nil {
			return fcstate.Failed, nil, err
		}
		st := res.State
		if st == fcstate.NotReady || !st.IsTerminal() {
			st = fcstate.Failed
		}
		if st == fcstate.Completed {
			values[i] = res.Value
			continue
		}
		if rank[st] > rank[worst] {
			worst, worstErr = st, res.Err
		}
	}
	if worst == fcstate.Completed {
		return fcstate.Completed, values, nil
	}
	return worst, nil, worstErr
}

func (fr *FlowRun) nodeOutcome() (fcstate.State, interface{}, error) {
	var failed, cancelled, notReady int
	var firstErr error
	for _, res := range fr.results.All() {
		switch res.State {
		case fcstate.Failed, fcstate.Crashed:
			failed++
			if firstErr == nil {
				firstErr = res.Err
			}
		case fcstate.Cancelled:
			cancelled++
		case fcstate.NotReady:
			notReady++
		}
	}
	switch {
	case failed > 0:
		return fcstate.Failed, nil, fmt.Errorf("flow '%s' finished with %d failed node(s): %w", fr.def.name, failed, firstErr)
	case cancelled > 0:
		return fcstate.Cancelled, nil, fcerrors.NewCancellationRequested(fmt.Sprintf("%d node(s) cancelled", cancelled), nil)
	case notReady > 0:
		return fcstate.Failed, nil, fmt.Errorf("flow '%s' finished with %d node(s) not ready", fr.def.name, notReady)
	}
	return fcstate.Completed, nil, nil
}

func (e *Engine) generateReport(fr *FlowRun, state fcstate.State, value interface{}, runErr error, start, end time.Time) *RunReport {
	report := &RunReport{
		RunID:       fr.runID,
		FlowName:    fr.def.name,
		State:       string(state),
		Value:       value,
		Attempts:    1,
		StartTime:   start,
		EndTime:     end,
		Duration:    end.Sub(start),
		StateCounts: make(map[string]int),
	}
	if runErr != nil {
		report.Error = e.redactError(runErr).Error()
	}
	for st, count := range fr.machine.Counts() {
		report.StateCounts[string(st)] = count
	}
	for _, res := range fr.results.All() {
		nr := flowcorev1.NodeResult{
			NodeID:    res.NodeID,
			TaskName:  res.TaskName,
			MapIndex:  res.MapIndex,
			State:     string(res.State),
			Attempts:  res.Attempts,
			CacheHit:  res.CacheHit,
			StartTime: res.StartTime,
			EndTime:   res.EndTime,
		}
		if !res.StartTime.IsZero() && !res.EndTime.IsZero() {
			nr.Duration = res.EndTime.Sub(res.StartTime)
		}
		if res.Err != nil {
			nr.Error = e.redactError(res.Err).Error()
		}
		report.NodeResults = append(report.NodeResults, nr)
	}
	report.TotalNodes = len(report.NodeResults)
	return report
}

func (e *Engine) emitFinalEvents(report *RunReport) {
	if report == nil || e.eventBus == nil {
		return
	}
	payload := map[string]interface{}{
		"duration_ms":   report.Duration.Milliseconds(),
		"state":         report.State,
		"total_nodes":   report.TotalNodes,
		"state_counts":  report.StateCounts,
		"error_message": report.Error,
	}
	e.eventBus.Emit(events.Event{Type: events.FlowRunEnd, Timestamp: report.EndTime, RunID: report.RunID, FlowName: report.FlowName, Payload: payload})
}

func (e *Engine) MetricsRegistryProvider() metrics.RegistryProvider { return e.metricsProvider }
func (e *Engine) TracerProvider() fctracing.TracerProvider { return e.tracerProvider }

func (e *Engine) SetResultStoreFactory(factory func() fcstate.ResultStore) error {
	if factory == nil {
		return fcerrors.NewConfigError("result store factory cannot be nil", nil)
	}
	e.resultStoreFactory = factory
	return nil
}

func (e *Engine) SetCacheBackend(backend fccache.Backend) error {
	if backend == nil {
		return fcerrors.NewConfigError("cache backend cannot be nil", nil)
	}
	e.cacheBackend = backend
	if e.cache != nil {
		e.cache = cache.NewManager(backend, e.log)
	}
	return nil
}

func (e *Engine) SetConcurrencyLimits(limits map[string]int) error {
	for tag, n := range limits {
		if strings.TrimSpace(tag) == "" {
			return fcerrors.NewConfigError("concurrency limit tag cannot be empty", nil)
		}
		if n <= 0 {
			return fcerrors.NewConfigError(fmt.Sprintf("concurrency limit for tag '%s' must be positive, got %d", tag, n), nil)
		}
	}
	for tag, n := range limits {
		e.limiter.SetLimit(tag, n)
	}
	return nil
}

func (e *Engine) SetSecretsProvider(provider secrets.Provider) error {
	if provider == nil {
		return fcerrors.NewConfigError("secrets provider cannot be nil", nil)
	}
	e.secretsProvider = provider
	if e.renderer != nil {
		e.renderer = template.NewGoRenderer(provider, e.eventBus, nil)
	}
	return nil
}

func (e *Engine) SetEventBus(bus events.Bus) error {
	if bus == nil {
		return fcerrors.NewConfigError("event bus cannot be nil", nil)
	}
	e.eventBus = bus
	if e.renderer != nil {
		e.renderer = template.NewGoRenderer(e.secretsProvider, bus, nil)
	}
	return nil
}

func (e *Engine) SetPluginRegistry(registry plugin.Registry) error {
	if registry == nil {
		return fcerrors.NewConfigError("plugin registry cannot be nil", nil)
	}
	e.pluginRegistry = registry
	return nil
}

func (e *Engine) SetMetricsRegistryProvider(provider metrics.RegistryProvider) error {
	if provider == nil {
		return fcerrors.NewConfigError("metrics registry provider cannot be nil", nil)
	}
	e.metricsProvider = provider
	e.initMetrics()
	return nil
}

func (e *Engine) SetTracerProvider(provider fctracing.TracerProvider) error {
	if provider == nil {
		return fcerrors.NewConfigError("tracer provider cannot be nil", nil)
	}
	e.tracerProvider = provider
	return nil
}

func (e *Engine) SetDefaultTimeout(timeout time.Duration) error {
	if timeout < 0 {
		return fcerrors.NewConfigError("default timeout cannot be negative", nil)
	}
	e.defaultTimeout = timeout
	return nil
}

func (e *Engine) SetWorkerPoolSize(size int) error {
	if size <= 0 {
		return fcerrors.NewConfigError("worker pool size must be positive", nil)
	}
	e.workerPoolSize = size
	return nil
}

func (e *Engine) SetShutdownGrace(grace time.Duration) error {
	if grace <= 0 {
		return fcerrors.NewConfigError("shutdown grace must be positive", nil)
	}
	e.shutdownGrace = grace
	return nil
}

func (e *Engine) SetRedactedKeywords(keywords []string) error {
	e.redactedKeywordsSlice = keywords
	newMap := make(map[string]struct{})
	for _, k := range keywords {
		keyLower := strings.ToLower(strings.TrimSpace(k))
		if keyLower != "" {
			newMap[keyLower] = struct{}{}
		}
	}
	e.redactedKeywords = newMap
	if e.retryHelper != nil {
		e.retryHelper.SetRedactedKeywords(e.redactedKeywords)
	}
	return nil
}
