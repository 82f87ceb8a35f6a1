package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	flowcorev1 "github.com/gxo-labs/flowcore/pkg/flowcore/v1"
	fcerrors "github.com/gxo-labs/flowcore/pkg/flowcore/v1/errors"
	fclog "github.com/gxo-labs/flowcore/pkg/flowcore/v1/log"
	fcstate "github.com/gxo-labs/flowcore/pkg/flowcore/v1/state"

	"github.com/gxo-labs/flowcore/internal/cache"
	"github.com/gxo-labs/flowcore/internal/config"
	"github.com/gxo-labs/flowcore/internal/engine"
	"github.com/gxo-labs/flowcore/internal/events"
	"github.com/gxo-labs/flowcore/internal/logger"
	"github.com/gxo-labs/flowcore/internal/metrics"
	"github.com/gxo-labs/flowcore/internal/module"
	"github.com/gxo-labs/flowcore/internal/schedule"
	"github.com/gxo-labs/flowcore/internal/secrets"
	"github.com/gxo-labs/flowcore/internal/tracing"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	_ "github.com/gxo-labs/flowcore/modules/exec"
	_ "github.com/gxo-labs/flowcore/modules/generate/from_list"
	_ "github.com/gxo-labs/flowcore/modules/passthrough"
)

const (
	ExitSuccess         = 0
	ExitFailure         = 1
	ExitUsageError      = 2
	ExitTimeout         = 124
	ExitSigIntBase      = 128
	ExitSigInt          = ExitSigIntBase + int(syscall.SIGINT)
	ExitSigTerm         = ExitSigIntBase + int(syscall.SIGTERM)
	DefaultLogLevel     = "info"
	DefaultLogFmt       = "text"
	DefaultEventBusSize = 256
	shutdownTimeout     = 5 * time.Second
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var defaultRedactedKeywords = []string{"password", "token", "secret", "apikey", "privatekey", "authorization", "bearer"}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "validate":
			os.Exit(runValidateCommand(os.Args[2:]))
		case "schedule":
			os.Exit(runScheduleCommand(os.Args[2:]))
		case "run":
			os.Exit(runExecuteCommand(os.Args[2:]))
		case "--version", "-version", "version":
			printVersion()
			os.Exit(ExitSuccess)
		}
	}
	os.Exit(runExecuteCommand(os.Args[1:]))
}

func printVersion() {
	fmt.Printf("flowcore version %s\n", version)
	fmt.Printf("commit: %s\n", commit)
	fmt.Printf("built: %s\n", buildDate)
	fmt.Printf("go version: %s\n", runtime.Version())
	fmt.Printf("os/arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// paramFlags collects repeated -param key=value flags. Values are decoded as
// YAML scalars, so "3" is an int and "true" a bool.
type paramFlags map[string]interface{}

func (p paramFlags) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func (p paramFlags) Set(s string) error {
	key, raw, ok := strings.Cut(s, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	var value interface{}
	if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
		value = raw
	}
	p[key] = value
	return nil
}

// runOptions are the flags shared by the run and schedule commands.
type runOptions struct {
	planPath       string
	params         paramFlags
	logLevel       string
	logFormat      string
	workers        int
	cacheDir       string
	limitsPath     string
	secretPrefix   string
	metricsAddr    string
	metricsPushURL string
	timeout        time.Duration
	dryRun         bool
}

func (o *runOptions) register(fs *flag.FlagSet) {
	o.params = paramFlags{}
	fs.StringVar(&o.planPath, "plan", "", "Path to the plan YAML file (required)")
	fs.Var(o.params, "param", "Plan parameter override as key=value (repeatable)")
	fs.StringVar(&o.logLevel, "log-level", DefaultLogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&o.logFormat, "log-format", DefaultLogFmt, "Log format (text, json)")
	fs.IntVar(&o.workers, "workers", runtime.NumCPU(), "Default worker count for concurrent flows")
	fs.StringVar(&o.cacheDir, "cache-dir", "", "Directory for persistent task result caching (default in-memory)")
	fs.StringVar(&o.limitsPath, "limits", "", "Path to a YAML file of tag concurrency limits")
	fs.StringVar(&o.secretPrefix, "secret-env-prefix", "", "Environment variable prefix used to resolve secrets")
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on, e.g. :9100")
	fs.StringVar(&o.metricsPushURL, "metrics-push-url", "", "Prometheus remote-write URL to push metrics to after each run")
	fs.DurationVar(&o.timeout, "timeout", 0, "Overall timeout for a run (0 means none)")
	fs.BoolVar(&o.dryRun, "dry-run", false, "Run modules in dry-run mode")
}

func (o *runOptions) validate() error {
	if o.planPath == "" {
		return errors.New("-plan flag is required")
	}
	if o.logFormat != "text" && o.logFormat != "json" {
		return errors.New("-log-format must be 'text' or 'json'")
	}
	if o.timeout < 0 {
		return errors.New("-timeout cannot be negative")
	}
	if o.workers <= 0 {
		o.workers = runtime.NumCPU()
		fmt.Fprintf(os.Stderr, "Warning: -workers must be positive, defaulting to %d\n", o.workers)
	}
	return nil
}

// runtimeEnv is an engine plus the collaborators the CLI owns.
type runtimeEnv struct {
	engine   *engine.Engine
	plan     *config.Plan
	bus      *events.ChannelEventBus
	listener *events.MetricsEventListener
	tracer   *tracing.OtelTracerProvider
	pusher   *metrics.Pusher
}

func newRuntimeEnv(ctx context.Context, o *runOptions, log fclog.Logger) (*runtimeEnv, error) {
	plan, err := config.LoadPlanFromFile(o.planPath)
	if err != nil {
		return nil, err
	}

	tracerProvider, err := tracing.NewProviderFromEnv(ctx, log)
	if err != nil {
		log.Warnf("Failed to initialize tracing from environment: %v. Using NoOp tracer.", err)
		tracerProvider, _ = tracing.NewNoOpProvider()
	}

	bus := events.NewChannelEventBus(DefaultEventBusSize, log)
	metricsProvider := metrics.NewProcessRegistryProvider()

	engineOpts := []flowcorev1.EngineOption{
		flowcorev1.WithEventBus(events.NewFanoutBus(bus, events.NewLogBus(log))),
		flowcorev1.WithSecretsProvider(secrets.NewEnvProvider(o.secretPrefix)),
		flowcorev1.WithPluginRegistry(module.DefaultStaticRegistryGetter),
		flowcorev1.WithTracerProvider(tracerProvider),
		flowcorev1.WithMetricsRegistryProvider(metricsProvider),
		flowcorev1.WithWorkerPoolSize(o.workers),
		flowcorev1.WithRedactedKeywords(defaultRedactedKeywords),
	}
	if o.cacheDir != "" {
		backend, err := cache.NewDiskBackend(o.cacheDir)
		if err != nil {
			return nil, err
		}
		engineOpts = append(engineOpts, flowcorev1.WithCacheBackend(backend))
		log.Debugf("Caching task results under %s", o.cacheDir)
	}
	if o.limitsPath != "" {
		limits, err := config.LoadLimitsFromFile(o.limitsPath)
		if err != nil {
			return nil, err
		}
		engineOpts = append(engineOpts, flowcorev1.WithConcurrencyLimits(limits))
	}

	eng, err := engine.NewEngine(log, engineOpts...)
	if err != nil {
		return nil, err
	}

	listener, err := events.NewMetricsEventListener(bus, metricsProvider.Registry(), log)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics event listener: %w", err)
	}

	env := &runtimeEnv{engine: eng, plan: plan, bus: bus, listener: listener, tracer: tracerProvider}
	if o.metricsPushURL != "" {
		env.pusher, err = metrics.NewPusher(metrics.PushConfig{
			URL:      o.metricsPushURL,
			Job:      "flowcore",
			Instance: plan.Name,
		}, metricsProvider.Registry())
		if err != nil {
			return nil, err
		}
	}
	return env, nil
}

// runOnce executes the plan a single time and pushes metrics if configured.
func (env *runtimeEnv) runOnce(ctx context.Context, o *runOptions, log fclog.Logger) (*flowcorev1.RunReport, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	if o.dryRun {
		ctx = module.WithDryRun(ctx)
	}
	log.Infof("Starting plan '%s'...", env.plan.Name)
	report, err := env.engine.RunLoadedPlan(ctx, env.plan, o.params)
	if env.pusher != nil {
		pushCtx, cancel := context.WithTimeout(context.Background(), metrics.DefaultPushTimeout)
		if pushErr := env.pusher.Push(pushCtx); pushErr != nil {
			log.Warnf("Failed to push metrics: %v", pushErr)
		}
		cancel()
	}
	return report, err
}

func (env *runtimeEnv) shutdown(log fclog.Logger) {
	env.bus.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := env.tracer.Shutdown(shutdownCtx); err != nil {
		log.Warnf("Error shutting down tracer provider: %v", err)
	}
}

func newMetricsServer(addr string, env *runtimeEnv) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(env.engine.MetricsRegistryProvider().Registry(), promhttp.HandlerOpts{}))
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
}

// serveMetrics serves until ctx is done, then shuts the server down.
func serveMetrics(ctx context.Context, srv *http.Server, log fclog.Logger) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	log.Infof("Serving metrics on http://%s/metrics", ln.Addr())
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// watchSignals cancels the returned context on SIGINT or SIGTERM and reports
// which signal arrived.
func watchSignals(parent context.Context, log fclog.Logger) (context.Context, func() os.Signal, func()) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var received os.Signal
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case sig := <-sigChan:
			log.Warnf("Received signal: %v. Initiating graceful shutdown...", sig)
			mu.Lock()
			received = sig
			mu.Unlock()
			cancel()
		case <-ctx.Done():
		}
	}()

	get := func() os.Signal {
		mu.Lock()
		defer mu.Unlock()
		return received
	}
	stop := func() {
		cancel()
		signal.Stop(sigChan)
		wg.Wait()
	}
	return ctx, get, stop
}

func runValidateCommand(args []string) int {
	validateFlags := flag.NewFlagSet("validate", flag.ContinueOnError)
	planPath := validateFlags.String("plan", "", "Path to the plan YAML file to validate (required)")
	logLevel := validateFlags.String("log-level", DefaultLogLevel, "Log level for validation output (debug, info, warn, error)")

	validateFlags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s validate -plan <path> [flags...]\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Validates the structure, schema and dependency graph of a plan.")
		fmt.Fprintln(os.Stderr, "\nFlags:")
		validateFlags.PrintDefaults()
	}

	if err := validateFlags.Parse(args); err != nil {
		return ExitUsageError
	}
	if *planPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -plan flag is required for validation")
		validateFlags.Usage()
		return ExitUsageError
	}

	log := logger.NewLogger(*logLevel, "text", os.Stderr)
	log.Infof("Validating plan: %s", *planPath)

	plan, err := config.LoadPlanFromFile(*planPath)
	if err == nil {
		// Compiling resolves task kinds and detects cycles.
		var eng *engine.Engine
		eng, err = engine.NewEngine(logger.NewLogger("error", "text", os.Stderr))
		if err == nil {
			_, err = eng.CompilePlan(plan)
		}
	}
	if err != nil {
		var validationErr *fcerrors.ValidationError
		var configErr *fcerrors.ConfigError
		if errors.As(err, &validationErr) {
			log.Errorf("Plan validation failed:\n%s", validationErr.Error())
		} else if errors.As(err, &configErr) {
			log.Errorf("Plan configuration error:\n%s", configErr.Error())
		} else {
			log.Errorf("Failed to load or validate plan: %v", err)
		}
		return ExitFailure
	}

	log.Infof("Plan validation successful: %s (%d tasks)", *planPath, len(plan.Tasks))
	return ExitSuccess
}

func runExecuteCommand(args []string) int {
	execFlags := flag.NewFlagSet("flowcore", flag.ContinueOnError)
	opts := &runOptions{}
	opts.register(execFlags)
	versionFlag := execFlags.Bool("version", false, "Print version information and exit")

	execFlags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [run] [flags...] -plan <path>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "       %s schedule [flags...] -plan <path> (-cron <expr> | -at <time>)\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "       %s validate -plan <path>\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Runs a plan of tasks.")
		fmt.Fprintln(os.Stderr, "\nFlags:")
		execFlags.PrintDefaults()
	}

	if err := execFlags.Parse(args); err != nil {
		return ExitUsageError
	}
	if *versionFlag {
		printVersion()
		return ExitSuccess
	}
	if err := opts.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		execFlags.Usage()
		return ExitUsageError
	}

	log := logger.NewLogger(opts.logLevel, opts.logFormat, os.Stderr).With("flowcore_version", version)
	log.Infof("flowcore v%s starting...", version)
	log.Debugf("Log level: %s, format: %s, workers: %d", opts.logLevel, opts.logFormat, opts.workers)

	ctx, receivedSignal, stop := watchSignals(context.Background(), log)
	defer stop()

	env, err := newRuntimeEnv(ctx, opts, log)
	if err != nil {
		logExecutionErrorReason(log, err)
		return ExitFailure
	}
	defer env.shutdown(log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		env.listener.Start(gctx)
		return nil
	})
	if opts.metricsAddr != "" {
		srv := newMetricsServer(opts.metricsAddr, env)
		g.Go(func() error { return serveMetrics(gctx, srv, log) })
	}

	var report *flowcorev1.RunReport
	var execErr error
	g.Go(func() error {
		defer stop()
		report, execErr = env.runOnce(gctx, opts, log)
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Errorf("Runtime error: %v", err)
		if execErr == nil {
			execErr = err
		}
	}

	printReportSummary(log, report, execErr)
	return determineExitCode(report, execErr, receivedSignal(), log)
}

func runScheduleCommand(args []string) int {
	schedFlags := flag.NewFlagSet("schedule", flag.ContinueOnError)
	opts := &runOptions{}
	opts.register(schedFlags)
	cronExpr := schedFlags.String("cron", "", "Cron expression or descriptor for recurring runs, e.g. \"0 2 * * *\" or \"@hourly\"")
	atTime := schedFlags.String("at", "", "Single run time in RFC3339 format")

	schedFlags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s schedule [flags...] -plan <path> (-cron <expr> | -at <time>)\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Runs a plan on a cron schedule or once at a given time.")
		fmt.Fprintln(os.Stderr, "\nFlags:")
		schedFlags.PrintDefaults()
	}

	if err := schedFlags.Parse(args); err != nil {
		return ExitUsageError
	}
	if err := opts.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		schedFlags.Usage()
		return ExitUsageError
	}
	s, err := parseScheduleFlags(*cronExpr, *atTime)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		schedFlags.Usage()
		return ExitUsageError
	}

	log := logger.NewLogger(opts.logLevel, opts.logFormat, os.Stderr).With("flowcore_version", version)
	ctx, receivedSignal, stop := watchSignals(context.Background(), log)
	defer stop()

	env, err := newRuntimeEnv(ctx, opts, log)
	if err != nil {
		logExecutionErrorReason(log, err)
		return ExitFailure
	}
	defer env.shutdown(log)

	trigger, err := schedule.NewTrigger(s, func(ctx context.Context) error {
		report, err := env.runOnce(ctx, opts, log)
		printReportSummary(log, report, err)
		if err == nil && report != nil && report.State != string(fcstate.Completed) {
			err = fmt.Errorf("run finished in state %s", report.State)
		}
		return err
	}, log)
	if err != nil {
		log.Errorf("Failed to create trigger: %v", err)
		return ExitFailure
	}
	log.Infof("Plan '%s' scheduled, next run at %s", env.plan.Name, trigger.NextRun().Format(time.RFC3339))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		env.listener.Start(gctx)
		return nil
	})
	if opts.metricsAddr != "" {
		srv := newMetricsServer(opts.metricsAddr, env)
		g.Go(func() error { return serveMetrics(gctx, srv, log) })
	}
	g.Go(func() error {
		// Stopping here also stops the listener and metrics server.
		defer stop()
		if err := trigger.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Errorf("Scheduler stopped with error: %v", err)
		return ExitFailure
	}

	switch receivedSignal() {
	case syscall.SIGINT:
		return ExitSigInt
	case syscall.SIGTERM:
		return ExitSigTerm
	}
	return ExitSuccess
}

func parseScheduleFlags(cronExpr, atTime string) (schedule.Schedule, error) {
	switch {
	case cronExpr != "" && atTime != "":
		return nil, errors.New("-cron and -at are mutually exclusive")
	case cronExpr != "":
		return schedule.ParseCron(cronExpr)
	case atTime != "":
		t, err := time.Parse(time.RFC3339, atTime)
		if err != nil {
			return nil, fmt.Errorf("invalid -at time: %w", err)
		}
		return schedule.At(t), nil
	}
	return nil, errors.New("one of -cron or -at is required")
}

func printReportSummary(log fclog.Logger, report *flowcorev1.RunReport, execErr error) {
	if report == nil {
		log.Warnf("Run finished but no report was generated (likely due to early failure).")
		if execErr != nil {
			logExecutionErrorReason(log, execErr)
		}
		return
	}

	statusLine := fmt.Sprintf("Flow '%s' finished. State: %s", report.FlowName, report.State)
	summaryLine := fmt.Sprintf("Duration: %v. Nodes: Total=%d, Completed=%d, Failed=%d, Crashed=%d, Cancelled=%d, NotReady=%d",
		report.Duration.Truncate(time.Millisecond), report.TotalNodes,
		report.StateCounts[string(fcstate.Completed)], report.StateCounts[string(fcstate.Failed)],
		report.StateCounts[string(fcstate.Crashed)], report.StateCounts[string(fcstate.Cancelled)],
		report.StateCounts[string(fcstate.NotReady)])

	if report.State != string(fcstate.Completed) || execErr != nil {
		log.Errorf("%s. %s", statusLine, summaryLine)
		if report.Error != "" {
			log.Errorf("Run error: %s", report.Error)
		} else if execErr != nil {
			logExecutionErrorReason(log, execErr)
		}
		logFailedNodes(log, report)
	} else {
		log.Infof("%s. %s", statusLine, summaryLine)
	}
}

func logExecutionErrorReason(log fclog.Logger, execErr error) {
	switch {
	case isTimeout(execErr):
		log.Errorf("Run reason: Timeout.")
	case errors.Is(execErr, context.Canceled) || fcerrors.IsCancelled(execErr):
		log.Warnf("Run reason: Cancelled.")
	default:
		log.Errorf("Run error: %v", execErr)
	}
}

func logFailedNodes(log fclog.Logger, report *flowcorev1.RunReport) {
	header := false
	for _, res := range report.NodeResults {
		if res.State == string(fcstate.Completed) || res.Error == "" {
			continue
		}
		if !header {
			log.Warnf("Unsuccessful node details:")
			header = true
		}
		log.Errorf("  - Node '%s' [%s]: %s", res.NodeID, res.State, res.Error)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var cr *fcerrors.CancellationRequested
	return errors.As(err, &cr) && cr.Reason == "timeout"
}

func determineExitCode(report *flowcorev1.RunReport, execErr error, sig os.Signal, log fclog.Logger) int {
	if sig != nil {
		switch sig {
		case syscall.SIGINT:
			log.Warnf("Run interrupted by signal: SIGINT")
			return ExitSigInt
		case syscall.SIGTERM:
			log.Warnf("Run terminated by signal: SIGTERM")
			return ExitSigTerm
		}
		log.Warnf("Run terminated by signal: %v", sig)
		return ExitFailure
	}
	if execErr != nil {
		if isTimeout(execErr) {
			log.Errorf("Run timed out.")
			return ExitTimeout
		}
		return ExitFailure
	}
	if report == nil || report.State != string(fcstate.Completed) {
		if report != nil && report.State == string(fcstate.Cancelled) && strings.Contains(report.Error, "timeout") {
			log.Errorf("Run timed out.")
			return ExitTimeout
		}
		log.Errorf("Run finished without completing.")
		return ExitFailure
	}
	log.Infof("Run completed successfully.")
	return ExitSuccess
}
