package engine

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/gxo-labs/flowcore/internal/cache"
	"github.com/gxo-labs/flowcore/internal/retry"
	fccache "github.com/gxo-labs/flowcore/pkg/flowcore/v1/cache"
	fcerrors "github.com/gxo-labs/flowcore/pkg/flowcore/v1/errors"
	"golang.org/x/mod/semver"
)

// TaskFunc is the body of a task. args are the bound arguments with every
// upstream future replaced by its value.
type TaskFunc func(ctx context.Context, args []interface{}) (interface{}, error)

// FlowFunc is the body of a flow. It composes nodes through fr and returns
// the flow's value, which may be a *Future or a []*Future.
type FlowFunc func(fr *FlowRun, params map[string]interface{}) (interface{}, error)

// Definition is implemented by *TaskDefinition and *FlowDefinition, the two
// things a node can run.
type Definition interface {
	Name() string
	Identity() string
	isDefinition()
}

// ExecutionMode selects how a flow run executes its nodes.
type ExecutionMode string

const (
	ModeSequential  ExecutionMode = "sequential"
	ModeCooperative ExecutionMode = "cooperative"
	ModeParallel    ExecutionMode = "parallel"
)

// ParseExecutionMode accepts the three mode names; "" means parallel.
func ParseExecutionMode(s string) (ExecutionMode, error) {
	switch ExecutionMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeSequential:
		return ModeSequential, nil
	case ModeCooperative:
		return ModeCooperative, nil
	case ModeParallel, "":
		return ModeParallel, nil
	}
	return "", fcerrors.NewConfigError(fmt.Sprintf("unknown execution mode '%s'", s), nil)
}

// TaskDefinition is an immutable unit of work.
type TaskDefinition struct {
	name    string
	version string
	fn      TaskFunc
	retry   retry.Policy
	cache   *cache.Policy
	tags    []string
	timeout time.Duration
}

// TaskOption configures a TaskDefinition.
type TaskOption func(*TaskDefinition) error

// NewTask creates a task definition.
func NewTask(name string, fn TaskFunc, opts ...TaskOption) (*TaskDefinition, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fcerrors.NewConfigError("task name cannot be empty", nil)
	}
	if fn == nil {
		return nil, fcerrors.NewConfigError(fmt.Sprintf("task '%s' has no body", name), nil)
	}
	td := &TaskDefinition{name: name, fn: fn}
	for _, opt := range opts {
		if err := opt(td); err != nil {
			return nil, fcerrors.NewConfigError(fmt.Sprintf("failed to apply option to task '%s'", name), err)
		}
	}
	return td, nil
}

// MustTask is NewTask that panics on error, for package-level definitions.
func MustTask(name string, fn TaskFunc, opts ...TaskOption) *TaskDefinition {
	td, err := NewTask(name, fn, opts...)
	if err != nil {
		panic(err)
	}
	return td
}

func (t *TaskDefinition) Name() string { return t.name }
func (t *TaskDefinition) Version() string { return t.version }
func (t *TaskDefinition) RetryPolicy() retry.Policy { return t.retry }
func (t *TaskDefinition) Timeout() time.Duration { return t.timeout }
func (t *TaskDefinition) Tags() []string { return append([]string(nil), t.tags...) }
func (t *TaskDefinition) isDefinition() {}

// Identity is name@version, or the bare name for unversioned tasks.
func (t *TaskDefinition) Identity() string {
	return identity(t.name, t.version)
}

// Cacheable reports whether the task memoizes its results.
func (t *TaskDefinition) Cacheable() bool { return t.cache != nil }

func identity(name, version string) string {
	if version == "" {
		return name
	}
	return name + "@" + version
}

func validVersion(v string) error {
	sv := v
	if !strings.HasPrefix(sv, "v") {
		sv = "v" + sv
	}
	if !semver.IsValid(sv) {
		return fmt.Errorf("invalid semantic version '%s'", v)
	}
	return nil
}

// WithVersion sets the semantic version that is part of the task identity
// and therefore of its default cache key.
func WithVersion(v string) TaskOption {
	return func(t *TaskDefinition) error {
		if err := validVersion(v); err != nil {
			return err
		}
		t.version = v
		return nil
	}
}

// WithRetries sets a fixed-delay retry policy.
func WithRetries(maxAttempts int, delay time.Duration) TaskOption {
	return WithRetryPolicy(retry.Policy{MaxAttempts: maxAttempts, Delay: delay})
}

// WithRetryPolicy sets the full retry policy.
func WithRetryPolicy(p retry.Policy) TaskOption {
	return func(t *TaskDefinition) error {
		if p.MaxAttempts < 0 {
			return fmt.Errorf("max attempts cannot be negative")
		}
		if p.Delay < 0 || p.MaxDelay < 0 {
			return fmt.Errorf("retry delays cannot be negative")
		}
		t.retry = p
		return nil
	}
}

// WithCache enables memoization under p.
func WithCache(p cache.Policy) TaskOption {
	return func(t *TaskDefinition) error {
		if p.TTL < 0 {
			return fmt.Errorf("cache ttl cannot be negative")
		}
		switch p.Scope {
		case "":
			p.Scope = fccache.ScopeProcess
		case fccache.ScopeProcess, fccache.ScopeRun:
		default:
			return fmt.Errorf("unknown cache scope '%s'", p.Scope)
		}
		t.cache = &p
		return nil
	}
}

// WithTags makes every node of the task hold a slot of each tag while it runs.
func WithTags(tags ...string) TaskOption {
	return func(t *TaskDefinition) error {
		for _, tag := range tags {
			if strings.TrimSpace(tag) == "" {
				return fmt.Errorf("tags cannot be empty")
			}
		}
		t.tags = append(t.tags, tags...)
		return nil
	}
}

// WithTimeout bounds a node's execution, retries included. A node that
// exceeds it ends Cancelled.
func WithTimeout(d time.Duration) TaskOption {
	return func(t *TaskDefinition) error {
		if d < 0 {
			return fmt.Errorf("timeout cannot be negative")
		}
		t.timeout = d
		return nil
	}
}

// FlowDefinition is an immutable flow: a body plus its execution model.
type FlowDefinition struct {
	name       string
	version    string
	fn         FlowFunc
	mode       ExecutionMode
	workers    int
	timeout    time.Duration
	schema     map[string]interface{}
	retries    int
	retryDelay time.Duration
}

// FlowOption configures a FlowDefinition.
type FlowOption func(*FlowDefinition) error

// NewFlow creates a flow definition. The default model is parallel with one
// worker per CPU.
func NewFlow(name string, fn FlowFunc, opts ...FlowOption) (*FlowDefinition, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fcerrors.NewConfigError("flow name cannot be empty", nil)
	}
	if fn == nil {
		return nil, fcerrors.NewConfigError(fmt.Sprintf("flow '%s' has no body", name), nil)
	}
	fd := &FlowDefinition{name: name, fn: fn, mode: ModeParallel}
	for _, opt := range opts {
		if err := opt(fd); err != nil {
			return nil, fcerrors.NewConfigError(fmt.Sprintf("failed to apply option to flow '%s'", name), err)
		}
	}
	return fd, nil
}

// MustFlow is NewFlow that panics on error.
func MustFlow(name string, fn FlowFunc, opts ...FlowOption) *FlowDefinition {
	fd, err := NewFlow(name, fn, opts...)
	if err != nil {
		panic(err)
	}
	return fd
}

func (f *FlowDefinition) Name() string { return f.name }
func (f *FlowDefinition) Identity() string { return identity(f.name, f.version) }
func (f *FlowDefinition) Mode() ExecutionMode { return f.mode }
func (f *FlowDefinition) Timeout() time.Duration { return f.timeout }
func (f *FlowDefinition) isDefinition() {}

func (f *FlowDefinition) workerCount() int {
	if f.workers > 0 {
		return f.workers
	}
	return runtime.NumCPU()
}

// WithFlowVersion sets the flow's semantic version.
func WithFlowVersion(v string) FlowOption {
	return func(f *FlowDefinition) error {
		if err := validVersion(v); err != nil {
			return err
		}
		f.version = v
		return nil
	}
}

// WithMode selects the execution model.
func WithMode(m ExecutionMode) FlowOption {
	return func(f *FlowDefinition) error {
		mode, err := ParseExecutionMode(string(m))
		if err != nil {
			return err
		}
		f.mode = mode
		return nil
	}
}

// WithWorkers bounds the worker pool of the parallel model.
func WithWorkers(n int) FlowOption {
	return func(f *FlowDefinition) error {
		if n < 0 {
			return fmt.Errorf("workers cannot be negative")
		}
		f.workers = n
		return nil
	}
}

// WithFlowTimeout cancels the run once d has elapsed.
func WithFlowTimeout(d time.Duration) FlowOption {
	return func(f *FlowDefinition) error {
		if d < 0 {
			return fmt.Errorf("timeout cannot be negative")
		}
		f.timeout = d
		return nil
	}
}

// WithParamSchema declares a JSON schema the run parameters must satisfy.
// Top-level property defaults fill in missing parameters.
func WithParamSchema(schema map[string]interface{}) FlowOption {
	return func(f *FlowDefinition) error {
		if schema == nil {
			return fmt.Errorf("parameter schema cannot be nil")
		}
		if _, err := compileSchema(schema); err != nil {
			return err
		}
		f.schema = schema
		return nil
	}
}

// WithFlowRetries re-runs the whole body up to n more times after a failed
// run, waiting delay between runs.
func WithFlowRetries(n int, delay time.Duration) FlowOption {
	return func(f *FlowDefinition) error {
		if n < 0 || delay < 0 {
			return fmt.Errorf("flow retries and delay cannot be negative")
		}
		f.retries = n
		f.retryDelay = delay
		return nil
	}
}
