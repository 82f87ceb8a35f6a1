package v1

import (
	"context"
	"runtime"
	"time"

	"github.com/gxo-labs/flowcore/pkg/flowcore/v1/cache"
	fcerrors "github.com/gxo-labs/flowcore/pkg/flowcore/v1/errors"
	"github.com/gxo-labs/flowcore/pkg/flowcore/v1/events"
	"github.com/gxo-labs/flowcore/pkg/flowcore/v1/metrics"
	"github.com/gxo-labs/flowcore/pkg/flowcore/v1/plugin"
	"github.com/gxo-labs/flowcore/pkg/flowcore/v1/secrets"
	"github.com/gxo-labs/flowcore/pkg/flowcore/v1/state"
	"github.com/gxo-labs/flowcore/pkg/flowcore/v1/tracing"
)

// EngineV1 defines the public interface of the flowcore engine.
type EngineV1 interface {
	// RunPlan compiles a YAML plan into a flow and runs it. params override
	// the plan's parameter values.
	RunPlan(ctx context.Context, planYAML []byte, params map[string]interface{}) (*RunReport, error)

	// MetricsRegistryProvider returns the underlying metrics provider.
	MetricsRegistryProvider() metrics.RegistryProvider
	// TracerProvider returns the underlying tracing provider.
	TracerProvider() tracing.TracerProvider

	// Setter methods for configuring engine components programmatically.
	SetResultStoreFactory(factory func() state.ResultStore) error
	SetCacheBackend(backend cache.Backend) error
	SetConcurrencyLimits(limits map[string]int) error
	SetSecretsProvider(provider secrets.Provider) error
	SetEventBus(bus events.Bus) error
	SetPluginRegistry(registry plugin.Registry) error
	SetMetricsRegistryProvider(provider metrics.RegistryProvider) error
	SetTracerProvider(provider tracing.TracerProvider) error
	SetDefaultTimeout(timeout time.Duration) error
	SetWorkerPoolSize(size int) error
	SetRedactedKeywords(keywords []string) error
	SetShutdownGrace(grace time.Duration) error
}

// EngineOption is a function type used to configure the engine at creation.
type EngineOption func(EngineV1) error

// NodeResult is the final outcome of one node.
type NodeResult struct {
	NodeID    string        `json:"node_id"`
	TaskName  string        `json:"task_name"`
	MapIndex  int           `json:"map_index"`
	State     string        `json:"state"`
	Error     string        `json:"error,omitempty"`
	Attempts  int           `json:"attempts"`
	CacheHit  bool          `json:"cache_hit,omitempty"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
}

// RunReport summarizes a finished flow run.
type RunReport struct {
	RunID       string         `json:"run_id"`
	FlowName    string         `json:"flow_name"`
	State       string         `json:"state"`
	Value       interface{}    `json:"value,omitempty"`
	Error       string         `json:"error,omitempty"`
	Attempts    int            `json:"attempts"`
	StartTime   time.Time      `json:"start_time"`
	EndTime     time.Time      `json:"end_time"`
	Duration    time.Duration  `json:"duration"`
	TotalNodes  int            `json:"total_nodes"`
	StateCounts map[string]int `json:"state_counts"`
	NodeResults []NodeResult   `json:"node_results"`
}

// WithResultStoreFactory supplies the store created for every flow run.
func WithResultStoreFactory(factory func() state.ResultStore) EngineOption {
	return func(e EngineV1) error {
		if factory == nil {
			return fcerrors.NewConfigError("result store factory cannot be nil", nil)
		}
		return e.SetResultStoreFactory(factory)
	}
}

// WithCacheBackend is an engine option to provide the storage of memoized results.
func WithCacheBackend(backend cache.Backend) EngineOption {
	return func(e EngineV1) error {
		if backend == nil {
			return fcerrors.NewConfigError("cache backend cannot be nil", nil)
		}
		return e.SetCacheBackend(backend)
	}
}

// WithConcurrencyLimits creates tag limits ahead of any run.
func WithConcurrencyLimits(limits map[string]int) EngineOption {
	return func(e EngineV1) error {
		return e.SetConcurrencyLimits(limits)
	}
}

// WithSecretsProvider is an engine option to provide a custom secrets provider.
func WithSecretsProvider(provider secrets.Provider) EngineOption {
	return func(e EngineV1) error {
		if provider == nil {
			return fcerrors.NewConfigError("secrets provider cannot be nil", nil)
		}
		return e.SetSecretsProvider(provider)
	}
}

// WithEventBus is an engine option to provide a custom event bus.
func WithEventBus(bus events.Bus) EngineOption {
	return func(e EngineV1) error {
		if bus == nil {
			return fcerrors.NewConfigError("event bus cannot be nil", nil)
		}
		return e.SetEventBus(bus)
	}
}

// WithPluginRegistry is an engine option to provide the task kinds plans may use.
func WithPluginRegistry(registry plugin.Registry) EngineOption {
	return func(e EngineV1) error {
		if registry == nil {
			return fcerrors.NewConfigError("plugin registry cannot be nil", nil)
		}
		return e.SetPluginRegistry(registry)
	}
}

// WithMetricsRegistryProvider is an engine option to provide a custom metrics provider.
func WithMetricsRegistryProvider(provider metrics.RegistryProvider) EngineOption {
	return func(e EngineV1) error {
		if provider == nil {
			return fcerrors.NewConfigError("metrics registry provider cannot be nil", nil)
		}
		return e.SetMetricsRegistryProvider(provider)
	}
}

// WithTracerProvider is an engine option to provide a custom tracing provider.
func WithTracerProvider(provider tracing.TracerProvider) EngineOption {
	return func(e EngineV1) error {
		if provider == nil {
			return fcerrors.NewConfigError("tracer provider cannot be nil", nil)
		}
		return e.SetTracerProvider(provider)
	}
}

// WithWorkerPoolSize sets the default worker count of parallel flows that
// do not choose their own.
func WithWorkerPoolSize(size int) EngineOption {
	return func(e EngineV1) error {
		effectiveSize := size
		if effectiveSize <= 0 {
			effectiveSize = runtime.NumCPU()
		}
		return e.SetWorkerPoolSize(effectiveSize)
	}
}

// WithDefaultTimeout is an engine option to set the timeout of tasks that
// declare none.
func WithDefaultTimeout(timeout time.Duration) EngineOption {
	return func(e EngineV1) error {
		if timeout < 0 {
			return fcerrors.NewConfigError("default timeout cannot be negative", nil)
		}
		return e.SetDefaultTimeout(timeout)
	}
}

// WithRedactedKeywords is an engine option to configure the list of keywords for secret redaction.
func WithRedactedKeywords(keywords []string) EngineOption {
	return func(e EngineV1) error {
		return e.SetRedactedKeywords(keywords)
	}
}

// WithShutdownGrace bounds how long a finished or cancelled run waits for
// task bodies that ignore cancellation.
func WithShutdownGrace(grace time.Duration) EngineOption {
	return func(e EngineV1) error {
		if grace <= 0 {
			return fcerrors.NewConfigError("shutdown grace must be positive", nil)
		}
		return e.SetShutdownGrace(grace)
	}
}
