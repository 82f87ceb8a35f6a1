package engine_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gxo-labs/flowcore/internal/engine"
	"github.com/gxo-labs/flowcore/internal/logger"
	"github.com/gxo-labs/flowcore/internal/module"
	"github.com/gxo-labs/flowcore/internal/paramutil"
	intTracing "github.com/gxo-labs/flowcore/internal/tracing"
	flowcorev1 "github.com/gxo-labs/flowcore/pkg/flowcore/v1"
	"github.com/gxo-labs/flowcore/pkg/flowcore/v1/events"
	"github.com/gxo-labs/flowcore/pkg/flowcore/v1/plugin"
	fcsecrets "github.com/gxo-labs/flowcore/pkg/flowcore/v1/secrets"
	fcstate "github.com/gxo-labs/flowcore/pkg/flowcore/v1/state"
	fromlist "github.com/gxo-labs/flowcore/modules/generate/from_list"
	"github.com/gxo-labs/flowcore/modules/passthrough"

	"github.com/stretchr/testify/require"
)

const testTimeout = 7 * time.Second

// recordingBus keeps every event emitted during a test.
type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Emit(ev events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *recordingBus) ofType(t events.EventType) []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []events.Event
	for _, ev := range b.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// transitions returns the to-states recorded for nodeID, in order.
func (b *recordingBus) transitions(nodeID string) []fcstate.State {
	var out []fcstate.State
	for _, ev := range b.ofType(events.StateTransition) {
		if ev.NodeID == nodeID {
			out = append(out, fcstate.State(ev.ToState))
		}
	}
	return out
}

// mockSecrets is an in-memory secrets provider.
type mockSecrets struct {
	values map[string]string
}

func (p *mockSecrets) GetSecret(_ context.Context, key string) (string, bool, error) {
	v, ok := p.values[key]
	return v, ok, nil
}

var _ fcsecrets.Provider = (*mockSecrets)(nil)

// mockModule returns its params, fails with `fail_message`, and sleeps for
// `delay` first when set.
type mockModule struct{}

func (m *mockModule) Perform(ctx context.Context, params map[string]interface{}, inputs map[string]interface{}) (interface{}, error) {
	if delayStr, ok, _ := paramutil.GetOptionalString(params, "delay"); ok {
		d, err := time.ParseDuration(delayStr)
		if err != nil {
			return nil, fmt.Errorf("invalid delay: %w", err)
		}
		if err := engine.Sleep(ctx, d); err != nil {
			return nil, err
		}
	}
	if msg, ok, _ := paramutil.GetOptionalString(params, "fail_message"); ok {
		return nil, errors.New(msg)
	}
	return params, nil
}

// recorder keeps the rendered params each `record` task received, by task.
type recorder struct {
	mu  sync.Mutex
	got map[string][]map[string]interface{}
}

func (r *recorder) params(task string) []map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.got[task]
}

type recordModule struct {
	r *recorder
}

func (m *recordModule) Perform(ctx context.Context, params map[string]interface{}, inputs map[string]interface{}) (interface{}, error) {
	info, _ := engine.NodeFromContext(ctx)
	m.r.mu.Lock()
	m.r.got[info.TaskName] = append(m.r.got[info.TaskName], params)
	m.r.mu.Unlock()
	return params, nil
}

func newTestRegistry(t *testing.T, rec *recorder) plugin.Registry {
	t.Helper()
	reg := module.NewStaticRegistry()
	require.NoError(t, reg.Register("mock", func() plugin.Module { return &mockModule{} }))
	require.NoError(t, reg.Register("record", func() plugin.Module { return &recordModule{r: rec} }))
	require.NoError(t, reg.Register("generate:from_list", fromlist.NewFromListModule))
	require.NoError(t, reg.Register("passthrough", passthrough.NewPassthroughModule))
	return reg
}

type testEnv struct {
	engine   *engine.Engine
	bus      *recordingBus
	secrets  *mockSecrets
	recorder *recorder
}

func setupTestEngine(t *testing.T, opts ...flowcorev1.EngineOption) testEnv {
	t.Helper()
	log := logger.NewLogger("debug", "text", io.Discard)
	bus := &recordingBus{}
	secrets := &mockSecrets{values: map[string]string{}}
	rec := &recorder{got: make(map[string][]map[string]interface{})}

	noOpTracerProvider, err := intTracing.NewNoOpProvider()
	require.NoError(t, err, "Failed to create NoOp TracerProvider for test")

	base := []flowcorev1.EngineOption{
		flowcorev1.WithEventBus(bus),
		flowcorev1.WithSecretsProvider(secrets),
		flowcorev1.WithPluginRegistry(newTestRegistry(t, rec)),
		flowcorev1.WithTracerProvider(noOpTracerProvider),
		flowcorev1.WithWorkerPoolSize(4),
	}
	e, err := engine.NewEngine(log, append(base, opts...)...)
	require.NoError(t, err)
	return testEnv{engine: e, bus: bus, secrets: secrets, recorder: rec}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

// nodesOf returns the node results of a task, ordered by map index.
func nodesOf(report *engine.RunReport, task string) []flowcorev1.NodeResult {
	var out []flowcorev1.NodeResult
	for _, nr := range report.NodeResults {
		if nr.TaskName == task {
			out = append(out, nr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MapIndex < out[j].MapIndex })
	return out
}

// constTask returns a task that returns v.
func constTask(name string, v interface{}, opts ...engine.TaskOption) *engine.TaskDefinition {
	return engine.MustTask(name, func(ctx context.Context, args []interface{}) (interface{}, error) {
		return v, nil
	}, opts...)
}

// failTask always fails with msg.
func failTask(name, msg string) *engine.TaskDefinition {
	return engine.MustTask(name, func(ctx context.Context, args []interface{}) (interface{}, error) {
		return nil, errors.New(msg)
	})
}
