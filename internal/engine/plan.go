package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/gxo-labs/flowcore/internal/cache"
	"github.com/gxo-labs/flowcore/internal/config"
	"github.com/gxo-labs/flowcore/internal/secrets"
	"github.com/gxo-labs/flowcore/internal/template"
	fccache "github.com/gxo-labs/flowcore/pkg/flowcore/v1/cache"
	fcerrors "github.com/gxo-labs/flowcore/pkg/flowcore/v1/errors"
	"github.com/gxo-labs/flowcore/pkg/flowcore/v1/plugin"
	fcstate "github.com/gxo-labs/flowcore/pkg/flowcore/v1/state"
)

// planTask is a plan task compiled against the engine.
type planTask struct {
	task    config.Task
	def     *TaskDefinition
	inputs  []string
	relaxed map[string]bool
}

// RunPlan loads a YAML plan, compiles it and runs it. params override the
// plan's parameter values.
func (e *Engine) RunPlan(ctx context.Context, planYAML []byte, params map[string]interface{}) (*RunReport, error) {
	plan, err := config.LoadPlan(planYAML, "<inline>")
	if err != nil {
		return nil, err
	}
	return e.RunLoadedPlan(ctx, plan, params)
}

// RunLoadedPlan runs an already loaded plan. The plan's concurrency limits
// are applied to the engine limiter first.
func (e *Engine) RunLoadedPlan(ctx context.Context, plan *config.Plan, params map[string]interface{}) (*RunReport, error) {
	if err := e.SetConcurrencyLimits(plan.ConcurrencyLimits); err != nil {
		return nil, err
	}
	def, err := e.CompilePlan(plan)
	if err != nil {
		return nil, err
	}
	return e.RunFlow(ctx, def, plan.ParameterValues(params))
}

// CompilePlan turns a loaded plan into a flow definition. The flow body
// submits the plan's tasks in dependency order; every task body renders its
// params and calls its module. Cycles and unknown task kinds are reported
// here, before anything runs.
func (e *Engine) CompilePlan(plan *config.Plan) (*FlowDefinition, error) {
	if plan == nil {
		return nil, fcerrors.NewConfigError("plan cannot be nil", nil)
	}
	g := NewGraph()
	for _, t := range plan.Tasks {
		if err := g.AddNode(t.Name, t.Name); err != nil {
			return nil, fcerrors.NewConfigError(fmt.Sprintf("plan '%s'", plan.Name), err)
		}
	}

	compiled := make(map[string]*planTask, len(plan.Tasks))
	var problems []string
	for _, t := range plan.Tasks {
		inputs := mergeNames(t.Inputs, config.TemplateInputs(&t))
		relaxed := make(map[string]bool, len(t.AllowFailure))
		for _, name := range t.AllowFailure {
			relaxed[name] = true
		}
		for _, dep := range mergeNames(t.Dependencies(), inputs) {
			if err := g.AddEdge(dep, t.Name, relaxed[dep]); err != nil {
				return nil, fcerrors.NewConfigError(fmt.Sprintf("plan '%s'", plan.Name), err)
			}
		}

		factory, err := e.pluginRegistry.Get(t.Type)
		if err != nil {
			problems = append(problems, fmt.Sprintf("task '%s': %v", t.Name, err))
			continue
		}
		def, err := e.planTaskDefinition(plan.Name, t, factory)
		if err != nil {
			problems = append(problems, fmt.Sprintf("task '%s': %v", t.Name, err))
			continue
		}
		compiled[t.Name] = &planTask{task: t, def: def, inputs: inputs, relaxed: relaxed}
	}
	if len(problems) > 0 {
		return nil, fcerrors.NewAggregateValidationError(fmt.Sprintf("plan '%s'", plan.Name), problems)
	}
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, fcerrors.NewConfigError(fmt.Sprintf("plan '%s'", plan.Name), err)
	}

	opts := []FlowOption{
		WithMode(ExecutionMode(plan.Mode)),
		WithWorkers(plan.Workers),
		WithFlowTimeout(plan.GetTimeout()),
		WithFlowRetries(plan.Retries, plan.GetRetryDelay()),
	}
	if plan.Version != "" {
		opts = append(opts, WithFlowVersion(plan.Version))
	}
	if schema := plan.ParameterSchema(); schema != nil {
		opts = append(opts, WithParamSchema(schema))
	}
	return NewFlow(plan.Name, planBody(order, compiled), opts...)
}

func (e *Engine) planTaskDefinition(planName string, t config.Task, factory plugin.ModuleFactory) (*TaskDefinition, error) {
	opts := []TaskOption{
		WithRetryPolicy(t.GetRetryPolicy()),
		WithTimeout(t.GetTimeout()),
	}
	if len(t.Tags) > 0 {
		opts = append(opts, WithTags(t.Tags...))
	}
	if t.Version != "" {
		opts = append(opts, WithVersion(t.Version))
	}
	if t.Cache != nil {
		opts = append(opts, WithCache(cache.Policy{
			KeyFn: planCacheKey(planName, t),
			TTL:   t.GetCacheTTL(),
			Scope: fccache.Scope(t.Cache.Scope),
		}))
	}
	return NewTask(t.Name, e.planTaskFunc(t, factory), opts...)
}

// planCacheKey hashes the task's own params block together with the bound
// arguments, so equal task names in different plans never share entries.
func planCacheKey(planName string, t config.Task) cache.KeyFunc {
	if t.Cache.Key != "" {
		return cache.StaticKey(t.Cache.Key)
	}
	return func(kc cache.KeyContext) (string, error) {
		kc.Identity = planName + "/" + kc.Identity
		kc.Args = append([]interface{}{t.Params}, kc.Args...)
		return cache.InputHash(kc)
	}
}

// planTaskFunc builds the body of a plan task. Its arguments are the run
// params, the resolved inputs and, for mapped tasks, the current item.
func (e *Engine) planTaskFunc(t config.Task, factory plugin.ModuleFactory) TaskFunc {
	return func(ctx context.Context, args []interface{}) (interface{}, error) {
		var params, inputs map[string]interface{}
		if len(args) > 0 {
			params, _ = args[0].(map[string]interface{})
		}
		if len(args) > 1 {
			inputs, _ = args[1].(map[string]interface{})
		}
		data := map[string]interface{}{"params": params, "inputs": inputs}
		if len(args) > 2 {
			data["item"] = args[2]
			if info, ok := NodeFromContext(ctx); ok {
				data["index"] = info.MapIndex
			}
		}

		tracker := secrets.NewSecretTracker()
		rendered, err := e.renderer.WithTracker(tracker).RenderParams(t.Params, data)
		if err != nil {
			return nil, err
		}
		if rendered == nil {
			rendered = map[string]interface{}{}
		}
		value, err := factory().Perform(ctx, rendered, inputs)
		if err != nil {
			if redacted, ok := tracker.Redact(err.Error()); ok {
				return nil, errors.New(redacted)
			}
			return nil, err
		}
		value, _ = template.RedactTrackedSecrets(value, tracker)
		return value, nil
	}
}

// planBody submits every task once its upstream handles exist. An input
// that is also listed in allow_failure resolves to the upstream's error when
// it did not complete. A mapped task whose source did not complete is
// submitted as one node with a strict edge to the source, so it ends
// NotReady like any other dependent.
func planBody(order []string, tasks map[string]*planTask) FlowFunc {
	return func(fr *FlowRun, params map[string]interface{}) (interface{}, error) {
		handles := make(map[string]interface{}, len(order))
		for _, name := range order {
			pt := tasks[name]
			inputs := make(map[string]interface{}, len(pt.inputs))
			for _, in := range pt.inputs {
				if pt.relaxed[in] {
					inputs[in] = relaxHandle(handles[in])
				} else {
					inputs[in] = handles[in]
				}
			}
			var deps []interface{}
			for _, w := range pt.task.WaitFor {
				deps = append(deps, handles[w])
			}
			for _, a := range pt.task.AllowFailure {
				deps = append(deps, relaxHandle(handles[a]))
			}

			if pt.task.Map == "" {
				handles[name] = fr.Submit(pt.def, []interface{}{params, inputs}, WaitFor(deps...))
				continue
			}
			source := handles[pt.task.Map]
			if f, ok := source.(*Future); ok {
				if _, err := f.Wait(fr.Context()); err != nil {
					return nil, err
				}
				if f.State() != fcstate.Completed {
					handles[name] = fr.Submit(pt.def, []interface{}{params, inputs, f}, WaitFor(deps...))
					continue
				}
			}
			futures, err := fr.Map(pt.def, []interface{}{Unmapped(params), Unmapped(inputs), source}, WaitFor(deps...))
			if err != nil {
				return nil, fmt.Errorf("task '%s': %w", name, err)
			}
			handles[name] = futures
		}
		return nil, nil
	}
}

func relaxHandle(h interface{}) interface{} {
	switch t := h.(type) {
	case *Future:
		return AllowFailure(t)
	case []*Future:
		out := make([]interface{}, len(t))
		for i, f := range t {
			out[i] = AllowFailure(f)
		}
		return out
	}
	return h
}

func mergeNames(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, n := range list {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	sort.Strings(out)
	return out
}
