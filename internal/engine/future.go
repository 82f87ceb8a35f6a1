package engine

import (
	"context"
	"reflect"

	fcerrors "github.com/gxo-labs/flowcore/pkg/flowcore/v1/errors"
	fcstate "github.com/gxo-labs/flowcore/pkg/flowcore/v1/state"
)

// Future is the handle of a submitted node. Passing it as an argument of
// another submission creates a data edge.
type Future struct {
	run *FlowRun
	n   *node
}

// ID returns the node id.
func (f *Future) ID() string { return f.n.id }

// TaskName returns the name of the definition the node runs.
func (f *Future) TaskName() string { return f.n.def.Name() }

// MapIndex returns the sibling index of a mapped node, or -1.
func (f *Future) MapIndex() int { return f.n.mapIndex }

// State returns the node's current state without blocking.
func (f *Future) State() fcstate.State {
	s, _ := f.run.machine.State(f.n.id)
	return s
}

// Wait blocks until the node is terminal and returns its result. Failure of
// the node is reported in the result, not as an error; the error is only set
// when ctx ends first.
func (f *Future) Wait(ctx context.Context) (fcstate.Result, error) {
	var (
		res fcstate.Result
		err error
	)
	blockOn(ctx, func() { res, err = f.run.results.Wait(ctx, f.n.id) })
	return res, err
}

// Result waits for the node and returns its value, or its error when it did
// not complete.
func (f *Future) Result(ctx context.Context) (interface{}, error) {
	res, err := f.Wait(ctx)
	if err != nil {
		return nil, fcerrors.NewCancellationRequested("wait interrupted", err)
	}
	if res.State == fcstate.Completed {
		return res.Value, nil
	}
	return nil, res.Err
}

// RelaxedFuture is an upstream whose failure does not block the downstream
// node.
type RelaxedFuture struct {
	Future *Future
}

// AllowFailure marks f so that the node depending on it runs whatever state
// f ends in. A relaxed upstream that did not complete resolves to its error.
func AllowFailure(f *Future) RelaxedFuture {
	return RelaxedFuture{Future: f}
}

// UnmappedValue is a Map argument handed unchanged to every sibling.
type UnmappedValue struct {
	Value interface{}
}

// Unmapped keeps v out of the iteration of Map.
func Unmapped(v interface{}) UnmappedValue {
	return UnmappedValue{Value: v}
}

// collectFutures walks v and calls visit for every future found, including
// those nested in []interface{}, []*Future and map[string]interface{}.
func collectFutures(v interface{}, relaxed bool, visit func(f *Future, relaxed bool)) {
	switch t := v.(type) {
	case *Future:
		if t != nil {
			visit(t, relaxed)
		}
	case RelaxedFuture:
		if t.Future != nil {
			visit(t.Future, true)
		}
	case UnmappedValue:
		collectFutures(t.Value, relaxed, visit)
	case []*Future:
		for _, f := range t {
			if f != nil {
				visit(f, relaxed)
			}
		}
	case []interface{}:
		for _, item := range t {
			collectFutures(item, relaxed, visit)
		}
	case map[string]interface{}:
		for _, item := range t {
			collectFutures(item, relaxed, visit)
		}
	}
}

// resolveValue returns a copy of v with every future replaced by its stored
// result. lookup fetches the terminal result of a future.
func resolveValue(v interface{}, lookup func(f *Future) (fcstate.Result, error)) (interface{}, error) {
	switch t := v.(type) {
	case *Future:
		if t == nil {
			return nil, nil
		}
		res, err := lookup(t)
		if err != nil {
			return nil, err
		}
		return res.Value, nil
	case RelaxedFuture:
		if t.Future == nil {
			return nil, nil
		}
		res, err := lookup(t.Future)
		if err != nil {
			return nil, err
		}
		if res.State != fcstate.Completed {
			return res.Err, nil
		}
		return res.Value, nil
	case UnmappedValue:
		return resolveValue(t.Value, lookup)
	case []*Future:
		out := make([]interface{}, len(t))
		for i, f := range t {
			val, err := resolveValue(f, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = val
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			val, err := resolveValue(item, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = val
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			val, err := resolveValue(item, lookup)
			if err != nil {
				return nil, err
			}
			out[k] = val
		}
		return out, nil
	default:
		return v, nil
	}
}

// iterable returns the elements of v when Map should iterate over it.
// Strings and byte slices are scalars.
func iterable(v interface{}) ([]interface{}, bool) {
	switch t := v.(type) {
	case nil, string, []byte, UnmappedValue, map[string]interface{}:
		return nil, false
	case []interface{}:
		return t, true
	case []*Future:
		out := make([]interface{}, len(t))
		for i, f := range t {
			out[i] = f
		}
		return out, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
