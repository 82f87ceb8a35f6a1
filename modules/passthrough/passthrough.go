package passthrough

import (
	"context"

	"github.com/gxo-labs/flowcore/internal/module"
	"github.com/gxo-labs/flowcore/pkg/flowcore/v1/plugin"
)

func init() {
	module.Register("passthrough", NewPassthroughModule)
}

// PassthroughModule returns what it was given. With a `value` param the
// value is that param alone; otherwise it is a map of the rendered params
// and the upstream inputs. It is the glue task of plans and their tests.
type PassthroughModule struct{}

// NewPassthroughModule is the registered factory.
func NewPassthroughModule() plugin.Module {
	return &PassthroughModule{}
}

func (m *PassthroughModule) Perform(ctx context.Context, params map[string]interface{}, inputs map[string]interface{}) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if v, ok := params["value"]; ok && len(params) == 1 {
		return v, nil
	}
	out := map[string]interface{}{"params": params}
	if len(inputs) > 0 {
		out["inputs"] = inputs
	}
	return out, nil
}
