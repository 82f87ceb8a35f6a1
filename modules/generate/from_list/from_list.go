package fromlist

import (
	"context"
	"fmt"

	"github.com/gxo-labs/flowcore/internal/logger"
	"github.com/gxo-labs/flowcore/internal/module"
	"github.com/gxo-labs/flowcore/internal/paramutil"
	"github.com/gxo-labs/flowcore/pkg/flowcore/v1/plugin"
)

func init() {
	module.Register("generate:from_list", NewFromListModule)
}

// FromListModule returns the `items` param as a list, the usual source of a
// mapped task. With `as_records: true` every non-map item becomes
// {"item": v} and YAML maps get string keys.
type FromListModule struct{}

// NewFromListModule is the registered factory.
func NewFromListModule() plugin.Module {
	return &FromListModule{}
}

func (m *FromListModule) Perform(ctx context.Context, params map[string]interface{}, inputs map[string]interface{}) (interface{}, error) {
	items, err := paramutil.GetRequiredSlice(params, "items")
	if err != nil {
		return nil, err
	}
	asRecords, _, err := paramutil.GetOptionalBool(params, "as_records")
	if err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx).With("module", "generate:from_list")
	log.Debugf("Generating %d item(s)", len(items))

	out := make([]interface{}, 0, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !asRecords {
			out = append(out, item)
			continue
		}
		switch v := item.(type) {
		case map[string]interface{}:
			out = append(out, v)
		case map[interface{}]interface{}:
			record, convErr := convertMap(v)
			if convErr != nil {
				return nil, fmt.Errorf("item at index %d: %w", i, convErr)
			}
			out = append(out, record)
		default:
			out = append(out, map[string]interface{}{"item": v})
		}
	}
	return out, nil
}

func convertMap(mii map[interface{}]interface{}) (map[string]interface{}, error) {
	msi := make(map[string]interface{}, len(mii))
	for k, v := range mii {
		ks, ok := k.(string)
		if !ok {
			return nil, fmt.Errorf("key is not a string: %T", k)
		}
		msi[ks] = v
	}
	return msi, nil
}
