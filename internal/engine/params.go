package engine

import (
	"fmt"
	"sort"

	"github.com/gxo-labs/flowcore/internal/util"
	fcerrors "github.com/gxo-labs/flowcore/pkg/flowcore/v1/errors"
	"github.com/xeipuuv/gojsonschema"
)

func compileSchema(schema map[string]interface{}) (*gojsonschema.Schema, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("invalid parameter schema: %w", err)
	}
	return compiled, nil
}

// applyParamDefaults returns a copy of params with the default of every
// missing top-level schema property filled in.
func applyParamDefaults(schema, params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	props, _ := schema["properties"].(map[string]interface{})
	for name, raw := range props {
		prop, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if _, present := out[name]; present {
			continue
		}
		if def, ok := prop["default"]; ok {
			out[name] = util.DeepCopy(def)
		}
	}
	return out
}

// validateParams checks params against the flow's schema and reports every
// problem in a single ValidationError.
func validateParams(flowName string, schema, params map[string]interface{}) error {
	compiled, err := compileSchema(schema)
	if err != nil {
		return fcerrors.NewValidationError(fmt.Sprintf("flow '%s' parameter schema", flowName), err)
	}
	doc := params
	if doc == nil {
		doc = map[string]interface{}{}
	}
	result, err := compiled.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fcerrors.NewValidationError(fmt.Sprintf("flow '%s' parameters could not be validated", flowName), err)
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "(root)" || field == "" {
			field = desc.Context().String()
		}
		problems = append(problems, fmt.Sprintf("%s: %s", field, desc.Description()))
	}
	sort.Strings(problems)
	return fcerrors.NewAggregateValidationError(fmt.Sprintf("parameters of flow '%s'", flowName), problems)
}
