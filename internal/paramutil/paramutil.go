// Package paramutil reads typed values out of a task's rendered params.
// Every helper reports a bad value as a ValidationError naming the key.
package paramutil

import (
	"fmt"
	"math"

	fcerrors "github.com/gxo-labs/flowcore/pkg/flowcore/v1/errors"
)

func missing(key string) error {
	return fcerrors.NewValidationError(fmt.Sprintf("missing required parameter '%s'", key), nil)
}

func wrongType(key, want string, got interface{}) error {
	return fcerrors.NewValidationError(fmt.Sprintf("parameter '%s' must be %s, got %T", key, want, got), nil)
}

// GetRequiredString returns params[key] as a string.
func GetRequiredString(params map[string]interface{}, key string) (string, error) {
	s, found, err := GetOptionalString(params, key)
	if err != nil {
		return "", err
	}
	if !found {
		return "", missing(key)
	}
	return s, nil
}

// GetOptionalString returns params[key] as a string; found is false when
// the key is absent.
func GetOptionalString(params map[string]interface{}, key string) (string, bool, error) {
	value, exists := params[key]
	if !exists {
		return "", false, nil
	}
	s, ok := value.(string)
	if !ok {
		return "", false, wrongType(key, "a string", value)
	}
	return s, true, nil
}

// GetRequiredSlice returns params[key] as a list. A Go slice of any element
// type other than interface{} is rejected; YAML and templates always yield
// []interface{}.
func GetRequiredSlice(params map[string]interface{}, key string) ([]interface{}, error) {
	value, exists := params[key]
	if !exists {
		return nil, missing(key)
	}
	list, ok := value.([]interface{})
	if !ok {
		return nil, wrongType(key, "a list", value)
	}
	return list, nil
}

// GetOptionalStringSlice returns params[key] as a list of strings.
func GetOptionalStringSlice(params map[string]interface{}, key string) ([]string, bool, error) {
	value, exists := params[key]
	if !exists {
		return nil, false, nil
	}
	switch v := value.(type) {
	case []string:
		return v, true, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false, fcerrors.NewValidationError(
					fmt.Sprintf("parameter '%s' must be a list of strings, found %T at index %d", key, item, i), nil)
			}
			out = append(out, s)
		}
		return out, true, nil
	}
	return nil, false, wrongType(key, "a list", value)
}

// GetOptionalMap returns params[key] as a map with string keys.
func GetOptionalMap(params map[string]interface{}, key string) (map[string]interface{}, bool, error) {
	value, exists := params[key]
	if !exists {
		return nil, false, nil
	}
	switch v := value.(type) {
	case map[string]interface{}:
		return v, true, nil
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			ks, ok := k.(string)
			if !ok {
				return nil, false, fcerrors.NewValidationError(
					fmt.Sprintf("parameter '%s' must be a map with string keys, found key of type %T", key, k), nil)
			}
			out[ks] = item
		}
		return out, true, nil
	}
	return nil, false, wrongType(key, "a map", value)
}

// GetOptionalInt returns params[key] as an int. Floats are accepted when
// they hold a whole number.
func GetOptionalInt(params map[string]interface{}, key string) (int, bool, error) {
	value, exists := params[key]
	if !exists {
		return 0, false, nil
	}
	switch v := value.(type) {
	case int:
		return v, true, nil
	case int32:
		return int(v), true, nil
	case int64:
		if v > math.MaxInt || v < math.MinInt {
			return 0, false, fcerrors.NewValidationError(fmt.Sprintf("parameter '%s' value %v overflows int", key, v), nil)
		}
		return int(v), true, nil
	case float64:
		if v != math.Trunc(v) {
			return 0, false, fcerrors.NewValidationError(
				fmt.Sprintf("parameter '%s' is a non-integer float (%v), cannot convert to int", key, v), nil)
		}
		return int(v), true, nil
	}
	return 0, false, wrongType(key, "an integer", value)
}

// GetOptionalBool returns params[key] as a bool.
func GetOptionalBool(params map[string]interface{}, key string) (bool, bool, error) {
	value, exists := params[key]
	if !exists {
		return false, false, nil
	}
	b, ok := value.(bool)
	if !ok {
		return false, false, wrongType(key, "a boolean", value)
	}
	return b, true, nil
}

// CheckAllowed rejects keys outside allowed. An empty allowed list permits
// everything.
func CheckAllowed(params map[string]interface{}, allowed []string) error {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, key := range allowed {
		set[key] = struct{}{}
	}
	for key := range params {
		if _, ok := set[key]; !ok {
			return fcerrors.NewValidationError(fmt.Sprintf("unknown parameter '%s' provided", key), nil)
		}
	}
	return nil
}
