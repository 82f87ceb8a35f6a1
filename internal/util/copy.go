package util

import "reflect"

// CycleDetectionContext maps the address of an original map or slice to its
// copy so self-referencing values terminate.
type CycleDetectionContext map[uintptr]interface{}

// DeepCopy copies the generic containers task results are made of
// (map[string]interface{}, []interface{}, []string, map[string]string and
// scalars). Values of any other type are returned as they are: task bodies
// own the mutability of their custom types.
func DeepCopy(src interface{}) interface{} {
	if src == nil {
		return nil
	}
	return deepCopyRecursive(src, make(CycleDetectionContext))
}

func deepCopyRecursive(src interface{}, ctx CycleDetectionContext) interface{} {
	switch v := src.(type) {
	case nil:
		return nil
	case map[string]interface{}:
		if v == nil {
			return v
		}
		addr := reflect.ValueOf(v).Pointer()
		if cpy, seen := ctx[addr]; seen {
			return cpy
		}
		cpy := make(map[string]interface{}, len(v))
		ctx[addr] = cpy
		for key, value := range v {
			cpy[key] = deepCopyRecursive(value, ctx)
		}
		return cpy
	case []interface{}:
		if v == nil {
			return v
		}
		addr := reflect.ValueOf(v).Pointer()
		if cpy, seen := ctx[addr]; seen && len(v) > 0 {
			return cpy
		}
		cpy := make([]interface{}, len(v))
		if len(v) > 0 {
			ctx[addr] = cpy
		}
		for i, value := range v {
			cpy[i] = deepCopyRecursive(value, ctx)
		}
		return cpy
	case []string:
		if v == nil {
			return v
		}
		return append([]string(nil), v...)
	case map[string]string:
		if v == nil {
			return v
		}
		cpy := make(map[string]string, len(v))
		for key, value := range v {
			cpy[key] = value
		}
		return cpy
	default:
		return src
	}
}
