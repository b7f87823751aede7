package tools

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Args is a decoded JSON argument object.
type Args map[string]any

// jsonTypeName names a decoded JSON value the way providers describe types.
func jsonTypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, int, int64:
		return "number"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// lookup walks a dotted path through nested objects and returns the leaf
// value. present is false when the leaf key is absent from its parent.
func (a Args) lookup(path, expected string) (value any, present bool, err *ParameterError) {
	segments := strings.Split(path, ".")
	current := map[string]any(a)

	for i, seg := range segments {
		prefix := strings.Join(segments[:i+1], ".")
		v, ok := current[seg]
		last := i == len(segments)-1

		if !ok {
			exp := expected
			if !last {
				exp = "object"
			}
			return nil, false, &ParameterError{
				Kind:          MissingParameter,
				Path:          prefix,
				Expected:      exp,
				AvailableKeys: sortedKeys(current),
			}
		}
		if last {
			return v, true, nil
		}

		next, isObj := v.(map[string]any)
		if !isObj {
			return nil, false, &ParameterError{
				Kind:       InvalidNesting,
				Path:       path,
				ParentPath: prefix,
				ParentType: jsonTypeName(v),
			}
		}
		current = next
	}
	return nil, false, nil
}

// extract resolves a required leaf: missing and null are errors.
func (a Args) extract(path, expected string) (any, *ParameterError) {
	v, _, err := a.lookup(path, expected)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, &ParameterError{Kind: NullParameter, Path: path, Expected: expected}
	}
	return v, nil
}

// extractOptional resolves an optional leaf: missing and null both yield
// ok=false without error. Only navigation failures and type mismatches (in
// the typed wrappers) surface.
func (a Args) extractOptional(path, expected string) (any, bool, *ParameterError) {
	v, present, err := a.lookup(path, expected)
	if err != nil {
		if err.Kind == MissingParameter {
			return nil, false, nil
		}
		return nil, false, err
	}
	if !present || v == nil {
		return nil, false, nil
	}
	return v, true, nil
}

func (a Args) String(path string) (string, *ParameterError) {
	v, err := a.extract(path, "string")
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", &ParameterError{Kind: TypeMismatch, Path: path, Expected: "string", Actual: jsonTypeName(v)}
	}
	return s, nil
}

func (a Args) OptionalString(path string) (string, bool, *ParameterError) {
	v, ok, err := a.extractOptional(path, "string")
	if err != nil || !ok {
		return "", false, err
	}
	s, isStr := v.(string)
	if !isStr {
		return "", false, &ParameterError{Kind: TypeMismatch, Path: path, Expected: "string", Actual: jsonTypeName(v)}
	}
	return s, true, nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func (a Args) Float(path string) (float64, *ParameterError) {
	v, err := a.extract(path, "number")
	if err != nil {
		return 0, err
	}
	f, ok := asFloat(v)
	if !ok {
		return 0, &ParameterError{Kind: TypeMismatch, Path: path, Expected: "number", Actual: jsonTypeName(v)}
	}
	return f, nil
}

func (a Args) OptionalFloat(path string) (float64, bool, *ParameterError) {
	v, ok, err := a.extractOptional(path, "number")
	if err != nil || !ok {
		return 0, false, err
	}
	f, isNum := asFloat(v)
	if !isNum {
		return 0, false, &ParameterError{Kind: TypeMismatch, Path: path, Expected: "number", Actual: jsonTypeName(v)}
	}
	return f, true, nil
}

func (a Args) Int(path string) (int, *ParameterError) {
	f, err := a.Float(path)
	if err != nil {
		if err.Kind == TypeMismatch {
			err.Expected = "integer"
		}
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, &ParameterError{Kind: TypeMismatch, Path: path, Expected: "integer", Actual: "number"}
	}
	return int(f), nil
}

func (a Args) OptionalInt(path string) (int, bool, *ParameterError) {
	f, ok, err := a.OptionalFloat(path)
	if err != nil || !ok {
		return 0, ok, err
	}
	if f != math.Trunc(f) {
		return 0, false, &ParameterError{Kind: TypeMismatch, Path: path, Expected: "integer", Actual: "number"}
	}
	return int(f), true, nil
}

func (a Args) Bool(path string) (bool, *ParameterError) {
	v, err := a.extract(path, "boolean")
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, &ParameterError{Kind: TypeMismatch, Path: path, Expected: "boolean", Actual: jsonTypeName(v)}
	}
	return b, nil
}

func (a Args) OptionalBool(path string) (bool, bool, *ParameterError) {
	v, ok, err := a.extractOptional(path, "boolean")
	if err != nil || !ok {
		return false, false, err
	}
	b, isBool := v.(bool)
	if !isBool {
		return false, false, &ParameterError{Kind: TypeMismatch, Path: path, Expected: "boolean", Actual: jsonTypeName(v)}
	}
	return b, true, nil
}

func (a Args) Object(path string) (map[string]any, *ParameterError) {
	v, err := a.extract(path, "object")
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, &ParameterError{Kind: TypeMismatch, Path: path, Expected: "object", Actual: jsonTypeName(v)}
	}
	return obj, nil
}

func (a Args) Array(path string) ([]any, *ParameterError) {
	v, err := a.extract(path, "array")
	if err != nil {
		return nil, err
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, &ParameterError{Kind: TypeMismatch, Path: path, Expected: "array", Actual: jsonTypeName(v)}
	}
	return arr, nil
}

func (a Args) StringSlice(path string) ([]string, *ParameterError) {
	arr, err := a.Array(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(arr))
	for i, v := range arr {
		s, ok := v.(string)
		if !ok {
			return nil, &ParameterError{
				Kind:     TypeMismatch,
				Path:     fmt.Sprintf("%s[%d]", path, i),
				Expected: "string",
				Actual:   jsonTypeName(v),
			}
		}
		out[i] = s
	}
	return out, nil
}
