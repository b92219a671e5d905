package runtime

import "encoding/json"

// NormalizeNumbers replaces json.Number values, also inside nested maps and lists, with int64 when
// the number is integral and float64 otherwise. Variables decoded with UseNumber go through it so that
// every entry point and every store hand the engine the same numeric types.
func NormalizeNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		return JSONNumber(val)
	case map[string]any:
		for k, item := range val {
			val[k] = NormalizeNumbers(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = NormalizeNumbers(item)
		}
		return val
	default:
		return v
	}
}

// NormalizeVariables normalizes vars in place and returns it.
func NormalizeVariables(vars map[string]any) map[string]any {
	for k, v := range vars {
		vars[k] = NormalizeNumbers(v)
	}
	return vars
}

// JSONNumber converts n to int64 when it is integral and fits, otherwise to float64.
func JSONNumber(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	f, _ := n.Float64()
	return f
}
