package expression

import (
	"cmp"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"
)

type number struct {
	i       int64
	f       float64
	isFloat bool
}

func (n number) float() float64 {
	if n.isFloat {
		return n.f
	}
	return float64(n.i)
}

func (n number) value() any {
	if n.isFloat {
		return n.f
	}
	return n.i
}

// integral returns the value as int64 when it is a whole number that fits.
func (n number) integral() (int64, bool) {
	if !n.isFloat {
		return n.i, true
	}
	if n.f != math.Trunc(n.f) {
		return 0, false
	}
	return floatToInt(n.f)
}

// floatToInt converts f to int64, failing for NaN, infinities and values out of range.
func floatToInt(f float64) (int64, bool) {
	if math.IsNaN(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

func addInt(a, b int64) (int64, bool) {
	c := a + b
	return c, (c > a) == (b > 0)
}

func subInt(a, b int64) (int64, bool) {
	c := a - b
	return c, (c < a) == (b > 0)
}

func mulInt(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	if (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return 0, false
	}
	c := a * b
	return c, c/b == a
}

func negInt(a int64) (int64, bool) {
	return -a, a != math.MinInt64
}

func intNumber(i int64) number {
	return number{i: i}
}

func floatNumber(f float64) number {
	return number{f: f, isFloat: true}
}

// toNumber accepts every Go numeric kind and json.Number.
func toNumber(v any) (number, bool) {
	switch n := v.(type) {
	case int:
		return intNumber(int64(n)), true
	case int8:
		return intNumber(int64(n)), true
	case int16:
		return intNumber(int64(n)), true
	case int32:
		return intNumber(int64(n)), true
	case int64:
		return intNumber(n), true
	case uint:
		return intNumber(int64(n)), true
	case uint8:
		return intNumber(int64(n)), true
	case uint16:
		return intNumber(int64(n)), true
	case uint32:
		return intNumber(int64(n)), true
	case uint64:
		if n > math.MaxInt64 {
			return floatNumber(float64(n)), true
		}
		return intNumber(int64(n)), true
	case float32:
		return floatNumber(float64(n)), true
	case float64:
		return floatNumber(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return intNumber(i), true
		}
		if f, err := n.Float64(); err == nil {
			return floatNumber(f), true
		}
	}
	return number{}, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t != nil {
			return *t, true
		}
	}
	return time.Time{}, false
}

// toList converts slices and arrays of any element type.
func toList(v any) ([]any, bool) {
	if l, ok := v.([]any); ok {
		return l, true
	}
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	res := make([]any, rv.Len())
	for i := range res {
		res[i] = rv.Index(i).Interface()
	}
	return res, true
}

func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case time.Time:
		return s.Format(time.RFC3339Nano)
	}
	if n, ok := toNumber(v); ok {
		if n.isFloat {
			return strconv.FormatFloat(n.f, 'f', -1, 64)
		}
		return strconv.FormatInt(n.i, 10)
	}
	return fmt.Sprint(v)
}

func isEmpty(v any) bool {
	switch s := v.(type) {
	case nil:
		return true
	case string:
		return s == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() == 0
	case reflect.Pointer:
		return rv.IsNil()
	}
	return false
}

func typeName(v any) string {
	if v == nil {
		return "null"
	}
	if _, ok := toNumber(v); ok {
		return "number"
	}
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case time.Time, *time.Time:
		return "date"
	}
	if _, ok := toList(v); ok {
		return "list"
	}
	if reflect.ValueOf(v).Kind() == reflect.Map {
		return "map"
	}
	return fmt.Sprintf("%T", v)
}

func equals(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if na, ok := toNumber(a); ok {
		nb, ok := toNumber(b)
		if !ok {
			return false
		}
		if !na.isFloat && !nb.isFloat {
			return na.i == nb.i
		}
		return na.float() == nb.float()
	}
	if ta, ok := toTime(a); ok {
		tb, ok := toTime(b)
		return ok && ta.Equal(tb)
	}
	return reflect.DeepEqual(a, b)
}

// compare orders numbers, strings and dates, other combinations are a type mismatch.
func compare(a, b any) (int, error) {
	if na, ok := toNumber(a); ok {
		if nb, ok := toNumber(b); ok {
			if !na.isFloat && !nb.isFloat {
				return cmp.Compare(na.i, nb.i), nil
			}
			return cmp.Compare(na.float(), nb.float()), nil
		}
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return cmp.Compare(sa, sb), nil
		}
	}
	if ta, ok := toTime(a); ok {
		if tb, ok := toTime(b); ok {
			return ta.Compare(tb), nil
		}
	}
	return 0, failf(ErrTypeMismatch, "can not compare %s with %s", typeName(a), typeName(b))
}
