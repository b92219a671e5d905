package expression

import (
	"errors"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/senseyeio/duration"
)

type function struct {
	minArgs int
	// maxArgs of -1 means variadic
	maxArgs int
	call    func(args []any) (any, error)
}

// registry is initialised once and never written afterwards.
var registry = map[string]function{
	// strings
	"upper":      {1, 1, stringFn(strings.ToUpper)},
	"lower":      {1, 1, stringFn(strings.ToLower)},
	"trim":       {1, 1, stringFn(strings.TrimSpace)},
	"length":     {1, 1, fnSize},
	"substring":  {2, 3, fnSubstring},
	"contains":   {2, 2, fnContains},
	"startsWith": {2, 2, stringPredicate(strings.HasPrefix)},
	"endsWith":   {2, 2, stringPredicate(strings.HasSuffix)},
	"replace":    {3, 3, fnReplace},
	"concat":     {0, -1, fnConcat},
	// dates
	"date":       {1, 1, fnDate},
	"dateAdd":    {2, 2, fnDateAdd},
	"year":       {1, 1, datePart(func(t time.Time) int64 { return int64(t.Year()) })},
	"month":      {1, 1, datePart(func(t time.Time) int64 { return int64(t.Month()) })},
	"day":        {1, 1, datePart(func(t time.Time) int64 { return int64(t.Day()) })},
	"formatDate": {1, 2, fnFormatDate},
	"before":     {2, 2, dateOrder(func(a, b time.Time) bool { return a.Before(b) })},
	"after":      {2, 2, dateOrder(func(a, b time.Time) bool { return a.After(b) })},
	// collections
	"size":    {1, 1, fnSize},
	"isEmpty": {1, 1, func(args []any) (any, error) { return isEmpty(args[0]), nil }},
	"first":   {1, 1, listElement(func(l []any) any { return l[0] })},
	"last":    {1, 1, listElement(func(l []any) any { return l[len(l)-1] })},
	"join":    {1, 2, fnJoin},
	"sum":     {1, 1, fnSum},
	"min":     {1, -1, extremum(-1)},
	"max":     {1, -1, extremum(1)},
	// numbers
	"abs":   {1, 1, fnAbs},
	"round": {1, 1, rounding(math.Round)},
	"floor": {1, 1, rounding(math.Floor)},
	"ceil":  {1, 1, rounding(math.Ceil)},
	// conversion
	"string":  {1, 1, func(args []any) (any, error) { return stringify(args[0]), nil }},
	"number":  {1, 1, fnNumber},
	"boolean": {1, 1, fnBoolean},
}

func lookupFunction(name string) (function, bool) {
	fn, ok := registry[name]
	return fn, ok
}

// Functions returns the sorted names of the built-in functions.
func Functions() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func argString(fn string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", failf(ErrFunctionArgument, "%s expects a string, got %s", fn, typeName(v))
	}
	return s, nil
}

func argInt(fn string, v any) (int, error) {
	n, ok := toNumber(v)
	if !ok || (n.isFloat && n.f != math.Trunc(n.f)) {
		return 0, failf(ErrFunctionArgument, "%s expects an integer, got %s", fn, typeName(v))
	}
	if n.isFloat {
		return int(n.f), nil
	}
	return int(n.i), nil
}

func argDate(fn string, v any) (time.Time, error) {
	if t, ok := toTime(v); ok {
		return t, nil
	}
	if s, ok := v.(string); ok {
		if t, err := parseDate(s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, failf(ErrFunctionArgument, "%s expects a date, got %s", fn, typeName(v))
}

func argList(fn string, v any) ([]any, error) {
	l, ok := toList(v)
	if !ok {
		return nil, failf(ErrFunctionArgument, "%s expects a list, got %s", fn, typeName(v))
	}
	return l, nil
}

func stringFn(f func(string) string) func([]any) (any, error) {
	return func(args []any) (any, error) {
		s, err := argString("string function", args[0])
		if err != nil {
			return nil, err
		}
		return f(s), nil
	}
}

func stringPredicate(f func(s, affix string) bool) func([]any) (any, error) {
	return func(args []any) (any, error) {
		s, err := argString("string predicate", args[0])
		if err != nil {
			return nil, err
		}
		affix, err := argString("string predicate", args[1])
		if err != nil {
			return nil, err
		}
		return f(s, affix), nil
	}
}

func fnSize(args []any) (any, error) {
	if s, ok := args[0].(string); ok {
		return int64(utf8.RuneCountInString(s)), nil
	}
	if l, ok := toList(args[0]); ok {
		return int64(len(l)), nil
	}
	if m, ok := args[0].(map[string]any); ok {
		return int64(len(m)), nil
	}
	return nil, failf(ErrFunctionArgument, "size expects a string, list or map, got %s", typeName(args[0]))
}

func fnSubstring(args []any) (any, error) {
	s, err := argString("substring", args[0])
	if err != nil {
		return nil, err
	}
	runes := []rune(s)
	start, err := argInt("substring", args[1])
	if err != nil {
		return nil, err
	}
	end := len(runes)
	if len(args) == 3 {
		if end, err = argInt("substring", args[2]); err != nil {
			return nil, err
		}
	}
	if start < 0 || end > len(runes) || start > end {
		return nil, failf(ErrFunctionArgument, "substring range [%d, %d) out of bounds for length %d", start, end, len(runes))
	}
	return string(runes[start:end]), nil
}

func fnContains(args []any) (any, error) {
	if s, ok := args[0].(string); ok {
		return strings.Contains(s, stringify(args[1])), nil
	}
	if l, ok := toList(args[0]); ok {
		return slices.ContainsFunc(l, func(v any) bool { return equals(v, args[1]) }), nil
	}
	if m, ok := args[0].(map[string]any); ok {
		_, found := m[stringify(args[1])]
		return found, nil
	}
	return nil, failf(ErrFunctionArgument, "contains expects a string, list or map, got %s", typeName(args[0]))
}

func fnReplace(args []any) (any, error) {
	parts := make([]string, 3)
	for i := range parts {
		s, err := argString("replace", args[i])
		if err != nil {
			return nil, err
		}
		parts[i] = s
	}
	return strings.ReplaceAll(parts[0], parts[1], parts[2]), nil
}

func fnConcat(args []any) (any, error) {
	var sb strings.Builder
	for _, a := range args {
		sb.WriteString(stringify(a))
	}
	return sb.String(), nil
}

var dateLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"}

func parseDate(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, strings.TrimSpace(s))
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func fnDate(args []any) (any, error) {
	return argDate("date", args[0])
}

func fnDateAdd(args []any) (any, error) {
	t, err := argDate("dateAdd", args[0])
	if err != nil {
		return nil, err
	}
	iso, err := argString("dateAdd", args[1])
	if err != nil {
		return nil, err
	}
	d, err := duration.ParseISO8601(iso)
	if err != nil {
		return nil, failf(ErrFunctionArgument, "dateAdd expects an ISO-8601 duration: %s", err)
	}
	return d.Shift(t), nil
}

func datePart(part func(time.Time) int64) func([]any) (any, error) {
	return func(args []any) (any, error) {
		t, err := argDate("date function", args[0])
		if err != nil {
			return nil, err
		}
		return part(t), nil
	}
}

func fnFormatDate(args []any) (any, error) {
	t, err := argDate("formatDate", args[0])
	if err != nil {
		return nil, err
	}
	layout := time.RFC3339
	if len(args) == 2 {
		if layout, err = argString("formatDate", args[1]); err != nil {
			return nil, err
		}
	}
	return t.Format(layout), nil
}

func dateOrder(less func(a, b time.Time) bool) func([]any) (any, error) {
	return func(args []any) (any, error) {
		a, err := argDate("date comparison", args[0])
		if err != nil {
			return nil, err
		}
		b, err := argDate("date comparison", args[1])
		if err != nil {
			return nil, err
		}
		return less(a, b), nil
	}
}

func listElement(pick func([]any) any) func([]any) (any, error) {
	return func(args []any) (any, error) {
		l, err := argList("list function", args[0])
		if err != nil {
			return nil, err
		}
		if len(l) == 0 {
			return nil, nil
		}
		return pick(l), nil
	}
}

func fnJoin(args []any) (any, error) {
	l, err := argList("join", args[0])
	if err != nil {
		return nil, err
	}
	sep := ","
	if len(args) == 2 {
		if sep, err = argString("join", args[1]); err != nil {
			return nil, err
		}
	}
	parts := make([]string, len(l))
	for i, v := range l {
		parts[i] = stringify(v)
	}
	return strings.Join(parts, sep), nil
}

func fnSum(args []any) (any, error) {
	l, err := argList("sum", args[0])
	if err != nil {
		return nil, err
	}
	var total any = int64(0)
	for _, v := range l {
		if total, err = arithmetic("+", total, v); err != nil {
			if errors.Is(err, ErrNumericOverflow) {
				return nil, err
			}
			return nil, failf(ErrFunctionArgument, "sum expects a list of numbers, got %s", typeName(v))
		}
	}
	return total, nil
}

func extremum(sign int) func([]any) (any, error) {
	return func(args []any) (any, error) {
		values := args
		if len(args) == 1 {
			l, err := argList("min/max", args[0])
			if err != nil {
				return nil, err
			}
			values = l
		}
		if len(values) == 0 {
			return nil, nil
		}
		best := values[0]
		for _, v := range values[1:] {
			c, err := compare(v, best)
			if err != nil {
				return nil, failf(ErrFunctionArgument, "min/max can not compare %s with %s", typeName(v), typeName(best))
			}
			if c*sign > 0 {
				best = v
			}
		}
		return best, nil
	}
}

func fnAbs(args []any) (any, error) {
	n, ok := toNumber(args[0])
	if !ok {
		return nil, failf(ErrFunctionArgument, "abs expects a number, got %s", typeName(args[0]))
	}
	if n.isFloat {
		return math.Abs(n.f), nil
	}
	if n.i < 0 {
		neg, ok := negInt(n.i)
		if !ok {
			return nil, failf(ErrNumericOverflow, "abs(%d) does not fit into an integer", n.i)
		}
		return neg, nil
	}
	return n.i, nil
}

func rounding(f func(float64) float64) func([]any) (any, error) {
	return func(args []any) (any, error) {
		n, ok := toNumber(args[0])
		if !ok {
			return nil, failf(ErrFunctionArgument, "rounding expects a number, got %s", typeName(args[0]))
		}
		if !n.isFloat {
			return n.i, nil
		}
		i, ok := floatToInt(f(n.f))
		if !ok {
			return nil, failf(ErrNumericOverflow, "%s can not be rounded to an integer", stringify(n.f))
		}
		return i, nil
	}
}

func fnNumber(args []any) (any, error) {
	if n, ok := toNumber(args[0]); ok {
		return n.value(), nil
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, failf(ErrFunctionArgument, "number expects a string or number, got %s", typeName(args[0]))
	}
	s = strings.TrimSpace(s)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, failf(ErrFunctionArgument, "'%s' is not a number", s)
	}
	return f, nil
}

func fnBoolean(args []any) (any, error) {
	switch v := args[0].(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
	}
	return nil, failf(ErrFunctionArgument, "boolean expects true or false, got %s", typeName(args[0]))
}
