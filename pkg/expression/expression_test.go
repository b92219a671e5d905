package expression

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eval(t *testing.T, text string, vars map[string]any) (any, error) {
	t.Helper()
	e, err := Compile(text)
	require.NoError(t, err)
	return e.Evaluate(MapVariables(vars))
}

func TestGuardWithAndKeyword(t *testing.T) {
	// given
	guard := MustCompile("${amount > 100 and approved}")

	tests := []struct {
		name string
		vars map[string]any
		want bool
	}{
		{"both satisfied", map[string]any{"amount": 150, "approved": true}, true},
		{"amount too low", map[string]any{"amount": 100, "approved": true}, false},
		{"not approved", map[string]any{"amount": 500.5, "approved": false}, false},
		{"json number", map[string]any{"amount": json.Number("101"), "approved": true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// when
			got, err := guard.EvaluateBool(MapVariables(tt.vars))

			// then
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnresolvedVariableIsEvaluationError(t *testing.T) {
	// given
	guard := MustCompile("${amount > 100 and approved}")

	// when
	_, err := guard.EvaluateBool(MapVariables{"approved": true})

	// then
	var evalErr *EvaluationError
	assert.True(t, errors.As(err, &evalErr))
	assert.ErrorIs(t, err, ErrUnresolvedVariable)
	assert.Equal(t, "${amount > 100 and approved}", evalErr.Expression)
}

func TestShortCircuitSkipsUnresolvedRightSide(t *testing.T) {
	// when
	v, err := eval(t, "${approved or missing}", map[string]any{"approved": true})

	// then
	assert.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestArithmeticAndOperatorPrecedence(t *testing.T) {
	tests := []struct {
		text string
		want any
	}{
		{"${1 + 2 * 3}", int64(7)},
		{"${(1 + 2) * 3}", int64(9)},
		{"${7 / 2}", 3.5},
		{"${7 div 2}", 3.5},
		{"${7 % 4}", int64(3)},
		{"${7 mod 4}", int64(3)},
		{"${-price + 1.5}", -8.5},
		{"${1 < 2 && 2 <= 2}", true},
		{"${3 ge 4}", false},
		{"${'a' + 'b'}", "ab"},
		{"${'n=' + 3}", "n=3"},
		{"${not false}", true},
		{"${!(1 eq 1)}", false},
		{"${2 == 2.0}", true},
		{"${'x' ne 'y'}", true},
		{"${null == null}", true},
		{"${price > 5 ? 'high' : 'low'}", "high"},
		{"${empty ''}", true},
		{"${empty items}", false},
	}
	vars := map[string]any{"price": 10, "items": []any{1}}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			// when
			got, err := eval(t, tt.text, vars)

			// then
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDottedPathAndIndex(t *testing.T) {
	// given
	vars := map[string]any{
		"order": map[string]any{
			"customer": map[string]any{"name": "Ada"},
			"lines":    []any{map[string]any{"sku": "A-1"}, map[string]any{"sku": "B-2"}},
		},
		"labels": map[string]string{"env": "prod"},
	}

	// when
	name, err1 := eval(t, "${order.customer.name}", vars)
	sku, err2 := eval(t, "${order.lines[1].sku}", vars)
	missing, err3 := eval(t, "${order.customer.email}", vars)
	env, err4 := eval(t, "${labels['env']}", vars)
	outOfRange, err5 := eval(t, "${order.lines[5]}", vars)

	// then
	assert.NoError(t, errors.Join(err1, err2, err3, err4, err5))
	assert.Equal(t, "Ada", name)
	assert.Equal(t, "B-2", sku)
	assert.Nil(t, missing)
	assert.Equal(t, "prod", env)
	assert.Nil(t, outOfRange)
}

func TestPropertyOfNullIsTypeMismatch(t *testing.T) {
	// when
	_, err := eval(t, "${order.customer.name}", map[string]any{"order": map[string]any{}})

	// then
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestRuntimeFailures(t *testing.T) {
	tests := []struct {
		text string
		want error
	}{
		{"${1 / 0}", ErrDivisionByZero},
		{"${5 % 0}", ErrDivisionByZero},
		{"${'a' > 1}", ErrTypeMismatch},
		{"${'a' - 1}", ErrTypeMismatch},
		{"${1 and true}", ErrTypeMismatch},
		{"${substring('abc', 2, 9)}", ErrFunctionArgument},
		{"${upper(1)}", ErrFunctionArgument},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			// when
			_, err := eval(t, tt.text, nil)

			// then
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestIntegerOverflowIsEvaluationError(t *testing.T) {
	vars := map[string]any{
		"max":  int64(math.MaxInt64),
		"min":  int64(math.MinInt64),
		"nan":  math.NaN(),
		"inf":  math.Inf(1),
		"huge": 1e19,
		"big":  []any{int64(math.MaxInt64), int64(1)},
	}
	tests := []string{
		"${9223372036854775807 + 1}",
		"${max + 1}",
		"${min - 1}",
		"${max * 2}",
		"${min * -1}",
		"${-min}",
		"${abs(min)}",
		"${sum(big)}",
		"${round(nan)}",
		"${floor(inf)}",
		"${ceil(huge)}",
		"${round(-huge)}",
	}
	for _, text := range tests {
		t.Run(text, func(t *testing.T) {
			// when
			_, err := eval(t, text, vars)

			// then
			var evalErr *EvaluationError
			require.ErrorAs(t, err, &evalErr)
			assert.ErrorIs(t, err, ErrNumericOverflow)
		})
	}
}

func TestIntegerArithmeticNearTheLimits(t *testing.T) {
	// given
	vars := map[string]any{"max": int64(math.MaxInt64), "min": int64(math.MinInt64)}

	// when
	sum, err1 := eval(t, "${max + min}", vars)
	diff, err2 := eval(t, "${min + 1 - 1}", vars)
	prod, err3 := eval(t, "${max * 1}", vars)
	mod, err4 := eval(t, "${min % -1}", vars)
	rounded, err5 := eval(t, "${round(-9.2e18)}", vars)

	// then
	assert.NoError(t, errors.Join(err1, err2, err3, err4, err5))
	assert.Equal(t, int64(-1), sum)
	assert.Equal(t, int64(math.MinInt64), diff)
	assert.Equal(t, int64(math.MaxInt64), prod)
	assert.Equal(t, int64(0), mod)
	assert.Equal(t, int64(-9200000000000000000), rounded)
}

func TestWholeFloatIndexesAList(t *testing.T) {
	// given
	vars := map[string]any{"items": []any{"a", "b", "c"}, "i": float64(1), "half": 0.5}

	// when
	got, err := eval(t, "${items[i]}", vars)
	_, fractional := eval(t, "${items[half]}", vars)

	// then
	assert.NoError(t, err)
	assert.Equal(t, "b", got)
	assert.ErrorIs(t, fractional, ErrTypeMismatch)
}

func TestParseErrors(t *testing.T) {
	tests := []string{
		"${amount >}",
		"${(1 + 2}",
		"${'unterminated}",
		"${a b}",
		"${unknownFn(1)}",
		"${upper()}",
		"${}",
		"${amount",
		"${1 @ 2}",
		"${a ? b}",
	}
	for _, text := range tests {
		t.Run(text, func(t *testing.T) {
			// when
			_, err := Compile(text)

			// then
			var parseErr *ParseError
			assert.True(t, errors.As(err, &parseErr), "expected ParseError, got %v", err)
			if parseErr != nil {
				assert.Equal(t, text, parseErr.Expression)
			}
		})
	}
}

func TestTemplatesAndLiterals(t *testing.T) {
	// given
	vars := map[string]any{"name": "World", "n": 3}

	// when
	greeting, err1 := eval(t, "Hello ${name}!", vars)
	typed, err2 := eval(t, "  ${n}  ", vars)
	literal, err3 := eval(t, "plain text", vars)
	hash, err4 := eval(t, "#{n + 1}", vars)
	braces, err5 := eval(t, "${'}' + name}", vars)

	// then
	assert.NoError(t, errors.Join(err1, err2, err3, err4, err5))
	assert.Equal(t, "Hello World!", greeting)
	assert.Equal(t, 3, typed)
	assert.Equal(t, "plain text", literal)
	assert.Equal(t, int64(4), hash)
	assert.Equal(t, "}World", braces)
	assert.True(t, MustCompile("plain").IsLiteral())
	assert.False(t, IsExpression("plain"))
	assert.True(t, IsExpression("a ${b}"))
}

func TestEvaluateBoolSemantics(t *testing.T) {
	// given
	vars := MapVariables{"flag": nil, "text": "yes"}

	// when
	nullGuard, nullErr := MustCompile("${flag}").EvaluateBool(vars)
	literalGuard, literalErr := MustCompile("true").EvaluateBool(vars)
	_, textErr := MustCompile("${text}").EvaluateBool(vars)

	// then
	assert.NoError(t, nullErr)
	assert.False(t, nullGuard)
	assert.NoError(t, literalErr)
	assert.True(t, literalGuard)
	assert.ErrorIs(t, textErr, ErrTypeMismatch)
}

func TestBuiltinFunctions(t *testing.T) {
	// given
	vars := map[string]any{
		"s":      "  Mixed Case  ",
		"items":  []any{3, 1, 2},
		"prices": []float64{1.5, 2.5},
		"d":      time.Date(2024, 2, 28, 10, 0, 0, 0, time.UTC),
	}
	tests := []struct {
		text string
		want any
	}{
		{"${upper(trim(s))}", "MIXED CASE"},
		{"${lower('ABC')}", "abc"},
		{"${length('héllo')}", int64(5)},
		{"${substring('abcdef', 1, 3)}", "bc"},
		{"${substring('abcdef', 4)}", "ef"},
		{"${contains('abc', 'b')}", true},
		{"${contains(items, 2)}", true},
		{"${startsWith('order-1', 'order')}", true},
		{"${endsWith('order-1', '2')}", false},
		{"${replace('a-b-c', '-', '+')}", "a+b+c"},
		{"${concat('a', 1, true)}", "a1true"},
		{"${fn:upper('x')}", "X"},
		{"${size(items)}", int64(3)},
		{"${isEmpty(items)}", false},
		{"${first(items)}", 3},
		{"${last(items)}", 2},
		{"${join(items, '|')}", "3|1|2"},
		{"${sum(items)}", int64(6)},
		{"${sum(prices)}", 4.0},
		{"${min(items)}", 1},
		{"${max(4, 9, 2)}", int64(9)},
		{"${abs(-3)}", int64(3)},
		{"${round(2.5)}", int64(3)},
		{"${floor(2.7)}", int64(2)},
		{"${ceil(2.1)}", int64(3)},
		{"${number('42')}", int64(42)},
		{"${number('4.5')}", 4.5},
		{"${boolean('TRUE')}", true},
		{"${string(12)}", "12"},
		{"${year(d)}", int64(2024)},
		{"${month(d)}", int64(2)},
		{"${day(dateAdd(d, 'P1D'))}", int64(29)},
		{"${formatDate(date('2024-01-02'), '2006/01/02')}", "2024/01/02"},
		{"${before(date('2024-01-01'), d)}", true},
		{"${after(date('2024-01-01'), d)}", false},
		{"${dateAdd(d, 'PT2H') > d}", true},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			// when
			got, err := eval(t, tt.text, vars)

			// then
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFunctionRegistryIsClosed(t *testing.T) {
	// when
	names := Functions()

	// then
	assert.Contains(t, names, "upper")
	assert.Contains(t, names, "dateAdd")
	assert.NotContains(t, names, "now")
}

func TestCompiledExpressionIsReusableAcrossScopes(t *testing.T) {
	// given
	e := MustCompile("${x * 2}")

	// when
	a, errA := e.Evaluate(MapVariables{"x": 2})
	b, errB := e.Evaluate(MapVariables{"x": 5})

	// then
	assert.NoError(t, errors.Join(errA, errB))
	assert.Equal(t, int64(4), a)
	assert.Equal(t, int64(10), b)
	assert.Equal(t, "${x * 2}", e.String())
}
