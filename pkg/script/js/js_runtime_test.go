package js

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunScriptReturnsOutputVariables(t *testing.T) {
	// given
	rt := NewJsRuntime(t.Context(), 2, 1, time.Second)

	// when
	out, err := rt.RunScript(t.Context(), `return { total: variables.price * variables.quantity, label: "order-" + variables.id }`, map[string]any{
		"price":    int64(5),
		"quantity": int64(3),
		"id":       "7",
	})

	// then
	require.NoError(t, err)
	assert.EqualValues(t, 15, out["total"])
	assert.Equal(t, "order-7", out["label"])
}

func TestRunScriptWithoutResult(t *testing.T) {
	rt := NewJsRuntime(t.Context(), 1, 1, time.Second)

	out, err := rt.RunScript(t.Context(), `var x = 1;`, nil)

	assert.NoError(t, err)
	assert.Nil(t, out)
}

func TestRunScriptDoesNotLeakGlobals(t *testing.T) {
	rt := NewJsRuntime(t.Context(), 1, 1, time.Second)

	_, err := rt.RunScript(t.Context(), `var leaked = 1; return {}`, nil)
	require.NoError(t, err)
	out, err := rt.RunScript(t.Context(), `return { defined: typeof leaked !== "undefined" }`, nil)

	require.NoError(t, err)
	assert.Equal(t, false, out["defined"])
}

func TestRunScriptErrors(t *testing.T) {
	rt := NewJsRuntime(t.Context(), 1, 1, time.Second)

	_, err := rt.RunScript(t.Context(), `return {`, nil)
	assert.ErrorContains(t, err, "compiling")

	_, err = rt.RunScript(t.Context(), `throw new Error("boom")`, nil)
	assert.ErrorContains(t, err, "boom")

	_, err = rt.RunScript(t.Context(), `return 42`, nil)
	assert.ErrorContains(t, err, "must return an object")
}

func TestRunScriptIsInterrupted(t *testing.T) {
	rt := NewJsRuntime(t.Context(), 1, 1, 50*time.Millisecond)

	_, err := rt.RunScript(context.Background(), `while (true) {}`, nil)

	assert.ErrorIs(t, err, ErrScriptTimeout)

	// the runner is usable after an interrupt
	out, err := rt.RunScript(t.Context(), `return { ok: true }`, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out["ok"])
}
