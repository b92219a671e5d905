package bpmn

import (
	"testing"

	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startParentWithChild(t *testing.T, engine *Engine, vars map[string]any) (parentKey int64, child runtime.ProcessInstance) {
	t.Helper()
	deploy(t, engine, "call_child.yaml")
	parent := deploy(t, engine, "call_parent.yaml")
	parentKey = startProcess(t, engine, parent, vars)
	children, err := engine.FindChildInstances(t.Context(), parentKey)
	require.NoError(t, err)
	require.Len(t, children, 1)
	return parentKey, children[0]
}

func TestSubProcessCompletionContinuesParent(t *testing.T) {
	// given
	engine := NewEngine()
	parentKey, child := startParentWithChild(t, engine, map[string]any{"orderId": "o-1"})
	ship := activeActivity(t, engine, parentKey, "ship")
	assert.Equal(t, child.Key, ship.ChildInstanceKey)
	assert.Equal(t, parentKey, child.ParentKey)
	assert.Equal(t, ship.Key, child.ParentActivityInstance)
	assert.Equal(t, "o-1", child.Variables["orderId"], "the child starts with the variables of the parent")

	// when
	completeActivity(t, engine, child.Key, "pack", map[string]any{"trackingId": "T-1"})

	// then
	assert.Equal(t, runtime.ProcessCompleted, snapshot(t, engine, child.Key).Instance.Status)
	s := snapshot(t, engine, parentKey)
	assert.Equal(t, runtime.ProcessCompleted, s.Instance.Status)
	assert.Equal(t, "T-1", s.Variables["trackingId"])
}

func TestCompletingSubProcessActivityWhileChildRunsIsInvalidState(t *testing.T) {
	// given
	engine := NewEngine()
	parentKey, child := startParentWithChild(t, engine, nil)
	ship := activeActivity(t, engine, parentKey, "ship")

	// when
	err := engine.CompleteActivity(t.Context(), parentKey, ship.Key, map[string]any{"trackingId": "manual"})

	// then
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, []string{"ship"}, activeActivityIds(t, engine, parentKey))
	assert.Equal(t, runtime.ProcessActive, snapshot(t, engine, child.Key).Instance.Status)

	// the child still drives the parent
	completeActivity(t, engine, child.Key, "pack", map[string]any{"trackingId": "T-2"})
	s := snapshot(t, engine, parentKey)
	assert.Equal(t, runtime.ProcessCompleted, s.Instance.Status)
	assert.Equal(t, "T-2", s.Variables["trackingId"])
}

func TestFailedSubProcessFailsParentActivity(t *testing.T) {
	// given
	engine := NewEngine()
	parentKey, child := startParentWithChild(t, engine, nil)
	pack := activeActivity(t, engine, child.Key, "pack")

	// when
	require.NoError(t, engine.FailActivity(t.Context(), child.Key, pack.Key, "no stock", ""))

	// then
	assert.Equal(t, runtime.ProcessFailed, snapshot(t, engine, child.Key).Instance.Status)
	s := snapshot(t, engine, parentKey)
	assert.Equal(t, runtime.ProcessFailed, s.Instance.Status)
	assert.Contains(t, s.Instance.FailureReason, "no stock")
}

func TestCancellingParentCancelsChild(t *testing.T) {
	// given
	engine := NewEngine()
	parentKey, child := startParentWithChild(t, engine, nil)

	// when
	require.NoError(t, engine.CancelProcess(t.Context(), parentKey, "order withdrawn"))

	// then
	assert.Equal(t, runtime.ProcessCancelled, snapshot(t, engine, parentKey).Instance.Status)
	assert.Equal(t, runtime.ProcessCancelled, snapshot(t, engine, child.Key).Instance.Status)
}

func TestCancellingChildFailsParentActivity(t *testing.T) {
	// given
	engine := NewEngine()
	parentKey, child := startParentWithChild(t, engine, nil)

	// when
	require.NoError(t, engine.CancelProcess(t.Context(), child.Key, "manual"))

	// then
	s := snapshot(t, engine, parentKey)
	assert.Equal(t, runtime.ProcessFailed, s.Instance.Status)
	assert.Contains(t, s.Instance.FailureReason, "cancelled")
}

func TestSubProcessWithUnknownDefinitionFailsActivity(t *testing.T) {
	// given
	engine := NewEngine()
	parent := deploy(t, engine, "call_parent.yaml")

	// when
	key := startProcess(t, engine, parent, nil)

	// then
	s := snapshot(t, engine, key)
	assert.Equal(t, runtime.ProcessFailed, s.Instance.Status)
	assert.Contains(t, s.Instance.FailureReason, "call_child")
}

func TestChildIsStartedOnceWhenRecovered(t *testing.T) {
	// given
	engine := NewEngine()
	parentKey, child := startParentWithChild(t, engine, nil)

	// when the parent step is issued again
	n, err := engine.Recover(t.Context())

	// then
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	children, err := engine.FindChildInstances(t.Context(), parentKey)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, child.Key, children[0].Key)
	assert.Equal(t, []string{"pack"}, activeActivityIds(t, engine, child.Key))
}
