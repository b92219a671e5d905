package bpmn

import (
	"errors"
	"testing"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenflow/pkg/expression"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func guardedTransitions() ([]*model.Transition, map[string]*expression.Expression) {
	transitions := []*model.Transition{
		{Id: "big", Condition: "${amount > 100}"},
		{Id: "vip", Condition: "${customer == 'vip'}"},
		{Id: "fallback"},
	}
	guards := map[string]*expression.Expression{}
	for _, t := range transitions {
		if t.Condition != "" {
			guards[t.Id] = expression.MustCompile(t.Condition)
		}
	}
	return transitions, guards
}

func ids(transitions []*model.Transition) []string {
	res := make([]string, 0, len(transitions))
	for _, t := range transitions {
		res = append(res, t.Id)
	}
	return res
}

func TestExclusiveFilterTakesFirstMatchInDeclarationOrder(t *testing.T) {
	// given
	transitions, guards := guardedTransitions()

	// when
	chosen, err := exclusivelyFilterByCondition(transitions, guards, expression.MapVariables{"amount": 500, "customer": "vip"})

	// then
	require.NoError(t, err)
	assert.Equal(t, []string{"big"}, ids(chosen))
}

func TestExclusiveFilterFallsBackToDefault(t *testing.T) {
	// given
	transitions, guards := guardedTransitions()

	// when
	chosen, err := exclusivelyFilterByCondition(transitions, guards, expression.MapVariables{"amount": 5, "customer": "regular"})

	// then
	require.NoError(t, err)
	assert.Equal(t, []string{"fallback"}, ids(chosen))
}

func TestInclusiveFilterTakesEveryMatch(t *testing.T) {
	// given
	transitions, guards := guardedTransitions()

	// when
	chosen, err := inclusivelyFilterByCondition(transitions, guards, expression.MapVariables{"amount": 500, "customer": "vip"})

	// then
	require.NoError(t, err)
	assert.Equal(t, []string{"big", "vip"}, ids(chosen))
}

func TestFilterReportsEvaluationError(t *testing.T) {
	// given
	transitions, guards := guardedTransitions()

	// when
	_, err := exclusivelyFilterByCondition(transitions, guards, expression.MapVariables{})

	// then
	var evalErr *ExpressionEvaluationError
	require.ErrorAs(t, err, &evalErr)
	assert.Contains(t, evalErr.Msg, "big")
	var exprErr *expression.EvaluationError
	assert.True(t, errors.As(err, &exprErr))
}

func TestExclusiveGatewayRoutesByAmount(t *testing.T) {
	tests := []struct {
		name     string
		vars     map[string]any
		expected string
	}{
		{"approved big amount", map[string]any{"amount": 500, "approved": true}, "approve"},
		{"rejected big amount", map[string]any{"amount": 500, "approved": false}, "reject"},
		{"small amount skips approval flag", map[string]any{"amount": 50}, "reject"},
	}
	process := deploy(t, bpmnEngine, "exclusive_approval.yaml")
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// given
			key := startProcess(t, bpmnEngine, process, nil)

			// when
			completeActivity(t, bpmnEngine, key, "review", tc.vars)

			// then
			assert.Equal(t, []string{tc.expected}, activeActivityIds(t, bpmnEngine, key))
		})
	}
}

func TestExclusiveGatewayEvaluationErrorFailsInstance(t *testing.T) {
	// given
	process := deploy(t, bpmnEngine, "exclusive_approval.yaml")
	key := startProcess(t, bpmnEngine, process, nil)

	// when approved is never set
	completeActivity(t, bpmnEngine, key, "review", map[string]any{"amount": 500})

	// then
	s := snapshot(t, bpmnEngine, key)
	assert.Equal(t, runtime.ProcessFailed, s.Instance.Status)
	assert.Contains(t, s.Instance.FailureReason, "decide")
	assert.Contains(t, s.Instance.FailureReason, "approved")
	assert.Empty(t, s.ActiveActivities)

	state, err := bpmnEngine.GetInstance(t.Context(), key)
	require.NoError(t, err)
	for _, a := range state.Activities {
		if a.ActivityId == "decide" {
			assert.Equal(t, runtime.ActivityFailed, a.Status)
		}
	}
}
