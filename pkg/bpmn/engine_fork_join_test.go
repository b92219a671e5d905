package bpmn

import (
	"fmt"
	"testing"

	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func permutations(items []string) [][]string {
	if len(items) <= 1 {
		return [][]string{append([]string(nil), items...)}
	}
	var res [][]string
	for i, first := range items {
		rest := make([]string, 0, len(items)-1)
		rest = append(rest, items[:i]...)
		rest = append(rest, items[i+1:]...)
		for _, p := range permutations(rest) {
			res = append(res, append([]string{first}, p...))
		}
	}
	return res
}

func TestParallelJoinWaitsForEveryBranchInAnyOrder(t *testing.T) {
	process := deploy(t, bpmnEngine, "parallel_fork_join.yaml")

	for _, order := range permutations([]string{"a", "b", "c"}) {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			// given
			key := startProcess(t, bpmnEngine, process, map[string]any{"result": "initial"})
			assert.ElementsMatch(t, []string{"a", "b", "c"}, activeActivityIds(t, bpmnEngine, key))

			// when
			for i, id := range order {
				completeActivity(t, bpmnEngine, key, id, map[string]any{
					"result":      id,
					"seen_" + id: true,
				})
				if i < len(order)-1 {
					// then the join holds the branch until all arrived
					assert.NotContains(t, activeActivityIds(t, bpmnEngine, key), "after")
				}
			}

			// then
			s := snapshot(t, bpmnEngine, key)
			assert.Equal(t, []string{"after"}, activeActivityIds(t, bpmnEngine, key))
			assert.Equal(t, order[len(order)-1], s.Variables["result"], "the branch completing last wins")
			for _, id := range order {
				assert.Equal(t, true, s.Variables["seen_"+id])
			}
			state, err := bpmnEngine.GetInstance(t.Context(), key)
			require.NoError(t, err)
			assert.Empty(t, state.Scopes, "branch scopes are merged and removed at the join")
		})
	}
}

func TestBranchWritesAreInvisibleToSiblingsUntilJoin(t *testing.T) {
	// given
	process := deploy(t, bpmnEngine, "parallel_fork_join.yaml")
	key := startProcess(t, bpmnEngine, process, map[string]any{"shared": "root"})

	// when
	completeActivity(t, bpmnEngine, key, "a", map[string]any{"shared": "from-a", "onlyA": 1})

	// then
	tasks, err := bpmnEngine.FetchTasks(t.Context(), "branch-b", 0)
	require.NoError(t, err)
	var mine *Task
	for i := range tasks {
		if tasks[i].ProcessInstanceKey == key {
			mine = &tasks[i]
		}
	}
	require.NotNil(t, mine)
	assert.Equal(t, "root", mine.Variables["shared"])
	assert.NotContains(t, mine.Variables, "onlyA")
	assert.Equal(t, "root", snapshot(t, bpmnEngine, key).Variables["shared"], "root scope is untouched before the join")

	// when
	completeActivity(t, bpmnEngine, key, "b", nil)
	completeActivity(t, bpmnEngine, key, "c", nil)

	// then
	vars := snapshot(t, bpmnEngine, key).Variables
	assert.Equal(t, "from-a", vars["shared"])
	assert.EqualValues(t, 1, vars["onlyA"])
}

func TestParallelInstanceRunsToCompletion(t *testing.T) {
	// given
	process := deploy(t, bpmnEngine, "parallel_fork_join.yaml")
	cp := CallPath{}
	handlers := []*taskHandler{
		bpmnEngine.NewTaskHandler().Topic("branch-a").Handler(cp.TaskHandler),
		bpmnEngine.NewTaskHandler().Topic("branch-b").Handler(cp.TaskHandler),
		bpmnEngine.NewTaskHandler().Topic("branch-c").Handler(cp.TaskHandler),
		bpmnEngine.NewTaskHandler().Topic("after-join").Handler(cp.TaskHandler),
	}
	defer func() {
		for _, h := range handlers {
			bpmnEngine.RemoveHandler(h)
		}
	}()

	// when
	key := startProcess(t, bpmnEngine, process, nil)

	// then
	assert.Equal(t, "a,b,c,after", cp.CallPath)
	assert.Equal(t, runtime.ProcessCompleted, snapshot(t, bpmnEngine, key).Instance.Status)
}

func TestInclusiveGatewayJoinsOnlyStartedBranches(t *testing.T) {
	tests := []struct {
		name     string
		vars     map[string]any
		branches []string
	}{
		{"only a", map[string]any{"wantA": true, "wantB": false}, []string{"a"}},
		{"a and b", map[string]any{"wantA": true, "wantB": true}, []string{"a", "b"}},
		{"default", map[string]any{"wantA": false, "wantB": false}, []string{"c"}},
	}
	process := deploy(t, bpmnEngine, "inclusive_gateway.yaml")
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// given
			key := startProcess(t, bpmnEngine, process, tc.vars)
			assert.ElementsMatch(t, tc.branches, activeActivityIds(t, bpmnEngine, key))

			// when
			for i, id := range tc.branches {
				completeActivity(t, bpmnEngine, key, id, map[string]any{"last": id})
				if i < len(tc.branches)-1 {
					assert.NotContains(t, activeActivityIds(t, bpmnEngine, key), "after")
				}
			}

			// then
			assert.Equal(t, []string{"after"}, activeActivityIds(t, bpmnEngine, key))
			assert.Equal(t, tc.branches[len(tc.branches)-1], snapshot(t, bpmnEngine, key).Variables["last"])
		})
	}
}

func TestInclusiveGuardErrorFailsInstance(t *testing.T) {
	// given
	process := deploy(t, bpmnEngine, "inclusive_gateway.yaml")

	// when wantB is not defined
	key := startProcess(t, bpmnEngine, process, map[string]any{"wantA": true})

	// then
	s := snapshot(t, bpmnEngine, key)
	assert.Equal(t, runtime.ProcessFailed, s.Instance.Status)
	assert.Contains(t, s.Instance.FailureReason, "split")
	assert.Empty(t, s.ActiveActivities)
}

func TestTerminateEndEventCancelsOtherBranches(t *testing.T) {
	// given
	process := deploy(t, bpmnEngine, "terminate_event.yaml")
	key := startProcess(t, bpmnEngine, process, nil)
	slow := activeActivity(t, bpmnEngine, key, "slow")

	// when
	completeActivity(t, bpmnEngine, key, "fast", map[string]any{"fastResult": "ok"})

	// then
	s := snapshot(t, bpmnEngine, key)
	assert.Equal(t, runtime.ProcessCompleted, s.Instance.Status)
	assert.Empty(t, s.ActiveActivities)
	assert.Equal(t, "ok", s.Variables["fastResult"], "the terminating branch is merged")

	state, err := bpmnEngine.GetInstance(t.Context(), key)
	require.NoError(t, err)
	cancelled, ok := state.FindActivity(slow.Key)
	require.True(t, ok)
	assert.Equal(t, runtime.ActivityCancelled, cancelled.Status)
	assert.Empty(t, state.Scopes)

	// a late completion of the cancelled task is discarded
	assert.NoError(t, bpmnEngine.CompleteActivity(t.Context(), key, slow.Key, map[string]any{"late": true}))
	assert.NotContains(t, snapshot(t, bpmnEngine, key).Variables, "late")
}

func TestLateCompletionAfterInstanceFailureIsDiscarded(t *testing.T) {
	// given
	process := deploy(t, bpmnEngine, "parallel_fork_join.yaml")
	key := startProcess(t, bpmnEngine, process, nil)
	a := activeActivity(t, bpmnEngine, key, "a")
	b := activeActivity(t, bpmnEngine, key, "b")

	// when a fails with an error code nothing catches
	require.NoError(t, bpmnEngine.FailActivity(t.Context(), key, a.Key, "broken", "E_BROKEN"))

	// then the other branches are cancelled with the instance
	s := snapshot(t, bpmnEngine, key)
	assert.Equal(t, runtime.ProcessFailed, s.Instance.Status)
	state, err := bpmnEngine.GetInstance(t.Context(), key)
	require.NoError(t, err)
	cancelled, ok := state.FindActivity(b.Key)
	require.True(t, ok)
	assert.Equal(t, runtime.ActivityCancelled, cancelled.Status)

	// a late completion of a cancelled branch is discarded, the failed one is rejected
	assert.NoError(t, bpmnEngine.CompleteActivity(t.Context(), key, b.Key, map[string]any{"late": true}))
	assert.NotContains(t, snapshot(t, bpmnEngine, key).Variables, "late")
	assert.ErrorIs(t, bpmnEngine.CompleteActivity(t.Context(), key, a.Key, nil), ErrInvalidState)
}

func TestEndEventMergesIdleBranch(t *testing.T) {
	// given
	process := deploy(t, bpmnEngine, "terminate_event.yaml")
	key := startProcess(t, bpmnEngine, process, nil)

	// when
	completeActivity(t, bpmnEngine, key, "slow", map[string]any{"slowResult": "ok"})

	// then
	s := snapshot(t, bpmnEngine, key)
	assert.Equal(t, runtime.ProcessActive, s.Instance.Status)
	assert.Equal(t, "ok", s.Variables["slowResult"])
	assert.Equal(t, []string{"fast"}, activeActivityIds(t, bpmnEngine, key))
}
