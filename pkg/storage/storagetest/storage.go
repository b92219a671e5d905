package storagetest

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	stdruntime "runtime"

	"slices"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	bpmnruntime "github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type StorageTestFunc func(s storage.Storage, t *testing.T) func(t *testing.T)

// StorageTester is the contract every storage.Storage implementation has to satisfy.
type StorageTester struct {
	definition model.ProcessDefinition
}

func (st *StorageTester) GetTests() map[string]StorageTestFunc {
	tests := map[string]StorageTestFunc{}

	// all test functions need to be registered here
	functions := []StorageTestFunc{
		st.TestDefinitionStorageWriter,
		st.TestDefinitionStorageReader,
		st.TestCreateAndLoadInstance,
		st.TestCreateInstanceTwice,
		st.TestApplyTransition,
		st.TestDateVariables,
		st.TestApplyTransitionStaleVersion,
		st.TestApplyTransitionConcurrently,
		st.TestListResumable,
		st.TestFindActivityInstances,
		st.TestFindChildInstances,
		st.TestHistoryStorage,
	}

	for _, function := range functions {
		funcName := getFunctionName(function)
		strippedName := funcName[strings.LastIndex(funcName, ".")+1:]
		strippedName = strings.TrimSuffix(strippedName, "-fm")
		tests[strippedName] = function
	}
	return tests
}

func getFunctionName(i any) string {
	return stdruntime.FuncForPC(reflect.ValueOf(i).Pointer()).Name()
}

func getDefinition(r int64, version int32) model.ProcessDefinition {
	return model.ProcessDefinition{
		Key:        r,
		Id:         fmt.Sprintf("id-%d", r),
		Name:       "aName",
		Version:    version,
		Checksum:   "checksum",
		DeployedAt: time.Now().UTC().Truncate(time.Millisecond),
		Activities: []model.Activity{
			{Id: "start", Kind: model.KindEvent, EventType: model.EventStart},
			{Id: "task", Kind: model.KindTask, Topic: "work", Retries: 2},
			{Id: "end", Kind: model.KindEvent, EventType: model.EventEnd},
		},
		Transitions: []model.Transition{
			{Id: "f1", Source: "start", Target: "task"},
			{Id: "f2", Source: "task", Target: "end", Condition: "${ok}"},
		},
	}
}

func getInstanceState(s storage.Storage, definition model.ProcessDefinition) bpmnruntime.InstanceState {
	key := s.GenerateId()
	now := time.Now().UTC().Truncate(time.Millisecond)
	return bpmnruntime.InstanceState{
		Instance: bpmnruntime.ProcessInstance{
			Key:               key,
			DefinitionKey:     definition.Key,
			DefinitionId:      definition.Id,
			DefinitionVersion: definition.Version,
			BusinessKey:       fmt.Sprintf("order-%d", key),
			Status:            bpmnruntime.ProcessActive,
			CreatedAt:         now,
			Variables: map[string]any{
				"customer": "ACME",
				"vip":      true,
				"address":  map[string]any{"city": "Brno"},
			},
		},
		Activities: []bpmnruntime.ActivityInstance{
			{
				Key:                s.GenerateId(),
				ProcessInstanceKey: key,
				ActivityId:         "start",
				Status:             bpmnruntime.ActivityScheduled,
				CreatedAt:          now,
			},
		},
	}
}

// PrepareTestData will prepare common data for the tests
func (st *StorageTester) PrepareTestData(s storage.Storage, t *testing.T) {
	st.definition = getDefinition(s.GenerateId(), 1)
	err := s.SaveDefinition(t.Context(), st.definition)
	assert.NoError(t, err)
}

func (st *StorageTester) TestDefinitionStorageWriter(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()
		def := getDefinition(r, 1)

		err := s.SaveDefinition(t.Context(), def)
		assert.NoError(t, err)

		definition, err := s.FindDefinitionByKey(t.Context(), r)
		assert.NoError(t, err)
		assert.Equal(t, r, definition.Key)
		assert.Equal(t, def.Activities, definition.Activities)
		assert.Equal(t, def.Transitions, definition.Transitions)

		err = s.SaveDefinition(t.Context(), def)
		assert.ErrorIs(t, err, storage.ErrAlreadyExists)

		sameVersion := getDefinition(s.GenerateId(), 1)
		sameVersion.Id = def.Id
		err = s.SaveDefinition(t.Context(), sameVersion)
		assert.ErrorIs(t, err, storage.ErrAlreadyExists)
	}
}

func (st *StorageTester) TestDefinitionStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()
		v1 := getDefinition(r, 1)
		v2 := getDefinition(s.GenerateId(), 2)
		v2.Id = v1.Id

		// given
		require.NoError(t, s.SaveDefinition(t.Context(), v2))
		require.NoError(t, s.SaveDefinition(t.Context(), v1))

		// when
		latest, err := s.FindLatestDefinitionById(t.Context(), v1.Id)

		// then
		assert.NoError(t, err)
		assert.Equal(t, v2.Key, latest.Key)

		byVersion, err := s.FindDefinitionByIdAndVersion(t.Context(), v1.Id, 1)
		assert.NoError(t, err)
		assert.Equal(t, v1.Key, byVersion.Key)

		definitions, err := s.FindDefinitionsById(t.Context(), v1.Id)
		assert.NoError(t, err)
		assert.Len(t, definitions, 2)
		assert.Equal(t, int32(1), definitions[0].Version)
		assert.Equal(t, int32(2), definitions[1].Version)

		_, err = s.FindDefinitionByKey(t.Context(), -1)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.FindLatestDefinitionById(t.Context(), "does-not-exist")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.FindDefinitionByIdAndVersion(t.Context(), v1.Id, 3)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		definitions, err = s.FindDefinitionsById(t.Context(), "does-not-exist")
		assert.NoError(t, err)
		assert.Empty(t, definitions)
	}
}

func (st *StorageTester) TestCreateAndLoadInstance(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		// given
		state := getInstanceState(s, st.definition)
		state.Scopes = []bpmnruntime.BranchScope{
			{Key: s.GenerateId(), ForkKey: state.Activities[0].Key, Siblings: 2, Variables: map[string]any{"branch": "a"}},
		}

		// when
		err := s.CreateInstance(t.Context(), state)
		require.NoError(t, err)
		loaded, err := s.LoadInstance(t.Context(), state.Instance.Key)

		// then
		require.NoError(t, err)
		assert.Equal(t, int64(1), loaded.Instance.Version)
		assert.Equal(t, state.Instance.Status, loaded.Instance.Status)
		assert.Equal(t, state.Instance.BusinessKey, loaded.Instance.BusinessKey)
		assert.Equal(t, state.Instance.DefinitionKey, loaded.Instance.DefinitionKey)
		assert.Equal(t, state.Instance.Variables, loaded.Instance.Variables)
		assert.True(t, state.Instance.CreatedAt.Equal(loaded.Instance.CreatedAt))
		assert.Nil(t, loaded.Instance.CompletedAt)

		require.Len(t, loaded.Activities, 1)
		assert.Equal(t, state.Activities[0].Key, loaded.Activities[0].Key)
		assert.Equal(t, bpmnruntime.ActivityScheduled, loaded.Activities[0].Status)
		assert.Nil(t, loaded.Activities[0].DueAt)

		require.Len(t, loaded.Scopes, 1)
		assert.Equal(t, state.Scopes[0].Key, loaded.Scopes[0].Key)
		assert.Equal(t, 2, loaded.Scopes[0].Siblings)
		assert.Equal(t, map[string]any{"branch": "a"}, loaded.Scopes[0].Variables)

		_, err = s.LoadInstance(t.Context(), -1)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestCreateInstanceTwice(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		state := getInstanceState(s, st.definition)
		require.NoError(t, s.CreateInstance(t.Context(), state))

		err := s.CreateInstance(t.Context(), state)
		assert.ErrorIs(t, err, storage.ErrAlreadyExists)
	}
}

func (st *StorageTester) TestApplyTransition(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		// given
		state := getInstanceState(s, st.definition)
		scopeKey := s.GenerateId()
		state.Scopes = []bpmnruntime.BranchScope{{Key: scopeKey, Siblings: 1}}
		require.NoError(t, s.CreateInstance(t.Context(), state))

		now := time.Now().UTC().Truncate(time.Millisecond)
		due := now.Add(time.Hour)
		start := state.Activities[0]
		start.Status = bpmnruntime.ActivityCompleted
		start.EndedAt = &now
		start.CompletedSeq = 1
		task := bpmnruntime.ActivityInstance{
			Key:                s.GenerateId(),
			ProcessInstanceKey: state.Instance.Key,
			ActivityId:         "task",
			Status:             bpmnruntime.ActivityActive,
			CreatedAt:          now,
			Topic:              "work",
			Retries:            2,
			DueAt:              &due,
			Variables:          map[string]any{"input": "x"},
		}
		inst := state.Instance
		inst.Seq = 1
		inst.Variables = map[string]any{"customer": "Initech"}

		// when
		version, err := s.ApplyTransition(t.Context(), inst.Key, 1, storage.Mutation{
			Instance:      inst,
			Activities:    []bpmnruntime.ActivityInstance{start, task},
			RemovedScopes: []int64{scopeKey},
		})

		// then
		require.NoError(t, err)
		assert.Equal(t, int64(2), version)

		loaded, err := s.LoadInstance(t.Context(), inst.Key)
		require.NoError(t, err)
		assert.Equal(t, int64(2), loaded.Instance.Version)
		assert.Equal(t, int64(1), loaded.Instance.Seq)
		assert.Equal(t, "Initech", loaded.Instance.Variables["customer"])
		assert.Empty(t, loaded.Scopes)
		require.Len(t, loaded.Activities, 2)

		gotStart, ok := loaded.FindActivity(start.Key)
		require.True(t, ok)
		assert.Equal(t, bpmnruntime.ActivityCompleted, gotStart.Status)
		assert.Equal(t, int64(1), gotStart.CompletedSeq)
		require.NotNil(t, gotStart.EndedAt)
		assert.True(t, now.Equal(*gotStart.EndedAt))

		gotTask, ok := loaded.FindActivity(task.Key)
		require.True(t, ok)
		assert.Equal(t, "work", gotTask.Topic)
		assert.Equal(t, 2, gotTask.Retries)
		assert.Equal(t, map[string]any{"input": "x"}, gotTask.Variables)
		require.NotNil(t, gotTask.DueAt)
		assert.True(t, due.Equal(*gotTask.DueAt))

		_, err = s.ApplyTransition(t.Context(), -1, 1, storage.Mutation{Instance: inst})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestDateVariables(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		// given
		due := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)
		shipped := time.Date(2024, 5, 3, 9, 0, 0, 0, time.UTC)
		state := getInstanceState(s, st.definition)
		state.Instance.Variables = map[string]any{
			"due":     due,
			"reminds": []any{due, shipped},
			"order":   map[string]any{"shippedAt": shipped},
		}
		scopeKey := s.GenerateId()
		state.Scopes = []bpmnruntime.BranchScope{{Key: scopeKey, Siblings: 2, Variables: map[string]any{"checkedAt": due}}}
		require.NoError(t, s.CreateInstance(t.Context(), state))
		task := bpmnruntime.ActivityInstance{
			Key:                s.GenerateId(),
			ProcessInstanceKey: state.Instance.Key,
			ActivityId:         "task",
			Status:             bpmnruntime.ActivityActive,
			CreatedAt:          due,
			Variables:          map[string]any{"deadline": shipped},
		}

		// when
		_, err := s.ApplyTransition(t.Context(), state.Instance.Key, 1, storage.Mutation{
			Instance:   state.Instance,
			Activities: []bpmnruntime.ActivityInstance{task},
		})
		require.NoError(t, err)
		loaded, err := s.LoadInstance(t.Context(), state.Instance.Key)

		// then dates come back as dates, wherever they are stored
		require.NoError(t, err)
		assert.Equal(t, due, loaded.Instance.Variables["due"])
		assert.Equal(t, []any{due, shipped}, loaded.Instance.Variables["reminds"])
		assert.Equal(t, map[string]any{"shippedAt": shipped}, loaded.Instance.Variables["order"])
		require.Len(t, loaded.Scopes, 1)
		assert.Equal(t, map[string]any{"checkedAt": due}, loaded.Scopes[0].Variables)
		gotTask, ok := loaded.FindActivity(task.Key)
		require.True(t, ok)
		assert.Equal(t, map[string]any{"deadline": shipped}, gotTask.Variables)
	}
}

func (st *StorageTester) TestApplyTransitionStaleVersion(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		// given
		state := getInstanceState(s, st.definition)
		require.NoError(t, s.CreateInstance(t.Context(), state))
		inst := state.Instance
		_, err := s.ApplyTransition(t.Context(), inst.Key, 1, storage.Mutation{Instance: inst})
		require.NoError(t, err)

		// when
		inst.Status = bpmnruntime.ProcessCancelled
		_, err = s.ApplyTransition(t.Context(), inst.Key, 1, storage.Mutation{Instance: inst})

		// then
		assert.ErrorIs(t, err, storage.ErrConcurrencyConflict)
		loaded, err := s.LoadInstance(t.Context(), inst.Key)
		require.NoError(t, err)
		assert.Equal(t, int64(2), loaded.Instance.Version)
		assert.Equal(t, bpmnruntime.ProcessActive, loaded.Instance.Status)
	}
}

func (st *StorageTester) TestApplyTransitionConcurrently(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		// given
		state := getInstanceState(s, st.definition)
		require.NoError(t, s.CreateInstance(t.Context(), state))

		// when
		const writers = 8
		var wg sync.WaitGroup
		errs := make([]error, writers)
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				inst := state.Instance
				inst.Variables = map[string]any{"writer": fmt.Sprint(i)}
				_, errs[i] = s.ApplyTransition(t.Context(), inst.Key, 1, storage.Mutation{Instance: inst})
			}()
		}
		wg.Wait()

		// then
		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.ErrorIs(t, err, storage.ErrConcurrencyConflict)
		}
		assert.Equal(t, 1, succeeded)
		loaded, err := s.LoadInstance(t.Context(), state.Instance.Key)
		require.NoError(t, err)
		assert.Equal(t, int64(2), loaded.Instance.Version)
	}
}

func (st *StorageTester) TestListResumable(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		// given
		active := getInstanceState(s, st.definition)
		completed := getInstanceState(s, st.definition)
		completed.Instance.Status = bpmnruntime.ProcessCompleted
		suspended := getInstanceState(s, st.definition)
		suspended.Instance.Status = bpmnruntime.ProcessSuspended
		for _, state := range []bpmnruntime.InstanceState{active, completed, suspended} {
			require.NoError(t, s.CreateInstance(t.Context(), state))
		}

		// when
		keys, err := s.ListResumable(t.Context())

		// then
		assert.NoError(t, err)
		assert.Contains(t, keys, active.Instance.Key)
		assert.NotContains(t, keys, completed.Instance.Key)
		assert.NotContains(t, keys, suspended.Instance.Key)
	}
}

func (st *StorageTester) TestFindActivityInstances(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		// given
		state := getInstanceState(s, st.definition)
		now := time.Now().UTC().Truncate(time.Millisecond)
		past := now.Add(-time.Minute)
		future := now.Add(time.Hour)
		topic := fmt.Sprintf("topic-%d", state.Instance.Key)
		message := fmt.Sprintf("message-%d", state.Instance.Key)
		newActivity := func(mutate func(a *bpmnruntime.ActivityInstance)) bpmnruntime.ActivityInstance {
			a := bpmnruntime.ActivityInstance{
				Key:                s.GenerateId(),
				ProcessInstanceKey: state.Instance.Key,
				ActivityId:         "task",
				Status:             bpmnruntime.ActivityActive,
				CreatedAt:          now,
			}
			mutate(&a)
			return a
		}
		first := newActivity(func(a *bpmnruntime.ActivityInstance) { a.Topic = topic })
		second := newActivity(func(a *bpmnruntime.ActivityInstance) { a.Topic = topic; a.CreatedAt = now.Add(time.Second) })
		done := newActivity(func(a *bpmnruntime.ActivityInstance) { a.Topic = topic; a.Status = bpmnruntime.ActivityCompleted })
		waiting := newActivity(func(a *bpmnruntime.ActivityInstance) { a.MessageName = message; a.CorrelationKey = "order-1" })
		dueTimer := newActivity(func(a *bpmnruntime.ActivityInstance) { a.DueAt = &past })
		laterTimer := newActivity(func(a *bpmnruntime.ActivityInstance) { a.DueAt = &future })
		state.Activities = []bpmnruntime.ActivityInstance{second, first, done, waiting, dueTimer, laterTimer}
		require.NoError(t, s.CreateInstance(t.Context(), state))

		// when
		tasks, err := s.FindActivityInstances(t.Context(), storage.ActivityInstanceFilter{
			Status: bpmnruntime.ActivityActive,
			Topic:  topic,
		})

		// then
		require.NoError(t, err)
		require.Len(t, tasks, 2)
		assert.Equal(t, first.Key, tasks[0].Key)
		assert.Equal(t, second.Key, tasks[1].Key)

		limited, err := s.FindActivityInstances(t.Context(), storage.ActivityInstanceFilter{Topic: topic, Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		subscriptions, err := s.FindActivityInstances(t.Context(), storage.ActivityInstanceFilter{
			Status:         bpmnruntime.ActivityActive,
			MessageName:    message,
			CorrelationKey: "order-1",
		})
		require.NoError(t, err)
		require.Len(t, subscriptions, 1)
		assert.Equal(t, waiting.Key, subscriptions[0].Key)

		subscriptions, err = s.FindActivityInstances(t.Context(), storage.ActivityInstanceFilter{
			MessageName:    message,
			CorrelationKey: "order-2",
		})
		require.NoError(t, err)
		assert.Empty(t, subscriptions)

		timers, err := s.FindActivityInstances(t.Context(), storage.ActivityInstanceFilter{
			ProcessInstanceKey: state.Instance.Key,
			Status:             bpmnruntime.ActivityActive,
			DueBefore:          &now,
		})
		require.NoError(t, err)
		require.Len(t, timers, 1)
		assert.Equal(t, dueTimer.Key, timers[0].Key)
	}
}

func (st *StorageTester) TestFindChildInstances(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		// given
		parent := getInstanceState(s, st.definition)
		require.NoError(t, s.CreateInstance(t.Context(), parent))
		child := getInstanceState(s, st.definition)
		child.Instance.ParentKey = parent.Instance.Key
		child.Instance.ParentActivityInstance = parent.Activities[0].Key
		require.NoError(t, s.CreateInstance(t.Context(), child))

		// when
		children, err := s.FindChildInstances(t.Context(), parent.Instance.Key)

		// then
		require.NoError(t, err)
		require.Len(t, children, 1)
		assert.Equal(t, child.Instance.Key, children[0].Key)
		assert.Equal(t, parent.Activities[0].Key, children[0].ParentActivityInstance)

		children, err = s.FindChildInstances(t.Context(), child.Instance.Key)
		assert.NoError(t, err)
		assert.Empty(t, children)
	}
}

func (st *StorageTester) TestHistoryStorage(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		// given
		state := getInstanceState(s, st.definition)
		require.NoError(t, s.CreateInstance(t.Context(), state))
		now := time.Now().UTC().Truncate(time.Millisecond)
		events := []bpmnruntime.HistoryEvent{
			{Id: fmt.Sprintf("%d-1", state.Instance.Key), ProcessInstanceKey: state.Instance.Key, Type: bpmnruntime.HistoryProcessStarted, Version: 1, CreatedAt: now},
			{Id: fmt.Sprintf("%d-2", state.Instance.Key), ProcessInstanceKey: state.Instance.Key, ActivityInstanceKey: state.Activities[0].Key, ActivityId: "start", Type: bpmnruntime.HistoryActivityCompleted, Version: 2, CreatedAt: now},
		}

		// when
		for _, event := range events {
			require.NoError(t, s.AppendHistory(t.Context(), event))
		}
		// appending the same event again is a no-op
		require.NoError(t, s.AppendHistory(t.Context(), events[1]))

		// then
		history, err := s.FindHistory(t.Context(), state.Instance.Key)
		require.NoError(t, err)
		require.Len(t, history, 2)
		types := make([]bpmnruntime.HistoryEventType, 0, len(history))
		for _, event := range history {
			types = append(types, event.Type)
		}
		assert.True(t, slices.Equal([]bpmnruntime.HistoryEventType{bpmnruntime.HistoryProcessStarted, bpmnruntime.HistoryActivityCompleted}, types))
		assert.Equal(t, "start", history[1].ActivityId)

		history, err = s.FindHistory(t.Context(), -1)
		assert.NoError(t, err)
		assert.Empty(t, history)
	}
}
