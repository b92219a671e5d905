package inmemory

import (
	"cmp"
	"context"
	"fmt"
	"math/rand"
	"slices"
	"sync"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenflow/pkg/storage"
)

// Storage keeps process information in memory,
// please use NewStorage to create a new object of this type.
type Storage struct {
	mu sync.RWMutex

	Definitions map[int64]model.ProcessDefinition
	Instances   map[int64]runtime.ProcessInstance
	// activity instances and branch scopes are indexed by process instance key
	Activities map[int64]map[int64]runtime.ActivityInstance
	Scopes     map[int64]map[int64]runtime.BranchScope
	History    map[int64][]runtime.HistoryEvent
	historyIds map[string]struct{}
}

func (mem *Storage) GenerateId() int64 {
	return rand.Int63()
}

func NewStorage() *Storage {
	return &Storage{
		Definitions: make(map[int64]model.ProcessDefinition),
		Instances:   make(map[int64]runtime.ProcessInstance),
		Activities:  make(map[int64]map[int64]runtime.ActivityInstance),
		Scopes:      make(map[int64]map[int64]runtime.BranchScope),
		History:     make(map[int64][]runtime.HistoryEvent),
		historyIds:  make(map[string]struct{}),
	}
}

var _ storage.Storage = &Storage{}

var _ storage.DefinitionStorageReader = &Storage{}

func (mem *Storage) FindLatestDefinitionById(ctx context.Context, id string) (model.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()

	var res model.ProcessDefinition
	found := false
	for _, def := range mem.Definitions {
		if def.Id != id {
			continue
		}
		if found && def.Version < res.Version {
			continue
		}
		found = true
		res = def
	}
	if !found {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindDefinitionByKey(ctx context.Context, key int64) (model.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()

	res, ok := mem.Definitions[key]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindDefinitionByIdAndVersion(ctx context.Context, id string, version int32) (model.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()

	for _, def := range mem.Definitions {
		if def.Id == id && def.Version == version {
			return def, nil
		}
	}
	return model.ProcessDefinition{}, storage.ErrNotFound
}

func (mem *Storage) FindDefinitionsById(ctx context.Context, id string) ([]model.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()

	res := make([]model.ProcessDefinition, 0)
	for _, def := range mem.Definitions {
		if def.Id != id {
			continue
		}
		res = append(res, def)
	}
	slices.SortFunc(res, func(a, b model.ProcessDefinition) int {
		return cmp.Compare(a.Version, b.Version)
	})

	return res, nil
}

var _ storage.DefinitionStorageWriter = &Storage{}

func (mem *Storage) SaveDefinition(ctx context.Context, definition model.ProcessDefinition) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()

	if _, ok := mem.Definitions[definition.Key]; ok {
		return fmt.Errorf("%w: definition key %d", storage.ErrAlreadyExists, definition.Key)
	}
	for _, def := range mem.Definitions {
		if def.Id == definition.Id && def.Version == definition.Version {
			return fmt.Errorf("%w: definition %s version %d", storage.ErrAlreadyExists, definition.Id, definition.Version)
		}
	}
	mem.Definitions[definition.Key] = definition
	return nil
}

var _ storage.InstanceStorageReader = &Storage{}

func (mem *Storage) LoadInstance(ctx context.Context, key int64) (runtime.InstanceState, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()

	inst, ok := mem.Instances[key]
	if !ok {
		return runtime.InstanceState{}, storage.ErrNotFound
	}
	state := runtime.InstanceState{
		Instance:   inst.Clone(),
		Activities: make([]runtime.ActivityInstance, 0, len(mem.Activities[key])),
		Scopes:     make([]runtime.BranchScope, 0, len(mem.Scopes[key])),
	}
	for _, a := range mem.Activities[key] {
		state.Activities = append(state.Activities, a.Clone())
	}
	for _, s := range mem.Scopes[key] {
		state.Scopes = append(state.Scopes, s.Clone())
	}
	slices.SortFunc(state.Activities, func(a, b runtime.ActivityInstance) int {
		return cmp.Compare(a.Key, b.Key)
	})
	slices.SortFunc(state.Scopes, func(a, b runtime.BranchScope) int {
		return cmp.Compare(a.Key, b.Key)
	})
	return state, nil
}

func (mem *Storage) ListResumable(ctx context.Context) ([]int64, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()

	active := make([]runtime.ProcessInstance, 0)
	for _, inst := range mem.Instances {
		if inst.Status == runtime.ProcessActive {
			active = append(active, inst)
		}
	}
	slices.SortFunc(active, func(a, b runtime.ProcessInstance) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.Key, b.Key))
	})
	res := make([]int64, len(active))
	for i, inst := range active {
		res[i] = inst.Key
	}
	return res, nil
}

func (mem *Storage) FindActivityInstances(ctx context.Context, filter storage.ActivityInstanceFilter) ([]runtime.ActivityInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()

	res := make([]runtime.ActivityInstance, 0)
	for _, activities := range mem.Activities {
		for _, a := range activities {
			if filter.Matches(a) {
				res = append(res, a.Clone())
			}
		}
	}
	slices.SortFunc(res, func(a, b runtime.ActivityInstance) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.Key, b.Key))
	})
	if filter.Limit > 0 && len(res) > filter.Limit {
		res = res[:filter.Limit]
	}
	return res, nil
}

func (mem *Storage) FindChildInstances(ctx context.Context, parentKey int64) ([]runtime.ProcessInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()

	res := make([]runtime.ProcessInstance, 0)
	for _, inst := range mem.Instances {
		if inst.ParentKey == parentKey {
			res = append(res, inst.Clone())
		}
	}
	slices.SortFunc(res, func(a, b runtime.ProcessInstance) int {
		return cmp.Compare(a.Key, b.Key)
	})
	return res, nil
}

var _ storage.InstanceStorageWriter = &Storage{}

func (mem *Storage) CreateInstance(ctx context.Context, state runtime.InstanceState) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()

	key := state.Instance.Key
	if _, ok := mem.Instances[key]; ok {
		return fmt.Errorf("%w: process instance %d", storage.ErrAlreadyExists, key)
	}
	inst := state.Instance.Clone()
	inst.Version = 1

	b := mem.newBatch(key)
	b.saveInstance(inst)
	for _, a := range state.Activities {
		if err := b.saveActivity(a); err != nil {
			return err
		}
	}
	for _, s := range state.Scopes {
		b.saveScope(s)
	}
	b.flush()
	return nil
}

func (mem *Storage) ApplyTransition(ctx context.Context, instanceKey int64, expectedVersion int64, mutation storage.Mutation) (int64, error) {
	mem.mu.Lock()
	defer mem.mu.Unlock()

	stored, ok := mem.Instances[instanceKey]
	if !ok {
		return 0, storage.ErrNotFound
	}
	if stored.Version != expectedVersion {
		return 0, fmt.Errorf("%w: process instance %d expected version %d, found %d", storage.ErrConcurrencyConflict, instanceKey, expectedVersion, stored.Version)
	}

	inst := mutation.Instance.Clone()
	inst.Key = instanceKey
	inst.Version = expectedVersion + 1

	b := mem.newBatch(instanceKey)
	b.saveInstance(inst)
	for _, a := range mutation.Activities {
		if err := b.saveActivity(a); err != nil {
			return 0, err
		}
	}
	for _, s := range mutation.Scopes {
		b.saveScope(s)
	}
	for _, key := range mutation.RemovedScopes {
		b.removeScope(key)
	}
	b.flush()
	return inst.Version, nil
}

var _ storage.HistoryStorageReader = &Storage{}

func (mem *Storage) FindHistory(ctx context.Context, instanceKey int64) ([]runtime.HistoryEvent, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()

	return slices.Clone(mem.History[instanceKey]), nil
}

var _ storage.HistoryStorageWriter = &Storage{}

// AppendHistory ignores events whose id was already appended.
func (mem *Storage) AppendHistory(ctx context.Context, event runtime.HistoryEvent) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()

	if _, ok := mem.historyIds[event.Id]; ok && event.Id != "" {
		return nil
	}
	mem.historyIds[event.Id] = struct{}{}
	mem.History[event.ProcessInstanceKey] = append(mem.History[event.ProcessInstanceKey], event)
	return nil
}

// storageBatch collects the writes of one instance so they are applied only after every one was checked.
// Callers hold the write lock.
type storageBatch struct {
	db          *Storage
	instanceKey int64
	stmtToRun   []func()
}

func (mem *Storage) newBatch(instanceKey int64) *storageBatch {
	return &storageBatch{
		db:          mem,
		instanceKey: instanceKey,
		stmtToRun:   make([]func(), 0, 10),
	}
}

func (b *storageBatch) saveInstance(inst runtime.ProcessInstance) {
	b.stmtToRun = append(b.stmtToRun, func() {
		b.db.Instances[inst.Key] = inst
	})
}

func (b *storageBatch) saveActivity(a runtime.ActivityInstance) error {
	if a.ProcessInstanceKey != b.instanceKey {
		return fmt.Errorf("activity instance %d belongs to process instance %d, not %d", a.Key, a.ProcessInstanceKey, b.instanceKey)
	}
	a = a.Clone()
	b.stmtToRun = append(b.stmtToRun, func() {
		activities, ok := b.db.Activities[b.instanceKey]
		if !ok {
			activities = make(map[int64]runtime.ActivityInstance)
			b.db.Activities[b.instanceKey] = activities
		}
		activities[a.Key] = a
	})
	return nil
}

func (b *storageBatch) saveScope(s runtime.BranchScope) {
	s = s.Clone()
	b.stmtToRun = append(b.stmtToRun, func() {
		scopes, ok := b.db.Scopes[b.instanceKey]
		if !ok {
			scopes = make(map[int64]runtime.BranchScope)
			b.db.Scopes[b.instanceKey] = scopes
		}
		scopes[s.Key] = s
	})
}

func (b *storageBatch) removeScope(key int64) {
	b.stmtToRun = append(b.stmtToRun, func() {
		delete(b.db.Scopes[b.instanceKey], key)
	})
}

func (b *storageBatch) flush() {
	for _, stmt := range b.stmtToRun {
		stmt()
	}
	b.stmtToRun = b.stmtToRun[:0]
}
