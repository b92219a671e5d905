package storage

import (
	"context"
	"errors"
	"time"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrConcurrencyConflict = errors.New("concurrency conflict: instance was modified concurrently")
)

// Storage is the persistence contract the engine requires from a durable store.
type Storage interface {
	DefinitionStorageReader
	DefinitionStorageWriter
	InstanceStorageReader
	InstanceStorageWriter
	HistoryStorageReader
	HistoryStorageWriter

	GenerateId() int64
}

type DefinitionStorageReader interface {
	FindDefinitionByKey(ctx context.Context, key int64) (model.ProcessDefinition, error)

	// FindLatestDefinitionById returns the definition with the highest version for id
	FindLatestDefinitionById(ctx context.Context, id string) (model.ProcessDefinition, error)

	FindDefinitionByIdAndVersion(ctx context.Context, id string, version int32) (model.ProcessDefinition, error)

	// FindDefinitionsById return zero or many definitions with given id
	// result array is ordered by version number, from 1 (first) and largest version (last)
	FindDefinitionsById(ctx context.Context, id string) ([]model.ProcessDefinition, error)
}

type DefinitionStorageWriter interface {
	// SaveDefinition persists an immutable definition, ErrAlreadyExists is returned when the key
	// or the (id, version) pair is taken.
	SaveDefinition(ctx context.Context, definition model.ProcessDefinition) error
}

type InstanceStorageReader interface {
	// LoadInstance returns the instance with all of its activity instances and branch scopes.
	LoadInstance(ctx context.Context, key int64) (runtime.InstanceState, error)

	// ListResumable returns keys of instances in status active, oldest first.
	ListResumable(ctx context.Context) ([]int64, error)

	// FindActivityInstances returns activity instances matching filter ordered by creation time.
	FindActivityInstances(ctx context.Context, filter ActivityInstanceFilter) ([]runtime.ActivityInstance, error)

	// FindChildInstances returns instances started on behalf of a sub-process token of parentKey.
	FindChildInstances(ctx context.Context, parentKey int64) ([]runtime.ProcessInstance, error)
}

type InstanceStorageWriter interface {
	// CreateInstance atomically inserts the instance together with its initial activity instances and
	// scopes at version 1. ErrAlreadyExists is returned when the key is taken.
	CreateInstance(ctx context.Context, state runtime.InstanceState) error

	// ApplyTransition atomically persists one step of an instance when its stored version equals
	// expectedVersion and returns the new version.
	ApplyTransition(ctx context.Context, instanceKey int64, expectedVersion int64, mutation Mutation) (int64, error)
}

type HistoryStorageReader interface {
	// FindHistory returns the audit trail of an instance in append order.
	FindHistory(ctx context.Context, instanceKey int64) ([]runtime.HistoryEvent, error)
}

type HistoryStorageWriter interface {
	AppendHistory(ctx context.Context, event runtime.HistoryEvent) error
}

// Mutation carries the effects of one engine step.
type Mutation struct {
	// Instance replaces the stored instance row, its Version field is ignored.
	Instance runtime.ProcessInstance
	// Activities are inserted or replaced by key.
	Activities []runtime.ActivityInstance
	// Scopes are inserted or replaced by key.
	Scopes        []runtime.BranchScope
	RemovedScopes []int64
}

// IsEmpty reports whether the mutation changes nothing but the instance row.
func (m Mutation) IsEmpty() bool {
	return len(m.Activities) == 0 && len(m.Scopes) == 0 && len(m.RemovedScopes) == 0
}

type ActivityInstanceFilter struct {
	ProcessInstanceKey int64
	Status             runtime.ActivityStatus
	ActivityId         string
	Topic              string
	MessageName        string
	CorrelationKey     string
	// DueBefore selects tokens with a due time at or before the given instant
	DueBefore *time.Time
	Limit     int
}

// Matches reports whether a satisfies the filter, stores without a query language use it directly.
func (f ActivityInstanceFilter) Matches(a runtime.ActivityInstance) bool {
	if f.ProcessInstanceKey != 0 && a.ProcessInstanceKey != f.ProcessInstanceKey {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.ActivityId != "" && a.ActivityId != f.ActivityId {
		return false
	}
	if f.Topic != "" && a.Topic != f.Topic {
		return false
	}
	if f.MessageName != "" && (a.MessageName != f.MessageName || a.CorrelationKey != f.CorrelationKey) {
		return false
	}
	if f.DueBefore != nil && (a.DueAt == nil || a.DueAt.After(*f.DueBefore)) {
		return false
	}
	return true
}
