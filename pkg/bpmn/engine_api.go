package bpmn

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/google/uuid"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	otelPkg "github.com/pbinitiative/zenflow/pkg/otel"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// StartCommand selects the definition to start by DefinitionKey, or by DefinitionId and Version.
// Version 0 selects the latest version.
type StartCommand struct {
	DefinitionKey int64          `json:"definitionKey,omitempty"`
	DefinitionId  string         `json:"definitionId,omitempty"`
	Version       int32          `json:"version,omitempty"`
	BusinessKey   string         `json:"businessKey,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// StartProcess creates an instance and runs it until every token waits for an outside signal.
// When the instance was created but could not be advanced, its key is returned together with the error;
// the instance is picked up again by Recover.
func (engine *Engine) StartProcess(ctx context.Context, cmd StartCommand) (_ int64, retErr error) {
	cd, err := engine.resolveDefinition(ctx, cmd.DefinitionKey, cmd.DefinitionId, cmd.Version)
	if err != nil {
		return 0, err
	}
	ctx, span := engine.tracer.Start(ctx, fmt.Sprintf("start:%s", cd.def.Id), trace.WithAttributes(
		attribute.String(otelPkg.AttributeDefinitionId, cd.def.Id),
		attribute.Int64(otelPkg.AttributeDefinitionKey, cd.def.Key),
	))
	defer func() { endSpan(span, retErr) }()

	key := engine.generateKey()
	span.SetAttributes(attribute.Int64(otelPkg.AttributeProcessInstanceKey, key))
	return engine.startInstance(ctx, cd, cmd, key, 0, 0)
}

func (engine *Engine) startInstance(ctx context.Context, cd *compiledDefinition, cmd StartCommand, key, parentKey, parentActivityInstance int64) (int64, error) {
	now := engine.now()
	vars := maps.Clone(cmd.Variables)
	if vars == nil {
		vars = map[string]any{}
	}
	start := cd.graph.Start()
	state := runtime.InstanceState{
		Instance: runtime.ProcessInstance{
			Key:                    key,
			DefinitionKey:          cd.def.Key,
			DefinitionId:           cd.def.Id,
			DefinitionVersion:      cd.def.Version,
			BusinessKey:            cmd.BusinessKey,
			Status:                 runtime.ProcessActive,
			CreatedAt:              now,
			Variables:              vars,
			ParentKey:              parentKey,
			ParentActivityInstance: parentActivityInstance,
		},
		Activities: []runtime.ActivityInstance{{
			Key:                engine.generateKey(),
			ProcessInstanceKey: key,
			ActivityId:         start.Id,
			Status:             runtime.ActivityScheduled,
			CreatedAt:          now,
		}},
	}
	if err := engine.persistence.CreateInstance(ctx, state); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return key, fmt.Errorf("process instance %d: %w", key, err)
		}
		return 0, &PersistenceError{Op: "create instance", Err: err}
	}
	engine.appendHistory(ctx, runtime.HistoryEvent{
		ProcessInstanceKey: key,
		Type:               runtime.HistoryProcessStarted,
		Version:            1,
		CreatedAt:          now,
	})
	engine.metrics.ProcessesStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("definition", cd.def.Id)))
	engine.metrics.ProcessesRunning.Add(ctx, 1)

	_, err := engine.transition(ctx, key, "start", func(r *run) error {
		return r.resume(false)
	})
	if err != nil {
		return key, errors.Join(newEngineErrorf("failed to run process instance %d", key), err)
	}
	return key, nil
}

// CancelProcess cancels every scheduled or active token of the instance in one step. Work already handed
// to a worker is not interrupted, its late completion is discarded.
func (engine *Engine) CancelProcess(ctx context.Context, instanceKey int64, reason string) (retErr error) {
	ctx, span := engine.tracer.Start(ctx, fmt.Sprintf("cancel:%d", instanceKey), trace.WithAttributes(
		attribute.Int64(otelPkg.AttributeProcessInstanceKey, instanceKey),
	))
	defer func() { endSpan(span, retErr) }()

	_, err := engine.transition(ctx, instanceKey, "cancel", func(r *run) error {
		if r.instance.Status.IsTerminal() {
			return fmt.Errorf("process instance %d is %s: %w", instanceKey, r.instance.Status, ErrAlreadyTerminal)
		}
		r.cancelLive(reason)
		for _, rec := range r.scopes.Records() {
			r.scopes.Remove(rec.Key)
		}
		r.endInstance(runtime.ProcessCancelled, runtime.HistoryProcessCancelled, reason)
		return nil
	})
	return err
}

// SuspendProcess stops an active instance from advancing until ResumeProcess is called. Signals for its
// activity instances are rejected with ErrInvalidState meanwhile.
func (engine *Engine) SuspendProcess(ctx context.Context, instanceKey int64) (retErr error) {
	ctx, span := engine.tracer.Start(ctx, fmt.Sprintf("suspend:%d", instanceKey))
	defer func() { endSpan(span, retErr) }()

	_, err := engine.transition(ctx, instanceKey, "suspend", func(r *run) error {
		switch {
		case r.instance.Status.IsTerminal():
			return fmt.Errorf("process instance %d is %s: %w", instanceKey, r.instance.Status, ErrAlreadyTerminal)
		case r.instance.Status == runtime.ProcessSuspended:
			return invalidStatef("process instance %d is already suspended", instanceKey)
		}
		r.instance.Status = runtime.ProcessSuspended
		r.touchInstance()
		r.addHistory(runtime.HistoryProcessSuspended, nil, "")
		return nil
	})
	return err
}

// ResumeProcess continues a suspended instance. Scheduled tokens run and the active ones are handed
// out again.
func (engine *Engine) ResumeProcess(ctx context.Context, instanceKey int64) (retErr error) {
	ctx, span := engine.tracer.Start(ctx, fmt.Sprintf("resume:%d", instanceKey))
	defer func() { endSpan(span, retErr) }()

	_, err := engine.transition(ctx, instanceKey, "resume", func(r *run) error {
		if r.instance.Status != runtime.ProcessSuspended {
			return invalidStatef("process instance %d is %s, not suspended", instanceKey, r.instance.Status)
		}
		r.instance.Status = runtime.ProcessActive
		r.touchInstance()
		r.addHistory(runtime.HistoryProcessResumed, nil, "")
		return r.resume(true)
	})
	return err
}

// GetInstanceState returns the status, the live activity instances and the root variables of an instance.
func (engine *Engine) GetInstanceState(ctx context.Context, instanceKey int64) (runtime.Snapshot, error) {
	state, err := engine.loadInstance(ctx, instanceKey)
	if err != nil {
		return runtime.Snapshot{}, err
	}
	return runtime.NewSnapshot(state), nil
}

// GetInstance returns the full persisted state of an instance, finished activity instances included.
func (engine *Engine) GetInstance(ctx context.Context, instanceKey int64) (runtime.InstanceState, error) {
	return engine.loadInstance(ctx, instanceKey)
}

// GetHistory returns the audit trail of an instance.
func (engine *Engine) GetHistory(ctx context.Context, instanceKey int64) ([]runtime.HistoryEvent, error) {
	if _, err := engine.loadInstance(ctx, instanceKey); err != nil {
		return nil, err
	}
	events, err := engine.persistence.FindHistory(ctx, instanceKey)
	if err != nil {
		return nil, &PersistenceError{Op: "find history", Err: err}
	}
	return events, nil
}

// FindChildInstances returns the instances started by sub-process activities of instanceKey.
func (engine *Engine) FindChildInstances(ctx context.Context, instanceKey int64) ([]runtime.ProcessInstance, error) {
	children, err := engine.persistence.FindChildInstances(ctx, instanceKey)
	if err != nil {
		return nil, &PersistenceError{Op: "find child instances", Err: err}
	}
	return children, nil
}

func (engine *Engine) loadInstance(ctx context.Context, instanceKey int64) (runtime.InstanceState, error) {
	state, err := engine.persistence.LoadInstance(ctx, instanceKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return state, notFoundf("process instance %d", instanceKey)
		}
		return state, &PersistenceError{Op: "load instance", Err: err}
	}
	return state, nil
}

func (engine *Engine) appendHistory(ctx context.Context, ev runtime.HistoryEvent) {
	if ev.Id == "" {
		ev.Id = uuid.NewString()
	}
	if err := engine.persistence.AppendHistory(ctx, ev); err != nil {
		engine.logger.Warn(fmt.Sprintf("Failed to append %s history event of process instance %d: %s", ev.Type, ev.ProcessInstanceKey, err))
	}
}
