// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn

import (
	"context"
	"fmt"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	otelPkg "github.com/pbinitiative/zenflow/pkg/otel"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// signal runs fn for an active activity instance waiting for an outside signal. A signal for a cancelled
// activity instance is discarded without error, cancellation does not interrupt work in flight.
func (engine *Engine) signal(ctx context.Context, op string, instanceKey, activityInstanceKey int64, fn func(r *run, tok *runtime.ActivityInstance, act *model.Activity) error) (retErr error) {
	ctx, span := engine.tracer.Start(ctx, fmt.Sprintf("%s:%d", op, activityInstanceKey), trace.WithAttributes(
		attribute.Int64(otelPkg.AttributeProcessInstanceKey, instanceKey),
		attribute.Int64(otelPkg.AttributeActivityInstanceKey, activityInstanceKey),
		attribute.String(otelPkg.AttributeOperation, op),
	))
	defer func() { endSpan(span, retErr) }()

	_, err := engine.transition(ctx, instanceKey, op, func(r *run) error {
		tok, ok := r.byKey[activityInstanceKey]
		if !ok {
			return notFoundf("activity instance %d of process instance %d", activityInstanceKey, instanceKey)
		}
		switch tok.Status {
		case runtime.ActivityCancelled:
			engine.logger.Debug(fmt.Sprintf("Discarding %s of cancelled activity instance %d", op, activityInstanceKey))
			return nil
		case runtime.ActivityCompleted, runtime.ActivityFailed:
			return invalidStatef("activity instance %d is already %s", activityInstanceKey, tok.Status)
		case runtime.ActivityScheduled:
			return invalidStatef("activity instance %d has not been activated yet", activityInstanceKey)
		}
		if r.instance.Status != runtime.ProcessActive {
			return invalidStatef("process instance %d is %s", instanceKey, r.instance.Status)
		}
		act, err := r.activity(tok)
		if err != nil {
			return err
		}
		span.SetAttributes(
			attribute.String(otelPkg.AttributeActivityId, act.Id),
			attribute.String(otelPkg.AttributeActivityKind, string(act.Kind)),
		)
		if err := fn(r, tok, act); err != nil {
			return err
		}
		return r.drain()
	})
	return err
}

// CompleteActivity completes an active activity instance with the given output variables and advances
// the instance. Completing an activity instance that was cancelled is accepted and has no effect.
// A sub-process activity completes only with its child instance and returns ErrInvalidState here.
func (engine *Engine) CompleteActivity(ctx context.Context, instanceKey, activityInstanceKey int64, variables map[string]any) error {
	return engine.completeActivity(ctx, instanceKey, activityInstanceKey, variables, false)
}

func (engine *Engine) completeActivity(ctx context.Context, instanceKey, activityInstanceKey int64, variables map[string]any, childCompleted bool) error {
	return engine.signal(ctx, "complete", instanceKey, activityInstanceKey, func(r *run, tok *runtime.ActivityInstance, act *model.Activity) error {
		if act.Kind == model.KindSubProcess && !childCompleted {
			return invalidStatef("activity instance %d waits for sub-process instance %d", activityInstanceKey, tok.ChildInstanceKey)
		}
		if len(variables) > 0 {
			r.addHistory(runtime.HistoryVariablesSubmitted, tok, fmt.Sprintf("%d variables", len(variables)))
		}
		return r.leave(tok, act, variables)
	})
}

// FailActivity reports that the work of an activity instance failed. A task with retries left stays
// active and is handed out again, unless errorCode is set. Otherwise the error transition matching
// errorCode is taken, or the instance fails.
func (engine *Engine) FailActivity(ctx context.Context, instanceKey, activityInstanceKey int64, reason, errorCode string) error {
	return engine.signal(ctx, "fail", instanceKey, activityInstanceKey, func(r *run, tok *runtime.ActivityInstance, act *model.Activity) error {
		if act.Kind == model.KindTask && act.Script == "" && tok.Retries > 0 && errorCode == "" {
			r.retry(tok, act, reason)
			return nil
		}
		r.failToken(tok, act, reason, errorCode)
		return nil
	})
}

// FetchTasks returns up to limit active tasks of topic, oldest first. Tasks of suspended instances are left out.
func (engine *Engine) FetchTasks(ctx context.Context, topic string, limit int) ([]Task, error) {
	tokens, err := engine.persistence.FindActivityInstances(ctx, storage.ActivityInstanceFilter{
		Status: runtime.ActivityActive,
		Topic:  topic,
	})
	if err != nil {
		return nil, &PersistenceError{Op: "fetch tasks", Err: err}
	}
	res := make([]Task, 0, len(tokens))
	states := map[int64]*runtime.InstanceState{}
	for _, tok := range tokens {
		if limit > 0 && len(res) >= limit {
			break
		}
		state, ok := states[tok.ProcessInstanceKey]
		if !ok {
			loaded, err := engine.persistence.LoadInstance(ctx, tok.ProcessInstanceKey)
			if err != nil {
				return nil, &PersistenceError{Op: "fetch tasks", Err: err}
			}
			state = &loaded
			states[tok.ProcessInstanceKey] = state
		}
		if state.Instance.Status != runtime.ProcessActive {
			continue
		}
		current, ok := state.FindActivity(tok.Key)
		if !ok || current.Status != runtime.ActivityActive {
			continue
		}
		tree := runtime.NewScopeTree(state)
		res = append(res, Task{
			Key:                current.Key,
			ProcessInstanceKey: state.Instance.Key,
			DefinitionKey:      state.Instance.DefinitionKey,
			DefinitionId:       state.Instance.DefinitionId,
			ActivityId:         current.ActivityId,
			Topic:              current.Topic,
			Retries:            current.Retries,
			DueAt:              current.DueAt,
			CreatedAt:          current.CreatedAt,
			Variables:          tree.Scope(current.ScopeKey).Child(current.Variables).Flatten(),
		})
	}
	return res, nil
}
