package bpmn

import (
	"context"
	"fmt"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
)

// enterTask leaves the token active. Script tasks are run by the engine after the commit, every other
// task waits for a worker to complete or fail it.
func enterTask(r *run, tok *runtime.ActivityInstance, act *model.Activity) error {
	if act.Script != "" {
		r.runScript(tok, act)
		return nil
	}
	tok.Topic = act.Topic
	if tok.Topic == "" {
		tok.Topic = act.Id
	}
	tok.Retries = act.Retries
	r.armTimeout(tok, act)
	r.countTask(r.engine.metrics.TasksCreated, act)
	r.dispatchTask(tok)
	return nil
}

// armTimeout sets the due time of a task with a timeout.
func (r *run) armTimeout(tok *runtime.ActivityInstance, act *model.Activity) {
	d, ok := r.def.durations[act.Id]
	if !ok {
		tok.DueAt = nil
		return
	}
	due := d.Shift(r.now)
	tok.DueAt = &due
	r.registerTimer(tok)
}

// retry keeps a failed task active for another attempt and hands it to the workers again.
func (r *run) retry(tok *runtime.ActivityInstance, act *model.Activity, reason string) {
	tok.Retries--
	r.markDirty(tok)
	r.addHistory(runtime.HistoryActivityRetried, tok, fmt.Sprintf("%s (%d retries left)", reason, tok.Retries))
	r.armTimeout(tok, act)
	r.dispatchTask(tok)
}

func (r *run) dispatchTask(tok *runtime.ActivityInstance) {
	key := tok.Key
	r.addEffect(func(ctx context.Context) {
		tok := r.byKey[key]
		if r.instance.Status != runtime.ProcessActive || tok.Status != runtime.ActivityActive {
			return
		}
		r.engine.dispatch(ctx, r.task(tok))
	})
}

// task builds the worker view of tok.
func (r *run) task(tok *runtime.ActivityInstance) Task {
	return Task{
		Key:                tok.Key,
		ProcessInstanceKey: r.instance.Key,
		DefinitionKey:      r.instance.DefinitionKey,
		DefinitionId:       r.instance.DefinitionId,
		ActivityId:         tok.ActivityId,
		Topic:              tok.Topic,
		Retries:            tok.Retries,
		DueAt:              tok.DueAt,
		CreatedAt:          tok.CreatedAt,
		Variables:          r.localScope(tok).Flatten(),
	}
}

// runScript executes the script of act once the step is committed and reports the result back
// through CompleteActivity or FailActivity.
func (r *run) runScript(tok *runtime.ActivityInstance, act *model.Activity) {
	key := tok.Key
	instanceKey := r.instance.Key
	source := act.Script
	r.addEffect(func(ctx context.Context) {
		tok := r.byKey[key]
		if r.instance.Status != runtime.ProcessActive || tok.Status != runtime.ActivityActive {
			return
		}
		vars := r.localScope(tok).Flatten()
		r.engine.runScriptTask(ctx, instanceKey, key, source, vars)
	})
}

func (engine *Engine) runScriptTask(ctx context.Context, instanceKey, activityInstanceKey int64, source string, vars map[string]any) {
	var err error
	if engine.jsRuntime == nil {
		err = engine.FailActivity(ctx, instanceKey, activityInstanceKey, "no script runtime configured", "")
	} else if outputs, runErr := engine.jsRuntime.RunScript(ctx, source, vars); runErr != nil {
		err = engine.FailActivity(ctx, instanceKey, activityInstanceKey, runErr.Error(), "")
	} else {
		err = engine.CompleteActivity(ctx, instanceKey, activityInstanceKey, outputs)
	}
	if err != nil {
		engine.logger.Error(fmt.Sprintf("Failed to report script result of activity instance %d: %s", activityInstanceKey, err))
	}
}
