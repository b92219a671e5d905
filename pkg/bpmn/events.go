package bpmn

import (
	"context"
	"fmt"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
)

func enterEvent(r *run, tok *runtime.ActivityInstance, act *model.Activity) error {
	switch act.EventType {
	case model.EventStart:
		return r.leave(tok, act, nil)
	case model.EventEnd:
		if !r.applyOutputs(tok, act, nil) {
			return nil
		}
		r.complete(tok)
		r.endBranch(tok.ScopeKey)
	case model.EventTerminate:
		if !r.applyOutputs(tok, act, nil) {
			return nil
		}
		r.complete(tok)
		r.terminate(tok)
	case model.EventTimer:
		d := r.def.durations[act.Id]
		due := d.Shift(r.now)
		tok.DueAt = &due
		r.registerTimer(tok)
	case model.EventMessage:
		key, err := r.correlationKey(tok, act)
		if err != nil {
			r.failToken(tok, act, err.Error(), "")
			return nil
		}
		tok.MessageName = act.MessageName
		tok.CorrelationKey = key
	default:
		return newEngineErrorf("unsupported event type %q of %s", act.EventType, act.Id)
	}
	return nil
}

// terminate ends the instance from a terminate end event. The branch of tok is merged up to the root,
// every other branch is discarded together with its live tokens.
func (r *run) terminate(tok *runtime.ActivityInstance) {
	for key := tok.ScopeKey; key != 0; {
		rec, ok := r.scopes.Record(key)
		if !ok {
			break
		}
		r.scopes.Scope(rec.ParentKey).Merge(r.scopes.Scope(key))
		key = rec.ParentKey
	}
	r.cancelLive(fmt.Sprintf("terminated by %s", tok.ActivityId))
	for _, rec := range r.scopes.Records() {
		r.scopes.Remove(rec.Key)
	}
	r.completeInstance()
}

func (r *run) correlationKey(tok *runtime.ActivityInstance, act *model.Activity) (string, error) {
	expr, ok := r.def.correlations[act.Id]
	if !ok {
		return "", nil
	}
	v, err := expr.Evaluate(r.localScope(tok))
	if err != nil {
		return "", err
	}
	if v == nil {
		return "", nil
	}
	return fmt.Sprint(v), nil
}

func (r *run) registerTimer(tok *runtime.ActivityInstance) {
	timer := DueTimer{
		ProcessInstanceKey:  r.instance.Key,
		ActivityInstanceKey: tok.Key,
		ActivityId:          tok.ActivityId,
		DueAt:               *tok.DueAt,
	}
	r.addEffect(func(ctx context.Context) {
		r.engine.timerManager.registerTimer(timer)
	})
}
