package bpmn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenflow/pkg/storage"
)

// timeoutErrorCode is reported for tasks whose timeout elapsed, error transitions may catch it.
const timeoutErrorCode = "timeout"

// DueTimer is a timer event or a task timeout the engine needs to be woken up for.
type DueTimer struct {
	ProcessInstanceKey  int64     `json:"processInstanceKey"`
	ActivityInstanceKey int64     `json:"activityInstanceKey"`
	ActivityId          string    `json:"activityId"`
	DueAt               time.Time `json:"dueAt"`
}

// DueTimers returns the timers of active activity instances due at or before the given time.
// A scheduler outside the engine can use it together with FireTimer instead of the embedded timer manager.
func (engine *Engine) DueTimers(ctx context.Context, before time.Time) ([]DueTimer, error) {
	tokens, err := engine.persistence.FindActivityInstances(ctx, storage.ActivityInstanceFilter{
		Status:    runtime.ActivityActive,
		DueBefore: &before,
	})
	if err != nil {
		return nil, &PersistenceError{Op: "find due timers", Err: err}
	}
	res := make([]DueTimer, 0, len(tokens))
	for _, tok := range tokens {
		res = append(res, DueTimer{
			ProcessInstanceKey:  tok.ProcessInstanceKey,
			ActivityInstanceKey: tok.Key,
			ActivityId:          tok.ActivityId,
			DueAt:               *tok.DueAt,
		})
	}
	return res, nil
}

// FireTimer completes an elapsed timer event, or handles the elapsed timeout of a task: the task is
// retried while it has retries left and fails with the timeout error code afterwards.
// Firing the timer of an activity instance that is no longer live does nothing.
func (engine *Engine) FireTimer(ctx context.Context, instanceKey, activityInstanceKey int64) (retErr error) {
	ctx, span := engine.tracer.Start(ctx, fmt.Sprintf("timer:%d", activityInstanceKey))
	defer func() { endSpan(span, retErr) }()

	_, err := engine.transition(ctx, instanceKey, "fire timer", func(r *run) error {
		tok, ok := r.byKey[activityInstanceKey]
		if !ok {
			return notFoundf("activity instance %d of process instance %d", activityInstanceKey, instanceKey)
		}
		if tok.Status != runtime.ActivityActive {
			return nil
		}
		if tok.DueAt == nil {
			return invalidStatef("activity instance %d has no timer", activityInstanceKey)
		}
		if tok.DueAt.After(r.now) {
			return invalidStatef("timer of activity instance %d is not due before %s", activityInstanceKey, tok.DueAt.Format(time.RFC3339))
		}
		if r.instance.Status != runtime.ProcessActive {
			return invalidStatef("process instance %d is %s", instanceKey, r.instance.Status)
		}
		act, err := r.activity(tok)
		if err != nil {
			return err
		}
		switch {
		case act.Kind == model.KindEvent && act.EventType == model.EventTimer:
			if err := r.leave(tok, act, nil); err != nil {
				return err
			}
		case act.Kind == model.KindTask && tok.Retries > 0:
			r.retry(tok, act, timeoutErrorCode)
		default:
			r.failToken(tok, act, timeoutErrorCode, timeoutErrorCode)
		}
		return r.drain()
	})
	return err
}

// processTimer is called by the timer manager for every timer that elapsed.
func (engine *Engine) processTimer(ctx context.Context, timer DueTimer) {
	err := engine.FireTimer(ctx, timer.ProcessInstanceKey, timer.ActivityInstanceKey)
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrNotFound):
		engine.logger.Debug(fmt.Sprintf("Timer of activity instance %d was not fired: %s", timer.ActivityInstanceKey, err))
	default:
		engine.logger.Error(fmt.Sprintf("Failed to fire timer of activity instance %d: %s", timer.ActivityInstanceKey, err))
	}
}
