package bpmn

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"github.com/pbinitiative/zenflow/pkg/storage"
)

// enterSubProcess reserves the key of the child instance in the parent token, the child itself is
// started once the parent step is committed. Recovery starts it again with the same key, which the
// store rejects when the child already exists.
func enterSubProcess(r *run, tok *runtime.ActivityInstance, act *model.Activity) error {
	tok.ChildInstanceKey = r.engine.generateKey()
	r.spawnChild(tok, act)
	return nil
}

func (r *run) spawnChild(tok *runtime.ActivityInstance, act *model.Activity) {
	var vars map[string]any
	if len(r.def.inputs[act.Id]) > 0 {
		vars = maps.Clone(tok.Variables)
	} else {
		vars = r.localScope(tok).Flatten()
	}
	parent := *tok
	calledId, calledVersion := act.CalledDefinitionId, act.CalledVersion
	businessKey := r.instance.BusinessKey
	r.addEffect(func(ctx context.Context) {
		r.engine.startChild(ctx, parent, calledId, calledVersion, businessKey, vars)
	})
}

func (engine *Engine) startChild(ctx context.Context, parent runtime.ActivityInstance, calledId string, calledVersion int32, businessKey string, vars map[string]any) {
	cd, err := engine.resolveDefinition(ctx, 0, calledId, calledVersion)
	if err != nil {
		engine.logger.Warn(fmt.Sprintf("Failed to resolve definition %s called by activity instance %d: %s", calledId, parent.Key, err))
		if errors.Is(err, ErrNotFound) {
			engine.reportToParent(ctx, parent.ProcessInstanceKey, parent.Key, engine.FailActivity(ctx, parent.ProcessInstanceKey, parent.Key, err.Error(), ""))
		}
		return
	}
	cmd := StartCommand{BusinessKey: businessKey, Variables: vars}
	_, err = engine.startInstance(ctx, cd, cmd, parent.ChildInstanceKey, parent.ProcessInstanceKey, parent.Key)
	if errors.Is(err, storage.ErrAlreadyExists) {
		child, err := engine.persistence.LoadInstance(ctx, parent.ChildInstanceKey)
		if err != nil {
			engine.logger.Warn(fmt.Sprintf("Failed to load child instance %d: %s", parent.ChildInstanceKey, err))
			return
		}
		if child.Instance.Status.IsTerminal() {
			engine.notifyParent(ctx, child.Instance)
		}
		return
	}
	if err != nil {
		engine.logger.Error(fmt.Sprintf("Failed to start child instance %d of activity instance %d: %s", parent.ChildInstanceKey, parent.Key, err))
	}
}

// notifyParent reports the terminal status of a child instance to the sub-process token that started it.
func (engine *Engine) notifyParent(ctx context.Context, child runtime.ProcessInstance) {
	if child.ParentKey == 0 {
		return
	}
	var err error
	switch child.Status {
	case runtime.ProcessCompleted:
		err = engine.completeActivity(ctx, child.ParentKey, child.ParentActivityInstance, maps.Clone(child.Variables), true)
	case runtime.ProcessFailed:
		err = engine.FailActivity(ctx, child.ParentKey, child.ParentActivityInstance, fmt.Sprintf("sub-process instance %d failed: %s", child.Key, child.FailureReason), "")
	case runtime.ProcessCancelled:
		err = engine.FailActivity(ctx, child.ParentKey, child.ParentActivityInstance, fmt.Sprintf("sub-process instance %d was cancelled", child.Key), "")
	default:
		return
	}
	engine.reportToParent(ctx, child.ParentKey, child.ParentActivityInstance, err)
}

func (engine *Engine) reportToParent(ctx context.Context, parentKey, activityInstanceKey int64, err error) {
	if err == nil || errors.Is(err, ErrInvalidState) {
		// the parent token was finished by someone else in the meantime
		return
	}
	engine.logger.Error(fmt.Sprintf("Failed to continue parent instance %d at activity instance %d: %s", parentKey, activityInstanceKey, err))
}

func (r *run) cancelChild(childKey int64) {
	r.addEffect(func(ctx context.Context) {
		err := r.engine.CancelProcess(ctx, childKey, "parent activity ended")
		if err != nil && !errors.Is(err, ErrAlreadyTerminal) && !errors.Is(err, ErrNotFound) {
			r.engine.logger.Error(fmt.Sprintf("Failed to cancel child instance %d: %s", childKey, err))
		}
	})
}
