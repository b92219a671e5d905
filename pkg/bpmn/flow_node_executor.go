package bpmn

import (
	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
)

// behaviour runs an activity that was just activated. It either leaves the activity within the same
// step or leaves the token active, waiting for a signal from outside.
type behaviour func(r *run, tok *runtime.ActivityInstance, act *model.Activity) error

func defaultBehaviours() map[model.ActivityKind]behaviour {
	return map[model.ActivityKind]behaviour{
		model.KindTask:             enterTask,
		model.KindExclusiveGateway: enterExclusiveGateway,
		model.KindParallelGateway:  enterParallelGateway,
		model.KindInclusiveGateway: enterInclusiveGateway,
		model.KindEvent:            enterEvent,
		model.KindSubProcess:       enterSubProcess,
	}
}

// reissue registers again the effects an active token produced when it was entered. The effects are
// idempotent, so issuing them twice is harmless.
func (r *run) reissue(tok *runtime.ActivityInstance) {
	act, ok := r.def.graph.Activity(tok.ActivityId)
	if !ok {
		return
	}
	switch act.Kind {
	case model.KindTask:
		if act.Script != "" {
			r.runScript(tok, act)
		} else {
			r.dispatchTask(tok)
		}
		if tok.DueAt != nil {
			r.registerTimer(tok)
		}
	case model.KindEvent:
		if act.EventType == model.EventTimer && tok.DueAt != nil {
			r.registerTimer(tok)
		}
	case model.KindSubProcess:
		if tok.ChildInstanceKey != 0 {
			r.spawnChild(tok, act)
		}
	}
}
