// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// resume puts every scheduled token on the agenda and runs it. With reissue the effects of active
// tokens are registered again as if they had just been entered, which is what recovery relies on.
func (r *run) resume(reissue bool) error {
	ordered := slices.Clone(r.tokens)
	slices.SortFunc(ordered, func(a, b *runtime.ActivityInstance) int {
		return cmp.Compare(a.Key, b.Key)
	})
	for _, tok := range ordered {
		switch {
		case tok.Status == runtime.ActivityScheduled:
			r.agenda = append(r.agenda, tok.Key)
		case tok.Status == runtime.ActivityActive && reissue:
			r.reissue(tok)
		}
	}
	return r.drain()
}

// drain enters scheduled tokens until none is left or the instance stops being active.
func (r *run) drain() error {
	for len(r.agenda) > 0 {
		if r.instance.Status != runtime.ProcessActive {
			return nil
		}
		key := r.agenda[0]
		r.agenda = r.agenda[1:]
		tok, ok := r.byKey[key]
		if !ok || tok.Status != runtime.ActivityScheduled {
			continue
		}
		r.steps++
		if r.steps > r.engine.maxStepsPerTransition {
			r.failInstance(fmt.Sprintf("step limit of %d activities per transition exceeded at %s", r.engine.maxStepsPerTransition, tok.ActivityId))
			return nil
		}
		if err := r.enter(tok); err != nil {
			return err
		}
	}
	r.checkCompletion()
	return nil
}

func (r *run) activity(tok *runtime.ActivityInstance) (*model.Activity, error) {
	act, ok := r.def.graph.Activity(tok.ActivityId)
	if !ok {
		return nil, newEngineErrorf("activity %s of token %d is not part of definition %d", tok.ActivityId, tok.Key, r.def.def.Key)
	}
	return act, nil
}

// enter activates tok: input mappings are evaluated into its local scope, then the behaviour of the
// activity kind decides whether it completes right away or waits.
func (r *run) enter(tok *runtime.ActivityInstance) error {
	act, err := r.activity(tok)
	if err != nil {
		return err
	}
	tok.Status = runtime.ActivityActive
	r.markDirty(tok)
	r.addHistory(runtime.HistoryActivityActivated, tok, "")

	if mappings := r.def.inputs[act.Id]; len(mappings) > 0 {
		local := r.scopes.Scope(tok.ScopeKey).Child(nil)
		for _, m := range mappings {
			v, err := m.source.Evaluate(local)
			if err != nil {
				r.failToken(tok, act, err.Error(), "")
				return nil
			}
			local.Declare(m.target, v)
		}
		tok.Variables = local.Local()
	}

	b, ok := r.engine.behaviours[act.Kind]
	if !ok {
		return newEngineErrorf("no behaviour registered for activity kind %s", act.Kind)
	}
	return b(r, tok, act)
}

// localScope is the variable view of tok: its own variables over its branch scope.
func (r *run) localScope(tok *runtime.ActivityInstance) *runtime.Scope {
	if tok.Variables == nil {
		tok.Variables = map[string]any{}
	}
	return r.scopes.Scope(tok.ScopeKey).Child(tok.Variables)
}

// schedule creates a token for activityId in scopeKey and puts it on the agenda.
func (r *run) schedule(activityId string, scopeKey int64, arrivedVia string) *runtime.ActivityInstance {
	tok := &runtime.ActivityInstance{
		Key:                r.engine.generateKey(),
		ProcessInstanceKey: r.instance.Key,
		ActivityId:         activityId,
		Status:             runtime.ActivityScheduled,
		ScopeKey:           scopeKey,
		CreatedAt:          r.now,
		ArrivedVia:         arrivedVia,
	}
	r.tokens = append(r.tokens, tok)
	r.byKey[tok.Key] = tok
	r.markDirty(tok)
	r.agenda = append(r.agenda, tok.Key)
	return tok
}

func (r *run) finish(tok *runtime.ActivityInstance, status runtime.ActivityStatus) {
	endedAt := r.now
	tok.Status = status
	tok.EndedAt = &endedAt
	r.markDirty(tok)
	if tok.DueAt != nil {
		key := tok.Key
		r.addEffect(func(ctx context.Context) {
			r.engine.timerManager.removeTimer(key)
		})
	}
}

func (r *run) complete(tok *runtime.ActivityInstance) {
	r.finish(tok, runtime.ActivityCompleted)
	tok.CompletedSeq = r.nextSeq()
	r.addHistory(runtime.HistoryActivityCompleted, tok, "")
}

// leave completes tok with outputs and moves on along the outgoing transitions of act.
func (r *run) leave(tok *runtime.ActivityInstance, act *model.Activity, outputs map[string]any) error {
	if !r.applyOutputs(tok, act, outputs) {
		return nil
	}
	r.complete(tok)
	if act.Kind == model.KindTask && act.Script == "" {
		r.countTask(r.engine.metrics.TasksCompleted, act)
	}
	r.follow(tok, r.def.graph.OutgoingTransitions(act.Id), tok.ScopeKey, false)
	return nil
}

// applyOutputs writes the results of tok to its branch scope. With output mappings only the mapped
// values are written, the mappings see outputs over the local scope of tok. Without mappings every
// output is written. A failing mapping fails tok and false is returned.
func (r *run) applyOutputs(tok *runtime.ActivityInstance, act *model.Activity, outputs map[string]any) bool {
	branch := r.scopes.Scope(tok.ScopeKey)
	mappings := r.def.outputs[act.Id]
	if len(mappings) == 0 {
		branch.SetAll(outputs)
		return true
	}
	view := r.localScope(tok).Child(maps.Clone(outputs))
	results := make([]any, len(mappings))
	for i, m := range mappings {
		v, err := m.source.Evaluate(view)
		if err != nil {
			r.failToken(tok, act, err.Error(), "")
			return false
		}
		results[i] = v
	}
	for i, m := range mappings {
		branch.Set(m.target, results[i])
	}
	return true
}

// follow schedules a token per transition. More than one transition, or forceBranches, forks a branch
// scope per transition, tok becomes the fork the branches are joined against.
func (r *run) follow(tok *runtime.ActivityInstance, transitions []*model.Transition, scopeKey int64, forceBranches bool) {
	if len(transitions) == 1 && !forceBranches {
		r.schedule(transitions[0].Target, scopeKey, transitions[0].Id)
		return
	}
	for _, t := range transitions {
		branchKey := r.engine.generateKey()
		r.scopes.Fork(runtime.BranchScope{
			Key:       branchKey,
			ParentKey: scopeKey,
			ForkKey:   tok.Key,
			Siblings:  len(transitions),
		})
		r.schedule(t.Target, branchKey, t.Id)
	}
}

// failToken fails tok. The error transition of act matching errorCode, or else its catch-all error
// transition, takes over. Without one the whole instance fails.
func (r *run) failToken(tok *runtime.ActivityInstance, act *model.Activity, reason, errorCode string) {
	r.finish(tok, runtime.ActivityFailed)
	tok.FailureReason = reason
	tok.CompletedSeq = r.nextSeq()
	r.addHistory(runtime.HistoryActivityFailed, tok, reason)
	if act.Kind == model.KindTask && act.Script == "" {
		r.countTask(r.engine.metrics.TasksFailed, act)
	}
	if act.Kind == model.KindSubProcess && tok.ChildInstanceKey != 0 {
		r.cancelChild(tok.ChildInstanceKey)
	}
	if route := errorRoute(r.def.graph.ErrorTransitions(act.Id), errorCode); route != nil {
		r.schedule(route.Target, tok.ScopeKey, route.Id)
		return
	}
	r.failInstance(fmt.Sprintf("activity %s failed: %s", act.Id, reason))
}

// errorRoute picks the error transition declaring errorCode, or the catch-all one.
func errorRoute(transitions []*model.Transition, errorCode string) *model.Transition {
	var catchAll *model.Transition
	for _, t := range transitions {
		if errorCode != "" && t.ErrorCode == errorCode {
			return t
		}
		if t.ErrorCode == "" && catchAll == nil {
			catchAll = t
		}
	}
	return catchAll
}

// cancelLive cancels every scheduled or active token and drops held join arrivals.
func (r *run) cancelLive(reason string) {
	for _, tok := range r.tokens {
		if tok.WaitingJoin != "" {
			tok.WaitingJoin = ""
			r.markDirty(tok)
		}
		if !tok.Status.IsLive() {
			continue
		}
		r.finish(tok, runtime.ActivityCancelled)
		r.addHistory(runtime.HistoryActivityCancelled, tok, reason)
		if tok.ChildInstanceKey != 0 {
			r.cancelChild(tok.ChildInstanceKey)
		}
	}
	r.agenda = nil
}

func (r *run) endInstance(status runtime.ProcessStatus, eventType runtime.HistoryEventType, message string) {
	completedAt := r.now
	r.instance.Status = status
	r.instance.CompletedAt = &completedAt
	r.touchInstance()
	r.addHistory(eventType, nil, message)
	instance := r.instance
	r.addEffect(func(ctx context.Context) {
		r.engine.metrics.ProcessesEnded.Add(ctx, 1, metric.WithAttributes(
			attribute.String("definition", instance.DefinitionId),
			attribute.String("status", string(status)),
		))
		r.engine.metrics.ProcessesRunning.Add(ctx, -1)
		r.engine.notifyParent(ctx, instance)
	})
}

func (r *run) failInstance(reason string) {
	r.cancelLive(reason)
	r.instance.FailureReason = reason
	r.endInstance(runtime.ProcessFailed, runtime.HistoryProcessFailed, reason)
}

func (r *run) completeInstance() {
	r.endInstance(runtime.ProcessCompleted, runtime.HistoryProcessCompleted, "")
}

// checkCompletion completes the instance once no token is live. Tokens still held at a join at that
// point can never be released, the instance fails instead.
func (r *run) checkCompletion() {
	if r.instance.Status != runtime.ProcessActive {
		return
	}
	var held []string
	for _, tok := range r.tokens {
		if tok.Status.IsLive() {
			return
		}
		if tok.WaitingJoin != "" {
			held = append(held, tok.WaitingJoin)
		}
	}
	if len(held) > 0 {
		slices.Sort(held)
		r.failInstance(fmt.Sprintf("no token left to reach join(s) %v", slices.Compact(held)))
		return
	}
	r.completeInstance()
}

// scopeIdle reports whether no token runs or waits in scope key and no branch was forked below it.
func (r *run) scopeIdle(key int64) bool {
	for _, tok := range r.tokens {
		if tok.ScopeKey == key && (tok.Status.IsLive() || tok.WaitingJoin != "") {
			return false
		}
	}
	return len(r.scopes.Children(key)) == 0
}

// endBranch merges a finished branch into its parent and continues upward while parents run empty.
func (r *run) endBranch(key int64) {
	for key != 0 && r.scopeIdle(key) {
		rec, ok := r.scopes.Record(key)
		if !ok {
			return
		}
		parent := rec.ParentKey
		r.scopes.Scope(parent).Merge(r.scopes.Scope(key))
		r.scopes.Remove(key)
		key = parent
	}
}

func (r *run) countTask(counter metric.Int64Counter, act *model.Activity) {
	topic := act.Topic
	r.addEffect(func(ctx context.Context) {
		counter.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
	})
}
