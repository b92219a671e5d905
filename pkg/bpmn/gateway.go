// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/pbinitiative/zenflow/pkg/bpmn/model"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
)

func enterExclusiveGateway(r *run, tok *runtime.ActivityInstance, act *model.Activity) error {
	chosen, err := exclusivelyFilterByCondition(r.def.graph.OutgoingTransitions(act.Id), r.def.guards, r.localScope(tok))
	if err != nil {
		r.failToken(tok, act, err.Error(), "")
		return nil
	}
	r.complete(tok)
	r.follow(tok, chosen, tok.ScopeKey, false)
	return nil
}

func enterParallelGateway(r *run, tok *runtime.ActivityInstance, act *model.Activity) error {
	scopeKey := tok.ScopeKey
	if r.def.graph.IsJoin(act.Id) {
		var fired bool
		if scopeKey, fired = r.arrive(tok, act); !fired {
			return nil
		}
	} else {
		r.complete(tok)
	}
	r.follow(tok, r.def.graph.OutgoingTransitions(act.Id), scopeKey, false)
	return nil
}

// enterInclusiveGateway joins like a parallel gateway and then takes every transition whose guard holds.
// A splitting inclusive gateway always forks branch scopes, even for a single taken transition, so its
// join can count the branches that were really started.
func enterInclusiveGateway(r *run, tok *runtime.ActivityInstance, act *model.Activity) error {
	scopeKey := tok.ScopeKey
	if r.def.graph.IsJoin(act.Id) {
		var fired bool
		if scopeKey, fired = r.arrive(tok, act); !fired {
			return nil
		}
	}
	outgoing := r.def.graph.OutgoingTransitions(act.Id)
	chosen, err := inclusivelyFilterByCondition(outgoing, r.def.guards, r.scopes.Scope(scopeKey).Child(tok.Variables))
	if err != nil {
		r.failToken(tok, act, err.Error(), "")
		return nil
	}
	if tok.Status == runtime.ActivityActive {
		r.complete(tok)
	}
	r.follow(tok, chosen, scopeKey, len(outgoing) > 1)
	return nil
}

// joinFrame identifies the fork a token in scopeKey belongs to. Arrivals are only counted against
// arrivals of the same fork, tokens of another invocation of the same fork never release a join.
func (r *run) joinFrame(scopeKey int64) (forkKey, parentKey int64, siblings int) {
	rec, ok := r.scopes.Record(scopeKey)
	if !ok {
		return 0, scopeKey, 0
	}
	return rec.ForkKey, rec.ParentKey, rec.Siblings
}

// arrive holds tok at the join act. When the join is satisfied the released arrivals are merged into the
// scope they were forked from, in the order they completed, and the scope the join continues in is returned.
func (r *run) arrive(tok *runtime.ActivityInstance, act *model.Activity) (int64, bool) {
	r.complete(tok)
	tok.WaitingJoin = act.Id
	forkKey, parentKey, siblings := r.joinFrame(tok.ScopeKey)

	var waiting []*runtime.ActivityInstance
	for _, t := range r.tokens {
		if t.WaitingJoin != act.Id {
			continue
		}
		if f, _, _ := r.joinFrame(t.ScopeKey); f == forkKey {
			waiting = append(waiting, t)
		}
	}
	slices.SortFunc(waiting, func(a, b *runtime.ActivityInstance) int {
		return cmp.Compare(a.CompletedSeq, b.CompletedSeq)
	})

	var released []*runtime.ActivityInstance
	if act.Kind == model.KindInclusiveGateway && siblings > 0 {
		branches := map[int64]struct{}{}
		for _, w := range waiting {
			branches[w.ScopeKey] = struct{}{}
		}
		if len(branches) < siblings {
			r.addHistory(runtime.HistoryJoinArrived, tok, fmt.Sprintf("%d of %d branches arrived", len(branches), siblings))
			return 0, false
		}
		released = waiting
	} else {
		// the earliest arrival per incoming transition
		first := map[string]*runtime.ActivityInstance{}
		via := make([]string, 0, len(waiting))
		for _, w := range waiting {
			if _, ok := first[w.ArrivedVia]; !ok {
				first[w.ArrivedVia] = w
				via = append(via, w.ArrivedVia)
			}
		}
		if !r.def.graph.IsJoinSatisfied(act.Id, via) {
			r.addHistory(runtime.HistoryJoinArrived, tok, fmt.Sprintf("%d of %d transitions arrived", len(via), len(r.def.graph.IncomingTransitions(act.Id))))
			return 0, false
		}
		for _, t := range r.def.graph.IncomingTransitions(act.Id) {
			released = append(released, first[t.Id])
		}
		slices.SortFunc(released, func(a, b *runtime.ActivityInstance) int {
			return cmp.Compare(a.CompletedSeq, b.CompletedSeq)
		})
	}

	r.addHistory(runtime.HistoryJoinArrived, tok, fmt.Sprintf("join released %d arrivals", len(released)))
	for _, t := range released {
		t.WaitingJoin = ""
		r.markDirty(t)
	}
	var merged []int64
	parent := r.scopes.Scope(parentKey)
	for _, t := range released {
		if t.ScopeKey == parentKey || slices.Contains(merged, t.ScopeKey) {
			continue
		}
		merged = append(merged, t.ScopeKey)
		parent.Merge(r.scopes.Scope(t.ScopeKey))
	}
	for _, key := range merged {
		if r.scopeIdle(key) {
			r.scopes.Remove(key)
		}
	}
	return parentKey, true
}
