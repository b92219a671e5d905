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
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	otelPkg "github.com/pbinitiative/zenflow/pkg/otel"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// effect is work that may only happen once the step it belongs to is durable.
// Effects have to be idempotent, recovery repeats them.
type effect func(ctx context.Context)

// run is the working copy of one instance for the duration of a single step.
// Nothing in it is visible to anyone else until the step is committed.
type run struct {
	engine *Engine
	def    *compiledDefinition
	now    time.Time

	instance runtime.ProcessInstance
	tokens   []*runtime.ActivityInstance
	byKey    map[int64]*runtime.ActivityInstance
	scopes   *runtime.ScopeTree
	// branch scopes present when the step started
	loadedScopes []int64

	dirty           map[int64]struct{}
	instanceTouched bool
	agenda          []int64
	steps           int

	history []runtime.HistoryEvent
	effects []effect
}

func (engine *Engine) newRun(def *compiledDefinition, state runtime.InstanceState) *run {
	r := &run{
		engine:   engine,
		def:      def,
		now:      engine.now(),
		instance: state.Instance,
		tokens:   make([]*runtime.ActivityInstance, 0, len(state.Activities)),
		byKey:    make(map[int64]*runtime.ActivityInstance, len(state.Activities)),
		dirty:    map[int64]struct{}{},
	}
	for i := range state.Activities {
		tok := state.Activities[i]
		r.tokens = append(r.tokens, &tok)
		r.byKey[tok.Key] = &tok
	}
	for _, s := range state.Scopes {
		r.loadedScopes = append(r.loadedScopes, s.Key)
	}
	// the tree writes straight into the maps of scopeState, root variables included
	scopeState := runtime.InstanceState{Instance: r.instance, Scopes: state.Scopes}
	r.scopes = runtime.NewScopeTree(&scopeState)
	r.instance.Variables = scopeState.Instance.Variables
	return r
}

// touched reports whether the step changed anything that has to be persisted.
func (r *run) touched() bool {
	return r.instanceTouched || len(r.dirty) > 0
}

func (r *run) markDirty(tok *runtime.ActivityInstance) {
	r.dirty[tok.Key] = struct{}{}
}

func (r *run) touchInstance() {
	r.instanceTouched = true
}

// nextSeq hands out the next branch completion sequence of the instance.
func (r *run) nextSeq() int64 {
	r.instance.Seq++
	r.touchInstance()
	return r.instance.Seq
}

func (r *run) addEffect(e effect) {
	r.effects = append(r.effects, e)
}

func (r *run) addHistory(eventType runtime.HistoryEventType, tok *runtime.ActivityInstance, message string) {
	ev := runtime.HistoryEvent{
		ProcessInstanceKey: r.instance.Key,
		Type:               eventType,
		Message:            message,
		CreatedAt:          r.now,
	}
	if tok != nil {
		ev.ActivityInstanceKey = tok.Key
		ev.ActivityId = tok.ActivityId
	}
	r.history = append(r.history, ev)
}

func (r *run) mutation() storage.Mutation {
	m := storage.Mutation{Instance: r.instance}
	for _, tok := range r.tokens {
		if _, ok := r.dirty[tok.Key]; ok {
			m.Activities = append(m.Activities, *tok)
		}
	}
	m.Scopes = r.scopes.Records()
	for _, key := range r.loadedScopes {
		if _, ok := r.scopes.Record(key); !ok {
			m.RemovedScopes = append(m.RemovedScopes, key)
		}
	}
	return m
}

// state returns the instance as the step leaves it.
func (r *run) state() runtime.InstanceState {
	s := runtime.InstanceState{
		Instance:   r.instance,
		Activities: make([]runtime.ActivityInstance, 0, len(r.tokens)),
		Scopes:     r.scopes.Records(),
	}
	for _, tok := range r.tokens {
		s.Activities = append(s.Activities, *tok)
	}
	slices.SortFunc(s.Activities, func(a, b runtime.ActivityInstance) int {
		return cmp.Compare(a.Key, b.Key)
	})
	return s.Clone()
}

// transition runs one step of instanceKey: load, compute with fn, commit with ApplyTransition.
// On a concurrency conflict the computation is discarded and redone on fresh state. fn must not
// cause side effects, it registers them with addEffect instead.
func (engine *Engine) transition(ctx context.Context, instanceKey int64, op string, fn func(r *run) error) (runtime.InstanceState, error) {
	span := trace.SpanFromContext(ctx)
	for attempt := 1; attempt <= engine.maxTransitionRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return runtime.InstanceState{}, err
		}
		state, err := engine.persistence.LoadInstance(ctx, instanceKey)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return state, notFoundf("process instance %d", instanceKey)
			}
			return state, &PersistenceError{Op: op, Err: err}
		}
		def, err := engine.definition(ctx, state.Instance.DefinitionKey)
		if err != nil {
			return state, err
		}
		expectedVersion := state.Instance.Version
		r := engine.newRun(def, state)
		if err := fn(r); err != nil {
			return state, err
		}
		if !r.touched() {
			engine.afterCommit(ctx, r)
			return r.state(), nil
		}
		newVersion, err := engine.persistence.ApplyTransition(ctx, instanceKey, expectedVersion, r.mutation())
		if errors.Is(err, storage.ErrConcurrencyConflict) {
			engine.metrics.TransitionConflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
			engine.logger.Debug(fmt.Sprintf("Process instance %d was modified concurrently during %s, retrying (attempt %d)", instanceKey, op, attempt))
			continue
		}
		if err != nil {
			return state, &PersistenceError{Op: op, Err: err}
		}
		r.instance.Version = newVersion
		span.SetAttributes(attribute.Int(otelPkg.AttributeTransitionAttempts, attempt))
		engine.afterCommit(ctx, r)
		return r.state(), nil
	}
	return runtime.InstanceState{}, &PersistenceError{
		Op:  op,
		Err: fmt.Errorf("gave up after %d attempts: %w", engine.maxTransitionRetries, storage.ErrConcurrencyConflict),
	}
}

// afterCommit appends the history of a committed step and runs its effects. Failures are logged, the
// step itself is durable at this point.
func (engine *Engine) afterCommit(ctx context.Context, r *run) {
	for _, ev := range r.history {
		ev.Version = r.instance.Version
		engine.appendHistory(ctx, ev)
	}
	for _, e := range r.effects {
		e(ctx)
	}
}
