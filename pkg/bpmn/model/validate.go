package model

import (
	"fmt"
	"slices"
	"strings"
)

// DefinitionValidationError lists every structural problem found in a definition.
type DefinitionValidationError struct {
	DefinitionId string
	Problems     []string
}

func (e *DefinitionValidationError) Error() string {
	return fmt.Sprintf("process definition %q is invalid: %s", e.DefinitionId, strings.Join(e.Problems, "; "))
}

type validator struct {
	def      *ProcessDefinition
	graph    *Graph
	problems []string
}

func (v *validator) addf(format string, a ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, a...))
}

// Validate checks the structural invariants of def. Expressions and durations are checked by the engine
// when it compiles the definition.
func Validate(def *ProcessDefinition) error {
	v := &validator{def: def, graph: NewGraph(def)}
	if def.Id == "" {
		v.addf("definition id is empty")
	}
	v.checkIds()
	v.checkStartAndEnd()
	v.checkTransitions()
	v.checkActivities()
	v.checkReachability()
	v.checkInclusiveBranches()
	if len(v.problems) > 0 {
		return &DefinitionValidationError{DefinitionId: def.Id, Problems: v.problems}
	}
	return nil
}

func (v *validator) checkIds() {
	seen := map[string]struct{}{}
	for _, a := range v.def.Activities {
		if a.Id == "" {
			v.addf("activity without id")
			continue
		}
		if _, dup := seen[a.Id]; dup {
			v.addf("duplicate id %q", a.Id)
		}
		seen[a.Id] = struct{}{}
	}
	for _, t := range v.def.Transitions {
		if t.Id == "" {
			v.addf("transition %s->%s without id", t.Source, t.Target)
			continue
		}
		if _, dup := seen[t.Id]; dup {
			v.addf("duplicate id %q", t.Id)
		}
		seen[t.Id] = struct{}{}
	}
}

func (v *validator) checkStartAndEnd() {
	starts, ends := 0, 0
	for _, a := range v.def.Activities {
		if a.Kind != KindEvent {
			continue
		}
		switch a.EventType {
		case EventStart:
			starts++
		case EventEnd, EventTerminate:
			ends++
		}
	}
	if starts != 1 {
		v.addf("expected exactly one start event, found %d", starts)
	}
	if ends == 0 {
		v.addf("expected at least one end event")
	}
}

func (v *validator) checkTransitions() {
	for _, t := range v.def.Transitions {
		source, sok := v.graph.Activity(t.Source)
		if !sok {
			v.addf("transition %q references unknown source %q", t.Id, t.Source)
		}
		if _, ok := v.graph.Activity(t.Target); !ok {
			v.addf("transition %q references unknown target %q", t.Id, t.Target)
		}
		if !sok {
			continue
		}
		if t.Condition != "" && !source.Kind.IsConditional() {
			v.addf("transition %q has a guard but %q is not an exclusive or inclusive gateway", t.Id, source.Id)
		}
		if t.OnError && (source.Kind.IsGateway() || source.Kind == KindEvent) {
			v.addf("error transition %q leaves %q which can not fail", t.Id, source.Id)
		}
		if t.ErrorCode != "" && !t.OnError {
			v.addf("transition %q has an error code but is not an error transition", t.Id)
		}
	}
}

func (v *validator) checkActivities() {
	for _, a := range v.def.Activities {
		out := v.graph.OutgoingTransitions(a.Id)
		in := v.graph.IncomingTransitions(a.Id)
		switch a.Kind {
		case KindTask, KindSubProcess:
			if len(out) == 0 {
				v.addf("%s %q has no outgoing transition", a.Kind, a.Id)
			}
			if a.Kind == KindSubProcess && a.CalledDefinitionId == "" {
				v.addf("sub-process %q does not reference a called definition", a.Id)
			}
			if a.Retries < 0 {
				v.addf("task %q has negative retries", a.Id)
			}
		case KindExclusiveGateway, KindInclusiveGateway:
			if len(out) == 0 {
				v.addf("gateway %q has no outgoing transition", a.Id)
				continue
			}
			defaults := 0
			for _, t := range out {
				if t.IsDefault() {
					defaults++
				}
			}
			switch {
			case defaults == 0:
				v.addf("gateway %q has no default transition, its guards may all evaluate to false", a.Id)
			case defaults > 1:
				v.addf("gateway %q has %d default transitions, at most one is allowed", a.Id, defaults)
			}
		case KindParallelGateway:
			if len(out) == 0 {
				v.addf("gateway %q has no outgoing transition", a.Id)
			}
		case KindEvent:
			v.checkEvent(a, in, out)
		default:
			v.addf("activity %q has unknown kind %q", a.Id, a.Kind)
		}
	}
}

func (v *validator) checkEvent(a Activity, in, out []*Transition) {
	switch a.EventType {
	case EventStart:
		if len(in) > 0 {
			v.addf("start event %q has incoming transitions", a.Id)
		}
		if len(out) == 0 {
			v.addf("start event %q has no outgoing transition", a.Id)
		}
	case EventEnd, EventTerminate:
		if len(out) > 0 {
			v.addf("end event %q has outgoing transitions", a.Id)
		}
	case EventTimer:
		if a.TimerDuration == "" {
			v.addf("timer event %q has no duration", a.Id)
		}
		if len(out) == 0 {
			v.addf("timer event %q has no outgoing transition", a.Id)
		}
	case EventMessage:
		if a.MessageName == "" {
			v.addf("message event %q has no message name", a.Id)
		}
		if len(out) == 0 {
			v.addf("message event %q has no outgoing transition", a.Id)
		}
	default:
		v.addf("event %q has unknown event type %q", a.Id, a.EventType)
	}
}

func (v *validator) checkReachability() {
	start := v.graph.Start()
	if start == nil {
		return
	}
	visited := map[string]bool{start.Id: true}
	queue := []string{start.Id}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		next := slices.Concat(v.graph.OutgoingTransitions(id), v.graph.ErrorTransitions(id))
		for _, t := range next {
			if !visited[t.Target] {
				visited[t.Target] = true
				queue = append(queue, t.Target)
			}
		}
	}
	for _, a := range v.def.Activities {
		if !visited[a.Id] {
			v.addf("activity %q is not reachable from the start event", a.Id)
		}
	}
}

// checkInclusiveBranches rejects inclusive splits whose branches can end before reaching the
// inclusive join the other branches wait at, such a join could never fire.
func (v *validator) checkInclusiveBranches() {
	for _, a := range v.def.Activities {
		if a.Kind != KindInclusiveGateway || len(v.graph.OutgoingTransitions(a.Id)) < 2 {
			continue
		}
		joined, escaped := false, false
		for _, t := range v.graph.OutgoingTransitions(a.Id) {
			j, e := v.walkBranch(t.Target, a.Id)
			joined = joined || j
			escaped = escaped || e
		}
		if joined && escaped {
			v.addf("a branch of inclusive gateway %q can end without reaching its inclusive join", a.Id)
		}
	}
}

// walkBranch reports whether an inclusive join is reachable from id and whether an end event is
// reachable without passing one.
func (v *validator) walkBranch(id, split string) (joined, escaped bool) {
	visited := map[string]bool{split: true}
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		a, ok := v.graph.Activity(cur)
		if !ok {
			continue
		}
		if a.Kind == KindInclusiveGateway && v.graph.IsJoin(cur) {
			joined = true
			continue
		}
		if a.IsEndEvent() {
			escaped = true
			continue
		}
		for _, t := range v.graph.OutgoingTransitions(cur) {
			stack = append(stack, t.Target)
		}
	}
	return joined, escaped
}
