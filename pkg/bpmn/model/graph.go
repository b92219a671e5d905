package model

// Graph indexes a definition for the engine. It is built once per definition and only read afterwards.
type Graph struct {
	def        *ProcessDefinition
	activities map[string]*Activity
	outgoing   map[string][]*Transition
	errors     map[string][]*Transition
	incoming   map[string][]*Transition
	start      *Activity
}

func NewGraph(def *ProcessDefinition) *Graph {
	g := &Graph{
		def:        def,
		activities: make(map[string]*Activity, len(def.Activities)),
		outgoing:   map[string][]*Transition{},
		errors:     map[string][]*Transition{},
		incoming:   map[string][]*Transition{},
	}
	for i := range def.Activities {
		a := &def.Activities[i]
		g.activities[a.Id] = a
		if a.Kind == KindEvent && a.EventType == EventStart && g.start == nil {
			g.start = a
		}
	}
	for i := range def.Transitions {
		t := &def.Transitions[i]
		if t.OnError {
			g.errors[t.Source] = append(g.errors[t.Source], t)
		} else {
			g.outgoing[t.Source] = append(g.outgoing[t.Source], t)
		}
		g.incoming[t.Target] = append(g.incoming[t.Target], t)
	}
	return g
}

func (g *Graph) Definition() *ProcessDefinition {
	return g.def
}

func (g *Graph) Activity(id string) (*Activity, bool) {
	a, ok := g.activities[id]
	return a, ok
}

// Start returns the start event, nil for definitions that failed validation.
func (g *Graph) Start() *Activity {
	return g.start
}

// OutgoingTransitions returns the normal transitions leaving id in declaration order.
func (g *Graph) OutgoingTransitions(id string) []*Transition {
	return g.outgoing[id]
}

// ErrorTransitions returns the error routes leaving id in declaration order.
func (g *Graph) ErrorTransitions(id string) []*Transition {
	return g.errors[id]
}

// IncomingTransitions returns every transition targeting id, error routes included.
func (g *Graph) IncomingTransitions(id string) []*Transition {
	return g.incoming[id]
}

// DefaultTransition returns the guard-less outgoing transition of a conditional gateway.
func (g *Graph) DefaultTransition(id string) (*Transition, bool) {
	for _, t := range g.outgoing[id] {
		if t.IsDefault() {
			return t, true
		}
	}
	return nil, false
}

// IsJoin reports whether id synchronises concurrent tokens.
func (g *Graph) IsJoin(id string) bool {
	a, ok := g.activities[id]
	if !ok {
		return false
	}
	if a.Kind != KindParallelGateway && a.Kind != KindInclusiveGateway {
		return false
	}
	return len(g.incoming[id]) > 1
}

// IsJoinSatisfied reports whether tokens arrived through every incoming transition of a parallel join.
// arrivedVia holds the transition ids the waiting tokens came through.
func (g *Graph) IsJoinSatisfied(gatewayId string, arrivedVia []string) bool {
	incoming := g.incoming[gatewayId]
	if len(incoming) == 0 {
		return false
	}
	arrived := make(map[string]struct{}, len(arrivedVia))
	for _, id := range arrivedVia {
		arrived[id] = struct{}{}
	}
	for _, t := range incoming {
		if _, ok := arrived[t.Id]; !ok {
			return false
		}
	}
	return true
}
