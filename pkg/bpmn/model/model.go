// Package model holds the immutable process definition graph and the pure queries the engine runs on it.
package model

import "time"

// ActivityKind is the closed set of node kinds. Behaviour is looked up per kind, there is no type hierarchy.
type ActivityKind string

const (
	KindTask             ActivityKind = "task"
	KindExclusiveGateway ActivityKind = "exclusive-gateway"
	KindParallelGateway  ActivityKind = "parallel-gateway"
	KindInclusiveGateway ActivityKind = "inclusive-gateway"
	KindEvent            ActivityKind = "event"
	KindSubProcess       ActivityKind = "sub-process"
)

func (k ActivityKind) IsGateway() bool {
	return k == KindExclusiveGateway || k == KindParallelGateway || k == KindInclusiveGateway
}

// IsConditional reports whether outgoing transitions of the kind are guarded.
func (k ActivityKind) IsConditional() bool {
	return k == KindExclusiveGateway || k == KindInclusiveGateway
}

type EventType string

const (
	EventStart     EventType = "start"
	EventEnd       EventType = "end"
	EventTerminate EventType = "terminate"
	EventTimer     EventType = "timer"
	EventMessage   EventType = "message"
)

// ProcessDefinition is identified by (Id, Version) and by its engine wide Key. It is never mutated after deployment.
type ProcessDefinition struct {
	Key         int64        `json:"key" yaml:"key"`
	Id          string       `json:"id" yaml:"id"`
	Name        string       `json:"name,omitempty" yaml:"name,omitempty"`
	Version     int32        `json:"version" yaml:"version"`
	Checksum    string       `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	DeployedAt  time.Time    `json:"deployedAt" yaml:"deployedAt,omitempty"`
	Activities  []Activity   `json:"activities" yaml:"activities"`
	Transitions []Transition `json:"transitions" yaml:"transitions"`
}

type Activity struct {
	Id        string       `json:"id" yaml:"id"`
	Name      string       `json:"name,omitempty" yaml:"name,omitempty"`
	Kind      ActivityKind `json:"kind" yaml:"kind"`
	EventType EventType    `json:"eventType,omitempty" yaml:"eventType,omitempty"`

	// task
	Topic   string `json:"topic,omitempty" yaml:"topic,omitempty"`
	Retries int    `json:"retries,omitempty" yaml:"retries,omitempty"`
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"` // ISO-8601 duration
	Script  string `json:"script,omitempty" yaml:"script,omitempty"`   // inline JavaScript, completes the task without a worker

	// timer event, ISO-8601 duration
	TimerDuration string `json:"timerDuration,omitempty" yaml:"timerDuration,omitempty"`

	// message event
	MessageName    string `json:"messageName,omitempty" yaml:"messageName,omitempty"`
	CorrelationKey string `json:"correlationKey,omitempty" yaml:"correlationKey,omitempty"`

	// sub-process
	CalledDefinitionId string `json:"calledDefinitionId,omitempty" yaml:"calledDefinitionId,omitempty"`
	CalledVersion      int32  `json:"calledVersion,omitempty" yaml:"calledVersion,omitempty"`

	InputMappings  []Mapping `json:"inputMappings,omitempty" yaml:"inputMappings,omitempty"`
	OutputMappings []Mapping `json:"outputMappings,omitempty" yaml:"outputMappings,omitempty"`
}

// Mapping assigns the value of Source (an expression or literal text) to the variable Target.
type Mapping struct {
	Target string `json:"target" yaml:"target"`
	Source string `json:"source" yaml:"source"`
}

type Transition struct {
	Id        string `json:"id" yaml:"id"`
	Source    string `json:"source" yaml:"source"`
	Target    string `json:"target" yaml:"target"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	// OnError marks the error-handling route of Source, taken only when Source fails.
	OnError bool `json:"onError,omitempty" yaml:"onError,omitempty"`
	// ErrorCode restricts an error route to failures reporting the same code, empty catches all.
	ErrorCode string `json:"errorCode,omitempty" yaml:"errorCode,omitempty"`
}

// IsDefault reports whether the transition is the guard-less route of a conditional gateway.
func (t Transition) IsDefault() bool {
	return t.Condition == "" && !t.OnError
}

func (a Activity) IsEndEvent() bool {
	return a.Kind == KindEvent && (a.EventType == EventEnd || a.EventType == EventTerminate)
}
