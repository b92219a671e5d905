// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package runtime

import (
	"maps"
	"slices"
	"time"
)

// ProcessStatus of a process instance.
//
//	         ┌──────────┐
//	         │suspended │
//	         └──▲────┬──┘
//	   suspend  │    │ resume
//	         ┌──┴────▼──┐        ┌──────────┐
//	 start ─►│  active  ├───────►│completed │
//	         └────┬─┬───┘        └──────────┘
//	              │ └───────────►┌──────────┐
//	              │              │  failed  │
//	              ▼              └──────────┘
//	         ┌──────────┐
//	         │cancelled │
//	         └──────────┘
type ProcessStatus string

const (
	ProcessActive    ProcessStatus = "active"
	ProcessCompleted ProcessStatus = "completed"
	ProcessFailed    ProcessStatus = "failed"
	ProcessCancelled ProcessStatus = "cancelled"
	ProcessSuspended ProcessStatus = "suspended"
)

// IsTerminal reports whether no further transition is allowed.
func (s ProcessStatus) IsTerminal() bool {
	return s == ProcessCompleted || s == ProcessFailed || s == ProcessCancelled
}

// ActivityStatus of a single execution token: scheduled -> active -> {completed | failed | cancelled}.
type ActivityStatus string

const (
	ActivityScheduled ActivityStatus = "scheduled"
	ActivityActive    ActivityStatus = "active"
	ActivityCompleted ActivityStatus = "completed"
	ActivityFailed    ActivityStatus = "failed"
	ActivityCancelled ActivityStatus = "cancelled"
)

// IsLive reports whether the token still marks a position of execution.
func (s ActivityStatus) IsLive() bool {
	return s == ActivityScheduled || s == ActivityActive
}

type ProcessInstance struct {
	Key               int64          `json:"key"`
	DefinitionKey     int64          `json:"definitionKey"`
	DefinitionId      string         `json:"definitionId"`
	DefinitionVersion int32          `json:"definitionVersion"`
	BusinessKey       string         `json:"businessKey,omitempty"`
	Status            ProcessStatus  `json:"status"`
	Version           int64          `json:"version"`
	CreatedAt         time.Time      `json:"createdAt"`
	CompletedAt       *time.Time     `json:"completedAt,omitempty"`
	Variables         map[string]any `json:"variables"`
	FailureReason     string         `json:"failureReason,omitempty"`
	// Seq is the last branch-completion sequence handed out to a token of this instance.
	Seq int64 `json:"seq"`
	// set when the instance runs on behalf of a sub-process token of another instance
	ParentKey              int64 `json:"parentKey,omitempty"`
	ParentActivityInstance int64 `json:"parentActivityInstance,omitempty"`
}

// ActivityInstance is one execution token.
type ActivityInstance struct {
	Key                int64          `json:"key"`
	ProcessInstanceKey int64          `json:"processInstanceKey"`
	ActivityId         string         `json:"activityId"`
	Status             ActivityStatus `json:"status"`
	// ScopeKey is the branch scope the token runs in, 0 for the instance root scope.
	ScopeKey  int64          `json:"scopeKey,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	EndedAt   *time.Time     `json:"endedAt,omitempty"`
	// CompletedSeq orders completions within the instance, it drives the merge order at joins.
	CompletedSeq int64 `json:"completedSeq,omitempty"`

	// join bookkeeping: a completed token that arrived at a join which has not fired yet
	WaitingJoin string `json:"waitingJoin,omitempty"`
	ArrivedVia  string `json:"arrivedVia,omitempty"`

	// wait state details
	Topic            string     `json:"topic,omitempty"`
	Retries          int        `json:"retries,omitempty"`
	DueAt            *time.Time `json:"dueAt,omitempty"`
	MessageName      string     `json:"messageName,omitempty"`
	CorrelationKey   string     `json:"correlationKey,omitempty"`
	ChildInstanceKey int64      `json:"childInstanceKey,omitempty"`
	FailureReason    string     `json:"failureReason,omitempty"`
}

// BranchScope is the persisted form of a forked variable scope.
type BranchScope struct {
	Key       int64 `json:"key"`
	ParentKey int64 `json:"parentKey"`
	// ForkKey is the key of the gateway token that created the branch, joins count arrivals per fork.
	ForkKey   int64          `json:"forkKey"`
	Siblings  int            `json:"siblings"`
	Variables map[string]any `json:"variables,omitempty"`
}

// InstanceState is everything needed to continue executing an instance.
type InstanceState struct {
	Instance   ProcessInstance    `json:"instance"`
	Activities []ActivityInstance `json:"activities"`
	Scopes     []BranchScope      `json:"scopes,omitempty"`
}

func (s *InstanceState) FindActivity(key int64) (*ActivityInstance, bool) {
	for i := range s.Activities {
		if s.Activities[i].Key == key {
			return &s.Activities[i], true
		}
	}
	return nil, false
}

// LiveActivities returns tokens in scheduled or active status in creation order.
func (s *InstanceState) LiveActivities() []ActivityInstance {
	res := make([]ActivityInstance, 0, len(s.Activities))
	for _, a := range s.Activities {
		if a.Status.IsLive() {
			res = append(res, a)
		}
	}
	return res
}

// Clone returns a copy that shares no maps or slices with s.
func (s InstanceState) Clone() InstanceState {
	c := InstanceState{
		Instance:   s.Instance.Clone(),
		Activities: make([]ActivityInstance, len(s.Activities)),
		Scopes:     make([]BranchScope, len(s.Scopes)),
	}
	for i, a := range s.Activities {
		c.Activities[i] = a.Clone()
	}
	for i, sc := range s.Scopes {
		c.Scopes[i] = sc.Clone()
	}
	return c
}

func (pi ProcessInstance) Clone() ProcessInstance {
	pi.Variables = cloneVariables(pi.Variables)
	if pi.CompletedAt != nil {
		t := *pi.CompletedAt
		pi.CompletedAt = &t
	}
	return pi
}

func (a ActivityInstance) Clone() ActivityInstance {
	a.Variables = cloneVariables(a.Variables)
	if a.EndedAt != nil {
		t := *a.EndedAt
		a.EndedAt = &t
	}
	if a.DueAt != nil {
		t := *a.DueAt
		a.DueAt = &t
	}
	return a
}

func (b BranchScope) Clone() BranchScope {
	b.Variables = cloneVariables(b.Variables)
	return b
}

func cloneVariables(v map[string]any) map[string]any {
	if v == nil {
		return nil
	}
	return maps.Clone(v)
}

// Snapshot is the read model returned to callers asking for the state of an instance.
type Snapshot struct {
	Instance         ProcessInstance    `json:"instance"`
	ActiveActivities []ActivityInstance `json:"activeActivities"`
	Variables        map[string]any     `json:"variables"`
}

func NewSnapshot(state InstanceState) Snapshot {
	c := state.Clone()
	live := c.LiveActivities()
	slices.SortFunc(live, func(a, b ActivityInstance) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	vars := c.Instance.Variables
	if vars == nil {
		vars = map[string]any{}
	}
	return Snapshot{
		Instance:         c.Instance,
		ActiveActivities: live,
		Variables:        vars,
	}
}

type HistoryEventType string

const (
	HistoryProcessStarted     HistoryEventType = "PROCESS_STARTED"
	HistoryProcessCompleted   HistoryEventType = "PROCESS_COMPLETED"
	HistoryProcessFailed      HistoryEventType = "PROCESS_FAILED"
	HistoryProcessCancelled   HistoryEventType = "PROCESS_CANCELLED"
	HistoryProcessSuspended   HistoryEventType = "PROCESS_SUSPENDED"
	HistoryProcessResumed     HistoryEventType = "PROCESS_RESUMED"
	HistoryActivityActivated  HistoryEventType = "ACTIVITY_ACTIVATED"
	HistoryActivityCompleted  HistoryEventType = "ACTIVITY_COMPLETED"
	HistoryActivityFailed     HistoryEventType = "ACTIVITY_FAILED"
	HistoryActivityCancelled  HistoryEventType = "ACTIVITY_CANCELLED"
	HistoryActivityRetried    HistoryEventType = "ACTIVITY_RETRIED"
	HistoryMessageCorrelated  HistoryEventType = "MESSAGE_CORRELATED"
	HistoryJoinArrived        HistoryEventType = "JOIN_ARRIVED"
	HistoryVariablesSubmitted HistoryEventType = "VARIABLES_SUBMITTED"
)

// HistoryEvent is one audit trail entry. It is never read back by the engine to compute state.
type HistoryEvent struct {
	Id                  string           `json:"id"`
	ProcessInstanceKey  int64            `json:"processInstanceKey"`
	ActivityInstanceKey int64            `json:"activityInstanceKey,omitempty"`
	ActivityId          string           `json:"activityId,omitempty"`
	Type                HistoryEventType `json:"type"`
	Version             int64            `json:"version"`
	Message             string           `json:"message,omitempty"`
	CreatedAt           time.Time        `json:"createdAt"`
}
