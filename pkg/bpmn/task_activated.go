package bpmn

import (
	"context"
	"time"
)

// ActivatedTask represents an abstraction for an activated task handed to an in-process handler.
// don't forget to call Fail or Complete when your handler is done with the task.
type ActivatedTask interface {
	// Key the key of the activity instance, a unique identifier for the task
	Key() int64

	// ProcessInstanceKey the task's process instance key
	ProcessInstanceKey() int64

	// DefinitionId Retrieve id of the task's process definition
	DefinitionId() string

	// DefinitionKey Retrieve key of the task's process definition
	DefinitionKey() int64

	// ActivityId Get the activity id of the task
	ActivityId() string

	Topic() string

	// Retries left before a failure fails the activity
	Retries() int

	// Variable from the variable scope visible to the task
	Variable(key string) any

	Variables() map[string]any

	// SetOutputVariable sets a variable that is handed back with Complete
	SetOutputVariable(key string, value any)

	GetOutputVariables() map[string]any

	// CreatedAt when the task was created
	CreatedAt() time.Time

	// Fail reports the task as failed, see Engine.FailActivity
	// Fail and Complete mutual exclude each other
	Fail(reason string) error

	// FailWithCode reports a business error that error transitions can catch by code
	FailWithCode(reason, errorCode string) error

	// Complete completes the task with the output variables
	// Fail and Complete mutual exclude each other
	Complete() error
}

type activatedTask struct {
	ctx             context.Context
	engine          *Engine
	task            Task
	outputVariables map[string]any
}

func (engine *Engine) newActivatedTask(ctx context.Context, task Task) *activatedTask {
	return &activatedTask{
		ctx:             ctx,
		engine:          engine,
		task:            task,
		outputVariables: map[string]any{},
	}
}

// Key implements ActivatedTask
func (at *activatedTask) Key() int64 {
	return at.task.Key
}

// ProcessInstanceKey implements ActivatedTask
func (at *activatedTask) ProcessInstanceKey() int64 {
	return at.task.ProcessInstanceKey
}

// DefinitionId implements ActivatedTask
func (at *activatedTask) DefinitionId() string {
	return at.task.DefinitionId
}

// DefinitionKey implements ActivatedTask
func (at *activatedTask) DefinitionKey() int64 {
	return at.task.DefinitionKey
}

// ActivityId implements ActivatedTask
func (at *activatedTask) ActivityId() string {
	return at.task.ActivityId
}

// Topic implements ActivatedTask
func (at *activatedTask) Topic() string {
	return at.task.Topic
}

// Retries implements ActivatedTask
func (at *activatedTask) Retries() int {
	return at.task.Retries
}

// Variable implements ActivatedTask
func (at *activatedTask) Variable(key string) any {
	return at.task.Variables[key]
}

// Variables implements ActivatedTask
func (at *activatedTask) Variables() map[string]any {
	return at.task.Variables
}

// SetOutputVariable implements ActivatedTask
func (at *activatedTask) SetOutputVariable(key string, value any) {
	at.outputVariables[key] = value
}

// GetOutputVariables implements ActivatedTask
func (at *activatedTask) GetOutputVariables() map[string]any {
	return at.outputVariables
}

// CreatedAt implements ActivatedTask
func (at *activatedTask) CreatedAt() time.Time {
	return at.task.CreatedAt
}

// Fail implements ActivatedTask
func (at *activatedTask) Fail(reason string) error {
	return at.engine.FailActivity(at.ctx, at.task.ProcessInstanceKey, at.task.Key, reason, "")
}

// FailWithCode implements ActivatedTask
func (at *activatedTask) FailWithCode(reason, errorCode string) error {
	return at.engine.FailActivity(at.ctx, at.task.ProcessInstanceKey, at.task.Key, reason, errorCode)
}

// Complete implements ActivatedTask
func (at *activatedTask) Complete() error {
	return at.engine.CompleteActivity(at.ctx, at.task.ProcessInstanceKey, at.task.Key, at.outputVariables)
}
