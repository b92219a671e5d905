package bpmn

import (
	"context"
	"fmt"
	"time"
)

// Task is an active external task as handed to workers.
type Task struct {
	Key                int64          `json:"key"`
	ProcessInstanceKey int64          `json:"processInstanceKey"`
	DefinitionKey      int64          `json:"definitionKey"`
	DefinitionId       string         `json:"definitionId"`
	ActivityId         string         `json:"activityId"`
	Topic              string         `json:"topic"`
	Retries            int            `json:"retries"`
	DueAt              *time.Time     `json:"dueAt,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
	Variables          map[string]any `json:"variables"`
}

// TaskDispatcher pushes activated tasks to remote workers. Dispatch happens after the activation is
// committed and may be repeated by recovery, workers must tolerate duplicates.
type TaskDispatcher interface {
	Dispatch(ctx context.Context, task Task) error
}

// dispatch hands task to a matching in-process handler, or else to the configured dispatcher.
// Without either the task waits for a worker to fetch it.
func (engine *Engine) dispatch(ctx context.Context, task Task) {
	if handler := engine.findTaskHandler(task.ActivityId, task.Topic); handler != nil {
		handler(engine.newActivatedTask(ctx, task))
		return
	}
	if engine.dispatcher == nil {
		return
	}
	if err := engine.dispatcher.Dispatch(ctx, task); err != nil {
		engine.logger.Warn(fmt.Sprintf("Failed to dispatch task %d of topic %s, it stays available for fetching: %s", task.Key, task.Topic, err))
	}
}
