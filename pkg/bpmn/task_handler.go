// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package bpmn

import (
	"slices"
)

type taskMatcher func(activityId, topic string) bool

type taskHandlerType string

const (
	taskHandlerForId    taskHandlerType = "TASK_HANDLER_ID"
	taskHandlerForTopic taskHandlerType = "TASK_HANDLER_TOPIC"
)

type taskHandler struct {
	handlerType taskHandlerType
	matches     taskMatcher
	handler     func(task ActivatedTask)
}

type newTaskHandlerCommand struct {
	handlerType taskHandlerType
	matcher     taskMatcher
	append      func(handler *taskHandler)
}

type NewTaskHandlerCommand2 interface {
	// Handler is the actual handler to be executed
	Handler(func(task ActivatedTask)) *taskHandler
}

type NewTaskHandlerCommand1 interface {
	// Id defines a handler for a given activity ID.
	// This is 1:1 relation between a handler and a task definition (since IDs are supposed to be unique).
	Id(id string) NewTaskHandlerCommand2

	// Topic defines a handler for every task with the given topic.
	// This allows a single handler to be used for multiple task definitions.
	Topic(topic string) NewTaskHandlerCommand2
}

// NewTaskHandler registers a handler function to be called for activated tasks in this process.
// The handler runs right after the step that activated the task is committed.
func (engine *Engine) NewTaskHandler() NewTaskHandlerCommand1 {
	cmd := newTaskHandlerCommand{
		append: func(handler *taskHandler) {
			engine.taskHandlersMu.Lock()
			defer engine.taskHandlersMu.Unlock()
			engine.taskHandlers = append(engine.taskHandlers, handler)
		},
	}
	return cmd
}

// Id implements NewTaskHandlerCommand1
func (thc newTaskHandlerCommand) Id(id string) NewTaskHandlerCommand2 {
	thc.matcher = func(activityId, _ string) bool {
		return activityId == id
	}
	thc.handlerType = taskHandlerForId
	return thc
}

// Topic implements NewTaskHandlerCommand1
func (thc newTaskHandlerCommand) Topic(topic string) NewTaskHandlerCommand2 {
	thc.matcher = func(_, taskTopic string) bool {
		return taskTopic == topic
	}
	thc.handlerType = taskHandlerForTopic
	return thc
}

// Handler implements NewTaskHandlerCommand2
func (thc newTaskHandlerCommand) Handler(f func(task ActivatedTask)) *taskHandler {
	th := taskHandler{
		handlerType: thc.handlerType,
		matches:     thc.matcher,
		handler:     f,
	}
	thc.append(&th)
	return &th
}

// RemoveHandler removes the handler created by Handler method
func (engine *Engine) RemoveHandler(handler *taskHandler) {
	engine.taskHandlersMu.Lock()
	defer engine.taskHandlersMu.Unlock()
	for i, hand := range engine.taskHandlers {
		if hand == handler {
			engine.taskHandlers = slices.Delete(engine.taskHandlers, i, i+1)
			return
		}
	}
}

// findTaskHandler prefers handlers registered for the activity id over handlers for the topic.
func (engine *Engine) findTaskHandler(activityId, topic string) func(task ActivatedTask) {
	engine.taskHandlersMu.RLock()
	defer engine.taskHandlersMu.RUnlock()
	for _, handlerType := range []taskHandlerType{taskHandlerForId, taskHandlerForTopic} {
		for _, handler := range engine.taskHandlers {
			if handler.handlerType == handlerType && handler.matches(activityId, topic) {
				return handler.handler
			}
		}
	}
	return nil
}
