package mq

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pbinitiative/zenflow/pkg/bpmn"
)

type MessageType string

const (
	MessageTypeTaskActivated MessageType = "task.activated"
	MessageTypeTaskCompleted MessageType = "task.completed"
	MessageTypeTaskFailed    MessageType = "task.failed"
)

// Message is the envelope of everything exchanged with workers.
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// TaskResult is what a worker reports for a task it received.
type TaskResult struct {
	ProcessInstanceKey  int64          `json:"processInstanceKey"`
	ActivityInstanceKey int64          `json:"activityInstanceKey"`
	Variables           map[string]any `json:"variables,omitempty"`
	Reason              string         `json:"reason,omitempty"`
	ErrorCode           string         `json:"errorCode,omitempty"`
}

func newMessage(msgType MessageType, payload any, now time.Time) (Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Payload:   body,
		Timestamp: now,
	}, nil
}

func taskActivatedMessage(task bpmn.Task, now time.Time) (Message, error) {
	return newMessage(MessageTypeTaskActivated, task, now)
}

// NewResultMessage builds the message a worker sends back for a completed task, or for a failed one
// when failed is set.
func NewResultMessage(result TaskResult, failed bool) (Message, error) {
	msgType := MessageTypeTaskCompleted
	if failed {
		msgType = MessageTypeTaskFailed
	}
	return newMessage(msgType, result, time.Now().UTC())
}

// ParsePayload decodes the payload of msg into T. Numbers in untyped fields are kept as json.Number.
func ParsePayload[T any](msg Message) (T, error) {
	var result T
	dec := json.NewDecoder(bytes.NewReader(msg.Payload))
	dec.UseNumber()
	if err := dec.Decode(&result); err != nil {
		return result, fmt.Errorf("unmarshal %s payload: %w", msg.Type, err)
	}
	return result, nil
}
