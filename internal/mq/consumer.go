package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenflow/pkg/bpmn"
	"github.com/pbinitiative/zenflow/pkg/bpmn/runtime"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ResultSink receives worker results, *bpmn.Engine satisfies it.
type ResultSink interface {
	CompleteActivity(ctx context.Context, instanceKey, activityInstanceKey int64, variables map[string]any) error
	FailActivity(ctx context.Context, instanceKey, activityInstanceKey int64, reason, errorCode string) error
}

// outcome tells the consumer how to settle a delivery.
type outcome int

const (
	ack outcome = iota
	requeue
	deadLetter
)

// ResultConsumer applies task results from the result queue to the engine.
type ResultConsumer struct {
	conn     *Connection
	sink     ResultSink
	queue    string
	prefetch int
	logger   hclog.Logger
}

func NewResultConsumer(conn *Connection, sink ResultSink, topology Topology, prefetch int, logger hclog.Logger) *ResultConsumer {
	if prefetch <= 0 {
		prefetch = 1
	}
	return &ResultConsumer{
		conn:     conn,
		sink:     sink,
		queue:    topology.ResultQueue,
		prefetch: prefetch,
		logger:   logger,
	}
}

// Run consumes until ctx is done, resubscribing after every reconnect.
func (c *ResultConsumer) Run(ctx context.Context) error {
	for {
		deliveries, err := c.subscribe()
		if err != nil {
			c.logger.Error(fmt.Sprintf("Failed to consume from %s: %s", c.queue, err))
		} else {
			c.logger.Info(fmt.Sprintf("Consuming task results from %s", c.queue))
			if err := c.process(ctx, deliveries); err == nil || ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn(fmt.Sprintf("Delivery channel of %s closed, waiting for reconnect", c.queue))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.conn.ReconnectNotify():
		}
	}
}

func (c *ResultConsumer) subscribe() (<-chan amqp.Delivery, error) {
	ch := c.conn.Channel()
	if ch == nil {
		return nil, ErrNoChannel
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	return deliveries, nil
}

func (c *ResultConsumer) process(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			var err error
			switch c.handle(ctx, d.Body) {
			case ack:
				err = d.Ack(false)
			case requeue:
				err = d.Nack(false, true)
			case deadLetter:
				err = d.Nack(false, false)
			}
			if err != nil {
				c.logger.Warn(fmt.Sprintf("Failed to settle delivery %s: %s", d.MessageId, err))
			}
		}
	}
}

// handle applies one result message. Results the engine rejects for good (unknown or settled
// activity instances) are acknowledged and dropped, storage failures are retried by the broker.
func (c *ResultConsumer) handle(ctx context.Context, body []byte) outcome {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		c.logger.Error(fmt.Sprintf("Dropping malformed message: %s", err))
		return deadLetter
	}
	result, err := ParsePayload[TaskResult](msg)
	if err != nil {
		c.logger.Error(fmt.Sprintf("Dropping message %s: %s", msg.ID, err))
		return deadLetter
	}
	switch msg.Type {
	case MessageTypeTaskCompleted:
		err = c.sink.CompleteActivity(ctx, result.ProcessInstanceKey, result.ActivityInstanceKey, runtime.NormalizeVariables(result.Variables))
	case MessageTypeTaskFailed:
		err = c.sink.FailActivity(ctx, result.ProcessInstanceKey, result.ActivityInstanceKey, result.Reason, result.ErrorCode)
	default:
		c.logger.Error(fmt.Sprintf("Dropping message %s of unexpected type %q", msg.ID, msg.Type))
		return deadLetter
	}

	var persistenceErr *bpmn.PersistenceError
	switch {
	case err == nil:
		return ack
	case errors.As(err, &persistenceErr), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.logger.Warn(fmt.Sprintf("Result %s for activity instance %d will be redelivered: %s", msg.ID, result.ActivityInstanceKey, err))
		return requeue
	case errors.Is(err, bpmn.ErrNotFound), errors.Is(err, bpmn.ErrInvalidState):
		c.logger.Info(fmt.Sprintf("Ignoring result %s for activity instance %d: %s", msg.ID, result.ActivityInstanceKey, err))
		return ack
	default:
		c.logger.Error(fmt.Sprintf("Result %s for activity instance %d could not be applied: %s", msg.ID, result.ActivityInstanceKey, err))
		return deadLetter
	}
}
