package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenflow/pkg/bpmn"
	amqp "github.com/rabbitmq/amqp091-go"
)

// channelPublisher is the part of *amqp.Channel the publisher needs.
type channelPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher hands activated tasks to workers. It implements bpmn.TaskDispatcher.
type Publisher struct {
	channel  func() (channelPublisher, error)
	exchange string
	logger   hclog.Logger
}

var _ bpmn.TaskDispatcher = (*Publisher)(nil)

func NewPublisher(conn *Connection, topology Topology, logger hclog.Logger) *Publisher {
	return &Publisher{
		channel: func() (channelPublisher, error) {
			ch := conn.Channel()
			if ch == nil {
				return nil, ErrNoChannel
			}
			return ch, nil
		},
		exchange: topology.TaskExchange,
		logger:   logger,
	}
}

// Dispatch publishes task with its topic as routing key. Delivery is persistent; a task the broker
// cannot route stays available through task fetching.
func (p *Publisher) Dispatch(ctx context.Context, task bpmn.Task) error {
	msg, err := taskActivatedMessage(task, time.Now().UTC())
	if err != nil {
		return err
	}
	return p.publish(ctx, task.Topic, msg)
}

func (p *Publisher) publish(ctx context.Context, routingKey string, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	ch, err := p.channel()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Type:         string(msg.Type),
		Timestamp:    msg.Timestamp,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", p.exchange, routingKey, err)
	}
	p.logger.Debug(fmt.Sprintf("Published %s message %s to %s/%s", msg.Type, msg.ID, p.exchange, routingKey))
	return nil
}
