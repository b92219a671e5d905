package mq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Topology names the broker objects the engine publishes to and consumes from. Tasks go to a direct
// exchange with the task topic as routing key; workers bind their own queues per topic. Results come
// back through a single durable queue.
type Topology struct {
	TaskExchange   string
	ResultExchange string
	ResultQueue    string
	DeadLetter     string
}

func DefaultTopology() Topology {
	return Topology{
		TaskExchange:   "zenflow.tasks",
		ResultExchange: "zenflow.results",
		ResultQueue:    "zenflow.task-results",
		DeadLetter:     "zenflow.dlq",
	}
}

const resultRoutingKey = "result"

// Declare creates the exchanges and the result queue. It is safe to call repeatedly.
func (t Topology) Declare(conn *Connection) error {
	return conn.WithChannel(func(ch *amqp.Channel) error {
		for _, ex := range []string{t.TaskExchange, t.ResultExchange, t.DeadLetter} {
			if err := ch.ExchangeDeclare(ex, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare exchange %s: %w", ex, err)
			}
		}
		args := amqp.Table{
			"x-dead-letter-exchange":    t.DeadLetter,
			"x-dead-letter-routing-key": resultRoutingKey,
		}
		if _, err := ch.QueueDeclare(t.ResultQueue, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare queue %s: %w", t.ResultQueue, err)
		}
		if err := ch.QueueBind(t.ResultQueue, resultRoutingKey, t.ResultExchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", t.ResultQueue, t.ResultExchange, err)
		}
		dlq := t.ResultQueue + ".dead"
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", dlq, err)
		}
		if err := ch.QueueBind(dlq, resultRoutingKey, t.DeadLetter, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", dlq, t.DeadLetter, err)
		}
		return nil
	})
}
