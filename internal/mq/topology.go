package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeEvents     Exchange = "eventchain.events"
	ExchangeExecutions Exchange = "eventchain.executions"
	ExchangeJobs       Exchange = "eventchain.jobs"
	ExchangeDLQ        Exchange = "eventchain.dlq"
)

// Queues — имена очередей.
const (
	QueueEventsDomain      Queue = "events.domain"
	QueueExecutionsPending Queue = "executions.pending"
	QueueJobsReady         Queue = "jobs.ready"
	QueueDLQEvents         Queue = "dlq.events"
	QueueDLQJobs           Queue = "dlq.jobs"
)

// Routing keys.
const (
	RoutingKeyDomain    RoutingKey = "domain"
	RoutingKeyPending   RoutingKey = "pending"
	RoutingKeyReady     RoutingKey = "ready"
	RoutingKeyDLQEvents RoutingKey = "events"
	RoutingKeyDLQJobs   RoutingKey = "jobs"
)

type exchangeDecl struct {
	name Exchange
	kind string
}

type queueDecl struct {
	name Queue
	args amqp.Table
}

type bindingDecl struct {
	queue    Queue
	key      RoutingKey
	exchange Exchange
}

// Topology — полный набор объявлений.
var (
	topologyExchanges = []exchangeDecl{
		{ExchangeEvents, "direct"},
		{ExchangeExecutions, "direct"},
		{ExchangeJobs, "direct"},
		{ExchangeDLQ, "direct"},
	}

	topologyQueues = []queueDecl{
		// Необработанные события нельзя терять молча — в DLQ.
		{QueueEventsDomain, deadLetter(RoutingKeyDLQEvents)},
		// Потеря execution.pending не страшна: scheduler подберёт зависший execution.
		{QueueExecutionsPending, nil},
		{QueueJobsReady, deadLetter(RoutingKeyDLQJobs)},
		{QueueDLQEvents, nil},
		{QueueDLQJobs, nil},
	}

	topologyBindings = []bindingDecl{
		{QueueEventsDomain, RoutingKeyDomain, ExchangeEvents},
		{QueueExecutionsPending, RoutingKeyPending, ExchangeExecutions},
		{QueueJobsReady, RoutingKeyReady, ExchangeJobs},
		{QueueDLQEvents, RoutingKeyDLQEvents, ExchangeDLQ},
		{QueueDLQJobs, RoutingKeyDLQJobs, ExchangeDLQ},
	}
)

func deadLetter(key RoutingKey) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(key),
	}
}

// SetupTopology объявляет exchanges, queues и bindings. Операция идемпотентна.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		for _, ex := range topologyExchanges {
			if err := ch.ExchangeDeclare(string(ex.name), ex.kind, true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare exchange %s: %w", ex.name, err)
			}
		}

		for _, q := range topologyQueues {
			if _, err := ch.QueueDeclare(string(q.name), true, false, false, false, q.args); err != nil {
				return fmt.Errorf("declare queue %s: %w", q.name, err)
			}
		}

		for _, b := range topologyBindings {
			if err := ch.QueueBind(string(b.queue), string(b.key), string(b.exchange), false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
			}
		}
		return nil
	})
}
