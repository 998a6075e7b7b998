package mq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Docflow/internal/domain"
)

// Exchange — имя обменника.
type Exchange string

// Queue — имя очереди.
type Queue string

// RoutingKey — ключ маршрутизации.
type RoutingKey string

const (
	ExchangeStages Exchange = "docflow.stages"
	ExchangeDLQ    Exchange = "docflow.dlq"
)

// Очереди стадий: по одной физической очереди на приоритет.
const (
	QueueStagesHigh   Queue = "stages.high"
	QueueStagesNormal Queue = "stages.normal"
	QueueStagesLow    Queue = "stages.low"
	QueueDLQStages    Queue = "dlq.stages"
)

// RoutingKeyDLQ — ключ, с которым отклонённые сообщения уходят в DLQ.
const RoutingKeyDLQ RoutingKey = "stages"

// binding — привязка очереди к обменнику.
type binding struct {
	queue    Queue
	key      RoutingKey
	exchange Exchange
	dlq      bool
}

// topology — полный список очередей и привязок.
var topology = []binding{
	{QueueStagesHigh, RoutingKey(domain.PriorityHigh), ExchangeStages, true},
	{QueueStagesNormal, RoutingKey(domain.PriorityNormal), ExchangeStages, true},
	{QueueStagesLow, RoutingKey(domain.PriorityLow), ExchangeStages, true},
	{QueueDLQStages, RoutingKeyDLQ, ExchangeDLQ, false},
}

// QueueFor возвращает очередь приоритета.
func QueueFor(p domain.Priority) Queue {
	switch p {
	case domain.PriorityHigh:
		return QueueStagesHigh
	case domain.PriorityLow:
		return QueueStagesLow
	default:
		return QueueStagesNormal
	}
}

// RoutingKeyFor возвращает ключ маршрутизации приоритета.
func RoutingKeyFor(p domain.Priority) RoutingKey {
	if p == "" {
		p = domain.PriorityNormal
	}
	return RoutingKey(p)
}

// route возвращает очередь, в которую попадёт сообщение.
func route(exchange Exchange, key RoutingKey) (Queue, bool) {
	for _, b := range topology {
		if b.exchange == exchange && b.key == key {
			return b.queue, true
		}
	}
	return "", false
}

// SetupTopology объявляет обменники, очереди и привязки.
func SetupTopology(conn *Connection) error {
	return conn.WithChannel(func(ch *amqp.Channel) error {
		for _, ex := range []Exchange{ExchangeStages, ExchangeDLQ} {
			err := ch.ExchangeDeclare(
				string(ex), // name
				"direct",   // type
				true,       // durable
				false,      // auto-deleted
				false,      // internal
				false,      // no-wait
				nil,        // arguments
			)
			if err != nil {
				return fmt.Errorf("declare exchange %s: %w", ex, err)
			}
		}

		dlqArgs := amqp.Table{
			"x-dead-letter-exchange":    string(ExchangeDLQ),
			"x-dead-letter-routing-key": string(RoutingKeyDLQ),
		}

		for _, b := range topology {
			var args amqp.Table
			if b.dlq {
				args = dlqArgs
			}
			if _, err := ch.QueueDeclare(string(b.queue), true, false, false, false, args); err != nil {
				return fmt.Errorf("declare queue %s: %w", b.queue, err)
			}
			if err := ch.QueueBind(string(b.queue), string(b.key), string(b.exchange), false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
			}
		}
		return nil
	})
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Docflow RabbitMQ topology:

    docflow.stages (direct)
    ├── stages.high   [routing: high]    DLQ: dlq.stages
    ├── stages.normal [routing: normal]  DLQ: dlq.stages
    └── stages.low    [routing: low]     DLQ: dlq.stages
            Consumer: Worker (static pool per queue)

    docflow.dlq (direct)
    └── dlq.stages [routing: stages]
            Manual processing
`
}
