package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Docflow/internal/domain"
	"github.com/shaiso/Docflow/internal/telemetry"
)

// Bus — транспорт сообщений.
type Bus interface {
	// Publish публикует сообщение в обменник.
	Publish(ctx context.Context, exchange Exchange, key RoutingKey, msg *Message) error

	// Consume потребляет очередь до отмены ctx.
	Consume(ctx context.Context, cfg ConsumerConfig) error
}

// AMQPBus — Bus поверх RabbitMQ.
type AMQPBus struct {
	conn   *Connection
	logger *slog.Logger
}

// NewAMQPBus создаёт AMQPBus.
func NewAMQPBus(conn *Connection, logger *slog.Logger) *AMQPBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPBus{conn: conn, logger: logger}
}

// Publish реализует Bus. Сообщения persistent.
func (b *AMQPBus) Publish(ctx context.Context, exchange Exchange, key RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return b.conn.WithChannel(func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(ctx,
			string(exchange), // exchange
			string(key),      // routing key
			false,            // mandatory
			false,            // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Type:         string(msg.Type),
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, key, err)
		}
		return nil
	})
}

// Consume реализует Bus.
func (b *AMQPBus) Consume(ctx context.Context, cfg ConsumerConfig) error {
	return NewConsumer(b.conn, b.logger, cfg).Start(ctx)
}

// Publisher ставит задачи стадий в очередь своего приоритета.
type Publisher struct {
	bus    Bus
	logger *slog.Logger
}

// NewPublisher создаёт Publisher.
func NewPublisher(bus Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{bus: bus, logger: logger}
}

// Enqueue публикует StageTask.
func (p *Publisher) Enqueue(ctx context.Context, task domain.StageTask) error {
	msg := NewMessage(MessageTypeStageReady, task)
	if err := p.bus.Publish(ctx, ExchangeStages, RoutingKeyFor(task.Priority), msg); err != nil {
		return fmt.Errorf("enqueue %s/%s: %w", task.DocumentID, task.Stage, err)
	}

	telemetry.TasksPublished.WithLabelValues(string(task.Priority), string(task.Reason)).Inc()
	p.logger.Debug("stage task enqueued",
		"document_id", task.DocumentID,
		"stage", task.Stage,
		"priority", task.Priority,
		"reason", task.Reason,
		"message_id", msg.ID,
	)
	return nil
}
