package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	amqp "github.com/rabbitmq/amqp091-go"
)

// drainTimeout — сколько ждать обработчики в работе при остановке.
const drainTimeout = 30 * time.Second

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	// Queue — очередь.
	Queue Queue

	// Handler — обработчик сообщений.
	Handler Handler

	// Workers — размер пула обработчиков и prefetch очереди.
	Workers int
}

// dispatcher раздаёт доставки пулу ants фиксированного размера.
// Общий для AMQP и in-memory шины.
type dispatcher struct {
	queue   Queue
	handler Handler
	pool    *ants.Pool
	logger  *slog.Logger

	inflight sync.WaitGroup
}

func newDispatcher(cfg ConsumerConfig, logger *slog.Logger) (*dispatcher, error) {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("create pool for %s: %w", cfg.Queue, err)
	}

	return &dispatcher{
		queue:   cfg.Queue,
		handler: cfg.Handler,
		pool:    pool,
		logger:  logger.With("queue", string(cfg.Queue)),
	}, nil
}

// dispatch декодирует сообщение и ставит обработку в пул.
// Блокируется, пока в пуле нет свободного воркера.
func (d *dispatcher) dispatch(ctx context.Context, body []byte, redelivered bool, ack func() error, nack func(bool) error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		d.logger.Error("undecodable message, dead-lettering", "error", err, "body", string(body))
		nack(false)
		return
	}

	delivery := &Delivery{Message: msg, Redelivered: redelivered, ack: ack, nack: nack}

	d.inflight.Add(1)
	if err := d.pool.Submit(func() { d.handle(ctx, delivery) }); err != nil {
		d.inflight.Done()
		d.logger.Warn("pool rejected delivery, requeueing", "message_id", msg.ID, "error", err)
		nack(true)
	}
}

func (d *dispatcher) handle(ctx context.Context, delivery *Delivery) {
	msg := delivery.Message
	defer d.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic", "message_id", msg.ID, "panic", r)
			delivery.Nack(true)
		}
	}()

	if err := d.handler(ctx, delivery); err != nil {
		requeue := !errors.Is(err, ErrReject)
		d.logger.Error("handler failed",
			"message_id", msg.ID,
			"type", msg.Type,
			"requeue", requeue,
			"error", err,
		)
		delivery.Nack(requeue)
		return
	}
	delivery.Ack()
}

// wait ждёт обработчики в работе, но не дольше drainTimeout.
// Их ack должен уйти до закрытия канала, иначе сообщения вернутся в очередь.
func (d *dispatcher) wait() {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		d.logger.Warn("in-flight handlers still running, closing channel")
	}
}

func (d *dispatcher) close() {
	if err := d.pool.ReleaseTimeout(drainTimeout); err != nil {
		d.logger.Warn("pool drain timeout", "error", err)
	}
}

// Consumer потребляет очередь RabbitMQ на собственном канале.
type Consumer struct {
	conn      *Connection
	logger    *slog.Logger
	cfg       ConsumerConfig
	reconnect <-chan struct{}
}

// NewConsumer создаёт Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Consumer{
		conn:      conn,
		logger:    logger.With("queue", string(cfg.Queue)),
		cfg:       cfg,
		reconnect: conn.ReconnectNotify(),
	}
}

// Start потребляет очередь до отмены ctx. Разрыв соединения
// переживается: consumer ждёт reconnect и подписывается заново.
func (c *Consumer) Start(ctx context.Context) error {
	d, err := newDispatcher(c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer d.close()

	for {
		ch, deliveries, err := c.setup()
		if err != nil {
			c.logger.Error("failed to setup consume", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.reconnect:
				continue
			case <-time.After(5 * time.Second):
				continue
			}
		}

		c.logger.Info("consumer started", "workers", c.cfg.Workers)
		err = c.process(ctx, d, deliveries)
		d.wait()
		ch.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Warn("deliveries closed, waiting for reconnect", "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.reconnect:
		}
	}
}

// setup открывает канал с prefetch = Workers и начинает потребление.
func (c *Consumer) setup() (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := c.conn.OpenChannel()
	if err != nil {
		return nil, nil, err
	}

	if err := ch.Qos(c.cfg.Workers, 0, false); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		string(c.cfg.Queue), // queue
		"",                  // consumer tag
		false,               // auto-ack
		false,               // exclusive
		false,               // no-local
		false,               // no-wait
		nil,                 // args
	)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("consume: %w", err)
	}
	return ch, deliveries, nil
}

func (c *Consumer) process(ctx context.Context, d *dispatcher, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("deliveries channel closed")
			}
			d.dispatch(ctx, raw.Body, raw.Redelivered,
				func() error { return raw.Ack(false) },
				func(requeue bool) error { return raw.Nack(false, requeue) },
			)
		}
	}
}
