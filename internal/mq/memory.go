package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// memoryQueueSize — ёмкость одной in-memory очереди.
const memoryQueueSize = 4096

type memoryDelivery struct {
	body        []byte
	redelivered bool
}

// MemoryBus — Bus в памяти процесса для standalone режима и тестов.
// Маршрутизация та же, что у RabbitMQ: обменник + ключ → очередь.
type MemoryBus struct {
	logger *slog.Logger

	mu     sync.Mutex
	queues map[Queue]chan memoryDelivery
	dead   []Message
}

// NewMemoryBus создаёт MemoryBus.
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &MemoryBus{
		logger: logger,
		queues: make(map[Queue]chan memoryDelivery),
	}
	for _, bd := range topology {
		b.queues[bd.queue] = make(chan memoryDelivery, memoryQueueSize)
	}
	return b
}

// Publish реализует Bus.
func (b *MemoryBus) Publish(ctx context.Context, exchange Exchange, key RoutingKey, msg *Message) error {
	queue, ok := route(exchange, key)
	if !ok {
		return fmt.Errorf("no binding for %s/%s", exchange, key)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	select {
	case b.queue(queue) <- memoryDelivery{body: body}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume реализует Bus. Ack и Nack ведут себя как у RabbitMQ:
// requeue возвращает сообщение в хвост очереди, иначе оно уходит в DLQ.
func (b *MemoryBus) Consume(ctx context.Context, cfg ConsumerConfig) error {
	d, err := newDispatcher(cfg, b.logger)
	if err != nil {
		return err
	}
	defer d.close()

	q := b.queue(cfg.Queue)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-q:
			var once sync.Once
			settle := func(fn func()) error {
				once.Do(fn)
				return nil
			}
			d.dispatch(ctx, item.body, item.redelivered,
				func() error { return settle(func() {}) },
				func(requeue bool) error {
					return settle(func() { b.reject(cfg.Queue, item, requeue) })
				},
			)
		}
	}
}

// Len возвращает число сообщений, ожидающих в очереди.
func (b *MemoryBus) Len(queue Queue) int {
	return len(b.queue(queue))
}

// DeadLetters возвращает сообщения, отклонённые без requeue.
func (b *MemoryBus) DeadLetters() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.dead...)
}

func (b *MemoryBus) queue(name Queue) chan memoryDelivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = make(chan memoryDelivery, memoryQueueSize)
		b.queues[name] = q
	}
	return q
}

func (b *MemoryBus) reject(queue Queue, item memoryDelivery, requeue bool) {
	if requeue {
		item.redelivered = true
		select {
		case b.queue(queue) <- item:
			return
		default:
			b.logger.Warn("memory queue full, dead-lettering", "queue", string(queue))
		}
	}

	var msg Message
	if err := json.Unmarshal(item.body, &msg); err != nil {
		msg = Message{Payload: string(item.body)}
	}
	b.mu.Lock()
	b.dead = append(b.dead, msg)
	b.mu.Unlock()
}
