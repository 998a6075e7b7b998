package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// MessageTypeStageReady — стадия документа готова к выполнению.
const MessageTypeStageReady MessageType = "stage.ready"

// Message — конверт сообщения.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewMessage создаёт сообщение с новым ID.
func NewMessage(typ MessageType, payload any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// ErrReject — сообщение невозможно обработать: оно уходит в DLQ,
// а не обратно в очередь.
var ErrReject = errors.New("message rejected")

// Handler — обработчик сообщения. Ошибка возвращает сообщение в очередь,
// кроме ErrReject.
type Handler func(ctx context.Context, d *Delivery) error

// Delivery — доставленное сообщение.
type Delivery struct {
	Message Message

	// Redelivered — сообщение уже доставлялось и не было подтверждено.
	Redelivered bool

	ack  func() error
	nack func(requeue bool) error
}

// Ack подтверждает обработку.
func (d *Delivery) Ack() error {
	return d.ack()
}

// Nack отклоняет сообщение: requeue=true возвращает в очередь,
// false отправляет в DLQ.
func (d *Delivery) Nack(requeue bool) error {
	return d.nack(requeue)
}

// ParsePayload декодирует payload в T.
func ParsePayload[T any](msg *Message) (T, error) {
	var result T

	// После json.Unmarshal конверта payload — map[string]any.
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return result, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, fmt.Errorf("unmarshal payload: %w", err)
	}
	return result, nil
}
