package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/eventchain/internal/domain"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeDomainEvent      MessageType = "event.domain"
	MessageTypeExecutionPending MessageType = "execution.pending"
	MessageTypeJobReady         MessageType = "job.ready"
)

// Message — конверт сообщения.
type Message struct {
	ID            string      `json:"id"`
	Type          MessageType `json:"type"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	Payload       any         `json:"payload"`
	Timestamp     time.Time   `json:"timestamp"`
}

// ExecutionPendingPayload — execution ждёт старта.
type ExecutionPendingPayload struct {
	ExecutionID uuid.UUID `json:"execution_id"`
}

// JobReadyPayload — job готов к захвату.
type JobReadyPayload struct {
	JobID       uuid.UUID `json:"job_id"`
	ExecutionID uuid.UUID `json:"execution_id"`
}

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, logger: logger}
}

// Publish публикует сообщение и ждёт подтверждения брокера.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, key RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	err = p.conn.publishConfirmed(ctx, string(exchange), string(key), amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.ID,
		CorrelationId: msg.CorrelationID,
		Type:          string(msg.Type),
		Timestamp:     msg.Timestamp,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, key, err)
	}

	p.logger.Debug("published message",
		"exchange", exchange,
		"routing_key", key,
		"message_id", msg.ID,
		"type", msg.Type,
	)
	return nil
}

func newMessage(t MessageType, correlationID string, payload any) *Message {
	return &Message{
		ID:            uuid.NewString(),
		Type:          t,
		CorrelationID: correlationID,
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
	}
}

// PublishDomainEvent публикует доменное событие.
// Потребитель: worker (trigger matcher).
func (p *Publisher) PublishDomainEvent(ctx context.Context, event *domain.DomainEvent) error {
	return p.Publish(ctx, ExchangeEvents, RoutingKeyDomain, newMessage(MessageTypeDomainEvent, event.ID, event))
}

// PublishExecutionPending публикует execution, ожидающий старта.
// Потребитель: worker (coordinator).
func (p *Publisher) PublishExecutionPending(ctx context.Context, execID uuid.UUID, correlationID string) error {
	return p.Publish(ctx, ExchangeExecutions, RoutingKeyPending,
		newMessage(MessageTypeExecutionPending, correlationID, ExecutionPendingPayload{ExecutionID: execID}))
}

// PublishJobReady публикует job, готовый к захвату.
// Потребитель: worker.
func (p *Publisher) PublishJobReady(ctx context.Context, jobID, execID uuid.UUID, correlationID string) error {
	return p.Publish(ctx, ExchangeJobs, RoutingKeyReady,
		newMessage(MessageTypeJobReady, correlationID, JobReadyPayload{JobID: jobID, ExecutionID: execID}))
}
