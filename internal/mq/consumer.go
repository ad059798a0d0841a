package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/eventchain/internal/telemetry"
)

// ErrPoison — сообщение никогда не удастся обработать; уходит в DLQ без повтора.
var ErrPoison = errors.New("poison message")

// Handler обрабатывает сообщение. Ошибка означает nack: первый отказ
// возвращает сообщение в очередь, повторный или ErrPoison отправляет в DLQ.
//
// Контекст несёт логгер с message_id и correlation_id (telemetry.FromContext).
type Handler func(ctx context.Context, msg *Delivery) error

// Delivery — доставленное сообщение.
type Delivery struct {
	Message Message

	// Redelivered — брокер уже доставлял это сообщение.
	Redelivered bool
}

// Outcome — чем закончилась обработка доставки.
type Outcome string

const (
	OutcomeAck        Outcome = "ack"
	OutcomeRequeue    Outcome = "requeue"
	OutcomeDeadLetter Outcome = "dead_letter"
)

// Settle решает судьбу доставки по результату обработчика.
// Каждое сообщение повторяется не больше одного раза: executions и jobs
// всё равно подберут polling и sweep.
func Settle(err error, redelivered bool) Outcome {
	switch {
	case err == nil:
		return OutcomeAck
	case errors.Is(err, ErrPoison), redelivered:
		return OutcomeDeadLetter
	default:
		return OutcomeRequeue
	}
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	Queue   Queue
	Handler Handler

	// Accept — допустимые типы сообщений; остальные сразу уходят в DLQ.
	// Пустой список принимает любой тип.
	Accept []MessageType

	// Prefetch — неподтверждённых сообщений на канал (default: 1).
	Prefetch int
}

// Consumer читает одну очередь eventchain на собственном канале.
// После обрыва соединения ждёт переподключения и подписывается заново.
type Consumer struct {
	conn   *Connection
	logger *slog.Logger
	cfg    ConsumerConfig

	cancelFunc context.CancelFunc
}

// NewConsumer создаёт Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	return &Consumer{
		conn:   conn,
		logger: logger.With("queue", string(cfg.Queue)),
		cfg:    cfg,
	}
}

// Start читает очередь до отмены ctx или Stop.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel

	for {
		deliveries, err := c.subscribe()
		if err != nil {
			c.logger.Error("failed to subscribe", "error", err)
		} else {
			c.logger.Info("consumer started")
			c.drain(ctx, deliveries)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("consumer lost its channel, waiting for reconnect")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.conn.ReconnectNotify():
		}
	}
}

// Stop останавливает consumer.
func (c *Consumer) Stop() {
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
}

// subscribe открывает канал с prefetch этой очереди и подписывается на неё.
func (c *Consumer) subscribe() (<-chan amqp.Delivery, error) {
	ch, err := c.conn.OpenChannel()
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}

	// Ручной ack, consumer tag генерирует брокер.
	deliveries, err := ch.Consume(string(c.cfg.Queue), "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume: %w", err)
	}
	return deliveries, nil
}

// drain обрабатывает доставки, пока канал открыт и ctx жив.
func (c *Consumer) drain(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-deliveries:
			if !ok {
				return
			}
			c.settle(raw, c.handle(ctx, raw))
		}
	}
}

// handle разбирает конверт и вызывает обработчик.
func (c *Consumer) handle(ctx context.Context, raw amqp.Delivery) error {
	var msg Message
	if err := json.Unmarshal(raw.Body, &msg); err != nil {
		return fmt.Errorf("%w: decode envelope: %v", ErrPoison, err)
	}
	if len(c.cfg.Accept) > 0 && !slices.Contains(c.cfg.Accept, msg.Type) {
		return fmt.Errorf("%w: unexpected message type %q", ErrPoison, msg.Type)
	}

	logger := c.logger.With("message_id", msg.ID, "type", msg.Type, "correlation_id", msg.CorrelationID)
	logger.Debug("received message")

	return c.cfg.Handler(telemetry.WithLogger(ctx, logger), &Delivery{
		Message:     msg,
		Redelivered: raw.Redelivered,
	})
}

func (c *Consumer) settle(raw amqp.Delivery, err error) {
	outcome := Settle(err, raw.Redelivered)
	telemetry.MQDeliveries.WithLabelValues(string(c.cfg.Queue), string(outcome)).Inc()

	var ackErr error
	switch outcome {
	case OutcomeAck:
		ackErr = raw.Ack(false)
	case OutcomeRequeue:
		c.logger.Warn("handler failed, requeueing", "message_id", raw.MessageId, "error", err)
		ackErr = raw.Nack(false, true)
	case OutcomeDeadLetter:
		c.logger.Error("message dead-lettered", "message_id", raw.MessageId, "error", err)
		ackErr = raw.Nack(false, false)
	}
	if ackErr != nil {
		c.logger.Warn("failed to settle delivery", "outcome", outcome, "error", ackErr)
	}
}

// ParsePayload декодирует payload сообщения в T. Неподходящий payload — ErrPoison.
func ParsePayload[T any](msg *Message) (T, error) {
	var result T

	// После доставки payload — map из json.Unmarshal, а не T.
	payloadBytes, err := json.Marshal(msg.Payload)
	if err != nil {
		return result, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(payloadBytes, &result); err != nil {
		return result, fmt.Errorf("%w: unmarshal payload: %v", ErrPoison, err)
	}
	return result, nil
}
