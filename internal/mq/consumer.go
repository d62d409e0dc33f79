package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler — функция обработки сообщения.
//
// Handler сам решает судьбу сообщения через Delivery.Ack/Reject.
// Consumer вызывает его синхронно: следующее сообщение не читается,
// пока не вернулся предыдущий вызов.
type Handler func(ctx context.Context, d *Delivery)

// Acknowledger подтверждает или отклоняет доставку.
type Acknowledger interface {
	Ack() error
	Reject(requeue bool) error
}

// Delivery — доставленное сообщение.
type Delivery struct {
	// Queue — очередь, из которой получено сообщение.
	Queue string

	// RoutingKey — ключ маршрутизации при публикации.
	RoutingKey string

	// MessageID — AMQP message-id (может быть пустым).
	MessageID string

	// Body — тело сообщения.
	Body []byte

	// ReceivedAt — время получения.
	ReceivedAt time.Time

	ack Acknowledger
}

// NewDelivery создаёт Delivery поверх произвольного Acknowledger.
func NewDelivery(queue, routingKey string, body []byte, ack Acknowledger) *Delivery {
	return &Delivery{
		Queue:      queue,
		RoutingKey: routingKey,
		Body:       body,
		ReceivedAt: time.Now(),
		ack:        ack,
	}
}

// Ack подтверждает обработку сообщения.
func (d *Delivery) Ack() error {
	return d.ack.Ack()
}

// Reject отклоняет сообщение. requeue=true — вернуть в очередь.
func (d *Delivery) Reject(requeue bool) error {
	return d.ack.Reject(requeue)
}

// amqpAcknowledger — Acknowledger поверх amqp.Delivery.
type amqpAcknowledger struct {
	raw amqp.Delivery
}

func (a amqpAcknowledger) Ack() error {
	return a.raw.Ack(false)
}

func (a amqpAcknowledger) Reject(requeue bool) error {
	return a.raw.Reject(requeue)
}

func newDelivery(queue string, raw amqp.Delivery) *Delivery {
	return &Delivery{
		Queue:      queue,
		RoutingKey: raw.RoutingKey,
		MessageID:  raw.MessageId,
		Body:       raw.Body,
		ReceivedAt: time.Now(),
		ack:        amqpAcknowledger{raw: raw},
	}
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	// Queue — имя очереди.
	Queue string

	// Tag — consumer tag. Пустой — сгенерирует брокер.
	Tag string

	// Handler — обработчик сообщений.
	Handler Handler

	// Prefetch — сколько неподтверждённых сообщений держит consumer (по умолчанию 1).
	Prefetch int
}

// Consumer потребляет сообщения из одной очереди на собственном канале.
type Consumer struct {
	conn   *Connection
	logger *slog.Logger
	cfg    ConsumerConfig
}

// NewConsumer создаёт новый Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Consumer{
		conn:   conn,
		logger: logger.With("queue", cfg.Queue),
		cfg:    cfg,
	}
}

// Run потребляет сообщения до отмены ctx или разрыва соединения.
//
// При отмене ctx consumer отписывается, дожидается текущего вызова Handler
// и возвращает nil. Если брокер закрыл канал доставки, возвращается
// ошибка, обёрнутая в ErrDeliveriesClosed.
func (c *Consumer) Run(ctx context.Context) error {
	ch, err := c.conn.OpenChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	// 1. Prefetch: сколько сообщений брокер отдаст до ack
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos on %s: %w", c.cfg.Queue, err)
	}

	// 2. Подписываемся
	deliveries, err := ch.Consume(
		c.cfg.Queue, // queue
		c.cfg.Tag,   // consumer tag
		false,       // auto-ack (мы ack вручную)
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}

	c.logger.Info("consumer started", "prefetch", c.cfg.Prefetch)

	// 3. Обрабатываем до остановки
	err = c.serve(ctx, deliveries)

	if ctx.Err() != nil && c.cfg.Tag != "" {
		if cerr := ch.Cancel(c.cfg.Tag, false); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
			c.logger.Warn("failed to cancel consumer", "error", cerr)
		}
	}

	c.logger.Info("consumer stopped")
	return err
}

// serve читает доставки и синхронно вызывает Handler.
func (c *Consumer) serve(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case raw, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				if cause := c.conn.Err(); cause != nil {
					return fmt.Errorf("%w: %s: %w", ErrDeliveriesClosed, c.cfg.Queue, cause)
				}
				return fmt.Errorf("%w: %s", ErrDeliveriesClosed, c.cfg.Queue)
			}

			d := newDelivery(c.cfg.Queue, raw)

			c.logger.Debug("received message", "message_id", d.MessageID, "size", len(d.Body))

			c.cfg.Handler(ctx, d)
		}
	}
}
