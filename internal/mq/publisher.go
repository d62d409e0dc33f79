package mq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher публикует сообщения в очереди через default exchange.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Publish публикует JSON body в очередь queue.
// Routing key совпадает с именем очереди, сообщение persistent.
func (p *Publisher) Publish(ctx context.Context, queue string, body []byte) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}

	msgID := uuid.NewString()

	err = ch.PublishWithContext(
		ctx,
		"",    // default exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent, // сообщение переживёт рестарт RabbitMQ
			MessageId:    msgID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}

	p.logger.Debug("published message", "queue", queue, "message_id", msgID, "size", len(body))

	return nil
}
