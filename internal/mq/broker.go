package mq

import (
	"context"
	"log/slog"
)

// Broker — соединение, publisher и consumer'ы одного воркера.
type Broker struct {
	conn      *Connection
	publisher *Publisher
	logger    *slog.Logger
	tagPrefix string
}

// Dial подключается к RabbitMQ и объявляет очереди топологии.
// tagPrefix входит в consumer tag каждой очереди.
func Dial(url string, topology Topology, tagPrefix string, logger *slog.Logger) (*Broker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := NewConnection(url, logger)
	if err != nil {
		return nil, err
	}

	if err := topology.Declare(conn); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info("queues declared", "queues", topology.Queues())

	return &Broker{
		conn:      conn,
		publisher: NewPublisher(conn, logger),
		logger:    logger,
		tagPrefix: tagPrefix,
	}, nil
}

// Consume потребляет queue до отмены ctx. См. Consumer.Run.
func (b *Broker) Consume(ctx context.Context, queue string, prefetch int, handler Handler) error {
	var tag string
	if b.tagPrefix != "" {
		tag = b.tagPrefix + "." + queue
	}

	c := NewConsumer(b.conn, b.logger, ConsumerConfig{
		Queue:    queue,
		Tag:      tag,
		Handler:  handler,
		Prefetch: prefetch,
	})
	return c.Run(ctx)
}

// Publish публикует body в queue.
func (b *Broker) Publish(ctx context.Context, queue string, body []byte) error {
	return b.publisher.Publish(ctx, queue, body)
}

// QueueDepth возвращает число готовых сообщений в queue.
func (b *Broker) QueueDepth(_ context.Context, queue string) (int, error) {
	return queueDepth(b.conn, queue)
}

// Close закрывает соединение с брокером.
func (b *Broker) Close() error {
	return b.conn.Close()
}
