package mq

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection — обёртка над AMQP соединением.
//
// Особенности:
//   - Основной канал для публикации, отдельные каналы для consumer'ов
//   - Без reconnect: разрыв соединения фатален для текущего запуска,
//     перезапуск — забота супервизора процесса
//   - Err() возвращает причину разрыва
type Connection struct {
	logger *slog.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool
	lostErr error
}

// NewConnection устанавливает соединение с RabbitMQ и открывает основной канал.
func NewConnection(url string, logger *slog.Logger) (*Connection, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	c := &Connection{
		logger:  logger,
		conn:    conn,
		channel: ch,
	}

	// Следим за соединением
	go c.watch(conn.NotifyClose(make(chan *amqp.Error, 1)))

	logger.Info("connected to RabbitMQ")

	return c, nil
}

// watch ждёт закрытия соединения. Закрытие после Close — штатное,
// всё остальное — разрыв.
func (c *Connection) watch(notify <-chan *amqp.Error) {
	amqpErr, ok := <-notify

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.lostErr = ErrConnectionLost
	if ok && amqpErr != nil {
		c.lostErr = fmt.Errorf("%w: %w", ErrConnectionLost, amqpErr)
	}

	c.logger.Error("RabbitMQ connection lost", "error", c.lostErr)
}

// Err возвращает причину разрыва или nil.
func (c *Connection) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lostErr
}

// Channel возвращает основной AMQP канал.
func (c *Connection) Channel() (*amqp.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}
	return c.channel, nil
}

// OpenChannel открывает новый канал. Закрыть его — забота вызывающего.
func (c *Connection) OpenChannel() (*amqp.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, ErrClosed
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

// Close закрывает канал и соединение. Повторный вызов — no-op.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error

	if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("close channel: %w", err))
	}

	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("close connection: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	c.logger.Info("RabbitMQ connection closed")
	return nil
}
