package worker

import (
	"context"
	"log/slog"

	"github.com/shaiso/workerkit/internal/cache"
	"github.com/shaiso/workerkit/internal/mq"
	"github.com/shaiso/workerkit/internal/ratelimit"
)

// Processor — доменная логика, которую обслуживает Runtime.
//
// Process вызывается для каждого сообщения под защитой circuit breaker.
// Возвращённое значение кодируется в JSON и публикуется во все выходные
// очереди. Ошибка отправляет сообщение в dead-letter очередь; её вид
// (см. ErrorKind) попадает в error_type.
//
// ctx не отменяется при остановке runtime: shutdown дожидается
// текущего вызова.
type Processor interface {
	Process(ctx context.Context, job *Job) (any, error)
}

// ProcessorFunc — адаптер функции к Processor.
type ProcessorFunc func(ctx context.Context, job *Job) (any, error)

// Process вызывает f(ctx, job).
func (f ProcessorFunc) Process(ctx context.Context, job *Job) (any, error) {
	return f(ctx, job)
}

// Job — одно сообщение и ресурсы runtime, доступные доменной логике.
type Job struct {
	// Envelope — распарсенное сообщение.
	Envelope *Envelope

	// Logger — логгер с task_id, queue и worker.
	Logger *slog.Logger

	// Limiter — лимитер runtime (nil, если выключен).
	Limiter *ratelimit.Limiter

	// Cache — кэш runtime.
	Cache *cache.Manager
}

// Payload — сокращение для Envelope.Payload.
func (j *Job) Payload() map[string]any {
	return j.Envelope.Payload
}

// Broker — транспорт сообщений. Реализация: *mq.Broker.
type Broker interface {
	// Consume вызывает handler для каждого сообщения queue, держа не больше
	// prefetch неподтверждённых, до отмены ctx. Ошибка после запуска
	// означает потерю брокера.
	Consume(ctx context.Context, queue string, prefetch int, handler mq.Handler) error

	// Publish публикует body в queue.
	Publish(ctx context.Context, queue string, body []byte) error

	// QueueDepth возвращает число готовых сообщений в queue.
	QueueDepth(ctx context.Context, queue string) (int, error)

	// Close закрывает соединение.
	Close() error
}
