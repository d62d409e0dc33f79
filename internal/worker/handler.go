package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shaiso/workerkit/internal/breaker"
	"github.com/shaiso/workerkit/internal/mq"
	"github.com/shaiso/workerkit/internal/telemetry"
)

// handle обрабатывает одну доставку.
//
//  1. Если воркер остановлен — reject с requeue, без ack
//  2. Parse → Envelope, task_id в логгер и span
//  3. Ожидание лимитера (если RateLimitProcessing)
//  4. Process под circuit breaker
//  5. Успех → результат во все выходные очереди
//  6. Ошибка → одна запись в <queue>_dlq
//  7. Ack в любом случае
func (r *Runtime) handle(ctx context.Context, d *mq.Delivery) {
	if !r.running.Load() {
		if err := d.Reject(true); err != nil {
			r.logger.Warn("failed to requeue message", "queue", d.Queue, "error", err)
		}
		return
	}

	// Отмена consumer'а не прерывает начатую обработку
	ctx = context.WithoutCancel(ctx)

	r.metrics.TaskStarted()
	defer r.metrics.TaskFinished()

	start := time.Now()

	env, err := ParseEnvelope(d)

	logger := telemetry.WithQueue(telemetry.WithTaskID(r.logger, env.TaskID), d.Queue)
	ctx = telemetry.WithLogger(ctx, logger)

	ctx, span := r.tracer.Start(ctx, "worker.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", d.Queue),
			attribute.String("worker.task_id", env.TaskID),
		),
	)
	defer span.End()

	var body []byte
	if err == nil {
		body, err = r.process(ctx, env, logger)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, ErrorKind(err))
		r.deadLetter(ctx, d, err, logger)
	} else {
		span.SetStatus(codes.Ok, "")
		r.processed.Add(1)
		r.metrics.RecordSuccess(time.Since(start))
		r.publishResult(ctx, body, logger)

		logger.Info("message processed", "duration", time.Since(start))
	}

	if err := d.Ack(); err != nil {
		logger.Error("failed to ack message", "error", err)
	}
}

// process вызывает Processor и кодирует результат.
func (r *Runtime) process(ctx context.Context, env *Envelope, logger *slog.Logger) ([]byte, error) {
	if r.cfg.RateLimitProcessing && r.limiter != nil {
		waited, err := r.limiter.Wait(ctx, env.Queue)
		if err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
		if waited > 0 {
			logger.Debug("rate limited", "waited", waited)
		}
	}

	job := &Job{
		Envelope: env,
		Logger:   logger,
		Limiter:  r.limiter,
		Cache:    r.cache,
	}

	result, err := r.breaker.Call(func() (result any, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = &TaskError{Kind: KindPanic, Err: fmt.Errorf("panic: %v", p)}
			}
		}()
		return r.cfg.Processor.Process(ctx, job)
	})
	r.metrics.SetBreakerState(r.breaker.State().Gauge())

	if errors.Is(err, breaker.ErrOpen) {
		return nil, &TaskError{Kind: KindCircuitOpen, Err: err}
	}
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(result)
	if err != nil {
		return nil, &TaskError{Kind: KindEncode, Err: fmt.Errorf("encode result: %w", err)}
	}
	return body, nil
}

// publishResult публикует результат во все выходные очереди.
// Ошибка одной очереди не мешает остальным.
func (r *Runtime) publishResult(ctx context.Context, body []byte, logger *slog.Logger) {
	for _, queue := range r.cfg.OutputQueues {
		if err := r.broker.Publish(ctx, queue, body); err != nil {
			logger.Error("failed to publish result", "output_queue", queue, "error", err)
		}
	}
}

// deadLetter учитывает ошибку и публикует одну запись в <queue>_dlq.
func (r *Runtime) deadLetter(ctx context.Context, d *mq.Delivery, cause error, logger *slog.Logger) {
	r.failed.Add(1)
	r.metrics.RecordFailure(d.Queue)

	record := newDeadLetter(r.cfg.Name, d, cause, time.Now())

	logger.Warn("message failed",
		"error", cause,
		"error_type", record.ErrorType,
	)

	body, err := json.Marshal(record)
	if err != nil {
		logger.Error("failed to encode dead-letter record", "error", err)
		return
	}

	dlq := mq.DeadLetterQueue(d.Queue)
	if err := r.broker.Publish(ctx, dlq, body); err != nil {
		logger.Error("failed to publish dead-letter record", "dlq", dlq, "error", err)
	}
}
