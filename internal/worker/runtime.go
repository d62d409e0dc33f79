package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/workerkit/internal/breaker"
	"github.com/shaiso/workerkit/internal/cache"
	"github.com/shaiso/workerkit/internal/ratelimit"
	"github.com/shaiso/workerkit/internal/telemetry"
)

// shutdownTimeout ограничивает финальную запись health-документа.
const shutdownTimeout = 5 * time.Second

// Runtime — жизненный цикл воркера-потребителя очередей.
//
// Runtime:
//   - Подключается к брокеру и (опционально) к общему хранилищу
//   - Читает каждую входную очередь с prefetch 1
//   - Вызывает Processor под защитой circuit breaker
//   - Публикует результаты в выходные очереди, ошибки — в <queue>_dlq
//   - Периодически публикует health-документ и глубину очередей
//   - Останавливается по SIGINT/SIGTERM, отмене ctx или Shutdown
type Runtime struct {
	cfg        Config
	logger     *slog.Logger
	metrics    *telemetry.WorkerMetrics
	breaker    *breaker.Breaker
	tracer     trace.Tracer
	instanceID string

	// Ресурсы, созданные в connect
	broker  Broker
	store   *redis.Client
	limiter *ratelimit.Limiter
	cache   *cache.Manager

	// Состояние
	mu        sync.RWMutex
	status    Status
	startedAt time.Time
	lastCheck time.Time
	started   bool
	stopped   bool
	fatalErr  error
	running   atomic.Bool
	processed atomic.Int64
	failed    atomic.Int64

	// Lifecycle
	cancelFunc   context.CancelFunc
	consumers    sync.WaitGroup
	loops        *errgroup.Group
	done         chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// New создаёт Runtime. Метрики регистрируются сразу.
func New(cfg Config) (*Runtime, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	metrics, err := telemetry.NewWorkerMetrics(cfg.Registerer, cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	instanceID := uuid.NewString()
	logger := telemetry.WithWorker(cfg.Logger, cfg.Name, instanceID)

	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		breaker: breaker.New(breaker.Config{
			Name:             cfg.Name,
			FailureThreshold: cfg.FailureThreshold,
			RecoveryTimeout:  cfg.RecoveryTimeout,
		}, logger),
		tracer:     otel.Tracer("workerkit/worker"),
		instanceID: instanceID,
		status:     StatusInitializing,
		done:       make(chan struct{}),
	}, nil
}

// Config возвращает копию конфигурации.
func (r *Runtime) Config() Config {
	cfg := r.cfg
	cfg.InputQueues = append([]string(nil), r.cfg.InputQueues...)
	cfg.OutputQueues = append([]string(nil), r.cfg.OutputQueues...)
	return cfg
}

// Limiter возвращает лимитер (nil до connect или если выключен).
func (r *Runtime) Limiter() *ratelimit.Limiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiter
}

// Cache возвращает кэш (nil до connect).
func (r *Runtime) Cache() *cache.Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cache
}

// Done закрывается после завершения Shutdown.
func (r *Runtime) Done() <-chan struct{} {
	return r.done
}

// Run запускает воркер и блокируется до остановки.
//
// Повторный вызов во время работы ждёт остановки и возвращает nil.
// Вызов после остановки возвращает ErrStopped.
//
// Возвращает ошибку подключения или фатальную ошибку брокера;
// штатная остановка (сигнал, отмена ctx, Shutdown) возвращает nil.
func (r *Runtime) Run(ctx context.Context) error {
	r.mu.Lock()
	switch {
	case r.stopped:
		r.mu.Unlock()
		return ErrStopped
	case r.started:
		r.mu.Unlock()
		<-r.done
		return nil
	}
	r.started = true
	r.mu.Unlock()

	r.logger.Info("starting worker",
		"input_queues", r.cfg.InputQueues,
		"output_queues", r.cfg.OutputQueues,
		"failure_threshold", r.cfg.FailureThreshold,
		"recovery_timeout", r.cfg.RecoveryTimeout,
	)

	// 1. Подключаемся
	res, err := r.connect(ctx)
	if err != nil {
		r.logger.Error("failed to connect", "error", err)
		r.fail(err)
		_ = r.Shutdown()
		return err
	}

	// 2. Consumer'ы и фоновые задачи
	if err := r.start(ctx, res); err != nil {
		return err
	}

	// 3. Сигналы и отмена ctx → Shutdown
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		select {
		case <-sigCtx.Done():
			r.logger.Info("shutdown requested", "reason", context.Cause(sigCtx))
			_ = r.Shutdown()
		case <-r.done:
		}
	}()

	r.logger.Info("worker started")

	// 4. Ждём остановки
	<-r.done

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fatalErr
}

// resources — соединения и компоненты, созданные в connect.
type resources struct {
	broker  Broker
	store   *redis.Client
	limiter *ratelimit.Limiter
	cache   *cache.Manager
}

func (res *resources) close() error {
	var errs []error
	if res.broker != nil {
		if err := res.broker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close broker: %w", err))
		}
	}
	if res.store != nil {
		if err := res.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// connect подключает брокер, хранилище и создаёт лимитер и кэш.
// При ошибке уже открытые соединения закрываются, повторных попыток нет.
func (r *Runtime) connect(ctx context.Context) (*resources, error) {
	res := &resources{}

	var err error
	if res.broker, err = r.cfg.DialBroker(ctx); err != nil {
		return nil, fmt.Errorf("connect broker: %w", err)
	}

	if r.cfg.DialStore != nil {
		if res.store, err = r.cfg.DialStore(ctx); err != nil {
			_ = res.close()
			return nil, fmt.Errorf("connect store: %w", err)
		}
	}

	if r.cfg.RateLimit.Enabled() {
		if res.limiter, err = ratelimit.New(r.cfg.RateLimit, res.store, r.logger); err != nil {
			_ = res.close()
			return nil, fmt.Errorf("create rate limiter: %w", err)
		}
	}

	res.cache = cache.New(r.cfg.Cache, res.store, r.logger)

	r.logger.Info("connected",
		"shared_store", res.store != nil,
		"rate_limit", res.limiter != nil,
	)

	return res, nil
}

// start запускает consumer'ы и фоновые задачи. Если Shutdown успел
// начаться во время connect, закрывает соединения и возвращает ErrStopped.
func (r *Runtime) start(ctx context.Context, res *resources) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		_ = res.close()
		return ErrStopped
	}

	r.broker = res.broker
	r.store = res.store
	r.limiter = res.limiter
	r.cache = res.cache

	// Consumer'ы и фоновые задачи не наследуют отмену ctx:
	// их останавливает Shutdown.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancelFunc = cancel

	r.startedAt = time.Now()
	r.status = StatusHealthy
	r.running.Store(true)

	for _, queue := range r.cfg.InputQueues {
		r.consumers.Add(1)
		go func() {
			defer r.consumers.Done()
			r.consume(runCtx, queue)
		}()
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return r.healthLoop(gctx) })
	g.Go(func() error { return r.metricsLoop(gctx) })
	r.loops = g

	return nil
}

// consume читает одну очередь. Ошибка брокера во время работы фатальна.
func (r *Runtime) consume(ctx context.Context, queue string) {
	err := r.broker.Consume(ctx, queue, prefetch, r.handle)
	if err == nil || ctx.Err() != nil || !r.running.Load() {
		return
	}

	r.logger.Error("consumer failed", "queue", queue, "error", err)
	r.fail(fmt.Errorf("consume %s: %w", queue, err))

	// Shutdown ждёт consumer'ов, поэтому вызывается асинхронно
	go r.Shutdown()
}

// fail переводит воркер в ERROR и запоминает первую фатальную ошибку.
func (r *Runtime) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.status = StatusError
	if r.fatalErr == nil {
		r.fatalErr = err
	}
}

// Shutdown останавливает воркер.
//
//  1. Перестаёт принимать новые сообщения
//  2. Останавливает consumer'ы и фоновые задачи
//  3. Дожидается текущих обработчиков (не больше одного на очередь)
//  4. Публикует финальный health-документ
//  5. Закрывает брокер, затем хранилище
//
// Повторный вызов — no-op.
func (r *Runtime) Shutdown() error {
	r.shutdownOnce.Do(func() {
		r.shutdownErr = r.shutdown()
	})
	return r.shutdownErr
}

func (r *Runtime) shutdown() error {
	defer close(r.done)

	r.mu.Lock()
	r.stopped = true
	cancel := r.cancelFunc
	loops := r.loops
	r.mu.Unlock()

	r.running.Store(false)

	r.logger.Info("stopping worker...")

	// 1. Останавливаем consumer'ы и фоновые задачи
	if cancel != nil {
		cancel()
	}
	r.consumers.Wait()
	if loops != nil {
		if err := loops.Wait(); err != nil {
			r.logger.Warn("background task failed", "error", err)
		}
	}

	// 2. Финальный health-документ
	r.mu.Lock()
	if r.status != StatusError {
		r.status = StatusStopped
	}
	r.lastCheck = time.Now()
	r.mu.Unlock()

	ctx, cancelWrite := context.WithTimeout(context.Background(), shutdownTimeout)
	r.publishHealth(ctx)
	cancelWrite()

	// 3. Закрываем соединения: брокер, затем хранилище
	r.mu.RLock()
	res := &resources{broker: r.broker, store: r.store}
	r.mu.RUnlock()
	err := res.close()

	r.logger.Info("worker stopped",
		"status", r.Status(),
		"processed", r.processed.Load(),
		"failed", r.failed.Load(),
	)

	return err
}
