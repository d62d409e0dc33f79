// Workerkit — воркер-потребитель очередей RabbitMQ.
//
// Worker:
//   - Получает задачи из входных очередей
//   - Выполняет шаг по полю "type" (http, delay, transform)
//   - Публикует результат в выходные очереди, ошибки — в <queue>_dlq
//   - Публикует health в Redis и метрики на /metrics
//
// Workers масштабируются горизонтально: лимитер и кэш общие через Redis.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/shaiso/workerkit/internal/config"
	"github.com/shaiso/workerkit/internal/mq"
	"github.com/shaiso/workerkit/internal/steps"
	"github.com/shaiso/workerkit/internal/store"
	"github.com/shaiso/workerkit/internal/telemetry"
	"github.com/shaiso/workerkit/internal/worker"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger.Info("starting workerkit", "worker", cfg.Worker.Name)

	topology := mq.Topology{
		Inputs:  cfg.Worker.InputQueues,
		Outputs: cfg.Worker.OutputQueues,
	}

	wcfg := worker.Config{
		Name:                cfg.Worker.Name,
		InputQueues:         cfg.Worker.InputQueues,
		OutputQueues:        cfg.Worker.OutputQueues,
		FailureThreshold:    cfg.Worker.FailureThreshold,
		RecoveryTimeout:     cfg.Worker.RecoveryTimeout,
		HealthCheckInterval: cfg.Worker.HealthCheckInterval,
		MetricsInterval:     cfg.Worker.MetricsInterval,
		Processor:           steps.NewRouter(steps.DefaultRegistry(), cfg.Worker.DefaultStep),
		DialBroker: func(context.Context) (worker.Broker, error) {
			b, err := mq.Dial(cfg.RabbitMQURL, topology, cfg.Worker.Name, logger)
			if err != nil {
				return nil, err
			}
			return b, nil
		},
		RateLimit:           cfg.RateLimitConfig(),
		RateLimitProcessing: cfg.Worker.RateLimitProcessing,
		Cache:               cfg.CacheConfig(),
		Registerer:          prometheus.DefaultRegisterer,
		Logger:              logger,
	}
	if cfg.RedisURL != "" {
		wcfg.DialStore = func(ctx context.Context) (*redis.Client, error) {
			return store.Connect(ctx, store.Options{URL: cfg.RedisURL})
		}
	} else {
		logger.Warn("REDIS_URL not set, rate limiter and cache are process-local")
	}

	rt, err := worker.New(wcfg)
	if err != nil {
		logger.Error("invalid worker config", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.Handle("/healthz", rt.HealthHandler())
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			_ = rt.Shutdown()
		}
	}()

	// Run блокируется до сигнала или фатальной ошибки
	runErr := rt.Run(context.Background())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown failed", "error", err)
	}
	cancel()

	if runErr != nil {
		logger.Error("worker failed", "error", runErr)
		os.Exit(1)
	}
	logger.Info("workerkit stopped")
}
