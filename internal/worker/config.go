package worker

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/shaiso/workerkit/internal/cache"
	"github.com/shaiso/workerkit/internal/ratelimit"
)

// Значения конфигурации по умолчанию.
const (
	defaultFailureThreshold    = 5
	defaultRecoveryTimeout     = 60 * time.Second
	defaultHealthCheckInterval = 30 * time.Second
	defaultMetricsInterval     = 60 * time.Second

	// prefetch — неподтверждённых сообщений на очередь в одном процессе.
	prefetch = 1
)

// Config — конфигурация Runtime.
//
// Копируется в New и после этого не меняется.
type Config struct {
	// Name — имя воркера: метки метрик, ключ health-документа, записи DLQ.
	Name string

	// InputQueues — очереди, из которых читает воркер.
	InputQueues []string

	// OutputQueues — очереди, в которые публикуется результат Process.
	OutputQueues []string

	// FailureThreshold — ошибок подряд до открытия circuit breaker (default: 5).
	FailureThreshold uint32

	// RecoveryTimeout — сколько breaker открыт до пробного вызова (default: 60s).
	RecoveryTimeout time.Duration

	// HealthCheckInterval — период health loop (default: 30s).
	HealthCheckInterval time.Duration

	// MetricsInterval — период опроса глубины очередей (default: 60s).
	MetricsInterval time.Duration

	// Processor — доменная логика.
	Processor Processor

	// DialBroker подключается к брокеру.
	DialBroker func(ctx context.Context) (Broker, error)

	// DialStore подключается к общему хранилищу (опционально).
	// Без него лимитер и кэш локальны, health-документ не публикуется.
	DialStore func(ctx context.Context) (*redis.Client, error)

	// RateLimit — лимитер для Job.Limiter (выключен, если Rate == 0).
	RateLimit ratelimit.Config

	// RateLimitProcessing — ждать лимитер перед каждым Process
	// (identifier — имя очереди).
	RateLimitProcessing bool

	// Cache — конфигурация кэша для Job.Cache.
	Cache cache.Config

	// Registerer — куда регистрировать метрики (default: prometheus.DefaultRegisterer).
	Registerer prometheus.Registerer

	// Logger
	Logger *slog.Logger
}

// withDefaults возвращает копию конфигурации с заполненными значениями по умолчанию.
func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "worker"
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = defaultRecoveryTimeout
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = defaultHealthCheckInterval
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = defaultMetricsInterval
	}
	if c.RateLimit.Name == "" {
		c.RateLimit.Name = c.Name
	}
	if c.Registerer == nil {
		c.Registerer = prometheus.DefaultRegisterer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	c.InputQueues = slices.Clone(c.InputQueues)
	c.OutputQueues = slices.Clone(c.OutputQueues)

	return c
}

func (c Config) validate() error {
	switch {
	case len(c.InputQueues) == 0:
		return ErrNoInputQueues
	case c.Processor == nil:
		return ErrNoProcessor
	case c.DialBroker == nil:
		return ErrNoBroker
	}
	return nil
}
