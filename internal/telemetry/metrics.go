package telemetry

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Значения label status для worker_messages_processed_total.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// WorkerMetrics — Prometheus метрики runtime воркера.
//
// Метрики:
//   - worker_messages_processed_total{status} — обработанные сообщения (success/error)
//   - worker_processing_duration_seconds — время успешной обработки
//   - worker_active_tasks — сообщения в обработке прямо сейчас
//   - worker_queue_depth{queue} — глубина очередей по данным брокера
//   - worker_dead_letters_total{queue} — записи, отправленные в DLQ
//   - worker_circuit_breaker_state — 0 closed, 1 half-open, 2 open
//
// Все метрики несут const label worker.
type WorkerMetrics struct {
	Processed      *prometheus.CounterVec
	ProcessingTime prometheus.Histogram
	ActiveTasks    prometheus.Gauge
	QueueDepth     *prometheus.GaugeVec
	DeadLetters    *prometheus.CounterVec
	BreakerState   prometheus.Gauge
}

// NewWorkerMetrics создаёт метрики и регистрирует их в registerer.
// Если registerer == nil, используется prometheus.DefaultRegisterer.
// Повторная регистрация тех же метрик не считается ошибкой.
func NewWorkerMetrics(registerer prometheus.Registerer, worker string) (*WorkerMetrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	labels := prometheus.Labels{"worker": worker}

	m := &WorkerMetrics{
		Processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "worker_messages_processed_total",
			Help:        "Total number of processed messages by status (success/error)",
			ConstLabels: labels,
		}, []string{"status"}),

		ProcessingTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "worker_processing_duration_seconds",
			Help:        "Duration of successful message processing in seconds",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms .. ~10s
		}),

		ActiveTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "worker_active_tasks",
			Help:        "Number of messages currently being processed",
			ConstLabels: labels,
		}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "worker_queue_depth",
			Help:        "Number of ready messages in the queue as reported by the broker",
			ConstLabels: labels,
		}, []string{"queue"}),

		DeadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "worker_dead_letters_total",
			Help:        "Total number of dead-letter records published per input queue",
			ConstLabels: labels,
		}, []string{"queue"}),

		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "worker_circuit_breaker_state",
			Help:        "Circuit breaker state: 0 closed, 1 half-open, 2 open",
			ConstLabels: labels,
		}),
	}

	var err error
	if m.Processed, err = register(registerer, m.Processed); err != nil {
		return nil, err
	}
	if m.ProcessingTime, err = register(registerer, m.ProcessingTime); err != nil {
		return nil, err
	}
	if m.ActiveTasks, err = register(registerer, m.ActiveTasks); err != nil {
		return nil, err
	}
	if m.QueueDepth, err = register(registerer, m.QueueDepth); err != nil {
		return nil, err
	}
	if m.DeadLetters, err = register(registerer, m.DeadLetters); err != nil {
		return nil, err
	}
	if m.BreakerState, err = register(registerer, m.BreakerState); err != nil {
		return nil, err
	}

	return m, nil
}

// register регистрирует коллектор. Если такой уже зарегистрирован,
// возвращает существующий экземпляр.
func register[T prometheus.Collector](registerer prometheus.Registerer, c T) (T, error) {
	if err := registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// RecordSuccess фиксирует успешную обработку и её длительность.
func (m *WorkerMetrics) RecordSuccess(d time.Duration) {
	m.Processed.WithLabelValues(StatusSuccess).Inc()
	m.ProcessingTime.Observe(d.Seconds())
}

// RecordFailure фиксирует неудачную обработку сообщения из queue.
func (m *WorkerMetrics) RecordFailure(queue string) {
	m.Processed.WithLabelValues(StatusError).Inc()
	m.DeadLetters.WithLabelValues(queue).Inc()
}

// TaskStarted увеличивает gauge активных задач.
func (m *WorkerMetrics) TaskStarted() {
	m.ActiveTasks.Inc()
}

// TaskFinished уменьшает gauge активных задач.
func (m *WorkerMetrics) TaskFinished() {
	m.ActiveTasks.Dec()
}

// SetQueueDepth записывает глубину очереди.
func (m *WorkerMetrics) SetQueueDepth(queue string, depth int) {
	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// SetBreakerState записывает числовое состояние circuit breaker.
func (m *WorkerMetrics) SetBreakerState(state float64) {
	m.BreakerState.Set(state)
}
