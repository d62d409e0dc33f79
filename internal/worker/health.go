package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/shaiso/workerkit/internal/breaker"
	"github.com/shaiso/workerkit/internal/mq"
)

// Status — состояние воркера.
type Status string

// Состояния воркера.
//
//	INITIALIZING → HEALTHY ⇄ DEGRADED → ERROR
//	HEALTHY/DEGRADED → STOPPED
const (
	StatusInitializing Status = "INITIALIZING"
	StatusHealthy      Status = "HEALTHY"
	StatusDegraded     Status = "DEGRADED"
	StatusError        Status = "ERROR"
	StatusStopped      Status = "STOPPED"
)

// HealthStatus — снимок состояния воркера.
type HealthStatus struct {
	Worker         string        `json:"worker"`
	Status         Status        `json:"status"`
	LastCheck      time.Time     `json:"last_check"`
	UptimeSeconds  float64       `json:"uptime_seconds"`
	ProcessedCount int64         `json:"processed_count"`
	FailedCount    int64         `json:"failed_count"`
	BreakerState   breaker.State `json:"breaker_state"`
}

// HealthKey возвращает ключ health-документа воркера в общем хранилище.
func HealthKey(worker string) string {
	return "worker:" + worker + ":health"
}

// Health возвращает текущий снимок состояния.
func (r *Runtime) Health() HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h := HealthStatus{
		Worker:         r.cfg.Name,
		Status:         r.status,
		LastCheck:      r.lastCheck,
		ProcessedCount: r.processed.Load(),
		FailedCount:    r.failed.Load(),
		BreakerState:   r.breaker.State(),
	}
	if !r.startedAt.IsZero() {
		h.UptimeSeconds = time.Since(r.startedAt).Seconds()
	}
	return h
}

// Status возвращает текущее состояние воркера.
func (r *Runtime) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// HealthHandler отдаёт снимок Health в JSON.
// ERROR и STOPPED отвечают 503, остальные состояния — 200.
func (r *Runtime) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		h := r.Health()

		code := http.StatusOK
		if h.Status == StatusError || h.Status == StatusStopped {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(h)
	})
}

// healthLoop каждые HealthCheckInterval обновляет и публикует health-документ.
func (r *Runtime) healthLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.HealthCheckInterval)
	defer ticker.Stop()

	// Первая проверка сразу при старте
	r.checkHealth(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.checkHealth(ctx)
		}
	}
}

// checkHealth отражает состояние breaker в статусе воркера.
// OPEN → DEGRADED, иначе HEALTHY. ERROR и STOPPED не меняются.
func (r *Runtime) checkHealth(ctx context.Context) {
	state := r.breaker.State()
	r.metrics.SetBreakerState(state.Gauge())

	r.mu.Lock()
	r.lastCheck = time.Now()
	switch r.status {
	case StatusError, StatusStopped:
	default:
		if state == breaker.StateOpen {
			r.status = StatusDegraded
		} else {
			r.status = StatusHealthy
		}
	}
	r.mu.Unlock()

	r.publishHealth(ctx)
}

// publishHealth пишет health-документ в хранилище с TTL 2×HealthCheckInterval,
// чтобы запись упавшего воркера истекла сама.
func (r *Runtime) publishHealth(ctx context.Context) {
	if r.store == nil {
		return
	}

	data, err := json.Marshal(r.Health())
	if err != nil {
		r.logger.Error("failed to encode health status", "error", err)
		return
	}

	key := HealthKey(r.cfg.Name)
	if err := r.store.Set(ctx, key, data, 2*r.cfg.HealthCheckInterval).Err(); err != nil {
		r.logger.Warn("failed to publish health status", "key", key, "error", err)
	}
}

// metricsLoop каждые MetricsInterval опрашивает глубину входных очередей
// и их dead-letter очередей.
func (r *Runtime) metricsLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.MetricsInterval)
	defer ticker.Stop()

	r.sampleQueues(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.sampleQueues(ctx)
		}
	}
}

func (r *Runtime) sampleQueues(ctx context.Context) {
	for _, input := range r.cfg.InputQueues {
		for _, queue := range []string{input, mq.DeadLetterQueue(input)} {
			depth, err := r.broker.QueueDepth(ctx, queue)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Warn("failed to sample queue depth", "queue", queue, "error", err)
				}
				continue
			}
			r.metrics.SetQueueDepth(queue, depth)
		}
	}
}
