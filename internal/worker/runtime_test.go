package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/workerkit/internal/breaker"
	"github.com/shaiso/workerkit/internal/ratelimit"
)

// ValueError — доменная ошибка с собственным типом.
type ValueError struct {
	msg string
}

func (e ValueError) Error() string { return e.msg }

func okProcessor() ProcessorFunc {
	return func(context.Context, *Job) (any, error) {
		return map[string]any{"ok": true}, nil
	}
}

func decodeDeadLetter(t *testing.T, body []byte) DeadLetterRecord {
	t.Helper()

	var rec DeadLetterRecord
	require.NoError(t, json.Unmarshal(body, &rec))
	return rec
}

func TestNew_Validation(t *testing.T) {
	b := newFakeBroker()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"no input queues", func(c *Config) { c.InputQueues = nil }, ErrNoInputQueues},
		{"no processor", func(c *Config) { c.Processor = nil }, ErrNoProcessor},
		{"no broker", func(c *Config) { c.DialBroker = nil }, ErrNoBroker},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(b, okProcessor())
			tt.mutate(&cfg)

			_, err := New(cfg)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	cfg := testConfig(newFakeBroker(), okProcessor())
	queues := cfg.InputQueues

	rt, err := New(cfg)
	require.NoError(t, err)

	got := rt.Config()
	assert.Equal(t, uint32(5), got.FailureThreshold)
	assert.Equal(t, 60*time.Second, got.RecoveryTimeout)
	assert.Equal(t, 30*time.Second, got.HealthCheckInterval)
	assert.Equal(t, 60*time.Second, got.MetricsInterval)
	assert.Equal(t, StatusInitializing, rt.Status())

	// Конфигурация скопирована
	queues[0] = "mutated"
	assert.Equal(t, []string{"tasks"}, rt.Config().InputQueues)
}

func TestRuntime_SuccessPublishesResult(t *testing.T) {
	b := newFakeBroker()
	rt, _ := startRuntime(t, testConfig(b, okProcessor()))

	ack := b.deliver("tasks", `{"task_id":"t1"}`)
	ack.wait(t)

	assert.True(t, ack.Acked())
	require.Len(t, b.Published("results"), 1)
	assert.JSONEq(t, `{"ok":true}`, string(b.Published("results")[0]))
	assert.Empty(t, b.Published("tasks_dlq"))

	assert.Equal(t, 1.0, testutil.ToFloat64(rt.metrics.Processed.WithLabelValues("success")))
	assert.Equal(t, 0.0, testutil.ToFloat64(rt.metrics.Processed.WithLabelValues("error")))

	var m dto.Metric
	require.NoError(t, rt.metrics.ProcessingTime.(prometheus.Metric).Write(&m))
	assert.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())

	assert.Equal(t, int64(1), rt.Health().ProcessedCount)
	assert.Equal(t, 1, b.prefetch["tasks"], "one in-flight message per queue")
}

func TestRuntime_FailureIsDeadLettered(t *testing.T) {
	b := newFakeBroker()
	rt, _ := startRuntime(t, testConfig(b, ProcessorFunc(func(context.Context, *Job) (any, error) {
		return nil, ValueError{msg: "bad input"}
	})))

	ack := b.deliver("tasks", `{"task_id":"t2","n":1}`)
	ack.wait(t)

	assert.True(t, ack.Acked(), "failed message is still acknowledged")
	assert.Empty(t, b.Published("results"))

	dlq := b.Published("tasks_dlq")
	require.Len(t, dlq, 1)

	got := decodeDeadLetter(t, dlq[0])
	want := DeadLetterRecord{
		OriginalMessage: json.RawMessage(`{"task_id":"t2","n":1}`),
		Error:           "bad input",
		ErrorType:       "ValueError",
		Worker:          "test",
		Queue:           "tasks",
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(DeadLetterRecord{}, "Timestamp")); diff != "" {
		t.Errorf("dead-letter record mismatch (-want +got):\n%s", diff)
	}

	_, err := time.Parse(time.RFC3339, got.Timestamp)
	assert.NoError(t, err, "timestamp must be RFC 3339")

	assert.Equal(t, 1.0, testutil.ToFloat64(rt.metrics.Processed.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rt.metrics.DeadLetters.WithLabelValues("tasks")))
	assert.Equal(t, int64(1), rt.Health().FailedCount)
}

func TestRuntime_ExplicitErrorKind(t *testing.T) {
	b := newFakeBroker()
	startRuntime(t, testConfig(b, ProcessorFunc(func(context.Context, *Job) (any, error) {
		return nil, Errorf("ValueError", "bad input")
	})))

	b.deliver("tasks", `{"task_id":"t3"}`).wait(t)

	rec := decodeDeadLetter(t, b.Published("tasks_dlq")[0])
	assert.Equal(t, "ValueError", rec.ErrorType)
	assert.Equal(t, "bad input", rec.Error)
}

func TestRuntime_DecodeError(t *testing.T) {
	var calls atomic.Int32
	b := newFakeBroker()
	startRuntime(t, testConfig(b, ProcessorFunc(func(context.Context, *Job) (any, error) {
		calls.Add(1)
		return nil, nil
	})))

	ack := b.deliver("tasks", `not json`)
	ack.wait(t)
	ack2 := b.deliver("tasks", `[1,2]`)
	ack2.wait(t)

	assert.True(t, ack.Acked())
	assert.Equal(t, int32(0), calls.Load(), "processor must not see undecodable messages")

	dlq := b.Published("tasks_dlq")
	require.Len(t, dlq, 2)

	rec := decodeDeadLetter(t, dlq[0])
	assert.Equal(t, KindDecode, rec.ErrorType)
	assert.JSONEq(t, `"not json"`, string(rec.OriginalMessage))

	assert.Equal(t, KindDecode, decodeDeadLetter(t, dlq[1]).ErrorType)
}

func TestRuntime_PanicIsDeadLettered(t *testing.T) {
	b := newFakeBroker()
	startRuntime(t, testConfig(b, ProcessorFunc(func(context.Context, *Job) (any, error) {
		panic("boom")
	})))

	b.deliver("tasks", `{"task_id":"t4"}`).wait(t)

	rec := decodeDeadLetter(t, b.Published("tasks_dlq")[0])
	assert.Equal(t, KindPanic, rec.ErrorType)
	assert.Equal(t, "panic: boom", rec.Error)
}

func TestRuntime_PublishErrorIsolatedPerQueue(t *testing.T) {
	b := newFakeBroker()
	b.publishErr["broken"] = errors.New("channel closed")

	cfg := testConfig(b, okProcessor())
	cfg.OutputQueues = []string{"broken", "results"}
	startRuntime(t, cfg)

	ack := b.deliver("tasks", `{"task_id":"t5"}`)
	ack.wait(t)

	assert.True(t, ack.Acked())
	assert.Len(t, b.Published("results"), 1)
	assert.Empty(t, b.Published("tasks_dlq"), "publish errors are not processing failures")
}

func TestRuntime_CircuitBreaker(t *testing.T) {
	var (
		calls   atomic.Int32
		failing atomic.Bool
	)
	failing.Store(true)

	b := newFakeBroker()
	cfg := testConfig(b, ProcessorFunc(func(context.Context, *Job) (any, error) {
		calls.Add(1)
		if failing.Load() {
			return nil, errors.New("downstream unavailable")
		}
		return "ok", nil
	}))
	cfg.FailureThreshold = 3
	cfg.RecoveryTimeout = 200 * time.Millisecond
	rt, _ := startRuntime(t, cfg)

	// 1. Три ошибки подряд открывают breaker
	for i := 0; i < 3; i++ {
		b.deliver("tasks", `{"task_id":"f"}`).wait(t)
	}
	assert.Equal(t, breaker.StateOpen, rt.Health().BreakerState)

	rt.checkHealth(context.Background())
	assert.Equal(t, StatusDegraded, rt.Status())

	// 2. Следующее сообщение уходит в DLQ без вызова Process
	ack := b.deliver("tasks", `{"task_id":"skipped"}`)
	ack.wait(t)

	assert.True(t, ack.Acked())
	assert.Equal(t, int32(3), calls.Load())

	dlq := b.Published("tasks_dlq")
	require.Len(t, dlq, 4)
	rec := decodeDeadLetter(t, dlq[3])
	assert.Equal(t, KindCircuitOpen, rec.ErrorType)

	// 3. После RecoveryTimeout пробный вызов закрывает breaker
	time.Sleep(250 * time.Millisecond)
	failing.Store(false)

	b.deliver("tasks", `{"task_id":"trial"}`).wait(t)

	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, breaker.StateClosed, rt.Health().BreakerState)
	assert.Len(t, b.Published("results"), 1)

	rt.checkHealth(context.Background())
	assert.Equal(t, StatusHealthy, rt.Status())
}

func TestRuntime_ShutdownWaitsForInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	b := newFakeBroker()
	rt, errCh := startRuntime(t, testConfig(b, ProcessorFunc(func(context.Context, *Job) (any, error) {
		close(started)
		<-release
		return "done", nil
	})))

	ack := b.deliver("tasks", `{"task_id":"slow"}`)
	<-started

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- rt.Shutdown() }()

	select {
	case <-shutdownDone:
		t.Fatal("Shutdown returned while a message was in flight")
	case <-time.After(100 * time.Millisecond):
	}
	assert.False(t, ack.Acked())

	close(release)

	select {
	case err := <-shutdownDone:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Shutdown did not return")
	}

	assert.True(t, ack.Acked(), "in-flight message is acknowledged before Shutdown returns")
	assert.Len(t, b.Published("results"), 1)
	assert.True(t, b.Closed())
	assert.Equal(t, StatusStopped, rt.Status())
	assert.NoError(t, waitRun(t, errCh))

	// После остановки сообщения не подтверждаются, а возвращаются в очередь
	late := newFakeAck()
	rt.handle(context.Background(), mqDelivery("tasks", `{"task_id":"late"}`, late))
	assert.False(t, late.Acked())
	assert.True(t, late.rejected)
	assert.True(t, late.requeue)

	// Повторный Shutdown — no-op, Run после остановки — ErrStopped
	assert.NoError(t, rt.Shutdown())
	assert.ErrorIs(t, rt.Run(context.Background()), ErrStopped)
}

func TestRuntime_RunIsIdempotent(t *testing.T) {
	b := newFakeBroker()
	rt, errCh := startRuntime(t, testConfig(b, okProcessor()))

	second := make(chan error, 1)
	go func() { second <- rt.Run(context.Background()) }()

	select {
	case <-second:
		t.Fatal("second Run must block while the worker is running")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, rt.Shutdown())
	assert.NoError(t, waitRun(t, second))
	assert.NoError(t, waitRun(t, errCh))
}

func TestRuntime_ContextCancelStops(t *testing.T) {
	b := newFakeBroker()
	rt, err := New(testConfig(b, okProcessor()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- rt.Run(ctx) }()

	require.Eventually(t, rt.running.Load, 2*time.Second, 5*time.Millisecond)
	cancel()

	assert.NoError(t, waitRun(t, errCh))
	assert.Equal(t, StatusStopped, rt.Status())
	assert.True(t, b.Closed())
}

func TestRuntime_ConnectFailure(t *testing.T) {
	dialErr := errors.New("connection refused")

	cfg := testConfig(newFakeBroker(), okProcessor())
	cfg.DialBroker = func(context.Context) (Broker, error) { return nil, dialErr }

	rt, err := New(cfg)
	require.NoError(t, err)

	err = rt.Run(context.Background())
	assert.ErrorIs(t, err, dialErr)
	assert.Equal(t, StatusError, rt.Status())
	assert.ErrorIs(t, rt.Run(context.Background()), ErrStopped)
}

func TestRuntime_StoreFailureClosesBroker(t *testing.T) {
	b := newFakeBroker()
	storeErr := errors.New("redis down")

	cfg := testConfig(b, okProcessor())
	cfg.DialStore = func(context.Context) (*redis.Client, error) { return nil, storeErr }

	rt, err := New(cfg)
	require.NoError(t, err)

	assert.ErrorIs(t, rt.Run(context.Background()), storeErr)
	assert.Equal(t, StatusError, rt.Status())
	assert.True(t, b.Closed())
}

func TestRuntime_BrokerLossIsFatal(t *testing.T) {
	b := newFakeBroker()
	rt, errCh := startRuntime(t, testConfig(b, okProcessor()))

	lostErr := errors.New("deliveries channel closed")
	b.lost <- lostErr

	err := waitRun(t, errCh)
	assert.ErrorIs(t, err, lostErr)
	assert.Equal(t, StatusError, rt.Status())
	assert.True(t, b.Closed())
}

func TestRuntime_HealthDocument(t *testing.T) {
	mr := miniredis.RunT(t)

	b := newFakeBroker()
	cfg := testConfig(b, okProcessor())
	cfg.HealthCheckInterval = time.Second
	cfg.DialStore = func(context.Context) (*redis.Client, error) {
		return redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil
	}
	rt, _ := startRuntime(t, cfg)

	key := HealthKey("test")
	require.Eventually(t, func() bool { return mr.Exists(key) }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 2*time.Second, mr.TTL(key))

	raw, err := mr.Get(key)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	assert.Equal(t, "test", doc["worker"])
	assert.Equal(t, "HEALTHY", doc["status"])
	assert.Equal(t, "CLOSED", doc["breaker_state"])
	for _, field := range []string{"last_check", "uptime_seconds", "processed_count", "failed_count"} {
		assert.Contains(t, doc, field)
	}

	// Limiter и кэш на общем хранилище
	assert.True(t, rt.Cache().Shared())

	// Финальный документ — STOPPED
	require.NoError(t, rt.Shutdown())

	raw, err = mr.Get(key)
	require.NoError(t, err)
	var final HealthStatus
	require.NoError(t, json.Unmarshal([]byte(raw), &final))
	assert.Equal(t, StatusStopped, final.Status)
}

func TestRuntime_HealthHandler(t *testing.T) {
	b := newFakeBroker()
	rt, _ := startRuntime(t, testConfig(b, okProcessor()))

	get := func() (int, HealthStatus) {
		rec := httptest.NewRecorder()
		rt.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		var h HealthStatus
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
		return rec.Code, h
	}

	code, h := get()
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusHealthy, h.Status)

	require.NoError(t, rt.Shutdown())

	code, h = get()
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, StatusStopped, h.Status)
}

func TestRuntime_QueueDepthMetrics(t *testing.T) {
	b := newFakeBroker()
	b.depth["tasks"] = 7
	b.depth["tasks_dlq"] = 2

	rt, _ := startRuntime(t, testConfig(b, okProcessor()))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(rt.metrics.QueueDepth.WithLabelValues("tasks")) == 7
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(rt.metrics.QueueDepth.WithLabelValues("tasks_dlq")))
}

func TestRuntime_RateLimitedProcessing(t *testing.T) {
	var (
		stamps  = make(chan time.Time, 3)
		sawDeps atomic.Bool
	)

	b := newFakeBroker()
	cfg := testConfig(b, ProcessorFunc(func(_ context.Context, job *Job) (any, error) {
		sawDeps.Store(job.Limiter != nil && job.Cache != nil && job.Logger != nil)
		stamps <- time.Now()
		return job.Payload(), nil
	}))
	cfg.RateLimit = ratelimit.Config{Rate: 2, Period: 300 * time.Millisecond}
	cfg.RateLimitProcessing = true
	rt, _ := startRuntime(t, cfg)

	for i := 0; i < 3; i++ {
		b.deliver("tasks", `{"task_id":"r"}`)
	}

	first := <-stamps
	<-stamps
	third := <-stamps

	assert.GreaterOrEqual(t, third.Sub(first), 250*time.Millisecond)
	assert.True(t, sawDeps.Load())
	assert.False(t, rt.Limiter().Shared())
}
