package worker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/workerkit/internal/mq"
)

// fakeAck — Acknowledger, который запоминает решение по сообщению.
type fakeAck struct {
	mu       sync.Mutex
	acked    bool
	rejected bool
	requeue  bool
	once     sync.Once
	done     chan struct{}
}

func newFakeAck() *fakeAck {
	return &fakeAck{done: make(chan struct{})}
}

func (a *fakeAck) Ack() error {
	a.mu.Lock()
	a.acked = true
	a.mu.Unlock()
	a.once.Do(func() { close(a.done) })
	return nil
}

func (a *fakeAck) Reject(requeue bool) error {
	a.mu.Lock()
	a.rejected = true
	a.requeue = requeue
	a.mu.Unlock()
	a.once.Do(func() { close(a.done) })
	return nil
}

func (a *fakeAck) Acked() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acked
}

func (a *fakeAck) wait(t *testing.T) {
	t.Helper()
	select {
	case <-a.done:
	case <-time.After(3 * time.Second):
		t.Fatal("message was neither acked nor rejected")
	}
}

// fakeBroker — Broker в памяти.
type fakeBroker struct {
	mu         sync.Mutex
	queues     map[string]chan *mq.Delivery
	published  map[string][][]byte
	publishErr map[string]error
	depth      map[string]int
	prefetch   map[string]int
	closed     bool

	lost chan error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		queues:     make(map[string]chan *mq.Delivery),
		published:  make(map[string][][]byte),
		publishErr: make(map[string]error),
		depth:      make(map[string]int),
		prefetch:   make(map[string]int),
		lost:       make(chan error, 1),
	}
}

func (b *fakeBroker) queue(name string) chan *mq.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.queues[name]
	if !ok {
		ch = make(chan *mq.Delivery, 64)
		b.queues[name] = ch
	}
	return ch
}

func (b *fakeBroker) Consume(ctx context.Context, queue string, prefetch int, handler mq.Handler) error {
	b.mu.Lock()
	b.prefetch[queue] = prefetch
	b.mu.Unlock()

	deliveries := b.queue(queue)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-b.lost:
			return err
		case d := <-deliveries:
			handler(ctx, d)
		}
	}
}

func (b *fakeBroker) Publish(_ context.Context, queue string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.publishErr[queue]; err != nil {
		return err
	}
	b.published[queue] = append(b.published[queue], body)
	return nil
}

func (b *fakeBroker) QueueDepth(_ context.Context, queue string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.depth[queue], nil
}

func (b *fakeBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBroker) Published(queue string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.published[queue]...)
}

func (b *fakeBroker) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// deliver кладёт сообщение во входную очередь.
func (b *fakeBroker) deliver(queue, body string) *fakeAck {
	ack := newFakeAck()
	b.queue(queue) <- mq.NewDelivery(queue, queue, []byte(body), ack)
	return ack
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig — конфигурация с fake-брокером и отдельным registry.
func testConfig(b *fakeBroker, p Processor) Config {
	return Config{
		Name:         "test",
		InputQueues:  []string{"tasks"},
		OutputQueues: []string{"results"},
		Processor:    p,
		DialBroker: func(context.Context) (Broker, error) {
			return b, nil
		},
		Registerer: prometheus.NewRegistry(),
		Logger:     discardLogger(),
	}
}

// startRuntime запускает Run в фоне и ждёт, пока воркер начнёт принимать сообщения.
func startRuntime(t *testing.T, cfg Config) (*Runtime, <-chan error) {
	t.Helper()

	rt, err := New(cfg)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- rt.Run(context.Background()) }()

	require.Eventually(t, rt.running.Load, 2*time.Second, 5*time.Millisecond)
	t.Cleanup(func() { _ = rt.Shutdown() })

	return rt, errCh
}

func waitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func mqDelivery(queue, body string, ack mq.Acknowledger) *mq.Delivery {
	return mq.NewDelivery(queue, queue, []byte(body), ack)
}
