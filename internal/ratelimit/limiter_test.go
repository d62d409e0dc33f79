package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock — управляемое время для локального окна.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return client, mr
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero rate", Config{Rate: 0, Period: time.Second}},
		{"zero period", Config{Rate: 1}},
		{"negative burst", Config{Rate: 1, Period: time.Second, Burst: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, nil, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}

func TestLimiter_Local_Check(t *testing.T) {
	l, err := New(Config{Name: "api", Rate: 3, Period: time.Second}, nil, nil)
	require.NoError(t, err)
	assert.False(t, l.Shared())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		assert.True(t, l.Check(ctx, "x"), "call %d should be allowed", i)
	}
	assert.False(t, l.Check(ctx, "x"), "4th call inside window should be denied")

	// Другой identifier — независимая квота
	assert.True(t, l.Check(ctx, "y"))
	assert.Equal(t, 2, l.Remaining(ctx, "y"))
	assert.Equal(t, 0, l.Remaining(ctx, "x"))
}

func TestLimiter_Local_WindowSlides(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}

	l, err := New(Config{Rate: 2, Period: time.Second}, nil, nil)
	require.NoError(t, err)
	l.now = clock.Now

	ctx := context.Background()
	require.True(t, l.Check(ctx, "x"))
	clock.Advance(400 * time.Millisecond)
	require.True(t, l.Check(ctx, "x"))
	require.False(t, l.Check(ctx, "x"))

	// Первая запись выходит из окна
	clock.Advance(601 * time.Millisecond)
	assert.Equal(t, 1, l.Remaining(ctx, "x"))
	assert.True(t, l.Check(ctx, "x"))
	assert.False(t, l.Check(ctx, "x"))
}

func TestLimiter_Local_NeverExceedsRateInTrailingWindow(t *testing.T) {
	const (
		rateLimit = 5
		period    = time.Second
	)

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l, err := New(Config{Rate: rateLimit, Period: period}, nil, nil)
	require.NoError(t, err)
	l.now = clock.Now

	rnd := rand.New(rand.NewSource(42))
	ctx := context.Background()

	var accepted []time.Time
	for i := 0; i < 2000; i++ {
		clock.Advance(time.Duration(rnd.Intn(120)) * time.Millisecond)
		if l.Check(ctx, "x") {
			accepted = append(accepted, clock.Now())
		}
	}
	require.NotEmpty(t, accepted)

	// В любом окне [t-period, t], заканчивающемся на принятом вызове,
	// не больше rateLimit принятых вызовов
	for i, end := range accepted {
		n := 0
		for j := i; j >= 0 && !accepted[j].Before(end.Add(-period)); j-- {
			n++
		}
		if n > rateLimit {
			t.Fatalf("window ending at %v holds %d accepted calls, limit %d", end, n, rateLimit)
		}
	}
}

func TestLimiter_Wait_Scenario(t *testing.T) {
	l, err := New(Config{Rate: 3, Period: time.Second}, nil, nil)
	require.NoError(t, err)

	ctx := context.Background()
	start := time.Now()

	var stamps []time.Duration
	for i := 0; i < 4; i++ {
		_, err := l.Wait(ctx, "x")
		require.NoError(t, err)
		stamps = append(stamps, time.Since(start))
	}

	for i := 0; i < 3; i++ {
		assert.Less(t, stamps[i], 100*time.Millisecond, "call %d should not wait", i)
	}
	assert.GreaterOrEqual(t, stamps[3], 950*time.Millisecond)
	assert.Less(t, stamps[3], 1300*time.Millisecond)
}

func TestLimiter_Wait_ContextCancel(t *testing.T) {
	l, err := New(Config{Rate: 1, Period: time.Hour}, nil, nil)
	require.NoError(t, err)

	require.True(t, l.Check(context.Background(), "x"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = l.Wait(ctx, "x")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second, "wait should stay responsive to cancellation")
}

func TestLimiter_Burst(t *testing.T) {
	l, err := New(Config{Rate: 10, Period: time.Second, Burst: 2}, nil, nil)
	require.NoError(t, err)

	ctx := context.Background()
	assert.True(t, l.Check(ctx, "x"))
	assert.True(t, l.Check(ctx, "x"))
	// Окно ещё не заполнено, но bucket пуст
	assert.False(t, l.Check(ctx, "x"))
	// Отказ bucket'а не засчитывается в окно
	assert.Equal(t, 8, l.Remaining(ctx, "x"))

	waited, err := l.Wait(ctx, "x")
	require.NoError(t, err)
	assert.Greater(t, waited, time.Duration(0))
}

func TestLimiter_BucketSweep(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l, err := New(Config{Rate: 10, Period: time.Second, Burst: 2}, nil, nil)
	require.NoError(t, err)
	l.now = clock.Now

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		require.True(t, l.Check(ctx, fmt.Sprintf("host-%d", i)))
	}
	assert.Len(t, l.buckets, 100)

	// Через Period восстановившиеся bucket'ы удаляются
	clock.Advance(2 * time.Second)
	require.True(t, l.Check(ctx, "hot"))
	assert.Len(t, l.buckets, 1)

	// Неполный bucket переживает чистку
	l.mu.Lock()
	l.sweepBuckets(clock.Now())
	l.mu.Unlock()
	assert.Contains(t, l.buckets, "hot")

	// Повторный вызов не обходит bucket: второй токен ещё есть, третьего нет
	assert.True(t, l.Check(ctx, "hot"))
	assert.False(t, l.Check(ctx, "hot"))
}

func TestLimiter_Redis_Check(t *testing.T) {
	client, mr := setupRedis(t)

	l, err := New(Config{Name: "api", Rate: 3, Period: time.Second}, client, nil)
	require.NoError(t, err)
	assert.True(t, l.Shared())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		assert.True(t, l.Check(ctx, "x"))
	}
	assert.False(t, l.Check(ctx, "x"))
	assert.Equal(t, 0, l.Remaining(ctx, "x"))
	assert.Equal(t, 3, l.Remaining(ctx, "other"))

	// Ключ окна самоочищается по TTL
	ttl := mr.TTL("ratelimit:api:x")
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Second)
}

func TestLimiter_Redis_SharedAcrossInstances(t *testing.T) {
	client, _ := setupRedis(t)
	ctx := context.Background()

	a, err := New(Config{Name: "api", Rate: 2, Period: time.Minute}, client, nil)
	require.NoError(t, err)
	b, err := New(Config{Name: "api", Rate: 2, Period: time.Minute}, client, nil)
	require.NoError(t, err)

	assert.True(t, a.Check(ctx, "x"))
	assert.True(t, b.Check(ctx, "x"))
	assert.False(t, a.Check(ctx, "x"))
	assert.False(t, b.Check(ctx, "x"))
}

func TestLimiter_Redis_WaitScenario(t *testing.T) {
	client, _ := setupRedis(t)

	l, err := New(Config{Name: "api", Rate: 3, Period: time.Second}, client, nil)
	require.NoError(t, err)

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 4; i++ {
		_, err := l.Wait(ctx, "x")
		require.NoError(t, err)
	}

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 950*time.Millisecond)
	assert.Less(t, elapsed, 1500*time.Millisecond)
}

// Без Atomic проверка в Redis — read-then-write: под конкуренцией
// допустим перебор сверх Rate, но каждый пропущенный вызов записан в окно,
// и перебор не переносится на следующие вызовы.
func TestLimiter_Redis_SoftCeilingUnderContention(t *testing.T) {
	const (
		callers   = 20
		rateLimit = 5
	)

	client, mr := setupRedis(t)
	l, err := New(Config{Name: "soft", Rate: rateLimit, Period: time.Minute}, client, nil)
	require.NoError(t, err)

	accepted := runConcurrentChecks(l, callers)
	assert.GreaterOrEqual(t, accepted, int64(rateLimit))

	// Все пропущенные вызовы учтены в окне
	recorded, err := mr.ZMembers("ratelimit:soft:x")
	require.NoError(t, err)
	assert.Len(t, recorded, int(accepted))
	assert.Equal(t, 0, l.Remaining(context.Background(), "x"))

	// Следующая волна в том же окне отклоняется целиком
	assert.Equal(t, int64(0), runConcurrentChecks(l, callers))

	recorded, err = mr.ZMembers("ratelimit:soft:x")
	require.NoError(t, err)
	assert.Len(t, recorded, int(accepted), "denied calls must not be recorded")
}

func TestLimiter_Redis_AtomicHardCeiling(t *testing.T) {
	const (
		callers   = 20
		rateLimit = 5
	)

	client, _ := setupRedis(t)
	l, err := New(Config{Name: "hard", Rate: rateLimit, Period: time.Minute, Atomic: true}, client, nil)
	require.NoError(t, err)

	accepted := runConcurrentChecks(l, callers)

	assert.Equal(t, int64(rateLimit), accepted)
	assert.False(t, l.Check(context.Background(), "x"))
	assert.Equal(t, 0, l.Remaining(context.Background(), "x"))
}

func TestLimiter_Redis_StoreFailureDenies(t *testing.T) {
	client, mr := setupRedis(t)

	l, err := New(Config{Name: "api", Rate: 3, Period: time.Second}, client, nil)
	require.NoError(t, err)

	mr.Close()

	ctx := context.Background()
	assert.False(t, l.Check(ctx, "x"))
	assert.Equal(t, -1, l.Remaining(ctx, "x"))
}

func runConcurrentChecks(l *Limiter, callers int) int64 {
	var (
		accepted atomic.Int64
		wg       sync.WaitGroup
		start    = make(chan struct{})
	)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if l.Check(context.Background(), "x") {
				accepted.Add(1)
			}
		}()
	}

	close(start)
	wg.Wait()

	return accepted.Load()
}

func ExampleLimiter_Wait() {
	l, _ := New(Config{Name: "downstream", Rate: 2, Period: time.Second}, nil, nil)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		waited, _ := l.Wait(ctx, "user-1")
		fmt.Println(waited < 10*time.Millisecond)
	}
	// Output:
	// true
	// true
}
