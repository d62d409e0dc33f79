package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// localWindow — окна в памяти процесса: упорядоченные по времени
// метки вызовов для каждого identifier. Годится только для одного процесса.
type localWindow struct {
	rate   int
	period time.Duration

	mu      sync.Mutex
	entries map[string][]time.Time
}

func newLocalWindow(cfg Config) *localWindow {
	return &localWindow{
		rate:    cfg.Rate,
		period:  cfg.Period,
		entries: make(map[string][]time.Time),
	}
}

func (w *localWindow) admit(_ context.Context, id string, now time.Time) (bool, time.Time, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	q := w.prune(id, now)
	if len(q) >= w.rate {
		return false, q[0], nil
	}

	w.entries[id] = append(q, now)
	return true, time.Time{}, nil
}

func (w *localWindow) count(_ context.Context, id string, now time.Time) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return len(w.prune(id, now)), nil
}

// prune удаляет записи старше now-period. Пустые окна удаляются целиком.
// Вызывается под w.mu.
func (w *localWindow) prune(id string, now time.Time) []time.Time {
	q := w.entries[id]
	cutoff := now.Add(-w.period)

	i := 0
	for i < len(q) && q[i].Before(cutoff) {
		i++
	}
	q = q[i:]

	if len(q) == 0 {
		delete(w.entries, id)
		return nil
	}

	w.entries[id] = q
	return q
}

// admitScript атомарно чистит окно, считает записи и добавляет новую.
// Возвращает {1, "0"} при успехе или {0, <score самой старой записи>}.
var admitScript = redis.NewScript(`
local key = KEYS[1]
redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. ARGV[2])
local count = redis.call('ZCARD', key)
if count >= tonumber(ARGV[3]) then
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	return {0, oldest[2] or '0'}
end
redis.call('ZADD', key, ARGV[1], ARGV[5])
redis.call('PEXPIRE', key, ARGV[4])
return {1, '0'}
`)

// redisWindow — окна в sorted set'ах Redis, общие для всех процессов.
//
// Ключ: ratelimit:<name>:<identifier>, score — время вызова в микросекундах.
// На каждую запись ключу выставляется TTL = period, так что брошенные
// identifier'ы удаляются сами.
type redisWindow struct {
	client *redis.Client
	prefix string
	rate   int
	period time.Duration
	atomic bool
}

func newRedisWindow(client *redis.Client, cfg Config) *redisWindow {
	return &redisWindow{
		client: client,
		prefix: "ratelimit:" + cfg.Name + ":",
		rate:   cfg.Rate,
		period: cfg.Period,
		atomic: cfg.Atomic,
	}
}

func (w *redisWindow) admit(ctx context.Context, id string, now time.Time) (bool, time.Time, error) {
	if w.atomic {
		return w.admitAtomic(ctx, id, now)
	}

	key := w.prefix + id
	cutoff := micros(now.Add(-w.period))

	// 1. Чистим окно и читаем состояние.
	// Между чтением и записью другой процесс может успеть добавить запись:
	// под конкуренцией потолок мягкий.
	pipe := w.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff)
	card := pipe.ZCard(ctx, key)
	oldest := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, time.Time{}, fmt.Errorf("read window %s: %w", key, err)
	}

	if card.Val() >= int64(w.rate) {
		var at time.Time
		if zs := oldest.Val(); len(zs) > 0 {
			at = time.UnixMicro(int64(zs[0].Score))
		}
		return false, at, nil
	}

	// 2. Записываем вызов
	_, err := w.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMicro()), Member: member(now)})
		p.PExpire(ctx, key, w.period)
		return nil
	})
	if err != nil {
		return false, time.Time{}, fmt.Errorf("record call %s: %w", key, err)
	}

	return true, time.Time{}, nil
}

func (w *redisWindow) admitAtomic(ctx context.Context, id string, now time.Time) (bool, time.Time, error) {
	key := w.prefix + id

	res, err := admitScript.Run(ctx, w.client, []string{key},
		micros(now),
		micros(now.Add(-w.period)),
		w.rate,
		w.period.Milliseconds(),
		member(now),
	).Slice()
	if err != nil {
		return false, time.Time{}, fmt.Errorf("admit script %s: %w", key, err)
	}
	if len(res) != 2 {
		return false, time.Time{}, fmt.Errorf("admit script %s: unexpected reply %v", key, res)
	}

	if flag, _ := res[0].(int64); flag == 1 {
		return true, time.Time{}, nil
	}

	var at time.Time
	if s, ok := res[1].(string); ok {
		if score, err := strconv.ParseFloat(s, 64); err == nil && score > 0 {
			at = time.UnixMicro(int64(score))
		}
	}
	return false, at, nil
}

func (w *redisWindow) count(ctx context.Context, id string, now time.Time) (int, error) {
	key := w.prefix + id

	n, err := w.client.ZCount(ctx, key, micros(now.Add(-w.period)), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count window %s: %w", key, err)
	}
	return int(n), nil
}

func micros(t time.Time) string {
	return strconv.FormatInt(t.UnixMicro(), 10)
}

// member — уникальный элемент sorted set для одного вызова.
func member(now time.Time) string {
	return micros(now) + "-" + uuid.NewString()
}
