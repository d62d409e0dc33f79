package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Ограничения одного ожидания в Wait.
const (
	minWait = 10 * time.Millisecond
	maxWait = time.Second
)

// DefaultIdentifier используется, когда идентификатор не задан.
const DefaultIdentifier = "default"

// Config — конфигурация Limiter.
type Config struct {
	// Name — имя лимитера, входит в ключи хранилища.
	Name string

	// Rate — сколько вызовов разрешено за Period.
	Rate int

	// Period — длина скользящего окна.
	Period time.Duration

	// Burst — размер token bucket для сглаживания всплесков (0 — выключено).
	// Bucket локален для процесса даже при общем хранилище.
	Burst int

	// Atomic — проверка и запись одним Lua-скриптом (жёсткий потолок).
	// Без него проверка в Redis — read-then-write, потолок мягкий.
	Atomic bool
}

// Enabled — true, если лимит задан.
func (c Config) Enabled() bool {
	return c.Rate > 0 && c.Period > 0
}

// window — хранилище записей скользящего окна.
type window interface {
	// admit удаляет устаревшие записи, и если в окне меньше rate записей,
	// добавляет новую. При отказе возвращает время самой старой записи.
	admit(ctx context.Context, id string, now time.Time) (bool, time.Time, error)

	// count возвращает число записей в окне.
	count(ctx context.Context, id string, now time.Time) (int, error)
}

// Limiter — sliding window rate limiter.
//
// Отвечает на вопрос "может ли identifier сделать ещё один вызов сейчас"
// при ограничении Rate вызовов за Period. С Redis окна общие для всех
// процессов, без него — локальные.
type Limiter struct {
	cfg    Config
	window window
	shared bool
	logger *slog.Logger

	mu        sync.Mutex
	buckets   map[string]*rate.Limiter
	lastSweep time.Time

	now func() time.Time
}

// New создаёт Limiter. store == nil — локальное окно в памяти процесса.
func New(cfg Config, store *redis.Client, logger *slog.Logger) (*Limiter, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("%w: rate=%d period=%s", ErrInvalidConfig, cfg.Rate, cfg.Period)
	}
	if cfg.Burst < 0 {
		return nil, fmt.Errorf("%w: burst=%d", ErrInvalidConfig, cfg.Burst)
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &Limiter{
		cfg:     cfg,
		logger:  logger.With("limiter", cfg.Name),
		buckets: make(map[string]*rate.Limiter),
		now:     time.Now,
	}

	if store != nil {
		l.window = newRedisWindow(store, cfg)
		l.shared = true
	} else {
		l.window = newLocalWindow(cfg)
	}

	return l, nil
}

// Config возвращает конфигурацию лимитера.
func (l *Limiter) Config() Config {
	return l.cfg
}

// Shared — true, если окна хранятся в Redis.
func (l *Limiter) Shared() bool {
	return l.shared
}

// Check проверяет, можно ли сделать вызов сейчас, и при положительном
// ответе сразу засчитывает его. Ошибка хранилища трактуется как отказ.
func (l *Limiter) Check(ctx context.Context, identifier string) bool {
	allowed, _ := l.admit(ctx, identifier)
	return allowed
}

// Wait блокируется, пока вызов не будет разрешён, и возвращает
// суммарное время ожидания.
//
// Одна пауза длится до выхода самой старой записи из окна,
// но не меньше 10ms и не больше 1s, чтобы быстро реагировать на отмену ctx.
func (l *Limiter) Wait(ctx context.Context, identifier string) (time.Duration, error) {
	start := l.now()

	for {
		allowed, retryAfter := l.admit(ctx, identifier)
		if allowed {
			return l.now().Sub(start), nil
		}

		delay := min(max(retryAfter, minWait), maxWait)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return l.now().Sub(start), ctx.Err()
		case <-timer.C:
		}
	}
}

// Remaining возвращает, сколько вызовов ещё доступно в текущем окне.
// -1 означает "неизвестно" (хранилище недоступно).
func (l *Limiter) Remaining(ctx context.Context, identifier string) int {
	identifier = normalize(identifier)

	n, err := l.window.count(ctx, identifier, l.now())
	if err != nil {
		l.logger.Warn("rate limiter store read failed", "identifier", identifier, "error", err)
		return -1
	}

	return max(l.cfg.Rate-n, 0)
}

// admit — общая часть Check и Wait. Возвращает решение и подсказку,
// через сколько имеет смысл повторить попытку.
func (l *Limiter) admit(ctx context.Context, identifier string) (bool, time.Duration) {
	identifier = normalize(identifier)
	now := l.now()

	// 1. Token bucket (если включён)
	var reservation *rate.Reservation
	if l.cfg.Burst > 0 {
		reservation = l.bucket(identifier, now).ReserveN(now, 1)
		if delay := reservation.DelayFrom(now); delay > 0 {
			reservation.CancelAt(now)
			return false, delay
		}
	}

	// 2. Скользящее окно
	allowed, oldest, err := l.window.admit(ctx, identifier, now)
	if err != nil {
		l.logger.Warn("rate limiter store failed, denying call", "identifier", identifier, "error", err)
		if reservation != nil {
			reservation.CancelAt(now)
		}
		return false, maxWait
	}

	if !allowed {
		if reservation != nil {
			reservation.CancelAt(now)
		}
		return false, oldest.Add(l.cfg.Period).Sub(now)
	}

	return true, 0
}

// bucket возвращает token bucket для identifier.
//
// Не чаще раза за Period удаляет полностью восстановившиеся bucket'ы:
// такой bucket неотличим от нового, а без чистки карта растёт с каждым
// новым identifier.
func (l *Limiter) bucket(identifier string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.cfg.Period {
		l.sweepBuckets(now)
	}

	b, ok := l.buckets[identifier]
	if !ok {
		every := rate.Every(l.cfg.Period / time.Duration(l.cfg.Rate))
		b = rate.NewLimiter(every, l.cfg.Burst)
		l.buckets[identifier] = b
	}
	return b
}

// sweepBuckets удаляет полные bucket'ы. Вызывается под l.mu.
func (l *Limiter) sweepBuckets(now time.Time) {
	full := float64(l.cfg.Burst)
	for id, b := range l.buckets {
		if b.TokensAt(now) >= full {
			delete(l.buckets, id)
		}
	}
	l.lastSweep = now
}

func normalize(identifier string) string {
	if identifier == "" {
		return DefaultIdentifier
	}
	return identifier
}
