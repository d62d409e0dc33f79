package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Значения по умолчанию.
const (
	DefaultTTL       = 5 * time.Minute
	DefaultMaxMemory = 64 << 20
	DefaultPrefix    = "cache"
	DefaultNamespace = "default"
)

// metaSep отделяет префикс служебных ключей (теги, множества тегов записи)
// от ключей записей <prefix>:<namespace>:<key>.
const metaSep = "#"

// Config — конфигурация Manager.
type Config struct {
	// DefaultTTL — TTL записи, если не задан через WithTTL.
	DefaultTTL time.Duration

	// MaxMemoryBytes — потолок оценки памяти локального кэша.
	MaxMemoryBytes int64

	// Prefix — первый сегмент всех ключей.
	Prefix string
}

// Stats — счётчики кэша.
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Sets      int64   `json:"sets"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
	Size      int     `json:"size"`
}

// backend — хранилище записей. Ключи уже полные.
type backend interface {
	get(ctx context.Context, key string) ([]byte, bool, error)
	// set возвращает число вытесненных записей.
	set(ctx context.Context, key string, value []byte, ttl time.Duration, tagKeys []string) (int, error)
	delete(ctx context.Context, key string) (bool, error)
	invalidate(ctx context.Context, tagKey string) (int, error)
	size(ctx context.Context) (int, error)
}

// Manager — кэш с TTL, тегами и вытеснением по памяти.
type Manager struct {
	cfg     Config
	backend backend
	shared  bool
	logger  *slog.Logger

	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	evictions atomic.Int64
}

// New создаёт Manager. store == nil — локальный кэш в памяти процесса.
func New(cfg Config, store *redis.Client, logger *slog.Logger) *Manager {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.MaxMemoryBytes <= 0 {
		cfg.MaxMemoryBytes = DefaultMaxMemory
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cfg:    cfg,
		logger: logger.With("component", "cache"),
	}

	if store != nil {
		m.backend = newRedisBackend(store, cfg.Prefix)
		m.shared = true
	} else {
		m.backend = newLocalBackend(cfg.MaxMemoryBytes, time.Now)
	}

	return m
}

// Shared — true, если записи хранятся в Redis.
func (m *Manager) Shared() bool {
	return m.shared
}

// Get возвращает значение по ключу. Второй результат — false при промахе.
func (m *Manager) Get(ctx context.Context, key string, opts ...Option) (any, bool) {
	raw, ok := m.lookup(ctx, key, opts)
	if !ok {
		return nil, false
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		m.logger.Warn("cache value decode failed", "key", key, "error", err)
		return nil, false
	}
	return v, true
}

// GetOr возвращает значение по ключу или def при промахе.
func (m *Manager) GetOr(ctx context.Context, key string, def any, opts ...Option) any {
	if v, ok := m.Get(ctx, key, opts...); ok {
		return v
	}
	return def
}

// GetAs декодирует закэшированное значение в T.
func GetAs[T any](ctx context.Context, m *Manager, key string, opts ...Option) (T, bool) {
	var v T

	raw, ok := m.lookup(ctx, key, opts)
	if !ok {
		return v, false
	}

	if err := json.Unmarshal(raw, &v); err != nil {
		m.logger.Warn("cache value decode failed", "key", key, "error", err)
		return v, false
	}
	return v, true
}

// Set записывает значение с истечением now+ttl. Теги из WithTags
// регистрируют ключ для InvalidateTag. Возвращает false, если значение
// не кодируется в JSON или хранилище недоступно.
func (m *Manager) Set(ctx context.Context, key string, value any, opts ...Option) bool {
	o := m.options(opts)

	raw, err := json.Marshal(value)
	if err != nil {
		m.logger.Warn("cache value encode failed", "key", key, "error", err)
		return false
	}

	tagKeys := make([]string, 0, len(o.tags))
	for _, tag := range o.tags {
		tagKeys = append(tagKeys, m.tagKey(tag))
	}

	evicted, err := m.backend.set(ctx, m.fullKey(o.namespace, key), raw, o.ttl, tagKeys)
	if err != nil {
		m.logger.Warn("cache set failed", "key", key, "error", err)
		return false
	}

	m.sets.Add(1)
	if evicted > 0 {
		m.evictions.Add(int64(evicted))
		m.logger.Debug("cache evicted entries", "count", evicted)
	}
	return true
}

// Delete удаляет ключ. Возвращает true, если ключ существовал.
func (m *Manager) Delete(ctx context.Context, key string, opts ...Option) bool {
	o := m.options(opts)

	removed, err := m.backend.delete(ctx, m.fullKey(o.namespace, key))
	if err != nil {
		m.logger.Warn("cache delete failed", "key", key, "error", err)
		return false
	}
	return removed
}

// InvalidateTag удаляет все ключи, зарегистрированные под tag, и сам тег.
// Возвращает число удалённых ключей.
func (m *Manager) InvalidateTag(ctx context.Context, tag string) int {
	n, err := m.backend.invalidate(ctx, m.tagKey(tag))
	if err != nil {
		m.logger.Warn("cache tag invalidation failed", "tag", tag, "error", err)
		return 0
	}

	m.logger.Debug("cache tag invalidated", "tag", tag, "keys", n)
	return n
}

// Stats возвращает счётчики кэша. Size — число записей (для Redis —
// число ключей с префиксом кэша, без множеств тегов).
func (m *Manager) Stats(ctx context.Context) Stats {
	s := Stats{
		Hits:      m.hits.Load(),
		Misses:    m.misses.Load(),
		Sets:      m.sets.Load(),
		Evictions: m.evictions.Load(),
	}

	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}

	size, err := m.backend.size(ctx)
	if err != nil {
		m.logger.Warn("cache size read failed", "error", err)
	}
	s.Size = size

	return s
}

// lookup читает сырое значение и обновляет счётчики попаданий.
func (m *Manager) lookup(ctx context.Context, key string, opts []Option) ([]byte, bool) {
	o := m.options(opts)

	raw, ok, err := m.backend.get(ctx, m.fullKey(o.namespace, key))
	if err != nil {
		m.logger.Warn("cache get failed, treating as miss", "key", key, "error", err)
		ok = false
	}

	if !ok {
		m.misses.Add(1)
		return nil, false
	}

	m.hits.Add(1)
	return raw, true
}

func (m *Manager) fullKey(namespace, key string) string {
	return m.cfg.Prefix + ":" + namespace + ":" + key
}

// tagKey — ключ множества тега. Служебные ключи отделены от записей
// разделителем metaSep, поэтому не пересекаются ни с одним namespace.
func (m *Manager) tagKey(tag string) string {
	return m.cfg.Prefix + metaSep + "tag:" + tag
}

func (m *Manager) options(opts []Option) options {
	o := options{namespace: DefaultNamespace, ttl: m.cfg.DefaultTTL}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
