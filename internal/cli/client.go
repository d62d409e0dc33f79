package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/shaiso/workerkit/internal/cache"
	"github.com/shaiso/workerkit/internal/mq"
	"github.com/shaiso/workerkit/internal/ratelimit"
	"github.com/shaiso/workerkit/internal/worker"
)

// ErrNoStore — команда требует Redis, а REDIS_URL не задан.
var ErrNoStore = errors.New("redis url is not configured")

// Broker — часть mq.Broker, которая нужна CLI.
type Broker interface {
	Publish(ctx context.Context, queue string, body []byte) error
	QueueDepth(ctx context.Context, queue string) (int, error)
	Close() error
}

// DialFunc подключается к брокеру и объявляет очереди топологии.
type DialFunc func(topology mq.Topology) (Broker, error)

// QueueInfo — глубина очереди и её dead-letter очереди.
type QueueInfo struct {
	Queue       string `json:"queue"`
	Ready       int    `json:"ready"`
	DeadLetters int    `json:"dead_letters"`
}

// Options — параметры подключения CLI.
type Options struct {
	RabbitMQURL string
	RedisURL    string
	CachePrefix string
	Logger      *slog.Logger
}

// Client — операции CLI над брокером и общим хранилищем воркеров.
type Client struct {
	store       *redis.Client
	dial        DialFunc
	cachePrefix string
	logger      *slog.Logger
}

// NewClient создаёт Client. Соединения открываются лениво, при первой команде.
func NewClient(opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var store *redis.Client
	if opts.RedisURL != "" {
		redisOpts, err := redis.ParseURL(opts.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		store = redis.NewClient(redisOpts)
	}

	dial := func(topology mq.Topology) (Broker, error) {
		b, err := mq.Dial(opts.RabbitMQURL, topology, "workerctl", opts.Logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	}

	return newClient(store, dial, opts.CachePrefix, opts.Logger), nil
}

func newClient(store *redis.Client, dial DialFunc, cachePrefix string, logger *slog.Logger) *Client {
	if cachePrefix == "" {
		cachePrefix = cache.DefaultPrefix
	}
	return &Client{
		store:       store,
		dial:        dial,
		cachePrefix: cachePrefix,
		logger:      logger,
	}
}

// Close закрывает соединение с Redis.
func (c *Client) Close() error {
	if c.store == nil {
		return nil
	}
	return c.store.Close()
}

// PublishTask публикует payload в queue и возвращает task_id.
// Если task_id не задан, генерируется UUID.
func (c *Client) PublishTask(ctx context.Context, queue string, payload map[string]any) (string, error) {
	taskID, _ := payload["task_id"].(string)
	if taskID == "" {
		taskID = uuid.NewString()
		payload["task_id"] = taskID
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	b, err := c.dial(mq.Topology{Outputs: []string{queue}})
	if err != nil {
		return "", err
	}
	defer b.Close()

	if err := b.Publish(ctx, queue, body); err != nil {
		return "", err
	}
	return taskID, nil
}

// QueueDepths возвращает глубину очередей и их dead-letter очередей.
func (c *Client) QueueDepths(ctx context.Context, queues []string) ([]QueueInfo, error) {
	b, err := c.dial(mq.Topology{})
	if err != nil {
		return nil, err
	}
	defer b.Close()

	infos := make([]QueueInfo, 0, len(queues))
	for _, q := range queues {
		ready, err := b.QueueDepth(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("queue %s: %w", q, err)
		}
		dead, err := b.QueueDepth(ctx, mq.DeadLetterQueue(q))
		if err != nil {
			return nil, fmt.Errorf("queue %s: %w", mq.DeadLetterQueue(q), err)
		}
		infos = append(infos, QueueInfo{Queue: q, Ready: ready, DeadLetters: dead})
	}
	return infos, nil
}

// Health читает health-документы воркеров. Без имён — всех найденных,
// отсортированных по имени. Документ, которого нет (истёк TTL), пропускается.
func (c *Client) Health(ctx context.Context, names ...string) ([]worker.HealthStatus, error) {
	if c.store == nil {
		return nil, ErrNoStore
	}

	keys := make([]string, 0, len(names))
	for _, name := range names {
		keys = append(keys, worker.HealthKey(name))
	}
	if len(keys) == 0 {
		iter := c.store.Scan(ctx, 0, worker.HealthKey("*"), 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("scan health keys: %w", err)
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := c.store.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read health: %w", err)
	}

	statuses := make([]worker.HealthStatus, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var h worker.HealthStatus
		if err := json.Unmarshal([]byte(s), &h); err != nil {
			c.logger.Warn("invalid health document", "key", keys[i], "error", err)
			continue
		}
		statuses = append(statuses, h)
	}

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Worker < statuses[j].Worker })
	return statuses, nil
}

// InvalidateTag удаляет из общего кэша все записи с тегом.
func (c *Client) InvalidateTag(ctx context.Context, tag string) (int, error) {
	if c.store == nil {
		return 0, ErrNoStore
	}
	m := cache.New(cache.Config{Prefix: c.cachePrefix}, c.store, c.logger)
	return m.InvalidateTag(ctx, tag), nil
}

// Remaining возвращает остаток общего лимита для identifier.
func (c *Client) Remaining(ctx context.Context, cfg ratelimit.Config, identifier string) (int, error) {
	if c.store == nil {
		return 0, ErrNoStore
	}
	l, err := ratelimit.New(cfg, c.store, c.logger)
	if err != nil {
		return 0, err
	}
	n := l.Remaining(ctx, identifier)
	if n < 0 {
		return 0, errors.New("rate limiter store is unavailable")
	}
	return n, nil
}

// parsePayload разбирает JSON объект задачи.
func parsePayload(raw string) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &payload); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	if payload == nil {
		return nil, errors.New("payload must be a JSON object")
	}
	return payload, nil
}

// formatUptime — "1h2m3s" без долей секунды.
func formatUptime(seconds float64) string {
	return (time.Duration(seconds) * time.Second).String()
}
