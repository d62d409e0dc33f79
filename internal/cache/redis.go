package cache

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxSetAttempts — сколько раз set повторяет транзакцию при конкурентной
// перезаписи того же ключа.
const maxSetAttempts = 3

// redisBackend — кэш в Redis. Истечение записей целиком на TTL Redis,
// вытеснения нет.
//
// Для каждой записи с тегами хранится множество её тегов
// <prefix>#keytags:<namespace>:<key> с тем же TTL, что и у записи.
// Перезапись и удаление снимают ключ со старых тегов по этому множеству,
// а invalidate удаляет только те ключи, чья запись всё ещё числит за собой
// инвалидируемый тег.
type redisBackend struct {
	client *redis.Client
	prefix string
}

func newRedisBackend(client *redis.Client, prefix string) *redisBackend {
	return &redisBackend{client: client, prefix: prefix}
}

// keyTagsKey — ключ множества тегов записи key.
func (b *redisBackend) keyTagsKey(key string) string {
	return b.prefix + metaSep + "keytags:" + strings.TrimPrefix(key, b.prefix+":")
}

func (b *redisBackend) get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return raw, true, nil
}

func (b *redisBackend) set(ctx context.Context, key string, value []byte, ttl time.Duration, tagKeys []string) (int, error) {
	metaKey := b.keyTagsKey(key)
	ttls := make([]*redis.DurationCmd, len(tagKeys))

	txf := func(tx *redis.Tx) error {
		// 1. Текущие теги записи
		oldTags, err := tx.SMembers(ctx, metaKey).Result()
		if err != nil {
			return fmt.Errorf("smembers %s: %w", metaKey, err)
		}

		// 2. Снятие со старых тегов, запись, новые теги и их текущие TTL
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for _, tag := range oldTags {
				p.SRem(ctx, tag, key)
			}
			p.Set(ctx, key, value, ttl)
			p.Del(ctx, metaKey)
			if len(tagKeys) == 0 {
				return nil
			}

			members := make([]any, len(tagKeys))
			for i, tag := range tagKeys {
				members[i] = tag
			}
			p.SAdd(ctx, metaKey, members...)
			p.PExpire(ctx, metaKey, ttl)

			for i, tag := range tagKeys {
				p.SAdd(ctx, tag, key)
				ttls[i] = p.PTTL(ctx, tag)
			}
			return nil
		})
		return err
	}

	var err error
	for range maxSetAttempts {
		err = b.client.Watch(ctx, txf, metaKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return 0, fmt.Errorf("set %s: %w", key, err)
	}

	if len(tagKeys) == 0 {
		return 0, nil
	}

	// 3. Тег живёт не меньше самой долгой своей записи
	// (PTTL без expire возвращает отрицательное значение)
	_, err = b.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, tag := range tagKeys {
			if ttls[i].Val() < ttl {
				p.PExpire(ctx, tag, ttl)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("extend tag ttl for %s: %w", key, err)
	}

	return 0, nil
}

func (b *redisBackend) delete(ctx context.Context, key string) (bool, error) {
	metaKey := b.keyTagsKey(key)

	tags, err := b.client.SMembers(ctx, metaKey).Result()
	if err != nil {
		return false, fmt.Errorf("smembers %s: %w", metaKey, err)
	}

	var del *redis.IntCmd
	_, err = b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.Del(ctx, key)
		for _, tag := range tags {
			p.SRem(ctx, tag, key)
		}
		p.Del(ctx, metaKey)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("del %s: %w", key, err)
	}
	return del.Val() > 0, nil
}

func (b *redisBackend) invalidate(ctx context.Context, tagKey string) (int, error) {
	keys, err := b.client.SMembers(ctx, tagKey).Result()
	if err != nil {
		return 0, fmt.Errorf("smembers %s: %w", tagKey, err)
	}

	// 1. Теги каждой записи: устаревшее членство (запись истекла или
	// перезаписана с другими тегами) пропускается
	records := make([]*redis.StringSliceCmd, len(keys))
	if len(keys) > 0 {
		_, err = b.client.Pipelined(ctx, func(p redis.Pipeliner) error {
			for i, key := range keys {
				records[i] = p.SMembers(ctx, b.keyTagsKey(key))
			}
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("read tags of %s members: %w", tagKey, err)
		}
	}

	// 2. Удаление записей, их множеств тегов и членства в других тегах
	var del *redis.IntCmd
	_, err = b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		var victims []string
		for i, key := range keys {
			tags := records[i].Val()
			if !slices.Contains(tags, tagKey) {
				continue
			}
			victims = append(victims, key)
			for _, tag := range tags {
				if tag != tagKey {
					p.SRem(ctx, tag, key)
				}
			}
			p.Del(ctx, b.keyTagsKey(key))
		}
		if len(victims) > 0 {
			del = p.Del(ctx, victims...)
		}
		p.Del(ctx, tagKey)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("invalidate %s: %w", tagKey, err)
	}

	if del == nil {
		return 0, nil
	}
	return int(del.Val()), nil
}

// size считает записи по SCAN <prefix>:*; служебные ключи
// (<prefix>#tag:..., <prefix>#keytags:...) под этот шаблон не попадают.
func (b *redisBackend) size(ctx context.Context) (int, error) {
	n := 0
	iter := b.client.Scan(ctx, 0, b.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("scan %s: %w", b.prefix, err)
	}
	return n, nil
}
