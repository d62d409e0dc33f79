package cache

import (
	"context"
	"slices"
	"sync"
	"time"
)

type localEntry struct {
	value     []byte
	expiresAt time.Time
	tags      []string
}

// footprint — оценка памяти записи: ключ, JSON значения и теги.
func (e *localEntry) footprint(key string) int64 {
	n := int64(len(key) + len(e.value))
	for _, t := range e.tags {
		n += int64(len(t))
	}
	return n
}

// localBackend — кэш в памяти процесса.
type localBackend struct {
	maxBytes int64
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*localEntry
	tags    map[string]map[string]struct{}
	bytes   int64
}

func newLocalBackend(maxBytes int64, now func() time.Time) *localBackend {
	return &localBackend{
		maxBytes: maxBytes,
		now:      now,
		entries:  make(map[string]*localEntry),
		tags:     make(map[string]map[string]struct{}),
	}
}

func (b *localBackend) get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !b.now().Before(e.expiresAt) {
		b.remove(key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (b *localBackend) set(_ context.Context, key string, value []byte, ttl time.Duration, tagKeys []string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Перезапись снимает ключ со старых тегов
	b.remove(key)

	e := &localEntry{
		value:     value,
		expiresAt: b.now().Add(ttl),
		tags:      slices.Clone(tagKeys),
	}
	b.entries[key] = e
	b.bytes += e.footprint(key)

	for _, tag := range e.tags {
		members, ok := b.tags[tag]
		if !ok {
			members = make(map[string]struct{})
			b.tags[tag] = members
		}
		members[key] = struct{}{}
	}

	if b.bytes > b.maxBytes {
		return b.evict(), nil
	}
	return 0, nil
}

func (b *localBackend) delete(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return false, nil
	}
	expired := !b.now().Before(e.expiresAt)
	b.remove(key)
	return !expired, nil
}

func (b *localBackend) invalidate(_ context.Context, tagKey string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	members := b.tags[tagKey]
	keys := make([]string, 0, len(members))
	for key := range members {
		keys = append(keys, key)
	}

	n := 0
	for _, key := range keys {
		if _, ok := b.entries[key]; ok {
			b.remove(key)
			n++
		}
	}
	delete(b.tags, tagKey)

	return n, nil
}

func (b *localBackend) size(_ context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	n := 0
	for _, e := range b.entries {
		if now.Before(e.expiresAt) {
			n++
		}
	}
	return n, nil
}

// evict удаляет четверть записей (минимум одну) с самым ранним expiresAt.
// Вызывается под b.mu.
func (b *localBackend) evict() int {
	keys := make([]string, 0, len(b.entries))
	for key := range b.entries {
		keys = append(keys, key)
	}

	slices.SortFunc(keys, func(x, y string) int {
		return b.entries[x].expiresAt.Compare(b.entries[y].expiresAt)
	})

	n := max(len(keys)/4, 1)
	for _, key := range keys[:n] {
		b.remove(key)
	}
	return n
}

// remove удаляет запись и её членство в тегах. Вызывается под b.mu.
func (b *localBackend) remove(key string) {
	e, ok := b.entries[key]
	if !ok {
		return
	}

	for _, tag := range e.tags {
		members := b.tags[tag]
		delete(members, key)
		if len(members) == 0 {
			delete(b.tags, tag)
		}
	}

	b.bytes -= e.footprint(key)
	delete(b.entries, key)
}
