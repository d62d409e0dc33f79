package cache

import "time"

type options struct {
	namespace string
	ttl       time.Duration
	tags      []string
}

// Option — параметр отдельной операции кэша.
type Option func(*options)

// WithNamespace задаёт namespace ключа.
func WithNamespace(ns string) Option {
	return func(o *options) {
		if ns != "" {
			o.namespace = ns
		}
	}
}

// WithTTL задаёт TTL записи. Неположительное значение игнорируется.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithTags регистрирует запись под тегами.
func WithTags(tags ...string) Option {
	return func(o *options) {
		o.tags = append(o.tags, tags...)
	}
}
