package ratelimit

import "errors"

// ErrInvalidConfig — лимитер не может быть создан с такой конфигурацией.
var ErrInvalidConfig = errors.New("invalid rate limiter config")
