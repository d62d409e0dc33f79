// Package breaker — circuit breaker для изоляции сбоев доменной логики.
// Построен на github.com/sony/gobreaker.
package breaker

import (
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen — вызов отклонён: breaker открыт или пробный half-open вызов уже занят.
var ErrOpen = errors.New("circuit breaker is open")

// State — состояние circuit breaker.
type State string

// Состояния.
const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Значения по умолчанию.
const (
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 60 * time.Second
)

// Config — конфигурация breaker.
type Config struct {
	// Name — имя для логов.
	Name string

	// FailureThreshold — число последовательных ошибок, после которого breaker открывается.
	FailureThreshold uint32

	// RecoveryTimeout — сколько breaker остаётся открытым перед пробным вызовом.
	RecoveryTimeout time.Duration
}

// Breaker оборачивает gobreaker.CircuitBreaker.
//
// CLOSED → OPEN после FailureThreshold ошибок подряд.
// OPEN → HALF_OPEN по истечении RecoveryTimeout; пропускается ровно один вызов.
// Его успех закрывает breaker, ошибка — снова открывает.
type Breaker struct {
	cb   *gobreaker.CircuitBreaker
	name string
}

// New создаёт Breaker.
func New(cfg Config, logger *slog.Logger) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = defaultRecoveryTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	threshold := cfg.FailureThreshold

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"circuit", name,
				"from", convert(from),
				"to", convert(to),
			)
		},
	}

	return &Breaker{
		cb:   gobreaker.NewCircuitBreaker(settings),
		name: cfg.Name,
	}
}

// Call выполняет fn через breaker.
// Если breaker открыт, fn не вызывается и возвращается ErrOpen.
func (b *Breaker) Call(fn func() (any, error)) (any, error) {
	result, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrOpen
	}
	return result, err
}

// State возвращает текущее состояние.
func (b *Breaker) State() State {
	return convert(b.cb.State())
}

// IsOpen — true, пока breaker открыт и таймаут восстановления не истёк.
func (b *Breaker) IsOpen() bool {
	return b.State() == StateOpen
}

// Name возвращает имя breaker.
func (b *Breaker) Name() string {
	return b.name
}

// Gauge — числовое представление состояния для метрик.
func (s State) Gauge() float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

func convert(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
