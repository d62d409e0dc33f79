package steps

import (
	"context"
	"fmt"
	"time"
)

const (
	// StepTypeDelay — тип шага задержки.
	StepTypeDelay = "delay"

	// maxDelay — верхняя граница задержки.
	maxDelay = 5 * time.Minute

	// Ключи конфигурации delay.
	configDurationSec = "duration_sec"
	configDurationMs  = "duration_ms"
)

// DelayStep — шаг задержки.
//
// Приостанавливает обработку на указанное время и прерывается при отмене ctx.
//
// Конфигурация:
//
//	{
//	    "type": "delay",
//	    "duration_sec": 10,    // задержка в секундах
//	    // или
//	    "duration_ms": 5000    // задержка в миллисекундах
//	}
type DelayStep struct{}

// NewDelayStep создаёт новый DelayStep.
func NewDelayStep() *DelayStep {
	return &DelayStep{}
}

// Type возвращает тип шага.
func (s *DelayStep) Type() string {
	return StepTypeDelay
}

// Execute выполняет задержку.
func (s *DelayStep) Execute(ctx context.Context, req *Request) (*Response, error) {
	duration, err := s.parseDuration(req.Config)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrStepCancelled, ctx.Err())
	case <-timer.C:
		return NewResponse(map[string]any{
			"duration_ms": duration.Milliseconds(),
		}), nil
	}
}

// parseDuration извлекает длительность из конфигурации.
// duration_sec имеет приоритет над duration_ms.
func (s *DelayStep) parseDuration(config map[string]any) (time.Duration, error) {
	var d time.Duration
	if sec := GetConfigInt(config, configDurationSec); sec > 0 {
		d = time.Duration(sec) * time.Second
	} else if ms := GetConfigInt(config, configDurationMs); ms > 0 {
		d = time.Duration(ms) * time.Millisecond
	}

	switch {
	case d <= 0:
		return 0, fmt.Errorf("%w: %s: duration_sec or duration_ms required",
			ErrInvalidConfig, StepTypeDelay)
	case d > maxDelay:
		return 0, fmt.Errorf("%w: %s: duration %s exceeds %s",
			ErrInvalidConfig, StepTypeDelay, d, maxDelay)
	}
	return d, nil
}
