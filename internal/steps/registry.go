package steps

import (
	"fmt"
	"maps"
	"slices"
)

// Registry — набор шагов по типу.
//
// Собирается один раз при старте и дальше только читается,
// поэтому безопасен для конкурентного Get без блокировок.
type Registry struct {
	steps map[string]Step
}

// NewRegistry собирает реестр из шагов. При совпадении типов
// побеждает шаг, переданный позже.
func NewRegistry(steps ...Step) *Registry {
	r := &Registry{steps: make(map[string]Step, len(steps))}
	for _, s := range steps {
		r.steps[s.Type()] = s
	}
	return r
}

// DefaultRegistry — delay, http, transform и дополнительные шаги extra.
func DefaultRegistry(extra ...Step) *Registry {
	builtin := []Step{NewDelayStep(), NewHTTPStep(), NewTransformStep()}
	return NewRegistry(append(builtin, extra...)...)
}

// Get возвращает шаг по типу или ErrStepNotFound.
func (r *Registry) Get(stepType string) (Step, error) {
	step, ok := r.steps[stepType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrStepNotFound, stepType)
	}
	return step, nil
}

// Has проверяет, зарегистрирован ли шаг.
func (r *Registry) Has(stepType string) bool {
	_, ok := r.steps[stepType]
	return ok
}

// Types возвращает отсортированный список типов.
func (r *Registry) Types() []string {
	return slices.Sorted(maps.Keys(r.steps))
}
