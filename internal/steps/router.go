package steps

import (
	"context"
	"errors"

	"github.com/shaiso/workerkit/internal/worker"
)

// configType — поле payload с типом шага.
const configType = "type"

// Router — worker.Processor, который выбирает шаг по полю "type" payload.
//
// Результат обработки:
//
//	{
//	    "task_id": "t1",
//	    "type": "http",
//	    "outputs": {...}
//	}
type Router struct {
	registry    *Registry
	defaultType string
}

// NewRouter создаёт Router поверх registry. defaultType используется,
// когда в payload нет поля "type" (пустая строка — поле обязательно).
func NewRouter(registry *Registry, defaultType string) *Router {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Router{registry: registry, defaultType: defaultType}
}

// Process реализует worker.Processor.
func (r *Router) Process(ctx context.Context, job *worker.Job) (any, error) {
	req := NewRequest(job)

	stepType := GetConfigString(req.Config, configType)
	if stepType == "" {
		stepType = r.defaultType
	}

	step, err := r.registry.Get(stepType)
	if err != nil {
		return nil, &worker.TaskError{Kind: KindUnknownStep, Err: err}
	}

	resp, err := step.Execute(ctx, req)
	if err != nil {
		return nil, classify(err)
	}

	result := map[string]any{
		"type":    stepType,
		"outputs": resp.Outputs,
	}
	if job != nil && job.Envelope != nil {
		result["task_id"] = job.Envelope.TaskID
	}
	return result, nil
}

// classify присваивает ошибке шага вид для dead-letter записи.
func classify(err error) error {
	var te *worker.TaskError
	if errors.As(err, &te) {
		return err
	}

	var httpErr *HTTPError
	switch {
	case errors.Is(err, ErrInvalidConfig):
		return &worker.TaskError{Kind: KindInvalidConfig, Err: err}
	case errors.As(err, &httpErr):
		return &worker.TaskError{Kind: KindHTTP, Err: err}
	}
	return err
}
