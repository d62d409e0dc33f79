package steps

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shaiso/workerkit/internal/cache"
	"github.com/shaiso/workerkit/internal/ratelimit"
	"github.com/shaiso/workerkit/internal/worker"
)

// Ошибки шагов.
var (
	// ErrStepNotFound — тип шага не найден в реестре.
	ErrStepNotFound = errors.New("step type not found")

	// ErrInvalidConfig — невалидная конфигурация шага.
	ErrInvalidConfig = errors.New("invalid step config")

	// ErrStepCancelled — выполнение шага отменено.
	ErrStepCancelled = errors.New("step execution cancelled")
)

// Виды ошибок шагов для dead-letter записей.
const (
	KindUnknownStep   = "UnknownStepType"
	KindInvalidConfig = "InvalidConfig"
	KindHTTP          = "HTTPError"
)

// Step — интерфейс для типов шагов.
//
// Каждый тип шага (http, delay, transform) реализует этот интерфейс.
type Step interface {
	// Type возвращает тип шага.
	Type() string

	// Execute выполняет шаг и возвращает результат.
	Execute(ctx context.Context, req *Request) (*Response, error)
}

// Request — входные данные для выполнения шага.
type Request struct {
	// Config — payload сообщения: конфигурация шага и его данные.
	Config map[string]any

	// Job — задача runtime. Может быть nil (тогда лимитер и кэш не используются).
	Job *worker.Job
}

// NewRequest создаёт Request для задачи runtime.
func NewRequest(job *worker.Job) *Request {
	req := &Request{Job: job}
	if job != nil && job.Envelope != nil {
		req.Config = job.Payload()
	}
	if req.Config == nil {
		req.Config = make(map[string]any)
	}
	return req
}

// Logger возвращает логгер задачи или slog.Default().
func (r *Request) Logger() *slog.Logger {
	if r.Job != nil && r.Job.Logger != nil {
		return r.Job.Logger
	}
	return slog.Default()
}

// Response — результат выполнения шага.
type Response struct {
	// Outputs — выходные данные шага.
	Outputs map[string]any
}

// NewResponse создаёт новый Response с outputs.
func NewResponse(outputs map[string]any) *Response {
	if outputs == nil {
		outputs = make(map[string]any)
	}
	return &Response{
		Outputs: outputs,
	}
}

// GetConfigString извлекает строковое значение из конфига.
func GetConfigString(config map[string]any, key string) string {
	if v, ok := config[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GetConfigInt извлекает числовое значение из конфига.
func GetConfigInt(config map[string]any, key string) int {
	if v, ok := config[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return 0
}

// GetConfigBool извлекает булево значение из конфига.
func GetConfigBool(config map[string]any, key string, defaultVal bool) bool {
	if v, ok := config[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultVal
}

// GetConfigMapString извлекает map[string]string из конфига.
func GetConfigMapString(config map[string]any, key string) map[string]string {
	if v, ok := config[key]; ok {
		switch m := v.(type) {
		case map[string]string:
			return m
		case map[string]any:
			result := make(map[string]string)
			for k, val := range m {
				if s, ok := val.(string); ok {
					result[k] = s
				}
			}
			return result
		}
	}
	return nil
}

func (r *Request) limiter() *ratelimit.Limiter {
	if r.Job == nil {
		return nil
	}
	return r.Job.Limiter
}

func (r *Request) cache() *cache.Manager {
	if r.Job == nil {
		return nil
	}
	return r.Job.Cache
}
