// Package steps содержит процессоры, которые runtime воркера запускает
// для сообщений: HTTP вызов, задержка, трансформация payload.
//
// # Обзор
//
// Router реализует worker.Processor и выбирает Step по полю "type"
// payload сообщения (или по типу по умолчанию):
//
//	router := steps.NewRouter(steps.DefaultRegistry(), steps.StepTypeTransform)
//	rt, err := worker.New(worker.Config{Processor: router, ...})
//
// Результат Router публикуется в выходные очереди:
//
//	{"task_id": "t1", "type": "http", "outputs": {...}}
//
// # Интерфейс Step
//
//	type Step interface {
//	    Type() string
//	    Execute(ctx context.Context, req *Request) (*Response, error)
//	}
//
// Request несёт payload (Config) и Job runtime: через него шаг получает
// логгер задачи, лимитер и кэш.
//
// # Типы шагов
//
// ## HTTP (http.go)
//
// Запрос к внешнему API. Лимитер задачи ждётся с ключом host, GET ответы
// кэшируются в namespace "http" с тегом host. Статус ≥ 400 — HTTPError.
//
// ## Delay (delay.go)
//
// Пауза на duration_sec или duration_ms, прерывается при отмене ctx.
//
// ## Transform (transform.go)
//
// Go templates над payload:
//
//	{"type": "transform", "n": 2, "mappings": {"double": "{{ .n }}{{ .n }}"}}
//
// Без mappings возвращает payload.
//
// # Ошибки
//
// Router присваивает ошибкам вид для dead-letter записи:
//   - ErrStepNotFound → "UnknownStepType"
//   - ErrInvalidConfig → "InvalidConfig"
//   - *HTTPError → "HTTPError"
package steps
