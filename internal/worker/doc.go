// Package worker — runtime устойчивого воркера-потребителя очередей.
//
// # Обзор
//
// Runtime владеет жизненным циклом воркера: подключением к брокеру
// и общему хранилищу, циклом потребления, изоляцией сбоев, health
// и метриками, остановкой. Доменная логика подключается через Processor
// и сама ничего не знает об очередях.
//
// Воркеры масштабируются процессами: каждый держит не больше одного
// неподтверждённого сообщения на входную очередь, параллелизм внутри
// процесса не увеличивается.
//
// # Ключевые компоненты
//
// ## Runtime
//
// Создаётся через New(cfg Config) и запускается методом Run(ctx),
// который блокируется до остановки.
//
//	rt, err := worker.New(worker.Config{
//	    Name:         "enricher",
//	    InputQueues:  []string{"tasks"},
//	    OutputQueues: []string{"results"},
//	    Processor:    processor,
//	    DialBroker:   dialBroker,
//	    DialStore:    dialStore,
//	    Logger:       logger,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := rt.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// ## Processor
//
//	type Processor interface {
//	    Process(ctx context.Context, job *Job) (any, error)
//	}
//
// Job несёт Envelope сообщения, логгер с task_id, а также Limiter
// и Cache runtime: доменная логика получает их явно, а не через
// глобальные переменные.
//
// # Обработка сообщения
//
//  1. Тело разбирается в Envelope (JSON объект, task_id или "unknown")
//  2. task_id добавляется в логгер, открывается span
//  3. Если включён RateLimitProcessing — ожидание лимитера
//  4. Process вызывается под circuit breaker, паника становится ошибкой
//  5. Успех → результат публикуется во все OutputQueues
//  6. Ошибка → ровно одна DeadLetterRecord в <queue>_dlq
//  7. Сообщение подтверждается в любом случае
//
// Ошибки публикации логируются и не мешают подтверждению.
//
// # Circuit breaker
//
// После FailureThreshold ошибок подряд breaker открывается: сообщения
// сразу уходят в DLQ с error_type "CircuitOpenError", Process не вызывается.
// Через RecoveryTimeout пропускается один пробный вызов; успех закрывает
// breaker, ошибка открывает снова. Пока breaker открыт, статус воркера — DEGRADED.
//
// # Ошибки
//
// error_type записи DLQ определяет ErrorKind:
//   - TaskError.Kind, если ошибка создана через Errorf или &TaskError{}
//   - имя типа ошибки (type ValueError struct{...} → "ValueError")
//   - "Error" для errors.New и fmt.Errorf
//
// Ошибки подключения возвращаются из Run. Потеря брокера во время работы
// переводит воркер в ERROR и останавливает его.
//
// # Health
//
// Health loop публикует HealthStatus в хранилище под ключом
// worker:<name>:health с TTL 2×HealthCheckInterval: запись упавшего
// воркера истекает сама.
package worker
