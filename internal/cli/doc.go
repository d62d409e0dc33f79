// Package cli реализует workerctl — инструмент оператора воркеров.
//
// # Обзор
//
// CLI работает напрямую с RabbitMQ и Redis, которые используют воркеры:
// публикует задачи, показывает глубину очередей и DLQ, читает
// health-документы, сбрасывает теги общего кэша и показывает остаток
// общего лимита.
//
// # Ключевые компоненты
//
// ## Client
//
// Операции над брокером и хранилищем. Брокер подключается на время
// одной команды, Redis — лениво при первом запросе.
//
//	client, err := cli.NewClient(cli.Options{RabbitMQURL: mqURL, RedisURL: redisURL})
//	statuses, err := client.Health(ctx)
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success) — в stderr.
// Это позволяет использовать pipe: workerctl health --json | jq .
//
// ## Commands
//
//   - task publish PAYLOAD [--queue tasks]
//   - queue depth QUEUE...
//   - health [WORKER...]
//   - cache invalidate TAG
//   - ratelimit remaining IDENTIFIER --rate N [--period 1s] [--name worker]
//
// Каждая группа создаётся фабричной функцией (NewTaskCmd и т.д.),
// принимающей clientFn и outputFn — замыкания для ленивого создания
// Client и Output после парсинга PersistentFlags.
package cli
