// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — соединение с RabbitMQ (без reconnect, graceful shutdown)
//   - topology.go   — объявление очередей воркера и их dead-letter очередей
//   - publisher.go  — публикация сообщений в очереди
//   - consumer.go   — потребление сообщений из очередей
//   - broker.go     — всё вместе, для runtime воркера
//
// Очереди:
//   - <input>      — входные очереди, durable
//   - <input>_dlq  — записи о неудачной обработке сообщений из <input>
//   - <output>     — результаты обработки
//
// Публикация идёт через default exchange: routing key равен имени очереди.
//
// Каждый consumer работает на собственном канале с prefetch (по умолчанию 1)
// и вызывает Handler синхронно, поэтому воркер держит не больше prefetch
// неподтверждённых сообщений на очередь.
package mq
