package mq

import (
	"fmt"
	"slices"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeadLetterSuffix — суффикс dead-letter очереди.
const DeadLetterSuffix = "_dlq"

// DeadLetterQueue возвращает имя dead-letter очереди для queue.
func DeadLetterQueue(queue string) string {
	return queue + DeadLetterSuffix
}

// Topology — очереди одного воркера.
type Topology struct {
	// Inputs — очереди, из которых читает воркер.
	Inputs []string

	// Outputs — очереди для результатов.
	Outputs []string
}

// Queues возвращает все очереди топологии без повторов:
// входные, их dead-letter очереди, выходные.
func (t Topology) Queues() []string {
	queues := make([]string, 0, 2*len(t.Inputs)+len(t.Outputs))

	add := func(name string) {
		if name != "" && !slices.Contains(queues, name) {
			queues = append(queues, name)
		}
	}

	for _, q := range t.Inputs {
		add(q)
		add(DeadLetterQueue(q))
	}
	for _, q := range t.Outputs {
		add(q)
	}

	return queues
}

// Declare объявляет durable очереди топологии.
func (t Topology) Declare(conn *Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	return declareQueues(ch, t.Queues())
}

// declareQueues создаёт очереди.
func declareQueues(ch *amqp.Channel, queues []string) error {
	for _, name := range queues {
		_, err := ch.QueueDeclare(
			name,  // name
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", name, err)
		}
	}

	return nil
}

// queueDepth возвращает число готовых сообщений в очереди.
// Passive declare на несуществующей очереди закрывает канал,
// поэтому используется отдельный короткоживущий канал.
func queueDepth(conn *Connection, queue string) (int, error) {
	ch, err := conn.OpenChannel()
	if err != nil {
		return 0, err
	}
	defer ch.Close()

	q, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("inspect queue %s: %w", queue, err)
	}
	return q.Messages, nil
}
