package worker

import (
	"encoding/json"
	"time"

	"github.com/shaiso/workerkit/internal/mq"
)

// unknownTaskID — task_id сообщения без task_id.
const unknownTaskID = "unknown"

// Envelope — распарсенное входящее сообщение.
type Envelope struct {
	// TaskID — идентификатор для корреляции логов и DLQ ("unknown", если не задан).
	TaskID string

	// Payload — тело сообщения.
	Payload map[string]any

	// RoutingKey — ключ маршрутизации.
	RoutingKey string

	// Queue — входная очередь.
	Queue string

	// ReceivedAt — время получения.
	ReceivedAt time.Time
}

// ParseEnvelope разбирает тело доставки. Тело обязано быть JSON объектом;
// иначе возвращается ошибка вида DecodeError и Envelope с TaskID "unknown".
func ParseEnvelope(d *mq.Delivery) (*Envelope, error) {
	env := &Envelope{
		TaskID:     unknownTaskID,
		RoutingKey: d.RoutingKey,
		Queue:      d.Queue,
		ReceivedAt: d.ReceivedAt,
	}

	var payload map[string]any
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		return env, &TaskError{Kind: KindDecode, Err: err}
	}
	if payload == nil {
		return env, Errorf(KindDecode, "message body is not a JSON object")
	}

	env.Payload = payload
	if id, ok := payload["task_id"].(string); ok && id != "" {
		env.TaskID = id
	}

	return env, nil
}

// DeadLetterRecord — запись о неудачной обработке в <queue>_dlq.
type DeadLetterRecord struct {
	// OriginalMessage — исходное тело: JSON как есть, иначе строкой.
	OriginalMessage json.RawMessage `json:"original_message"`
	Error           string          `json:"error"`
	ErrorType       string          `json:"error_type"`
	Timestamp       string          `json:"timestamp"`
	Worker          string          `json:"worker"`
	Queue           string          `json:"queue"`
}

// newDeadLetter собирает запись для err.
func newDeadLetter(worker string, d *mq.Delivery, err error, now time.Time) DeadLetterRecord {
	original := json.RawMessage(d.Body)
	if !json.Valid(d.Body) {
		original, _ = json.Marshal(string(d.Body))
	}

	return DeadLetterRecord{
		OriginalMessage: original,
		Error:           err.Error(),
		ErrorType:       ErrorKind(err),
		Timestamp:       now.UTC().Format(time.RFC3339),
		Worker:          worker,
		Queue:           d.Queue,
	}
}
