package worker

import (
	"errors"
	"fmt"
	"reflect"
)

// Ошибки runtime.
var (
	// ErrStopped — runtime уже остановлен, повторный запуск невозможен.
	ErrStopped = errors.New("worker stopped")

	// ErrNoInputQueues — не задано ни одной входной очереди.
	ErrNoInputQueues = errors.New("no input queues configured")

	// ErrNoProcessor — не задан Processor.
	ErrNoProcessor = errors.New("no processor configured")

	// ErrNoBroker — не задан DialBroker.
	ErrNoBroker = errors.New("no broker dialer configured")
)

// Виды ошибок, которые runtime присваивает сам.
const (
	// KindDecode — тело сообщения не является JSON объектом.
	KindDecode = "DecodeError"

	// KindEncode — результат Process не кодируется в JSON.
	KindEncode = "EncodeError"

	// KindCircuitOpen — вызов отклонён открытым circuit breaker.
	KindCircuitOpen = "CircuitOpenError"

	// KindPanic — Process паниковал.
	KindPanic = "Panic"

	// kindGeneric — ошибка без собственного типа.
	kindGeneric = "Error"
)

// TaskError — ошибка обработки сообщения с явно заданным видом.
// Kind попадает в поле error_type записи dead-letter.
type TaskError struct {
	Kind string
	Err  error
}

// Errorf создаёт TaskError вида kind с сообщением по формату.
func Errorf(kind, format string, args ...any) error {
	return &TaskError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (e *TaskError) Error() string {
	return e.Err.Error()
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// ErrorKind возвращает вид ошибки для записи dead-letter.
//
// Порядок:
//  1. Kind ближайшего TaskError в цепочке
//  2. Имя типа первой ошибки в цепочке, объявленной вне пакетов errors и fmt
//  3. "Error"
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}

	var te *TaskError
	if errors.As(err, &te) && te.Kind != "" {
		return te.Kind
	}

	for e := err; e != nil; e = errors.Unwrap(e) {
		if _, ok := e.(*TaskError); ok {
			continue
		}
		if name := typeName(e); name != "" {
			return name
		}
	}

	return kindGeneric
}

// typeName возвращает имя типа ошибки или "" для обёрток стандартной
// библиотеки (errors.New, fmt.Errorf, errors.Join).
func typeName(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	switch t.PkgPath() {
	case "errors", "fmt":
		return ""
	}
	return t.Name()
}
