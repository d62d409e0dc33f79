package mq

import "errors"

var (
	// ErrClosed возвращается при работе с закрытым соединением.
	ErrClosed = errors.New("mq: connection closed")

	// ErrConnectionLost — соединение с брокером разорвано.
	ErrConnectionLost = errors.New("mq: connection lost")

	// ErrDeliveriesClosed — брокер закрыл канал доставки consumer'а.
	ErrDeliveriesClosed = errors.New("mq: deliveries channel closed")
)
