package models

import "time"

// RawMessage - сообщение в том виде, в котором его вернула очередь.
// Принадлежит получателю (QueueReceiver) до подтверждения или истечения аренды.
type RawMessage struct {
	ID                      string // ID сообщения в очереди
	ReceiptHandle           string // Непрозрачный токен для Ack/Release/ExtendLease
	Body                    []byte
	ApproximateReceiveCount int
	Source                  string // Имя источника (очереди), из которого получено сообщение
	ReceivedAt              time.Time
}

// EventKind - тип изменения профиля.
type EventKind string

const (
	KindProfileDataChanged EventKind = "ProfileDataChanged"
	KindDeviceDisconnected EventKind = "DeviceDisconnected"
	KindPasswordChanged    EventKind = "PasswordChanged"
	KindAccountDestroyed   EventKind = "AccountDestroyed"
)

// ChangeEvent - декодированное событие изменения профиля. Неизменяемо после декодирования.
type ChangeEvent struct {
	AccountID       string
	Kind            EventKind
	RawKind         string    // Значение kind как оно пришло в сообщении
	OccurredAt      time.Time // Может быть нулевым, если производитель его не указал
	SourceMessageID string
	DeviceID        string // Только для DeviceDisconnected (опционально)
}

// Outcome - решение обработчика по сообщению.
type Outcome int

const (
	OutcomeAck Outcome = iota
	OutcomeRetryLater
	OutcomeDeadLetter
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeRetryLater:
		return "retry_later"
	case OutcomeDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}
