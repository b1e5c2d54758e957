package interfaces

import (
	"context"
	"time"

	"profile-notifier/internal/models"
)

// QueueReceiver - источник сообщений с подтверждением и арендой (visibility timeout).
type QueueReceiver interface {
	// Name возвращает имя источника для логов и метрик.
	Name() string
	// Poll ждет не дольше wait и возвращает от 0 до maxBatch сообщений.
	Poll(ctx context.Context, maxBatch int, wait time.Duration) ([]models.RawMessage, error)
	// Ack удаляет сообщение. Повторный Ack или Ack просроченного handle не фатален.
	Ack(ctx context.Context, receiptHandle string) error
	// Release оставляет сообщение неподтвержденным, чтобы очередь доставила его снова.
	Release(ctx context.Context, receiptHandle string) error
	// Reject удаляет сообщение, которое невозможно обработать (или отправляет его в DLQ).
	Reject(ctx context.Context, receiptHandle string) error
	// ExtendLease продлевает аренду сообщения.
	ExtendLease(ctx context.Context, receiptHandle string, d time.Duration) error
	// Close освобождает ресурсы источника.
	Close() error
}

// DedupStore отмечает обработанные sourceMessageID внутри окна дедупликации.
type DedupStore interface {
	// MarkSeen записывает id и сообщает, видели ли его впервые в пределах окна.
	MarkSeen(ctx context.Context, id string) (firstSeen bool, err error)
}
