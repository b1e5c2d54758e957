package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"profile-notifier/internal/interfaces"
	"profile-notifier/internal/models"

	"github.com/google/uuid"
)

var _ interfaces.QueueReceiver = (*MemoryReceiver)(nil)

type memoryMessage struct {
	id           string
	body         []byte
	receiveCount int
	handle       string    // Текущий receipt handle, пусто - сообщение не выдано
	visibleAt    time.Time // До этого момента сообщение скрыто от Poll
}

// MemoryReceiver - очередь в памяти процесса с семантикой visibility timeout:
// выданное сообщение скрыто, пока его не подтвердят или не истечет аренда.
type MemoryReceiver struct {
	name         string
	visibility   time.Duration
	releaseDelay time.Duration

	mu       sync.Mutex
	messages []*memoryMessage
	changed  chan struct{} // Закрывается при любом изменении очереди
	closed   bool
	acked    int
	rejected int
	now      func() time.Time
}

// NewMemoryReceiver создает очередь. releaseDelay - через сколько возвращенное (Release) сообщение снова станет видимым.
func NewMemoryReceiver(name string, visibility, releaseDelay time.Duration) *MemoryReceiver {
	if visibility <= 0 {
		visibility = 120 * time.Second
	}
	return &MemoryReceiver{
		name:         name,
		visibility:   visibility,
		releaseDelay: releaseDelay,
		changed:      make(chan struct{}),
		now:          time.Now,
	}
}

func (r *MemoryReceiver) Name() string {
	return r.name
}

// Send добавляет сообщение в очередь и возвращает его ID.
func (r *MemoryReceiver) Send(body []byte) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", models.ErrReceiverClosed
	}
	id := uuid.NewString()
	r.messages = append(r.messages, &memoryMessage{id: id, body: append([]byte(nil), body...)})
	r.notifyLocked()
	return id, nil
}

// Poll выдает до maxBatch видимых сообщений, ожидая не дольше wait.
func (r *MemoryReceiver) Poll(ctx context.Context, maxBatch int, wait time.Duration) ([]models.RawMessage, error) {
	if maxBatch <= 0 {
		maxBatch = 1
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, models.ErrReceiverClosed
		}
		batch, nextVisible := r.takeLocked(maxBatch)
		changed := r.changed
		r.mu.Unlock()

		if len(batch) > 0 {
			return batch, nil
		}

		// Ждем нового сообщения, истечения чьей-то аренды или конца long poll.
		var (
			leaseTimer *time.Timer
			leaseC     <-chan time.Time
		)
		if !nextVisible.IsZero() {
			leaseTimer = time.NewTimer(time.Until(nextVisible))
			leaseC = leaseTimer.C
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-changed:
		case <-leaseC:
		}
		if leaseTimer != nil {
			leaseTimer.Stop()
		}
	}
}

// takeLocked выдает видимые сообщения и возвращает ближайший момент, когда станет видимым скрытое.
func (r *MemoryReceiver) takeLocked(maxBatch int) ([]models.RawMessage, time.Time) {
	now := r.now()
	var (
		batch       []models.RawMessage
		nextVisible time.Time
	)
	for _, m := range r.messages {
		if m.visibleAt.After(now) {
			if nextVisible.IsZero() || m.visibleAt.Before(nextVisible) {
				nextVisible = m.visibleAt
			}
			continue
		}
		if len(batch) == maxBatch {
			break
		}
		m.receiveCount++
		m.handle = uuid.NewString()
		m.visibleAt = now.Add(r.visibility)
		batch = append(batch, models.RawMessage{
			ID:                      m.id,
			ReceiptHandle:           m.handle,
			Body:                    m.body,
			ApproximateReceiveCount: m.receiveCount,
			Source:                  r.name,
			ReceivedAt:              now,
		})
	}
	return batch, nextVisible
}

func (r *MemoryReceiver) Ack(_ context.Context, receiptHandle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.removeLocked(receiptHandle); err != nil {
		return err
	}
	r.acked++
	return nil
}

func (r *MemoryReceiver) Reject(_ context.Context, receiptHandle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.removeLocked(receiptHandle); err != nil {
		return err
	}
	r.rejected++
	return nil
}

// Release делает сообщение снова видимым через releaseDelay. Старый handle перестает действовать.
func (r *MemoryReceiver) Release(_ context.Context, receiptHandle string) error {
	return r.setVisibility(receiptHandle, r.releaseDelay, true)
}

func (r *MemoryReceiver) ExtendLease(_ context.Context, receiptHandle string, d time.Duration) error {
	return r.setVisibility(receiptHandle, d, false)
}

func (r *MemoryReceiver) setVisibility(receiptHandle string, d time.Duration, release bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.findLocked(receiptHandle)
	if m == nil {
		return fmt.Errorf("%w: %s", models.ErrReceiptHandleInvalid, receiptHandle)
	}
	m.visibleAt = r.now().Add(d)
	if release {
		m.handle = ""
	}
	r.notifyLocked()
	return nil
}

// Close останавливает очередь. Ожидающие Poll возвращают models.ErrReceiverClosed.
func (r *MemoryReceiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		r.notifyLocked()
	}
	return nil
}

// Pending - количество сообщений в очереди, включая выданные и неподтвержденные.
func (r *MemoryReceiver) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

// Stats возвращает количество подтвержденных и выброшенных сообщений.
func (r *MemoryReceiver) Stats() (acked, rejected int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acked, r.rejected
}

// findLocked ищет выданное сообщение по handle. Handle просроченной аренды недействителен.
func (r *MemoryReceiver) findLocked(receiptHandle string) *memoryMessage {
	if receiptHandle == "" {
		return nil
	}
	now := r.now()
	for _, m := range r.messages {
		if m.handle == receiptHandle {
			if !m.visibleAt.After(now) {
				return nil
			}
			return m
		}
	}
	return nil
}

func (r *MemoryReceiver) removeLocked(receiptHandle string) error {
	m := r.findLocked(receiptHandle)
	if m == nil {
		return fmt.Errorf("%w: %s", models.ErrReceiptHandleInvalid, receiptHandle)
	}
	for i, candidate := range r.messages {
		if candidate == m {
			r.messages = append(r.messages[:i], r.messages[i+1:]...)
			break
		}
	}
	r.notifyLocked()
	return nil
}

func (r *MemoryReceiver) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}
