package messaging

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"profile-notifier/internal/interfaces"
	"profile-notifier/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var _ interfaces.QueueReceiver = (*RabbitReceiver)(nil)

// RabbitReceiver читает очередь RabbitMQ через consumer-канал с prefetch.
// RabbitMQ не знает про visibility timeout: неподтвержденное сообщение вернется
// в очередь при закрытии канала, а Release возвращает его явно через Nack(requeue).
type RabbitReceiver struct {
	conn         ChannelOpener
	queueName    string
	prefetch     int
	requeueDelay time.Duration
	logger       *zap.Logger

	mu         sync.Mutex
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
	gen        uint64                   // Поколение канала: handle старого канала недействителен
	pending    map[string]amqp.Delivery // receipt handle -> выданная доставка
	timers     map[string]*time.Timer   // отложенные Nack(requeue)
	closed     bool
}

// NewRabbitReceiver создает получателя. Канал открывается при первом Poll и переоткрывается после разрыва;
// чтобы пережить разрыв соединения, conn должен уметь переподключаться (RabbitConnection).
func NewRabbitReceiver(conn ChannelOpener, queueName string, prefetch int, requeueDelay time.Duration, logger *zap.Logger) (*RabbitReceiver, error) {
	if conn == nil {
		return nil, fmt.Errorf("RabbitMQ connection is nil")
	}
	if prefetch <= 0 {
		prefetch = 10
	}
	return &RabbitReceiver{
		conn:         conn,
		queueName:    queueName,
		prefetch:     prefetch,
		requeueDelay: requeueDelay,
		logger:       logger.Named("rabbit_receiver").With(zap.String("queue", queueName)),
		pending:      make(map[string]amqp.Delivery),
		timers:       make(map[string]*time.Timer),
	}, nil
}

func (r *RabbitReceiver) Name() string {
	return "rabbitmq:" + r.queueName
}

// ensureConsumer открывает канал и регистрирует консьюмера, если их еще нет.
func (r *RabbitReceiver) ensureConsumer() (<-chan amqp.Delivery, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, 0, models.ErrReceiverClosed
	}
	if r.deliveries != nil {
		return r.deliveries, r.gen, nil
	}

	ch, err := r.conn.Channel()
	if err != nil {
		return nil, 0, fmt.Errorf("не удалось открыть канал RabbitMQ: %w", err)
	}
	if _, err := ch.QueueDeclare(
		r.queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments (DLX настраивается политикой брокера)
	); err != nil {
		_ = ch.Close()
		return nil, 0, fmt.Errorf("не удалось объявить очередь '%s': %w", r.queueName, err)
	}
	if err := ch.Qos(r.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, 0, fmt.Errorf("не удалось установить QoS: %w", err)
	}
	deliveries, err := ch.Consume(
		r.queueName,
		"profile-notifier", // consumer tag
		false,              // auto-ack = false
		false,              // exclusive
		false,              // no-local
		false,              // no-wait
		nil,                // args
	)
	if err != nil {
		_ = ch.Close()
		return nil, 0, fmt.Errorf("не удалось зарегистрировать консьюмера: %w", err)
	}

	r.ch = ch
	r.deliveries = deliveries
	r.gen++
	r.logger.Info("Консьюмер RabbitMQ зарегистрирован", zap.Int("prefetch", r.prefetch), zap.Uint64("generation", r.gen))
	return deliveries, r.gen, nil
}

// resetChannel забывает закрытый канал; выданные из него доставки больше нельзя подтвердить.
func (r *RabbitReceiver) resetChannel(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen || r.deliveries == nil {
		return
	}
	if r.ch != nil {
		_ = r.ch.Close()
	}
	r.ch = nil
	r.deliveries = nil
	clear(r.pending)
}

func (r *RabbitReceiver) Poll(ctx context.Context, maxBatch int, wait time.Duration) ([]models.RawMessage, error) {
	deliveries, gen, err := r.ensureConsumer()
	if err != nil {
		return nil, err
	}
	if maxBatch <= 0 {
		maxBatch = 1
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	batch := make([]models.RawMessage, 0, maxBatch)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case d, ok := <-deliveries:
		if !ok {
			r.resetChannel(gen)
			return nil, fmt.Errorf("канал RabbitMQ для очереди '%s' закрыт", r.queueName)
		}
		batch = append(batch, r.track(d, gen))
	}

	// Добираем то, что уже лежит в prefetch-буфере, не дожидаясь новых сообщений.
	for len(batch) < maxBatch {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return batch, nil
			}
			batch = append(batch, r.track(d, gen))
		default:
			return batch, nil
		}
	}
	return batch, nil
}

func (r *RabbitReceiver) track(d amqp.Delivery, gen uint64) models.RawMessage {
	handle := fmt.Sprintf("%d:%d", gen, d.DeliveryTag)
	r.mu.Lock()
	r.pending[handle] = d
	r.mu.Unlock()

	return models.RawMessage{
		ID:                      rabbitMessageID(d),
		ReceiptHandle:           handle,
		Body:                    d.Body,
		ApproximateReceiveCount: rabbitReceiveCount(d),
		Source:                  r.Name(),
		ReceivedAt:              time.Now(),
	}
}

func (r *RabbitReceiver) take(receiptHandle string) (amqp.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.pending[receiptHandle]
	if !ok {
		return amqp.Delivery{}, fmt.Errorf("%w: %s", models.ErrReceiptHandleInvalid, receiptHandle)
	}
	delete(r.pending, receiptHandle)
	return d, nil
}

func (r *RabbitReceiver) Ack(_ context.Context, receiptHandle string) error {
	d, err := r.take(receiptHandle)
	if err != nil {
		return err
	}
	if err := d.Ack(false); err != nil {
		return fmt.Errorf("rabbitmq ack: %w", err)
	}
	return nil
}

// Reject убирает сообщение из очереди. Если у очереди есть DLX, брокер перешлет его туда.
func (r *RabbitReceiver) Reject(_ context.Context, receiptHandle string) error {
	d, err := r.take(receiptHandle)
	if err != nil {
		return err
	}
	if err := d.Nack(false, false); err != nil {
		return fmt.Errorf("rabbitmq nack: %w", err)
	}
	return nil
}

// Release возвращает сообщение в очередь через requeueDelay, чтобы недоступный
// справочник не превращался в горячий цикл повторных доставок.
func (r *RabbitReceiver) Release(_ context.Context, receiptHandle string) error {
	d, err := r.take(receiptHandle)
	if err != nil {
		return err
	}
	if r.requeueDelay <= 0 {
		return r.requeue(d)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return r.requeue(d)
	}
	r.timers[receiptHandle] = time.AfterFunc(r.requeueDelay, func() {
		r.mu.Lock()
		delete(r.timers, receiptHandle)
		r.mu.Unlock()
		if err := r.requeue(d); err != nil {
			r.logger.Warn("Отложенный возврат сообщения в очередь не удался", zap.Error(err))
		}
	})
	return nil
}

func (r *RabbitReceiver) requeue(d amqp.Delivery) error {
	if err := d.Nack(false, true); err != nil {
		return fmt.Errorf("rabbitmq requeue: %w", err)
	}
	return nil
}

// ExtendLease ничего не делает: сообщение остается у консьюмера, пока открыт канал.
func (r *RabbitReceiver) ExtendLease(_ context.Context, _ string, _ time.Duration) error {
	return nil
}

// Close отменяет отложенные возвраты и закрывает канал: все неподтвержденные сообщения брокер вернет в очередь сам.
func (r *RabbitReceiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	for handle, t := range r.timers {
		t.Stop()
		delete(r.timers, handle)
	}
	if r.ch == nil {
		return nil
	}
	err := r.ch.Close()
	r.ch = nil
	r.deliveries = nil
	if err != nil {
		return fmt.Errorf("не удалось закрыть канал RabbitMQ: %w", err)
	}
	r.logger.Info("Канал RabbitMQ закрыт")
	return nil
}

// rabbitMessageID - стабильный между повторными доставками ID сообщения.
// Без MessageId у публикации используем хэш тела.
func rabbitMessageID(d amqp.Delivery) string {
	if d.MessageId != "" {
		return d.MessageId
	}
	sum := sha256.Sum256(d.Body)
	return "sha256:" + hex.EncodeToString(sum[:16])
}

// rabbitReceiveCount: x-delivery-count есть только у quorum-очередей.
func rabbitReceiveCount(d amqp.Delivery) int {
	switch v := d.Headers["x-delivery-count"].(type) {
	case int64:
		return int(v) + 1
	case int32:
		return int(v) + 1
	case int:
		return v + 1
	}
	if d.Redelivered {
		return 2
	}
	return 1
}
