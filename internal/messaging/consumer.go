package messaging

import (
	"context"
	"errors"
	"sync"
	"time"

	"profile-notifier/internal/interfaces"
	"profile-notifier/internal/metrics"
	"profile-notifier/internal/models"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Таймаут на ack/release/reject после обработки.
const settleTimeout = 10 * time.Second

// MessageHandler обрабатывает одно сообщение и решает, что с ним делать очереди.
type MessageHandler interface {
	Handle(ctx context.Context, msg models.RawMessage) models.Outcome
}

// ConsumerConfig - параметры циклов опроса и пула обработчиков.
type ConsumerConfig struct {
	Concurrency       int           // Размер общего пула обработчиков
	MaxBatch          int           // Сообщений за один Poll
	WaitTimeout       time.Duration // Long poll
	EventTimeout      time.Duration // Предельное время обработки одного события
	VisibilityTimeout time.Duration // На сколько продлевается аренда
	LeaseExtendAfter  time.Duration // Через сколько обработки продлевать аренду (0 - не продлевать)
	ShutdownGrace     time.Duration // Сколько ждать обработку при остановке
	BackoffBase       time.Duration
	BackoffMax        time.Duration
}

// SourceStatus - состояние цикла опроса одного источника (для health check).
type SourceStatus struct {
	LastPollAt        time.Time `json:"lastPollAt"`
	LastErrorAt       time.Time `json:"lastErrorAt,omitempty"`
	LastError         string    `json:"lastError,omitempty"`
	ConsecutiveErrors int       `json:"consecutiveErrors"`
}

// Consumer запускает по циклу опроса на каждый источник и обрабатывает сообщения
// в общем ограниченном пуле.
type Consumer struct {
	receivers []interfaces.QueueReceiver
	handler   MessageHandler
	cfg       ConsumerConfig
	sem       *semaphore.Weighted
	metrics   *metrics.Metrics
	logger    *zap.Logger

	inFlight sync.WaitGroup

	statusMu sync.RWMutex
	status   map[string]SourceStatus
}

func NewConsumer(receivers []interfaces.QueueReceiver, handler MessageHandler, cfg ConsumerConfig, m *metrics.Metrics, logger *zap.Logger) (*Consumer, error) {
	if len(receivers) == 0 {
		return nil, errors.New("no queue receivers configured")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 20
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 10
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 20 * time.Second
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = 60 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 15 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if m == nil {
		m = metrics.NewNop()
	}

	status := make(map[string]SourceStatus, len(receivers))
	for _, r := range receivers {
		status[r.Name()] = SourceStatus{}
	}
	return &Consumer{
		receivers: receivers,
		handler:   handler,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
		metrics:   m,
		logger:    logger.Named("consumer"),
		status:    status,
	}, nil
}

// Run опрашивает источники до отмены ctx. После отмены перестает брать новые сообщения,
// ждет обработку до ShutdownGrace, затем отменяет ее и закрывает источники.
func (c *Consumer) Run(ctx context.Context) error {
	// Обработка живет дольше опроса: ее отменяем только по истечении grace period.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	var pollers sync.WaitGroup
	for _, r := range c.receivers {
		pollers.Add(1)
		go func(r interfaces.QueueReceiver) {
			defer pollers.Done()
			c.pollLoop(ctx, workCtx, r)
		}(r)
	}
	c.logger.Info("Консьюмер запущен",
		zap.Int("sources", len(c.receivers)),
		zap.Int("concurrency", c.cfg.Concurrency),
	)

	<-ctx.Done()
	c.logger.Info("Получен сигнал остановки, прекращаем опрос очередей...")
	pollers.Wait()

	c.drain(cancelWork)

	for _, r := range c.receivers {
		if err := r.Close(); err != nil {
			c.logger.Warn("Ошибка закрытия источника", zap.String("source", r.Name()), zap.Error(err))
		}
	}
	c.logger.Info("Консьюмер остановлен")
	return nil
}

// drain ждет завершения обработки не дольше ShutdownGrace, потом отменяет ее.
// Отмененные события не подтверждаются и будут доставлены повторно.
func (c *Consumer) drain(cancelWork context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		c.inFlight.Wait()
		close(done)
	}()

	grace := time.NewTimer(c.cfg.ShutdownGrace)
	defer grace.Stop()

	select {
	case <-done:
		c.logger.Info("Все события в обработке завершены")
	case <-grace.C:
		c.logger.Warn("Grace period истек, отменяем обработку оставшихся событий",
			zap.Duration("grace", c.cfg.ShutdownGrace))
		cancelWork()
		<-done
	}
}

func (c *Consumer) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.BackoffBase
	b.MaxInterval = c.cfg.BackoffMax
	b.MaxElapsedTime = 0 // Опрос повторяется бесконечно
	b.Reset()
	return b
}

func (c *Consumer) pollLoop(ctx, workCtx context.Context, r interfaces.QueueReceiver) {
	source := r.Name()
	log := c.logger.With(zap.String("source", source))
	b := c.newBackOff()

	log.Info("Цикл опроса запущен")
	defer log.Info("Цикл опроса остановлен")

	for ctx.Err() == nil {
		msgs, err := r.Poll(ctx, c.cfg.MaxBatch, c.cfg.WaitTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, models.ErrReceiverClosed) {
				log.Warn("Источник закрыт, опрос прекращен")
				return
			}
			delay := b.NextBackOff()
			c.metrics.PollErrors.WithLabelValues(source).Inc()
			c.recordPoll(source, err)
			log.Warn("Ошибка опроса очереди, повтор после паузы", zap.Error(err), zap.Duration("delay", delay))
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}
		b.Reset()
		c.recordPoll(source, nil)

		if len(msgs) == 0 {
			continue
		}
		c.metrics.MessagesReceived.WithLabelValues(source).Add(float64(len(msgs)))
		log.Debug("Получены сообщения", zap.Int("count", len(msgs)))

		for i, msg := range msgs {
			// Ждем свободного обработчика; при остановке возвращаем то, что не начали обрабатывать.
			if err := c.sem.Acquire(ctx, 1); err != nil {
				c.releaseUnstarted(r, msgs[i:])
				return
			}
			c.inFlight.Add(1)
			go func(msg models.RawMessage) {
				defer c.inFlight.Done()
				defer c.sem.Release(1)
				c.process(workCtx, r, msg)
			}(msg)
		}
	}
}

// process обрабатывает одно сообщение и сообщает очереди результат.
func (c *Consumer) process(workCtx context.Context, r interfaces.QueueReceiver, msg models.RawMessage) {
	log := c.logger.With(zap.String("source", r.Name()), zap.String("message_id", msg.ID))

	eventCtx, cancel := context.WithTimeout(workCtx, c.cfg.EventTimeout)
	defer cancel()

	stopLease := c.keepLease(eventCtx, r, msg, log)
	outcome := c.handle(eventCtx, msg, log)
	stopLease()

	c.settle(workCtx, r, msg, outcome, log)
}

// handle - граница обработчика: паника превращается в повторную доставку.
func (c *Consumer) handle(ctx context.Context, msg models.RawMessage, log *zap.Logger) (outcome models.Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("Паника при обработке сообщения", zap.Any("panic", rec), zap.Stack("stack"))
			outcome = models.OutcomeRetryLater
		}
	}()
	return c.handler.Handle(ctx, msg)
}

// keepLease продлевает аренду сообщения, пока идет долгая обработка.
func (c *Consumer) keepLease(ctx context.Context, r interfaces.QueueReceiver, msg models.RawMessage, log *zap.Logger) (stop func()) {
	if c.cfg.LeaseExtendAfter <= 0 || c.cfg.VisibilityTimeout <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(c.cfg.LeaseExtendAfter)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.ExtendLease(ctx, msg.ReceiptHandle, c.cfg.VisibilityTimeout); err != nil {
					log.Warn("Не удалось продлить аренду сообщения", zap.Error(err))
					continue
				}
				log.Debug("Аренда сообщения продлена", zap.Duration("visibility", c.cfg.VisibilityTimeout))
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

// settle подтверждает, возвращает или выбрасывает сообщение. Ошибки не фатальны:
// неподтвержденное сообщение просто придет еще раз.
func (c *Consumer) settle(workCtx context.Context, r interfaces.QueueReceiver, msg models.RawMessage, outcome models.Outcome, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(workCtx), settleTimeout)
	defer cancel()

	var (
		op  string
		err error
	)
	switch outcome {
	case models.OutcomeAck:
		op, err = "ack", r.Ack(ctx, msg.ReceiptHandle)
	case models.OutcomeDeadLetter:
		op, err = "reject", r.Reject(ctx, msg.ReceiptHandle)
	default:
		op, err = "release", r.Release(ctx, msg.ReceiptHandle)
	}
	if err == nil {
		return
	}

	c.metrics.AckErrors.WithLabelValues(op).Inc()
	if errors.Is(err, models.ErrReceiptHandleInvalid) {
		// Аренда истекла раньше, чем закончилась обработка: сообщение придет снова.
		log.Warn("Receipt handle is no longer valid", zap.String("op", op), zap.Error(err))
		return
	}
	log.Error("Failed to settle message", zap.String("op", op), zap.Error(err))
}

func (c *Consumer) releaseUnstarted(r interfaces.QueueReceiver, msgs []models.RawMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	for _, msg := range msgs {
		if err := r.Release(ctx, msg.ReceiptHandle); err != nil {
			c.metrics.AckErrors.WithLabelValues("release").Inc()
			c.logger.Warn("Не удалось вернуть сообщение при остановке",
				zap.String("source", r.Name()), zap.String("message_id", msg.ID), zap.Error(err))
		}
	}
	c.logger.Info("Необработанные сообщения возвращены в очередь", zap.String("source", r.Name()), zap.Int("count", len(msgs)))
}

func (c *Consumer) recordPoll(source string, err error) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	st := c.status[source]
	now := time.Now()
	if err != nil {
		st.LastErrorAt = now
		st.LastError = err.Error()
		st.ConsecutiveErrors++
	} else {
		st.LastPollAt = now
		st.ConsecutiveErrors = 0
	}
	c.status[source] = st
}

// Status возвращает копию состояния циклов опроса.
func (c *Consumer) Status() map[string]SourceStatus {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	out := make(map[string]SourceStatus, len(c.status))
	for k, v := range c.status {
		out[k] = v
	}
	return out
}

// sleepCtx ждет d или отмены ctx. Возвращает false, если ctx отменен.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
