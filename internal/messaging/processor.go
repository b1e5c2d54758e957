package messaging

import (
	"context"
	"errors"
	"time"

	"profile-notifier/internal/interfaces"
	"profile-notifier/internal/metrics"
	"profile-notifier/internal/models"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EventDispatcher рассылает событие по устройствам.
// Определен здесь, а не в пакете service, чтобы процессор можно было тестировать без транспорта.
type EventDispatcher interface {
	Dispatch(ctx context.Context, event models.ChangeEvent, devices []models.Device) []models.DeviceOutcome
}

// Processor решает судьбу одного сообщения очереди: подтвердить, вернуть или выбросить.
type Processor struct {
	decoder    *Decoder
	dedup      interfaces.DedupStore
	directory  interfaces.DeviceLookup
	dispatcher EventDispatcher
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewProcessor создает процессор. dedup может быть nil - тогда каждое событие считается новым.
func NewProcessor(
	dedup interfaces.DedupStore,
	directory interfaces.DeviceLookup,
	dispatcher EventDispatcher,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Processor {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Processor{
		decoder:    NewDecoder(logger),
		dedup:      dedup,
		directory:  directory,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger.Named("processor"),
	}
}

// Handle обрабатывает сообщение и возвращает решение для очереди.
// Паника внутри обработки превращается в OutcomeRetryLater.
func (p *Processor) Handle(ctx context.Context, msg models.RawMessage) (outcome models.Outcome) {
	start := time.Now()
	log := p.logger.With(
		zap.String("source", msg.Source),
		zap.String("message_id", msg.ID),
		zap.Int("receive_count", msg.ApproximateReceiveCount),
	)

	p.metrics.EventsInFlight.Inc()
	defer func() {
		if r := recover(); r != nil {
			log.Error("Panic while handling message, leaving it for redelivery", zap.Any("panic", r), zap.Stack("stack"))
			outcome = models.OutcomeRetryLater
		}
		p.metrics.EventsInFlight.Dec()
		p.metrics.EventOutcomes.WithLabelValues(outcome.String()).Inc()
		p.metrics.ObserveEvent(start)
	}()

	// 1. Декодирование. Битое сообщение никогда не станет валидным - выбрасываем.
	event, err := p.decoder.Decode(msg)
	if err != nil {
		if !models.IsPermanent(err) {
			log.Info("Failed to decode message, will retry", zap.Error(err))
			return models.OutcomeRetryLater
		}
		log.Warn("Dropping undecodable message", zap.Error(err))
		return models.OutcomeDeadLetter
	}
	log = log.With(
		zap.String("account_id", event.AccountID),
		zap.String("kind", string(event.Kind)),
		zap.String("source_message_id", event.SourceMessageID),
	)

	// 2. Дедупликация - только оптимизация: дубликат все равно рассылается.
	firstSeen := p.markSeen(ctx, log, event.SourceMessageID)
	if firstSeen {
		p.metrics.EventsFirstSeen.Inc()
		log.Info("Processing profile change event", zap.String("raw_kind", event.RawKind))
	} else {
		p.metrics.EventsDuplicate.Inc()
		log.Debug("Redelivered event, fanning out again")
	}

	// 3. Устройства аккаунта.
	devices, err := p.directory.DevicesForAccount(ctx, event.AccountID)
	if err != nil {
		if errors.Is(err, models.ErrAccountNotFound) {
			log.Warn("Account not found, dropping event", zap.Error(err))
			return models.OutcomeDeadLetter
		}
		log.Info("Account directory unavailable, event will be redelivered", zap.Error(err))
		return models.OutcomeRetryLater
	}

	// 4. Нечего уведомлять.
	if len(devices) == 0 {
		log.Debug("Account has no devices")
		return models.OutcomeAck
	}

	// 5. Рассылка. Исход отдельных устройств на решение по сообщению не влияет.
	outcomes := p.dispatcher.Dispatch(ctx, event, devices)

	// 6. Остановка сервиса прервала рассылку - пусть очередь доставит событие снова.
	if ctx.Err() != nil {
		log.Info("Processing cancelled before fan-out completed", zap.Error(ctx.Err()))
		return models.OutcomeRetryLater
	}

	log.Debug("Fan-out attempted for all devices",
		zap.Int("devices", len(devices)),
		zap.Object("outcomes", outcomeSummary(outcomes)),
		zap.Duration("duration", time.Since(start)),
	)
	return models.OutcomeAck
}

func (p *Processor) markSeen(ctx context.Context, log *zap.Logger, id string) bool {
	if p.dedup == nil {
		return true
	}
	firstSeen, err := p.dedup.MarkSeen(ctx, id)
	if err != nil {
		log.Warn("Dedup store error, treating event as first-seen", zap.Error(err))
		return true
	}
	return firstSeen
}

// outcomeSummary - количество устройств по статусам доставки (для логов).
type outcomeSummary []models.DeviceOutcome

func (s outcomeSummary) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	counts := make(map[models.DeliveryStatus]int, 4)
	pruned := 0
	for _, o := range s {
		counts[o.Status]++
		if o.Pruned {
			pruned++
		}
	}
	for status, n := range counts {
		enc.AddInt(string(status), n)
	}
	enc.AddInt("pruned", pruned)
	return nil
}
