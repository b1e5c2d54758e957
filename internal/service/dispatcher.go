package service

import (
	"context"
	"errors"
	"time"

	"profile-notifier/internal/interfaces"
	"profile-notifier/internal/metrics"
	"profile-notifier/internal/models"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DispatcherConfig - ограничения рассылки одного события.
type DispatcherConfig struct {
	MaxInFlight  int           // Максимум одновременных отправок на одно событие
	SendTimeout  time.Duration // Таймаут одной отправки
	PruneTimeout time.Duration // Таймаут очистки endpoint в справочнике
}

// Dispatcher рассылает одно событие на все endpoint'ы устройств аккаунта.
type Dispatcher struct {
	transport interfaces.PushTransport
	pruner    interfaces.EndpointPruner
	cfg       DispatcherConfig
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewDispatcher создает диспетчер. pruner вызывается для endpoint'ов, которые транспорт признал мертвыми.
func NewDispatcher(transport interfaces.PushTransport, pruner interfaces.EndpointPruner, cfg DispatcherConfig, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 20
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.PruneTimeout <= 0 {
		cfg.PruneTimeout = 5 * time.Second
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Dispatcher{
		transport: transport,
		pruner:    pruner,
		cfg:       cfg,
		metrics:   m,
		logger:    logger.Named("dispatcher"),
	}
}

// Dispatch отправляет payload события каждому устройству с endpoint'ом и возвращает
// результат по каждому устройству в порядке devices. Ошибка одного устройства
// не прерывает и не задерживает отправку остальным.
func (d *Dispatcher) Dispatch(ctx context.Context, event models.ChangeEvent, devices []models.Device) []models.DeviceOutcome {
	log := d.logger.With(
		zap.String("account_id", event.AccountID),
		zap.String("source_message_id", event.SourceMessageID),
	)
	outcomes := make([]models.DeviceOutcome, len(devices))

	payload, err := BuildPushPayload(event)
	if err != nil {
		// Payload не строится только для пустого аккаунта - декодер такое не пропускает.
		log.Error("Failed to build push payload", zap.Error(err))
		for i, device := range devices {
			outcomes[i] = models.DeviceOutcome{DeviceID: device.ID, Status: models.StatusFailedTransient, Err: err}
		}
		return outcomes
	}

	// Группа без WithContext: ошибка одной горутины не должна отменять остальные.
	var g errgroup.Group
	g.SetLimit(d.cfg.MaxInFlight)

	for i, device := range devices {
		if !device.HasEndpoint() {
			outcomes[i] = models.DeviceOutcome{DeviceID: device.ID, Status: models.StatusSkipped}
			d.metrics.DeviceDeliveries.WithLabelValues(string(models.StatusSkipped)).Inc()
			continue
		}
		g.Go(func() error {
			outcomes[i] = d.sendToDevice(ctx, log, device, payload)
			d.metrics.DeviceDeliveries.WithLabelValues(string(outcomes[i].Status)).Inc()
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

// sendToDevice отправляет push одному устройству. Паника транспорта превращается во временный сбой.
func (d *Dispatcher) sendToDevice(ctx context.Context, log *zap.Logger, device models.Device, payload models.PushPayload) (outcome models.DeviceOutcome) {
	outcome.DeviceID = device.ID
	log = log.With(zap.String("device_id", device.ID), zap.String("platform", string(device.PushEndpoint.Platform)))

	defer func() {
		if r := recover(); r != nil {
			log.Error("Panic while sending push", zap.Any("panic", r))
			outcome.Status = models.StatusFailedTransient
			outcome.Err = errors.New("panic in push transport")
		}
	}()

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	err := d.transport.Send(sendCtx, *device.PushEndpoint, payload)
	cancel()

	switch {
	case err == nil:
		outcome.Status = models.StatusDelivered
		log.Debug("Push delivered")
	case errors.Is(err, models.ErrEndpointGone):
		outcome.Status = models.StatusFailedPermanent
		outcome.Err = err
		log.Warn("Push endpoint is gone, pruning", zap.Error(err))
		outcome.Pruned = d.prune(ctx, log, device.ID)
	default:
		// Временный сбой не повторяется на уровне устройства: событие все равно будет подтверждено.
		outcome.Status = models.StatusFailedTransient
		outcome.Err = err
		log.Info("Push delivery failed (transient)", zap.Error(err))
	}
	return outcome
}

// prune просит справочник очистить endpoint. Best-effort: ошибка только логируется.
func (d *Dispatcher) prune(ctx context.Context, log *zap.Logger, deviceID string) bool {
	if d.pruner == nil {
		return false
	}
	// Отвязываемся от отмены контекста события: очистка не должна теряться при остановке.
	pruneCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.PruneTimeout)
	defer cancel()

	if err := d.pruner.ClearPushEndpoint(pruneCtx, deviceID); err != nil {
		d.metrics.EndpointPrunes.WithLabelValues("error").Inc()
		log.Error("Failed to clear push endpoint", zap.Error(err))
		return false
	}
	d.metrics.EndpointPrunes.WithLabelValues("ok").Inc()
	log.Info("Push endpoint cleared")
	return true
}
