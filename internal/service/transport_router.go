package service

import (
	"context"
	"fmt"

	"profile-notifier/internal/interfaces"
	"profile-notifier/internal/models"

	"go.uber.org/zap"
)

var _ interfaces.PushTransport = (*TransportRouter)(nil)

// PlatformSender - транспорт одной платформы (FCM/APNs/Web Push).
type PlatformSender interface {
	interfaces.PushTransport
	Platform() models.Platform
}

// TransportRouter выбирает транспорт по платформе endpoint'а.
type TransportRouter struct {
	senders map[models.Platform]PlatformSender
	logger  *zap.Logger
}

// NewTransportRouter создает маршрутизатор. nil-отправители пропускаются.
func NewTransportRouter(logger *zap.Logger, senders ...PlatformSender) *TransportRouter {
	r := &TransportRouter{
		senders: make(map[models.Platform]PlatformSender, len(senders)),
		logger:  logger.Named("transport_router"),
	}
	for _, s := range senders {
		if s == nil {
			continue
		}
		r.senders[s.Platform()] = s
	}
	return r
}

// Send отправляет payload через транспорт платформы endpoint'а.
// Неизвестная платформа - временный сбой: endpoint может быть валиден для другой сборки сервиса.
func (r *TransportRouter) Send(ctx context.Context, endpoint models.Endpoint, payload models.PushPayload) error {
	sender, ok := r.senders[endpoint.Platform]
	if !ok {
		r.logger.Warn("No sender for push platform", zap.String("platform", string(endpoint.Platform)))
		return fmt.Errorf("%w: %q", models.ErrUnsupportedPlatform, endpoint.Platform)
	}
	return sender.Send(ctx, endpoint, payload)
}
