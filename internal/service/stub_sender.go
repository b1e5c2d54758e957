package service

import (
	"context"

	"profile-notifier/internal/models"

	"go.uber.org/zap"
)

// --- Заглушка отправителя ---

type stubSender struct {
	platform models.Platform
	logger   *zap.Logger
}

// NewStubSender возвращает отправителя, который только логирует push.
// Используется, когда транспорт платформы не настроен.
func NewStubSender(platform models.Platform, logger *zap.Logger) PlatformSender {
	return &stubSender{platform: platform, logger: logger.Named("stub_" + string(platform) + "_sender")}
}

func (s *stubSender) Send(ctx context.Context, endpoint models.Endpoint, payload models.PushPayload) error {
	s.logger.Info("STUB: push not sent, transport is not configured",
		zap.String("endpoint", getTokenPrefix(endpoint.Address)),
		zap.String("command", payload.Command),
		zap.Any("data", payload.Data),
	)
	return nil
}

func (s *stubSender) Platform() models.Platform {
	return s.platform
}

// getTokenPrefix возвращает начало токена для логирования.
func getTokenPrefix(token string) string {
	prefixLen := 10
	if len(token) < prefixLen {
		return token
	}
	return token[:prefixLen] + "..."
}
