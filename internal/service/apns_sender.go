package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"profile-notifier/internal/config"
	"profile-notifier/internal/models"

	"github.com/sideshow/apns2"
	apnspayload "github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
	"go.uber.org/zap"
)

// apnsClient - часть *apns2.Client, которая нужна отправителю (для мокирования).
type apnsClient interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

type apnsSender struct {
	client apnsClient
	logger *zap.Logger
	topic  string
}

// NewApnsSender создает отправителя APNs.
// Требует KeyPath, KeyID, TeamID, Topic в cfg.
func NewApnsSender(cfg config.APNSConfig, logger *zap.Logger) (PlatformSender, error) {
	if cfg.KeyPath == "" || cfg.KeyID == "" || cfg.TeamID == "" || cfg.Topic == "" {
		logger.Warn("APNS config is incomplete (KeyPath, KeyID, TeamID, Topic), APNS sender will not be created")
		return nil, nil
	}

	authKey, err := token.AuthKeyFromFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read APNS key from %s: %w", cfg.KeyPath, err)
	}

	client := apns2.NewTokenClient(&token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	})
	if cfg.Production {
		client = client.Production()
	} else {
		client = client.Development()
	}

	logger.Info("APNS sender initialized",
		zap.String("key_id", cfg.KeyID),
		zap.String("team_id", cfg.TeamID),
		zap.String("topic", cfg.Topic),
		zap.Bool("production", cfg.Production),
	)
	return newApnsSender(client, cfg.Topic, logger), nil
}

func newApnsSender(client apnsClient, topic string, logger *zap.Logger) *apnsSender {
	return &apnsSender{client: client, topic: topic, logger: logger.Named("apns_sender")}
}

// Send отправляет фоновое (content-available) уведомление.
func (s *apnsSender) Send(ctx context.Context, endpoint models.Endpoint, payload models.PushPayload) error {
	body := apnspayload.NewPayload().
		ContentAvailable().
		Custom("command", payload.Command).
		Custom("version", payload.Version)
	// Кастомные данные кладем на верхний уровень payload, не в aps.
	for k, v := range payload.Data {
		body.Custom(k, v)
	}

	// Фоновые уведомления Apple принимает только с приоритетом 5.
	notification := &apns2.Notification{
		DeviceToken: endpoint.Address,
		Topic:       s.topic,
		Payload:     body,
		Priority:    apns2.PriorityLow,
		PushType:    apns2.PushTypeBackground,
		CollapseID:  payload.Command,
	}
	if payload.TTL > 0 {
		notification.Expiration = time.Now().Add(payload.TTL)
	}

	res, err := s.client.PushWithContext(ctx, notification)
	if err != nil {
		return fmt.Errorf("apns send: %w", err)
	}
	if res.Sent() {
		s.logger.Debug("APNS notification sent", zap.String("apns_id", res.ApnsID))
		return nil
	}

	if isStaleAPNSResponse(res) {
		s.logger.Warn("APNS device token is no longer valid",
			zap.String("token", getTokenPrefix(endpoint.Address)),
			zap.Int("status_code", res.StatusCode),
			zap.String("reason", res.Reason),
		)
		return fmt.Errorf("%w: apns: %s", models.ErrEndpointGone, res.Reason)
	}
	return fmt.Errorf("apns delivery failed: status %d: %s", res.StatusCode, res.Reason)
}

func isStaleAPNSResponse(res *apns2.Response) bool {
	if res.StatusCode == http.StatusGone {
		return true
	}
	switch res.Reason {
	case apns2.ReasonUnregistered, apns2.ReasonBadDeviceToken, apns2.ReasonDeviceTokenNotForTopic:
		return true
	}
	return false
}

func (s *apnsSender) Platform() models.Platform {
	return models.PlatformAPNS
}
