package service

import (
	"context"
	"fmt"
	"strconv"

	"profile-notifier/internal/config"
	"profile-notifier/internal/models"

	firebase "firebase.google.com/go/v4"
	fcm "firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// fcmClient - часть *fcm.Client, которая нужна отправителю (для мокирования).
type fcmClient interface {
	Send(ctx context.Context, message *fcm.Message) (string, error)
}

type fcmSender struct {
	client fcmClient
	logger *zap.Logger
	// isStaleToken решает, означает ли ошибка, что токен больше не действителен.
	isStaleToken func(error) bool
}

// NewFCMSender создает отправителя FCM.
// Требует путь к файлу ключа сервис-аккаунта Firebase в cfg.CredentialsPath.
func NewFCMSender(ctx context.Context, cfg config.FCMConfig, logger *zap.Logger) (PlatformSender, error) {
	if cfg.CredentialsPath == "" {
		logger.Warn("FCM_CREDENTIALS_PATH is not set, FCM sender will not be created")
		return nil, nil
	}

	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(cfg.CredentialsPath))
	if err != nil {
		return nil, fmt.Errorf("failed to init Firebase App from '%s': %w", cfg.CredentialsPath, err)
	}
	messagingClient, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get FCM messaging client: %w", err)
	}

	logger.Info("FCM sender initialized", zap.String("credentials_path", cfg.CredentialsPath))
	return newFCMSender(messagingClient, logger), nil
}

func newFCMSender(client fcmClient, logger *zap.Logger) *fcmSender {
	return &fcmSender{
		client:       client,
		logger:       logger.Named("fcm_sender"),
		isStaleToken: isStaleFCMToken,
	}
}

// isStaleFCMToken: токен удален приложением или выдан другому проекту.
// https://firebase.google.com/docs/cloud-messaging/manage-tokens#detect-invalid-token-responses-from-the-fcm-backend
func isStaleFCMToken(err error) bool {
	return fcm.IsUnregistered(err) || fcm.IsSenderIDMismatch(err)
}

// Send отправляет data-only сообщение: клиент сам перезапросит профиль.
func (s *fcmSender) Send(ctx context.Context, endpoint models.Endpoint, payload models.PushPayload) error {
	data := make(map[string]string, len(payload.Data)+2)
	for k, v := range payload.Data {
		data[k] = v
	}
	data["command"] = payload.Command
	data["version"] = strconv.Itoa(payload.Version)

	android := &fcm.AndroidConfig{Priority: "high"}
	if payload.TTL > 0 {
		ttl := payload.TTL
		android.TTL = &ttl
	}

	message := &fcm.Message{
		Token:   endpoint.Address,
		Data:    data,
		Android: android,
	}

	id, err := s.client.Send(ctx, message)
	if err != nil {
		if s.isStaleToken(err) {
			s.logger.Warn("FCM token is unregistered",
				zap.String("token", getTokenPrefix(endpoint.Address)),
				zap.Error(err),
			)
			return fmt.Errorf("%w: fcm: %v", models.ErrEndpointGone, err)
		}
		return fmt.Errorf("fcm send: %w", err)
	}

	s.logger.Debug("FCM message sent", zap.String("message_id", id))
	return nil
}

func (s *fcmSender) Platform() models.Platform {
	return models.PlatformFCM
}
