package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"profile-notifier/internal/config"
	"profile-notifier/internal/models"

	webpush "github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"
)

// HTTPClient интерфейс для *http.Client для мокирования
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type webPushSender struct {
	client HTTPClient
	cfg    config.WebPushConfig
	logger *zap.Logger
}

// NewWebPushSender создает отправителя Web Push (VAPID).
func NewWebPushSender(client HTTPClient, cfg config.WebPushConfig, logger *zap.Logger) (PlatformSender, error) {
	if cfg.VAPIDPrivateKey == "" || cfg.VAPIDPublicKey == "" || cfg.Subscriber == "" {
		logger.Warn("Web Push VAPID config is incomplete, Web Push sender will not be created")
		return nil, nil
	}
	logger.Info("Web Push sender initialized", zap.String("subscriber", cfg.Subscriber))
	return &webPushSender{
		client: client,
		cfg:    cfg,
		logger: logger.Named("webpush_sender"),
	}, nil
}

// Send шифрует payload ключами подписки. Подписка без ключей получает пустой push:
// клиент в этом случае сам делает полную синхронизацию.
func (s *webPushSender) Send(ctx context.Context, endpoint models.Endpoint, payload models.PushPayload) error {
	ttl := int(payload.TTL / time.Second)

	var (
		resp *http.Response
		err  error
	)
	if endpoint.PublicKey == "" || endpoint.AuthKey == "" {
		resp, err = s.sendEmpty(ctx, endpoint.Address, ttl)
	} else {
		var body []byte
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal web push payload: %w", err)
		}
		resp, err = webpush.SendNotificationWithContext(ctx, body, &webpush.Subscription{
			Endpoint: endpoint.Address,
			Keys: webpush.Keys{
				Auth:   endpoint.AuthKey,
				P256dh: endpoint.PublicKey,
			},
		}, &webpush.Options{
			HTTPClient:      s.client,
			Subscriber:      s.cfg.Subscriber,
			VAPIDPublicKey:  s.cfg.VAPIDPublicKey,
			VAPIDPrivateKey: s.cfg.VAPIDPrivateKey,
			TTL:             ttl,
			Urgency:         webpush.UrgencyNormal,
		})
	}
	if err != nil {
		return fmt.Errorf("web push send: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return s.classify(endpoint, resp.StatusCode)
}

func (s *webPushSender) sendEmpty(ctx context.Context, url string, ttl int) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("TTL", strconv.Itoa(ttl))
	return s.client.Do(req)
}

// classify сопоставляет ответ push-сервиса с результатом доставки.
func (s *webPushSender) classify(endpoint models.Endpoint, status int) error {
	switch {
	case status >= 200 && status < 300:
		s.logger.Debug("Web Push delivered", zap.Int("status_code", status))
		return nil
	case status == http.StatusNotFound || status == http.StatusGone:
		s.logger.Warn("Web Push subscription expired",
			zap.String("endpoint", getTokenPrefix(endpoint.Address)),
			zap.Int("status_code", status),
		)
		return fmt.Errorf("%w: web push status %d", models.ErrEndpointGone, status)
	default:
		return fmt.Errorf("web push delivery failed: status %d", status)
	}
}

func (s *webPushSender) Platform() models.Platform {
	return models.PlatformWebPush
}
