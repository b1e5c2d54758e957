package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"profile-notifier/internal/interfaces"
	"profile-notifier/internal/models"

	"go.uber.org/zap"
)

var _ interfaces.AccountDirectory = (*HTTPDirectory)(nil)

// deviceDTO - устройство в ответе внутреннего API аккаунтов.
type deviceDTO struct {
	ID            string     `json:"id"`
	PushPlatform  string     `json:"pushPlatform"`
	PushCallback  string     `json:"pushCallback"`
	PushPublicKey string     `json:"pushPublicKey"`
	PushAuthKey   string     `json:"pushAuthKey"`
	LastAccessAt  *time.Time `json:"lastAccessTime"`
}

// HTTPDirectory - справочник устройств через внутренний HTTP API сервиса аккаунтов.
type HTTPDirectory struct {
	client HTTPClient // Интерфейс для HTTP клиента (для тестируемости)
	url    string     // Базовый URL сервиса аккаунтов (например, http://auth-service:9000)
	logger *zap.Logger
	secret string
}

// NewHTTPDirectory создает справочник поверх HTTP API.
func NewHTTPDirectory(client HTTPClient, baseURL string, logger *zap.Logger, interServiceSecret string) *HTTPDirectory {
	if interServiceSecret == "" {
		logger.Warn("InterServiceSecret is not set for HTTPDirectory, internal account API may reject requests")
	}
	logger.Info("Initializing HTTP account directory", zap.String("url", baseURL), zap.Bool("secretLoaded", interServiceSecret != ""))
	return &HTTPDirectory{
		client: client,
		url:    baseURL,
		logger: logger.Named("http_directory"),
		secret: interServiceSecret,
	}
}

// DevicesForAccount запрашивает устройства аккаунта.
func (d *HTTPDirectory) DevicesForAccount(ctx context.Context, accountID string) ([]models.Device, error) {
	log := d.logger.With(zap.String("account_id", accountID))
	targetURL := fmt.Sprintf("%s/internal/accounts/%s/devices", d.url, url.PathEscape(accountID))

	req, err := d.newRequest(ctx, http.MethodGet, targetURL)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		log.Info("Account directory request failed", zap.Error(err), zap.Duration("duration", duration))
		return nil, fmt.Errorf("account directory request: %w", err)
	}
	defer resp.Body.Close()

	log.Debug("Account directory responded", zap.Int("status_code", resp.StatusCode), zap.Duration("duration", duration))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", models.ErrAccountNotFound, accountID)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("account directory returned status %d: %s", resp.StatusCode, string(body))
	}

	var dtos []deviceDTO
	if err := json.NewDecoder(resp.Body).Decode(&dtos); err != nil {
		return nil, fmt.Errorf("decode account directory response: %w", err)
	}

	devices := make([]models.Device, 0, len(dtos))
	for _, dto := range dtos {
		device := models.Device{ID: dto.ID, AccountID: accountID}
		if dto.LastAccessAt != nil {
			device.LastSeenAt = *dto.LastAccessAt
		}
		if dto.PushCallback != "" {
			device.PushEndpoint = &models.Endpoint{
				Platform:  models.Platform(dto.PushPlatform),
				Address:   dto.PushCallback,
				PublicKey: dto.PushPublicKey,
				AuthKey:   dto.PushAuthKey,
			}
		}
		devices = append(devices, device)
	}

	log.Debug("Devices fetched", zap.Int("count", len(devices)))
	return devices, nil
}

// ClearPushEndpoint удаляет push endpoint устройства. Отсутствующее устройство - не ошибка.
func (d *HTTPDirectory) ClearPushEndpoint(ctx context.Context, deviceID string) error {
	targetURL := fmt.Sprintf("%s/internal/devices/%s/push-endpoint", d.url, url.PathEscape(deviceID))

	req, err := d.newRequest(ctx, http.MethodDelete, targetURL)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("clear push endpoint request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("clear push endpoint returned status %d", resp.StatusCode)
	}
}

func (d *HTTPDirectory) newRequest(ctx context.Context, method, targetURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, targetURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build account directory request: %w", err)
	}
	if d.secret != "" {
		req.Header.Set("X-Internal-Service-Token", d.secret)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}
