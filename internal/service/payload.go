package service

import (
	"fmt"
	"time"

	"profile-notifier/internal/models"
)

// Команды push, которые понимают клиенты.
const (
	PushCommandProfileUpdated     = "fxaccounts:profile_updated"
	PushCommandDeviceDisconnected = "fxaccounts:device_disconnected"
	PushCommandPasswordChanged    = "fxaccounts:password_changed"
	PushCommandAccountDestroyed   = "fxaccounts:account_destroyed"

	pushPayloadVersion = 1
)

// Ключи data payload
const (
	PushDataAccountID  = "accountId"
	PushDataDeviceID   = "id"
	PushDataOccurredAt = "occurredAt"
	PushDataEventID    = "eventId"
)

// Время жизни push в сервисе доставки. Профиль - только сигнал к перезапросу,
// держать его дольше суток смысла нет.
var commandTTL = map[string]time.Duration{
	PushCommandProfileUpdated:     24 * time.Hour,
	PushCommandDeviceDisconnected: 24 * time.Hour,
	PushCommandPasswordChanged:    7 * 24 * time.Hour,
	PushCommandAccountDestroyed:   7 * 24 * time.Hour,
}

// BuildPushPayload создает payload push-уведомления для события.
func BuildPushPayload(event models.ChangeEvent) (models.PushPayload, error) {
	if event.AccountID == "" {
		return models.PushPayload{}, fmt.Errorf("cannot build push payload for empty account id")
	}

	command := PushCommandProfileUpdated
	switch event.Kind {
	case models.KindDeviceDisconnected:
		command = PushCommandDeviceDisconnected
	case models.KindPasswordChanged:
		command = PushCommandPasswordChanged
	case models.KindAccountDestroyed:
		command = PushCommandAccountDestroyed
	}

	data := map[string]string{
		PushDataAccountID: event.AccountID,
		PushDataEventID:   event.SourceMessageID,
	}
	if event.Kind == models.KindDeviceDisconnected && event.DeviceID != "" {
		data[PushDataDeviceID] = event.DeviceID
	}
	if !event.OccurredAt.IsZero() {
		data[PushDataOccurredAt] = event.OccurredAt.UTC().Format(time.RFC3339)
	}

	return models.PushPayload{
		Version: pushPayloadVersion,
		Command: command,
		Data:    data,
		TTL:     commandTTL[command],
	}, nil
}
