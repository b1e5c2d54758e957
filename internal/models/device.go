package models

import "time"

// Platform определяет транспорт, через который доставляется push.
type Platform string

const (
	PlatformFCM     Platform = "fcm"
	PlatformAPNS    Platform = "apns"
	PlatformWebPush Platform = "webpush"
)

// Endpoint - адрес доставки push и ключи транспорта.
// Значимый тип: при ротации заменяется целиком, на месте не меняется.
type Endpoint struct {
	Platform  Platform `json:"platform"`
	Address   string   `json:"address"`              // FCM/APNs токен или URL подписки Web Push
	PublicKey string   `json:"public_key,omitempty"` // p256dh (только Web Push)
	AuthKey   string   `json:"auth_key,omitempty"`   // auth secret (только Web Push)
}

// Device - устройство (сессия) аккаунта. Ноль или один endpoint.
type Device struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"account_id"`
	PushEndpoint *Endpoint `json:"push_endpoint,omitempty"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// HasEndpoint сообщает, можно ли отправить устройству push.
func (d Device) HasEndpoint() bool {
	return d.PushEndpoint != nil && d.PushEndpoint.Address != ""
}

// DeliveryStatus - итог доставки на одно устройство.
type DeliveryStatus string

const (
	StatusDelivered       DeliveryStatus = "delivered"
	StatusSkipped         DeliveryStatus = "skipped"
	StatusFailedTransient DeliveryStatus = "failed_transient"
	StatusFailedPermanent DeliveryStatus = "failed_permanent"
)

// DeviceOutcome - результат отправки push на конкретное устройство.
type DeviceOutcome struct {
	DeviceID string
	Status   DeliveryStatus
	Err      error
	Pruned   bool // endpoint успешно очищен в справочнике
}

// PushPayload - абстрактное содержимое push. Рендеринг под платформу делает транспорт.
type PushPayload struct {
	Version int               `json:"version"`
	Command string            `json:"command"`
	Data    map[string]string `json:"data,omitempty"`
	TTL     time.Duration     `json:"-"`
}
