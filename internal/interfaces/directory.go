package interfaces

import (
	"context"

	"profile-notifier/internal/models"
)

// DeviceLookup возвращает текущий набор устройств аккаунта.
type DeviceLookup interface {
	// DevicesForAccount возвращает устройства аккаунта.
	// models.ErrAccountNotFound - аккаунта нет (перманентная ошибка),
	// любая другая ошибка считается временной недоступностью справочника.
	DevicesForAccount(ctx context.Context, accountID string) ([]models.Device, error)
}

// EndpointPruner очищает устаревший push endpoint устройства. Вызывается по принципу best-effort.
type EndpointPruner interface {
	ClearPushEndpoint(ctx context.Context, deviceID string) error
}

// AccountDirectory - внешний справочник аккаунтов и устройств.
type AccountDirectory interface {
	DeviceLookup
	EndpointPruner
}
