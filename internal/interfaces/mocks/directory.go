package mocks

import (
	"context"

	"profile-notifier/internal/models"

	"github.com/stretchr/testify/mock"
)

// Mock AccountDirectory
type AccountDirectory struct {
	mock.Mock
}

func (m *AccountDirectory) DevicesForAccount(ctx context.Context, accountID string) ([]models.Device, error) {
	args := m.Called(ctx, accountID)
	var devices []models.Device
	if v := args.Get(0); v != nil {
		devices = v.([]models.Device)
	}
	return devices, args.Error(1)
}

func (m *AccountDirectory) ClearPushEndpoint(ctx context.Context, deviceID string) error {
	args := m.Called(ctx, deviceID)
	return args.Error(0)
}
