package mocks

import (
	"context"

	"profile-notifier/internal/models"

	"github.com/stretchr/testify/mock"
)

// Mock PushTransport
type PushTransport struct {
	mock.Mock
}

func (m *PushTransport) Send(ctx context.Context, endpoint models.Endpoint, payload models.PushPayload) error {
	args := m.Called(ctx, endpoint, payload)
	return args.Error(0)
}
