package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// Mock DedupStore
type DedupStore struct {
	mock.Mock
}

func (m *DedupStore) MarkSeen(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}
