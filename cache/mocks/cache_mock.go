package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/pezware/mirubato-sub016/models"
)

type MockCache struct {
	mock.Mock
}

func (m *MockCache) Publish(ctx context.Context, channel string, message []byte) error {
	args := m.Called(ctx, channel, message)
	return args.Error(0)
}

func (m *MockCache) Subscribe(ctx context.Context, channel string, handler func(message []byte)) error {
	args := m.Called(ctx, channel, handler)
	return args.Error(0)
}

func (m *MockCache) AcquireLock(ctx context.Context, userId string, lease string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, userId, lease, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *MockCache) ReleaseLock(ctx context.Context, userId string, lease string) error {
	args := m.Called(ctx, userId, lease)
	return args.Error(0)
}

func (m *MockCache) SetMetadata(ctx context.Context, meta models.SyncMetadata, ttl time.Duration) error {
	args := m.Called(ctx, meta, ttl)
	return args.Error(0)
}

func (m *MockCache) GetMetadata(ctx context.Context, userId string) (models.SyncMetadata, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).(models.SyncMetadata), args.Error(1)
}

func (m *MockCache) InvalidateMetadata(ctx context.Context, userId string) error {
	args := m.Called(ctx, userId)
	return args.Error(0)
}
