package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/pezware/mirubato-sub016/models"
	"github.com/pezware/mirubato-sub016/store"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) GetEntity(ctx context.Context, userId string, entityType models.EntityType, id string) (models.SyncableEntity, error) {
	args := m.Called(ctx, userId, entityType, id)
	return args.Get(0).(models.SyncableEntity), args.Error(1)
}

func (m *MockStore) ApplyChange(ctx context.Context, change store.Change) error {
	args := m.Called(ctx, change)
	return args.Error(0)
}

func (m *MockStore) EntitiesUpdatedSince(ctx context.Context, userId string, sinceMillis int64, limit int32) ([]models.SyncableEntity, error) {
	args := m.Called(ctx, userId, sinceMillis, limit)
	return args.Get(0).([]models.SyncableEntity), args.Error(1)
}

func (m *MockStore) TombstonesSince(ctx context.Context, userId string, sinceMillis int64, limit int32) ([]models.Tombstone, error) {
	args := m.Called(ctx, userId, sinceMillis, limit)
	return args.Get(0).([]models.Tombstone), args.Error(1)
}

func (m *MockStore) GetSyncMetadata(ctx context.Context, userId string) (models.SyncMetadata, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).(models.SyncMetadata), args.Error(1)
}

func (m *MockStore) PutSyncMetadata(ctx context.Context, meta models.SyncMetadata) error {
	args := m.Called(ctx, meta)
	return args.Error(0)
}

func (m *MockStore) ResetPendingCount(ctx context.Context, userId string) error {
	args := m.Called(ctx, userId)
	return args.Error(0)
}

func (m *MockStore) UpsertDeviceRecord(ctx context.Context, record models.DeviceRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockStore) GetDeviceRecords(ctx context.Context, userId string) ([]models.DeviceRecord, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).([]models.DeviceRecord), args.Error(1)
}

func (m *MockStore) PurgeTombstonesBefore(ctx context.Context, cutoffMillis int64) (int, error) {
	args := m.Called(ctx, cutoffMillis)
	return args.Int(0), args.Error(1)
}

func (m *MockStore) DeleteUserData(ctx context.Context, userId string) (int, error) {
	args := m.Called(ctx, userId)
	return args.Int(0), args.Error(1)
}
