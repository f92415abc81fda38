package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/pezware/mirubato-sub016/cache"
	cachemocks "github.com/pezware/mirubato-sub016/cache/mocks"
	"github.com/pezware/mirubato-sub016/codec"
	"github.com/pezware/mirubato-sub016/models"
	mqmocks "github.com/pezware/mirubato-sub016/mq/mocks"
	"github.com/pezware/mirubato-sub016/service"
	"github.com/pezware/mirubato-sub016/store"
	storemocks "github.com/pezware/mirubato-sub016/store/mocks"
	"github.com/pezware/mirubato-sub016/syncer"
	"github.com/pezware/mirubato-sub016/worker"
)

// Helper to setup the service with mocks
func setupService(t *testing.T) (*service.Service, *storemocks.MockStore, *cachemocks.MockCache, *mqmocks.MockMQ, *worker.RegistryBatcher) {
	mockStore := new(storemocks.MockStore)
	mockCache := new(cachemocks.MockCache)
	mockMQ := new(mqmocks.MockMQ)

	// Real batcher without its Run loop; tests verify items land on
	// its channel
	registryBatcher := worker.NewRegistryBatcher(mockStore, 1000, nil)

	coordinator := syncer.NewCoordinator(mockStore, mockCache, nil)
	feed := syncer.NewChangeFeed(mockStore, nil)

	svc, err := service.NewService(
		mockStore,
		mockCache,
		mockMQ,
		coordinator,
		feed,
		registryBatcher,
		[]byte("secret"),
		nil,
	)
	assert.NoError(t, err)

	return svc, mockStore, mockCache, mockMQ, registryBatcher
}

// Helper that creates a channel and wraps a mock call to signal when it's called
func wrapMockWithSignal(call *mock.Call) chan struct{} {
	done := make(chan struct{})
	call.Run(func(args mock.Arguments) {
		close(done)
	})
	return done
}

func sessionItem(t *testing.T, id string, version int64) syncer.BatchItem {
	payload := json.RawMessage(`{"instrument":"piano","startedAt":1700000000000,"durationMinutes":45}`)
	checksum, err := codec.Checksum(models.EntityPracticeSession, payload)
	assert.NoError(t, err)

	return syncer.BatchItem{
		Id:          id,
		EntityType:  models.EntityPracticeSession,
		SyncVersion: version,
		Checksum:    checksum,
		Payload:     payload,
	}
}

func TestSyncBatch_AppliesAndNotifies(t *testing.T) {
	svc, mockStore, mockCache, _, registryBatcher := setupService(t)
	ctx := context.Background()
	principal := service.Principal{UserId: "user1", DeviceId: "device-a"}

	item := sessionItem(t, "e1", 1)

	// 1. Lease and storage expectations
	mockCache.On("AcquireLock", ctx, "user1", mock.Anything, mock.Anything).Return(true, nil)
	mockCache.On("ReleaseLock", mock.Anything, "user1", mock.Anything).Return(nil)
	mockStore.On("GetEntity", ctx, "user1", models.EntityPracticeSession, "e1").
		Return(models.SyncableEntity{}, store.ErrItemNotFound)
	mockStore.On("ApplyChange", ctx, mock.MatchedBy(func(change store.Change) bool {
		return change.Entity.Id == "e1" &&
			change.Entity.UserId == "user1" &&
			change.Entity.DeviceId == "device-a" &&
			change.ExpectedVersion == 0 &&
			change.Tombstone == nil
	})).Return(nil)
	mockStore.On("PutSyncMetadata", ctx, mock.MatchedBy(func(meta models.SyncMetadata) bool {
		return meta.UserId == "user1" && meta.LastSyncStatus == models.SyncStatusSuccess
	})).Return(nil)

	// 2. Async expectations with channel synchronization
	publishDone := wrapMockWithSignal(mockCache.On("Publish", mock.Anything, cache.UserChannel("user1"), mock.MatchedBy(func(msg []byte) bool {
		var envelope service.SyncUpdateMessage
		if err := json.Unmarshal(msg, &envelope); err != nil {
			return false
		}
		return envelope.Type == "sync_update" && envelope.Data.DeviceId == "device-a" && envelope.Data.Applied == 1
	})).Return(nil))
	invalidateDone := wrapMockWithSignal(mockCache.On("InvalidateMetadata", mock.Anything, "user1").Return(nil))

	result, err := svc.SyncBatch(ctx, service.SyncParams{
		Principal: principal,
		Items:     []syncer.BatchItem{item},
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, result.Uploaded)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 0, result.Conflicts)
	assert.Equal(t, 1, result.Applied)
	assert.Empty(t, result.Errors)
	assert.NotEmpty(t, result.NewSyncToken)

	// Verify registry batcher received the device update
	select {
	case update := <-registryBatcher.UpdateCh:
		assert.Equal(t, "user1", update.UserId)
		assert.Equal(t, "device-a", update.DeviceId)
		assert.Equal(t, "e1", update.EntityId)
		assert.Equal(t, int64(1), update.Delta)
	case <-time.After(1 * time.Second):
		assert.Fail(t, "timed out waiting for registry update")
	}

	select {
	case <-publishDone:
	case <-time.After(1 * time.Second):
		assert.Fail(t, "timed out waiting for Publish")
	}

	select {
	case <-invalidateDone:
	case <-time.After(1 * time.Second):
		assert.Fail(t, "timed out waiting for InvalidateMetadata")
	}
}

func TestSyncBatch_EnvelopeUserMismatch(t *testing.T) {
	svc, _, _, _, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.SyncBatch(ctx, service.SyncParams{
		Principal: service.Principal{UserId: "user1", DeviceId: "device-a"},
		UserId:    "someone-else",
		Items:     []syncer.BatchItem{sessionItem(t, "e1", 1)},
	})

	assert.ErrorIs(t, err, service.ErrNotAuthorized)
}

func TestSyncBatch_TooManyItems(t *testing.T) {
	svc, _, _, _, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.SyncBatch(ctx, service.SyncParams{
		Principal: service.Principal{UserId: "user1", DeviceId: "device-a"},
		Items:     make([]syncer.BatchItem, 501),
	})

	assert.ErrorIs(t, err, syncer.ErrBatchTooLarge)
}

func TestSyncBatch_PartialFailure(t *testing.T) {
	svc, mockStore, mockCache, _, _ := setupService(t)
	ctx := context.Background()
	principal := service.Principal{UserId: "user1", DeviceId: "device-a"}

	good := sessionItem(t, "e1", 1)
	bad := syncer.BatchItem{
		Id:          "e2",
		EntityType:  models.EntityType("recital"),
		SyncVersion: 1,
	}

	mockCache.On("AcquireLock", ctx, "user1", mock.Anything, mock.Anything).Return(true, nil)
	mockCache.On("ReleaseLock", mock.Anything, "user1", mock.Anything).Return(nil)
	mockStore.On("GetEntity", ctx, "user1", models.EntityPracticeSession, "e1").
		Return(models.SyncableEntity{}, store.ErrItemNotFound)
	mockStore.On("ApplyChange", ctx, mock.Anything).Return(nil)
	mockStore.On("PutSyncMetadata", ctx, mock.MatchedBy(func(meta models.SyncMetadata) bool {
		return meta.LastSyncStatus == models.SyncStatusPartial && meta.LastSyncError != ""
	})).Return(nil)

	mockCache.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	mockCache.On("InvalidateMetadata", mock.Anything, "user1").Return(nil)

	result, err := svc.SyncBatch(ctx, service.SyncParams{
		Principal: principal,
		Items:     []syncer.BatchItem{good, bad},
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, result.Uploaded)
	assert.Equal(t, 1, result.Failed)
	assert.Len(t, result.Errors, 1)
	assert.Equal(t, "e2", result.Errors[0].Id)
	assert.Contains(t, result.Errors[0].Message, "unknown entity type")
}

func TestSyncBatch_ServerWinsConflict(t *testing.T) {
	svc, mockStore, mockCache, _, _ := setupService(t)
	ctx := context.Background()
	principal := service.Principal{UserId: "user1", DeviceId: "device-b"}

	// Stored row is already at version 2; the incoming version-1 copy
	// must lose without being written.
	item := sessionItem(t, "e1", 1)
	current := models.SyncableEntity{
		Id:          "e1",
		UserId:      "user1",
		EntityType:  models.EntityPracticeSession,
		SyncVersion: 2,
		Checksum:    "different",
	}

	mockCache.On("AcquireLock", ctx, "user1", mock.Anything, mock.Anything).Return(true, nil)
	mockCache.On("ReleaseLock", mock.Anything, "user1", mock.Anything).Return(nil)
	mockStore.On("GetEntity", ctx, "user1", models.EntityPracticeSession, "e1").Return(current, nil)
	mockStore.On("PutSyncMetadata", ctx, mock.MatchedBy(func(meta models.SyncMetadata) bool {
		return meta.LastSyncStatus == models.SyncStatusSuccess
	})).Return(nil)

	invalidateDone := wrapMockWithSignal(mockCache.On("InvalidateMetadata", mock.Anything, "user1").Return(nil))

	result, err := svc.SyncBatch(ctx, service.SyncParams{
		Principal: principal,
		Items:     []syncer.BatchItem{item},
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, result.Uploaded)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 1, result.Conflicts)
	assert.Equal(t, 0, result.Applied)

	// No write happened, so no sync_update broadcast either
	mockStore.AssertNotCalled(t, "ApplyChange", mock.Anything, mock.Anything)

	select {
	case <-invalidateDone:
	case <-time.After(1 * time.Second):
		assert.Fail(t, "timed out waiting for InvalidateMetadata")
	}
	mockCache.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestSyncBatch_LeaseUnavailableProceeds(t *testing.T) {
	svc, mockStore, mockCache, _, _ := setupService(t)
	ctx := context.Background()
	principal := service.Principal{UserId: "user1", DeviceId: "device-a"}

	item := sessionItem(t, "e1", 1)

	// Cache down: the batch must still go through on the store's
	// version conditions alone.
	mockCache.On("AcquireLock", ctx, "user1", mock.Anything, mock.Anything).
		Return(false, errors.New("connection refused"))
	mockStore.On("GetEntity", ctx, "user1", models.EntityPracticeSession, "e1").
		Return(models.SyncableEntity{}, store.ErrItemNotFound)
	mockStore.On("ApplyChange", ctx, mock.Anything).Return(nil)
	mockStore.On("PutSyncMetadata", ctx, mock.Anything).Return(nil)

	mockCache.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	invalidateDone := wrapMockWithSignal(mockCache.On("InvalidateMetadata", mock.Anything, "user1").Return(nil))

	result, err := svc.SyncBatch(ctx, service.SyncParams{
		Principal: principal,
		Items:     []syncer.BatchItem{item},
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, result.Uploaded)

	select {
	case <-invalidateDone:
	case <-time.After(1 * time.Second):
		assert.Fail(t, "timed out waiting for InvalidateMetadata")
	}
	mockCache.AssertNotCalled(t, "ReleaseLock", mock.Anything, mock.Anything, mock.Anything)
}

func TestChangesSince_FullResync(t *testing.T) {
	svc, mockStore, mockCache, _, _ := setupService(t)
	ctx := context.Background()
	principal := service.Principal{UserId: "user1", DeviceId: "device-a"}

	entity := models.SyncableEntity{
		Id:          "e1",
		UserId:      "user1",
		EntityType:  models.EntityGoal,
		SyncVersion: 3,
		UpdatedAt:   1700000000000,
	}
	tombstone := models.Tombstone{
		UserId:     "user1",
		EntityType: models.EntityLogbookEntry,
		EntityId:   "e9",
		DeletedAt:  1700000000500,
	}

	// Empty token means watermark 0
	mockStore.On("EntitiesUpdatedSince", ctx, "user1", int64(0), int32(1000)).
		Return([]models.SyncableEntity{entity}, nil)
	mockStore.On("TombstonesSince", ctx, "user1", int64(0), int32(1000)).
		Return([]models.Tombstone{tombstone}, nil)
	mockStore.On("ResetPendingCount", ctx, "user1").Return(nil)

	invalidateDone := wrapMockWithSignal(mockCache.On("InvalidateMetadata", mock.Anything, "user1").Return(nil))

	result, err := svc.ChangesSince(ctx, principal, "")

	assert.NoError(t, err)
	assert.Len(t, result.Entities, 1)
	assert.Len(t, result.Deleted, 1)
	assert.Equal(t, "e9", result.Deleted[0].EntityId)

	token, err := syncer.ParseToken(result.NewSyncToken)
	assert.NoError(t, err)
	assert.Equal(t, "user1", token.UserId)
	assert.Greater(t, token.Watermark, int64(0))

	select {
	case <-invalidateDone:
	case <-time.After(1 * time.Second):
		assert.Fail(t, "timed out waiting for InvalidateMetadata")
	}
}

func TestChangesSince_ForeignToken(t *testing.T) {
	svc, _, _, _, _ := setupService(t)
	ctx := context.Background()
	principal := service.Principal{UserId: "user1", DeviceId: "device-a"}

	_, err := svc.ChangesSince(ctx, principal, "user2:12345")

	assert.ErrorIs(t, err, syncer.ErrTokenForbidden)
}

func TestChangesSince_MalformedToken(t *testing.T) {
	svc, _, _, _, _ := setupService(t)
	ctx := context.Background()
	principal := service.Principal{UserId: "user1", DeviceId: "device-a"}

	_, err := svc.ChangesSince(ctx, principal, "not-a-token")

	assert.ErrorIs(t, err, syncer.ErrInvalidToken)
}

func TestMetadata_CacheHit(t *testing.T) {
	svc, mockStore, mockCache, _, _ := setupService(t)
	ctx := context.Background()
	principal := service.Principal{UserId: "user1", DeviceId: "device-a"}

	cached := models.SyncMetadata{
		UserId:            "user1",
		LastSyncTimestamp: 1700000000000,
		SyncToken:         "user1:1700000000000",
		PendingSyncCount:  2,
		LastSyncStatus:    models.SyncStatusSuccess,
	}
	mockCache.On("GetMetadata", ctx, "user1").Return(cached, nil)

	meta, err := svc.Metadata(ctx, principal)

	assert.NoError(t, err)
	assert.Equal(t, cached, meta)
	mockStore.AssertNotCalled(t, "GetSyncMetadata", mock.Anything, mock.Anything)
}

func TestMetadata_CacheMissFallsBackToStore(t *testing.T) {
	svc, mockStore, mockCache, _, _ := setupService(t)
	ctx := context.Background()
	principal := service.Principal{UserId: "user1", DeviceId: "device-a"}

	stored := models.SyncMetadata{
		UserId:            "user1",
		LastSyncTimestamp: 1700000000000,
		SyncToken:         "user1:1700000000000",
		LastSyncStatus:    models.SyncStatusSuccess,
	}
	mockCache.On("GetMetadata", ctx, "user1").Return(models.SyncMetadata{}, cache.ErrCacheMiss)
	mockStore.On("GetSyncMetadata", ctx, "user1").Return(stored, nil)
	mockCache.On("SetMetadata", ctx, stored, mock.Anything).Return(nil)

	meta, err := svc.Metadata(ctx, principal)

	assert.NoError(t, err)
	assert.Equal(t, stored, meta)
	mockCache.AssertCalled(t, "SetMetadata", ctx, stored, mock.Anything)
}

func TestMetadata_NeverSynced(t *testing.T) {
	svc, mockStore, mockCache, _, _ := setupService(t)
	ctx := context.Background()
	principal := service.Principal{UserId: "user1", DeviceId: "device-a"}

	mockCache.On("GetMetadata", ctx, "user1").Return(models.SyncMetadata{}, cache.ErrCacheMiss)
	mockStore.On("GetSyncMetadata", ctx, "user1").Return(models.SyncMetadata{}, store.ErrItemNotFound)

	meta, err := svc.Metadata(ctx, principal)

	assert.NoError(t, err)
	assert.Equal(t, models.SyncStatusNever, meta.LastSyncStatus)
	assert.Equal(t, int64(0), meta.PendingSyncCount)
	assert.Empty(t, meta.SyncToken)
}

func TestDevices_ReturnsRecords(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()
	principal := service.Principal{UserId: "user1", DeviceId: "device-a"}

	records := []models.DeviceRecord{
		{UserId: "user1", DeviceId: "device-a", SyncCount: 12},
		{UserId: "user1", DeviceId: "device-b", SyncCount: 4},
	}
	mockStore.On("GetDeviceRecords", ctx, "user1").Return(records, nil)

	devices, err := svc.Devices(ctx, principal)

	assert.NoError(t, err)
	assert.Equal(t, records, devices)
}
