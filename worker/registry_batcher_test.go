package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/pezware/mirubato-sub016/models"
	storemocks "github.com/pezware/mirubato-sub016/store/mocks"
	"github.com/pezware/mirubato-sub016/worker"
)

func TestRegistryBatcherCoalescesUpdates(t *testing.T) {
	upserts := make(chan models.DeviceRecord, 4)
	mockStore := new(storemocks.MockStore)
	mockStore.On("UpsertDeviceRecord", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		upserts <- args.Get(1).(models.DeviceRecord)
	}).Return(nil)

	// Ticker far in the future; the shutdown flush is what we observe.
	batcher := worker.NewRegistryBatcher(mockStore, 60000, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go batcher.Run(ctx)

	batcher.UpdateCh <- worker.RegistryUpdate{
		UserId: "user1", DeviceId: "device1", EntityType: models.EntityGoal, EntityId: "goal1", SyncedAt: 100, Delta: 2,
	}
	batcher.UpdateCh <- worker.RegistryUpdate{
		UserId: "user1", DeviceId: "device1", EntityType: models.EntityPracticeSession, EntityId: "session1", SyncedAt: 200, Delta: 3,
	}
	batcher.UpdateCh <- worker.RegistryUpdate{
		UserId: "user1", DeviceId: "device2", EntityType: models.EntityGoal, EntityId: "goal1", SyncedAt: 150, Delta: 1,
	}

	for len(batcher.UpdateCh) > 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	records := make(map[string]models.DeviceRecord)
	for i := 0; i < 2; i++ {
		select {
		case record := <-upserts:
			records[record.DeviceId] = record
		case <-time.After(2 * time.Second):
			t.Fatal("batcher never flushed")
		}
	}

	// Two updates from device1 fold into a single write that keeps the
	// most recent activity and the summed count.
	assert.Equal(t, int64(5), records["device1"].SyncCount)
	assert.Equal(t, int64(200), records["device1"].LastSyncAt)
	assert.Equal(t, models.EntityPracticeSession, records["device1"].LastEntityType)
	assert.Equal(t, "session1", records["device1"].LastEntityId)
	assert.Equal(t, "user1", records["device1"].UserId)

	assert.Equal(t, int64(1), records["device2"].SyncCount)
	assert.Equal(t, int64(150), records["device2"].LastSyncAt)
}

func TestRegistryBatcherFlushesOnTicker(t *testing.T) {
	upserts := make(chan models.DeviceRecord, 1)
	mockStore := new(storemocks.MockStore)
	mockStore.On("UpsertDeviceRecord", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		select {
		case upserts <- args.Get(1).(models.DeviceRecord):
		default:
		}
	}).Return(nil)

	batcher := worker.NewRegistryBatcher(mockStore, 10, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go batcher.Run(ctx)

	batcher.UpdateCh <- worker.RegistryUpdate{
		UserId: "user1", DeviceId: "device1", EntityType: models.EntityGoal, EntityId: "goal1", SyncedAt: 100, Delta: 1,
	}

	select {
	case record := <-upserts:
		assert.Equal(t, "device1", record.DeviceId)
		assert.Equal(t, int64(1), record.SyncCount)
	case <-time.After(2 * time.Second):
		t.Fatal("ticker flush never happened")
	}
}

func TestRegistryBatcherSkipsUnusableUpdates(t *testing.T) {
	mockStore := new(storemocks.MockStore)

	batcher := worker.NewRegistryBatcher(mockStore, 60000, nil)
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		batcher.Run(ctx)
		close(runDone)
	}()

	// No device attribution and no applied writes; neither is worth a
	// registry row.
	batcher.UpdateCh <- worker.RegistryUpdate{UserId: "user1", SyncedAt: 100, Delta: 2}
	batcher.UpdateCh <- worker.RegistryUpdate{UserId: "user1", DeviceId: "device1", SyncedAt: 100, Delta: 0}

	for len(batcher.UpdateCh) > 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-runDone

	mockStore.AssertNotCalled(t, "UpsertDeviceRecord", mock.Anything, mock.Anything)
}
