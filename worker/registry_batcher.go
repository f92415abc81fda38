package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pezware/mirubato-sub016/models"
	"github.com/pezware/mirubato-sub016/store"
)

// RegistryUpdate is one device's contribution from a settled batch.
type RegistryUpdate struct {
	UserId     string
	DeviceId   string
	EntityType models.EntityType
	EntityId   string
	SyncedAt   int64
	Delta      int64
}

// RegistryBatcher coalesces device registry writes so a chatty device
// costs one store update per flush interval instead of one per batch.
type RegistryBatcher struct {
	UpdateCh           chan RegistryUpdate
	syncStore          store.SyncStore
	tickerMilliseconds int
	logger             *zap.Logger
}

func NewRegistryBatcher(syncStore store.SyncStore, tickerMilliseconds int, logger *zap.Logger) *RegistryBatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegistryBatcher{
		UpdateCh:           make(chan RegistryUpdate, 1024),
		syncStore:          syncStore,
		tickerMilliseconds: tickerMilliseconds,
		logger:             logger,
	}
}

func (b *RegistryBatcher) Run(shutdownCtx context.Context) {
	ticker := time.NewTicker(time.Duration(b.tickerMilliseconds) * time.Millisecond)
	defer ticker.Stop()

	// Key: "userId#deviceId" -> accumulated record. SyncCount carries
	// the summed delta; the remaining fields keep the latest values.
	pending := make(map[string]models.DeviceRecord)

	flush := func() {
		for _, record := range pending {
			if record.SyncCount == 0 {
				continue
			}
			go func(record models.DeviceRecord) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := b.syncStore.UpsertDeviceRecord(ctx, record); err != nil {
					b.logger.Warn("failed to upsert device record",
						zap.String("userId", record.UserId),
						zap.String("deviceId", record.DeviceId),
						zap.Error(err))
				}
			}(record)
		}
		pending = make(map[string]models.DeviceRecord)
	}

	for {
		select {
		case update := <-b.UpdateCh:
			if update.UserId == "" || update.DeviceId == "" {
				continue
			}
			key := update.UserId + "#" + update.DeviceId
			record := pending[key]
			record.UserId = update.UserId
			record.DeviceId = update.DeviceId
			record.SyncCount += update.Delta
			if update.SyncedAt >= record.LastSyncAt {
				record.LastSyncAt = update.SyncedAt
				record.LastEntityType = update.EntityType
				record.LastEntityId = update.EntityId
			}
			pending[key] = record

			if len(pending) >= 100 {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-shutdownCtx.Done():
			flush()
			return
		}
	}
}
