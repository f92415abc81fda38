package syncer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/pezware/mirubato-sub016/cache"
	"github.com/pezware/mirubato-sub016/codec"
	"github.com/pezware/mirubato-sub016/models"
	"github.com/pezware/mirubato-sub016/store"
)

const (
	maxBatchItems = 500
	leaseTTL      = 30 * time.Second
	leaseRetryMin = 25 * time.Millisecond
	leaseRetryMax = 75 * time.Millisecond
	applyRetries  = 3
)

// BatchResult summarizes one syncBatch call. Uploaded counts every
// item the server settled, including noops and conflicts the stored
// row won; Applied counts only items that actually wrote.
type BatchResult struct {
	Uploaded     int
	Failed       int
	Conflicts    int
	Applied      int
	Errors       []ItemError
	NewSyncToken string

	LastEntityType models.EntityType
	LastEntityId   string
}

// Coordinator ingests client batches. Batches for one user are
// serialized behind a cache lease; individual rows are additionally
// protected by version conditions in the store, so a cache outage only
// costs throughput, never correctness.
type Coordinator struct {
	store  store.SyncStore
	cache  cache.SyncCache
	logger *zap.Logger
}

func NewCoordinator(syncStore store.SyncStore, syncCache cache.SyncCache, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{store: syncStore, cache: syncCache, logger: logger}
}

func (c *Coordinator) SyncBatch(ctx context.Context, userId string, deviceId string, items []BatchItem) (BatchResult, error) {
	result := BatchResult{Errors: make([]ItemError, 0)}
	if len(items) > maxBatchItems {
		return result, ErrBatchTooLarge
	}

	// 1. Take the per-user lease so concurrent devices upload one at
	// a time.
	lease, held, err := c.acquireLease(ctx, userId)
	if err != nil {
		return result, err
	}
	if held {
		defer c.releaseLease(userId, lease)
	}

	// 2. Settle items in the order the client supplied them. A
	// storage failure aborts the batch; everything already applied
	// stays applied and the client's retry lands as noops.
	now := time.Now().UnixMilli()
	for _, item := range items {
		itemErr, err := c.applyItem(ctx, userId, deviceId, now, item, &result)
		if err != nil {
			c.markFailed(ctx, userId, err.Error())
			return result, fmt.Errorf("applying batch for user: %w", err)
		}
		if itemErr != nil {
			result.Failed++
			result.Errors = append(result.Errors, *itemErr)
			continue
		}
		result.Uploaded++
	}

	// 3. Mint the token after the last write so its watermark covers
	// the whole batch.
	token := Token{UserId: userId, Watermark: time.Now().UnixMilli()}
	result.NewSyncToken = token.String()

	status := models.SyncStatusSuccess
	if result.Failed > 0 {
		status = models.SyncStatusPartial
	}
	meta := models.SyncMetadata{
		UserId:            userId,
		LastSyncTimestamp: token.Watermark,
		SyncToken:         result.NewSyncToken,
		LastSyncStatus:    status,
		LastSyncError:     firstError(result.Errors),
	}
	if err := c.store.PutSyncMetadata(ctx, meta); err != nil {
		return result, fmt.Errorf("finalizing sync metadata: %w", err)
	}
	return result, nil
}

func (c *Coordinator) applyItem(ctx context.Context, userId string, deviceId string, now int64, item BatchItem, result *BatchResult) (*ItemError, error) {
	// 1. Shape validation.
	if item.Id == "" {
		return &ItemError{EntityType: item.EntityType, Message: "id is required"}, nil
	}
	if !item.EntityType.Valid() {
		return &ItemError{Id: item.Id, EntityType: item.EntityType, Message: "unknown entity type"}, nil
	}
	if item.SyncVersion < 1 {
		return &ItemError{Id: item.Id, EntityType: item.EntityType, Message: "syncVersion must be at least 1"}, nil
	}

	// 2. Canonical encoding plus checksum verification. Deletes carry
	// no payload and skip both.
	var canonical []byte
	var checksum string
	if !item.IsDelete() {
		var err error
		canonical, err = codec.EncodePayload(item.EntityType, item.Payload)
		if err != nil {
			var encErr *codec.EncodingError
			if errors.As(err, &encErr) {
				return &ItemError{Id: item.Id, EntityType: item.EntityType, Message: encErr.Reason}, nil
			}
			return &ItemError{Id: item.Id, EntityType: item.EntityType, Message: err.Error()}, nil
		}
		checksum = codec.ChecksumBytes(canonical)
		if item.Checksum == "" {
			return &ItemError{Id: item.Id, EntityType: item.EntityType, Message: "checksum is required"}, nil
		}
		if item.Checksum != checksum {
			return &ItemError{Id: item.Id, EntityType: item.EntityType, Message: "checksum does not match payload"}, nil
		}
	}

	// 3. Read, resolve, conditionally write. A stale write means a
	// concurrent writer moved the version under us, so re-read and
	// re-resolve against the row that won.
	for attempt := 0; attempt <= applyRetries; attempt++ {
		current, err := c.currentEntity(ctx, userId, item.EntityType, item.Id)
		if err != nil {
			return nil, err
		}

		decision := Resolve(item, checksum, current)
		switch decision.Outcome {
		case OutcomeNoop:
			return nil, nil
		case OutcomeServerWins:
			result.Conflicts++
			c.logger.Info("conflict resolved in favor of stored row",
				zap.String("userId", userId),
				zap.String("entityType", string(item.EntityType)),
				zap.String("entityId", item.Id),
				zap.Int64("incomingVersion", item.SyncVersion),
				zap.Int64("storedVersion", current.SyncVersion))
			return nil, nil
		}

		err = c.store.ApplyChange(ctx, buildChange(userId, deviceId, now, item, canonical, checksum, current))
		if err == nil {
			result.Applied++
			result.LastEntityType = item.EntityType
			result.LastEntityId = item.Id
			return nil, nil
		}
		if !errors.Is(err, store.ErrVersionStale) {
			return nil, fmt.Errorf("writing entity %s/%s: %w", item.EntityType, item.Id, err)
		}
	}
	return &ItemError{Id: item.Id, EntityType: item.EntityType, Message: "concurrent writes kept outpacing this item"}, nil
}

func buildChange(userId string, deviceId string, now int64, item BatchItem, canonical []byte, checksum string, current *models.SyncableEntity) store.Change {
	// Clients may stamp which of their devices authored the change;
	// default to the device performing the sync.
	if item.DeviceId != "" {
		deviceId = item.DeviceId
	}
	change := store.Change{
		Entity: models.SyncableEntity{
			Id:          item.Id,
			UserId:      userId,
			EntityType:  item.EntityType,
			SyncVersion: item.SyncVersion,
			Checksum:    checksum,
			CreatedAt:   now,
			UpdatedAt:   now,
			DeviceId:    deviceId,
			Payload:     canonical,
		},
	}
	if current != nil {
		change.Entity.CreatedAt = current.CreatedAt
		change.ExpectedVersion = current.SyncVersion
	}
	if item.IsDelete() {
		deletedAt := now
		change.Entity.DeletedAt = &deletedAt
		if current != nil {
			// Keep the last known content so a full resync can still
			// show what was removed.
			change.Entity.Payload = current.Payload
			change.Entity.Checksum = current.Checksum
		}
		change.Tombstone = &models.Tombstone{
			UserId:     userId,
			EntityType: item.EntityType,
			EntityId:   item.Id,
			DeletedAt:  now,
		}
	}
	return change
}

func (c *Coordinator) currentEntity(ctx context.Context, userId string, entityType models.EntityType, id string) (*models.SyncableEntity, error) {
	entity, err := c.store.GetEntity(ctx, userId, entityType, id)
	if errors.Is(err, store.ErrItemNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading entity %s/%s: %w", entityType, id, err)
	}
	return &entity, nil
}

func (c *Coordinator) acquireLease(ctx context.Context, userId string) (string, bool, error) {
	lease := uuid.Must(uuid.NewV4()).String()
	for {
		ok, err := c.cache.AcquireLock(ctx, userId, lease, leaseTTL)
		if err != nil {
			// Degrade to lock-free operation; the store's version
			// conditions still hold.
			c.logger.Warn("batch lease unavailable, proceeding without it",
				zap.String("userId", userId), zap.Error(err))
			return "", false, nil
		}
		if ok {
			return lease, true, nil
		}
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(leaseRetryMin + time.Duration(rand.Int63n(int64(leaseRetryMax-leaseRetryMin)))):
		}
	}
}

func (c *Coordinator) releaseLease(userId string, lease string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.cache.ReleaseLock(ctx, userId, lease); err != nil {
		c.logger.Warn("failed to release batch lease",
			zap.String("userId", userId), zap.Error(err))
	}
}

// markFailed records an aborted batch without clobbering the user's
// last good token.
func (c *Coordinator) markFailed(ctx context.Context, userId string, cause string) {
	meta, err := c.store.GetSyncMetadata(ctx, userId)
	if err != nil && !errors.Is(err, store.ErrItemNotFound) {
		c.logger.Warn("could not load sync metadata to record failure",
			zap.String("userId", userId), zap.Error(err))
		return
	}
	meta.UserId = userId
	meta.LastSyncTimestamp = time.Now().UnixMilli()
	meta.LastSyncStatus = models.SyncStatusFailed
	meta.LastSyncError = cause
	if err := c.store.PutSyncMetadata(ctx, meta); err != nil {
		c.logger.Warn("could not record failed sync",
			zap.String("userId", userId), zap.Error(err))
	}
}

func firstError(errs []ItemError) string {
	if len(errs) == 0 {
		return ""
	}
	return fmt.Sprintf("%s: %s", errs[0].Id, errs[0].Message)
}
