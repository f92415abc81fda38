package store

import (
	"context"
	"errors"

	"github.com/pezware/mirubato-sub016/models"
)

// Change is one conditional write against the entity table. The write
// succeeds only while the stored row still carries ExpectedVersion
// (ExpectedVersion 0 means the row must not exist yet); otherwise the
// store returns ErrVersionStale and nothing is persisted. When
// Tombstone is set it is written in the same transaction, and every
// applied change bumps the user's PendingSyncCount.
type Change struct {
	Entity          models.SyncableEntity
	ExpectedVersion int64
	Tombstone       *models.Tombstone
}

type SyncStore interface {
	GetEntity(ctx context.Context, userId string, entityType models.EntityType, id string) (models.SyncableEntity, error)
	ApplyChange(ctx context.Context, change Change) error
	EntitiesUpdatedSince(ctx context.Context, userId string, sinceMillis int64, limit int32) ([]models.SyncableEntity, error)
	TombstonesSince(ctx context.Context, userId string, sinceMillis int64, limit int32) ([]models.Tombstone, error)

	GetSyncMetadata(ctx context.Context, userId string) (models.SyncMetadata, error)
	// PutSyncMetadata upserts the bookkeeping fields of the metadata
	// row but never touches PendingSyncCount, which is owned by
	// ApplyChange and ResetPendingCount.
	PutSyncMetadata(ctx context.Context, meta models.SyncMetadata) error
	ResetPendingCount(ctx context.Context, userId string) error

	// UpsertDeviceRecord treats record.SyncCount as an increment to
	// the stored count; the remaining fields overwrite.
	UpsertDeviceRecord(ctx context.Context, record models.DeviceRecord) error
	GetDeviceRecords(ctx context.Context, userId string) ([]models.DeviceRecord, error)

	PurgeTombstonesBefore(ctx context.Context, cutoffMillis int64) (int, error)
	DeleteUserData(ctx context.Context, userId string) (int, error)
}

// Custom error types for clarity
var (
	ErrItemNotFound = errors.New("item does not exist")
	ErrVersionStale = errors.New("version condition not met")
)
