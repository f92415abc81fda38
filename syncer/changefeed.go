package syncer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pezware/mirubato-sub016/models"
	"github.com/pezware/mirubato-sub016/store"
)

const feedPageLimit = 1000

type FeedResult struct {
	Entities     []models.SyncableEntity
	Deleted      []models.Tombstone
	NewSyncToken string
}

// ChangeFeed serves incremental reads. It takes no locks, so feed
// reads never contend with uploads.
type ChangeFeed struct {
	store  store.SyncStore
	logger *zap.Logger
}

func NewChangeFeed(syncStore store.SyncStore, logger *zap.Logger) *ChangeFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChangeFeed{store: syncStore, logger: logger}
}

// ChangesSince returns everything updated strictly after the token's
// watermark. The new watermark is chosen before the queries run, so a
// write racing the read is delivered again next time instead of being
// skipped; resending a row is harmless because clients apply feed rows
// idempotently.
func (f *ChangeFeed) ChangesSince(ctx context.Context, userId string, token Token) (FeedResult, error) {
	result := FeedResult{
		Entities: make([]models.SyncableEntity, 0),
		Deleted:  make([]models.Tombstone, 0),
	}
	if token.UserId != userId {
		return result, ErrTokenForbidden
	}

	watermark := time.Now().UnixMilli()

	entities, err := f.store.EntitiesUpdatedSince(ctx, userId, token.Watermark, feedPageLimit)
	if err != nil {
		return result, fmt.Errorf("reading entity changes: %w", err)
	}
	tombstones, err := f.store.TombstonesSince(ctx, userId, token.Watermark, feedPageLimit)
	if err != nil {
		return result, fmt.Errorf("reading tombstones: %w", err)
	}

	// A full page means there may be more rows in the window. Rolling
	// the watermark back to the last row seen keeps the next call
	// contiguous; both queries are ordered by their timestamp.
	if len(entities) == feedPageLimit {
		watermark = min(watermark, entities[len(entities)-1].UpdatedAt)
	}
	if len(tombstones) == feedPageLimit {
		watermark = min(watermark, tombstones[len(tombstones)-1].DeletedAt)
	}

	result.Entities = entities
	result.Deleted = tombstones
	result.NewSyncToken = Token{UserId: userId, Watermark: watermark}.String()

	// The pending counter only tracks changes this user has not
	// pulled yet; failing to reset it is not worth failing the read.
	if err := f.store.ResetPendingCount(ctx, userId); err != nil {
		f.logger.Warn("failed to reset pending sync count",
			zap.String("userId", userId), zap.Error(err))
	}
	return result, nil
}
