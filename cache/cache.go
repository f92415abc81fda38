package cache

import (
	"context"
	"errors"
	"time"

	"github.com/pezware/mirubato-sub016/models"
)

type SyncCache interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func(message []byte)) error

	// AcquireLock takes the per-user batch lease. It returns false
	// without error when another holder owns the lease. ReleaseLock
	// only releases when the stored value still matches lease, so an
	// expired lease cannot release a successor's.
	AcquireLock(ctx context.Context, userId string, lease string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, userId string, lease string) error

	SetMetadata(ctx context.Context, meta models.SyncMetadata, ttl time.Duration) error
	GetMetadata(ctx context.Context, userId string) (models.SyncMetadata, error)
	InvalidateMetadata(ctx context.Context, userId string) error
}

// Custom error types for clarity
var (
	ErrCacheMiss = errors.New("cache entry does not exist")
)

// UserChannel is the pub/sub channel carrying sync notifications to
// one user's live connections.
func UserChannel(userId string) string {
	return "user:" + userId
}
