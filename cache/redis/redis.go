package redis

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pezware/mirubato-sub016/cache"
	"github.com/pezware/mirubato-sub016/models"
)

type RedisSyncCache struct {
	client redis.UniversalClient
}

func NewRedisSyncCache(ctx context.Context, devMode bool, redisEndpoint string) (*RedisSyncCache, error) {
	var client redis.UniversalClient
	if devMode {
		client = redis.NewClient(&redis.Options{
			Addr: redisEndpoint,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr: redisEndpoint,
			// AWS elasticache endpoints require TLS
			TLSConfig: &tls.Config{},
		})
	}

	err := client.Ping(ctx).Err()
	if err != nil {
		return nil, err
	}

	return &RedisSyncCache{client: client}, nil
}

func (redisCache *RedisSyncCache) Publish(ctx context.Context, channel string, message []byte) error {
	if err := redisCache.client.Publish(ctx, channel, message).Err(); err != nil {
		return err
	}
	return nil
}

func (redisCache *RedisSyncCache) Subscribe(ctx context.Context, channel string, handler func(message []byte)) error {
	pubsub := redisCache.client.Subscribe(ctx, channel)
	// Ensure subscription is established
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return err
	}

	ch := pubsub.Channel()

	go func() {
		defer pubsub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()

	return nil
}

// Helper functions to generate Redis keys with hash tags for cluster compatibility
func buildLockKey(userId string) string {
	return "sync:lock:{" + userId + "}"
}

func buildMetaKey(userId string) string {
	return "sync:meta:{" + userId + "}"
}

// releaseScript deletes the lease key only while it still holds our
// lease value, so a slow batch whose lease expired cannot release the
// lease a faster successor now owns.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (redisCache *RedisSyncCache) AcquireLock(ctx context.Context, userId string, lease string, ttl time.Duration) (bool, error) {
	return redisCache.client.SetNX(ctx, buildLockKey(userId), lease, ttl).Result()
}

func (redisCache *RedisSyncCache) ReleaseLock(ctx context.Context, userId string, lease string) error {
	return releaseScript.Run(ctx, redisCache.client, []string{buildLockKey(userId)}, lease).Err()
}

func (redisCache *RedisSyncCache) SetMetadata(ctx context.Context, meta models.SyncMetadata, ttl time.Duration) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return redisCache.client.Set(ctx, buildMetaKey(meta.UserId), data, ttl).Err()
}

func (redisCache *RedisSyncCache) GetMetadata(ctx context.Context, userId string) (models.SyncMetadata, error) {
	data, err := redisCache.client.Get(ctx, buildMetaKey(userId)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.SyncMetadata{}, cache.ErrCacheMiss
	}
	if err != nil {
		return models.SyncMetadata{}, err
	}

	var meta models.SyncMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return models.SyncMetadata{}, err
	}
	// UserId is excluded from JSON, restore it from the key owner.
	meta.UserId = userId
	return meta, nil
}

func (redisCache *RedisSyncCache) InvalidateMetadata(ctx context.Context, userId string) error {
	return redisCache.client.Del(ctx, buildMetaKey(userId)).Err()
}
