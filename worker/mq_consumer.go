package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/pezware/mirubato-sub016/cache"
	"github.com/pezware/mirubato-sub016/mq"
	"github.com/pezware/mirubato-sub016/store"
)

const (
	JobPurgeTombstones = "purge_tombstones"
	JobEraseUser       = "erase_user"
)

// Job is the envelope carried on the maintenance queue.
type Job struct {
	Type         string `json:"type"`
	JobId        string `json:"jobId"`
	UserId       string `json:"userId,omitempty"`
	CutoffMillis int64  `json:"cutoffMillis,omitempty"`
}

type MQConsumer struct {
	syncQueue mq.MessageQueue
	syncStore store.SyncStore
	syncCache cache.SyncCache
	logger    *zap.Logger
}

func NewMQConsumer(syncQueue mq.MessageQueue, syncStore store.SyncStore, syncCache cache.SyncCache, logger *zap.Logger) *MQConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MQConsumer{
		syncQueue: syncQueue,
		syncStore: syncStore,
		syncCache: syncCache,
		logger:    logger,
	}
}

// Allow up to 5 minutes for the throttled tombstone purge across all users
const visibilityTimeout = 300

func (mqConsumer MQConsumer) Run(shutdownCtx context.Context) {
	for {
		msg, err := mqConsumer.syncQueue.Receive(shutdownCtx, visibilityTimeout)

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			mqConsumer.logger.Error("mqConsumer receive error", zap.Error(err))
			continue
		}

		if msg == nil {
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(msg.Body), &job); err != nil {
			// A body that never parses will never parse; drop it.
			mqConsumer.logger.Warn("mqConsumer dropping malformed job", zap.Error(err))
			mqConsumer.deleteMessage(msg)
			continue
		}

		if err := mqConsumer.handleJob(job); err != nil {
			mqConsumer.logger.Error("mqConsumer job failed",
				zap.String("type", job.Type),
				zap.String("jobId", job.JobId),
				zap.Error(err))
			continue
		}

		mqConsumer.deleteMessage(msg)
	}
}

func (mqConsumer MQConsumer) handleJob(job Job) error {
	// timeout should be a little less than queue visibility timeout
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(visibilityTimeout-1)*time.Second)
	defer cancel()

	switch job.Type {
	case JobPurgeTombstones:
		purged, err := mqConsumer.syncStore.PurgeTombstonesBefore(ctx, job.CutoffMillis)
		if err != nil {
			return err
		}
		mqConsumer.logger.Info("purged expired tombstones",
			zap.String("jobId", job.JobId),
			zap.Int64("cutoffMillis", job.CutoffMillis),
			zap.Int("purged", purged))
		return nil

	case JobEraseUser:
		deleted, err := mqConsumer.syncStore.DeleteUserData(ctx, job.UserId)
		if err != nil {
			return err
		}
		if err := mqConsumer.syncCache.InvalidateMetadata(ctx, job.UserId); err != nil {
			mqConsumer.logger.Warn("failed to invalidate metadata after erase",
				zap.String("userId", job.UserId),
				zap.Error(err))
		}
		// Tell any live connection the account is gone so clients stop syncing.
		notice, _ := json.Marshal(map[string]string{"type": "account_erased"})
		if err := mqConsumer.syncCache.Publish(ctx, cache.UserChannel(job.UserId), notice); err != nil {
			mqConsumer.logger.Warn("failed to publish erase notice",
				zap.String("userId", job.UserId),
				zap.Error(err))
		}
		mqConsumer.logger.Info("erased user data",
			zap.String("jobId", job.JobId),
			zap.String("userId", job.UserId),
			zap.Int("deleted", deleted))
		return nil

	default:
		// Unknown job types are deleted rather than redelivered forever.
		mqConsumer.logger.Warn("mqConsumer unknown job type", zap.String("type", job.Type))
		return nil
	}
}

func (mqConsumer MQConsumer) deleteMessage(msg *mq.Message) {
	if err := mqConsumer.syncQueue.Delete(context.Background(), msg); err != nil {
		mqConsumer.logger.Error("mqConsumer delete error", zap.Error(err))
	}
}
