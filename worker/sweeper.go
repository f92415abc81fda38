package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/pezware/mirubato-sub016/mq"
)

// TombstoneSweeper periodically enqueues a purge job for tombstones older
// than the retention window. The actual deletion runs on the consumer so a
// multi-node deployment does not purge concurrently from every replica.
type TombstoneSweeper struct {
	syncQueue mq.MessageQueue
	retention time.Duration
	interval  time.Duration
	logger    *zap.Logger
}

func NewTombstoneSweeper(syncQueue mq.MessageQueue, retention time.Duration, interval time.Duration, logger *zap.Logger) *TombstoneSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TombstoneSweeper{
		syncQueue: syncQueue,
		retention: retention,
		interval:  interval,
		logger:    logger,
	}
}

func (s *TombstoneSweeper) Run(shutdownCtx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.enqueuePurge()
		case <-shutdownCtx.Done():
			return
		}
	}
}

func (s *TombstoneSweeper) enqueuePurge() {
	jobId, err := uuid.NewV4()
	if err != nil {
		s.logger.Error("failed to generate purge job id", zap.Error(err))
		return
	}

	job := Job{
		Type:         JobPurgeTombstones,
		JobId:        jobId.String(),
		CutoffMillis: time.Now().Add(-s.retention).UnixMilli(),
	}

	body, err := json.Marshal(job)
	if err != nil {
		s.logger.Error("failed to marshal purge job", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.syncQueue.Send(ctx, string(body)); err != nil {
		s.logger.Error("failed to enqueue purge job", zap.Error(err))
		return
	}

	s.logger.Info("enqueued tombstone purge",
		zap.String("jobId", job.JobId),
		zap.Int64("cutoffMillis", job.CutoffMillis))
}
