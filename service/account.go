package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gofrs/uuid/v5"

	"github.com/pezware/mirubato-sub016/worker"
)

// RequestAccountErase queues deletion of every row the user owns. The
// erase itself runs on the queue consumer; by the time the job lands
// the caller's session may already be revoked, which is fine because
// the job carries the userId.
func (s *Service) RequestAccountErase(ctx context.Context, principal Principal) (string, error) {
	jobId, err := uuid.NewV4()
	if err != nil {
		return "", err
	}

	job := worker.Job{
		Type:   worker.JobEraseUser,
		JobId:  jobId.String(),
		UserId: principal.UserId,
	}
	body, err := json.Marshal(job)
	if err != nil {
		return "", err
	}

	if err := s.MQ.Send(ctx, string(body)); err != nil {
		return "", fmt.Errorf("queueing account erase: %w", err)
	}

	return job.JobId, nil
}
