package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/pezware/mirubato-sub016/cache"
	"github.com/pezware/mirubato-sub016/models"
	"github.com/pezware/mirubato-sub016/store"
	"github.com/pezware/mirubato-sub016/syncer"
	"github.com/pezware/mirubato-sub016/worker"
)

const metadataCacheTTL = 30 * time.Second

type SyncParams struct {
	Principal Principal
	UserId    string // from the request envelope, informational
	DeviceId  string // from the request envelope, used when the session has no device binding
	SyncToken string // client's last known token, informational
	Items     []syncer.BatchItem
}

type SyncUpdateMessage struct {
	Type string         `json:"type"`
	Data SyncUpdateData `json:"data"`
}

type SyncUpdateData struct {
	DeviceId string `json:"deviceId"`
	Applied  int    `json:"applied"`
}

func (s *Service) SyncBatch(ctx context.Context, params SyncParams) (syncer.BatchResult, error) {
	// 1. The envelope's userId is informational; reject it outright
	// when it names someone other than the authenticated principal.
	if params.UserId != "" && params.UserId != params.Principal.UserId {
		return syncer.BatchResult{}, ErrNotAuthorized
	}

	deviceId := params.Principal.DeviceId
	if deviceId == "" {
		deviceId = params.DeviceId
	}

	// 2. Ingest the batch.
	result, err := s.Coordinator.SyncBatch(ctx, params.Principal.UserId, deviceId, params.Items)
	if err != nil {
		return result, err
	}

	// Async side-effects - return to caller as soon as the batch is settled
	go func() {
		// 3. Tell the user's other devices something changed so they
		// pull the feed. The origin deviceId lets them skip their own
		// writes.
		if result.Applied > 0 {
			msg := SyncUpdateMessage{
				Type: "sync_update",
				Data: SyncUpdateData{DeviceId: deviceId, Applied: result.Applied},
			}
			if msgBytes, err := json.Marshal(msg); err == nil {
				s.Cache.Publish(context.Background(), cache.UserChannel(params.Principal.UserId), msgBytes)
			}
		}

		// 4. Queue the device registry update.
		if result.Applied > 0 && deviceId != "" {
			s.RegistryBatcher.UpdateCh <- worker.RegistryUpdate{
				UserId:     params.Principal.UserId,
				DeviceId:   deviceId,
				EntityType: result.LastEntityType,
				EntityId:   result.LastEntityId,
				SyncedAt:   time.Now().UnixMilli(),
				Delta:      int64(result.Applied),
			}
		}

		// 5. Drop the stale metadata snapshot.
		if err := s.Cache.InvalidateMetadata(context.Background(), params.Principal.UserId); err != nil {
			s.Logger.Warn("failed to invalidate metadata snapshot",
				zap.String("userId", params.Principal.UserId), zap.Error(err))
		}
	}()

	return result, nil
}

func (s *Service) ChangesSince(ctx context.Context, principal Principal, rawToken string) (syncer.FeedResult, error) {
	// 1. An absent token means a full resync from the beginning.
	token := syncer.Token{UserId: principal.UserId}
	if rawToken != "" {
		var err error
		token, err = syncer.ParseToken(rawToken)
		if err != nil {
			return syncer.FeedResult{}, err
		}
	}

	// 2. Read the window.
	result, err := s.Feed.ChangesSince(ctx, principal.UserId, token)
	if err != nil {
		return result, err
	}

	// Async side-effects - return to caller as soon as the window is read
	go func() {
		// 3. The feed read reset the pending counter, so the cached
		// metadata snapshot is stale now.
		if err := s.Cache.InvalidateMetadata(context.Background(), principal.UserId); err != nil {
			s.Logger.Warn("failed to invalidate metadata snapshot",
				zap.String("userId", principal.UserId), zap.Error(err))
		}
	}()

	return result, nil
}

func (s *Service) Metadata(ctx context.Context, principal Principal) (models.SyncMetadata, error) {
	// 1. Snapshot cache first; the row only changes on sync activity.
	if meta, err := s.Cache.GetMetadata(ctx, principal.UserId); err == nil {
		return meta, nil
	}

	// 2. Cache miss: fetch from the store.
	meta, err := s.Store.GetSyncMetadata(ctx, principal.UserId)
	if errors.Is(err, store.ErrItemNotFound) {
		// Never synced; report that rather than a 404.
		return models.SyncMetadata{
			UserId:         principal.UserId,
			LastSyncStatus: models.SyncStatusNever,
		}, nil
	}
	if err != nil {
		return models.SyncMetadata{}, err
	}
	if meta.LastSyncStatus == "" {
		meta.LastSyncStatus = models.SyncStatusNever
	}

	s.Cache.SetMetadata(ctx, meta, metadataCacheTTL)

	return meta, nil
}

func (s *Service) Devices(ctx context.Context, principal Principal) ([]models.DeviceRecord, error) {
	return s.Store.GetDeviceRecords(ctx, principal.UserId)
}
