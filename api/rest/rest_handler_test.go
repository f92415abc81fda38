package rest_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/pezware/mirubato-sub016/api/rest"
	cachemocks "github.com/pezware/mirubato-sub016/cache/mocks"
	"github.com/pezware/mirubato-sub016/codec"
	"github.com/pezware/mirubato-sub016/models"
	mqmocks "github.com/pezware/mirubato-sub016/mq/mocks"
	"github.com/pezware/mirubato-sub016/service"
	"github.com/pezware/mirubato-sub016/store"
	storemocks "github.com/pezware/mirubato-sub016/store/mocks"
	"github.com/pezware/mirubato-sub016/syncer"
	"github.com/pezware/mirubato-sub016/worker"
)

func setupHandler(t *testing.T) (*rest.Handler, *storemocks.MockStore, *cachemocks.MockCache, *mqmocks.MockMQ) {
	mockStore := new(storemocks.MockStore)
	mockCache := new(cachemocks.MockCache)
	mockMQ := new(mqmocks.MockMQ)

	svc, err := service.NewService(
		mockStore,
		mockCache,
		mockMQ,
		syncer.NewCoordinator(mockStore, mockCache, nil),
		syncer.NewChangeFeed(mockStore, nil),
		worker.NewRegistryBatcher(mockStore, 1000, nil),
		[]byte("secret"),
		nil,
	)
	assert.NoError(t, err)

	return rest.NewHandler(svc), mockStore, mockCache, mockMQ
}

func authedRequest(t *testing.T, h *rest.Handler, method string, target string, body []byte) *http.Request {
	token, err := h.Service.CreateJWT("user1", "device1")
	assert.NoError(t, err)

	r := httptest.NewRequest(method, target, bytes.NewReader(body))
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}

func batchBody(t *testing.T, entities []syncer.BatchItem) []byte {
	body, err := json.Marshal(map[string]any{
		"userId":   "user1",
		"deviceId": "device1",
		"entities": entities,
	})
	assert.NoError(t, err)
	return body
}

func validItem(t *testing.T) syncer.BatchItem {
	payload := []byte(`{"instrument":"piano","startedAt":1700000000000,"durationMinutes":45}`)
	checksum, err := codec.Checksum(models.EntityPracticeSession, payload)
	assert.NoError(t, err)
	return syncer.BatchItem{
		Id:          "session1",
		EntityType:  models.EntityPracticeSession,
		SyncVersion: 1,
		Checksum:    checksum,
		Payload:     payload,
	}
}

func waitFor(t *testing.T, done chan struct{}, what string) {
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestHandleSyncBatchRequiresAuth(t *testing.T) {
	h, _, _, _ := setupHandler(t)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/sync/batch", bytes.NewReader(batchBody(t, nil)))
	h.HandleSyncBatch(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "invalid token")
}

func TestHandleSyncBatchRejectsNonPost(t *testing.T) {
	h, _, _, _ := setupHandler(t)

	w := httptest.NewRecorder()
	h.HandleSyncBatch(w, authedRequest(t, h, http.MethodGet, "/v1/sync/batch", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleSyncBatchRejectsBadBody(t *testing.T) {
	h, _, _, _ := setupHandler(t)

	w := httptest.NewRecorder()
	h.HandleSyncBatch(w, authedRequest(t, h, http.MethodPost, "/v1/sync/batch", []byte(`{"entities": [`)))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid request body")
}

func TestHandleSyncBatchRejectsForeignEnvelope(t *testing.T) {
	h, _, _, _ := setupHandler(t)

	body, err := json.Marshal(map[string]any{"userId": "user2", "entities": []syncer.BatchItem{}})
	assert.NoError(t, err)

	w := httptest.NewRecorder()
	h.HandleSyncBatch(w, authedRequest(t, h, http.MethodPost, "/v1/sync/batch", body))

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "forbidden")
}

func TestHandleSyncBatchRejectsOversizedBatch(t *testing.T) {
	h, _, _, _ := setupHandler(t)

	w := httptest.NewRecorder()
	h.HandleSyncBatch(w, authedRequest(t, h, http.MethodPost, "/v1/sync/batch", batchBody(t, make([]syncer.BatchItem, 501))))

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Contains(t, w.Body.String(), "too many entities in batch")
}

func TestHandleSyncBatch(t *testing.T) {
	h, mockStore, mockCache, _ := setupHandler(t)

	mockCache.On("AcquireLock", mock.Anything, "user1", mock.Anything, mock.Anything).Return(true, nil)
	mockCache.On("ReleaseLock", mock.Anything, "user1", mock.Anything).Return(nil)
	mockStore.On("GetEntity", mock.Anything, "user1", models.EntityPracticeSession, "session1").
		Return(models.SyncableEntity{}, store.ErrItemNotFound)
	mockStore.On("ApplyChange", mock.Anything, mock.Anything).Return(nil)
	mockStore.On("PutSyncMetadata", mock.Anything, mock.Anything).Return(nil)
	mockCache.On("Publish", mock.Anything, "user:user1", mock.Anything).Return(nil)
	invalidateDone := make(chan struct{})
	mockCache.On("InvalidateMetadata", mock.Anything, "user1").Run(func(args mock.Arguments) {
		close(invalidateDone)
	}).Return(nil)

	w := httptest.NewRecorder()
	h.HandleSyncBatch(w, authedRequest(t, h, http.MethodPost, "/v1/sync/batch", batchBody(t, []syncer.BatchItem{validItem(t)})))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp struct {
		Uploaded     int                `json:"uploaded"`
		Failed       int                `json:"failed"`
		Conflicts    int                `json:"conflicts"`
		Errors       []syncer.ItemError `json:"errors"`
		NewSyncToken string             `json:"newSyncToken"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Uploaded)
	assert.Equal(t, 0, resp.Failed)
	assert.Equal(t, 0, resp.Conflicts)
	assert.Empty(t, resp.Errors)

	token, err := syncer.ParseToken(resp.NewSyncToken)
	assert.NoError(t, err)
	assert.Equal(t, "user1", token.UserId)

	waitFor(t, invalidateDone, "metadata invalidation")
}

func TestHandleChanges(t *testing.T) {
	h, mockStore, mockCache, _ := setupHandler(t)

	entity := models.SyncableEntity{
		Id: "session1", UserId: "user1", EntityType: models.EntityPracticeSession,
		SyncVersion: 1, UpdatedAt: 1700000000000,
	}
	mockStore.On("EntitiesUpdatedSince", mock.Anything, "user1", int64(0), int32(1000)).
		Return([]models.SyncableEntity{entity}, nil)
	mockStore.On("TombstonesSince", mock.Anything, "user1", int64(0), int32(1000)).
		Return([]models.Tombstone{}, nil)
	mockStore.On("ResetPendingCount", mock.Anything, "user1").Return(nil)
	invalidateDone := make(chan struct{})
	mockCache.On("InvalidateMetadata", mock.Anything, "user1").Run(func(args mock.Arguments) {
		close(invalidateDone)
	}).Return(nil)

	w := httptest.NewRecorder()
	h.HandleChanges(w, authedRequest(t, h, http.MethodGet, "/v1/sync/changes", nil))

	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Entities     []models.SyncableEntity `json:"entities"`
		DeletedIds   []models.Tombstone      `json:"deletedIds"`
		NewSyncToken string                  `json:"newSyncToken"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Entities, 1)
	assert.Equal(t, "session1", resp.Entities[0].Id)
	assert.Empty(t, resp.DeletedIds)
	assert.NotEmpty(t, resp.NewSyncToken)

	waitFor(t, invalidateDone, "metadata invalidation")
}

func TestHandleChangesMalformedToken(t *testing.T) {
	h, _, _, _ := setupHandler(t)

	w := httptest.NewRecorder()
	h.HandleChanges(w, authedRequest(t, h, http.MethodGet, "/v1/sync/changes?token=garbage", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid sync token")
}

func TestHandleChangesForeignToken(t *testing.T) {
	h, _, _, _ := setupHandler(t)

	w := httptest.NewRecorder()
	h.HandleChanges(w, authedRequest(t, h, http.MethodGet, "/v1/sync/changes?token=user2:12345", nil))

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "forbidden")
}

func TestHandleMetadata(t *testing.T) {
	h, _, mockCache, _ := setupHandler(t)

	mockCache.On("GetMetadata", mock.Anything, "user1").Return(models.SyncMetadata{
		UserId:            "user1",
		LastSyncTimestamp: 1700000000000,
		SyncToken:         "user1:1700000000000",
		PendingSyncCount:  2,
		LastSyncStatus:    models.SyncStatusSuccess,
	}, nil)

	w := httptest.NewRecorder()
	h.HandleMetadata(w, authedRequest(t, h, http.MethodGet, "/v1/sync/metadata", nil))

	assert.Equal(t, http.StatusOK, w.Code)

	var resp models.SyncMetadata
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.SyncStatusSuccess, resp.LastSyncStatus)
	assert.Equal(t, int64(2), resp.PendingSyncCount)
	assert.Equal(t, "user1:1700000000000", resp.SyncToken)
}

func TestHandleDevices(t *testing.T) {
	h, mockStore, _, _ := setupHandler(t)

	mockStore.On("GetDeviceRecords", mock.Anything, "user1").Return([]models.DeviceRecord{
		{UserId: "user1", DeviceId: "device1", LastSyncAt: 1700000000000, SyncCount: 12},
	}, nil)

	w := httptest.NewRecorder()
	h.HandleDevices(w, authedRequest(t, h, http.MethodGet, "/v1/sync/devices", nil))

	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Devices []models.DeviceRecord `json:"devices"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Devices, 1)
	assert.Equal(t, "device1", resp.Devices[0].DeviceId)
}

func TestHandleAccountErase(t *testing.T) {
	h, _, _, mockMQ := setupHandler(t)

	mockMQ.On("Send", mock.Anything, mock.MatchedBy(func(body string) bool {
		var job worker.Job
		return json.Unmarshal([]byte(body), &job) == nil && job.Type == worker.JobEraseUser && job.UserId == "user1"
	})).Return(nil)

	w := httptest.NewRecorder()
	h.HandleAccount(w, authedRequest(t, h, http.MethodDelete, "/v1/account", nil))

	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool   `json:"success"`
		JobId   string `json:"jobId"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.JobId)
	mockMQ.AssertExpectations(t)
}

func TestHandleAccountRejectsNonDelete(t *testing.T) {
	h, _, _, _ := setupHandler(t)

	w := httptest.NewRecorder()
	h.HandleAccount(w, authedRequest(t, h, http.MethodGet, "/v1/account", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
