package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/pezware/mirubato-sub016/models"
	"github.com/pezware/mirubato-sub016/service"
	"github.com/pezware/mirubato-sub016/syncer"
)

type Handler struct {
	Service *service.Service
}

func NewHandler(svc *service.Service) *Handler {
	return &Handler{Service: svc}
}

type syncBatchRequest struct {
	UserId    string             `json:"userId,omitempty"`
	DeviceId  string             `json:"deviceId,omitempty"`
	SyncToken string             `json:"syncToken,omitempty"`
	Entities  []syncer.BatchItem `json:"entities"`
}

type syncBatchResponse struct {
	Uploaded     int                `json:"uploaded"`
	Failed       int                `json:"failed"`
	Conflicts    int                `json:"conflicts"`
	Errors       []syncer.ItemError `json:"errors"`
	NewSyncToken string             `json:"newSyncToken"`
}

func (h *Handler) HandleSyncBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	principal, err := h.Service.AuthenticateToken(r.Context(), h.getTokenFromAuthHeader(r))
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	var req syncBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.Service.SyncBatch(r.Context(), service.SyncParams{
		Principal: principal,
		UserId:    req.UserId,
		DeviceId:  req.DeviceId,
		SyncToken: req.SyncToken,
		Items:     req.Entities,
	})
	if err != nil {
		h.writeServiceError(w, err, "sync batch")
		return
	}

	resp := syncBatchResponse{
		Uploaded:     result.Uploaded,
		Failed:       result.Failed,
		Conflicts:    result.Conflicts,
		Errors:       result.Errors,
		NewSyncToken: result.NewSyncToken,
	}
	h.sendResponse(w, resp)
}

type syncChangesResponse struct {
	Entities     []models.SyncableEntity `json:"entities"`
	DeletedIds   []models.Tombstone      `json:"deletedIds"`
	NewSyncToken string                  `json:"newSyncToken"`
}

func (h *Handler) HandleChanges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	principal, err := h.Service.AuthenticateToken(r.Context(), h.getTokenFromAuthHeader(r))
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	result, err := h.Service.ChangesSince(r.Context(), principal, r.URL.Query().Get("token"))
	if err != nil {
		h.writeServiceError(w, err, "sync changes")
		return
	}

	resp := syncChangesResponse{
		Entities:     result.Entities,
		DeletedIds:   result.Deleted,
		NewSyncToken: result.NewSyncToken,
	}
	h.sendResponse(w, resp)
}

func (h *Handler) HandleMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	principal, err := h.Service.AuthenticateToken(r.Context(), h.getTokenFromAuthHeader(r))
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	meta, err := h.Service.Metadata(r.Context(), principal)
	if err != nil {
		h.writeServiceError(w, err, "sync metadata")
		return
	}

	h.sendResponse(w, meta)
}

type devicesResponse struct {
	Devices []models.DeviceRecord `json:"devices"`
}

func (h *Handler) HandleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	principal, err := h.Service.AuthenticateToken(r.Context(), h.getTokenFromAuthHeader(r))
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	devices, err := h.Service.Devices(r.Context(), principal)
	if err != nil {
		h.writeServiceError(w, err, "list devices")
		return
	}

	h.sendResponse(w, devicesResponse{Devices: devices})
}

type eraseAccountResponse struct {
	Success bool   `json:"success"`
	JobId   string `json:"jobId"`
}

func (h *Handler) HandleAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	principal, err := h.Service.AuthenticateToken(r.Context(), h.getTokenFromAuthHeader(r))
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	jobId, err := h.Service.RequestAccountErase(r.Context(), principal)
	if err != nil {
		h.writeServiceError(w, err, "account erase")
		return
	}

	h.sendResponse(w, eraseAccountResponse{Success: true, JobId: jobId})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, service.ErrNotAuthenticated):
		http.Error(w, "invalid token", http.StatusUnauthorized)
	case errors.Is(err, service.ErrNotAuthorized), errors.Is(err, syncer.ErrTokenForbidden):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, syncer.ErrInvalidToken):
		// Distinct body so clients know to restart from watermark 0.
		http.Error(w, "invalid sync token", http.StatusBadRequest)
	case errors.Is(err, syncer.ErrBatchTooLarge):
		http.Error(w, "too many entities in batch", http.StatusRequestEntityTooLarge)
	default:
		h.Service.Logger.Error(op+" failed", zap.Error(err))
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
	}
}

func (h *Handler) sendResponse(w http.ResponseWriter, resp any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func (h *Handler) getTokenFromAuthHeader(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimPrefix(authHeader, prefix)
}
