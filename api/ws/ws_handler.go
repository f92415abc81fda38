package ws

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pezware/mirubato-sub016/service"
)

type Handler struct {
	Service *service.Service
	Hub     *Hub
}

func NewHandler(svc *service.Service, hub *Hub) *Handler {
	return &Handler{
		Service: svc,
		Hub:     hub,
	}
}

func (h *Handler) NewWsUpgrader(requiredOrigin string) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == requiredOrigin
		},
		Subprotocols: []string{"mirubato-sync-v1"},
	}
}

// ServeWS handles websocket requests from the peer. The session token
// travels in the query string because browser WebSocket clients cannot
// set an Authorization header.
func (h *Handler) ServeWS(wsUpgrader websocket.Upgrader, w http.ResponseWriter, r *http.Request, shutdownCtx context.Context) {
	token := r.URL.Query().Get("token")
	principal, authErr := h.Service.AuthenticateToken(r.Context(), token)

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Service.Logger.Warn("failed to upgrade ws connection", zap.Error(err))
		return
	}

	// Must upgrade the connection in order to be able to send custom close message
	if authErr != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Unauthenticated"),
		)
		conn.Close()
		return
	}

	client := NewClient(h.Hub, conn, principal, h.HandleWsMessage)

	h.Hub.OpenCh <- client

	// Start pumps
	go client.ReadPump()
	go client.WritePump(shutdownCtx)

	// Send the current sync metadata so a reconnecting device can see
	// straight away whether other devices wrote while it was gone.
	meta, err := h.Service.Metadata(context.Background(), principal)
	if err == nil {
		msg := responseMessage{
			Type: "metadata",
			Data: map[string]any{"success": true, "metadata": meta},
		}
		if msgBytes, err := json.Marshal(msg); err == nil {
			client.Send <- msgBytes
		}
	} else {
		h.Service.Logger.Warn("failed to load metadata for new ws connection",
			zap.String("userId", principal.UserId), zap.Error(err))
	}
}

// Websocket message structs
type message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type responseMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func (h *Handler) HandleWsMessage(client *Client, messageType int, messageBytes []byte) {
	var msg message
	if err := json.Unmarshal(messageBytes, &msg); err != nil {
		h.Service.Logger.Warn("invalid ws message", zap.Error(err))
		return
	}

	var resp responseMessage

	switch msg.Type {
	case "refresh":
		resp = h.handleRefresh(client)

	default:
		h.Service.Logger.Warn("unknown ws message type", zap.String("type", msg.Type))
	}

	if resp.Type != "" {
		respBytes, err := json.Marshal(resp)
		if err != nil {
			h.Service.Logger.Warn("error marshaling ws response", zap.Error(err))
			return
		}
		client.Send <- respBytes
	}
}

func (h *Handler) handleRefresh(client *Client) responseMessage {
	resp := responseMessage{
		Type: "metadata",
	}

	meta, err := h.Service.Metadata(context.Background(), client.principal)
	if err != nil {
		h.Service.Logger.Warn("refresh failed",
			zap.String("userId", client.principal.UserId), zap.Error(err))
		resp.Data = map[string]any{"success": false}
		return resp
	}

	resp.Data = map[string]any{"success": true, "metadata": meta}
	return resp
}
