package ws

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/pezware/mirubato-sub016/cache"
)

type relayMessage struct {
	userId string
	body   []byte
}

// Hub maintains the set of active clients and fans cache pub/sub
// notifications out to them. All maps are owned by the Run goroutine;
// the cache subscription callbacks hand messages over on RelayCh
// instead of touching the maps themselves.
type Hub struct {
	syncCache     cache.SyncCache
	OpenCh        chan *Client
	CloseCh       chan *Client
	RelayCh       chan relayMessage
	userToClients map[string]map[*Client]struct{}
	userSubCancel map[string]context.CancelFunc
	logger        *zap.Logger
}

func NewHub(syncCache cache.SyncCache, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		syncCache:     syncCache,
		OpenCh:        make(chan *Client, 256),
		CloseCh:       make(chan *Client, 256),
		RelayCh:       make(chan relayMessage, 1024),
		userToClients: make(map[string]map[*Client]struct{}),
		userSubCancel: make(map[string]context.CancelFunc),
		logger:        logger,
	}
}

const maxConnectionsPerUser = 3

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.OpenCh:
			userId := client.principal.UserId
			if _, ok := h.userToClients[userId]; !ok {
				if !h.subscribeUser(userId) {
					close(client.Send)
					continue
				}
				h.userToClients[userId] = make(map[*Client]struct{})
			}

			if len(h.userToClients[userId]) >= maxConnectionsPerUser {
				h.logger.Warn("user reached max ws connections",
					zap.String("userId", userId),
					zap.Int("max", maxConnectionsPerUser))
				close(client.Send)
				continue
			}

			h.userToClients[userId][client] = struct{}{}

		case client := <-h.CloseCh:
			userId := client.principal.UserId
			delete(h.userToClients[userId], client)
			if len(h.userToClients[userId]) == 0 {
				h.dropUser(userId)
			}

		case relay := <-h.RelayCh:
			clients, ok := h.userToClients[relay.userId]
			if !ok {
				continue
			}
			for client := range clients {
				client.Send <- relay.body
			}

			// An erased account gets its connections closed after the
			// notice is delivered.
			var envelope struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(relay.body, &envelope); err == nil && envelope.Type == "account_erased" {
				for client := range clients {
					close(client.Send)
				}
				h.dropUser(relay.userId)
			}
		}
	}
}

// subscribeUser opens the per-user cache subscription. The first
// connection a user opens pays for it; the last one to close tears it
// down.
func (h *Hub) subscribeUser(userId string) bool {
	ctx, cancel := context.WithCancel(context.Background())
	err := h.syncCache.Subscribe(ctx, cache.UserChannel(userId), func(messageBytes []byte) {
		h.RelayCh <- relayMessage{userId: userId, body: messageBytes}
	})
	if err != nil {
		h.logger.Error("failed to subscribe to user channel",
			zap.String("userId", userId), zap.Error(err))
		cancel()
		return false
	}
	h.userSubCancel[userId] = cancel
	return true
}

func (h *Hub) dropUser(userId string) {
	if cancel, ok := h.userSubCancel[userId]; ok {
		cancel()
		delete(h.userSubCancel, userId)
	}
	delete(h.userToClients, userId)
}
