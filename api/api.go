package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pezware/mirubato-sub016/api/rest"
	"github.com/pezware/mirubato-sub016/api/ws"
	"github.com/pezware/mirubato-sub016/cache"
	"github.com/pezware/mirubato-sub016/mq"
	"github.com/pezware/mirubato-sub016/service"
	"github.com/pezware/mirubato-sub016/store"
	"github.com/pezware/mirubato-sub016/syncer"
	"github.com/pezware/mirubato-sub016/worker"
)

type MirubatoAPI struct {
	restHandler *rest.Handler
	wsHandler   *ws.Handler
	shutdownCtx context.Context
}

func NewMirubatoAPI(
	syncStore store.SyncStore,
	syncQueue mq.MessageQueue,
	syncCache cache.SyncCache,
	jwtSecret []byte,
	tombstoneRetention time.Duration,
	sweepInterval time.Duration,
	logger *zap.Logger,
	shutdownCtx context.Context,
) (*MirubatoAPI, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	wsHub := ws.NewHub(syncCache, logger)
	go wsHub.Run()

	registryBatcher := worker.NewRegistryBatcher(syncStore, 60000, logger)
	go registryBatcher.Run(shutdownCtx)

	mqConsumer := worker.NewMQConsumer(syncQueue, syncStore, syncCache, logger)
	go mqConsumer.Run(shutdownCtx)

	sweeper := worker.NewTombstoneSweeper(syncQueue, tombstoneRetention, sweepInterval, logger)
	go sweeper.Run(shutdownCtx)

	coordinator := syncer.NewCoordinator(syncStore, syncCache, logger)
	feed := syncer.NewChangeFeed(syncStore, logger)

	svc, err := service.NewService(
		syncStore,
		syncCache,
		syncQueue,
		coordinator,
		feed,
		registryBatcher,
		jwtSecret,
		logger,
	)
	if err != nil {
		logger.Error("failed to create service", zap.Error(err))
		return &MirubatoAPI{}, err
	}

	restHandler := rest.NewHandler(svc)
	wsHandler := ws.NewHandler(svc, wsHub)

	return &MirubatoAPI{
		restHandler: restHandler,
		wsHandler:   wsHandler,
		shutdownCtx: shutdownCtx,
	}, nil
}

func (mirubatoAPI *MirubatoAPI) RegisterRoutes(mux *http.ServeMux, requiredOrigin string) {
	// Health check endpoint (no auth required)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	mux.HandleFunc("/v1/sync/batch", mirubatoAPI.restHandler.HandleSyncBatch)
	mux.HandleFunc("/v1/sync/changes", mirubatoAPI.restHandler.HandleChanges)
	mux.HandleFunc("/v1/sync/metadata", mirubatoAPI.restHandler.HandleMetadata)
	mux.HandleFunc("/v1/sync/devices", mirubatoAPI.restHandler.HandleDevices)
	mux.HandleFunc("/v1/account", mirubatoAPI.restHandler.HandleAccount)

	wsUpgrader := mirubatoAPI.wsHandler.NewWsUpgrader(requiredOrigin)
	mux.HandleFunc("/v1/sync/ws", func(w http.ResponseWriter, r *http.Request) {
		mirubatoAPI.wsHandler.ServeWS(wsUpgrader, w, r, mirubatoAPI.shutdownCtx)
	})
}
