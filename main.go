package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/pezware/mirubato-sub016/api"
	"github.com/pezware/mirubato-sub016/cache/redis"
	"github.com/pezware/mirubato-sub016/config"
	"github.com/pezware/mirubato-sub016/logging"
	"github.com/pezware/mirubato-sub016/mq/sqsmq"
	"github.com/pezware/mirubato-sub016/store"
	"github.com/pezware/mirubato-sub016/store/dynamo"
	"github.com/pezware/mirubato-sub016/store/sqlite"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	var syncStore store.SyncStore
	switch cfg.StoreBackend {
	case "sqlite":
		syncStore, err = sqlite.NewSQLiteSyncStore(ctx, cfg.SQLitePath)
	default:
		syncStore, err = dynamo.NewDynamoSyncStore(ctx, cfg.DevMode, cfg.DynamoDBEndpoint, cfg.DynamoDBTable)
	}
	if err != nil {
		logger.Fatal("failed to create sync store",
			zap.String("backend", cfg.StoreBackend), zap.Error(err))
	}

	syncQueue, err := sqsmq.NewSQSMessageQueue(ctx, cfg.DevMode, cfg.SQSEndpoint, cfg.SyncQueue)
	if err != nil {
		logger.Fatal("failed to create SQS MQ", zap.Error(err))
	}

	syncCache, err := redis.NewRedisSyncCache(ctx, cfg.DevMode, cfg.RedisEndpoint)
	if err != nil {
		logger.Fatal("failed to create redis cache", zap.Error(err))
	}

	shutdownCtx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	mirubatoApi, err := api.NewMirubatoAPI(
		syncStore,
		syncQueue,
		syncCache,
		cfg.JWTSecret,
		cfg.TombstoneRetention,
		cfg.SweepInterval,
		logger,
		shutdownCtx,
	)
	if err != nil {
		logger.Fatal("failed to create api", zap.Error(err))
	}

	mux := http.NewServeMux()
	mirubatoApi.RegisterRoutes(mux, cfg.AllowedOrigin)

	logger.Info("starting server", zap.String("hostPort", cfg.HostPort))
	if err := http.ListenAndServe(":"+cfg.HostPort, mux); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
