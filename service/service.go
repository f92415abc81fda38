package service

import (
	"errors"

	"go.uber.org/zap"

	"github.com/pezware/mirubato-sub016/cache"
	"github.com/pezware/mirubato-sub016/mq"
	"github.com/pezware/mirubato-sub016/store"
	"github.com/pezware/mirubato-sub016/syncer"
	"github.com/pezware/mirubato-sub016/worker"
)

type Service struct {
	Store           store.SyncStore
	Cache           cache.SyncCache
	MQ              mq.MessageQueue
	Coordinator     *syncer.Coordinator
	Feed            *syncer.ChangeFeed
	RegistryBatcher *worker.RegistryBatcher
	JWTSecret       []byte
	Logger          *zap.Logger
}

func NewService(
	syncStore store.SyncStore,
	syncCache cache.SyncCache,
	syncQueue mq.MessageQueue,
	coordinator *syncer.Coordinator,
	feed *syncer.ChangeFeed,
	registryBatcher *worker.RegistryBatcher,
	jwtSecret []byte,
	logger *zap.Logger,
) (*Service, error) {
	if len(jwtSecret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		Store:           syncStore,
		Cache:           syncCache,
		MQ:              syncQueue,
		Coordinator:     coordinator,
		Feed:            feed,
		RegistryBatcher: registryBatcher,
		JWTSecret:       jwtSecret,
		Logger:          logger,
	}, nil
}

// Custom error types for clarity
var (
	ErrNotAuthenticated = errors.New("authentication required")
	ErrNotAuthorized    = errors.New("not authorized")
)
