package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HostPort      string
	DevMode       bool
	AllowedOrigin string

	StoreBackend     string
	DynamoDBEndpoint string
	DynamoDBTable    string
	SQLitePath       string

	RedisEndpoint string
	SQSEndpoint   string
	SyncQueue     string

	JWTSecret []byte

	LogLevel string
	LogFile  string

	TombstoneRetention time.Duration
	SweepInterval      time.Duration
}

func Load() (Config, error) {
	cfg := Config{
		HostPort:         envOrDefault("HOST_PORT", "8080"),
		DevMode:          os.Getenv("DEV_MODE") == "true",
		AllowedOrigin:    envOrDefault("ALLOWED_ORIGIN", "http://localhost:5173"),
		StoreBackend:     envOrDefault("STORE_BACKEND", "dynamo"),
		DynamoDBEndpoint: strings.TrimSpace(os.Getenv("DYNAMODB_ENDPOINT")),
		DynamoDBTable:    envOrDefault("DYNAMODB_TABLE", "MirubatoSync"),
		SQLitePath:       envOrDefault("SQLITE_PATH", "mirubato.db"),
		RedisEndpoint:    strings.TrimSpace(os.Getenv("REDIS_ENDPOINT")),
		SQSEndpoint:      strings.TrimSpace(os.Getenv("SQS_ENDPOINT")),
		SyncQueue:        envOrDefault("SYNC_QUEUE", "MirubatoSyncJobs"),
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		LogFile:          strings.TrimSpace(os.Getenv("LOG_FILE")),

		TombstoneRetention: time.Duration(intOrDefault(os.Getenv("TOMBSTONE_RETENTION_DAYS"), 90)) * 24 * time.Hour,
		SweepInterval:      time.Duration(intOrDefault(os.Getenv("SWEEP_INTERVAL_HOURS"), 24)) * time.Hour,
	}

	secret, err := base64.StdEncoding.DecodeString(os.Getenv("JWT_SECRET"))
	if err != nil {
		return Config{}, fmt.Errorf("decoding base64 JWT_SECRET: %w", err)
	}
	cfg.JWTSecret = secret

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if len(c.JWTSecret) == 0 {
		return errors.New("JWT_SECRET is required")
	}
	if c.StoreBackend != "dynamo" && c.StoreBackend != "sqlite" {
		return errors.New("STORE_BACKEND must be one of: dynamo, sqlite")
	}
	if c.StoreBackend == "sqlite" && c.SQLitePath == "" {
		return errors.New("SQLITE_PATH is required when STORE_BACKEND=sqlite")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func intOrDefault(v string, fallback int) int {
	if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && i > 0 {
		return i
	}
	return fallback
}
