package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/lockerctl/lockerctl/internal/config"
	"github.com/lockerctl/lockerctl/internal/distlock"
	"github.com/lockerctl/lockerctl/internal/storage"
	"github.com/lockerctl/lockerctl/internal/storage/postgres"
	"github.com/lockerctl/lockerctl/internal/storage/sqlite"
	"github.com/lockerctl/lockerctl/pkg/logger"
)

// loadConfigAndLogger loads configuration from configPath and builds the
// process-wide structured logger from its Log section.
func loadConfigAndLogger() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	log := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})

	return cfg, log, nil
}

// openStore opens the storage backend named by cfg.Profile, per the
// deployment profile's validated config (see config.Config.Validate).
func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (storage.Store, func(), error) {
	switch cfg.Profile {
	case config.ProfileStandard:
		pool, err := pgxpool.New(ctx, cfg.Storage.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		return postgres.New(pool, log), pool.Close, nil

	case config.ProfileLite:
		db, err := sql.Open("sqlite", cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(cfg.Storage.MaxConnections)
		return sqlite.New(db, log), func() { db.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown deployment profile: %s", cfg.Profile)
	}
}

// openLockManager constructs the Redis-backed distributed lock manager for
// the standard profile, or nil in the lite profile where a single process
// is the only writer and no coordination is needed.
func openLockManager(cfg *config.Config, log *slog.Logger) (*distlock.LockManager, func(), error) {
	if cfg.IsLiteProfile() {
		return nil, func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		MaxRetries:   cfg.Redis.MaxRetries,
	})

	lockCfg := &distlock.LockConfig{
		TTL:            cfg.Lock.TTL,
		MaxRetries:     cfg.Lock.MaxRetries,
		RetryInterval:  cfg.Lock.RetryInterval,
		AcquireTimeout: cfg.Lock.AcquireTimeout,
		ReleaseTimeout: cfg.Lock.ReleaseTimeout,
		ValuePrefix:    cfg.Lock.ValuePrefix,
	}
	manager := distlock.NewLockManager(client, lockCfg, log)
	cleanup := func() {
		_ = manager.Close(context.Background())
		_ = client.Close()
	}
	return manager, cleanup, nil
}
