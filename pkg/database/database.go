package database

import (
	"context"
	"fmt"
	"time"

	"github.com/diagnosis/salon-bookings/pkg/config"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, err
	}

	pcfg.MinConns = int32(cfg.MinConns)
	pcfg.MaxConns = int32(cfg.MaxConns)
	pcfg.MaxConnLifetime = cfg.MaxLifetime
	pcfg.HealthCheckPeriod = 30 * time.Second

	return pgxpool.NewWithConfig(ctx, pcfg)
}

// ConnectRedis parses REDIS_URL, applies overrides and pings the server.
func ConnectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	opts.DB = cfg.DB
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}
