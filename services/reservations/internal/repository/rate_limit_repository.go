package repository

import (
	"context"
	"time"

	"github.com/diagnosis/salon-bookings/pkg/logger"
	"github.com/jackc/pgx/v5/pgxpool"
)

type RateLimitRepository interface {
	CheckRateLimit(ctx context.Context, key string, requests int, window time.Duration) (bool, error)
	CleanupExpired(ctx context.Context) (int64, error)
}

type rateLimitRepository struct {
	pool *pgxpool.Pool
}

func NewRateLimitRepository(pool *pgxpool.Pool) RateLimitRepository {
	return &rateLimitRepository{pool: pool}
}

func (r *rateLimitRepository) CheckRateLimit(ctx context.Context, key string, requests int, window time.Duration) (bool, error) {
	hashedKey := hashKey(key)

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	now := time.Now()
	windowStart := now.Add(-window)

	query := `
		INSERT INTO rate_limits (rl_key, count, window_start, expires_at)
		VALUES ($1, 1, $4, $3)
		ON CONFLICT (rl_key) DO UPDATE SET
			count = CASE
				WHEN rate_limits.window_start < $2 THEN 1
				ELSE rate_limits.count + 1
			END,
			window_start = CASE
				WHEN rate_limits.window_start < $2 THEN $4
				ELSE rate_limits.window_start
			END,
			expires_at = $3
		RETURNING count`

	var count int
	err := r.pool.QueryRow(ctx, query, hashedKey, windowStart, now.Add(window), now).Scan(&count)
	if err != nil {
		// fail open
		logger.WarnContext(ctx, "Rate limit check failed", "error", err)
		return true, nil
	}

	return count <= requests, nil
}

func (r *rateLimitRepository) CleanupExpired(ctx context.Context) (int64, error) {
	const q = `DELETE FROM rate_limits WHERE expires_at < now()`

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	result, err := r.pool.Exec(ctx, q)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
