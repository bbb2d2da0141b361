package repository

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type IdempotencyRepository interface {
	// CheckOrCreateIdempotency returns the reservation already bound to key, or
	// binds reservationID to it when reservationID > 0 and nothing was bound.
	CheckOrCreateIdempotency(ctx context.Context, key string, reservationID int64) (existingReservationID int64, err error)
	CleanupExpired(ctx context.Context) (int64, error)
}

type idempotencyRepository struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

func NewIdempotencyRepository(pool *pgxpool.Pool, ttl time.Duration) IdempotencyRepository {
	return &idempotencyRepository{pool: pool, ttl: ttl}
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x", sum[:])
}

func (r *idempotencyRepository) CheckOrCreateIdempotency(ctx context.Context, key string, reservationID int64) (int64, error) {
	keyHash := hashKey(key)

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var existing int64
	err := r.pool.QueryRow(ctx,
		`SELECT reservation_id FROM reservation_idempotency WHERE key_hash = $1 AND expires_at > now()`,
		keyHash).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != pgx.ErrNoRows {
		return 0, err
	}

	if reservationID > 0 {
		const insert = `
			INSERT INTO reservation_idempotency (key_hash, reservation_id, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key_hash) DO UPDATE SET
				reservation_id = EXCLUDED.reservation_id,
				expires_at = EXCLUDED.expires_at
			WHERE reservation_idempotency.expires_at <= now()`
		if _, err := r.pool.Exec(ctx, insert, keyHash, reservationID, time.Now().Add(r.ttl)); err != nil {
			return 0, err
		}
	}

	return 0, nil
}

func (r *idempotencyRepository) CleanupExpired(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	result, err := r.pool.Exec(ctx, `DELETE FROM reservation_idempotency WHERE expires_at < now()`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
