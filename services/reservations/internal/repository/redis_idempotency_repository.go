package repository

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisIdempotencyPrefix = "salon:idem:"

type redisIdempotencyRepository struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisIdempotencyRepository(client *redis.Client, ttl time.Duration) IdempotencyRepository {
	return &redisIdempotencyRepository{client: client, ttl: ttl}
}

func (r *redisIdempotencyRepository) CheckOrCreateIdempotency(ctx context.Context, key string, reservationID int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	k := redisIdempotencyPrefix + hashKey(key)

	if reservationID > 0 {
		ok, err := r.client.SetNX(ctx, k, reservationID, r.ttl).Result()
		if err != nil {
			return 0, err
		}
		if ok {
			return 0, nil
		}
	}

	v, err := r.client.Get(ctx, k).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, err
	}
	if id == reservationID {
		return 0, nil
	}
	return id, nil
}

func (r *redisIdempotencyRepository) CleanupExpired(ctx context.Context) (int64, error) {
	return 0, nil
}
