package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/diagnosis/salon-bookings/services/reservations/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	redisDraftPrefix = "salon:draft:"
	redisDraftSeq    = "salon:seq:draft"
)

type redisDraftRepository struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisDraftRepository stores each draft as a hash whose TTL is the
// retention window, refreshed on every upsert. Orphaned drafts expire on
// their own so PurgeStale has nothing to do.
func NewRedisDraftRepository(client *redis.Client, retention time.Duration) DraftRepository {
	return &redisDraftRepository{client: client, retention: retention}
}

// upsertDraftScript keeps id and created_at from the first write and replaces
// the fields, in one round trip. KEYS: draft, id sequence. ARGV: fields JSON,
// now, ttl in ms.
var upsertDraftScript = redis.NewScript(`
local id = redis.call('HGET', KEYS[1], 'id')
if not id then
	id = redis.call('INCR', KEYS[2])
	redis.call('HSET', KEYS[1], 'id', id, 'created_at', ARGV[2])
end
redis.call('HSET', KEYS[1], 'fields', ARGV[1], 'updated_at', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return {tostring(id), redis.call('HGET', KEYS[1], 'created_at')}
`)

func (r *redisDraftRepository) Upsert(ctx context.Context, sessionID string, fields domain.DraftFields) (*domain.Draft, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	out, err := upsertDraftScript.Run(ctx, r.client,
		[]string{redisDraftPrefix + sessionID, redisDraftSeq},
		payload, now.Format(time.RFC3339Nano), r.retention.Milliseconds(),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("upsert draft: %w", err)
	}
	if len(out) != 2 {
		return nil, fmt.Errorf("upsert draft: unexpected reply %v", out)
	}

	id, err := strconv.ParseInt(out[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode draft id: %w", err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, out[1])
	if err != nil {
		return nil, fmt.Errorf("decode draft created_at: %w", err)
	}
	return &domain.Draft{ID: id, SessionID: sessionID, Fields: fields, CreatedAt: createdAt, UpdatedAt: now}, nil
}

func (r *redisDraftRepository) GetBySession(ctx context.Context, sessionID string) (*domain.Draft, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	return r.get(ctx, redisDraftPrefix+sessionID)
}

func (r *redisDraftRepository) DeleteBySession(ctx context.Context, sessionID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	n, err := r.client.Del(ctx, redisDraftPrefix+sessionID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *redisDraftRepository) PurgeStale(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

func (r *redisDraftRepository) get(ctx context.Context, key string) (*domain.Draft, error) {
	h, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, nil
	}

	d := domain.Draft{SessionID: strings.TrimPrefix(key, redisDraftPrefix)}
	if d.ID, err = strconv.ParseInt(h["id"], 10, 64); err != nil {
		return nil, fmt.Errorf("decode draft id: %w", err)
	}
	if err := json.Unmarshal([]byte(h["fields"]), &d.Fields); err != nil {
		return nil, fmt.Errorf("decode draft: %w", err)
	}
	if d.CreatedAt, err = time.Parse(time.RFC3339Nano, h["created_at"]); err != nil {
		return nil, fmt.Errorf("decode draft created_at: %w", err)
	}
	if d.UpdatedAt, err = time.Parse(time.RFC3339Nano, h["updated_at"]); err != nil {
		return nil, fmt.Errorf("decode draft updated_at: %w", err)
	}
	return &d, nil
}
