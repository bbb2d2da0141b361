package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/diagnosis/salon-bookings/services/reservations/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DraftRepository persists at most one draft per session id.
type DraftRepository interface {
	Upsert(ctx context.Context, sessionID string, fields domain.DraftFields) (*domain.Draft, error)
	GetBySession(ctx context.Context, sessionID string) (*domain.Draft, error)
	DeleteBySession(ctx context.Context, sessionID string) (bool, error)
	PurgeStale(ctx context.Context, olderThan time.Time) (int64, error)
}

type draftRepository struct {
	pool *pgxpool.Pool
}

func NewDraftRepository(pool *pgxpool.Pool) DraftRepository {
	return &draftRepository{pool: pool}
}

func (r *draftRepository) Upsert(ctx context.Context, sessionID string, fields domain.DraftFields) (*domain.Draft, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal draft fields: %w", err)
	}

	const q = `
		INSERT INTO reservation_drafts (session_id, fields)
		VALUES ($1, $2)
		ON CONFLICT (session_id) DO UPDATE SET
			fields = EXCLUDED.fields,
			updated_at = now()
		RETURNING id, session_id, fields, created_at, updated_at`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	return scanDraft(r.pool.QueryRow(ctx, q, sessionID, payload))
}

func (r *draftRepository) GetBySession(ctx context.Context, sessionID string) (*domain.Draft, error) {
	const q = `
		SELECT id, session_id, fields, created_at, updated_at
		FROM reservation_drafts
		WHERE session_id = $1`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	d, err := scanDraft(r.pool.QueryRow(ctx, q, sessionID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return d, err
}

func (r *draftRepository) DeleteBySession(ctx context.Context, sessionID string) (bool, error) {
	const q = `DELETE FROM reservation_drafts WHERE session_id = $1`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	result, err := r.pool.Exec(ctx, q, sessionID)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

func (r *draftRepository) PurgeStale(ctx context.Context, olderThan time.Time) (int64, error) {
	const q = `DELETE FROM reservation_drafts WHERE updated_at < $1`

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	result, err := r.pool.Exec(ctx, q, olderThan)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

func scanDraft(row pgx.Row) (*domain.Draft, error) {
	var (
		d   domain.Draft
		raw []byte
	)
	if err := row.Scan(&d.ID, &d.SessionID, &raw, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &d.Fields); err != nil {
		return nil, fmt.Errorf("decode draft fields: %w", err)
	}
	return &d, nil
}
