package repository

import (
	"context"
	"time"

	"github.com/diagnosis/salon-bookings/services/reservations/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ChallengeRepository interface {
	// Issue supersedes any outstanding challenge of the reservation and
	// stores c as the only active one.
	Issue(ctx context.Context, c *domain.Challenge) error
	GetLatest(ctx context.Context, reservationID int64) (*domain.Challenge, error)
	FindByLinkHash(ctx context.Context, linkHash string) (*domain.Challenge, error)
	// Consume marks the challenge used if it is neither consumed nor superseded.
	Consume(ctx context.Context, id int64, at time.Time) (bool, error)
	// Release undoes a Consume unless a newer live challenge was issued since.
	Release(ctx context.Context, id int64) (bool, error)
	IncrementAttempts(ctx context.Context, id int64) (int, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

type challengeRepository struct {
	pool *pgxpool.Pool
}

func NewChallengeRepository(pool *pgxpool.Pool) ChallengeRepository {
	return &challengeRepository{pool: pool}
}

const challengeColumns = `id, reservation_id, code_hash, link_token_hash, issued_at, expires_at, consumed_at, superseded_at, attempts`

func (r *challengeRepository) Issue(ctx context.Context, c *domain.Challenge) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Serialize concurrent resends on the reservation row.
	if _, err := tx.Exec(ctx, `SELECT id FROM reservations WHERE id = $1 FOR UPDATE`, c.ReservationID); err != nil {
		return err
	}

	const supersede = `
		UPDATE verification_challenges
		SET superseded_at = $2
		WHERE reservation_id = $1 AND consumed_at IS NULL AND superseded_at IS NULL`
	if _, err := tx.Exec(ctx, supersede, c.ReservationID, c.IssuedAt); err != nil {
		return err
	}

	const insert = `
		INSERT INTO verification_challenges (reservation_id, code_hash, link_token_hash, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`
	if err := tx.QueryRow(ctx, insert, c.ReservationID, c.CodeHash, c.LinkTokenHash, c.IssuedAt, c.ExpiresAt).Scan(&c.ID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (r *challengeRepository) GetLatest(ctx context.Context, reservationID int64) (*domain.Challenge, error) {
	q := `SELECT ` + challengeColumns + `
		FROM verification_challenges
		WHERE reservation_id = $1
		ORDER BY id DESC
		LIMIT 1`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	c, err := scanChallenge(r.pool.QueryRow(ctx, q, reservationID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (r *challengeRepository) FindByLinkHash(ctx context.Context, linkHash string) (*domain.Challenge, error) {
	q := `SELECT ` + challengeColumns + ` FROM verification_challenges WHERE link_token_hash = $1`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	c, err := scanChallenge(r.pool.QueryRow(ctx, q, linkHash))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (r *challengeRepository) Consume(ctx context.Context, id int64, at time.Time) (bool, error) {
	const q = `
		UPDATE verification_challenges
		SET consumed_at = $2
		WHERE id = $1 AND consumed_at IS NULL AND superseded_at IS NULL`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	result, err := r.pool.Exec(ctx, q, id, at)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func (r *challengeRepository) Release(ctx context.Context, id int64) (bool, error) {
	const q = `
		UPDATE verification_challenges c
		SET consumed_at = NULL
		WHERE c.id = $1 AND c.consumed_at IS NOT NULL AND c.superseded_at IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM verification_challenges o
			WHERE o.reservation_id = c.reservation_id AND o.id <> c.id
			  AND o.consumed_at IS NULL AND o.superseded_at IS NULL)`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	result, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func (r *challengeRepository) IncrementAttempts(ctx context.Context, id int64) (int, error) {
	const q = `UPDATE verification_challenges SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var attempts int
	err := r.pool.QueryRow(ctx, q, id).Scan(&attempts)
	return attempts, err
}

func (r *challengeRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	const q = `
		DELETE FROM verification_challenges
		WHERE (consumed_at IS NOT NULL OR superseded_at IS NOT NULL OR expires_at < $1)
		  AND issued_at < $1`

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	result, err := r.pool.Exec(ctx, q, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

func scanChallenge(row pgx.Row) (*domain.Challenge, error) {
	var c domain.Challenge
	err := row.Scan(&c.ID, &c.ReservationID, &c.CodeHash, &c.LinkTokenHash, &c.IssuedAt, &c.ExpiresAt,
		&c.ConsumedAt, &c.SupersededAt, &c.Attempts)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
