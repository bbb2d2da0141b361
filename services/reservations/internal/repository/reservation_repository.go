package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/diagnosis/salon-bookings/services/reservations/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ReservationRepository interface {
	Create(ctx context.Context, res *domain.Reservation) error
	GetByID(ctx context.Context, id int64) (*domain.Reservation, error)
	List(ctx context.Context, filter domain.ListFilter) ([]*domain.Reservation, error)
	// UpdateStatus applies from -> to only if the row is still in from.
	UpdateStatus(ctx context.Context, id int64, from, to domain.ReservationStatus, method *domain.ConfirmationMethod, at time.Time) (bool, error)
	UpdateDetails(ctx context.Context, id int64, upd domain.StaffUpdate) (*domain.Reservation, error)
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]int64, error)
	ExistsForSession(ctx context.Context, sessionID string) (bool, error)
}

type reservationRepository struct {
	pool *pgxpool.Pool
}

func NewReservationRepository(pool *pgxpool.Pool) ReservationRepository {
	return &reservationRepository{pool: pool}
}

const reservationColumns = `
	id, manage_token, status, first_name, last_name, email, phone, service_id,
	to_char(reservation_date, 'YYYY-MM-DD'), to_char(start_time, 'HH24:MI'),
	price_cents, client_notes, admin_notes, session_id, confirmation_method,
	confirmed_at, cancelled_at, verify_by, created_at, updated_at`

func (r *reservationRepository) Create(ctx context.Context, res *domain.Reservation) error {
	const q = `
		INSERT INTO reservations (
			manage_token, status, first_name, last_name, email, phone, service_id,
			reservation_date, start_time, price_cents, client_notes, admin_notes,
			session_id, verify_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::date, $9::time, $10, $11, $12, $13, $14)
		RETURNING id, created_at, updated_at`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	return r.pool.QueryRow(ctx, q,
		res.ManageToken, res.Status, res.FirstName, res.LastName, res.Email, res.Phone, res.ServiceID,
		res.Date, res.StartTime, res.PriceCents, res.ClientNotes, res.AdminNotes,
		res.SessionID, res.VerifyBy,
	).Scan(&res.ID, &res.CreatedAt, &res.UpdatedAt)
}

func (r *reservationRepository) GetByID(ctx context.Context, id int64) (*domain.Reservation, error) {
	q := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	res, err := scanReservation(r.pool.QueryRow(ctx, q, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return res, err
}

func (r *reservationRepository) List(ctx context.Context, filter domain.ListFilter) ([]*domain.Reservation, error) {
	q := `SELECT ` + reservationColumns + ` FROM reservations WHERE 1=1`
	args := []interface{}{}
	if filter.Status != nil {
		args = append(args, *filter.Status)
		q += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Date != "" {
		args = append(args, filter.Date)
		q += fmt.Sprintf(" AND reservation_date = $%d::date", len(args))
	}
	args = append(args, filter.Limit, filter.Offset)
	q += fmt.Sprintf(" ORDER BY reservation_date, start_time, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (r *reservationRepository) UpdateStatus(ctx context.Context, id int64, from, to domain.ReservationStatus, method *domain.ConfirmationMethod, at time.Time) (bool, error) {
	const q = `
		UPDATE reservations SET
			status = $3,
			confirmation_method = COALESCE($4, confirmation_method),
			confirmed_at = CASE WHEN $3 = 'confirmed' THEN $5 ELSE confirmed_at END,
			cancelled_at = CASE WHEN $3 = 'cancelled' THEN $5 ELSE cancelled_at END,
			updated_at = $5
		WHERE id = $1 AND status = $2`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	result, err := r.pool.Exec(ctx, q, id, from, to, method, at)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func (r *reservationRepository) UpdateDetails(ctx context.Context, id int64, upd domain.StaffUpdate) (*domain.Reservation, error) {
	q := `
		UPDATE reservations SET
			admin_notes = COALESCE($2, admin_notes),
			reservation_date = COALESCE($3::date, reservation_date),
			start_time = COALESCE($4::time, start_time),
			updated_at = now()
		WHERE id = $1
		RETURNING ` + reservationColumns

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	res, err := scanReservation(r.pool.QueryRow(ctx, q, id, upd.AdminNotes, upd.Date, upd.StartTime))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return res, err
}

func (r *reservationRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	const q = `
		SELECT id FROM reservations
		WHERE status = 'pending_verification' AND verify_by <= $1
		ORDER BY verify_by
		LIMIT $2`

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := r.pool.Query(ctx, q, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *reservationRepository) ExistsForSession(ctx context.Context, sessionID string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM reservations WHERE session_id = $1)`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var exists bool
	err := r.pool.QueryRow(ctx, q, sessionID).Scan(&exists)
	return exists, err
}

func scanReservation(row pgx.Row) (*domain.Reservation, error) {
	var (
		res    domain.Reservation
		method *string
	)
	err := row.Scan(
		&res.ID, &res.ManageToken, &res.Status, &res.FirstName, &res.LastName, &res.Email, &res.Phone, &res.ServiceID,
		&res.Date, &res.StartTime,
		&res.PriceCents, &res.ClientNotes, &res.AdminNotes, &res.SessionID, &method,
		&res.ConfirmedAt, &res.CancelledAt, &res.VerifyBy, &res.CreatedAt, &res.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if method != nil {
		m := domain.ConfirmationMethod(*method)
		res.ConfirmationMethod = &m
	}
	return &res, nil
}
