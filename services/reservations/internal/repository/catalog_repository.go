package repository

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/diagnosis/salon-bookings/services/reservations/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"
)

type CatalogRepository interface {
	GetService(ctx context.Context, id int64) (*domain.Service, error)
	ListActive(ctx context.Context) ([]*domain.Service, error)
	Upsert(ctx context.Context, services []domain.Service) error
}

type catalogRepository struct {
	pool *pgxpool.Pool
}

func NewCatalogRepository(pool *pgxpool.Pool) CatalogRepository {
	return &catalogRepository{pool: pool}
}

func (r *catalogRepository) GetService(ctx context.Context, id int64) (*domain.Service, error) {
	const q = `SELECT id, name, price_cents, duration_min, active FROM services WHERE id = $1`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var s domain.Service
	err := r.pool.QueryRow(ctx, q, id).Scan(&s.ID, &s.Name, &s.PriceCents, &s.DurationMin, &s.Active)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *catalogRepository) ListActive(ctx context.Context) ([]*domain.Service, error) {
	const q = `SELECT id, name, price_cents, duration_min, active FROM services WHERE active ORDER BY name`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Service
	for rows.Next() {
		var s domain.Service
		if err := rows.Scan(&s.ID, &s.Name, &s.PriceCents, &s.DurationMin, &s.Active); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (r *catalogRepository) Upsert(ctx context.Context, services []domain.Service) error {
	const q = `
		INSERT INTO services (id, name, price_cents, duration_min, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			price_cents = EXCLUDED.price_cents,
			duration_min = EXCLUDED.duration_min,
			active = EXCLUDED.active`

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	batch := &pgx.Batch{}
	for _, s := range services {
		batch.Queue(q, s.ID, s.Name, s.PriceCents, s.DurationMin, s.Active)
	}
	return r.pool.SendBatch(ctx, batch).Close()
}

type catalogFile struct {
	Services []domain.Service `yaml:"services"`
}

// LoadCatalogFile reads the service catalog seed from a YAML file.
func LoadCatalogFile(path string) ([]domain.Service, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	return ParseCatalog(raw)
}

func ParseCatalog(raw []byte) ([]domain.Service, error) {
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	seen := make(map[int64]bool, len(f.Services))
	for _, s := range f.Services {
		if s.ID <= 0 || s.Name == "" {
			return nil, fmt.Errorf("catalog entry %q: id and name are required", s.Name)
		}
		if s.PriceCents < 0 {
			return nil, fmt.Errorf("catalog entry %d: negative price", s.ID)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("catalog entry %d: duplicate id", s.ID)
		}
		seen[s.ID] = true
	}
	return f.Services, nil
}
