// Package memory holds map-backed repositories used in dev mode
// (STORAGE_DRIVER=memory) and by tests.
package memory

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/diagnosis/salon-bookings/pkg/clock"
	"github.com/diagnosis/salon-bookings/services/reservations/internal/domain"
	"github.com/diagnosis/salon-bookings/services/reservations/internal/repository"
)

var (
	_ repository.DraftRepository       = (*DraftRepository)(nil)
	_ repository.ReservationRepository = (*ReservationRepository)(nil)
	_ repository.ChallengeRepository   = (*ChallengeRepository)(nil)
	_ repository.CatalogRepository     = (*CatalogRepository)(nil)
	_ repository.IdempotencyRepository = (*IdempotencyRepository)(nil)
	_ repository.RateLimitRepository   = (*RateLimitRepository)(nil)
)

type DraftRepository struct {
	mu     sync.RWMutex
	clk    clock.Clock
	nextID int64
	drafts map[string]domain.Draft
}

func NewDraftRepository(clk clock.Clock) *DraftRepository {
	return &DraftRepository{clk: clk, drafts: make(map[string]domain.Draft)}
}

func (r *DraftRepository) Upsert(ctx context.Context, sessionID string, fields domain.DraftFields) (*domain.Draft, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clk.Now()
	d, ok := r.drafts[sessionID]
	if !ok {
		r.nextID++
		d = domain.Draft{ID: r.nextID, SessionID: sessionID, CreatedAt: now}
	}
	d.Fields = cloneFields(fields)
	d.UpdatedAt = now
	r.drafts[sessionID] = d

	out := d
	return &out, nil
}

func (r *DraftRepository) GetBySession(ctx context.Context, sessionID string) (*domain.Draft, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.drafts[sessionID]
	if !ok {
		return nil, nil
	}
	d.Fields = cloneFields(d.Fields)
	return &d, nil
}

func (r *DraftRepository) DeleteBySession(ctx context.Context, sessionID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.drafts[sessionID]
	delete(r.drafts, sessionID)
	return ok, nil
}

func (r *DraftRepository) PurgeStale(ctx context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for sid, d := range r.drafts {
		if d.UpdatedAt.Before(olderThan) {
			delete(r.drafts, sid)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored drafts.
func (r *DraftRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.drafts)
}

func cloneFields(f domain.DraftFields) domain.DraftFields {
	if f.ServiceID != nil {
		id := *f.ServiceID
		f.ServiceID = &id
	}
	return f
}

type ReservationRepository struct {
	mu     sync.RWMutex
	clk    clock.Clock
	nextID int64
	rows   map[int64]domain.Reservation
}

func NewReservationRepository(clk clock.Clock) *ReservationRepository {
	return &ReservationRepository{clk: clk, rows: make(map[int64]domain.Reservation)}
}

func (r *ReservationRepository) Create(ctx context.Context, res *domain.Reservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	now := r.clk.Now()
	res.ID = r.nextID
	res.CreatedAt = now
	res.UpdatedAt = now
	r.rows[res.ID] = *res
	return nil
}

func (r *ReservationRepository) GetByID(ctx context.Context, id int64) (*domain.Reservation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res, ok := r.rows[id]
	if !ok {
		return nil, nil
	}
	return &res, nil
}

func (r *ReservationRepository) List(ctx context.Context, filter domain.ListFilter) ([]*domain.Reservation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Reservation
	for _, res := range r.rows {
		if filter.Status != nil && res.Status != *filter.Status {
			continue
		}
		if filter.Date != "" && res.Date != filter.Date {
			continue
		}
		res := res
		out = append(out, &res)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.StartTime != b.StartTime {
			return a.StartTime < b.StartTime
		}
		return a.ID < b.ID
	})

	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *ReservationRepository) UpdateStatus(ctx context.Context, id int64, from, to domain.ReservationStatus, method *domain.ConfirmationMethod, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.rows[id]
	if !ok || res.Status != from {
		return false, nil
	}
	res.Status = to
	if method != nil {
		m := *method
		res.ConfirmationMethod = &m
	}
	switch to {
	case domain.StatusConfirmed:
		res.ConfirmedAt = &at
	case domain.StatusCancelled:
		res.CancelledAt = &at
	}
	res.UpdatedAt = at
	r.rows[id] = res
	return true, nil
}

func (r *ReservationRepository) UpdateDetails(ctx context.Context, id int64, upd domain.StaffUpdate) (*domain.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.rows[id]
	if !ok {
		return nil, nil
	}
	if upd.AdminNotes != nil {
		res.AdminNotes = *upd.AdminNotes
	}
	if upd.Date != nil {
		res.Date = *upd.Date
	}
	if upd.StartTime != nil {
		res.StartTime = *upd.StartTime
	}
	res.UpdatedAt = r.clk.Now()
	r.rows[id] = res
	return &res, nil
}

func (r *ReservationRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []int64
	for id, res := range r.rows {
		if res.Status == domain.StatusPendingVerification && !res.VerifyBy.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (r *ReservationRepository) ExistsForSession(ctx context.Context, sessionID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, res := range r.rows {
		if res.SessionID != nil && *res.SessionID == sessionID {
			return true, nil
		}
	}
	return false, nil
}

type ChallengeRepository struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]domain.Challenge
}

func NewChallengeRepository() *ChallengeRepository {
	return &ChallengeRepository{rows: make(map[int64]domain.Challenge)}
}

func (r *ChallengeRepository) Issue(ctx context.Context, c *domain.Challenge) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, prev := range r.rows {
		if prev.ReservationID == c.ReservationID && prev.ConsumedAt == nil && prev.SupersededAt == nil {
			at := c.IssuedAt
			prev.SupersededAt = &at
			r.rows[id] = prev
		}
	}
	r.nextID++
	c.ID = r.nextID
	r.rows[c.ID] = *c
	return nil
}

func (r *ChallengeRepository) GetLatest(ctx context.Context, reservationID int64) (*domain.Challenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var latest *domain.Challenge
	for _, c := range r.rows {
		if c.ReservationID != reservationID {
			continue
		}
		if latest == nil || c.ID > latest.ID {
			c := c
			latest = &c
		}
	}
	return latest, nil
}

func (r *ChallengeRepository) FindByLinkHash(ctx context.Context, linkHash string) (*domain.Challenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.rows {
		if c.LinkTokenHash == linkHash {
			return &c, nil
		}
	}
	return nil, nil
}

func (r *ChallengeRepository) Consume(ctx context.Context, id int64, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.rows[id]
	if !ok || c.ConsumedAt != nil || c.SupersededAt != nil {
		return false, nil
	}
	c.ConsumedAt = &at
	r.rows[id] = c
	return true, nil
}

func (r *ChallengeRepository) Release(ctx context.Context, id int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.rows[id]
	if !ok || c.ConsumedAt == nil || c.SupersededAt != nil {
		return false, nil
	}
	for _, o := range r.rows {
		if o.ID != id && o.ReservationID == c.ReservationID && o.ConsumedAt == nil && o.SupersededAt == nil {
			return false, nil
		}
	}
	c.ConsumedAt = nil
	r.rows[id] = c
	return true, nil
}

func (r *ChallengeRepository) IncrementAttempts(ctx context.Context, id int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.rows[id]
	if !ok {
		return 0, fmt.Errorf("challenge %d: %w", id, domain.ErrNotFound)
	}
	c.Attempts++
	r.rows[id] = c
	return c.Attempts, nil
}

func (r *ChallengeRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, c := range r.rows {
		retired := c.ConsumedAt != nil || c.SupersededAt != nil || c.ExpiresAt.Before(before)
		if retired && c.IssuedAt.Before(before) {
			delete(r.rows, id)
			n++
		}
	}
	return n, nil
}

type CatalogRepository struct {
	mu       sync.RWMutex
	services map[int64]domain.Service
}

func NewCatalogRepository(services ...domain.Service) *CatalogRepository {
	r := &CatalogRepository{services: make(map[int64]domain.Service)}
	for _, s := range services {
		r.services[s.ID] = s
	}
	return r
}

func (r *CatalogRepository) GetService(ctx context.Context, id int64) (*domain.Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.services[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (r *CatalogRepository) ListActive(ctx context.Context) ([]*domain.Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Service
	for _, s := range r.services {
		if s.Active {
			s := s
			out = append(out, &s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *CatalogRepository) Upsert(ctx context.Context, services []domain.Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range services {
		r.services[s.ID] = s
	}
	return nil
}

type idemEntry struct {
	reservationID int64
	expiresAt     time.Time
}

type IdempotencyRepository struct {
	mu   sync.Mutex
	clk  clock.Clock
	ttl  time.Duration
	keys map[string]idemEntry
}

func NewIdempotencyRepository(clk clock.Clock, ttl time.Duration) *IdempotencyRepository {
	return &IdempotencyRepository{clk: clk, ttl: ttl, keys: make(map[string]idemEntry)}
}

func (r *IdempotencyRepository) CheckOrCreateIdempotency(ctx context.Context, key string, reservationID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := digest(key)
	now := r.clk.Now()
	if e, ok := r.keys[k]; ok && now.Before(e.expiresAt) {
		if e.reservationID == reservationID {
			return 0, nil
		}
		return e.reservationID, nil
	}
	if reservationID > 0 {
		r.keys[k] = idemEntry{reservationID: reservationID, expiresAt: now.Add(r.ttl)}
	}
	return 0, nil
}

func (r *IdempotencyRepository) CleanupExpired(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clk.Now()
	var n int64
	for k, e := range r.keys {
		if !now.Before(e.expiresAt) {
			delete(r.keys, k)
			n++
		}
	}
	return n, nil
}

type window struct {
	start time.Time
	count int
}

// RateLimitRepository is a fixed-window counter.
type RateLimitRepository struct {
	mu      sync.Mutex
	clk     clock.Clock
	windows map[string]*window
}

func NewRateLimitRepository(clk clock.Clock) *RateLimitRepository {
	return &RateLimitRepository{clk: clk, windows: make(map[string]*window)}
}

func (r *RateLimitRepository) CheckRateLimit(ctx context.Context, key string, requests int, win time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clk.Now()
	k := digest(key)
	w, ok := r.windows[k]
	if !ok || w.start.Before(now.Add(-win)) {
		w = &window{start: now}
		r.windows[k] = w
	}
	w.count++
	return w.count <= requests, nil
}

func (r *RateLimitRepository) CleanupExpired(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.clk.Now().Add(-24 * time.Hour)
	var n int64
	for k, w := range r.windows {
		if w.start.Before(cutoff) {
			delete(r.windows, k)
			n++
		}
	}
	return n, nil
}

func digest(key string) string {
	sum := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%x", sum[:])
}
