package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/diagnosis/salon-bookings/pkg/clock"
	"github.com/diagnosis/salon-bookings/pkg/config"
	"github.com/diagnosis/salon-bookings/pkg/logger"
	"github.com/diagnosis/salon-bookings/pkg/metrics"
	"github.com/diagnosis/salon-bookings/services/reservations/internal/domain"
	"github.com/diagnosis/salon-bookings/services/reservations/internal/repository"
)

const maxSessionIDLength = 128

type DraftService interface {
	UpsertDraft(ctx context.Context, sessionID string, fields domain.DraftFields) (*domain.UpsertResult, error)
	GetDraft(ctx context.Context, sessionID string) (*domain.Draft, error)
	DeleteDraft(ctx context.Context, sessionID string) error
	PurgeStale(ctx context.Context) (int64, error)
}

type draftService struct {
	draftRepo       repository.DraftRepository
	reservationRepo repository.ReservationRepository
	clock           clock.Clock
	config          *config.Config
}

func NewDraftService(draftRepo repository.DraftRepository, reservationRepo repository.ReservationRepository, clk clock.Clock, config *config.Config) DraftService {
	return &draftService{
		draftRepo:       draftRepo,
		reservationRepo: reservationRepo,
		clock:           clk,
		config:          config,
	}
}

func validateSessionID(sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" || len(sessionID) > maxSessionIDLength {
		verr := domain.NewValidationError()
		verr.Add("session_id", "must be a non-empty opaque id of at most 128 characters")
		return verr
	}
	return nil
}

// UpsertDraft stores fields as the only draft of the session. An empty phone
// is a gate skip: nothing is written and no error is returned. A session that
// already produced a reservation is retired, and late saves for it are
// skipped the same way.
func (s *draftService) UpsertDraft(ctx context.Context, sessionID string, fields domain.DraftFields) (*domain.UpsertResult, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	ctx = logger.WithSession(ctx, sessionID)

	if !fields.HasPhone() {
		metrics.IncDraftUpsert("skipped")
		logger.DebugContext(ctx, "Draft autosave skipped, phone gate not satisfied")
		return &domain.UpsertResult{Skipped: true}, nil
	}

	submitted, err := s.reservationRepo.ExistsForSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to check session: %w", err)
	}
	if submitted {
		metrics.IncDraftUpsert("retired")
		logger.InfoContext(ctx, "Draft autosave ignored, session already has a reservation")
		return &domain.UpsertResult{Skipped: true}, nil
	}

	draft, err := s.draftRepo.Upsert(ctx, sessionID, fields)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert draft: %w", err)
	}

	metrics.IncDraftUpsert("saved")
	return &domain.UpsertResult{Draft: draft}, nil
}

func (s *draftService) GetDraft(ctx context.Context, sessionID string) (*domain.Draft, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	draft, err := s.draftRepo.GetBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get draft: %w", err)
	}
	if draft == nil {
		return nil, domain.ErrNotFound
	}
	return draft, nil
}

func (s *draftService) DeleteDraft(ctx context.Context, sessionID string) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}

	if _, err := s.draftRepo.DeleteBySession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete draft: %w", err)
	}
	return nil
}

// PurgeStale reclaims drafts untouched for longer than the retention window.
func (s *draftService) PurgeStale(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().Add(-s.config.Booking.DraftRetention)
	n, err := s.draftRepo.PurgeStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge stale drafts: %w", err)
	}
	if n > 0 {
		logger.InfoContext(ctx, "Purged stale drafts", "count", n, "cutoff", cutoff)
	}
	return n, nil
}
