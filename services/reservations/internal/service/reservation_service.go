package service

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/diagnosis/salon-bookings/internal/utils"
	"github.com/diagnosis/salon-bookings/pkg/clock"
	"github.com/diagnosis/salon-bookings/pkg/config"
	"github.com/diagnosis/salon-bookings/pkg/events"
	"github.com/diagnosis/salon-bookings/pkg/logger"
	"github.com/diagnosis/salon-bookings/pkg/metrics"
	"github.com/diagnosis/salon-bookings/services/reservations/internal/domain"
	"github.com/diagnosis/salon-bookings/services/reservations/internal/repository"
	"github.com/google/uuid"
)

const (
	OriginSession = "session"
	OriginStaff   = "staff"
)

type ReservationService interface {
	CreateReservation(ctx context.Context, req *domain.ReservationRequest, idempotencyKey string) (*domain.Reservation, error)
	CreateStaffReservation(ctx context.Context, req *domain.ReservationRequest) (*domain.Reservation, error)
	GetReservation(ctx context.Context, id int64, manageToken string) (*domain.Reservation, error)
	GetReservationForStaff(ctx context.Context, id int64) (*domain.Reservation, error)
	ListReservations(ctx context.Context, filter domain.ListFilter) ([]*domain.Reservation, error)
	UpdateReservation(ctx context.Context, id int64, upd domain.StaffUpdate) (*domain.Reservation, error)
	ListServices(ctx context.Context) ([]*domain.Service, error)
}

type reservationService struct {
	reservationRepo repository.ReservationRepository
	draftRepo       repository.DraftRepository
	catalogRepo     repository.CatalogRepository
	idempotencyRepo repository.IdempotencyRepository
	confirmations   ConfirmationService
	eventBus        events.Publisher
	clock           clock.Clock
	config          *config.Config
	location        *time.Location
}

func NewReservationService(
	reservationRepo repository.ReservationRepository,
	draftRepo repository.DraftRepository,
	catalogRepo repository.CatalogRepository,
	idempotencyRepo repository.IdempotencyRepository,
	confirmations ConfirmationService,
	eventBus events.Publisher,
	clk clock.Clock,
	config *config.Config,
) ReservationService {
	return &reservationService{
		reservationRepo: reservationRepo,
		draftRepo:       draftRepo,
		catalogRepo:     catalogRepo,
		idempotencyRepo: idempotencyRepo,
		confirmations:   confirmations,
		eventBus:        eventBus,
		clock:           clk,
		config:          config,
		location:        config.Booking.Location(),
	}
}

func (s *reservationService) CreateReservation(ctx context.Context, req *domain.ReservationRequest, idempotencyKey string) (*domain.Reservation, error) {
	return s.create(ctx, req, idempotencyKey, OriginSession)
}

// CreateStaffReservation books on behalf of a client; no session is attached.
func (s *reservationService) CreateStaffReservation(ctx context.Context, req *domain.ReservationRequest) (*domain.Reservation, error) {
	req.SessionID = nil
	return s.create(ctx, req, "", OriginStaff)
}

func (s *reservationService) create(ctx context.Context, req *domain.ReservationRequest, idempotencyKey, origin string) (*domain.Reservation, error) {
	normalizeRequest(req)

	svc, err := s.validateRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	if idempotencyKey != "" {
		if existingID, err := s.idempotencyRepo.CheckOrCreateIdempotency(ctx, idempotencyKey, 0); err != nil {
			return nil, fmt.Errorf("idempotency check failed: %w", err)
		} else if existingID > 0 {
			existing, err := s.reservationRepo.GetByID(ctx, existingID)
			if err != nil {
				return nil, fmt.Errorf("failed to load replayed reservation: %w", err)
			}
			if existing != nil {
				logger.InfoContext(ctx, "Replayed reservation creation", "reservation_id", existing.ID)
				return existing, nil
			}
		}
	}

	now := s.clock.Now()
	res := &domain.Reservation{
		ManageToken: uuid.NewString(),
		Status:      domain.StatusPendingVerification,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		Email:       req.Email,
		Phone:       req.Phone,
		ServiceID:   svc.ID,
		Date:        req.Date,
		StartTime:   req.StartTime,
		PriceCents:  svc.PriceCents,
		ClientNotes: req.Notes,
		SessionID:   req.SessionID,
		VerifyBy:    now.Add(s.config.Booking.PendingTTL),
	}

	if err := s.reservationRepo.Create(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to create reservation: %w", err)
	}
	ctx = logger.WithReservation(ctx, res.ID)

	if idempotencyKey != "" {
		if _, err := s.idempotencyRepo.CheckOrCreateIdempotency(ctx, idempotencyKey, res.ID); err != nil {
			logger.ErrorContext(ctx, "Failed to store idempotency record", "error", err)
		}
	}

	retireDraft(ctx, s.draftRepo, s.eventBus, res.SessionID, "reservation_created", now)

	// The reservation stays valid without a challenge: resend and manual
	// confirmation remain available.
	if err := s.confirmations.IssueInitialChallenge(ctx, res, svc); err != nil {
		logger.ErrorContext(ctx, "Failed to issue initial verification challenge", "error", err)
	}

	metrics.IncReservationCreated(origin)
	metrics.IncTransition(string(domain.StatusPendingVerification))

	event := events.ReservationCreatedEvent{
		ReservationID: res.ID,
		ClientEmail:   res.Email,
		ClientName:    res.ClientName(),
		ServiceID:     res.ServiceID,
		Date:          res.Date,
		StartTime:     res.StartTime,
		PriceCents:    res.PriceCents,
		FromSession:   res.SessionID != nil,
		CreatedAt:     res.CreatedAt,
	}
	if err := s.eventBus.Publish(ctx, events.ReservationCreated, event); err != nil {
		logger.ErrorContext(ctx, "Failed to publish reservation created event", "error", err)
	}

	logger.InfoContext(ctx, "Reservation created", "origin", origin, "service_id", res.ServiceID, "date", res.Date)
	return res, nil
}

func normalizeRequest(req *domain.ReservationRequest) {
	req.FirstName = utils.NormalizeName(req.FirstName)
	req.LastName = utils.NormalizeName(req.LastName)
	req.Email = utils.NormalizeEmail(req.Email)
	req.Phone = utils.NormalizePhone(req.Phone)
	req.Date = strings.TrimSpace(req.Date)
	req.StartTime = strings.TrimSpace(req.StartTime)
	req.Notes = strings.TrimSpace(req.Notes)
	if req.SessionID != nil {
		sid := strings.TrimSpace(*req.SessionID)
		if sid == "" {
			req.SessionID = nil
		} else {
			req.SessionID = &sid
		}
	}
}

// validateRequest checks every constraint before anything is written and
// returns the resolved catalog service.
func (s *reservationService) validateRequest(ctx context.Context, req *domain.ReservationRequest) (*domain.Service, error) {
	verr := domain.NewValidationError()
	validateStruct(req, verr)

	if _, bad := verr.Fields["telephone"]; !bad && !utils.IsValidPhone(req.Phone) {
		verr.Add("telephone", "is not a plausible phone number")
	}
	if req.SessionID != nil && len(*req.SessionID) > maxSessionIDLength {
		verr.Add("session_id", "is too long")
	}

	var svc *domain.Service
	if _, bad := verr.Fields["service_id"]; !bad {
		found, err := s.catalogRepo.GetService(ctx, req.ServiceID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve service: %w", err)
		}
		if found == nil || !found.Active {
			verr.Add("service_id", "does not match an available service")
		}
		svc = found
	}

	_, badDate := verr.Fields["date"]
	_, badTime := verr.Fields["heure"]
	if !badDate && !badTime {
		if !s.inFuture(req.Date, req.StartTime) {
			verr.Add("date", "must be in the future")
		}
	}

	if !verr.Empty() {
		return nil, verr
	}
	return svc, nil
}

func (s *reservationService) inFuture(date, startTime string) bool {
	at, err := time.ParseInLocation("2006-01-02 15:04", date+" "+startTime, s.location)
	if err != nil {
		return false
	}
	return at.After(s.clock.Now())
}

func (s *reservationService) GetReservation(ctx context.Context, id int64, manageToken string) (*domain.Reservation, error) {
	res, err := s.GetReservationForStaff(ctx, id)
	if err != nil {
		return nil, err
	}
	if !tokenMatches(res.ManageToken, manageToken) {
		return nil, domain.ErrNotFound
	}
	return res, nil
}

func (s *reservationService) GetReservationForStaff(ctx context.Context, id int64) (*domain.Reservation, error) {
	res, err := s.reservationRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	if res == nil {
		return nil, domain.ErrNotFound
	}
	return res, nil
}

func (s *reservationService) ListReservations(ctx context.Context, filter domain.ListFilter) ([]*domain.Reservation, error) {
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 20
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.reservationRepo.List(ctx, filter)
}

func (s *reservationService) UpdateReservation(ctx context.Context, id int64, upd domain.StaffUpdate) (*domain.Reservation, error) {
	verr := domain.NewValidationError()
	validateStruct(upd, verr)
	if !verr.Empty() {
		return nil, verr
	}

	existing, err := s.GetReservationForStaff(ctx, id)
	if err != nil {
		return nil, err
	}

	if upd.Date != nil || upd.StartTime != nil {
		if existing.Status.Terminal() {
			return nil, fmt.Errorf("reschedule %s reservation: %w", existing.Status, domain.ErrStateConflict)
		}
		date, start := existing.Date, existing.StartTime
		if upd.Date != nil {
			date = *upd.Date
		}
		if upd.StartTime != nil {
			start = *upd.StartTime
		}
		if !s.inFuture(date, start) {
			verr.Add("date", "must be in the future")
			return nil, verr
		}
	}

	updated, err := s.reservationRepo.UpdateDetails(ctx, id, upd)
	if err != nil {
		return nil, fmt.Errorf("failed to update reservation: %w", err)
	}
	if updated == nil {
		return nil, domain.ErrNotFound
	}
	return updated, nil
}

func (s *reservationService) ListServices(ctx context.Context) ([]*domain.Service, error) {
	return s.catalogRepo.ListActive(ctx)
}

func tokenMatches(want, got string) bool {
	if want == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
