package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/diagnosis/salon-bookings/pkg/clock"
	"github.com/diagnosis/salon-bookings/pkg/config"
	"github.com/diagnosis/salon-bookings/pkg/events"
	"github.com/diagnosis/salon-bookings/pkg/logger"
	"github.com/diagnosis/salon-bookings/pkg/metrics"
	"github.com/diagnosis/salon-bookings/services/reservations/internal/domain"
	"github.com/diagnosis/salon-bookings/services/reservations/internal/mailer"
	"github.com/diagnosis/salon-bookings/services/reservations/internal/repository"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const expirySweepBatch = 500

type ConfirmationService interface {
	// AttemptConfirmation is the single entry point for code, link and manual
	// confirmation; all state machine guards are enforced here.
	AttemptConfirmation(ctx context.Context, attempt domain.ConfirmationAttempt) (*domain.Reservation, error)
	IssueInitialChallenge(ctx context.Context, res *domain.Reservation, svc *domain.Service) error
	SendVerification(ctx context.Context, reservationID int64, clientKey string) error
	Cancel(ctx context.Context, req CancelRequest) (*domain.Reservation, error)
	ExpireOverdue(ctx context.Context) (int, error)
}

type CancelRequest struct {
	ReservationID int64
	ManageToken   string
	StaffActor    string
	Reason        string
}

type confirmationService struct {
	reservationRepo repository.ReservationRepository
	challengeRepo   repository.ChallengeRepository
	draftRepo       repository.DraftRepository
	catalogRepo     repository.CatalogRepository
	rateLimitRepo   repository.RateLimitRepository
	mailer          mailer.Service
	eventBus        events.Publisher
	clock           clock.Clock
	config          *config.Config
	codeCost        int
}

func NewConfirmationService(
	reservationRepo repository.ReservationRepository,
	challengeRepo repository.ChallengeRepository,
	draftRepo repository.DraftRepository,
	catalogRepo repository.CatalogRepository,
	rateLimitRepo repository.RateLimitRepository,
	mailer mailer.Service,
	eventBus events.Publisher,
	clk clock.Clock,
	config *config.Config,
) ConfirmationService {
	return &confirmationService{
		reservationRepo: reservationRepo,
		challengeRepo:   challengeRepo,
		draftRepo:       draftRepo,
		catalogRepo:     catalogRepo,
		rateLimitRepo:   rateLimitRepo,
		mailer:          mailer,
		eventBus:        eventBus,
		clock:           clk,
		config:          config,
		codeCost:        bcrypt.DefaultCost,
	}
}

func (s *confirmationService) AttemptConfirmation(ctx context.Context, attempt domain.ConfirmationAttempt) (*domain.Reservation, error) {
	if _, ok := domain.ParseConfirmationMethod(string(attempt.Method)); !ok {
		verr := domain.NewValidationError()
		verr.Add("method", "must be one of code, link, manual")
		return nil, verr
	}

	var (
		res       *domain.Reservation
		challenge *domain.Challenge
		err       error
	)

	switch attempt.Method {
	case domain.MethodCode:
		if !domain.IsWellFormedCode(attempt.Code) {
			verr := domain.NewValidationError()
			verr.Add("code", "must be exactly 6 digits")
			return nil, verr
		}
		res, err = s.loadReservation(ctx, attempt.ReservationID)
	case domain.MethodLink:
		token := strings.TrimSpace(attempt.LinkToken)
		if token == "" {
			verr := domain.NewValidationError()
			verr.Add("token", "is required")
			return nil, verr
		}
		challenge, err = s.challengeRepo.FindByLinkHash(ctx, hashLinkToken(token))
		if err != nil {
			return nil, fmt.Errorf("failed to look up link token: %w", err)
		}
		if challenge == nil {
			metrics.IncVerificationFailure("unknown_link")
			return nil, domain.ErrChallengeMismatch
		}
		res, err = s.loadReservation(ctx, challenge.ReservationID)
	case domain.MethodManual:
		res, err = s.loadReservation(ctx, attempt.ReservationID)
	}
	if err != nil {
		return nil, err
	}
	ctx = logger.WithReservation(ctx, res.ID)

	now := s.clock.Now()
	res, err = s.expireIfOverdue(ctx, res, now)
	if err != nil {
		return nil, err
	}

	tr, err := domain.MustTransition(res.Status, attempt.Method.Event())
	if err != nil {
		metrics.IncVerificationFailure("state_conflict")
		return nil, err
	}

	// consumed is the challenge this attempt used up, if any.
	var consumed int64
	switch attempt.Method {
	case domain.MethodCode:
		consumed, err = s.redeemCode(ctx, res.ID, attempt.Code, now)
	case domain.MethodLink:
		consumed, err = s.redeemLink(ctx, res.ID, challenge, now)
	case domain.MethodManual:
		s.admitManual(ctx, res, attempt)
	}
	if err != nil {
		return nil, err
	}

	method := attempt.Method
	ok, err := s.reservationRepo.UpdateStatus(ctx, res.ID, tr.From, tr.To, &method, now)
	if err != nil {
		if consumed != 0 {
			s.release(ctx, consumed)
		}
		return nil, fmt.Errorf("failed to confirm reservation: %w", err)
	}
	if !ok {
		// Another path won the race.
		metrics.IncVerificationFailure("state_conflict")
		return nil, fmt.Errorf("confirm reservation %d: %w", res.ID, domain.ErrStateConflict)
	}

	metrics.IncConfirmation(string(method))
	metrics.IncTransition(string(tr.To))
	logger.InfoContext(ctx, "Reservation confirmed", "method", method, "staff", attempt.StaffActor)

	retireDraft(ctx, s.draftRepo, s.eventBus, res.SessionID, "reservation_confirmed", now)

	if err := s.eventBus.Publish(ctx, events.ReservationConfirmed, events.ReservationConfirmedEvent{
		ReservationID: res.ID,
		Method:        string(method),
		ConfirmedAt:   now,
	}); err != nil {
		logger.ErrorContext(ctx, "Failed to publish reservation confirmed event", "error", err)
	}

	return s.loadReservation(ctx, res.ID)
}

func (s *confirmationService) redeemCode(ctx context.Context, reservationID int64, code string, now time.Time) (int64, error) {
	ch, err := s.challengeRepo.GetLatest(ctx, reservationID)
	if err != nil {
		return 0, fmt.Errorf("failed to load challenge: %w", err)
	}
	if err := s.checkRedeemable(ch, now); err != nil {
		return 0, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(ch.CodeHash), []byte(code)); err != nil {
		attempts, incErr := s.challengeRepo.IncrementAttempts(ctx, ch.ID)
		if incErr != nil {
			logger.ErrorContext(ctx, "Failed to record wrong code attempt", "error", incErr)
		}
		logger.WarnContext(ctx, "Wrong verification code", "attempts", attempts)
		if attempts >= domain.MaxVerificationAttempts {
			metrics.IncVerificationFailure("locked")
			return 0, domain.ErrChallengeLocked
		}
		metrics.IncVerificationFailure("wrong_code")
		return 0, domain.ErrChallengeMismatch
	}

	return ch.ID, s.consume(ctx, ch.ID, now)
}

func (s *confirmationService) redeemLink(ctx context.Context, reservationID int64, ch *domain.Challenge, now time.Time) (int64, error) {
	if ch.ReservationID != reservationID {
		metrics.IncVerificationFailure("unknown_link")
		return 0, domain.ErrChallengeMismatch
	}
	if err := s.checkRedeemable(ch, now); err != nil {
		return 0, err
	}
	return ch.ID, s.consume(ctx, ch.ID, now)
}

func (s *confirmationService) checkRedeemable(ch *domain.Challenge, now time.Time) error {
	switch {
	case ch == nil:
		metrics.IncVerificationFailure("no_challenge")
		return domain.ErrChallengeMismatch
	case ch.SupersededAt != nil:
		metrics.IncVerificationFailure("superseded")
		return domain.ErrChallengeSuperseded
	case ch.ConsumedAt != nil:
		metrics.IncVerificationFailure("consumed")
		return domain.ErrChallengeMismatch
	case !now.Before(ch.ExpiresAt):
		metrics.IncVerificationFailure("expired")
		return domain.ErrChallengeExpired
	case ch.Locked():
		metrics.IncVerificationFailure("locked")
		return domain.ErrChallengeLocked
	}
	return nil
}

// release hands a consumed challenge back when the confirmation itself could
// not be stored, so the same code or link still works on retry.
func (s *confirmationService) release(ctx context.Context, challengeID int64) {
	ok, err := s.challengeRepo.Release(ctx, challengeID)
	switch {
	case err != nil:
		logger.ErrorContext(ctx, "Failed to release challenge, client must request a new code", "challenge_id", challengeID, "error", err)
	case !ok:
		logger.WarnContext(ctx, "Challenge not released, a newer one is live", "challenge_id", challengeID)
	}
}

func (s *confirmationService) consume(ctx context.Context, challengeID int64, now time.Time) error {
	ok, err := s.challengeRepo.Consume(ctx, challengeID, now)
	if err != nil {
		return fmt.Errorf("failed to consume challenge: %w", err)
	}
	if !ok {
		metrics.IncVerificationFailure("consumed")
		return domain.ErrChallengeMismatch
	}
	return nil
}

// admitManual lets a manual confirmation through. It carries no proof of
// identity, so every one is logged and published for staff follow-up; it never
// fails on its own account.
func (s *confirmationService) admitManual(ctx context.Context, res *domain.Reservation, attempt domain.ConfirmationAttempt) {
	logger.WarnContext(ctx, "Manual confirmation requested",
		"client", res.ClientName(),
		"phone", res.Phone,
		"remote_addr", attempt.ClientKey,
		"staff", attempt.StaffActor,
	)

	if err := s.eventBus.Publish(ctx, events.ManualConfirmationRequested, events.ManualConfirmationEvent{
		ReservationID: res.ID,
		ClientName:    res.ClientName(),
		ClientPhone:   res.Phone,
		ClientEmail:   res.Email,
		RemoteAddr:    attempt.ClientKey,
		RequestedAt:   s.clock.Now(),
	}); err != nil {
		logger.ErrorContext(ctx, "Failed to publish manual confirmation event", "error", err)
	}
}

func (s *confirmationService) IssueInitialChallenge(ctx context.Context, res *domain.Reservation, svc *domain.Service) error {
	_, err := s.issue(ctx, res, svc, false)
	return err
}

// SendVerification supersedes the active challenge with a fresh one and mails it.
func (s *confirmationService) SendVerification(ctx context.Context, reservationID int64, clientKey string) error {
	res, err := s.loadReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	ctx = logger.WithReservation(ctx, res.ID)

	res, err = s.expireIfOverdue(ctx, res, s.clock.Now())
	if err != nil {
		return err
	}
	if _, err := domain.MustTransition(res.Status, domain.EventResend); err != nil {
		return err
	}

	allowed, err := s.rateLimitRepo.CheckRateLimit(ctx, fmt.Sprintf("resend:reservation:%d", res.ID),
		s.config.Booking.ResendMax, s.config.Booking.RateLimitWindow)
	if err != nil {
		return fmt.Errorf("rate limit check failed: %w", err)
	}
	if !allowed {
		logger.WarnContext(ctx, "Verification resend rate limited", "remote_addr", clientKey)
		return domain.ErrRateLimited
	}

	svc, err := s.catalogRepo.GetService(ctx, res.ServiceID)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to resolve service for verification email", "error", err)
	}

	_, err = s.issue(ctx, res, svc, true)
	return err
}

func (s *confirmationService) issue(ctx context.Context, res *domain.Reservation, svc *domain.Service, resend bool) (*domain.IssuedChallenge, error) {
	code, err := generateVerificationCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate verification code: %w", err)
	}
	codeHash, err := bcrypt.GenerateFromPassword([]byte(code), s.codeCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash verification code: %w", err)
	}
	linkToken := uuid.NewString()

	now := s.clock.Now()
	ch := &domain.Challenge{
		ReservationID: res.ID,
		CodeHash:      string(codeHash),
		LinkTokenHash: hashLinkToken(linkToken),
		IssuedAt:      now,
		ExpiresAt:     now.Add(s.config.Booking.ChallengeTTL),
	}
	if err := s.challengeRepo.Issue(ctx, ch); err != nil {
		return nil, fmt.Errorf("failed to store verification challenge: %w", err)
	}

	serviceName := ""
	if svc != nil {
		serviceName = svc.Name
	}
	msg := mailer.VerificationEmail{
		ToEmail:     res.Email,
		ToName:      res.ClientName(),
		ServiceName: serviceName,
		Date:        res.Date,
		StartTime:   res.StartTime,
		Code:        code,
		VerifyURL:   s.buildVerifyLink(linkToken),
		ExpiresAt:   ch.ExpiresAt,
	}

	delivered := true
	if err := s.mailer.SendVerificationEmail(ctx, msg); err != nil {
		// Don't fail the request - the challenge exists and manual confirmation stays open
		delivered = false
		metrics.IncEmailFailure()
		logger.ErrorContext(ctx, "Failed to send verification email", "error", err, "email", res.Email)
	}

	if err := s.eventBus.Publish(ctx, events.VerificationSent, events.VerificationSentEvent{
		ReservationID: res.ID,
		ChallengeID:   ch.ID,
		Resend:        resend,
		Delivered:     delivered,
		ExpiresAt:     ch.ExpiresAt,
	}); err != nil {
		logger.ErrorContext(ctx, "Failed to publish verification sent event", "error", err)
	}

	return &domain.IssuedChallenge{Challenge: ch, Code: code, LinkToken: linkToken}, nil
}

func (s *confirmationService) buildVerifyLink(token string) string {
	base := strings.TrimRight(s.config.Booking.PublicBaseURL, "/")
	return fmt.Sprintf("%s/reservation/confirmation?token=%s", base, url.QueryEscape(token))
}

func (s *confirmationService) Cancel(ctx context.Context, req CancelRequest) (*domain.Reservation, error) {
	res, err := s.loadReservation(ctx, req.ReservationID)
	if err != nil {
		return nil, err
	}
	if req.StaffActor == "" && !tokenMatches(res.ManageToken, req.ManageToken) {
		return nil, domain.ErrNotFound
	}
	ctx = logger.WithReservation(ctx, res.ID)

	now := s.clock.Now()
	res, err = s.expireIfOverdue(ctx, res, now)
	if err != nil {
		return nil, err
	}

	tr, err := domain.MustTransition(res.Status, domain.EventCancel)
	if err != nil {
		return nil, err
	}
	ok, err := s.reservationRepo.UpdateStatus(ctx, res.ID, tr.From, tr.To, nil, now)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel reservation: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("cancel reservation %d: %w", res.ID, domain.ErrStateConflict)
	}

	metrics.IncTransition(string(tr.To))
	logger.InfoContext(ctx, "Reservation cancelled", "from", tr.From, "staff", req.StaffActor, "reason", req.Reason)

	retireDraft(ctx, s.draftRepo, s.eventBus, res.SessionID, "reservation_cancelled", now)

	if err := s.eventBus.Publish(ctx, events.ReservationCancelled, events.ReservationCancelledEvent{
		ReservationID: res.ID,
		ClientEmail:   res.Email,
		Reason:        req.Reason,
		CancelledAt:   now,
	}); err != nil {
		logger.ErrorContext(ctx, "Failed to publish reservation cancelled event", "error", err)
	}

	return s.loadReservation(ctx, res.ID)
}

// ExpireOverdue moves every pending reservation past its verify-by deadline to
// expired. Correctness never depends on it; expiry is also applied lazily.
func (s *confirmationService) ExpireOverdue(ctx context.Context) (int, error) {
	now := s.clock.Now()
	ids, err := s.reservationRepo.ListOverdue(ctx, now, expirySweepBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list overdue reservations: %w", err)
	}

	expired := 0
	for _, id := range ids {
		ok, err := s.markExpired(ctx, id, now)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to expire reservation", "error", err, "reservation_id", id)
			continue
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		logger.InfoContext(ctx, "Expired overdue reservations", "count", expired)
	}
	return expired, nil
}

func (s *confirmationService) expireIfOverdue(ctx context.Context, res *domain.Reservation, now time.Time) (*domain.Reservation, error) {
	if res.Status != domain.StatusPendingVerification || now.Before(res.VerifyBy) {
		return res, nil
	}
	if _, err := s.markExpired(ctx, res.ID, now); err != nil {
		return nil, err
	}
	return s.loadReservation(ctx, res.ID)
}

func (s *confirmationService) markExpired(ctx context.Context, id int64, now time.Time) (bool, error) {
	tr, _ := domain.TransitionFor(domain.StatusPendingVerification, domain.EventExpire)
	ok, err := s.reservationRepo.UpdateStatus(ctx, id, tr.From, tr.To, nil, now)
	if err != nil {
		return false, fmt.Errorf("failed to expire reservation: %w", err)
	}
	if !ok {
		return false, nil
	}

	metrics.IncTransition(string(tr.To))
	if err := s.eventBus.Publish(ctx, events.ReservationExpired, events.ReservationExpiredEvent{
		ReservationID: id,
		ExpiredAt:     now,
	}); err != nil {
		logger.ErrorContext(ctx, "Failed to publish reservation expired event", "error", err)
	}
	return true, nil
}

func (s *confirmationService) loadReservation(ctx context.Context, id int64) (*domain.Reservation, error) {
	res, err := s.reservationRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	if res == nil {
		return nil, fmt.Errorf("reservation %d: %w", id, domain.ErrNotFound)
	}
	return res, nil
}

// IsRetryable reports whether the client may try again in the same flow.
func IsRetryable(err error) bool {
	return errors.Is(err, domain.ErrChallengeMismatch) || errors.Is(err, domain.ErrRateLimited)
}
