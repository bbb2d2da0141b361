package service

import (
	"context"
	"time"

	"github.com/diagnosis/salon-bookings/pkg/clock"
	"github.com/diagnosis/salon-bookings/pkg/logger"
	"github.com/diagnosis/salon-bookings/services/reservations/internal/repository"
)

// Retired challenges are kept a week for support lookups.
const challengeRetention = 7 * 24 * time.Hour

type SweepReport struct {
	ExpiredReservations int   `json:"expired_reservations"`
	PurgedDrafts        int64 `json:"purged_drafts"`
	DeletedChallenges   int64 `json:"deleted_challenges"`
	IdempotencyKeys     int64 `json:"idempotency_keys"`
	RateLimitWindows    int64 `json:"rate_limit_windows"`
}

// Sweeper runs the housekeeping jobs. None of them is needed for correctness:
// expiry is evaluated lazily and gated saves never write.
type Sweeper struct {
	confirmations   ConfirmationService
	drafts          DraftService
	challengeRepo   repository.ChallengeRepository
	idempotencyRepo repository.IdempotencyRepository
	rateLimitRepo   repository.RateLimitRepository
	clock           clock.Clock
}

func NewSweeper(
	confirmations ConfirmationService,
	drafts DraftService,
	challengeRepo repository.ChallengeRepository,
	idempotencyRepo repository.IdempotencyRepository,
	rateLimitRepo repository.RateLimitRepository,
	clk clock.Clock,
) *Sweeper {
	return &Sweeper{
		confirmations:   confirmations,
		drafts:          drafts,
		challengeRepo:   challengeRepo,
		idempotencyRepo: idempotencyRepo,
		rateLimitRepo:   rateLimitRepo,
		clock:           clk,
	}
}

// RunOnce executes every job; a failing job is logged and the others still run.
func (s *Sweeper) RunOnce(ctx context.Context) SweepReport {
	var report SweepReport
	var err error

	if report.ExpiredReservations, err = s.confirmations.ExpireOverdue(ctx); err != nil {
		logger.ErrorContext(ctx, "Sweep: expire overdue reservations failed", "error", err)
	}
	if report.PurgedDrafts, err = s.drafts.PurgeStale(ctx); err != nil {
		logger.ErrorContext(ctx, "Sweep: purge stale drafts failed", "error", err)
	}
	if report.DeletedChallenges, err = s.challengeRepo.DeleteExpired(ctx, s.clock.Now().Add(-challengeRetention)); err != nil {
		logger.ErrorContext(ctx, "Sweep: delete retired challenges failed", "error", err)
	}
	if report.IdempotencyKeys, err = s.idempotencyRepo.CleanupExpired(ctx); err != nil {
		logger.ErrorContext(ctx, "Sweep: idempotency cleanup failed", "error", err)
	}
	if report.RateLimitWindows, err = s.rateLimitRepo.CleanupExpired(ctx); err != nil {
		logger.ErrorContext(ctx, "Sweep: rate limit cleanup failed", "error", err)
	}

	logger.DebugContext(ctx, "Sweep finished",
		"expired_reservations", report.ExpiredReservations,
		"purged_drafts", report.PurgedDrafts,
		"deleted_challenges", report.DeletedChallenges,
	)
	return report
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}
