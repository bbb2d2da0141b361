package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
	"time"

	"github.com/diagnosis/salon-bookings/pkg/events"
	"github.com/diagnosis/salon-bookings/pkg/logger"
	"github.com/diagnosis/salon-bookings/services/reservations/internal/repository"
)

// retireDraft removes the draft of a session. One retry is made because a
// draft must not outlive the reservation that replaced it.
func retireDraft(ctx context.Context, drafts repository.DraftRepository, bus events.Publisher, sessionID *string, reason string, now time.Time) {
	if sessionID == nil || *sessionID == "" {
		return
	}

	deleted, err := drafts.DeleteBySession(ctx, *sessionID)
	if err != nil {
		logger.WarnContext(ctx, "Draft retirement failed, retrying", "error", err, "reason", reason)
		deleted, err = drafts.DeleteBySession(ctx, *sessionID)
	}
	if err != nil {
		logger.ErrorContext(ctx, "Failed to retire draft", "error", err, "reason", reason)
		return
	}
	if !deleted {
		return
	}

	if err := bus.Publish(ctx, events.DraftRetired, events.DraftEvent{SessionID: *sessionID, Reason: reason, At: now}); err != nil {
		logger.ErrorContext(ctx, "Failed to publish draft retired event", "error", err)
	}
}

func generateVerificationCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func hashLinkToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return fmt.Sprintf("%x", sum[:])
}
