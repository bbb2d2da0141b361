package mailer

import (
	"context"
	"time"
)

type Service interface {
	SendVerificationEmail(ctx context.Context, msg VerificationEmail) error
}

// VerificationEmail carries everything the client needs to confirm a
// reservation: the 6-digit code and the one-click link.
type VerificationEmail struct {
	ToEmail     string
	ToName      string
	ServiceName string
	Date        string
	StartTime   string
	Code        string
	VerifyURL   string
	ExpiresAt   time.Time
}
