package mailer

import (
	"context"
	"sync"

	"github.com/diagnosis/salon-bookings/pkg/logger"
)

// DevMailer logs emails instead of sending them. Sent keeps every message so
// tests can read the code and link back.
type DevMailer struct {
	mu   sync.Mutex
	sent []VerificationEmail
}

func NewDevMailer() *DevMailer {
	return &DevMailer{}
}

func (d *DevMailer) SendVerificationEmail(ctx context.Context, msg VerificationEmail) error {
	logger.InfoContext(ctx, "[DEV MAIL] Reservation verification email",
		"to", msg.ToEmail,
		"name", msg.ToName,
		"service", msg.ServiceName,
		"code", msg.Code,
		"verify_url", msg.VerifyURL,
		"expires_at", msg.ExpiresAt,
	)

	d.mu.Lock()
	d.sent = append(d.sent, msg)
	d.mu.Unlock()
	return nil
}

func (d *DevMailer) Sent() []VerificationEmail {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]VerificationEmail(nil), d.sent...)
}

// Last returns the most recent message, if any.
func (d *DevMailer) Last() (VerificationEmail, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sent) == 0 {
		return VerificationEmail{}, false
	}
	return d.sent[len(d.sent)-1], true
}
