package domain

import "time"

const (
	MaxVerificationAttempts = 5
	CodeLength              = 6
)

// Challenge is the code/link pair proving control of the reservation email.
// Only hashes are stored.
type Challenge struct {
	ID            int64      `json:"id"`
	ReservationID int64      `json:"reservation_id"`
	CodeHash      string     `json:"-"`
	LinkTokenHash string     `json:"-"`
	IssuedAt      time.Time  `json:"issued_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	ConsumedAt    *time.Time `json:"consumed_at,omitempty"`
	SupersededAt  *time.Time `json:"superseded_at,omitempty"`
	Attempts      int        `json:"attempts"`
}

// Active reports whether the challenge can still be redeemed at now.
func (c *Challenge) Active(now time.Time) bool {
	return c.ConsumedAt == nil && c.SupersededAt == nil && now.Before(c.ExpiresAt)
}

func (c *Challenge) Locked() bool {
	return c.Attempts >= MaxVerificationAttempts
}

// IssuedChallenge is returned once at issue time; the plain code and token
// never reach storage.
type IssuedChallenge struct {
	Challenge *Challenge
	Code      string
	LinkToken string
}

// ConfirmationAttempt is the single input of every confirmation path.
type ConfirmationAttempt struct {
	Method        ConfirmationMethod
	ReservationID int64
	Code          string
	LinkToken     string
	// ClientKey identifies the caller (remote address) for rate limiting.
	ClientKey string
	// StaffActor is set when staff confirms from the back office.
	StaffActor string
}

// IsWellFormedCode reports whether code is exactly CodeLength ASCII digits.
func IsWellFormedCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}
