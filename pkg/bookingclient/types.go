// Package bookingclient is the Go client of the reservations service: session
// identity, debounced draft autosave and the typed HTTP API.
package bookingclient

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DraftFields mirrors the booking form. JSON keys are the public form names.
type DraftFields struct {
	FirstName string `json:"prenom,omitempty"`
	LastName  string `json:"nom,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"telephone,omitempty"`
	ServiceID *int64 `json:"service_id,omitempty"`
	Date      string `json:"date,omitempty"`
	Time      string `json:"heure,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// HasPhone reports whether the draft may be persisted at all.
func (f DraftFields) HasPhone() bool {
	return strings.TrimSpace(f.Phone) != ""
}

type ReservationRequest struct {
	FirstName string  `json:"prenom"`
	LastName  string  `json:"nom"`
	Email     string  `json:"email"`
	Phone     string  `json:"telephone"`
	ServiceID int64   `json:"service_id"`
	Date      string  `json:"date"`
	StartTime string  `json:"heure"`
	Notes     string  `json:"notes,omitempty"`
	SessionID *string `json:"session_id,omitempty"`
}

// RequestFromDraft builds the submit payload from the form snapshot.
func RequestFromDraft(f DraftFields) ReservationRequest {
	req := ReservationRequest{
		FirstName: f.FirstName,
		LastName:  f.LastName,
		Email:     f.Email,
		Phone:     f.Phone,
		Date:      f.Date,
		StartTime: f.Time,
		Notes:     f.Notes,
	}
	if f.ServiceID != nil {
		req.ServiceID = *f.ServiceID
	}
	return req
}

type Reservation struct {
	ID                 int64      `json:"id"`
	ManageToken        string     `json:"manage_token,omitempty"`
	Status             string     `json:"status"`
	FirstName          string     `json:"prenom"`
	LastName           string     `json:"nom"`
	Email              string     `json:"email"`
	Phone              string     `json:"telephone"`
	ServiceID          int64      `json:"service_id"`
	Date               string     `json:"date"`
	StartTime          string     `json:"heure"`
	PriceCents         int64      `json:"price_cents"`
	Notes              string     `json:"notes"`
	SessionID          *string    `json:"session_id,omitempty"`
	ConfirmationMethod string     `json:"confirmation_method,omitempty"`
	ConfirmedAt        *time.Time `json:"confirmed_at,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	VerifyBy           time.Time  `json:"verify_by"`
	CreatedAt          time.Time  `json:"created_at"`
}

type Service struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	PriceCents  int64  `json:"price_cents"`
	DurationMin int    `json:"duration_min"`
}

// Confirmation is the outcome of a successful code, link or manual confirmation.
type Confirmation struct {
	ReservationID int64  `json:"reservation_id"`
	Status        string `json:"status"`
}

// SaveResult distinguishes a stored draft from a gate skip. A skip is not an
// error and should not be shown to the user as one.
type SaveResult struct {
	Saved   bool
	DraftID int64
}

var (
	ErrNotFound          = errors.New("not found")
	ErrStateConflict     = errors.New("reservation is no longer awaiting verification")
	ErrChallengeMismatch = errors.New("verification code or link is not valid")
	ErrRateLimited       = errors.New("too many requests")
	ErrUnauthorized      = errors.New("unauthorized")
	// ErrTransient covers network failures and 5xx answers. Autosave swallows
	// it; a reservation submit surfaces it and is never retried automatically.
	ErrTransient = errors.New("temporary failure, please retry")

	ErrChallengeExpired = fmt.Errorf("verification code expired: %w", ErrChallengeMismatch)
	ErrChallengeLocked  = fmt.Errorf("too many wrong codes: %w", ErrChallengeMismatch)
)

// ValidationError lists the offending fields of a rejected request.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return "invalid fields: " + strings.Join(names, ", ")
}

// APIError is a non-2xx answer. Unwrap exposes the matching sentinel so callers
// use errors.Is.
type APIError struct {
	Status    int
	Code      string
	Message   string
	Retryable bool
	sentinel  error
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("reservations api: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("reservations api: %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error { return e.sentinel }
