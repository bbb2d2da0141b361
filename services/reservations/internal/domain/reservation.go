package domain

import "time"

type ReservationStatus string

const (
	StatusPendingVerification ReservationStatus = "pending_verification"
	StatusConfirmed           ReservationStatus = "confirmed"
	StatusExpired             ReservationStatus = "expired"
	StatusCancelled           ReservationStatus = "cancelled"
)

func ParseReservationStatus(s string) (ReservationStatus, bool) {
	switch ReservationStatus(s) {
	case StatusPendingVerification, StatusConfirmed, StatusExpired, StatusCancelled:
		return ReservationStatus(s), true
	default:
		return "", false
	}
}

// Terminal reports whether no confirmation can happen anymore.
func (s ReservationStatus) Terminal() bool {
	return s == StatusExpired || s == StatusCancelled
}

type Reservation struct {
	ID                 int64               `json:"id"`
	ManageToken        string              `json:"manage_token,omitempty"`
	Status             ReservationStatus   `json:"status"`
	FirstName          string              `json:"prenom"`
	LastName           string              `json:"nom"`
	Email              string              `json:"email"`
	Phone              string              `json:"telephone"`
	ServiceID          int64               `json:"service_id"`
	Date               string              `json:"date"`
	StartTime          string              `json:"heure"`
	PriceCents         int64               `json:"price_cents"`
	ClientNotes        string              `json:"notes"`
	AdminNotes         string              `json:"admin_notes,omitempty"`
	SessionID          *string             `json:"session_id,omitempty"`
	ConfirmationMethod *ConfirmationMethod `json:"confirmation_method,omitempty"`
	ConfirmedAt        *time.Time          `json:"confirmed_at,omitempty"`
	CancelledAt        *time.Time          `json:"cancelled_at,omitempty"`
	VerifyBy           time.Time           `json:"verify_by"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

func (r *Reservation) ClientName() string {
	if r.LastName == "" {
		return r.FirstName
	}
	if r.FirstName == "" {
		return r.LastName
	}
	return r.FirstName + " " + r.LastName
}

// ReservationRequest is the createReservation payload.
type ReservationRequest struct {
	FirstName string  `json:"prenom" validate:"required,max=100"`
	LastName  string  `json:"nom" validate:"required,max=100"`
	Email     string  `json:"email" validate:"required,email,max=254"`
	Phone     string  `json:"telephone" validate:"required,min=6,max=32"`
	ServiceID int64   `json:"service_id" validate:"required,gt=0"`
	Date      string  `json:"date" validate:"required,datetime=2006-01-02"`
	StartTime string  `json:"heure" validate:"required,datetime=15:04"`
	Notes     string  `json:"notes" validate:"max=2000"`
	SessionID *string `json:"session_id,omitempty"`
}

// StaffUpdate carries the fields staff may edit on an existing reservation.
type StaffUpdate struct {
	AdminNotes *string `json:"admin_notes,omitempty"`
	Date       *string `json:"date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	StartTime  *string `json:"heure,omitempty" validate:"omitempty,datetime=15:04"`
}

type ListFilter struct {
	Status *ReservationStatus
	Date   string
	Limit  int
	Offset int
}
