package domain

import (
	"strings"
	"time"
)

// DraftFields is the typed form snapshot pushed by the booking form. JSON keys
// follow the public form field names.
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

// HasPhone reports whether the persistence gate is satisfied.
func (f DraftFields) HasPhone() bool {
	return strings.TrimSpace(f.Phone) != ""
}

type Draft struct {
	ID        int64       `json:"id"`
	SessionID string      `json:"session_id"`
	Fields    DraftFields `json:"fields"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// UpsertResult distinguishes a gate skip from a stored draft.
type UpsertResult struct {
	Draft   *Draft
	Skipped bool
}
