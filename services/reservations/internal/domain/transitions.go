package domain

import "fmt"

type Event string

const (
	EventVerifyCode    Event = "verify_code"
	EventVerifyLink    Event = "verify_link"
	EventManualConfirm Event = "manual_confirm"
	EventResend        Event = "resend"
	EventExpire        Event = "expire"
	EventCancel        Event = "cancel"
)

type ConfirmationMethod string

const (
	MethodCode   ConfirmationMethod = "code"
	MethodLink   ConfirmationMethod = "link"
	MethodManual ConfirmationMethod = "manual"
)

func ParseConfirmationMethod(s string) (ConfirmationMethod, bool) {
	switch ConfirmationMethod(s) {
	case MethodCode, MethodLink, MethodManual:
		return ConfirmationMethod(s), true
	default:
		return "", false
	}
}

// Event maps a confirmation method onto its state machine event.
func (m ConfirmationMethod) Event() Event {
	switch m {
	case MethodCode:
		return EventVerifyCode
	case MethodLink:
		return EventVerifyLink
	default:
		return EventManualConfirm
	}
}

// Transition is a single allowed edge in the reservation lifecycle.
type Transition struct {
	From  ReservationStatus
	To    ReservationStatus
	Event Event
}

var transitionsTable = []Transition{
	{From: StatusPendingVerification, To: StatusConfirmed, Event: EventVerifyCode},
	{From: StatusPendingVerification, To: StatusConfirmed, Event: EventVerifyLink},
	{From: StatusPendingVerification, To: StatusConfirmed, Event: EventManualConfirm},
	{From: StatusPendingVerification, To: StatusPendingVerification, Event: EventResend},
	{From: StatusPendingVerification, To: StatusExpired, Event: EventExpire},

	{From: StatusPendingVerification, To: StatusCancelled, Event: EventCancel},
	{From: StatusConfirmed, To: StatusCancelled, Event: EventCancel},
}

// TransitionFor returns the allowed transition for a given state+event.
func TransitionFor(from ReservationStatus, ev Event) (Transition, bool) {
	for _, tr := range transitionsTable {
		if tr.From == from && tr.Event == ev {
			return tr, true
		}
	}
	return Transition{}, false
}

// MustTransition returns ErrStateConflict when ev is not allowed from from.
func MustTransition(from ReservationStatus, ev Event) (Transition, error) {
	tr, ok := TransitionFor(from, ev)
	if !ok {
		return Transition{}, fmt.Errorf("%s from %s: %w", ev, from, ErrStateConflict)
	}
	return tr, nil
}
