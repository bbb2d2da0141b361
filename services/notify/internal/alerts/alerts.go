// Package alerts turns reservation events into a front-desk feed: manual
// confirmations to call back, cancellations and expiries that free a slot.
package alerts

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/diagnosis/salon-bookings/pkg/events"
	"github.com/diagnosis/salon-bookings/pkg/logger"
	"github.com/diagnosis/salon-bookings/pkg/metrics"
)

const queueGroup = "notify-staff"

type Kind string

const (
	KindCallBack  Kind = "call_back"
	KindCancelled Kind = "slot_freed"
	KindExpired   Kind = "expired"
)

type Alert struct {
	Kind          Kind      `json:"kind"`
	ReservationID int64     `json:"reservation_id"`
	Message       string    `json:"message"`
	Contact       string    `json:"contact,omitempty"`
	At            time.Time `json:"at"`
}

// Feed keeps the most recent alerts, newest last.
type Feed struct {
	mu     sync.Mutex
	size   int
	alerts []Alert
}

func NewFeed(size int) *Feed {
	if size <= 0 {
		size = 200
	}
	return &Feed{size: size}
}

func (f *Feed) Add(a Alert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	if len(f.alerts) > f.size {
		f.alerts = append([]Alert(nil), f.alerts[len(f.alerts)-f.size:]...)
	}
	metrics.IncStaffAlert(string(a.Kind))
}

// Recent returns up to limit alerts, newest first, optionally of one kind.
func (f *Feed) Recent(kind Kind, limit int) []Alert {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Alert, 0, limit)
	for i := len(f.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		if kind != "" && f.alerts[i].Kind != kind {
			continue
		}
		out = append(out, f.alerts[i])
	}
	return out
}

// Subscribe wires the feed to the reservation subjects. Instances share one
// queue group so each event lands in exactly one feed.
func Subscribe(sub events.Subscriber, feed *Feed) error {
	handlers := map[string]func(*events.Message) (Alert, error){
		events.ManualConfirmationRequested: manualConfirmation,
		events.ReservationCancelled:        cancelled,
		events.ReservationExpired:          expired,
	}
	for subject, toAlert := range handlers {
		toAlert := toAlert
		err := sub.QueueSubscribe(subject, queueGroup, func(msg *events.Message) {
			alert, err := toAlert(msg)
			if err != nil {
				logger.Error("Malformed reservation event", "subject", msg.Subject, "error", err)
				return
			}
			logger.Info("Staff alert", "kind", alert.Kind, "reservation_id", alert.ReservationID)
			feed.Add(alert)
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
	}
	return nil
}

func manualConfirmation(msg *events.Message) (Alert, error) {
	var evt events.ManualConfirmationEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		return Alert{}, err
	}
	return Alert{
		Kind:          KindCallBack,
		ReservationID: evt.ReservationID,
		Message:       fmt.Sprintf("%s confirmed without email, call to double-check", evt.ClientName),
		Contact:       evt.ClientPhone,
		At:            evt.RequestedAt,
	}, nil
}

func cancelled(msg *events.Message) (Alert, error) {
	var evt events.ReservationCancelledEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		return Alert{}, err
	}
	text := "Reservation cancelled, slot is free again"
	if evt.Reason != "" {
		text += ": " + evt.Reason
	}
	return Alert{
		Kind:          KindCancelled,
		ReservationID: evt.ReservationID,
		Message:       text,
		Contact:       evt.ClientEmail,
		At:            evt.CancelledAt,
	}, nil
}

func expired(msg *events.Message) (Alert, error) {
	var evt events.ReservationExpiredEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		return Alert{}, err
	}
	return Alert{
		Kind:          KindExpired,
		ReservationID: evt.ReservationID,
		Message:       "Reservation never verified and was released",
		At:            evt.ExpiredAt,
	}, nil
}
