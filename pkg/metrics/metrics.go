package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	draftsSaved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "salon_reservations",
			Name:      "draft_upserts_total",
			Help:      "Draft autosave attempts by outcome (saved, skipped).",
		},
		[]string{"outcome"},
	)

	reservationsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "salon_reservations",
			Name:      "reservation_created_total",
			Help:      "Reservations created by origin (session, staff).",
		},
		[]string{"origin"},
	)

	confirmations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "salon_reservations",
			Name:      "confirmation_total",
			Help:      "Successful confirmations by method.",
		},
		[]string{"method"},
	)

	verificationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "salon_reservations",
			Name:      "verification_failure_total",
			Help:      "Rejected verification attempts by reason.",
		},
		[]string{"reason"},
	)

	statusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "salon_reservations",
			Name:      "status_transition_total",
			Help:      "Reservation status transitions by target status.",
		},
		[]string{"to"},
	)

	emailFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "salon_reservations",
			Name:      "verification_email_failure_total",
			Help:      "Verification emails that could not be dispatched.",
		},
	)

	staffAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "salon_reservations",
			Name:      "staff_alert_total",
			Help:      "Alerts raised for the front desk by kind.",
		},
		[]string{"kind"},
	)
)

// Register registers metrics with the default registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(draftsSaved, reservationsCreated, confirmations,
			verificationFailures, statusTransitions, emailFailures, staffAlerts)
	})
}

func IncDraftUpsert(outcome string) {
	draftsSaved.WithLabelValues(outcome).Inc()
}

func IncReservationCreated(origin string) {
	reservationsCreated.WithLabelValues(origin).Inc()
}

func IncConfirmation(method string) {
	confirmations.WithLabelValues(method).Inc()
}

func IncVerificationFailure(reason string) {
	verificationFailures.WithLabelValues(reason).Inc()
}

func IncTransition(to string) {
	statusTransitions.WithLabelValues(to).Inc()
}

func IncEmailFailure() {
	emailFailures.Inc()
}

func IncStaffAlert(kind string) {
	staffAlerts.WithLabelValues(kind).Inc()
}
