package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/diagnosis/salon-bookings/pkg/logger"
	"github.com/nats-io/nats.go"
)

type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
	Close() error
}

type Subscriber interface {
	Subscribe(subject string, handler func(msg *Message)) error
	QueueSubscribe(subject, queue string, handler func(msg *Message)) error
	Close() error
}

type EventBus interface {
	Publisher
	Subscriber
}

type Message struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	ID        string
}

type NATSEventBus struct {
	conn *nats.Conn
}

func NewNATSEventBus(url string) (*NATSEventBus, error) {
	conn, err := nats.Connect(url, nats.Name("salon-reservations"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSEventBus{conn: conn}, nil
}

func (n *NATSEventBus) Publish(ctx context.Context, subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	logger.DebugContext(ctx, "Publishing event", "subject", subject, "data", string(payload))

	return n.conn.Publish(subject, payload)
}

func (n *NATSEventBus) Subscribe(subject string, handler func(msg *Message)) error {
	_, err := n.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(toMessage(msg.Subject, msg.Data))
	})
	return err
}

func (n *NATSEventBus) QueueSubscribe(subject, queue string, handler func(msg *Message)) error {
	_, err := n.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		handler(toMessage(msg.Subject, msg.Data))
	})
	return err
}

func (n *NATSEventBus) Close() error {
	n.conn.Close()
	return nil
}

func toMessage(subject string, data []byte) *Message {
	now := time.Now()
	return &Message{
		Subject:   subject,
		Data:      data,
		Timestamp: now,
		ID:        fmt.Sprintf("%d", now.UnixNano()),
	}
}

// MemoryBus delivers events synchronously in-process. It is used when no NATS
// server is configured and in tests, where Published exposes what was sent.
type MemoryBus struct {
	mu        sync.Mutex
	published []*Message
	handlers  map[string][]func(msg *Message)
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[string][]func(msg *Message))}
}

func (b *MemoryBus) Publish(ctx context.Context, subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	msg := toMessage(subject, payload)

	b.mu.Lock()
	b.published = append(b.published, msg)
	hs := append([]func(*Message){}, b.handlers[subject]...)
	b.mu.Unlock()

	for _, h := range hs {
		h(msg)
	}
	return nil
}

func (b *MemoryBus) Subscribe(subject string, handler func(msg *Message)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[subject] = append(b.handlers[subject], handler)
	return nil
}

// QueueSubscribe behaves like Subscribe; there is a single in-process consumer.
func (b *MemoryBus) QueueSubscribe(subject, _ string, handler func(msg *Message)) error {
	return b.Subscribe(subject, handler)
}

func (b *MemoryBus) Close() error { return nil }

// Published returns the subjects published so far, in order.
func (b *MemoryBus) Published() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.published))
	for _, m := range b.published {
		out = append(out, m.Subject)
	}
	return out
}

// Event subjects
const (
	DraftRetired = "draft.retired"

	ReservationCreated   = "reservation.created"
	ReservationConfirmed = "reservation.confirmed"
	ReservationCancelled = "reservation.cancelled"
	ReservationExpired   = "reservation.expired"

	VerificationSent            = "verification.sent"
	ManualConfirmationRequested = "reservation.manual_confirmation"
)

// Event payloads
type DraftEvent struct {
	SessionID string    `json:"session_id"`
	DraftID   int64     `json:"draft_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

type ReservationCreatedEvent struct {
	ReservationID int64     `json:"reservation_id"`
	ClientEmail   string    `json:"client_email"`
	ClientName    string    `json:"client_name"`
	ServiceID     int64     `json:"service_id"`
	Date          string    `json:"date"`
	StartTime     string    `json:"start_time"`
	PriceCents    int64     `json:"price_cents"`
	FromSession   bool      `json:"from_session"`
	CreatedAt     time.Time `json:"created_at"`
}

type ReservationConfirmedEvent struct {
	ReservationID int64     `json:"reservation_id"`
	Method        string    `json:"method"`
	ConfirmedAt   time.Time `json:"confirmed_at"`
}

type ReservationCancelledEvent struct {
	ReservationID int64     `json:"reservation_id"`
	ClientEmail   string    `json:"client_email"`
	Reason        string    `json:"reason"`
	CancelledAt   time.Time `json:"cancelled_at"`
}

type ReservationExpiredEvent struct {
	ReservationID int64     `json:"reservation_id"`
	ExpiredAt     time.Time `json:"expired_at"`
}

type VerificationSentEvent struct {
	ReservationID int64     `json:"reservation_id"`
	ChallengeID   int64     `json:"challenge_id"`
	Resend        bool      `json:"resend"`
	Delivered     bool      `json:"delivered"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type ManualConfirmationEvent struct {
	ReservationID int64     `json:"reservation_id"`
	ClientName    string    `json:"client_name"`
	ClientPhone   string    `json:"client_phone"`
	ClientEmail   string    `json:"client_email"`
	RemoteAddr    string    `json:"remote_addr,omitempty"`
	RequestedAt   time.Time `json:"requested_at"`
}
