package bookingclient

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/diagnosis/salon-bookings/pkg/clock"
	"github.com/google/uuid"
)

const sessionKey = "salon_booking_session"

// ErrSessionUnavailable means the session scope cannot be read or written.
// Callers run without autosave for the rest of the visit.
var ErrSessionUnavailable = errors.New("session storage unavailable")

// SessionStore is a storage scope that lives as long as one visit (tab
// storage, a session cookie, a server-issued token).
type SessionStore interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Clear(key string) error
}

type MemorySessionStore struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{values: make(map[string]string)}
}

func (s *MemorySessionStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *MemorySessionStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemorySessionStore) Clear(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

type SessionProvider struct {
	mu    sync.Mutex
	store SessionStore
	clock clock.Clock
}

func NewSessionProvider(store SessionStore, clk clock.Clock) *SessionProvider {
	return &SessionProvider{store: store, clock: clk}
}

// GetOrCreateSessionID returns the id of the current visit, minting it on
// first use. No network I/O happens here.
func (p *SessionProvider) GetOrCreateSessionID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id, ok, err := p.store.Get(sessionKey); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	} else if ok && id != "" {
		return id, nil
	}

	id := newSessionID(p.clock)
	if err := p.store.Set(sessionKey, id); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	return id, nil
}

// Reset forgets the current id; the next call mints a fresh one.
func (p *SessionProvider) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.store.Clear(sessionKey); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	return nil
}

// newSessionID is sess_<unix ms base36>_<uuid v4 hex>: 122 random bits.
func newSessionID(clk clock.Clock) string {
	ts := strconv.FormatInt(clk.Now().UnixMilli(), 36)
	return "sess_" + ts + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
