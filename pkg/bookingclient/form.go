package bookingclient

import (
	"context"
	"errors"
	"sync"

	"github.com/diagnosis/salon-bookings/pkg/clock"
	"github.com/diagnosis/salon-bookings/pkg/logger"
)

// Form drives one booking visit: it resumes a stored draft, autosaves edits,
// and retires the session on submit or abandon.
type Form struct {
	mu        sync.Mutex
	client    *Client
	sessions  *SessionProvider
	clock     clock.Clock
	opts      []SchedulerOption
	sessionID string
	scheduler *Scheduler
	fields    DraftFields
}

func NewForm(client *Client, sessions *SessionProvider, clk clock.Clock, opts ...SchedulerOption) *Form {
	f := &Form{client: client, sessions: sessions, clock: clk, opts: opts}
	f.start()
	return f
}

// start binds the form to the current session. If the session scope is not
// usable the form keeps working without autosave.
func (f *Form) start() {
	id, err := f.sessions.GetOrCreateSessionID()
	if err != nil {
		logger.Warn("Session storage unavailable, autosave disabled", "error", err)
		f.sessionID = ""
		f.scheduler = nil
		return
	}
	f.sessionID = id
	f.scheduler = NewScheduler(f.client, f.clock, id, f.opts...)
}

func (f *Form) SessionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionID
}

// AutosaveEnabled is false when no session id could be established.
func (f *Form) AutosaveEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scheduler != nil
}

func (f *Form) Fields() DraftFields {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fields
}

// Resume loads the stored draft for this session into the form. A missing
// draft or a transient failure leaves the form empty.
func (f *Form) Resume(ctx context.Context) (bool, error) {
	f.mu.Lock()
	sessionID := f.sessionID
	f.mu.Unlock()
	if sessionID == "" {
		return false, nil
	}

	fields, found, err := f.client.GetDraft(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrTransient) {
			logger.Debug("Draft resume failed", "session_id", sessionID, "error", err)
			return false, nil
		}
		return false, err
	}
	if !found {
		return false, nil
	}

	f.mu.Lock()
	f.fields = fields
	f.mu.Unlock()
	return true, nil
}

func (f *Form) Update(fields DraftFields) {
	f.mu.Lock()
	f.fields = fields
	s := f.scheduler
	f.mu.Unlock()

	if s != nil {
		s.Update(fields)
	}
}

func (f *Form) SelectService(serviceID int64) {
	f.mu.Lock()
	f.fields.ServiceID = &serviceID
	fields := f.fields
	s := f.scheduler
	f.mu.Unlock()

	if s != nil {
		s.SelectService(fields)
	}
}

// Submit creates the reservation from the current form. Autosave stops first
// and any save already sent is waited for, so it cannot land after the
// reservation retires the draft. On success the session is rotated so the
// next booking starts clean. On failure autosave resumes so the user's edits
// are still kept.
func (f *Form) Submit(ctx context.Context, idempotencyKey string) (*Reservation, error) {
	f.mu.Lock()
	fields := f.fields
	sessionID := f.sessionID
	s := f.scheduler
	f.mu.Unlock()

	if s != nil {
		s.Stop()
		if err := s.Wait(ctx); err != nil {
			f.restartAutosave(s, sessionID)
			return nil, err
		}
	}

	req := RequestFromDraft(fields)
	if sessionID != "" {
		req.SessionID = &sessionID
	}

	res, err := f.client.CreateReservation(ctx, req, idempotencyKey)
	if err != nil {
		f.restartAutosave(s, sessionID)
		return nil, err
	}

	f.rotate()
	return res, nil
}

func (f *Form) restartAutosave(stopped *Scheduler, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if stopped != nil && f.scheduler == stopped {
		f.scheduler = NewScheduler(f.client, f.clock, sessionID, f.opts...)
	}
}

// Abandon deletes the stored draft and rotates the session.
func (f *Form) Abandon(ctx context.Context) error {
	f.mu.Lock()
	sessionID := f.sessionID
	s := f.scheduler
	f.mu.Unlock()

	if s != nil {
		s.Stop()
		if err := s.Wait(ctx); err != nil {
			return err
		}
	}
	if sessionID != "" {
		if err := f.client.DeleteDraft(ctx, sessionID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}

	f.rotate()
	return nil
}

func (f *Form) rotate() {
	if err := f.sessions.Reset(); err != nil {
		logger.Warn("Failed to reset booking session", "error", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.fields = DraftFields{}
	f.start()
}
