package bookingclient

import (
	"context"
	"sync"
	"time"

	"github.com/diagnosis/salon-bookings/pkg/clock"
	"github.com/diagnosis/salon-bookings/pkg/logger"
)

const (
	DefaultQuietPeriod = 1500 * time.Millisecond
	defaultSaveTimeout = 10 * time.Second
)

type SaveStatus int

const (
	StatusIdle SaveStatus = iota
	StatusPending
	StatusSaving
	StatusSaved
	StatusSkipped
	StatusFailed
)

func (s SaveStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSaving:
		return "saving"
	case StatusSaved:
		return "saved"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Saver persists one draft snapshot. *Client satisfies it.
type Saver interface {
	SaveDraft(ctx context.Context, sessionID string, fields DraftFields) (SaveResult, error)
}

type SchedulerOption func(*Scheduler)

func WithQuietPeriod(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.quiet = d }
}

// WithStatusFunc registers a callback for status changes. It runs outside the
// scheduler lock and may call back into the scheduler.
func WithStatusFunc(fn func(SaveStatus)) SchedulerOption {
	return func(s *Scheduler) { s.onStatus = fn }
}

func WithSaveTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.saveTimeout = d }
}

// Scheduler debounces draft saves: a burst of edits collapses into one save of
// the latest snapshot once the form has been quiet for the quiet period. At
// most one save is in flight per scheduler.
type Scheduler struct {
	mu          sync.Mutex
	saver       Saver
	clock       clock.Clock
	sessionID   string
	quiet       time.Duration
	saveTimeout time.Duration
	onStatus    func(SaveStatus)

	latest   DraftFields
	dirty    bool
	timer    clock.Timer
	inFlight bool
	idle     chan struct{} // closed when the in-flight save returns
	stopped  bool
	status   SaveStatus
	lastErr  error
}

func NewScheduler(saver Saver, clk clock.Clock, sessionID string, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		saver:       saver,
		clock:       clk,
		sessionID:   sessionID,
		quiet:       DefaultQuietPeriod,
		saveTimeout: defaultSaveTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Update records the latest form snapshot and restarts the quiet period.
func (s *Scheduler) Update(fields DraftFields) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.latest = fields
	s.dirty = true
	s.armLocked()
	s.mu.Unlock()

	s.notify(StatusPending)
}

// SelectService saves right away once a phone is known; picking a service is a
// deliberate choice worth persisting without waiting. Without a phone it
// behaves like Update.
func (s *Scheduler) SelectService(fields DraftFields) {
	if !fields.HasPhone() {
		s.Update(fields)
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.latest = fields
	s.dirty = true
	s.cancelTimerLocked()
	if s.inFlight {
		// The running save picks the snapshot up when it finishes.
		s.armLocked()
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.fire()
}

// Flush saves a pending snapshot now and waits for it.
func (s *Scheduler) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped || !s.dirty || s.inFlight {
		s.mu.Unlock()
		return nil
	}
	s.cancelTimerLocked()
	snapshot := s.latest
	s.dirty = false
	s.beginSaveLocked()
	s.mu.Unlock()

	return s.save(ctx, snapshot)
}

// Stop cancels any pending save. A save already on the wire keeps running;
// callers that retire the draft follow up with Wait.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.dirty = false
	s.cancelTimerLocked()
}

// Wait blocks until no save is in flight or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	busy := s.inFlight
	s.mu.Unlock()
	if !busy {
		return nil
	}

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) Status() SaveStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastError is the error of the most recent failed save, if any.
func (s *Scheduler) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Scheduler) armLocked() {
	s.cancelTimerLocked()
	s.timer = s.clock.AfterFunc(s.quiet, s.fire)
}

func (s *Scheduler) beginSaveLocked() {
	s.inFlight = true
	s.idle = make(chan struct{})
}

func (s *Scheduler) cancelTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	if s.stopped || !s.dirty {
		s.mu.Unlock()
		return
	}
	if s.inFlight {
		s.armLocked()
		s.mu.Unlock()
		return
	}
	s.timer = nil
	snapshot := s.latest
	s.dirty = false
	s.beginSaveLocked()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.saveTimeout)
	defer cancel()
	_ = s.save(ctx, snapshot)
}

func (s *Scheduler) save(ctx context.Context, snapshot DraftFields) error {
	var (
		result SaveResult
		err    error
		status SaveStatus
	)

	if !snapshot.HasPhone() {
		status = StatusSkipped
	} else {
		s.notify(StatusSaving)
		result, err = s.saver.SaveDraft(ctx, s.sessionID, snapshot)
		switch {
		case err != nil:
			status = StatusFailed
			logger.Debug("Draft autosave failed", "session_id", s.sessionID, "error", err)
		case result.Saved:
			status = StatusSaved
		default:
			status = StatusSkipped
		}
	}

	s.mu.Lock()
	s.inFlight = false
	s.lastErr = err
	close(s.idle)
	s.mu.Unlock()

	s.notify(status)
	return err
}

func (s *Scheduler) notify(status SaveStatus) {
	s.mu.Lock()
	s.status = status
	fn := s.onStatus
	s.mu.Unlock()

	if fn != nil {
		fn(status)
	}
}
