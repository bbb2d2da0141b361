package bookingclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/diagnosis/salon-bookings/pkg/clock"
)

func newTestForm(t *testing.T, store SessionStore) (*fakeAPI, *Form, *clock.Fake) {
	t.Helper()
	api, c := newFakeAPI(t)
	clk := clock.NewFake(time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC))
	return api, NewForm(c, NewSessionProvider(store, clk), clk), clk
}

func draftCount(api *fakeAPI) int {
	api.mu.Lock()
	defer api.mu.Unlock()
	return len(api.drafts)
}

func TestForm_AutosaveAndResume(t *testing.T) {
	store := NewMemorySessionStore()
	api, form, clk := newTestForm(t, store)

	form.Update(DraftFields{FirstName: "Alice"})
	clk.Advance(DefaultQuietPeriod)
	if draftCount(api) != 0 {
		t.Fatal("draft without phone must not be stored")
	}

	form.Update(DraftFields{FirstName: "Alice", Phone: "12345678"})
	clk.Advance(DefaultQuietPeriod)
	if draftCount(api) != 1 {
		t.Fatalf("expected a stored draft, got %d", draftCount(api))
	}

	// a reload in the same visit sees the same session and draft
	c := form.client
	again := NewForm(c, NewSessionProvider(store, clk), clk)
	if again.SessionID() != form.SessionID() {
		t.Fatal("expected the same session after reload")
	}
	found, err := again.Resume(context.Background())
	if err != nil || !found {
		t.Fatalf("expected resume, found=%v err=%v", found, err)
	}
	if again.Fields().FirstName != "Alice" {
		t.Fatalf("unexpected resumed fields %+v", again.Fields())
	}
}

func TestForm_SelectServiceSavesImmediately(t *testing.T) {
	api, form, _ := newTestForm(t, NewMemorySessionStore())

	form.Update(DraftFields{Phone: "12345678"})
	form.SelectService(3)

	api.mu.Lock()
	d, ok := api.drafts[form.SessionID()]
	api.mu.Unlock()
	if !ok || d.ServiceID == nil || *d.ServiceID != 3 {
		t.Fatalf("expected immediate draft with service 3, got %+v", d)
	}
}

func TestForm_SubmitRotatesSession(t *testing.T) {
	api, form, clk := newTestForm(t, NewMemorySessionStore())
	ctx := context.Background()

	first := form.SessionID()
	form.Update(DraftFields{FirstName: "Alice", LastName: "Martin", Email: "alice@example.com", Phone: "12345678"})
	clk.Advance(DefaultQuietPeriod)

	form.Update(DraftFields{FirstName: "Alice", LastName: "Martin", Email: "alice@example.com", Phone: "12345678", Notes: "late edit"})
	res, err := form.Submit(ctx, "key-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.SessionID == nil || *res.SessionID != first {
		t.Fatalf("expected reservation tied to %q, got %v", first, res.SessionID)
	}

	// the pending late-edit save was cancelled, so the retired draft stays gone
	clk.Advance(time.Minute)
	if draftCount(api) != 0 {
		t.Fatalf("expected the draft retired, got %d", draftCount(api))
	}

	if form.SessionID() == first || form.SessionID() == "" {
		t.Fatalf("expected a fresh session, got %q", form.SessionID())
	}
	if form.Fields() != (DraftFields{}) {
		t.Fatalf("expected a clean form, got %+v", form.Fields())
	}
}

func TestForm_SubmitWaitsForSaveOnTheWire(t *testing.T) {
	api, form, _ := newTestForm(t, NewMemorySessionStore())
	hold, started := make(chan struct{}), make(chan struct{}, 1)
	api.mu.Lock()
	api.holdPut, api.putStarted = hold, started
	api.mu.Unlock()

	form.Update(DraftFields{FirstName: "Alice", LastName: "Martin", Email: "alice@example.com", Phone: "12345678"})
	saved := make(chan struct{})
	go func() {
		defer close(saved)
		form.SelectService(1)
	}()
	<-started

	submitted := make(chan error, 1)
	go func() {
		_, err := form.Submit(context.Background(), "key-wire")
		submitted <- err
	}()

	select {
	case err := <-submitted:
		t.Fatalf("submit returned before the draft save finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	api.mu.Lock()
	early := len(api.created)
	api.mu.Unlock()
	if early != 0 {
		t.Fatal("reservation posted while a draft save was still on the wire")
	}

	close(hold)
	<-saved
	if err := <-submitted; err != nil {
		t.Fatalf("submit: %v", err)
	}
	if draftCount(api) != 0 {
		t.Fatalf("draft must not outlive the reservation, got %d", draftCount(api))
	}
}

func TestForm_FailedSubmitKeepsAutosave(t *testing.T) {
	api, form, clk := newTestForm(t, NewMemorySessionStore())
	api.failCreate = 1

	sid := form.SessionID()
	form.Update(DraftFields{FirstName: "Alice", Phone: "12345678"})
	if _, err := form.Submit(context.Background(), ""); !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient failure, got %v", err)
	}
	if form.SessionID() != sid {
		t.Fatal("failed submit must keep the session")
	}

	form.Update(DraftFields{FirstName: "Alicia", Phone: "12345678"})
	clk.Advance(DefaultQuietPeriod)

	api.mu.Lock()
	d := api.drafts[sid]
	api.mu.Unlock()
	if d.FirstName != "Alicia" {
		t.Fatalf("expected autosave after failed submit, got %+v", d)
	}
}

func TestForm_AbandonDeletesDraft(t *testing.T) {
	api, form, clk := newTestForm(t, NewMemorySessionStore())

	first := form.SessionID()
	form.Update(DraftFields{Phone: "12345678"})
	clk.Advance(DefaultQuietPeriod)
	if draftCount(api) != 1 {
		t.Fatal("expected a stored draft")
	}

	if err := form.Abandon(context.Background()); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if draftCount(api) != 0 {
		t.Fatal("expected draft deleted")
	}
	if form.SessionID() == first {
		t.Fatal("expected a fresh session after abandon")
	}
}

func TestForm_NoSessionStorageDisablesAutosave(t *testing.T) {
	api, form, clk := newTestForm(t, brokenStore{})

	if form.AutosaveEnabled() {
		t.Fatal("autosave should be disabled")
	}
	form.Update(DraftFields{FirstName: "Alice", Phone: "12345678"})
	form.SelectService(1)
	clk.Advance(time.Minute)
	if draftCount(api) != 0 {
		t.Fatal("no session, no drafts")
	}

	found, err := form.Resume(context.Background())
	if err != nil || found {
		t.Fatalf("expected nothing to resume, found=%v err=%v", found, err)
	}

	res, err := form.Submit(context.Background(), "")
	if err != nil {
		t.Fatalf("submit should still work: %v", err)
	}
	if res.SessionID != nil {
		t.Fatalf("expected no session id on the reservation, got %v", *res.SessionID)
	}
}

func TestForm_ResumeSwallowsTransientErrors(t *testing.T) {
	api, form, _ := newTestForm(t, NewMemorySessionStore())
	api.failDraftGet = true

	found, err := form.Resume(context.Background())
	if err != nil || found {
		t.Fatalf("expected silent miss, found=%v err=%v", found, err)
	}
}
