package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/diagnosis/salon-bookings/pkg/clock"
	"github.com/diagnosis/salon-bookings/pkg/config"
	"github.com/diagnosis/salon-bookings/pkg/events"
	"github.com/diagnosis/salon-bookings/pkg/logger"
	"github.com/diagnosis/salon-bookings/services/reservations/internal/domain"
	"github.com/diagnosis/salon-bookings/services/reservations/internal/mailer"
	"github.com/diagnosis/salon-bookings/services/reservations/internal/repository/memory"
	"golang.org/x/crypto/bcrypt"
)

func TestMain(m *testing.M) {
	logger.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	os.Exit(m.Run())
}

var testStart = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	clk          *clock.Fake
	cfg          *config.Config
	drafts       *memory.DraftRepository
	reservations *memory.ReservationRepository
	challenges   *memory.ChallengeRepository
	bus          *events.MemoryBus
	mail         *mailer.DevMailer

	draftSvc DraftService
	resSvc   ReservationService
	confSvc  ConfirmationService
}

func testConfig() *config.Config {
	return &config.Config{
		Booking: config.BookingConfig{
			TimeZone:        "UTC",
			ChallengeTTL:    24 * time.Hour,
			PendingTTL:      72 * time.Hour,
			DraftRetention:  30 * 24 * time.Hour,
			IdempotencyTTL:  24 * time.Hour,
			PublicBaseURL:   "https://salon.test",
			ResendMax:       5,
			RateLimitWindow: time.Hour,
		},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		clk:        clock.NewFake(testStart),
		cfg:        testConfig(),
		challenges: memory.NewChallengeRepository(),
		bus:        events.NewMemoryBus(),
		mail:       mailer.NewDevMailer(),
	}
	h.drafts = memory.NewDraftRepository(h.clk)
	h.reservations = memory.NewReservationRepository(h.clk)

	catalog := memory.NewCatalogRepository(
		domain.Service{ID: 1, Name: "Hammam", PriceCents: 25000, DurationMin: 60, Active: true},
		domain.Service{ID: 2, Name: "Gommage", PriceCents: 15000, DurationMin: 30, Active: false},
	)
	return h.build(catalog, h.mail)
}

func (h *harness) build(catalog *memory.CatalogRepository, m mailer.Service) *harness {
	conf := NewConfirmationService(h.reservations, h.challenges, h.drafts, catalog,
		memory.NewRateLimitRepository(h.clk), m, h.bus, h.clk, h.cfg)
	conf.(*confirmationService).codeCost = bcrypt.MinCost

	h.confSvc = conf
	h.draftSvc = NewDraftService(h.drafts, h.reservations, h.clk, h.cfg)
	h.resSvc = NewReservationService(h.reservations, h.drafts, catalog,
		memory.NewIdempotencyRepository(h.clk, h.cfg.Booking.IdempotencyTTL), conf, h.bus, h.clk, h.cfg)
	return h
}

func validRequest(sessionID string) *domain.ReservationRequest {
	req := &domain.ReservationRequest{
		FirstName: "Ben",
		LastName:  "Amrani",
		Email:     "Ben@Example.com",
		Phone:     "12345678",
		ServiceID: 1,
		Date:      "2026-10-10",
		StartTime: "10:30",
		Notes:     "première visite",
	}
	if sessionID != "" {
		req.SessionID = &sessionID
	}
	return req
}

func (h *harness) create(t *testing.T, sessionID string) *domain.Reservation {
	t.Helper()
	res, err := h.resSvc.CreateReservation(context.Background(), validRequest(sessionID), "")
	if err != nil {
		t.Fatalf("create reservation: %v", err)
	}
	return res
}

func (h *harness) lastCode(t *testing.T) string {
	t.Helper()
	msg, ok := h.mail.Last()
	if !ok {
		t.Fatal("no verification email sent")
	}
	return msg.Code
}

func (h *harness) lastLinkToken(t *testing.T) string {
	t.Helper()
	msg, ok := h.mail.Last()
	if !ok {
		t.Fatal("no verification email sent")
	}
	u, err := url.Parse(msg.VerifyURL)
	if err != nil {
		t.Fatalf("parse verify url: %v", err)
	}
	return u.Query().Get("token")
}

func (h *harness) status(t *testing.T, id int64) domain.ReservationStatus {
	t.Helper()
	res, err := h.reservations.GetByID(context.Background(), id)
	if err != nil || res == nil {
		t.Fatalf("reservation %d not found: %v", id, err)
	}
	return res.Status
}

func wrongCode(code string) string {
	if code == "000000" {
		return "000001"
	}
	return "000000"
}

func TestUpsertDraft_PhoneGate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sid := "sess_gate"

	for _, phone := range []string{"", "   ", "\t\n"} {
		res, err := h.draftSvc.UpsertDraft(ctx, sid, domain.DraftFields{Phone: phone, LastName: "Ben", Email: "b@x.io"})
		if err != nil {
			t.Fatalf("phone %q: unexpected error %v", phone, err)
		}
		if !res.Skipped || res.Draft != nil {
			t.Fatalf("phone %q: expected skip, got %+v", phone, res)
		}
	}
	if h.drafts.Len() != 0 {
		t.Fatalf("gate skip must not write, got %d drafts", h.drafts.Len())
	}

	// An existing draft is not modified by a gated save either.
	if _, err := h.draftSvc.UpsertDraft(ctx, sid, domain.DraftFields{Phone: "0611", LastName: "Ben"}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.draftSvc.UpsertDraft(ctx, sid, domain.DraftFields{Phone: " ", LastName: "Changed"}); err != nil {
		t.Fatal(err)
	}
	d, err := h.draftSvc.GetDraft(ctx, sid)
	if err != nil {
		t.Fatal(err)
	}
	if d.Fields.LastName != "Ben" {
		t.Fatalf("gated save modified draft: %+v", d.Fields)
	}
}

func TestUpsertDraft_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	svcID := int64(1)
	fields := domain.DraftFields{FirstName: "Sara", LastName: "Ben", Phone: "0611", ServiceID: &svcID, Date: "2026-10-10", Time: "10:30"}

	first, err := h.draftSvc.UpsertDraft(ctx, "sess_idem", fields)
	if err != nil {
		t.Fatal(err)
	}
	h.clk.Advance(time.Second)
	second, err := h.draftSvc.UpsertDraft(ctx, "sess_idem", fields)
	if err != nil {
		t.Fatal(err)
	}

	if first.Draft.ID != second.Draft.ID {
		t.Fatalf("upsert must not create a second draft: %d vs %d", first.Draft.ID, second.Draft.ID)
	}
	if !reflect.DeepEqual(first.Draft.Fields, second.Draft.Fields) {
		t.Fatalf("stored fields differ: %+v vs %+v", first.Draft.Fields, second.Draft.Fields)
	}
	if h.drafts.Len() != 1 {
		t.Fatalf("expected 1 draft, got %d", h.drafts.Len())
	}
}

func TestUpsertDraft_LastWriteWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, _ = h.draftSvc.UpsertDraft(ctx, "sess_lww", domain.DraftFields{Phone: "0611", Notes: "first"})
	_, _ = h.draftSvc.UpsertDraft(ctx, "sess_lww", domain.DraftFields{Phone: "0611", Notes: "second"})

	d, err := h.draftSvc.GetDraft(ctx, "sess_lww")
	if err != nil {
		t.Fatal(err)
	}
	if d.Fields.Notes != "second" {
		t.Fatalf("expected last write to win, got %q", d.Fields.Notes)
	}
}

func TestDraft_NotFoundAndIdempotentDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.draftSvc.GetDraft(ctx, "sess_none"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := h.draftSvc.DeleteDraft(ctx, "sess_none"); err != nil {
		t.Fatalf("deleting a missing draft must succeed, got %v", err)
	}
	if err := h.draftSvc.DeleteDraft(ctx, "sess_none"); err != nil {
		t.Fatalf("second delete must succeed, got %v", err)
	}

	var verr *domain.ValidationError
	if _, err := h.draftSvc.UpsertDraft(ctx, "  ", domain.DraftFields{Phone: "1"}); !errors.As(err, &verr) {
		t.Fatalf("blank session id should be a validation error, got %v", err)
	}
}

func TestPurgeStaleDrafts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, _ = h.draftSvc.UpsertDraft(ctx, "sess_old", domain.DraftFields{Phone: "0611"})
	h.clk.Advance(31 * 24 * time.Hour)
	_, _ = h.draftSvc.UpsertDraft(ctx, "sess_new", domain.DraftFields{Phone: "0622"})

	n, err := h.draftSvc.PurgeStale(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged draft, got %d", n)
	}
	if _, err := h.draftSvc.GetDraft(ctx, "sess_new"); err != nil {
		t.Fatalf("recent draft must survive: %v", err)
	}
}

func TestCreateReservation_RetiresDraft(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.draftSvc.UpsertDraft(ctx, "sess_1", domain.DraftFields{Phone: "12345678"}); err != nil {
		t.Fatal(err)
	}
	res := h.create(t, "sess_1")

	if res.Status != domain.StatusPendingVerification {
		t.Fatalf("expected pending_verification, got %s", res.Status)
	}
	if res.PriceCents != 25000 {
		t.Fatalf("expected price snapshot 25000, got %d", res.PriceCents)
	}
	if res.Email != "ben@example.com" {
		t.Fatalf("expected normalized email, got %q", res.Email)
	}
	if _, err := h.draftSvc.GetDraft(ctx, "sess_1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("draft must not outlive the reservation, got %v", err)
	}

	published := h.bus.Published()
	want := []string{events.DraftRetired, events.VerificationSent, events.ReservationCreated}
	if !reflect.DeepEqual(published, want) {
		t.Fatalf("published %v, want %v", published, want)
	}
}

func TestUpsertDraft_LateSaveAfterSubmitIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.draftSvc.UpsertDraft(ctx, "sess_late", domain.DraftFields{Phone: "12345678"}); err != nil {
		t.Fatal(err)
	}
	h.create(t, "sess_late")

	// An autosave that left the browser before submit lands afterwards.
	res, err := h.draftSvc.UpsertDraft(ctx, "sess_late", domain.DraftFields{Phone: "12345678", Notes: "late"})
	if err != nil {
		t.Fatalf("late save should be a no-op, got %v", err)
	}
	if !res.Skipped || res.Draft != nil {
		t.Fatalf("expected skip for a submitted session, got %+v", res)
	}
	if _, err := h.draftSvc.GetDraft(ctx, "sess_late"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("draft must not outlive the reservation, got %v", err)
	}

	// Other sessions keep saving.
	if res, err := h.draftSvc.UpsertDraft(ctx, "sess_other", domain.DraftFields{Phone: "0611"}); err != nil || res.Skipped {
		t.Fatalf("unrelated session should save, got %+v %v", res, err)
	}
}

type flakyDraftRepo struct {
	*memory.DraftRepository
	failures int
}

func (f *flakyDraftRepo) DeleteBySession(ctx context.Context, sessionID string) (bool, error) {
	if f.failures > 0 {
		f.failures--
		return false, errors.New("connection reset")
	}
	return f.DraftRepository.DeleteBySession(ctx, sessionID)
}

func TestCreateReservation_RetriesDraftDeletionOnce(t *testing.T) {
	h := newHarness(t)
	flaky := &flakyDraftRepo{DraftRepository: h.drafts, failures: 1}
	h.resSvc = NewReservationService(h.reservations, flaky, memory.NewCatalogRepository(
		domain.Service{ID: 1, Name: "Hammam", PriceCents: 25000, Active: true},
	), memory.NewIdempotencyRepository(h.clk, time.Hour), h.confSvc, h.bus, h.clk, h.cfg)

	ctx := context.Background()
	_, _ = h.draftSvc.UpsertDraft(ctx, "sess_flaky", domain.DraftFields{Phone: "0611"})
	h.create(t, "sess_flaky")

	if _, err := h.draftSvc.GetDraft(ctx, "sess_flaky"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("draft should be gone after retry, got %v", err)
	}
}

func TestCreateReservation_Validation(t *testing.T) {
	h := newHarness(t)

	req := &domain.ReservationRequest{
		FirstName: " ",
		Email:     "not-an-email",
		Phone:     "12",
		ServiceID: 2, // inactive
		Date:      "2026-09-30",
		StartTime: "10:00",
	}
	_, err := h.resSvc.CreateReservation(context.Background(), req, "")

	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	for _, field := range []string{"prenom", "nom", "email", "telephone", "service_id", "date"} {
		if _, ok := verr.Fields[field]; !ok {
			t.Errorf("expected %s to be reported, got %v", field, verr.Fields)
		}
	}

	list, _ := h.reservations.List(context.Background(), domain.ListFilter{})
	if len(list) != 0 {
		t.Fatalf("validation failure must not write, found %d reservations", len(list))
	}
	if len(h.mail.Sent()) != 0 {
		t.Fatal("validation failure must not send email")
	}
}

func TestCreateReservation_BadFormats(t *testing.T) {
	h := newHarness(t)
	req := validRequest("")
	req.Date = "10/10/2026"
	req.StartTime = "25h"
	req.ServiceID = 99

	_, err := h.resSvc.CreateReservation(context.Background(), req, "")
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	for _, field := range []string{"date", "heure", "service_id"} {
		if _, ok := verr.Fields[field]; !ok {
			t.Errorf("expected %s to be reported, got %v", field, verr.Fields)
		}
	}
}

func TestCreateReservation_IdempotencyKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.resSvc.CreateReservation(ctx, validRequest(""), "key-1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.resSvc.CreateReservation(ctx, validRequest(""), "key-1")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatalf("replayed key created a duplicate: %d vs %d", first.ID, second.ID)
	}
	if len(h.mail.Sent()) != 1 {
		t.Fatalf("replay must not send another email, sent %d", len(h.mail.Sent()))
	}
}

type failingMailer struct{}

func (failingMailer) SendVerificationEmail(context.Context, mailer.VerificationEmail) error {
	return errors.New("smtp unavailable")
}

func TestCreateReservation_EmailFailureKeepsReservation(t *testing.T) {
	h := newHarness(t)
	h.build(memory.NewCatalogRepository(domain.Service{ID: 1, Name: "Hammam", PriceCents: 25000, Active: true}), failingMailer{})

	res := h.create(t, "")
	if h.status(t, res.ID) != domain.StatusPendingVerification {
		t.Fatal("reservation must survive an email failure")
	}

	confirmed, err := h.confSvc.AttemptConfirmation(context.Background(), domain.ConfirmationAttempt{
		Method: domain.MethodManual, ReservationID: res.ID, ClientKey: "10.0.0.1",
	})
	if err != nil {
		t.Fatalf("manual path must stay available: %v", err)
	}
	if confirmed.Status != domain.StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", confirmed.Status)
	}
}

func TestResend_SupersedesPreviousChallenge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.create(t, "")

	oldCode := h.lastCode(t)
	oldToken := h.lastLinkToken(t)

	if err := h.confSvc.SendVerification(ctx, res.ID, "10.0.0.1"); err != nil {
		t.Fatalf("resend: %v", err)
	}
	newCode := h.lastCode(t)

	_, err := h.confSvc.AttemptConfirmation(ctx, domain.ConfirmationAttempt{Method: domain.MethodLink, LinkToken: oldToken})
	if !errors.Is(err, domain.ErrChallengeMismatch) {
		t.Fatalf("stale link must be a mismatch, got %v", err)
	}
	if oldCode != newCode {
		_, err = h.confSvc.AttemptConfirmation(ctx, domain.ConfirmationAttempt{Method: domain.MethodCode, ReservationID: res.ID, Code: oldCode})
		if !errors.Is(err, domain.ErrChallengeMismatch) {
			t.Fatalf("stale code must be a mismatch, got %v", err)
		}
	}
	if h.status(t, res.ID) != domain.StatusPendingVerification {
		t.Fatal("failed attempts must not change status")
	}

	confirmed, err := h.confSvc.AttemptConfirmation(ctx, domain.ConfirmationAttempt{Method: domain.MethodCode, ReservationID: res.ID, Code: newCode})
	if err != nil {
		t.Fatalf("new code must verify: %v", err)
	}
	if confirmed.Status != domain.StatusConfirmed || *confirmed.ConfirmationMethod != domain.MethodCode {
		t.Fatalf("unexpected reservation after confirm: %+v", confirmed)
	}
}

func TestResend_NewLinkVerifies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.create(t, "")

	if err := h.confSvc.SendVerification(ctx, res.ID, ""); err != nil {
		t.Fatal(err)
	}
	confirmed, err := h.confSvc.AttemptConfirmation(ctx, domain.ConfirmationAttempt{Method: domain.MethodLink, LinkToken: h.lastLinkToken(t)})
	if err != nil {
		t.Fatalf("fresh link must verify: %v", err)
	}
	if confirmed.ID != res.ID || confirmed.Status != domain.StatusConfirmed {
		t.Fatalf("unexpected reservation %+v", confirmed)
	}
}

func TestVerify_ExpiredChallenge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.create(t, "")
	code := h.lastCode(t)
	token := h.lastLinkToken(t)

	h.clk.Advance(24*time.Hour + time.Second)

	_, err := h.confSvc.AttemptConfirmation(ctx, domain.ConfirmationAttempt{Method: domain.MethodCode, ReservationID: res.ID, Code: code})
	if !errors.Is(err, domain.ErrChallengeExpired) || !errors.Is(err, domain.ErrChallengeMismatch) {
		t.Fatalf("expected expired mismatch for code, got %v", err)
	}
	_, err = h.confSvc.AttemptConfirmation(ctx, domain.ConfirmationAttempt{Method: domain.MethodLink, LinkToken: token})
	if !errors.Is(err, domain.ErrChallengeExpired) {
		t.Fatalf("expected expired mismatch for link, got %v", err)
	}
	if h.status(t, res.ID) != domain.StatusPendingVerification {
		t.Fatal("challenge expiry alone must not expire the reservation")
	}

	// A resend recovers the flow.
	if err := h.confSvc.SendVerification(ctx, res.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := h.confSvc.AttemptConfirmation(ctx, domain.ConfirmationAttempt{Method: domain.MethodCode, ReservationID: res.ID, Code: h.lastCode(t)}); err != nil {
		t.Fatalf("code after resend must verify: %v", err)
	}
}

func TestVerify_TerminalStateConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.create(t, "")
	code := h.lastCode(t)
	token := h.lastLinkToken(t)

	if _, err := h.confSvc.AttemptConfirmation(ctx, domain.ConfirmationAttempt{Method: domain.MethodCode, ReservationID: res.ID, Code: code}); err != nil {
		t.Fatal(err)
	}
	before, _ := h.reservations.GetByID(ctx, res.ID)

	attempts := []domain.ConfirmationAttempt{
		{Method: domain.MethodCode, ReservationID: res.ID, Code: code},
		{Method: domain.MethodLink, LinkToken: token},
		{Method: domain.MethodManual, ReservationID: res.ID},
	}
	for _, a := range attempts {
		_, err := h.confSvc.AttemptConfirmation(ctx, a)
		if !errors.Is(err, domain.ErrStateConflict) {
			t.Fatalf("%s on confirmed reservation: expected ErrStateConflict, got %v", a.Method, err)
		}
	}

	after, _ := h.reservations.GetByID(ctx, res.ID)
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("reservation changed after rejected attempts:\n%+v\n%+v", before, after)
	}
}

type flakyReservationRepo struct {
	*memory.ReservationRepository
	failures int
}

func (f *flakyReservationRepo) UpdateStatus(ctx context.Context, id int64, from, to domain.ReservationStatus, method *domain.ConfirmationMethod, at time.Time) (bool, error) {
	if f.failures > 0 {
		f.failures--
		return false, errors.New("connection reset")
	}
	return f.ReservationRepository.UpdateStatus(ctx, id, from, to, method, at)
}

func TestVerify_StorageFailureKeepsCodeUsable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.create(t, "")
	code := h.lastCode(t)

	flaky := &flakyReservationRepo{ReservationRepository: h.reservations, failures: 1}
	conf := NewConfirmationService(flaky, h.challenges, h.drafts, memory.NewCatalogRepository(),
		memory.NewRateLimitRepository(h.clk), h.mail, h.bus, h.clk, h.cfg)

	attempt := domain.ConfirmationAttempt{Method: domain.MethodCode, ReservationID: res.ID, Code: code}
	if _, err := conf.AttemptConfirmation(ctx, attempt); err == nil || errors.Is(err, domain.ErrChallengeMismatch) {
		t.Fatalf("expected a storage error, got %v", err)
	}
	if got := h.status(t, res.ID); got != domain.StatusPendingVerification {
		t.Fatalf("expected pending after failed write, got %s", got)
	}

	confirmed, err := conf.AttemptConfirmation(ctx, attempt)
	if err != nil {
		t.Fatalf("retry with the same code should confirm, got %v", err)
	}
	if confirmed.Status != domain.StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", confirmed.Status)
	}
}

func TestVerify_MalformedCode(t *testing.T) {
	h := newHarness(t)
	res := h.create(t, "")

	for _, code := range []string{"", "12345", "1234567", "12a456", "١٢٣٤٥٦"} {
		_, err := h.confSvc.AttemptConfirmation(context.Background(), domain.ConfirmationAttempt{Method: domain.MethodCode, ReservationID: res.ID, Code: code})
		var verr *domain.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("code %q: expected ValidationError, got %v", code, err)
		}
	}
}

func TestVerify_WrongCodeLocksChallenge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.create(t, "")
	code := h.lastCode(t)
	bad := wrongCode(code)

	var err error
	for i := 0; i < domain.MaxVerificationAttempts; i++ {
		_, err = h.confSvc.AttemptConfirmation(ctx, domain.ConfirmationAttempt{Method: domain.MethodCode, ReservationID: res.ID, Code: bad})
		if !errors.Is(err, domain.ErrChallengeMismatch) {
			t.Fatalf("attempt %d: expected mismatch, got %v", i+1, err)
		}
	}
	if !errors.Is(err, domain.ErrChallengeLocked) {
		t.Fatalf("last wrong attempt should lock, got %v", err)
	}

	_, err = h.confSvc.AttemptConfirmation(ctx, domain.ConfirmationAttempt{Method: domain.MethodCode, ReservationID: res.ID, Code: code})
	if !errors.Is(err, domain.ErrChallengeLocked) {
		t.Fatalf("correct code on locked challenge must fail, got %v", err)
	}
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sid := "sess_happy"

	saved, err := h.draftSvc.UpsertDraft(ctx, sid, domain.DraftFields{Phone: "12345678", LastName: "Ben"})
	if err != nil || saved.Skipped {
		t.Fatalf("save draft: %+v %v", saved, err)
	}
	d, err := h.draftSvc.GetDraft(ctx, sid)
	if err != nil {
		t.Fatal(err)
	}
	if d.Fields.LastName != "Ben" || d.Fields.Phone != "12345678" {
		t.Fatalf("unexpected draft %+v", d.Fields)
	}

	res := h.create(t, sid)
	if res.Status != domain.StatusPendingVerification {
		t.Fatalf("expected pending_verification, got %s", res.Status)
	}
	if _, err := h.draftSvc.GetDraft(ctx, sid); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected draft gone, got %v", err)
	}

	confirmed, err := h.confSvc.AttemptConfirmation(ctx, domain.ConfirmationAttempt{Method: domain.MethodCode, ReservationID: res.ID, Code: h.lastCode(t)})
	if err != nil {
		t.Fatal(err)
	}
	if confirmed.Status != domain.StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", confirmed.Status)
	}
}

func TestAbandonedEmptyDraft(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.draftSvc.UpsertDraft(ctx, "sess_empty", domain.DraftFields{Phone: ""})
	if err != nil || !res.Skipped {
		t.Fatalf("expected no-op, got %+v %v", res, err)
	}
	if _, err := h.draftSvc.GetDraft(ctx, "sess_empty"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestManualFallback(t *testing.T) {
	h := newHarness(t)
	res := h.create(t, "")

	confirmed, err := h.confSvc.AttemptConfirmation(context.Background(), domain.ConfirmationAttempt{
		Method: domain.MethodManual, ReservationID: res.ID, ClientKey: "10.0.0.9",
	})
	if err != nil {
		t.Fatal(err)
	}
	if confirmed.Status != domain.StatusConfirmed || *confirmed.ConfirmationMethod != domain.MethodManual {
		t.Fatalf("unexpected reservation %+v", confirmed)
	}

	var manual bool
	for _, subj := range h.bus.Published() {
		if subj == events.ManualConfirmationRequested {
			manual = true
		}
	}
	if !manual {
		t.Fatal("manual confirmation must be published for staff follow-up")
	}
}

func TestManualConfirmation_NeverRateLimited(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A busy salon front desk shares one address; every client still confirms.
	for i := 0; i < 10; i++ {
		res := h.create(t, "")
		confirmed, err := h.confSvc.AttemptConfirmation(ctx, domain.ConfirmationAttempt{
			Method: domain.MethodManual, ReservationID: res.ID, ClientKey: "203.0.113.7",
		})
		if err != nil {
			t.Fatalf("manual confirmation %d: %v", i+1, err)
		}
		if confirmed.Status != domain.StatusConfirmed {
			t.Fatalf("manual confirmation %d: status %s", i+1, confirmed.Status)
		}
	}

	var followUps int
	for _, subj := range h.bus.Published() {
		if subj == events.ManualConfirmationRequested {
			followUps++
		}
	}
	if followUps != 10 {
		t.Fatalf("expected 10 staff follow-up events, got %d", followUps)
	}
}

func TestReservationExpiresLazily(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.create(t, "")

	h.clk.Advance(72 * time.Hour)

	_, err := h.confSvc.AttemptConfirmation(ctx, domain.ConfirmationAttempt{Method: domain.MethodManual, ReservationID: res.ID})
	if !errors.Is(err, domain.ErrStateConflict) {
		t.Fatalf("expected state conflict after verify-by deadline, got %v", err)
	}
	if h.status(t, res.ID) != domain.StatusExpired {
		t.Fatalf("expected expired, got %s", h.status(t, res.ID))
	}
	if err := h.confSvc.SendVerification(ctx, res.ID, ""); !errors.Is(err, domain.ErrStateConflict) {
		t.Fatalf("resend on expired reservation: expected state conflict, got %v", err)
	}
}

func TestExpireOverdueSweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stale := h.create(t, "")
	h.clk.Advance(48 * time.Hour)
	fresh := h.create(t, "")
	h.clk.Advance(25 * time.Hour)

	n, err := h.confSvc.ExpireOverdue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired reservation, got %d", n)
	}
	if h.status(t, stale.ID) != domain.StatusExpired || h.status(t, fresh.ID) != domain.StatusPendingVerification {
		t.Fatal("sweep expired the wrong reservation")
	}

	n, _ = h.confSvc.ExpireOverdue(ctx)
	if n != 0 {
		t.Fatalf("second sweep should be a no-op, expired %d", n)
	}
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.create(t, "")

	if _, err := h.confSvc.Cancel(ctx, CancelRequest{ReservationID: res.ID, ManageToken: "wrong"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("wrong manage token must look like not found, got %v", err)
	}

	if _, err := h.confSvc.AttemptConfirmation(ctx, domain.ConfirmationAttempt{Method: domain.MethodCode, ReservationID: res.ID, Code: h.lastCode(t)}); err != nil {
		t.Fatal(err)
	}

	cancelled, err := h.confSvc.Cancel(ctx, CancelRequest{ReservationID: res.ID, ManageToken: res.ManageToken, Reason: "client request"})
	if err != nil {
		t.Fatalf("cancel confirmed reservation: %v", err)
	}
	if cancelled.Status != domain.StatusCancelled || cancelled.CancelledAt == nil {
		t.Fatalf("unexpected reservation %+v", cancelled)
	}

	if _, err := h.confSvc.Cancel(ctx, CancelRequest{ReservationID: res.ID, StaffActor: "desk@salon.test"}); !errors.Is(err, domain.ErrStateConflict) {
		t.Fatalf("cancelling twice must conflict, got %v", err)
	}
}

func TestCancel_RetiresDraft(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.create(t, "sess_cancel")

	// The form autosaved again after submit.
	_, _ = h.draftSvc.UpsertDraft(ctx, "sess_cancel", domain.DraftFields{Phone: "0611"})

	if _, err := h.confSvc.Cancel(ctx, CancelRequest{ReservationID: res.ID, ManageToken: res.ManageToken}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.draftSvc.GetDraft(ctx, "sess_cancel"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("cancel must retire the session draft, got %v", err)
	}
}

func TestUpdateReservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.create(t, "")

	notes := "allergie huiles essentielles"
	date := "2026-10-12"
	updated, err := h.resSvc.UpdateReservation(ctx, res.ID, domain.StaffUpdate{AdminNotes: &notes, Date: &date})
	if err != nil {
		t.Fatal(err)
	}
	if updated.AdminNotes != notes || updated.Date != date {
		t.Fatalf("unexpected reservation %+v", updated)
	}

	past := "2026-09-01"
	var verr *domain.ValidationError
	if _, err := h.resSvc.UpdateReservation(ctx, res.ID, domain.StaffUpdate{Date: &past}); !errors.As(err, &verr) {
		t.Fatalf("rescheduling into the past must fail validation, got %v", err)
	}
	if _, err := h.resSvc.UpdateReservation(ctx, 999, domain.StaffUpdate{AdminNotes: &notes}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetReservation_ManageToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.create(t, "")

	got, err := h.resSvc.GetReservation(ctx, res.ID, res.ManageToken)
	if err != nil || got.ID != res.ID {
		t.Fatalf("expected reservation, got %+v %v", got, err)
	}
	if _, err := h.resSvc.GetReservation(ctx, res.ID, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing token must be not found, got %v", err)
	}
}
