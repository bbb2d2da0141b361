package handlers_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/diagnosis/salon-bookings/pkg/auth"
	"github.com/diagnosis/salon-bookings/pkg/clock"
	"github.com/diagnosis/salon-bookings/pkg/config"
	"github.com/diagnosis/salon-bookings/pkg/logger"
	mw "github.com/diagnosis/salon-bookings/pkg/middleware"
	"github.com/diagnosis/salon-bookings/services/gateway/internal/handlers"
	"github.com/diagnosis/salon-bookings/services/gateway/internal/proxy"
	"github.com/diagnosis/salon-bookings/services/gateway/internal/ratelimit"
)

func TestMain(m *testing.M) {
	logger.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	os.Exit(m.Run())
}

// ---------- Test Setup ----------

type seenRequest struct {
	Method string
	Path   string
	Query  string
	Body   string
	Header http.Header
}

type upstream struct {
	mu   sync.Mutex
	seen []seenRequest
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	u.mu.Lock()
	u.seen = append(u.seen, seenRequest{r.Method, r.URL.Path, r.URL.RawQuery, string(body), r.Header.Clone()})
	u.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Upstream", "reservations")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(`{"success":true}`))
}

func (u *upstream) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.seen)
}

func (u *upstream) last() seenRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.seen[len(u.seen)-1]
}

const testSecret = "gateway-secret"

// setupGateway runs the gateway as if behind a load balancer on loopback, so
// X-Forwarded-For picks the client.
func setupGateway(t *testing.T, limit int) (*httptest.Server, *upstream) {
	t.Helper()
	return newGateway(t, limit, []string{"127.0.0.0/8", "::1"})
}

func newGateway(t *testing.T, limit int, trusted []string) (*httptest.Server, *upstream) {
	t.Helper()

	up := &upstream{}
	upSrv := httptest.NewServer(up)
	t.Cleanup(upSrv.Close)

	cfg := &config.Config{
		Auth: config.AuthConfig{JWTSecret: testSecret},
		Gateway: config.GatewayConfig{
			ReservationsURL:  upSrv.URL,
			PublicRateLimit:  limit,
			PublicRateWindow: time.Minute,
			TrustedProxies:   trusted,
		},
	}
	limiter := ratelimit.NewMemoryLimiter(clock.NewFake(time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)))
	h := handlers.New(proxy.NewServiceProxy(upSrv.URL), limiter, cfg)

	srv := httptest.NewServer(mw.RequestID(h.Routes()))
	t.Cleanup(srv.Close)
	return srv, up
}

func do(t *testing.T, method, url, body string, header map[string]string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// ---------- Forwarding ----------

func TestGateway_ForwardsPathQueryBodyAndHeaders(t *testing.T) {
	srv, up := setupGateway(t, 0)

	resp := do(t, http.MethodPost, srv.URL+"/v1/reservations/12/verify?x=1", `{"code":"123456"}`, map[string]string{
		"Content-Type":    "application/json",
		"Idempotency-Key": "k-1",
		"X-Session-ID":    "sess_abc",
	})

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected upstream status, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Upstream") != "reservations" {
		t.Fatal("expected upstream headers copied back")
	}

	got := up.last()
	if got.Method != http.MethodPost || got.Path != "/v1/reservations/12/verify" || got.Query != "x=1" {
		t.Fatalf("unexpected forwarded request %+v", got)
	}
	if got.Body != `{"code":"123456"}` {
		t.Fatalf("unexpected body %q", got.Body)
	}
	if got.Header.Get("Idempotency-Key") != "k-1" || got.Header.Get("X-Session-ID") != "sess_abc" {
		t.Fatalf("headers not forwarded: %v", got.Header)
	}
	if got.Header.Get("X-Gateway-Forwarded") != "true" || got.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected gateway tracing headers: %v", got.Header)
	}
}

func TestGateway_DraftRoutes(t *testing.T) {
	srv, up := setupGateway(t, 1)

	for i := 0; i < 3; i++ {
		resp := do(t, http.MethodPut, srv.URL+"/v1/drafts/sess_abc", `{"telephone":"12345678"}`, nil)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("draft save %d: status %d", i, resp.StatusCode)
		}
	}
	if up.count() != 3 {
		t.Fatalf("draft saves are not rate limited, expected 3 forwards, got %d", up.count())
	}
}

func TestGateway_UnknownRoute(t *testing.T) {
	srv, up := setupGateway(t, 0)

	resp := do(t, http.MethodGet, srv.URL+"/v1/payments/intent", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if up.count() != 0 {
		t.Fatal("unknown routes must not reach the service")
	}
}

// ---------- Staff routes ----------

func TestGateway_AdminRequiresToken(t *testing.T) {
	srv, up := setupGateway(t, 0)

	resp := do(t, http.MethodGet, srv.URL+"/v1/admin/reservations", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var body map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body["code"] != "UNAUTHORIZED" {
		t.Fatalf("unexpected body %v", body)
	}

	resp = do(t, http.MethodGet, srv.URL+"/v1/admin/reservations", "", map[string]string{"Authorization": "Bearer nope"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", resp.StatusCode)
	}
	if up.count() != 0 {
		t.Fatal("unauthenticated staff calls must not be forwarded")
	}

	token, err := auth.NewStaffToken("desk@salon.test", auth.RoleStaff, testSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	resp = do(t, http.MethodGet, srv.URL+"/v1/admin/reservations?status=confirmed", "", map[string]string{"Authorization": "Bearer " + token})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected forward, got %d", resp.StatusCode)
	}
	got := up.last()
	if got.Header.Get("Authorization") != "Bearer "+token || got.Query != "status=confirmed" {
		t.Fatalf("unexpected forwarded admin request %+v", got)
	}
}

func TestGateway_LoginIsPublic(t *testing.T) {
	srv, up := setupGateway(t, 0)

	resp := do(t, http.MethodPost, srv.URL+"/v1/admin/login", `{"email":"desk@salon.test","password":"x"}`, nil)
	if resp.StatusCode != http.StatusCreated || up.count() != 1 {
		t.Fatalf("expected login forwarded, status %d", resp.StatusCode)
	}
}

// ---------- Rate limiting ----------

func TestGateway_RateLimitsPublicWrites(t *testing.T) {
	srv, up := setupGateway(t, 2)
	hdr := map[string]string{"X-Forwarded-For": "203.0.113.7"}

	for i := 0; i < 2; i++ {
		resp := do(t, http.MethodPost, srv.URL+"/v1/reservations", `{}`, hdr)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("request %d: expected forward, got %d", i, resp.StatusCode)
		}
	}

	resp := do(t, http.MethodPost, srv.URL+"/v1/reservations/1/verify", `{"code":"123456"}`, hdr)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	var body map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body["code"] != "RATE_LIMIT_EXCEEDED" || body["retryable"] != true {
		t.Fatalf("unexpected body %v", body)
	}

	// reads and other clients are unaffected
	if resp := do(t, http.MethodGet, srv.URL+"/v1/reservations/1?manage_token=t", "", hdr); resp.StatusCode != http.StatusCreated {
		t.Fatalf("GET should not be limited, got %d", resp.StatusCode)
	}
	other := map[string]string{"X-Forwarded-For": "198.51.100.2"}
	if resp := do(t, http.MethodPost, srv.URL+"/v1/reservations", `{}`, other); resp.StatusCode != http.StatusCreated {
		t.Fatalf("other client should pass, got %d", resp.StatusCode)
	}

	if up.count() != 4 {
		t.Fatalf("expected 4 forwarded requests, got %d", up.count())
	}
}

func TestGateway_SpoofedForwardedForDoesNotBypassLimit(t *testing.T) {
	srv, up := newGateway(t, 2, nil)

	for i, spoofed := range []string{"203.0.113.1", "203.0.113.2"} {
		resp := do(t, http.MethodPost, srv.URL+"/v1/reservations", `{}`, map[string]string{"X-Forwarded-For": spoofed})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("request %d: expected forward, got %d", i, resp.StatusCode)
		}
	}
	if got := up.last().Header.Get("X-Forwarded-For"); got != "127.0.0.1" {
		t.Fatalf("upstream must see the real peer, got %q", got)
	}

	resp := do(t, http.MethodPost, srv.URL+"/v1/reservations", `{}`, map[string]string{"X-Forwarded-For": "203.0.113.3"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("a fresh forged address must not reset the limit, got %d", resp.StatusCode)
	}
}

func TestGateway_UpstreamDown(t *testing.T) {
	cfg := &config.Config{Gateway: config.GatewayConfig{}}
	down := httptest.NewServer(http.NotFoundHandler())
	url := down.URL
	down.Close()

	h := handlers.New(proxy.NewServiceProxy(url), ratelimit.NewMemoryLimiter(clock.Real()), cfg)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp := do(t, http.MethodGet, srv.URL+"/v1/services", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}
