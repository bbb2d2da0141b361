package handlers

import (
	"io"
	"net/http"

	"github.com/diagnosis/salon-bookings/internal/http/response"
	"github.com/diagnosis/salon-bookings/pkg/auth"
	"github.com/diagnosis/salon-bookings/pkg/config"
	"github.com/diagnosis/salon-bookings/pkg/logger"
	mw "github.com/diagnosis/salon-bookings/pkg/middleware"
	"github.com/diagnosis/salon-bookings/services/gateway/internal/proxy"
	"github.com/diagnosis/salon-bookings/services/gateway/internal/ratelimit"
	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 64 << 10

type Handlers struct {
	reservations *proxy.ServiceProxy
	limiter      ratelimit.Limiter
	config       *config.Config
}

func New(reservations *proxy.ServiceProxy, limiter ratelimit.Limiter, cfg *config.Config) *Handlers {
	return &Handlers{reservations: reservations, limiter: limiter, config: cfg}
}

// Routes exposes the public booking API. Staff routes are checked here as
// well as upstream so bad tokens never reach the service.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(mw.RealIP(h.config.Gateway.TrustedProxies))

	publicLimit := ratelimit.Middleware(h.limiter, ratelimit.Config{
		Requests: h.config.Gateway.PublicRateLimit,
		Window:   h.config.Gateway.PublicRateWindow,
		KeyFunc:  ratelimit.ClientKeys,
		SkipFunc: ratelimit.PublicWrites,
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/services", h.Forward)

		// Draft autosave traffic is frequent by nature; it is not limited here.
		r.Handle("/drafts/*", http.HandlerFunc(h.Forward))

		r.Group(func(r chi.Router) {
			r.Use(publicLimit)
			r.Handle("/reservations", http.HandlerFunc(h.Forward))
			r.Handle("/reservations/*", http.HandlerFunc(h.Forward))
			r.Handle("/verify", http.HandlerFunc(h.Forward))
		})

		r.Route("/admin", func(r chi.Router) {
			r.With(publicLimit).Post("/login", h.Forward)

			r.Group(func(r chi.Router) {
				r.Use(mw.RequireStaff(h.config.Auth.JWTSecret, auth.RoleStaff, response.Deny))
				r.Handle("/*", http.HandlerFunc(h.Forward))
			})
		})
	})

	return r
}

// Forward relays the request unchanged to the reservations service.
func (h *Handlers) Forward(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	headers := r.Header.Clone()
	headers.Set("X-Forwarded-For", mw.ClientIP(r))

	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	}

	resp, err := h.reservations.ProxyRequest(r.Context(), r.Method, path, body, headers)
	if err != nil {
		logger.ErrorContext(r.Context(), "Service proxy error", "error", err, "path", r.URL.Path)
		response.JSON(w, http.StatusServiceUnavailable, response.ErrorResponse{
			Error:     "Service unavailable",
			Code:      response.CodeInternalError,
			Retryable: true,
		})
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.ErrorContext(r.Context(), "Failed to copy response body", "error", err)
	}
}
