package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/diagnosis/salon-bookings/internal/http/response"
	"github.com/diagnosis/salon-bookings/pkg/auth"
	"github.com/diagnosis/salon-bookings/pkg/config"
	"github.com/diagnosis/salon-bookings/pkg/logger"
	mw "github.com/diagnosis/salon-bookings/pkg/middleware"
	"github.com/diagnosis/salon-bookings/services/reservations/internal/domain"
	"github.com/diagnosis/salon-bookings/services/reservations/internal/service"
	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 64 << 10

type Handlers struct {
	draftService        service.DraftService
	reservationService  service.ReservationService
	confirmationService service.ConfirmationService
	config              *config.Config
}

func New(
	draftService service.DraftService,
	reservationService service.ReservationService,
	confirmationService service.ConfirmationService,
	cfg *config.Config,
) *Handlers {
	return &Handlers{
		draftService:        draftService,
		reservationService:  reservationService,
		confirmationService: confirmationService,
		config:              cfg,
	}
}

// Routes mounts the public and staff API under /v1.
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(mw.RealIP(h.config.Server.TrustedProxies))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/services", h.ListServices)

		r.Route("/drafts/{sessionID}", func(r chi.Router) {
			r.Put("/", h.SaveDraft)
			r.Get("/", h.GetDraft)
			r.Delete("/", h.DeleteDraft)
		})

		r.Route("/reservations", func(r chi.Router) {
			r.Post("/", h.CreateReservation)
			r.Get("/{id}", h.GetReservation)
			r.Delete("/{id}", h.CancelReservation)
			r.Post("/{id}/verification", h.SendVerification)
			r.Post("/{id}/verify", h.VerifyCode)
			r.Post("/{id}/manual-confirmation", h.RequestManualConfirmation)
		})

		r.Get("/verify", h.VerifyLink)
		r.Post("/verify", h.VerifyLink)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/login", h.StaffLogin)

			r.Group(func(r chi.Router) {
				r.Use(mw.RequireStaff(h.config.Auth.JWTSecret, auth.RoleStaff, response.Deny))

				r.Route("/reservations", func(r chi.Router) {
					r.Get("/", h.AdminListReservations)
					r.Post("/", h.AdminCreateReservation)
					r.Get("/{id}", h.AdminGetReservation)
					r.Patch("/{id}", h.AdminUpdateReservation)
					r.Post("/{id}/confirm", h.AdminConfirmReservation)
					r.Post("/{id}/cancel", h.AdminCancelReservation)
					r.Post("/{id}/verification", h.AdminResendVerification)
				})
				r.With(mw.RequireStaff(h.config.Auth.JWTSecret, auth.RoleAdmin, response.Deny)).
					Post("/maintenance/expire", h.AdminExpireOverdue)
			})
		})
	})

	return r
}

// writeServiceError maps service sentinels to status codes and error codes.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		response.WriteValidation(w, "Invalid input", verr.Fields)
	case errors.Is(err, domain.ErrNotFound):
		response.NotFound(w, "Reservation not found")
	case errors.Is(err, domain.ErrStateConflict):
		response.Conflict(w, "Reservation is no longer awaiting verification")
	case errors.Is(err, domain.ErrRateLimited):
		response.RateLimit(w, "Too many requests, please try again later")
	case errors.Is(err, domain.ErrChallengeExpired):
		writeChallengeError(w, err, "Verification code expired, request a new one", response.CodeChallengeExpired)
	case errors.Is(err, domain.ErrChallengeLocked):
		writeChallengeError(w, err, "Too many wrong codes, request a new one", response.CodeChallengeLocked)
	case errors.Is(err, domain.ErrChallengeMismatch):
		writeChallengeError(w, err, "Verification code or link is not valid", response.CodeChallengeMismatch)
	default:
		logger.ErrorContext(r.Context(), "Request failed", "error", err, "path", r.URL.Path)
		response.InternalError(w, "Internal server error")
	}
}

func writeChallengeError(w http.ResponseWriter, err error, message, code string) {
	response.Write(w, http.StatusUnprocessableEntity, response.ErrorResponse{
		Error:     message,
		Code:      code,
		Retryable: service.IsRetryable(err),
	})
}

// writeBadJSON names the decode failure so a client can fix the payload.
func writeBadJSON(w http.ResponseWriter, err error) {
	response.WriteErrorWithDetails(w, http.StatusBadRequest, "Invalid JSON format", response.CodeInvalidInput, err.Error())
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	response.JSON(w, statusCode, data)
}

// decodeJSON rejects unknown fields and trailing data. An empty body leaves dst
// untouched when allowEmpty is set.
func decodeJSON(r *http.Request, dst interface{}, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}

func parseID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Helper to parse pagination parameters
func parsePagination(r *http.Request) (limit, offset int) {
	limit = 20
	offset = 0

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return limit, offset
}
