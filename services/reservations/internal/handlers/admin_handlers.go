package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/diagnosis/salon-bookings/internal/http/response"
	"github.com/diagnosis/salon-bookings/internal/utils"
	"github.com/diagnosis/salon-bookings/pkg/auth"
	"github.com/diagnosis/salon-bookings/pkg/logger"
	mw "github.com/diagnosis/salon-bookings/pkg/middleware"
	"github.com/diagnosis/salon-bookings/services/reservations/internal/domain"
	"github.com/diagnosis/salon-bookings/services/reservations/internal/service"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// StaffLogin exchanges the configured staff credentials for a bearer token.
func (h *Handlers) StaffLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeBadJSON(w, err)
		return
	}

	email := utils.NormalizeEmail(req.Email)
	err := auth.CheckStaffCredentials(email, req.Password, utils.NormalizeEmail(h.config.Auth.StaffEmail), h.config.Auth.StaffPasswordHash)
	if err != nil {
		logger.WarnContext(r.Context(), "Staff login failed", "email", email, "remote_addr", mw.ClientIP(r))
		response.Unauthorized(w, "Invalid email or password")
		return
	}

	ttl := h.config.Auth.StaffTokenTTL
	token, err := auth.NewStaffToken(email, auth.RoleAdmin, h.config.Auth.JWTSecret, ttl)
	if err != nil {
		logger.ErrorContext(r.Context(), "Failed to sign staff token", "error", err)
		response.InternalError(w, "Failed to create token")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: time.Now().Add(ttl)})
}

func (h *Handlers) AdminListReservations(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	filter := domain.ListFilter{Limit: limit, Offset: offset}

	if raw := r.URL.Query().Get("status"); raw != "" {
		st, ok := domain.ParseReservationStatus(raw)
		if !ok {
			response.BadRequest(w, "Invalid status parameter")
			return
		}
		filter.Status = &st
	}
	if date := strings.TrimSpace(r.URL.Query().Get("date")); date != "" {
		if _, err := time.Parse("2006-01-02", date); err != nil {
			response.BadRequest(w, "Invalid date parameter")
			return
		}
		filter.Date = date
	}

	list, err := h.reservationService.ListReservations(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []*domain.Reservation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "reservations": list})
}

func (h *Handlers) AdminGetReservation(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		response.BadRequest(w, "Invalid reservation ID")
		return
	}

	res, err := h.reservationService.GetReservationForStaff(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reservationResponse{Success: true, Reservation: res})
}

func (h *Handlers) AdminCreateReservation(w http.ResponseWriter, r *http.Request) {
	var req domain.ReservationRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeBadJSON(w, err)
		return
	}

	res, err := h.reservationService.CreateStaffReservation(r.Context(), &req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, reservationResponse{Success: true, Reservation: res})
}

func (h *Handlers) AdminUpdateReservation(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		response.BadRequest(w, "Invalid reservation ID")
		return
	}

	var upd domain.StaffUpdate
	if err := decodeJSON(r, &upd, false); err != nil {
		writeBadJSON(w, err)
		return
	}

	res, err := h.reservationService.UpdateReservation(r.Context(), id, upd)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reservationResponse{Success: true, Reservation: res})
}

// AdminConfirmReservation is the manual path taken by staff after a phone call.
func (h *Handlers) AdminConfirmReservation(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		response.BadRequest(w, "Invalid reservation ID")
		return
	}

	h.confirm(w, r, domain.ConfirmationAttempt{
		Method:        domain.MethodManual,
		ReservationID: id,
		ClientKey:     mw.ClientIP(r),
		StaffActor:    staffActor(r),
	})
}

func (h *Handlers) AdminCancelReservation(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		response.BadRequest(w, "Invalid reservation ID")
		return
	}

	var req cancelRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeBadJSON(w, err)
		return
	}

	res, err := h.confirmationService.Cancel(r.Context(), service.CancelRequest{
		ReservationID: id,
		StaffActor:    staffActor(r),
		Reason:        strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reservationResponse{Success: true, Reservation: res})
}

func (h *Handlers) AdminResendVerification(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		response.BadRequest(w, "Invalid reservation ID")
		return
	}

	if err := h.confirmationService.SendVerification(r.Context(), id, staffActor(r)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handlers) AdminExpireOverdue(w http.ResponseWriter, r *http.Request) {
	n, err := h.confirmationService.ExpireOverdue(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "expired": n})
}

func staffActor(r *http.Request) string {
	if claims := mw.Claims(r); claims != nil {
		return claims.Email
	}
	return "staff"
}
