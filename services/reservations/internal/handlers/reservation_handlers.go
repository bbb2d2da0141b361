package handlers

import (
	"net/http"
	"strings"

	"github.com/diagnosis/salon-bookings/internal/http/response"
	mw "github.com/diagnosis/salon-bookings/pkg/middleware"
	"github.com/diagnosis/salon-bookings/services/reservations/internal/domain"
	"github.com/diagnosis/salon-bookings/services/reservations/internal/service"
)

type reservationResponse struct {
	Success     bool                `json:"success"`
	Reservation *domain.Reservation `json:"reservation"`
}

type confirmationResponse struct {
	Success       bool                     `json:"success"`
	ReservationID int64                    `json:"reservation_id"`
	Status        domain.ReservationStatus `json:"status"`
}

type verifyCodeRequest struct {
	Code string `json:"code"`
}

type verifyLinkRequest struct {
	Token string `json:"token"`
}

func (h *Handlers) ListServices(w http.ResponseWriter, r *http.Request) {
	services, err := h.reservationService.ListServices(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if services == nil {
		services = []*domain.Service{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "services": services})
}

// CreateReservation submits the booking form. The session id comes from the
// body or, failing that, the X-Session-ID header.
func (h *Handlers) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var req domain.ReservationRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeBadJSON(w, err)
		return
	}
	if req.SessionID == nil {
		if sid := strings.TrimSpace(r.Header.Get("X-Session-ID")); sid != "" {
			req.SessionID = &sid
		}
	}

	res, err := h.reservationService.CreateReservation(r.Context(), &req, r.Header.Get("Idempotency-Key"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, reservationResponse{Success: true, Reservation: res})
}

func (h *Handlers) GetReservation(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		response.BadRequest(w, "Invalid reservation ID")
		return
	}

	res, err := h.reservationService.GetReservation(r.Context(), id, r.URL.Query().Get("manage_token"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reservationResponse{Success: true, Reservation: res})
}

func (h *Handlers) CancelReservation(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		response.BadRequest(w, "Invalid reservation ID")
		return
	}

	res, err := h.confirmationService.Cancel(r.Context(), service.CancelRequest{
		ReservationID: id,
		ManageToken:   r.URL.Query().Get("manage_token"),
		Reason:        "client request",
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reservationResponse{Success: true, Reservation: res})
}

func (h *Handlers) SendVerification(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		response.BadRequest(w, "Invalid reservation ID")
		return
	}

	if err := h.confirmationService.SendVerification(r.Context(), id, mw.ClientIP(r)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handlers) VerifyCode(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		response.BadRequest(w, "Invalid reservation ID")
		return
	}

	var req verifyCodeRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeBadJSON(w, err)
		return
	}

	h.confirm(w, r, domain.ConfirmationAttempt{
		Method:        domain.MethodCode,
		ReservationID: id,
		Code:          strings.TrimSpace(req.Code),
		ClientKey:     mw.ClientIP(r),
	})
}

// VerifyLink redeems the emailed link token, taken from ?token= or a JSON body.
func (h *Handlers) VerifyLink(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" && r.Method == http.MethodPost {
		var req verifyLinkRequest
		if err := decodeJSON(r, &req, true); err != nil {
			writeBadJSON(w, err)
			return
		}
		token = req.Token
	}

	h.confirm(w, r, domain.ConfirmationAttempt{
		Method:    domain.MethodLink,
		LinkToken: token,
		ClientKey: mw.ClientIP(r),
	})
}

func (h *Handlers) RequestManualConfirmation(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		response.BadRequest(w, "Invalid reservation ID")
		return
	}

	h.confirm(w, r, domain.ConfirmationAttempt{
		Method:        domain.MethodManual,
		ReservationID: id,
		ClientKey:     mw.ClientIP(r),
	})
}

func (h *Handlers) confirm(w http.ResponseWriter, r *http.Request, attempt domain.ConfirmationAttempt) {
	res, err := h.confirmationService.AttemptConfirmation(r.Context(), attempt)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, confirmationResponse{
		Success:       true,
		ReservationID: res.ID,
		Status:        res.Status,
	})
}
