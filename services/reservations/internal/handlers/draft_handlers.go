package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/diagnosis/salon-bookings/services/reservations/internal/domain"
	"github.com/go-chi/chi/v5"
)

type saveDraftResponse struct {
	Success bool  `json:"success"`
	DraftID int64 `json:"draft_id,omitempty"`
	Skipped bool  `json:"skipped,omitempty"`
}

type getDraftResponse struct {
	Success   bool                `json:"success"`
	Data      *domain.DraftFields `json:"data,omitempty"`
	DraftID   int64               `json:"draft_id,omitempty"`
	UpdatedAt *time.Time          `json:"updated_at,omitempty"`
}

// SaveDraft upserts the session draft. A gate skip answers success=false with
// a 200, never an error status.
func (h *Handlers) SaveDraft(w http.ResponseWriter, r *http.Request) {
	var fields domain.DraftFields
	if err := decodeJSON(r, &fields, false); err != nil {
		writeBadJSON(w, err)
		return
	}

	result, err := h.draftService.UpsertDraft(r.Context(), chi.URLParam(r, "sessionID"), fields)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if result.Skipped {
		writeJSON(w, http.StatusOK, saveDraftResponse{Success: false, Skipped: true})
		return
	}

	writeJSON(w, http.StatusOK, saveDraftResponse{Success: true, DraftID: result.Draft.ID})
}

func (h *Handlers) GetDraft(w http.ResponseWriter, r *http.Request) {
	draft, err := h.draftService.GetDraft(r.Context(), chi.URLParam(r, "sessionID"))
	if errors.Is(err, domain.ErrNotFound) {
		writeJSON(w, http.StatusOK, getDraftResponse{Success: false})
		return
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, getDraftResponse{
		Success:   true,
		Data:      &draft.Fields,
		DraftID:   draft.ID,
		UpdatedAt: &draft.UpdatedAt,
	})
}

func (h *Handlers) DeleteDraft(w http.ResponseWriter, r *http.Request) {
	if err := h.draftService.DeleteDraft(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
