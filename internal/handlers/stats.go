package handlers

import (
	"net/http"
)

// StatsResponse represents the response from the stats endpoint.
type StatsResponse struct {
	TotalUsers     int64 `json:"total_users"`
	TotalMessages  int64 `json:"total_messages"`
	TotalFiles     int64 `json:"total_files"`
	PendingSignals int64 `json:"pending_signals"`
}

// Stats returns record counts. Message counts include expired messages.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	users, err := h.store.CountUsers(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to count users")
		return
	}

	messages, err := h.store.CountMessages(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to count messages")
		return
	}

	files, err := h.store.CountFiles(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to count files")
		return
	}

	pending, err := h.store.CountPendingSignals(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to count signals")
		return
	}

	h.JSON(w, http.StatusOK, StatsResponse{
		TotalUsers:     users,
		TotalMessages:  messages,
		TotalFiles:     files,
		PendingSignals: pending,
	})
}
