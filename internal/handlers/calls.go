package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/spysignal/relay/internal/models"
	"github.com/spysignal/relay/internal/relay"
)

// SignalRequest is the body of POST /call/{kind}.
type SignalRequest struct {
	To      int64           `json:"to"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// PollResponse wraps the signals claimed by a poll.
type PollResponse struct {
	Signals []models.SignalRecord `json:"signals"`
}

// SubmitSignal returns a handler queuing signals of the given kind.
func (h *Handler) SubmitSignal(kind models.SignalKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := h.caller(w, r)
		if !ok {
			return
		}

		var req SignalRequest
		if !h.decode(w, r, &req) {
			return
		}

		sig, err := h.queue.Submit(r.Context(), kind, relay.SignalInput{
			From:    caller,
			To:      req.To,
			Kind:    req.Type,
			Payload: req.Payload,
		})
		if err != nil {
			h.Fail(w, r, err, "Recipient not found")
			return
		}
		h.JSON(w, http.StatusOK, sig)
	}
}

// PollSignals claims the caller's pending signals after since_id.
func (h *Handler) PollSignals(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	since, err := queryInt64(r, "since_id", 0)
	if err != nil {
		h.Error(w, http.StatusBadRequest, "since_id must be an integer")
		return
	}

	signals, err := h.queue.Poll(r.Context(), caller, since)
	if err != nil {
		h.Fail(w, r, err, "")
		return
	}
	h.JSON(w, http.StatusOK, PollResponse{Signals: signals})
}
