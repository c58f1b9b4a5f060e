package handlers

import (
	"net/http"

	"github.com/spysignal/relay/internal/models"
	"github.com/spysignal/relay/internal/relay"
)

// SendMessageRequest is the body of POST /api/messages.
type SendMessageRequest struct {
	To         int64  `json:"to"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	MsgType    string `json:"msg_type"`
	TTLSec     *int   `json:"ttl_sec"`
}

// CreatedResponse acknowledges a stored record.
type CreatedResponse struct {
	OK bool  `json:"ok"`
	ID int64 `json:"id"`
}

// MessagesResponse wraps a conversation.
type MessagesResponse struct {
	Messages []models.Message `json:"messages"`
}

// SendMessage stores an encrypted message for another user.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req SendMessageRequest
	if !h.decode(w, r, &req) {
		return
	}

	id, err := h.mailbox.SendMessage(r.Context(), caller, relay.MessageInput{
		To:         req.To,
		IV:         req.IV,
		Ciphertext: req.Ciphertext,
		MsgType:    req.MsgType,
		TTLSec:     req.TTLSec,
	})
	if err != nil {
		h.Fail(w, r, err, "Recipient not found")
		return
	}
	h.JSON(w, http.StatusOK, CreatedResponse{OK: true, ID: id})
}

// ListMessages returns the live conversation with peer_id.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	peer, err := queryInt64(r, "peer_id", 0)
	if err != nil || peer <= 0 {
		h.Error(w, http.StatusBadRequest, "peer_id is required")
		return
	}

	msgs, err := h.mailbox.ListMessages(r.Context(), caller, peer)
	if err != nil {
		h.Fail(w, r, err, "")
		return
	}
	h.JSON(w, http.StatusOK, MessagesResponse{Messages: msgs})
}
