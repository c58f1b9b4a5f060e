package handlers

import (
	"net/http"

	"github.com/spysignal/relay/internal/models"
	"github.com/spysignal/relay/internal/relay"
)

// SendFileRequest is the body of POST /api/files.
type SendFileRequest struct {
	To         int64   `json:"to"`
	Filename   string  `json:"filename"`
	MimeType   *string `json:"mime_type"`
	Size       *int64  `json:"size"`
	IV         string  `json:"iv"`
	Ciphertext string  `json:"ciphertext"`
}

// FilesResponse wraps a file listing.
type FilesResponse struct {
	Files []models.FileRecord `json:"files"`
}

// SendFile stores an encrypted file for another user.
func (h *Handler) SendFile(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req SendFileRequest
	if !h.decode(w, r, &req) {
		return
	}

	id, err := h.mailbox.SendFile(r.Context(), caller, relay.FileInput{
		To:         req.To,
		Filename:   req.Filename,
		MimeType:   req.MimeType,
		Size:       req.Size,
		IV:         req.IV,
		Ciphertext: req.Ciphertext,
	})
	if err != nil {
		h.Fail(w, r, err, "Recipient not found")
		return
	}
	h.JSON(w, http.StatusOK, CreatedResponse{OK: true, ID: id})
}

// ListFiles returns the files exchanged with peer_id.
func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	peer, err := queryInt64(r, "peer_id", 0)
	if err != nil || peer <= 0 {
		h.Error(w, http.StatusBadRequest, "peer_id is required")
		return
	}

	files, err := h.mailbox.ListFiles(r.Context(), caller, peer)
	if err != nil {
		h.Fail(w, r, err, "")
		return
	}
	h.JSON(w, http.StatusOK, FilesResponse{Files: files})
}
