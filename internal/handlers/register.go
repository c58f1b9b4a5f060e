package handlers

import (
	"net/http"
)

// RegisterRequest represents the registration request body.
type RegisterRequest struct {
	Username   string  `json:"username"`
	TelegramID *string `json:"telegram_id"`
}

// RegisterResponse represents the registration response.
type RegisterResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Token    string `json:"token"`
}

// Register creates a user, or returns the existing one with a fresh token.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}

	reg, err := h.directory.Register(r.Context(), req.Username, req.TelegramID)
	if err != nil {
		h.Fail(w, r, err, "user not found")
		return
	}

	status := http.StatusOK
	if reg.Created {
		status = http.StatusCreated
	}
	h.JSON(w, status, RegisterResponse{
		ID:       reg.User.ID,
		Username: reg.User.Username,
		Token:    reg.Token,
	})
}
