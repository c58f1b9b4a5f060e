package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// UserResult is one search hit.
type UserResult struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// SearchResponse wraps the search hits.
type SearchResponse struct {
	Results []UserResult `json:"results"`
}

// SearchUsers finds users by id or username fragment.
func (h *Handler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		query = r.URL.Query().Get("q")
	}

	users, err := h.directory.SearchUsers(r.Context(), query)
	if err != nil {
		h.Fail(w, r, err, "")
		return
	}

	results := make([]UserResult, 0, len(users))
	for _, u := range users {
		results = append(results, UserResult{ID: u.ID, Username: u.Username})
	}
	h.JSON(w, http.StatusOK, SearchResponse{Results: results})
}

// PubKeyRequest is the body of POST /api/pubkey.
type PubKeyRequest struct {
	PubKey string `json:"pubkey"`
}

// PubKeyResponse is the body of GET /api/pubkey/{id}.
type PubKeyResponse struct {
	PubKey string `json:"pubkey"`
}

// SetPubKey publishes the caller's public key.
func (h *Handler) SetPubKey(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req PubKeyRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.directory.SetPubKey(r.Context(), caller, req.PubKey); err != nil {
		h.Fail(w, r, err, "User not found")
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// GetPubKey returns the public key another user published.
func (h *Handler) GetPubKey(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid user id")
		return
	}

	key, err := h.directory.GetPubKey(r.Context(), id)
	if err != nil {
		h.Fail(w, r, err, "No pubkey")
		return
	}
	h.JSON(w, http.StatusOK, PubKeyResponse{PubKey: key})
}
