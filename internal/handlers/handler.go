package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/spysignal/relay/internal/api/middleware"
	"github.com/spysignal/relay/internal/relay"
	"github.com/spysignal/relay/internal/store"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	store     store.DataStore
	redis     *store.RedisStore
	queue     *relay.SignalQueue
	mailbox   *relay.Mailbox
	directory *relay.Directory
	logger    zerolog.Logger
	stream    StreamConfig
}

// NewHandler creates a new Handler. redis may be nil.
func NewHandler(
	ds store.DataStore,
	redis *store.RedisStore,
	queue *relay.SignalQueue,
	mailbox *relay.Mailbox,
	directory *relay.Directory,
	logger zerolog.Logger,
) *Handler {
	return &Handler{
		store:     ds,
		redis:     redis,
		queue:     queue,
		mailbox:   mailbox,
		directory: directory,
		logger:    logger,
		stream:    DefaultStreamConfig(),
	}
}

// WithStreamConfig overrides the /call/stream timings.
func (h *Handler) WithStreamConfig(cfg StreamConfig) *Handler {
	h.stream = cfg
	return h
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// Fail maps a relay error onto its HTTP status. notFound is the message
// shown for relay.ErrNotFound.
func (h *Handler) Fail(w http.ResponseWriter, r *http.Request, err error, notFound string) {
	switch {
	case errors.Is(err, relay.ErrUnauthorized):
		h.Error(w, http.StatusUnauthorized, "Invalid token")
	case errors.Is(err, relay.ErrValidation):
		h.Error(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), relay.ErrValidation.Error()+": "))
	case errors.Is(err, relay.ErrNotFound):
		h.Error(w, http.StatusNotFound, notFound)
	default:
		h.logger.Error().
			Err(err).
			Str("path", r.URL.Path).
			Str("request_id", chimw.GetReqID(r.Context())).
			Msg("request failed")
		h.Error(w, http.StatusInternalServerError, "internal error")
	}
}

// decode reads a JSON request body into v.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// caller returns the authenticated user id. Routes using it sit behind
// RequireAuth, so a missing caller is a wiring bug.
func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		h.Error(w, http.StatusUnauthorized, "Missing Authorization header")
	}
	return id, ok
}

// queryInt64 parses an optional integer query parameter.
func queryInt64(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
