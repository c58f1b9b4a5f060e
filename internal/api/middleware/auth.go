package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/spysignal/relay/internal/auth"
	"github.com/spysignal/relay/internal/relay"
)

type contextKey string

const CallerContextKey contextKey = "caller"

// CallerResolver maps a bearer credential to a user id.
type CallerResolver interface {
	ResolveCaller(ctx context.Context, credential string) (int64, error)
}

// AuthMiddleware gates routes behind a bearer token.
type AuthMiddleware struct {
	resolver CallerResolver
	logger   zerolog.Logger
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(resolver CallerResolver, logger zerolog.Logger) *AuthMiddleware {
	return &AuthMiddleware{resolver: resolver, logger: logger}
}

// RequireAuth rejects requests without a valid Authorization: Bearer token.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return m.require(false, next)
}

// RequireAuthOrQuery also accepts the token in the access_token query
// parameter, for clients such as browsers opening a WebSocket that cannot
// set headers.
func (m *AuthMiddleware) RequireAuthOrQuery(next http.Handler) http.Handler {
	return m.require(true, next)
}

func (m *AuthMiddleware) require(allowQuery bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var (
			token string
			err   error
		)
		if header := r.Header.Get("Authorization"); header != "" || !allowQuery {
			token, err = auth.ParseBearer(header)
		} else {
			token = r.URL.Query().Get("access_token")
		}

		var caller int64
		if err == nil {
			caller, err = m.resolver.ResolveCaller(r.Context(), token)
		}
		if err != nil {
			if !errors.Is(err, relay.ErrUnauthorized) {
				m.logger.Error().Err(err).Msg("failed to resolve caller")
				jsonError(w, http.StatusInternalServerError, "internal error")
				return
			}
			jsonError(w, http.StatusUnauthorized, unauthorizedMessage(err))
			return
		}

		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

func unauthorizedMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingCredential):
		return "Missing Authorization header"
	case errors.Is(err, auth.ErrMalformedHeader):
		return "Invalid auth header"
	default:
		return "Invalid token"
	}
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// CallerFromContext returns the authenticated user id, if any.
func CallerFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(CallerContextKey).(int64)
	return id, ok
}

// WithCaller returns a copy of ctx carrying caller.
func WithCaller(ctx context.Context, caller int64) context.Context {
	return context.WithValue(ctx, CallerContextKey, caller)
}
