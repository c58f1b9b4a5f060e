package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/spysignal/relay/internal/models"
	"github.com/spysignal/relay/internal/relay"
	"github.com/spysignal/relay/internal/store"
)

var (
	ErrMissingCredential = fmt.Errorf("%w: missing Authorization header", relay.ErrUnauthorized)
	ErrMalformedHeader   = fmt.Errorf("%w: invalid auth header", relay.ErrUnauthorized)
	ErrInvalidToken      = fmt.Errorf("%w: invalid token", relay.ErrUnauthorized)
)

const issuerName = "spysignal-relay"

// UserLookup is the part of the record store the issuer needs.
type UserLookup interface {
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
}

// Issuer signs and verifies HS256 bearer tokens whose subject is a user id.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	users  UserLookup
}

// NewIssuer creates an issuer. A zero ttl issues tokens that never expire.
func NewIssuer(secret string, ttl time.Duration, users UserLookup) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, users: users}
}

// RandomSecret returns a fresh 256-bit hex secret, for development runs
// without JWT_SECRET.
func RandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// newTokenID returns a time-ordered UUID v7 for the jti claim.
func newTokenID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Issue returns a signed token for userID.
func (i *Issuer) Issue(userID int64) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:   issuerName,
		Subject:  strconv.FormatInt(userID, 10),
		IssuedAt: jwt.NewNumericDate(now),
		ID:       newTokenID(),
	}
	if i.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(i.ttl))
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(i.secret)
}

// Parse verifies token and returns the user id it was issued for.
func (i *Issuer) Parse(token string) (int64, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuerName),
	)
	if err != nil || !parsed.Valid {
		return 0, ErrInvalidToken
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidToken
	}
	return id, nil
}

// ResolveCaller maps a bearer token to an existing user id.
func (i *Issuer) ResolveCaller(ctx context.Context, credential string) (int64, error) {
	if credential == "" {
		return 0, ErrMissingCredential
	}

	id, err := i.Parse(credential)
	if err != nil {
		return 0, err
	}

	if _, err := i.users.GetUserByID(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, ErrInvalidToken
		}
		return 0, err
	}
	return id, nil
}

// ParseBearer extracts the token from an Authorization header value.
func ParseBearer(header string) (string, error) {
	if header == "" {
		return "", ErrMissingCredential
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", ErrMalformedHeader
	}
	return parts[1], nil
}
