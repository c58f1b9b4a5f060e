package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/spysignal/relay/internal/metrics"
	"github.com/spysignal/relay/internal/models"
	"github.com/spysignal/relay/internal/store"
)

const (
	maxUsernameLen = 100
	maxPubKeyLen   = 8 * 1024
	searchLimit    = 20
)

// TokenIssuer mints bearer tokens for a user id.
type TokenIssuer interface {
	Issue(userID int64) (string, error)
}

// Registration is the outcome of Register.
type Registration struct {
	User    *models.User
	Token   string
	Created bool
}

// Directory manages identities and their public keys.
type Directory struct {
	store  store.DataStore
	tokens TokenIssuer
	logger zerolog.Logger
}

// NewDirectory creates a directory backed by ds.
func NewDirectory(ds store.DataStore, tokens TokenIssuer, logger zerolog.Logger) *Directory {
	return &Directory{
		store:  ds,
		tokens: tokens,
		logger: logger.With().Str("component", "directory").Logger(),
	}
}

// CleanUsername trims name, strips control characters and limits its length.
func CleanUsername(name string) string {
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, strings.TrimSpace(name))

	if len(name) > maxUsernameLen {
		name = name[:maxUsernameLen]
	}
	return name
}

// Register returns the user named username, creating it when needed, along
// with a fresh token. Registering an existing name is not an error.
func (d *Directory) Register(ctx context.Context, username string, telegramID *string) (*Registration, error) {
	name := CleanUsername(username)
	if name == "" {
		return nil, fmt.Errorf("%w: username is required", ErrValidation)
	}
	if telegramID != nil {
		t := strings.TrimSpace(*telegramID)
		if t == "" {
			telegramID = nil
		} else {
			telegramID = &t
		}
	}

	created := false
	user, err := d.store.GetUserByUsername(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		user, err = d.store.CreateUser(ctx, name, telegramID)
		if err != nil {
			// Lost a race against a concurrent registration of the same name.
			if existing, lookupErr := d.store.GetUserByUsername(ctx, name); lookupErr == nil {
				user, err = existing, nil
			}
		} else {
			created = true
		}
	}
	if err != nil {
		return nil, err
	}

	token, err := d.tokens.Issue(user.ID)
	if err != nil {
		return nil, err
	}

	if created {
		metrics.UsersRegistered.Inc()
		d.logger.Info().Int64("user_id", user.ID).Str("username", user.Username).Msg("user registered")
	}

	return &Registration{User: user, Token: token, Created: created}, nil
}

// SearchUsers finds users by id (for an all-digit query) and by a
// case-insensitive username substring. A blank query finds nobody.
func (d *Directory) SearchUsers(ctx context.Context, query string) ([]models.User, error) {
	q := strings.TrimSpace(query)
	results := []models.User{}
	if q == "" {
		return results, nil
	}

	metrics.SearchQueries.Inc()

	seen := make(map[int64]bool)
	if isDigits(q) {
		if id, err := strconv.ParseInt(q, 10, 64); err == nil {
			u, err := d.store.GetUserByID(ctx, id)
			switch {
			case err == nil:
				results = append(results, *u)
				seen[u.ID] = true
			case !errors.Is(err, store.ErrNotFound):
				return nil, err
			}
		}
	}

	byName, err := d.store.SearchUsers(ctx, q, searchLimit)
	if err != nil {
		return nil, err
	}
	for _, u := range byName {
		if seen[u.ID] || len(results) >= searchLimit {
			continue
		}
		seen[u.ID] = true
		results = append(results, u)
	}

	return results, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// SetPubKey replaces caller's published public key.
func (d *Directory) SetPubKey(ctx context.Context, caller int64, pubkey string) error {
	pubkey = strings.TrimSpace(pubkey)
	if pubkey == "" {
		return fmt.Errorf("%w: pubkey is required", ErrValidation)
	}
	if len(pubkey) > maxPubKeyLen {
		return fmt.Errorf("%w: pubkey too long", ErrValidation)
	}

	if err := d.store.SetPubKey(ctx, caller, pubkey); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: user %d", ErrNotFound, caller)
		}
		return err
	}
	return nil
}

// GetPubKey returns the public key user id has published.
func (d *Directory) GetPubKey(ctx context.Context, id int64) (string, error) {
	u, err := d.store.GetUserByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: user %d", ErrNotFound, id)
		}
		return "", err
	}
	if u.PubKey == nil || *u.PubKey == "" {
		return "", fmt.Errorf("%w: user %d has no pubkey", ErrNotFound, id)
	}
	return *u.PubKey, nil
}
