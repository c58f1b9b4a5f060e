package store

import (
	"context"
	"errors"
	"time"

	"github.com/spysignal/relay/internal/models"
)

// ErrNotFound is returned by single-record lookups that match nothing.
var ErrNotFound = errors.New("store: not found")

// DataStore defines the persistent record store shared by every request.
// PostgresStore, SQLiteStore and MemoryStore implement this interface.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error

	// Identity operations
	CreateUser(ctx context.Context, username string, telegramID *string) (*models.User, error)
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	SearchUsers(ctx context.Context, query string, limit int) ([]models.User, error)
	SetPubKey(ctx context.Context, userID int64, pubkey string) error
	CountUsers(ctx context.Context) (int64, error)

	// Message operations
	CreateMessage(ctx context.Context, msg *models.Message) error
	ListConversation(ctx context.Context, a, b int64) ([]models.Message, error)
	CountMessages(ctx context.Context) (int64, error)

	// File operations
	CreateFile(ctx context.Context, f *models.FileRecord) error
	ListFiles(ctx context.Context, a, b int64) ([]models.FileRecord, error)
	CountFiles(ctx context.Context) (int64, error)

	// Signal operations
	InsertSignal(ctx context.Context, sig *models.SignalRecord) error
	// ClaimSignals marks every unconsumed signal addressed to toID with an id
	// above sinceID and created at or after notBefore as consumed, and returns
	// exactly those rows ordered by id. Concurrent claims never share a row.
	ClaimSignals(ctx context.Context, toID, sinceID int64, notBefore time.Time) ([]models.SignalRecord, error)
	DeleteSignalsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountPendingSignals(ctx context.Context) (int64, error)
}

// escapeLike escapes LIKE wildcards so user input matches literally.
func escapeLike(s string) string {
	r := make([]rune, 0, len(s))
	for _, c := range s {
		if c == '%' || c == '_' || c == '\\' {
			r = append(r, '\\')
		}
		r = append(r, c)
	}
	return string(r)
}
