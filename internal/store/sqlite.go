package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/spysignal/relay/internal/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT UNIQUE NOT NULL,
	telegram_id TEXT,
	pubkey TEXT,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	from_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	to_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	iv TEXT NOT NULL,
	ciphertext TEXT NOT NULL,
	msg_type TEXT NOT NULL DEFAULT 'text',
	ttl_sec INTEGER,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	from_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	to_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	filename TEXT NOT NULL,
	mime_type TEXT,
	size INTEGER,
	iv TEXT NOT NULL,
	ciphertext TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS call_signals (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	from_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	to_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	signal_type TEXT NOT NULL CHECK (signal_type IN ('offer', 'answer', 'candidate', 'bye')),
	payload TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	consumed INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(from_id, to_id, created_at);
CREATE INDEX IF NOT EXISTS idx_files_pair ON files(from_id, to_id, created_at);
CREATE INDEX IF NOT EXISTS idx_call_signals_inbox ON call_signals(to_id, consumed, id);
CREATE INDEX IF NOT EXISTS idx_call_signals_created_at ON call_signals(created_at);
`

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/relay.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/relay.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, err
	}
	// SQLite has a single writer; one connection serializes claims and sweeps.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates tables if they don't exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// CreateUser creates a new user record.
func (s *SQLiteStore) CreateUser(ctx context.Context, username string, telegramID *string) (*models.User, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, telegram_id, created_at)
		VALUES (?, ?, ?)
	`, username, telegramID, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetUserByID(ctx, id)
}

// GetUserByID retrieves a user by ID.
func (s *SQLiteStore) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	u := &models.User{}
	err := s.db.GetContext(ctx, u, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return u, nil
}

// GetUserByUsername retrieves a user by username.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	u := &models.User{}
	err := s.db.GetContext(ctx, u, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	if err != nil {
		return nil, notFound(err)
	}
	return u, nil
}

// SearchUsers returns users whose username contains query, case-insensitively.
func (s *SQLiteStore) SearchUsers(ctx context.Context, query string, limit int) ([]models.User, error) {
	var users []models.User
	err := s.db.SelectContext(ctx, &users, `
		SELECT `+userColumns+`
		FROM users
		WHERE username LIKE '%' || ? || '%' ESCAPE '\'
		ORDER BY id ASC
		LIMIT ?
	`, escapeLike(query), limit)
	return users, err
}

// SetPubKey stores the user's public key, replacing any previous one.
func (s *SQLiteStore) SetPubKey(ctx context.Context, userID int64, pubkey string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET pubkey = ? WHERE id = ?`, pubkey, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountUsers returns the total number of registered users.
func (s *SQLiteStore) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM users`)
	return count, err
}

// CreateMessage inserts msg and fills in its ID.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO messages (from_id, to_id, iv, ciphertext, msg_type, ttl_sec, created_at)
		VALUES (:from_id, :to_id, :iv, :ciphertext, :msg_type, :ttl_sec, :created_at)
	`, msg)
	if err != nil {
		return err
	}
	msg.ID, err = res.LastInsertId()
	return err
}

// ListConversation returns every message between a and b, oldest first.
func (s *SQLiteStore) ListConversation(ctx context.Context, a, b int64) ([]models.Message, error) {
	var msgs []models.Message
	err := s.db.SelectContext(ctx, &msgs, `
		SELECT id, from_id, to_id, iv, ciphertext, msg_type, ttl_sec, created_at
		FROM messages
		WHERE (from_id = ? AND to_id = ?) OR (from_id = ? AND to_id = ?)
		ORDER BY created_at ASC, id ASC
	`, a, b, b, a)
	return msgs, err
}

// CountMessages returns the number of stored messages, expired or not.
func (s *SQLiteStore) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM messages`)
	return count, err
}

// CreateFile inserts f and fills in its ID.
func (s *SQLiteStore) CreateFile(ctx context.Context, f *models.FileRecord) error {
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO files (from_id, to_id, filename, mime_type, size, iv, ciphertext, created_at)
		VALUES (:from_id, :to_id, :filename, :mime_type, :size, :iv, :ciphertext, :created_at)
	`, f)
	if err != nil {
		return err
	}
	f.ID, err = res.LastInsertId()
	return err
}

// ListFiles returns every file exchanged between a and b, oldest first.
func (s *SQLiteStore) ListFiles(ctx context.Context, a, b int64) ([]models.FileRecord, error) {
	var files []models.FileRecord
	err := s.db.SelectContext(ctx, &files, `
		SELECT id, from_id, to_id, filename, mime_type, size, iv, ciphertext, created_at
		FROM files
		WHERE (from_id = ? AND to_id = ?) OR (from_id = ? AND to_id = ?)
		ORDER BY created_at ASC, id ASC
	`, a, b, b, a)
	return files, err
}

// CountFiles returns the number of stored files.
func (s *SQLiteStore) CountFiles(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM files`)
	return count, err
}

// InsertSignal queues sig and fills in its ID.
func (s *SQLiteStore) InsertSignal(ctx context.Context, sig *models.SignalRecord) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO call_signals (from_id, to_id, signal_type, payload, created_at, consumed)
		VALUES (?, ?, ?, ?, ?, 0)
	`, sig.FromID, sig.ToID, string(sig.Kind), string(sig.Payload), sig.CreatedAt)
	if err != nil {
		return err
	}
	sig.ID, err = res.LastInsertId()
	return err
}

// signalRow mirrors call_signals for scanning; payload is TEXT.
type signalRow struct {
	ID        int64     `db:"id"`
	FromID    int64     `db:"from_id"`
	ToID      int64     `db:"to_id"`
	Kind      string    `db:"signal_type"`
	Payload   string    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
	Consumed  bool      `db:"consumed"`
}

// ClaimSignals atomically marks matching signals consumed and returns them.
// The select and the update share one IMMEDIATE transaction, which holds
// SQLite's write lock, so no other claim or sweep can interleave.
func (s *SQLiteStore) ClaimSignals(ctx context.Context, toID, sinceID int64, notBefore time.Time) ([]models.SignalRecord, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var rows []signalRow
	err = tx.SelectContext(ctx, &rows, `
		SELECT id, from_id, to_id, signal_type, payload, created_at, consumed
		FROM call_signals
		WHERE to_id = ? AND id > ? AND consumed = 0 AND created_at >= ?
		ORDER BY id ASC
	`, toID, sinceID, notBefore.UTC())
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []models.SignalRecord{}, tx.Commit()
	}

	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	query, args, err := sqlx.In(`UPDATE call_signals SET consumed = 1 WHERE consumed = 0 AND id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	signals := make([]models.SignalRecord, 0, len(rows))
	for _, r := range rows {
		signals = append(signals, models.SignalRecord{
			ID:        r.ID,
			FromID:    r.FromID,
			ToID:      r.ToID,
			Kind:      models.SignalKind(r.Kind),
			Payload:   []byte(r.Payload),
			CreatedAt: r.CreatedAt,
			Consumed:  true,
		})
	}
	sortSignals(signals)
	return signals, nil
}

// DeleteSignalsBefore removes every signal created before cutoff, consumed or not.
func (s *SQLiteStore) DeleteSignalsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM call_signals WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountPendingSignals returns the number of queued, undelivered signals.
func (s *SQLiteStore) CountPendingSignals(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM call_signals WHERE consumed = 0`)
	return count, err
}
