package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spysignal/relay/internal/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	username VARCHAR(100) UNIQUE NOT NULL,
	telegram_id VARCHAR(100),
	pubkey TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS messages (
	id BIGSERIAL PRIMARY KEY,
	from_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	to_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	iv VARCHAR(255) NOT NULL,
	ciphertext TEXT NOT NULL,
	msg_type VARCHAR(20) NOT NULL DEFAULT 'text',
	ttl_sec INTEGER,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS files (
	id BIGSERIAL PRIMARY KEY,
	from_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	to_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	filename VARCHAR(255) NOT NULL,
	mime_type VARCHAR(100),
	size BIGINT,
	iv VARCHAR(255) NOT NULL,
	ciphertext TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS call_signals (
	id BIGSERIAL PRIMARY KEY,
	from_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	to_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	signal_type VARCHAR(20) NOT NULL CHECK (signal_type IN ('offer', 'answer', 'candidate', 'bye')),
	payload TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	consumed BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(from_id, to_id, created_at);
CREATE INDEX IF NOT EXISTS idx_files_pair ON files(from_id, to_id, created_at);
CREATE INDEX IF NOT EXISTS idx_call_signals_inbox ON call_signals(to_id, consumed, id);
CREATE INDEX IF NOT EXISTS idx_call_signals_created_at ON call_signals(created_at);
`

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate creates tables and indexes if they don't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresSchema)
	return err
}

const userColumns = `id, username, telegram_id, pubkey, created_at`

func scanUser(row pgx.Row) (*models.User, error) {
	u := &models.User{}
	err := row.Scan(&u.ID, &u.Username, &u.TelegramID, &u.PubKey, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return u, nil
}

// CreateUser creates a new user record.
func (s *PostgresStore) CreateUser(ctx context.Context, username string, telegramID *string) (*models.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `
		INSERT INTO users (username, telegram_id, created_at)
		VALUES ($1, $2, $3)
		RETURNING `+userColumns,
		username, telegramID, time.Now().UTC()))
}

// GetUserByID retrieves a user by ID.
func (s *PostgresStore) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// GetUserByUsername retrieves a user by username.
func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
}

// SearchUsers returns users whose username contains query, case-insensitively.
func (s *PostgresStore) SearchUsers(ctx context.Context, query string, limit int) ([]models.User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE username ILIKE '%' || $1 || '%'
		ORDER BY id ASC
		LIMIT $2
	`, escapeLike(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// SetPubKey stores the user's public key, replacing any previous one.
func (s *PostgresStore) SetPubKey(ctx context.Context, userID int64, pubkey string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET pubkey = $1 WHERE id = $2`, pubkey, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountUsers returns the total number of registered users.
func (s *PostgresStore) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	return count, err
}

// CreateMessage inserts msg and fills in its ID.
func (s *PostgresStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO messages (from_id, to_id, iv, ciphertext, msg_type, ttl_sec, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, msg.FromID, msg.ToID, msg.IV, msg.Ciphertext, msg.MsgType, msg.TTLSec, msg.CreatedAt).Scan(&msg.ID)
}

// ListConversation returns every message between a and b, oldest first.
func (s *PostgresStore) ListConversation(ctx context.Context, a, b int64) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, from_id, to_id, iv, ciphertext, msg_type, ttl_sec, created_at
		FROM messages
		WHERE (from_id = $1 AND to_id = $2) OR (from_id = $2 AND to_id = $1)
		ORDER BY created_at ASC, id ASC
	`, a, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.FromID, &m.ToID, &m.IV, &m.Ciphertext, &m.MsgType, &m.TTLSec, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CountMessages returns the number of stored messages, expired or not.
func (s *PostgresStore) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// CreateFile inserts f and fills in its ID.
func (s *PostgresStore) CreateFile(ctx context.Context, f *models.FileRecord) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO files (from_id, to_id, filename, mime_type, size, iv, ciphertext, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, f.FromID, f.ToID, f.Filename, f.MimeType, f.Size, f.IV, f.Ciphertext, f.CreatedAt).Scan(&f.ID)
}

// ListFiles returns every file exchanged between a and b, oldest first.
func (s *PostgresStore) ListFiles(ctx context.Context, a, b int64) ([]models.FileRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, from_id, to_id, filename, mime_type, size, iv, ciphertext, created_at
		FROM files
		WHERE (from_id = $1 AND to_id = $2) OR (from_id = $2 AND to_id = $1)
		ORDER BY created_at ASC, id ASC
	`, a, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []models.FileRecord
	for rows.Next() {
		var f models.FileRecord
		if err := rows.Scan(&f.ID, &f.FromID, &f.ToID, &f.Filename, &f.MimeType, &f.Size, &f.IV, &f.Ciphertext, &f.CreatedAt); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// CountFiles returns the number of stored files.
func (s *PostgresStore) CountFiles(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM files`).Scan(&count)
	return count, err
}

// InsertSignal queues sig and fills in its ID.
func (s *PostgresStore) InsertSignal(ctx context.Context, sig *models.SignalRecord) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO call_signals (from_id, to_id, signal_type, payload, created_at, consumed)
		VALUES ($1, $2, $3, $4, $5, FALSE)
		RETURNING id
	`, sig.FromID, sig.ToID, string(sig.Kind), string(sig.Payload), sig.CreatedAt).Scan(&sig.ID)
}

// ClaimSignals atomically marks matching signals consumed and returns them.
// Under READ COMMITTED a row locked by a concurrent claim is re-checked after
// the lock is released, so the consumed = FALSE predicate admits one winner.
func (s *PostgresStore) ClaimSignals(ctx context.Context, toID, sinceID int64, notBefore time.Time) ([]models.SignalRecord, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE call_signals
		SET consumed = TRUE
		WHERE to_id = $1 AND id > $2 AND consumed = FALSE AND created_at >= $3
		RETURNING id, from_id, to_id, signal_type, payload, created_at, consumed
	`, toID, sinceID, notBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var signals []models.SignalRecord
	for rows.Next() {
		var sig models.SignalRecord
		var kind, payload string
		if err := rows.Scan(&sig.ID, &sig.FromID, &sig.ToID, &kind, &payload, &sig.CreatedAt, &sig.Consumed); err != nil {
			return nil, err
		}
		sig.Kind = models.SignalKind(kind)
		sig.Payload = []byte(payload)
		signals = append(signals, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortSignals(signals)
	return signals, nil
}

// DeleteSignalsBefore removes every signal created before cutoff, consumed or not.
func (s *PostgresStore) DeleteSignalsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM call_signals WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CountPendingSignals returns the number of queued, undelivered signals.
func (s *PostgresStore) CountPendingSignals(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM call_signals WHERE consumed = FALSE`).Scan(&count)
	return count, err
}

// sortSignals orders claimed rows by id; RETURNING order is unspecified.
func sortSignals(signals []models.SignalRecord) {
	sort.Slice(signals, func(i, j int) bool { return signals[i].ID < signals[j].ID })
}
