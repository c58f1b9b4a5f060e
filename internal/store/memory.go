package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spysignal/relay/internal/models"
)

// MemoryStore keeps every record in process memory. It is meant for
// development and tests; nothing survives a restart.
type MemoryStore struct {
	mu sync.RWMutex

	nextUser, nextMessage, nextFile, nextSignal int64

	users    map[int64]*models.User
	messages []models.Message
	files    []models.FileRecord
	signals  []models.SignalRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[int64]*models.User)}
}

// Close is a no-op.
func (s *MemoryStore) Close() {}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// Migrate is a no-op.
func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

func copyUser(u *models.User) *models.User {
	cp := *u
	return &cp
}

// CreateUser creates a new user record.
func (s *MemoryStore) CreateUser(ctx context.Context, username string, telegramID *string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Username == username {
			return nil, fmt.Errorf("store: username %q already taken", username)
		}
	}

	s.nextUser++
	u := &models.User{
		ID:         s.nextUser,
		Username:   username,
		TelegramID: telegramID,
		CreatedAt:  time.Now().UTC(),
	}
	s.users[u.ID] = u
	return copyUser(u), nil
}

// GetUserByID retrieves a user by ID.
func (s *MemoryStore) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

// GetUserByUsername retrieves a user by username.
func (s *MemoryStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Username == username {
			return copyUser(u), nil
		}
	}
	return nil, ErrNotFound
}

// SearchUsers returns users whose username contains query, case-insensitively.
func (s *MemoryStore) SearchUsers(ctx context.Context, query string, limit int) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := strings.ToLower(query)
	var users []models.User
	for _, u := range s.users {
		if strings.Contains(strings.ToLower(u.Username), q) {
			users = append(users, *u)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	if len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

// SetPubKey stores the user's public key, replacing any previous one.
func (s *MemoryStore) SetPubKey(ctx context.Context, userID int64, pubkey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PubKey = &pubkey
	return nil
}

// CountUsers returns the total number of registered users.
func (s *MemoryStore) CountUsers(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.users)), nil
}

func between(from, to, a, b int64) bool {
	return (from == a && to == b) || (from == b && to == a)
}

// CreateMessage inserts msg and fills in its ID.
func (s *MemoryStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextMessage++
	msg.ID = s.nextMessage
	s.messages = append(s.messages, *msg)
	return nil
}

// ListConversation returns every message between a and b, oldest first.
func (s *MemoryStore) ListConversation(ctx context.Context, a, b int64) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var msgs []models.Message
	for _, m := range s.messages {
		if between(m.FromID, m.ToID, a, b) {
			msgs = append(msgs, m)
		}
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	return msgs, nil
}

// CountMessages returns the number of stored messages, expired or not.
func (s *MemoryStore) CountMessages(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.messages)), nil
}

// CreateFile inserts f and fills in its ID.
func (s *MemoryStore) CreateFile(ctx context.Context, f *models.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextFile++
	f.ID = s.nextFile
	s.files = append(s.files, *f)
	return nil
}

// ListFiles returns every file exchanged between a and b, oldest first.
func (s *MemoryStore) ListFiles(ctx context.Context, a, b int64) ([]models.FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var files []models.FileRecord
	for _, f := range s.files {
		if between(f.FromID, f.ToID, a, b) {
			files = append(files, f)
		}
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].CreatedAt.Before(files[j].CreatedAt) })
	return files, nil
}

// CountFiles returns the number of stored files.
func (s *MemoryStore) CountFiles(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.files)), nil
}

// InsertSignal queues sig and fills in its ID.
func (s *MemoryStore) InsertSignal(ctx context.Context, sig *models.SignalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSignal++
	sig.ID = s.nextSignal
	sig.Consumed = false
	stored := *sig
	stored.Payload = append([]byte(nil), sig.Payload...)
	s.signals = append(s.signals, stored)
	return nil
}

// ClaimSignals atomically marks matching signals consumed and returns them.
// Signals are kept in id order, so the result is already sorted.
func (s *MemoryStore) ClaimSignals(ctx context.Context, toID, sinceID int64, notBefore time.Time) ([]models.SignalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	claimed := []models.SignalRecord{}
	for i := range s.signals {
		sig := &s.signals[i]
		if sig.ToID != toID || sig.ID <= sinceID || sig.Consumed || sig.CreatedAt.Before(notBefore) {
			continue
		}
		sig.Consumed = true
		out := *sig
		out.Payload = append([]byte(nil), sig.Payload...)
		claimed = append(claimed, out)
	}
	return claimed, nil
}

// DeleteSignalsBefore removes every signal created before cutoff, consumed or not.
func (s *MemoryStore) DeleteSignalsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.signals[:0]
	var deleted int64
	for _, sig := range s.signals {
		if sig.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, sig)
	}
	s.signals = kept
	return deleted, nil
}

// CountPendingSignals returns the number of queued, undelivered signals.
func (s *MemoryStore) CountPendingSignals(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, sig := range s.signals {
		if !sig.Consumed {
			count++
		}
	}
	return count, nil
}
