package relay

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/spysignal/relay/internal/metrics"
	"github.com/spysignal/relay/internal/models"
	"github.com/spysignal/relay/internal/store"
)

// MaxTTL caps how long a message may stay visible.
const MaxTTL = 30 * 24 * time.Hour

const maxFilenameLen = 255

// MessageInput is an encrypted message as submitted by its sender.
type MessageInput struct {
	To         int64
	IV         string
	Ciphertext string
	MsgType    string
	TTLSec     *int
}

// FileInput is an encrypted file as submitted by its sender.
type FileInput struct {
	To         int64
	Filename   string
	MimeType   *string
	Size       *int64
	IV         string
	Ciphertext string
}

// Mailbox stores encrypted messages and files between two users and serves
// the live view of a conversation.
type Mailbox struct {
	store  store.DataStore
	logger zerolog.Logger
	now    Clock
}

// NewMailbox creates a mailbox backed by ds. A nil clock means wall time.
func NewMailbox(ds store.DataStore, logger zerolog.Logger, clock Clock) *Mailbox {
	if clock == nil {
		clock = systemClock
	}
	return &Mailbox{
		store:  ds,
		logger: logger.With().Str("component", "mailbox").Logger(),
		now:    clock,
	}
}

// ClampTTL limits a TTL in seconds to MaxTTL.
func ClampTTL(sec int) int {
	if limit := int(MaxTTL / time.Second); sec > limit {
		return limit
	}
	return sec
}

func (m *Mailbox) requireRecipient(ctx context.Context, id int64) error {
	if _, err := m.store.GetUserByID(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: recipient %d", ErrNotFound, id)
		}
		return err
	}
	return nil
}

// SendMessage stores an encrypted message from caller and returns its id.
func (m *Mailbox) SendMessage(ctx context.Context, from int64, in MessageInput) (int64, error) {
	if in.IV == "" || in.Ciphertext == "" {
		return 0, fmt.Errorf("%w: iv and ciphertext are required", ErrValidation)
	}

	var ttl *int
	if in.TTLSec != nil {
		if *in.TTLSec < 0 {
			return 0, fmt.Errorf("%w: ttl_sec must not be negative", ErrValidation)
		}
		v := ClampTTL(*in.TTLSec)
		ttl = &v
	}

	msgType := strings.TrimSpace(in.MsgType)
	if msgType == "" {
		msgType = models.DefaultMsgType
	}

	if err := m.requireRecipient(ctx, in.To); err != nil {
		return 0, err
	}

	msg := &models.Message{
		FromID:     from,
		ToID:       in.To,
		IV:         in.IV,
		Ciphertext: in.Ciphertext,
		MsgType:    msgType,
		TTLSec:     ttl,
		CreatedAt:  m.now().UTC().Truncate(time.Microsecond),
	}
	if err := m.store.CreateMessage(ctx, msg); err != nil {
		return 0, err
	}

	metrics.MessagesSent.Inc()
	m.logger.Debug().
		Int64("message_id", msg.ID).
		Int64("from", from).
		Int64("to", in.To).
		Str("msg_type", msgType).
		Msg("message stored")

	return msg.ID, nil
}

// ListMessages returns the conversation between caller and peer, oldest
// first, without the messages whose TTL has elapsed.
func (m *Mailbox) ListMessages(ctx context.Context, caller, peer int64) ([]models.Message, error) {
	all, err := m.store.ListConversation(ctx, caller, peer)
	if err != nil {
		return nil, err
	}

	live := FilterLive(all, m.now())
	if hidden := len(all) - len(live); hidden > 0 {
		metrics.MessagesExpiredHidden.Add(float64(hidden))
	}
	return live, nil
}

// SendFile stores an encrypted file from caller and returns its id.
func (m *Mailbox) SendFile(ctx context.Context, from int64, in FileInput) (int64, error) {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(in.Filename), "\\", "/"))
	if name == "" || name == "." || name == "/" {
		return 0, fmt.Errorf("%w: filename is required", ErrValidation)
	}
	if len(name) > maxFilenameLen {
		return 0, fmt.Errorf("%w: filename too long", ErrValidation)
	}
	if in.IV == "" || in.Ciphertext == "" {
		return 0, fmt.Errorf("%w: iv and ciphertext are required", ErrValidation)
	}
	if in.Size != nil && *in.Size < 0 {
		return 0, fmt.Errorf("%w: size must not be negative", ErrValidation)
	}

	if err := m.requireRecipient(ctx, in.To); err != nil {
		return 0, err
	}

	f := &models.FileRecord{
		FromID:     from,
		ToID:       in.To,
		Filename:   name,
		MimeType:   in.MimeType,
		Size:       in.Size,
		IV:         in.IV,
		Ciphertext: in.Ciphertext,
		CreatedAt:  m.now().UTC().Truncate(time.Microsecond),
	}
	if err := m.store.CreateFile(ctx, f); err != nil {
		return 0, err
	}

	metrics.FilesSent.Inc()
	m.logger.Debug().
		Int64("file_id", f.ID).
		Int64("from", from).
		Int64("to", in.To).
		Msg("file stored")

	return f.ID, nil
}

// ListFiles returns every file exchanged between caller and peer, oldest first.
func (m *Mailbox) ListFiles(ctx context.Context, caller, peer int64) ([]models.FileRecord, error) {
	files, err := m.store.ListFiles(ctx, caller, peer)
	if err != nil {
		return nil, err
	}
	if files == nil {
		files = []models.FileRecord{}
	}
	return files, nil
}
