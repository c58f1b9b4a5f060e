package models

import "time"

// DefaultMsgType is used when a sender does not tag a message.
const DefaultMsgType = "text"

// Message is an end-to-end encrypted text record between two users.
type Message struct {
	ID         int64     `json:"id" db:"id"`
	FromID     int64     `json:"from_id" db:"from_id"`
	ToID       int64     `json:"to_id" db:"to_id"`
	IV         string    `json:"iv" db:"iv"`                 // client-chosen nonce (base64)
	Ciphertext string    `json:"ciphertext" db:"ciphertext"` // opaque to the server
	MsgType    string    `json:"msg_type" db:"msg_type"`
	TTLSec     *int      `json:"ttl_sec" db:"ttl_sec"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// ExpiresAt returns the instant the message stops being surfaced, or false
// when the message never expires.
func (m *Message) ExpiresAt() (time.Time, bool) {
	if m.TTLSec == nil {
		return time.Time{}, false
	}
	return m.CreatedAt.Add(time.Duration(*m.TTLSec) * time.Second), true
}
