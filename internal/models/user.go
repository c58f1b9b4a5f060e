package models

import "time"

// User is a registered identity. The server only ever sees its public key.
type User struct {
	ID         int64     `json:"id" db:"id"`
	Username   string    `json:"username" db:"username"`
	TelegramID *string   `json:"telegram_id,omitempty" db:"telegram_id"`
	PubKey     *string   `json:"-" db:"pubkey"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
