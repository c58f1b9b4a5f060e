package models

import "time"

// FileRecord is an encrypted file blob sent from one user to another.
type FileRecord struct {
	ID         int64     `json:"id" db:"id"`
	FromID     int64     `json:"from_id" db:"from_id"`
	ToID       int64     `json:"to_id" db:"to_id"`
	Filename   string    `json:"filename" db:"filename"`
	MimeType   *string   `json:"mime_type" db:"mime_type"`
	Size       *int64    `json:"size" db:"size"`
	IV         string    `json:"iv" db:"iv"`
	Ciphertext string    `json:"ciphertext" db:"ciphertext"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
