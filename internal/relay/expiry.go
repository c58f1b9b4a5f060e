package relay

import (
	"time"

	"github.com/spysignal/relay/internal/models"
)

// Live reports whether m is still visible at now. A message without a TTL
// never expires; one with a TTL is visible strictly before CreatedAt+TTL.
func Live(m models.Message, now time.Time) bool {
	expiresAt, ok := m.ExpiresAt()
	if !ok {
		return true
	}
	return now.Before(expiresAt)
}

// FilterLive returns the messages still live at now, keeping their order.
// Expired messages stay in the store; they are only left out of the result.
func FilterLive(msgs []models.Message, now time.Time) []models.Message {
	return visible(msgs, func(m models.Message) bool { return Live(m, now) })
}
