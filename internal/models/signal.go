package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// SignalKind is the call-setup step a signal carries.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
	SignalBye       SignalKind = "bye"
)

// SignalKinds lists every accepted kind, in call order.
var SignalKinds = []SignalKind{SignalOffer, SignalAnswer, SignalCandidate, SignalBye}

// ParseSignalKind accepts only the closed set of kinds.
func ParseSignalKind(s string) (SignalKind, error) {
	for _, k := range SignalKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown signal kind %q", s)
}

// SignalRecord is a queued WebRTC signal waiting for its recipient.
type SignalRecord struct {
	ID        int64           `json:"id" db:"id"`
	FromID    int64           `json:"from_id" db:"from_id"`
	ToID      int64           `json:"to_id" db:"to_id"`
	Kind      SignalKind      `json:"type" db:"signal_type"`
	Payload   json.RawMessage `json:"payload" db:"payload"` // SDP or ICE candidate, never interpreted
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	Consumed  bool            `json:"-" db:"consumed"`
}
