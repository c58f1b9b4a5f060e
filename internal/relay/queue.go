package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/spysignal/relay/internal/metrics"
	"github.com/spysignal/relay/internal/models"
	"github.com/spysignal/relay/internal/store"
)

// Retention is how long an unclaimed signal stays deliverable.
const Retention = 2 * time.Minute

var emptyPayload = json.RawMessage(`{}`)

// SignalInput is a signal as submitted by its sender.
type SignalInput struct {
	From    int64
	To      int64
	Kind    string
	Payload json.RawMessage
}

// SignalQueue is the per-recipient inbox for call-setup signals. Each signal
// is handed out by Poll at most once and disappears after Retention.
type SignalQueue struct {
	store       store.DataStore
	logger      zerolog.Logger
	now         Clock
	inlineSweep bool
}

// QueueOption configures a SignalQueue.
type QueueOption func(*SignalQueue)

// WithClock replaces the wall clock.
func WithClock(c Clock) QueueOption {
	return func(q *SignalQueue) { q.now = c }
}

// WithInlineSweep controls whether every Poll first deletes aged signals.
// It is on by default.
func WithInlineSweep(enabled bool) QueueOption {
	return func(q *SignalQueue) { q.inlineSweep = enabled }
}

// NewSignalQueue creates a queue backed by ds.
func NewSignalQueue(ds store.DataStore, logger zerolog.Logger, opts ...QueueOption) *SignalQueue {
	q := &SignalQueue{
		store:       ds,
		logger:      logger.With().Str("component", "signal_queue").Logger(),
		now:         systemClock,
		inlineSweep: true,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Submit queues a signal for in.To. endpoint is the kind fixed by the route
// the sender used; the kind in the body has to agree with it.
func (q *SignalQueue) Submit(ctx context.Context, endpoint models.SignalKind, in SignalInput) (*models.SignalRecord, error) {
	kind, err := models.ParseSignalKind(in.Kind)
	if err != nil || kind != endpoint {
		return nil, fmt.Errorf("%w: type must be '%s'", ErrValidation, endpoint)
	}

	payload, err := normalizePayload(in.Payload)
	if err != nil {
		return nil, err
	}

	if _, err := q.store.GetUserByID(ctx, in.To); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: recipient %d", ErrNotFound, in.To)
		}
		return nil, err
	}

	sig := &models.SignalRecord{
		FromID:    in.From,
		ToID:      in.To,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: q.now().UTC().Truncate(time.Microsecond),
	}
	if err := q.store.InsertSignal(ctx, sig); err != nil {
		return nil, err
	}

	metrics.SignalsSubmitted.WithLabelValues(string(kind)).Inc()
	q.logger.Debug().
		Int64("signal_id", sig.ID).
		Int64("from", sig.FromID).
		Int64("to", sig.ToID).
		Str("kind", string(kind)).
		Msg("signal queued")

	return sig, nil
}

// Poll claims every unconsumed, unexpired signal addressed to caller with an
// id above sinceID. The claimed signals are returned in id order and are
// never returned again, whatever sinceID a later Poll passes.
func (q *SignalQueue) Poll(ctx context.Context, caller, sinceID int64) ([]models.SignalRecord, error) {
	now := q.now().UTC()

	if q.inlineSweep {
		if _, err := q.sweep(ctx, now, "poll"); err != nil {
			// The claim below still excludes aged rows.
			q.logger.Warn().Err(err).Msg("inline sweep failed")
		}
	}

	start := time.Now()
	claimed, err := q.store.ClaimSignals(ctx, caller, sinceID, now.Add(-Retention))
	metrics.StoreLatency.WithLabelValues("claim_signals").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		claimed = []models.SignalRecord{}
	}

	for i := range claimed {
		sig := &claimed[i]
		if err := checkStoredPayload(sig); err != nil {
			metrics.CorruptSignals.Inc()
			q.logger.Warn().Err(err).Int64("signal_id", sig.ID).Msg("substituting empty payload")
			sig.Payload = emptyPayload
		}
		metrics.SignalsDelivered.WithLabelValues(string(sig.Kind)).Inc()
	}

	return claimed, nil
}

// Sweep deletes every signal older than Retention, delivered or not.
func (q *SignalQueue) Sweep(ctx context.Context) (int64, error) {
	return q.sweep(ctx, q.now().UTC(), "background")
}

func (q *SignalQueue) sweep(ctx context.Context, now time.Time, source string) (int64, error) {
	deleted, err := q.store.DeleteSignalsBefore(ctx, now.Add(-Retention))
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		metrics.SignalsSwept.WithLabelValues(source).Add(float64(deleted))
		q.logger.Debug().Int64("count", deleted).Str("source", source).Msg("swept aged signals")
	}
	return deleted, nil
}

// normalizePayload accepts a JSON object, or nothing at all, and returns its
// compact form.
func normalizePayload(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return emptyPayload, nil
	}
	if trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: payload must be a JSON object", ErrValidation)
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrValidation, err)
	}
	return json.RawMessage(buf.Bytes()), nil
}

func checkStoredPayload(sig *models.SignalRecord) error {
	if len(sig.Payload) == 0 || !json.Valid(sig.Payload) {
		return fmt.Errorf("%w: signal %d payload", ErrCorruptRecord, sig.ID)
	}
	return nil
}
