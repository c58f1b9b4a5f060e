package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spysignal/relay/internal/models"
	"github.com/spysignal/relay/internal/store"
)

func newQueue(t *testing.T) (*SignalQueue, *store.MemoryStore, *fakeClock, int64, int64) {
	t.Helper()
	ds := store.NewMemoryStore()
	clock := newFakeClock()
	q := NewSignalQueue(ds, testLogger(), WithClock(clock.Now))
	alice := newUser(t, ds, "alice")
	bob := newUser(t, ds, "bob")
	return q, ds, clock, alice, bob
}

func TestSubmitAndPollOffer(t *testing.T) {
	ctx := context.Background()
	q, _, _, alice, bob := newQueue(t)

	sig, err := q.Submit(ctx, models.SignalOffer, SignalInput{
		From:    alice,
		To:      bob,
		Kind:    "offer",
		Payload: json.RawMessage(`{"sdp": "x"}`),
	})
	require.NoError(t, err)
	assert.NotZero(t, sig.ID)
	assert.Equal(t, models.SignalOffer, sig.Kind)
	assert.JSONEq(t, `{"sdp":"x"}`, string(sig.Payload))

	got, err := q.Poll(ctx, bob, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, sig.ID, got[0].ID)
	assert.Equal(t, models.SignalOffer, got[0].Kind)
	assert.Equal(t, alice, got[0].FromID)
	assert.True(t, got[0].Consumed)
	assert.JSONEq(t, `{"sdp":"x"}`, string(got[0].Payload))

	again, err := q.Poll(ctx, bob, 0)
	require.NoError(t, err)
	assert.NotNil(t, again)
	assert.Empty(t, again)
}

func TestPollReturnsAllInIDOrder(t *testing.T) {
	ctx := context.Background()
	q, _, clock, alice, bob := newQueue(t)

	var ids []int64
	for i := 0; i < 10; i++ {
		sig, err := q.Submit(ctx, models.SignalCandidate, SignalInput{
			From:    alice,
			To:      bob,
			Kind:    "candidate",
			Payload: json.RawMessage(`{"candidate":"c","n":` + string(rune('0'+i)) + `}`),
		})
		require.NoError(t, err)
		ids = append(ids, sig.ID)
		clock.Advance(time.Second)
	}

	got, err := q.Poll(ctx, bob, 0)
	require.NoError(t, err)
	require.Len(t, got, len(ids))
	for i, sig := range got {
		assert.Equal(t, ids[i], sig.ID)
	}
}

func TestPollOnlyReturnsCallersSignals(t *testing.T) {
	ctx := context.Background()
	q, ds, _, alice, bob := newQueue(t)
	carol := newUser(t, ds, "carol")

	_, err := q.Submit(ctx, models.SignalOffer, SignalInput{From: alice, To: bob, Kind: "offer"})
	require.NoError(t, err)
	_, err = q.Submit(ctx, models.SignalOffer, SignalInput{From: alice, To: carol, Kind: "offer"})
	require.NoError(t, err)

	got, err := q.Poll(ctx, carol, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, carol, got[0].ToID)

	got, err = q.Poll(ctx, bob, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, bob, got[0].ToID)
}

func TestPollSinceIDSkipsOlderSignals(t *testing.T) {
	ctx := context.Background()
	q, _, _, alice, bob := newQueue(t)

	first, err := q.Submit(ctx, models.SignalCandidate, SignalInput{From: alice, To: bob, Kind: "candidate"})
	require.NoError(t, err)
	second, err := q.Submit(ctx, models.SignalCandidate, SignalInput{From: alice, To: bob, Kind: "candidate"})
	require.NoError(t, err)

	got, err := q.Poll(ctx, bob, first.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, second.ID, got[0].ID)

	// The skipped signal is still unconsumed.
	got, err = q.Poll(ctx, bob, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, first.ID, got[0].ID)
}

func TestPollSmallerCursorNeverRedelivers(t *testing.T) {
	ctx := context.Background()
	q, _, _, alice, bob := newQueue(t)

	_, err := q.Submit(ctx, models.SignalAnswer, SignalInput{From: alice, To: bob, Kind: "answer"})
	require.NoError(t, err)

	got, err := q.Poll(ctx, bob, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = q.Poll(ctx, bob, -1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSignalAgesOut(t *testing.T) {
	ctx := context.Background()
	q, ds, clock, alice, bob := newQueue(t)

	_, err := q.Submit(ctx, models.SignalCandidate, SignalInput{
		From:    alice,
		To:      bob,
		Kind:    "candidate",
		Payload: json.RawMessage(`{"candidate":"a=1"}`),
	})
	require.NoError(t, err)

	clock.Advance(130 * time.Second)

	got, err := q.Poll(ctx, bob, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	pending, err := ds.CountPendingSignals(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending, "aged signal should be swept")
}

func TestSignalVisibleAtRetentionBoundary(t *testing.T) {
	ctx := context.Background()
	q, _, clock, alice, bob := newQueue(t)

	_, err := q.Submit(ctx, models.SignalOffer, SignalInput{From: alice, To: bob, Kind: "offer"})
	require.NoError(t, err)

	clock.Advance(Retention)
	got, err := q.Poll(ctx, bob, 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSignalAbsentJustAfterRetention(t *testing.T) {
	ctx := context.Background()
	ds := store.NewMemoryStore()
	clock := newFakeClock()
	// No inline sweep: the claim alone must hide aged signals.
	q := NewSignalQueue(ds, testLogger(), WithClock(clock.Now), WithInlineSweep(false))
	alice := newUser(t, ds, "alice")
	bob := newUser(t, ds, "bob")

	_, err := q.Submit(ctx, models.SignalOffer, SignalInput{From: alice, To: bob, Kind: "offer"})
	require.NoError(t, err)

	clock.Advance(Retention + time.Millisecond)
	got, err := q.Poll(ctx, bob, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSweepRemovesConsumedAndUnconsumed(t *testing.T) {
	ctx := context.Background()
	q, ds, clock, alice, bob := newQueue(t)

	_, err := q.Submit(ctx, models.SignalOffer, SignalInput{From: alice, To: bob, Kind: "offer"})
	require.NoError(t, err)
	_, err = q.Poll(ctx, bob, 0)
	require.NoError(t, err)
	_, err = q.Submit(ctx, models.SignalBye, SignalInput{From: alice, To: bob, Kind: "bye"})
	require.NoError(t, err)

	clock.Advance(3 * time.Minute)
	fresh, err := q.Submit(ctx, models.SignalOffer, SignalInput{From: alice, To: bob, Kind: "offer"})
	require.NoError(t, err)

	deleted, err := q.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	pending, err := ds.CountPendingSignals(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	got, err := q.Poll(ctx, bob, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, fresh.ID, got[0].ID)
}

func TestSubmitKindMismatch(t *testing.T) {
	ctx := context.Background()
	q, ds, _, alice, bob := newQueue(t)

	_, err := q.Submit(ctx, models.SignalAnswer, SignalInput{From: alice, To: bob, Kind: "offer"})
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "type must be 'answer'")

	pending, err := ds.CountPendingSignals(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestSubmitUnknownKind(t *testing.T) {
	q, _, _, alice, bob := newQueue(t)

	_, err := q.Submit(context.Background(), models.SignalOffer, SignalInput{From: alice, To: bob, Kind: "hangup"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSubmitPayloadValidation(t *testing.T) {
	ctx := context.Background()
	q, _, _, alice, bob := newQueue(t)

	tests := []struct {
		name    string
		payload string
		want    string
		wantErr bool
	}{
		{"absent", ``, `{}`, false},
		{"null", `null`, `{}`, false},
		{"object", `{ "sdp" : "v=0" }`, `{"sdp":"v=0"}`, false},
		{"nested", `{"c":{"sdpMid":"0","idx":1}}`, `{"c":{"sdpMid":"0","idx":1}}`, false},
		{"array", `[1,2]`, ``, true},
		{"string", `"sdp"`, ``, true},
		{"broken", `{"sdp":`, ``, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := q.Submit(ctx, models.SignalOffer, SignalInput{
				From:    alice,
				To:      bob,
				Kind:    "offer",
				Payload: json.RawMessage(tt.payload),
			})
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(sig.Payload))
		})
	}
}

func TestSubmitUnknownRecipient(t *testing.T) {
	q, _, _, alice, _ := newQueue(t)

	_, err := q.Submit(context.Background(), models.SignalOffer, SignalInput{From: alice, To: 999, Kind: "offer"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPollCorruptPayloadIsReplaced(t *testing.T) {
	ctx := context.Background()
	q, ds, clock, alice, bob := newQueue(t)

	require.NoError(t, ds.InsertSignal(ctx, &models.SignalRecord{
		FromID:    alice,
		ToID:      bob,
		Kind:      models.SignalCandidate,
		Payload:   json.RawMessage(`{not json`),
		CreatedAt: clock.Now(),
	}))
	good, err := q.Submit(ctx, models.SignalCandidate, SignalInput{
		From:    alice,
		To:      bob,
		Kind:    "candidate",
		Payload: json.RawMessage(`{"candidate":"ok"}`),
	})
	require.NoError(t, err)

	got, err := q.Poll(ctx, bob, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, `{}`, string(got[0].Payload))
	assert.Equal(t, good.ID, got[1].ID)
	assert.JSONEq(t, `{"candidate":"ok"}`, string(got[1].Payload))
}

func TestConcurrentPollsDeliverOnce(t *testing.T) {
	ctx := context.Background()
	q, _, _, alice, bob := newQueue(t)

	const signals = 50
	for i := 0; i < signals; i++ {
		_, err := q.Submit(ctx, models.SignalCandidate, SignalInput{From: alice, To: bob, Kind: "candidate"})
		require.NoError(t, err)
	}

	const pollers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int64]int)
	)
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := q.Poll(ctx, bob, 0)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, sig := range got {
				seen[sig.ID]++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, signals)
	for id, n := range seen {
		assert.Equal(t, 1, n, "signal %d delivered %d times", id, n)
	}
}
