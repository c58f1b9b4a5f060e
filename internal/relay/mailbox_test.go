package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spysignal/relay/internal/store"
)

func newMailbox(t *testing.T) (*Mailbox, *fakeClock, int64, int64) {
	t.Helper()
	ds := store.NewMemoryStore()
	clock := newFakeClock()
	alice := newUser(t, ds, "alice")
	bob := newUser(t, ds, "bob")
	return NewMailbox(ds, testLogger(), clock.Now), clock, alice, bob
}

func TestSendMessageDefaults(t *testing.T) {
	ctx := context.Background()
	mb, _, alice, bob := newMailbox(t)

	id, err := mb.SendMessage(ctx, alice, MessageInput{To: bob, IV: "iv", Ciphertext: "ct"})
	require.NoError(t, err)
	assert.NotZero(t, id)

	msgs, err := mb.ListMessages(ctx, bob, alice)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "text", msgs[0].MsgType)
	assert.Nil(t, msgs[0].TTLSec)
	assert.Equal(t, alice, msgs[0].FromID)
}

func TestSendMessageValidation(t *testing.T) {
	ctx := context.Background()
	mb, _, alice, bob := newMailbox(t)

	_, err := mb.SendMessage(ctx, alice, MessageInput{To: bob, Ciphertext: "ct"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = mb.SendMessage(ctx, alice, MessageInput{To: bob, IV: "iv"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = mb.SendMessage(ctx, alice, MessageInput{To: bob, IV: "iv", Ciphertext: "ct", TTLSec: intPtr(-1)})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = mb.SendMessage(ctx, alice, MessageInput{To: 404, IV: "iv", Ciphertext: "ct"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSendMessageClampsTTL(t *testing.T) {
	ctx := context.Background()
	mb, _, alice, bob := newMailbox(t)

	_, err := mb.SendMessage(ctx, alice, MessageInput{To: bob, IV: "iv", Ciphertext: "ct", TTLSec: intPtr(90 * 24 * 3600)})
	require.NoError(t, err)

	msgs, err := mb.ListMessages(ctx, alice, bob)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].TTLSec)
	assert.Equal(t, int(MaxTTL/time.Second), *msgs[0].TTLSec)
}

func TestListMessagesHidesExpired(t *testing.T) {
	ctx := context.Background()
	mb, clock, alice, bob := newMailbox(t)

	_, err := mb.SendMessage(ctx, alice, MessageInput{To: bob, IV: "iv", Ciphertext: "burn", TTLSec: intPtr(5)})
	require.NoError(t, err)
	_, err = mb.SendMessage(ctx, bob, MessageInput{To: alice, IV: "iv", Ciphertext: "keep"})
	require.NoError(t, err)

	clock.Advance(4 * time.Second)
	msgs, err := mb.ListMessages(ctx, bob, alice)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "burn", msgs[0].Ciphertext)
	assert.Equal(t, "keep", msgs[1].Ciphertext)

	clock.Advance(2 * time.Second)
	msgs, err = mb.ListMessages(ctx, bob, alice)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "keep", msgs[0].Ciphertext)

	clock.Advance(365 * 24 * time.Hour)
	msgs, err = mb.ListMessages(ctx, alice, bob)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestListMessagesOnlyBetweenPeers(t *testing.T) {
	ctx := context.Background()
	ds := store.NewMemoryStore()
	mb := NewMailbox(ds, testLogger(), nil)
	alice := newUser(t, ds, "alice")
	bob := newUser(t, ds, "bob")
	carol := newUser(t, ds, "carol")

	_, err := mb.SendMessage(ctx, alice, MessageInput{To: bob, IV: "iv", Ciphertext: "ab"})
	require.NoError(t, err)
	_, err = mb.SendMessage(ctx, alice, MessageInput{To: carol, IV: "iv", Ciphertext: "ac"})
	require.NoError(t, err)

	msgs, err := mb.ListMessages(ctx, carol, alice)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "ac", msgs[0].Ciphertext)

	msgs, err = mb.ListMessages(ctx, bob, carol)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSendFile(t *testing.T) {
	ctx := context.Background()
	mb, _, alice, bob := newMailbox(t)

	mime := "image/png"
	size := int64(1024)
	id, err := mb.SendFile(ctx, alice, FileInput{
		To:         bob,
		Filename:   "../../etc/photo.png",
		MimeType:   &mime,
		Size:       &size,
		IV:         "iv",
		Ciphertext: "ct",
	})
	require.NoError(t, err)
	assert.NotZero(t, id)

	files, err := mb.ListFiles(ctx, bob, alice)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "photo.png", files[0].Filename)
	assert.Equal(t, &mime, files[0].MimeType)

	_, err = mb.SendFile(ctx, alice, FileInput{To: 404, Filename: "a", IV: "iv", Ciphertext: "ct"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = mb.SendFile(ctx, alice, FileInput{To: bob, Filename: "  ", IV: "iv", Ciphertext: "ct"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestClampTTL(t *testing.T) {
	assert.Equal(t, 0, ClampTTL(0))
	assert.Equal(t, 3600, ClampTTL(3600))
	assert.Equal(t, int(MaxTTL/time.Second), ClampTTL(40*24*3600))
}
