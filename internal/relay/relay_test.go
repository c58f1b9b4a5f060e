package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/spysignal/relay/internal/store"
)

// fakeClock is a settable clock shared by everything under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type staticTokens struct{}

func (staticTokens) Issue(userID int64) (string, error) {
	return "token", nil
}

func newUser(t *testing.T, ds store.DataStore, name string) int64 {
	t.Helper()
	u, err := ds.CreateUser(context.Background(), name, nil)
	require.NoError(t, err)
	return u.ID
}

func intPtr(v int) *int { return &v }


func testLogger() zerolog.Logger { return zerolog.Nop() }
