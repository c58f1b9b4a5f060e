package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

// memLimits counts hits per key without expiring them.
type memLimits struct {
	mu         sync.Mutex
	hits       map[string]int64
	violations map[string]int64
	blocked    map[string]bool
}

func newMemLimits() *memLimits {
	return &memLimits{hits: map[string]int64{}, violations: map[string]int64{}, blocked: map[string]bool{}}
}

func (m *memLimits) RecordHit(ctx context.Context, key string, window time.Duration, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.hits[key]
	m.hits[key]++
	return n, nil
}

func (m *memLimits) IncrViolations(ctx context.Context, ip string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.violations[ip]++
	return m.violations[ip], nil
}

func (m *memLimits) IsBlocked(ctx context.Context, ip string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocked[ip]
}

func (m *memLimits) Block(ctx context.Context, ip string, d time.Duration, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked[ip] = true
	return nil
}

func doRequest(h http.Handler, method, path, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = ip + ":1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiterBlocksAfterLimit(t *testing.T) {
	store := newMemLimits()
	h := NewRateLimiter(store, zerolog.Nop(), RateLimiterConfig{}).Middleware(okHandler)

	for i := 0; i < 10; i++ {
		rec := doRequest(h, http.MethodPost, "/api/register", "203.0.113.5")
		assert.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}
	rec := doRequest(h, http.MethodPost, "/api/register", "203.0.113.5")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	// Other clients are unaffected.
	rec = doRequest(h, http.MethodPost, "/api/register", "203.0.113.6")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiterWhitelist(t *testing.T) {
	store := newMemLimits()
	h := NewRateLimiter(store, zerolog.Nop(), RateLimiterConfig{Whitelist: []string{"10.0.0.0/8"}}).Middleware(okHandler)

	for i := 0; i < 20; i++ {
		rec := doRequest(h, http.MethodPost, "/api/register", "10.1.2.3")
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Empty(t, store.hits)
}

func TestRateLimiterAutoBlock(t *testing.T) {
	store := newMemLimits()
	h := NewRateLimiter(store, zerolog.Nop(), RateLimiterConfig{AutoBlockEnabled: true}).Middleware(okHandler)

	for i := 0; i < 10+autoBlockThreshold; i++ {
		doRequest(h, http.MethodPost, "/api/register", "198.51.100.7")
	}
	assert.True(t, store.blocked["198.51.100.7"])

	rec := doRequest(h, http.MethodGet, "/health", "198.51.100.7")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestFindLimitPrefersSpecificRoute(t *testing.T) {
	rl := NewRateLimiter(newMemLimits(), zerolog.Nop(), RateLimiterConfig{})

	limit, pattern := rl.findLimit(httptest.NewRequest(http.MethodPost, "/call/candidate", nil))
	assert.Equal(t, "POST /call/candidate", pattern)
	assert.Equal(t, 300, limit.Requests)

	_, pattern = rl.findLimit(httptest.NewRequest(http.MethodPost, "/call/offer", nil))
	assert.Equal(t, "POST /call/", pattern)

	limit, _ = rl.findLimit(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Nil(t, limit)
}
