package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spysignal/relay/internal/auth"
	"github.com/spysignal/relay/internal/config"
	"github.com/spysignal/relay/internal/relay"
	"github.com/spysignal/relay/internal/store"
)

type testServer struct {
	t       *testing.T
	handler http.Handler
	store   *store.MemoryStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zerolog.Nop()
	ds := store.NewMemoryStore()
	issuer := auth.NewIssuer("test-secret", time.Hour, ds)

	cfg := &config.Config{
		MaxBodyBytes:   1 << 20,
		AllowedOrigins: []string{"*"},
	}
	router := NewRouter(logger, cfg, Services{
		Store:     ds,
		Auth:      issuer,
		Queue:     relay.NewSignalQueue(ds, logger),
		Mailbox:   relay.NewMailbox(ds, logger, nil),
		Directory: relay.NewDirectory(ds, issuer, logger),
	})
	return &testServer{t: t, handler: router, store: ds}
}

func (s *testServer) do(method, path, token string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

type registered struct {
	ID    int64
	Token string
}

func (s *testServer) register(name string) registered {
	s.t.Helper()
	rec, out := s.do(http.MethodPost, "/api/register", "", map[string]string{"username": name})
	require.Contains(s.t, []int{http.StatusCreated, http.StatusOK}, rec.Code)
	return registered{ID: int64(out["id"].(float64)), Token: out["token"].(string)}
}

func TestHealthAndRoot(t *testing.T) {
	s := newTestServer(t)

	rec, out := s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", out["status"])

	rec, out = s.do(http.MethodGet, "/api", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "spysignal relay", out["name"])
}

func TestRegisterIdempotent(t *testing.T) {
	s := newTestServer(t)

	rec, first := s.do(http.MethodPost, "/api/register", "", map[string]string{"username": "alice"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "alice", first["username"])
	assert.NotEmpty(t, first["token"])

	rec, second := s.do(http.MethodPost, "/api/register", "", map[string]string{"username": "alice"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first["id"], second["id"])

	rec, out := s.do(http.MethodPost, "/api/register", "", map[string]string{"username": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "username is required", out["error"])
}

func TestAuthErrors(t *testing.T) {
	s := newTestServer(t)

	rec, out := s.do(http.MethodGet, "/call/poll", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Missing Authorization header", out["error"])

	rec, out = s.do(http.MethodGet, "/call/poll", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid token", out["error"])
}

func TestSignalRoundTrip(t *testing.T) {
	s := newTestServer(t)
	alice := s.register("alice")
	bob := s.register("bob")

	rec, sig := s.do(http.MethodPost, "/call/offer", alice.Token, map[string]interface{}{
		"to":      bob.ID,
		"type":    "offer",
		"payload": map[string]string{"sdp": "x"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "offer", sig["type"])
	assert.Equal(t, float64(alice.ID), sig["from_id"])
	assert.Equal(t, float64(bob.ID), sig["to_id"])
	assert.Equal(t, map[string]interface{}{"sdp": "x"}, sig["payload"])
	assert.NotEmpty(t, sig["created_at"])
	assert.NotContains(t, sig, "consumed")

	rec, out := s.do(http.MethodGet, "/call/poll?since_id=0", bob.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	signals := out["signals"].([]interface{})
	require.Len(t, signals, 1)
	got := signals[0].(map[string]interface{})
	assert.Equal(t, sig["id"], got["id"])
	assert.Equal(t, map[string]interface{}{"sdp": "x"}, got["payload"])

	rec, out = s.do(http.MethodGet, "/call/poll?since_id=0", bob.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{}, out["signals"])
}

func TestSignalKindMismatch(t *testing.T) {
	s := newTestServer(t)
	alice := s.register("alice")
	bob := s.register("bob")

	rec, out := s.do(http.MethodPost, "/call/answer", alice.Token, map[string]interface{}{
		"to":   bob.ID,
		"type": "offer",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "type must be 'answer'", out["error"])

	rec, out = s.do(http.MethodGet, "/call/poll", bob.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, out["signals"])
}

func TestSignalUnknownRecipient(t *testing.T) {
	s := newTestServer(t)
	alice := s.register("alice")

	rec, out := s.do(http.MethodPost, "/call/bye", alice.Token, map[string]interface{}{"to": 999, "type": "bye"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Recipient not found", out["error"])
}

func TestPollRejectsBadCursor(t *testing.T) {
	s := newTestServer(t)
	bob := s.register("bob")

	rec, _ := s.do(http.MethodGet, "/call/poll?since_id=abc", bob.Token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessagesFlow(t *testing.T) {
	s := newTestServer(t)
	alice := s.register("alice")
	bob := s.register("bob")

	rec, out := s.do(http.MethodPost, "/api/messages", alice.Token, map[string]interface{}{
		"to":         bob.ID,
		"iv":         "aXY=",
		"ciphertext": "Y3Q=",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["ok"])
	assert.NotZero(t, out["id"])

	rec, out = s.do(http.MethodPost, "/api/messages", alice.Token, map[string]interface{}{
		"to": 999, "iv": "aXY=", "ciphertext": "Y3Q=",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Recipient not found", out["error"])

	rec, out = s.do(http.MethodGet, fmt.Sprintf("/api/messages?peer_id=%d", alice.ID), bob.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	msgs := out["messages"].([]interface{})
	require.Len(t, msgs, 1)
	msg := msgs[0].(map[string]interface{})
	assert.Equal(t, "text", msg["msg_type"])
	assert.Nil(t, msg["ttl_sec"])
	assert.Equal(t, float64(alice.ID), msg["from_id"])

	rec, _ = s.do(http.MethodGet, "/api/messages", bob.Token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFilesFlow(t *testing.T) {
	s := newTestServer(t)
	alice := s.register("alice")
	bob := s.register("bob")

	rec, out := s.do(http.MethodPost, "/api/files", alice.Token, map[string]interface{}{
		"to":         bob.ID,
		"filename":   "notes.txt",
		"mime_type":  "text/plain",
		"size":       12,
		"iv":         "aXY=",
		"ciphertext": "Y3Q=",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["ok"])

	rec, out = s.do(http.MethodGet, fmt.Sprintf("/api/files?peer_id=%d", bob.ID), alice.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	files := out["files"].([]interface{})
	require.Len(t, files, 1)
	f := files[0].(map[string]interface{})
	assert.Equal(t, "notes.txt", f["filename"])
	assert.Equal(t, "text/plain", f["mime_type"])
	assert.Equal(t, float64(12), f["size"])
}

func TestPubKeyAndSearch(t *testing.T) {
	s := newTestServer(t)
	alice := s.register("alice")
	s.register("bob")

	rec, out := s.do(http.MethodGet, fmt.Sprintf("/api/pubkey/%d", alice.ID), "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "No pubkey", out["error"])

	rec, _ = s.do(http.MethodPost, "/api/pubkey", alice.Token, map[string]string{"pubkey": "cHVia2V5"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, out = s.do(http.MethodGet, fmt.Sprintf("/api/pubkey/%d", alice.ID), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cHVia2V5", out["pubkey"])

	rec, _ = s.do(http.MethodGet, "/api/pubkey/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, out = s.do(http.MethodGet, "/api/users/search?query=ALI", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	results := out["results"].([]interface{})
	require.Len(t, results, 1)
	assert.Equal(t, "alice", results[0].(map[string]interface{})["username"])

	rec, out = s.do(http.MethodGet, "/api/users/search?query=", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{}, out["results"])
}

func TestStats(t *testing.T) {
	s := newTestServer(t)
	alice := s.register("alice")
	bob := s.register("bob")

	s.do(http.MethodPost, "/call/candidate", alice.Token, map[string]interface{}{"to": bob.ID, "type": "candidate"})

	rec, out := s.do(http.MethodGet, "/api/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), out["total_users"])
	assert.Equal(t, float64(1), out["pending_signals"])
}

func TestSecurityHeadersApplied(t *testing.T) {
	s := newTestServer(t)
	rec, _ := s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}
