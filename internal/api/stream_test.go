package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spysignal/relay/internal/handlers"
)

func TestStreamPushesSignals(t *testing.T) {
	s := newTestServer(t)
	alice := s.register("alice")
	bob := s.register("bob")

	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/call/stream?access_token=" + bob.Token
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	rec, _ := s.do(http.MethodPost, "/call/offer", alice.Token, map[string]interface{}{
		"to":      bob.ID,
		"type":    "offer",
		"payload": map[string]string{"sdp": "v=0"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var batch handlers.PollResponse
	require.NoError(t, conn.ReadJSON(&batch))
	require.Len(t, batch.Signals, 1)
	assert.Equal(t, alice.ID, batch.Signals[0].FromID)
	assert.JSONEq(t, `{"sdp":"v=0"}`, string(batch.Signals[0].Payload))

	// Delivered through the stream, so a plain poll finds nothing.
	_, out := s.do(http.MethodGet, "/call/poll", bob.Token, nil)
	assert.Empty(t, out["signals"])
}

func TestStreamRequiresToken(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/call/stream"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
