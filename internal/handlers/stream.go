package handlers

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/spysignal/relay/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// StreamConfig tunes /call/stream.
type StreamConfig struct {
	PollInterval   time.Duration
	AllowedOrigins []string // "*" allows any origin
}

// DefaultStreamConfig polls the queue once a second and accepts any origin.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{PollInterval: time.Second, AllowedOrigins: []string{"*"}}
}

func (c StreamConfig) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range c.AllowedOrigins {
		if allowed == "*" || allowed == origin || allowed == u.Host {
			return true
		}
	}
	return false
}

// StreamSignals upgrades to a WebSocket and pushes each batch the caller's
// queue yields as a PollResponse frame. Delivery semantics are those of
// PollSignals: a batch that fails to send is not redelivered.
func (h *Handler) StreamSignals(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	cursor, err := queryInt64(r, "since_id", 0)
	if err != nil {
		h.Error(w, http.StatusBadRequest, "since_id must be an integer")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.stream.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		return
	}
	defer conn.Close()

	session := ulid.Make().String()
	log := h.logger.With().Str("session", session).Int64("caller", caller).Logger()
	log.Info().Msg("signal stream opened")
	metrics.StreamConnections.Inc()
	defer metrics.StreamConnections.Dec()

	// The request context ends when the handler returns, not when the peer
	// goes away, so the read pump owns cancellation.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		defer cancel()
		conn.SetReadLimit(1024)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	poll := time.NewTicker(h.stream.PollInterval)
	defer poll.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Int64("cursor", cursor).Msg("signal stream closed")
			return

		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-poll.C:
			signals, err := h.queue.Poll(ctx, caller, cursor)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				log.Error().Err(err).Msg("stream poll failed")
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "poll failed"))
				return
			}
			if len(signals) == 0 {
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(PollResponse{Signals: signals}); err != nil {
				log.Warn().Err(err).Int("dropped", len(signals)).Msg("failed to push signals")
				return
			}
			cursor = signals[len(signals)-1].ID
		}
	}
}
