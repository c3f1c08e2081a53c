package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/google/uuid"
)

const wsWriteTimeout = 10 * time.Second

// handleEventsWS upgrades the connection and streams every run event as a
// JSON text message. Authenticated with the same API keys as the REST API,
// passed as a "token" query parameter or a Bearer header.
func (g *Gateway) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if !g.authorizeWS(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"hifadhi-events-v1"},
	})
	if err != nil {
		g.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	events, cancel := g.hub.Subscribe(uuid.Nil)
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, wsWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancelWrite()
			if err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					g.logger.Debug("websocket write failed", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

// authorizeWS checks the API key on a websocket upgrade request.
func (g *Gateway) authorizeWS(r *http.Request) bool {
	token := r.URL.Query().Get("token")
	if token == "" {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if token == "" {
		return false
	}
	for key := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			return true
		}
	}
	return false
}
