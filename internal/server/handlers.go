package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chatcore/internal/chat"
	"github.com/Tyrowin/chatcore/internal/hub"
)

// historyResponse is the body of GET /history.
type historyResponse struct {
	Room     string             `json:"room"`
	Messages []chat.WireMessage `json:"messages"`
}

// WebSocketHandler authenticates the request, upgrades it, registers a hub
// session and starts the client's pumps. Identity is checked before the
// upgrade so unauthenticated clients get a plain 401.
func (g *Gateway) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	identity, err := g.identity.Identify(r)
	if err != nil {
		g.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("rejecting unauthenticated connection")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	sink := hub.NewChanSink(g.hub.Config().SessionBuffer)
	sess, err := g.hub.Connect(r.Context(), identity, sink)
	if err != nil {
		g.log.Warn().Err(err).Str("user_id", identity.UserID).Msg("hub refused session")
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "chat unavailable")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	client := newClient(conn, g.hub, sess, sink, r.RemoteAddr, g.cfg, g.log)

	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		client.writePump()
	}()
	go func() {
		defer g.wg.Done()
		client.readPump(g.ctx)
	}()
}

// HealthHandler provides a simple health check endpoint that returns server status.
func (g *Gateway) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	select {
	case <-g.hub.Done():
		http.Error(w, "hub stopped", http.StatusServiceUnavailable)
		return
	default:
	}

	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

// HistoryHandler returns the newest messages oldest first. The limit query
// parameter defaults to the replay size and is capped at the history size.
func (g *Gateway) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	hcfg := g.hub.Config()

	limit := hcfg.ReplaySize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if hcfg.HistorySize > 0 && limit > hcfg.HistorySize {
		limit = hcfg.HistorySize
	}

	msgs, err := g.hub.RecentHistory(r.Context(), limit)
	if err != nil {
		g.writeHubError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, historyResponse{
		Room:     hcfg.Room,
		Messages: chat.WireMessages(msgs),
	})
}

// StatsHandler returns hub and persister counters.
func (g *Gateway) StatsHandler(w http.ResponseWriter, r *http.Request) {
	st, err := g.hub.Stats(r.Context())
	if err != nil {
		g.writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (g *Gateway) writeHubError(w http.ResponseWriter, err error) {
	if errors.Is(err, hub.ErrHubClosed) {
		http.Error(w, "hub stopped", http.StatusServiceUnavailable)
		return
	}
	g.log.Error().Err(err).Msg("hub query failed")
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
