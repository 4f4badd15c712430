package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatcore/internal/chat"
	"github.com/Tyrowin/chatcore/internal/hub"
	"github.com/Tyrowin/chatcore/test/testhelpers"
)

const frameTimeout = 2 * time.Second

type testGateway struct {
	srv   *httptest.Server
	hub   *hub.Hub
	wsURL string
}

func newTestGateway(t *testing.T, cfg Config, hcfg hub.Config) *testGateway {
	t.Helper()

	h := hub.New(hcfg, nil, zerolog.Nop())
	go h.Run()

	gw := NewGateway(cfg, h, NewHeaderIdentity(cfg.Identity), zerolog.Nop())
	srv := httptest.NewServer(gw.Routes())

	t.Cleanup(func() {
		_ = h.Shutdown(time.Second)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = gw.Close(ctx)
		srv.Close()
	})

	return &testGateway{srv: srv, hub: h, wsURL: testhelpers.WebSocketURL(srv.URL)}
}

func (tg *testGateway) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()

	conn, _, err := testhelpers.ConnectWebSocket(tg.wsURL, testhelpers.UserHeaders(userID, "User "+userID))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (tg *testGateway) waitForSessions(t *testing.T, n int) {
	t.Helper()

	require.Eventually(t, func() bool {
		got, err := tg.hub.Count(context.Background())
		return err == nil && got == n
	}, frameTimeout, 10*time.Millisecond)
}

func receive(t *testing.T, conn *websocket.Conn) chat.Frame {
	t.Helper()

	f, err := testhelpers.ReceiveFrame(conn, frameTimeout)
	require.NoError(t, err)
	return f
}

func TestGateway_BroadcastBetweenClients(t *testing.T) {
	tg := newTestGateway(t, Config{}, hub.Config{})

	alice := tg.dial(t, "alice")
	bob := tg.dial(t, "bob")
	tg.waitForSessions(t, 2)

	require.NoError(t, testhelpers.SendMessage(alice, "  hello bob  "))

	for _, conn := range []*websocket.Conn{bob, alice} {
		f := receive(t, conn)
		assert.Equal(t, chat.FrameMessage, f.Type)
		require.NotNil(t, f.Message)
		assert.Equal(t, "hello bob", f.Message.Body)
		assert.Equal(t, "alice", f.Message.AuthorID)
		assert.Equal(t, "User alice", f.Message.AuthorName)
		assert.NotEmpty(t, f.Message.ID)
		assert.InDelta(t, time.Now().UnixMilli(), f.Message.CreatedAt, float64(5*time.Second/time.Millisecond))
	}
}

func TestGateway_ReplaysHistoryOnConnect(t *testing.T) {
	tg := newTestGateway(t, Config{RateLimit: RateLimitConfig{Burst: 10}}, hub.Config{ReplaySize: 2})

	author := tg.dial(t, "author")
	tg.waitForSessions(t, 1)
	for _, body := range []string{"one", "two", "three"} {
		require.NoError(t, testhelpers.SendMessage(author, body))
		assert.Equal(t, body, receive(t, author).Message.Body)
	}

	late := tg.dial(t, "late")
	first := receive(t, late)
	second := receive(t, late)
	assert.Equal(t, chat.FrameHistory, first.Type)
	assert.Equal(t, "two", first.Message.Body)
	assert.Equal(t, "three", second.Message.Body)
}

func TestGateway_ErrorFrames(t *testing.T) {
	tg := newTestGateway(t, Config{
		RateLimit: RateLimitConfig{Burst: 3, RefillInterval: time.Hour},
	}, hub.Config{MaxMessageLength: 10})

	conn := tg.dial(t, "u1")
	tg.waitForSessions(t, 1)

	t.Run("empty body", func(t *testing.T) {
		require.NoError(t, testhelpers.SendMessage(conn, "   "))
		f := receive(t, conn)
		assert.Equal(t, chat.FrameError, f.Type)
		assert.Contains(t, f.Error, "empty")
	})

	t.Run("too long", func(t *testing.T) {
		require.NoError(t, testhelpers.SendMessage(conn, strings.Repeat("x", 11)))
		f := receive(t, conn)
		assert.Equal(t, chat.FrameError, f.Type)
		assert.Contains(t, f.Error, "11 > 10")
	})

	t.Run("malformed", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
		f := receive(t, conn)
		assert.Equal(t, chat.FrameError, f.Type)
		assert.Equal(t, errMalformedFrame.Error(), f.Error)
	})

	t.Run("rate limited", func(t *testing.T) {
		require.NoError(t, testhelpers.SendMessage(conn, "hi"))
		f := receive(t, conn)
		assert.Equal(t, chat.FrameError, f.Type)
		assert.Equal(t, errRateLimited.Error(), f.Error)
	})

	history, err := tg.hub.RecentHistory(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, history, "rejected submissions leave no trace")
}

func TestGateway_RejectsUnauthenticated(t *testing.T) {
	tg := newTestGateway(t, Config{}, hub.Config{})

	headers := http.Header{}
	headers.Set("Origin", testhelpers.TestOrigin)
	conn, resp, err := testhelpers.ConnectWebSocket(tg.wsURL, headers)
	if conn != nil {
		_ = conn.Close()
	}
	require.Error(t, err)
	require.NotNil(t, resp)
	testhelpers.AssertStatusCode(t, resp, http.StatusUnauthorized)
}

func TestGateway_QueryIdentityFallback(t *testing.T) {
	tg := newTestGateway(t, Config{Identity: IdentityConfig{AllowQuery: true}}, hub.Config{})

	headers := http.Header{}
	headers.Set("Origin", testhelpers.TestOrigin)
	conn, _, err := testhelpers.ConnectWebSocket(tg.wsURL+"?user_id=q1&name=Query", headers)
	require.NoError(t, err)
	defer conn.Close()

	tg.waitForSessions(t, 1)
	require.NoError(t, testhelpers.SendMessage(conn, "from query"))
	f := receive(t, conn)
	assert.Equal(t, "q1", f.Message.AuthorID)
	assert.Equal(t, "Query", f.Message.AuthorName)
}

func TestGateway_OriginPolicy(t *testing.T) {
	tg := newTestGateway(t, Config{AllowedOrigins: []string{"http://example.com"}}, hub.Config{})

	tests := []struct {
		origin  string
		allowed bool
	}{
		{"http://example.com", true},
		{"HTTP://EXAMPLE.COM", true},
		{"http://evil.com", false},
		{"", false},
		{"not-a-url", false},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			headers := testhelpers.UserHeaders("u1", "")
			headers.Set("Origin", tt.origin)
			if tt.origin == "" {
				headers.Del("Origin")
			}

			conn, resp, err := testhelpers.ConnectWebSocket(tg.wsURL, headers)
			if tt.allowed {
				require.NoError(t, err)
				_ = conn.Close()
				return
			}
			require.Error(t, err)
			require.NotNil(t, resp)
			testhelpers.AssertStatusCode(t, resp, http.StatusForbidden)
		})
	}
}

func TestGateway_OversizedFrameClosesConnection(t *testing.T) {
	tg := newTestGateway(t, Config{MaxFrameBytes: 64}, hub.Config{})

	conn := tg.dial(t, "u1")
	tg.waitForSessions(t, 1)

	require.NoError(t, testhelpers.SendMessage(conn, strings.Repeat("x", 200)))

	_, err := testhelpers.ReceiveFrame(conn, frameTimeout)
	require.Error(t, err)
	tg.waitForSessions(t, 0)
}

func TestGateway_MultiByteBodyAtLimit(t *testing.T) {
	tg := newTestGateway(t, Config{}, hub.Config{})

	conn := tg.dial(t, "u1")
	tg.waitForSessions(t, 1)

	limit := chat.DefaultMaxBodyLength

	t.Run("cjk at limit", func(t *testing.T) {
		body := strings.Repeat("日", limit)
		require.NoError(t, testhelpers.SendMessage(conn, body))

		f := receive(t, conn)
		require.Equal(t, chat.FrameMessage, f.Type, f.Error)
		assert.Equal(t, body, f.Message.Body)
	})

	t.Run("escaped surrogate pairs at limit", func(t *testing.T) {
		raw := `{"body":"` + strings.Repeat(`\ud83d\ude00`, limit) + `"}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))

		f := receive(t, conn)
		require.Equal(t, chat.FrameMessage, f.Type, f.Error)
		assert.Equal(t, strings.Repeat("😀", limit), f.Message.Body)
	})

	t.Run("one over limit is a validation error", func(t *testing.T) {
		require.NoError(t, testhelpers.SendMessage(conn, strings.Repeat("😀", limit+1)))

		f := receive(t, conn)
		assert.Equal(t, chat.FrameError, f.Type)
		assert.Contains(t, f.Error, "2001 > 2000")
	})

	tg.waitForSessions(t, 1)
}

func TestGateway_ClientCloseRemovesSession(t *testing.T) {
	tg := newTestGateway(t, Config{}, hub.Config{})

	conn := tg.dial(t, "u1")
	tg.dial(t, "u2")
	tg.waitForSessions(t, 2)

	require.NoError(t, testhelpers.CloseWebSocket(conn))
	tg.waitForSessions(t, 1)
}

func TestGateway_HubShutdownClosesClients(t *testing.T) {
	tg := newTestGateway(t, Config{}, hub.Config{})

	conn := tg.dial(t, "u1")
	tg.waitForSessions(t, 1)

	require.NoError(t, tg.hub.Shutdown(time.Second))

	_, err := testhelpers.ReceiveFrame(conn, frameTimeout)
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestGateway_HTTPEndpoints(t *testing.T) {
	tg := newTestGateway(t, Config{}, hub.Config{HistorySize: 5})

	conn := tg.dial(t, "u1")
	tg.waitForSessions(t, 1)
	for _, body := range []string{"a", "b", "c"} {
		require.NoError(t, testhelpers.SendMessage(conn, body))
		receive(t, conn)
	}

	t.Run("healthz", func(t *testing.T) {
		resp := testhelpers.MakeRequest(t, http.MethodGet, tg.srv.URL+"/healthz")
		defer resp.Body.Close()
		testhelpers.AssertStatusCode(t, resp, http.StatusOK)
		testhelpers.AssertContentType(t, resp, "text/plain")
	})

	t.Run("history", func(t *testing.T) {
		resp := testhelpers.MakeRequest(t, http.MethodGet, tg.srv.URL+"/history?limit=2")
		defer resp.Body.Close()
		testhelpers.AssertStatusCode(t, resp, http.StatusOK)
		testhelpers.AssertContentType(t, resp, "application/json")

		var body historyResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "lobby", body.Room)
		require.Len(t, body.Messages, 2)
		assert.Equal(t, "b", body.Messages[0].Body)
		assert.Equal(t, "c", body.Messages[1].Body)
	})

	t.Run("history bad limit", func(t *testing.T) {
		resp := testhelpers.MakeRequest(t, http.MethodGet, tg.srv.URL+"/history?limit=-3")
		defer resp.Body.Close()
		testhelpers.AssertStatusCode(t, resp, http.StatusBadRequest)
	})

	t.Run("stats", func(t *testing.T) {
		resp := testhelpers.MakeRequest(t, http.MethodGet, tg.srv.URL+"/stats")
		defer resp.Body.Close()
		testhelpers.AssertStatusCode(t, resp, http.StatusOK)

		var st hub.Stats
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
		assert.Equal(t, 1, st.Sessions)
		assert.Equal(t, int64(3), st.Published)
		assert.Equal(t, 3, st.LogLength)
	})

	t.Run("ws rejects POST", func(t *testing.T) {
		resp := testhelpers.MakeRequest(t, http.MethodPost, tg.srv.URL+"/ws")
		defer resp.Body.Close()
		testhelpers.AssertStatusCode(t, resp, http.StatusMethodNotAllowed)
	})

	t.Run("healthz after shutdown", func(t *testing.T) {
		require.NoError(t, tg.hub.Shutdown(time.Second))
		resp := testhelpers.MakeRequest(t, http.MethodGet, tg.srv.URL+"/healthz")
		defer resp.Body.Close()
		testhelpers.AssertStatusCode(t, resp, http.StatusServiceUnavailable)
	})
}
