// Package testhelpers provides helpers shared by the gateway tests: HTTP
// request and response assertions and a small WebSocket client speaking the
// chat frame protocol.
package testhelpers

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chatcore/internal/chat"
)

// TestOrigin is the Origin header sent by ConnectWebSocket.
const TestOrigin = "http://localhost:8080"

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, expected) {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// MakeRequest creates and executes an HTTP request, returning the response.
// It includes a 5-second timeout and fails the test if the request cannot be
// created or executed successfully.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}

	return resp
}

// WebSocketURL turns an httptest server URL into the gateway's ws:// URL.
func WebSocketURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}

// UserHeaders returns handshake headers identifying userID, with the
// default test origin set.
func UserHeaders(userID, name string) http.Header {
	h := http.Header{}
	h.Set("Origin", TestOrigin)
	h.Set("X-User-ID", userID)
	if name != "" {
		h.Set("X-User-Name", name)
	}
	return h
}

// ConnectWebSocket dials url with headers. The handshake response is
// returned so callers can inspect rejected upgrades; its body is already
// closed.
func ConnectWebSocket(url string, headers http.Header) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// SendMessage submits body as a chat frame.
func SendMessage(conn *websocket.Conn, body string) error {
	return conn.WriteJSON(chat.Submission{Body: body})
}

// ReceiveFrame reads the next frame, waiting at most timeout.
func ReceiveFrame(conn *websocket.Conn, timeout time.Duration) (chat.Frame, error) {
	var f chat.Frame
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return f, err
	}
	err := conn.ReadJSON(&f)
	return f, err
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}
