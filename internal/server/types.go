package server

import (
	"errors"
	"strings"
)

// Errors reported to a client in error frames.
var (
	errMalformedFrame = errors.New(`malformed frame, expected {"body":"..."}`)
	errRateLimited    = errors.New("rate limit exceeded")
	errNotAccepted    = errors.New("message not accepted, try again")
)

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
