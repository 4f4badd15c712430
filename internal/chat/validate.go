package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultMaxBodyLength is the body limit, in runes, used when none is configured.
const DefaultMaxBodyLength = 2000

var (
	ErrEmptyBody   = errors.New("message body is empty")
	ErrBodyTooLong = errors.New("message body is too long")
)

// ValidationError reports a rejected submission. It is only ever shown to
// the submitting session.
type ValidationError struct {
	Err    error
	Length int
	Max    int
}

func (e *ValidationError) Error() string {
	if errors.Is(e.Err, ErrBodyTooLong) {
		return fmt.Sprintf("message rejected: %v (%d > %d characters)", e.Err, e.Length, e.Max)
	}
	return fmt.Sprintf("message rejected: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// UnknownSessionError is returned for operations naming a session that is
// not registered, usually because it disconnected while the call was queued.
type UnknownSessionError struct {
	SessionID string
}

func (e *UnknownSessionError) Error() string {
	return fmt.Sprintf("unknown session %q", e.SessionID)
}

// NormalizeBody sanitizes raw submitted text and checks it against limit
// (counted in runes). Invalid UTF-8 is replaced and surrounding whitespace
// trimmed before the checks. A limit <= 0 uses DefaultMaxBodyLength.
func NormalizeBody(raw string, limit int) (string, error) {
	if limit <= 0 {
		limit = DefaultMaxBodyLength
	}

	body := strings.TrimSpace(strings.ToValidUTF8(raw, "\uFFFD"))
	if body == "" {
		return "", &ValidationError{Err: ErrEmptyBody, Max: limit}
	}

	if n := utf8.RuneCountInString(body); n > limit {
		return "", &ValidationError{Err: ErrBodyTooLong, Length: n, Max: limit}
	}

	return body, nil
}
