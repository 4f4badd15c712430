// Package chat defines the domain types shared by the hub, the gateway and
// the durable stores: identities, messages, wire frames and the errors a
// submission can fail with.
package chat

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Identity is the authenticated principal supplied by the identity provider
// for a connection. The hub trusts it as given.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email,omitempty"`
}

// ErrMissingUserID is returned when an identity carries no user id.
var ErrMissingUserID = errors.New("identity has no user id")

// Validate checks that the identity can own a session. A missing display
// name falls back to the user id.
func (i *Identity) Validate() error {
	i.UserID = strings.TrimSpace(i.UserID)
	i.DisplayName = strings.TrimSpace(i.DisplayName)
	i.Email = strings.TrimSpace(i.Email)

	if i.UserID == "" {
		return ErrMissingUserID
	}
	if i.DisplayName == "" {
		i.DisplayName = i.UserID
	}
	return nil
}

// Message is a sequenced chat message. Author fields are copied from the
// submitting session so history never needs a lookup.
type Message struct {
	ID          string    `json:"id"`
	Room        string    `json:"room"`
	AuthorID    string    `json:"author_id"`
	AuthorName  string    `json:"author_name"`
	AuthorEmail string    `json:"author_email,omitempty"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the durable sink for sequenced messages. Appending the same
// message twice must be harmless.
type Store interface {
	AppendMessage(ctx context.Context, msg Message) error
}

// HistorySource is implemented by stores that can serve recent messages for
// cold-start backfill. Messages are returned oldest first.
type HistorySource interface {
	RecentMessages(ctx context.Context, room string, limit int) ([]Message, error)
}
