// Package memory is a process-local message store. It keeps every message
// for the life of the process and is the default when no durable backend is
// configured.
package memory

import (
	"context"
	"sync"

	"github.com/Tyrowin/chatcore/internal/chat"
)

// Store keeps messages per room in arrival order.
type Store struct {
	mu    sync.RWMutex
	rooms map[string][]chat.Message
	ids   map[string]struct{}
}

// New returns an empty store.
func New() *Store {
	return &Store{
		rooms: make(map[string][]chat.Message),
		ids:   make(map[string]struct{}),
	}
}

// AppendMessage stores msg. Appending an id that is already stored is a
// no-op, so retried writes are safe.
func (s *Store) AppendMessage(ctx context.Context, msg chat.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.ids[msg.ID]; dup {
		return nil
	}
	s.ids[msg.ID] = struct{}{}
	s.rooms[msg.Room] = append(s.rooms[msg.Room], msg)
	return nil
}

// RecentMessages returns up to limit of the room's newest messages, oldest
// first.
func (s *Store) RecentMessages(ctx context.Context, room string, limit int) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.rooms[room]
	if limit <= 0 || len(msgs) == 0 {
		return []chat.Message{}, nil
	}
	if limit < len(msgs) {
		msgs = msgs[len(msgs)-limit:]
	}

	out := make([]chat.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// Len returns the number of stored messages across all rooms.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}
