// Package postgres is the PostgreSQL message store.
package postgres

import (
	"context"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Tyrowin/chatcore/internal/chat"
)

// Store persists messages in the messages table.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn. The schema is not touched; run Migrate for that.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// AppendMessage inserts msg. A message whose id is already stored is
// ignored.
func (s *Store) AppendMessage(ctx context.Context, msg chat.Message) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO messages(id, room, author_id, author_name, author_email, body, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id) DO NOTHING;
`, msg.ID, msg.Room, msg.AuthorID, msg.AuthorName, msg.AuthorEmail, msg.Body, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit of the room's newest messages, oldest
// first. Messages with equal timestamps keep insertion order.
func (s *Store) RecentMessages(ctx context.Context, room string, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		return []chat.Message{}, nil
	}

	rows, err := s.pool.Query(ctx, `
SELECT id, room, author_id, author_name, author_email, body, created_at
FROM messages
WHERE room=$1
ORDER BY created_at DESC, seq DESC
LIMIT $2`, room, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := make([]chat.Message, 0, limit)
	for rows.Next() {
		var m chat.Message
		if err := rows.Scan(&m.ID, &m.Room, &m.AuthorID, &m.AuthorName, &m.AuthorEmail, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}

	slices.Reverse(out)
	return out, nil
}
