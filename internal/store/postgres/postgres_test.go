package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatcore/internal/chat"
)

func TestLoadMigrations(t *testing.T) {
	migs, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, migs)
	assert.Equal(t, "0001_messages.sql", migs[0].Name)
	assert.Len(t, migs[0].Hash, 64)
	assert.Contains(t, migs[0].Content, "CREATE TABLE IF NOT EXISTS messages")
}

// openTestStore connects to CHATCORE_TEST_POSTGRES_DSN, skipping when it is
// unset.
func openTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("CHATCORE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CHATCORE_TEST_POSTGRES_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	_, err = s.Migrate(ctx)
	require.NoError(t, err)
	return s
}

func TestStore_AppendAndRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	room := "test-" + uuid.NewString()
	base := time.Now().UTC().Truncate(time.Millisecond)

	var ids []string
	for i := range 4 {
		m := chat.Message{
			ID:         uuid.NewString(),
			Room:       room,
			AuthorID:   "u1",
			AuthorName: "User One",
			Body:       fmt.Sprintf("body %d", i),
			// Two messages share a timestamp; insertion order breaks the tie.
			CreatedAt: base.Add(time.Duration(i/2) * time.Millisecond),
		}
		ids = append(ids, m.ID)
		require.NoError(t, s.AppendMessage(ctx, m))
	}

	got, err := s.RecentMessages(ctx, room, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, ids[1:], []string{got[0].ID, got[1].ID, got[2].ID})
	assert.Equal(t, "body 3", got[2].Body)
	assert.True(t, got[2].CreatedAt.Equal(base.Add(time.Millisecond)))
}

func TestStore_AppendIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m := chat.Message{
		ID:        uuid.NewString(),
		Room:      "test-" + uuid.NewString(),
		AuthorID:  "u1",
		Body:      "once",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.AppendMessage(ctx, m))
	require.NoError(t, s.AppendMessage(ctx, m))

	got, err := s.RecentMessages(ctx, m.Room, 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestStore_MigrateIsRepeatable(t *testing.T) {
	s := openTestStore(t)

	applied, err := s.Migrate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, applied)
}
