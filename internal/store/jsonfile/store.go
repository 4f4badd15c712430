// Package jsonfile stores messages as JSON lines, one file per room.
package jsonfile

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/Tyrowin/chatcore/internal/chat"
)

// maxLineBytes bounds a single stored record. Bodies are capped well below
// this by validation.
const maxLineBytes = 1 << 20

// Store appends messages to <dir>/<room>.jsonl. Writes are serialized in
// process and guarded with an advisory file lock so that tooling reading
// the files concurrently never sees a torn line.
type Store struct {
	dir string

	mu   sync.Mutex
	seen map[string]map[string]struct{}
}

// New returns a store rooted at dir. The directory is created on first
// write.
func New(dir string) *Store {
	return &Store{
		dir:  dir,
		seen: make(map[string]map[string]struct{}),
	}
}

// roomPath returns the file path for a room.
func (s *Store) roomPath(room string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(room)
	if safe == "" {
		safe = "_"
	}
	return filepath.Join(s.dir, safe+".jsonl")
}

// withFileLock acquires a lock on the room's lock file, executes fn, then
// releases the lock.
func (s *Store) withFileLock(room string, lockType int, fn func() error) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}

	f, err := os.OpenFile(s.roomPath(room)+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer f.Close() //nolint:errcheck

	if err := syscall.Flock(int(f.Fd()), lockType); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN) //nolint:errcheck

	return fn()
}

// AppendMessage writes msg as one line. Ids already in the file are skipped.
func (s *Store) AppendMessage(ctx context.Context, msg chat.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withFileLock(msg.Room, syscall.LOCK_EX, func() error {
		ids, err := s.roomIDs(msg.Room)
		if err != nil {
			return err
		}
		if _, dup := ids[msg.ID]; dup {
			return nil
		}

		f, err := os.OpenFile(s.roomPath(msg.Room), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
		if err != nil {
			return fmt.Errorf("open room file: %w", err)
		}

		line := data
		torn, err := endsMidLine(f)
		if err != nil {
			_ = f.Close()
			return err
		}
		if torn {
			// Terminate the fragment so it stays a line of its own.
			line = append([]byte{'\n'}, data...)
		}

		if _, err := f.Write(line); err != nil {
			_ = f.Close()
			return fmt.Errorf("append message: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close room file: %w", err)
		}

		ids[msg.ID] = struct{}{}
		return nil
	})
}

// endsMidLine reports whether f is non-empty and lacks a trailing newline,
// which is what an interrupted append leaves behind.
func endsMidLine(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("stat room file: %w", err)
	}
	if info.Size() == 0 {
		return false, nil
	}

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, fmt.Errorf("read room file tail: %w", err)
	}
	return last[0] != '\n', nil
}

// RecentMessages returns up to limit of the room's newest messages, oldest
// first.
func (s *Store) RecentMessages(ctx context.Context, room string, limit int) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []chat.Message{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []chat.Message
	err := s.withFileLock(room, syscall.LOCK_SH, func() error {
		msgs, err := s.readRoom(room)
		if err != nil {
			return err
		}
		if len(msgs) > limit {
			msgs = msgs[len(msgs)-limit:]
		}
		out = msgs
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []chat.Message{}
	}
	return out, nil
}

// roomIDs returns the cached id set for room, loading it from disk the
// first time. Caller must hold s.mu.
func (s *Store) roomIDs(room string) (map[string]struct{}, error) {
	if ids, ok := s.seen[room]; ok {
		return ids, nil
	}

	msgs, err := s.readRoom(room)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		ids[m.ID] = struct{}{}
	}
	s.seen[room] = ids
	return ids, nil
}

// readRoom parses the room file. A missing file is an empty room; a
// truncated trailing line from a crash is ignored.
func (s *Store) readRoom(room string) ([]chat.Message, error) {
	f, err := os.Open(s.roomPath(room))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open room file: %w", err)
	}
	defer f.Close() //nolint:errcheck

	var msgs []chat.Message
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var m chat.Message
		if err := json.Unmarshal(line, &m); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read room file: %w", err)
	}
	return msgs, nil
}
