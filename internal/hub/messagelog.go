package hub

import "github.com/Tyrowin/chatcore/internal/chat"

// MessageLog is the in-memory ordered history. With a positive capacity it
// is a ring that evicts the oldest message on overflow; otherwise it grows
// without bound. Like Registry it belongs to the run loop.
type MessageLog struct {
	capacity int
	buf      []chat.Message
	head     int
	n        int
	evicted  int64
}

// NewMessageLog returns a log retaining at most capacity messages, or every
// message when capacity <= 0.
func NewMessageLog(capacity int) *MessageLog {
	l := &MessageLog{capacity: capacity}
	if capacity > 0 {
		l.buf = make([]chat.Message, capacity)
	}
	return l
}

// Append adds m as the newest message.
func (l *MessageLog) Append(m chat.Message) {
	if l.capacity <= 0 {
		l.buf = append(l.buf, m)
		l.n++
		return
	}

	if l.n < l.capacity {
		l.buf[(l.head+l.n)%l.capacity] = m
		l.n++
		return
	}

	l.buf[l.head] = m
	l.head = (l.head + 1) % l.capacity
	l.evicted++
}

// RecentHistory returns up to limit of the newest messages, oldest first.
// The result is a copy and never nil.
func (l *MessageLog) RecentHistory(limit int) []chat.Message {
	if limit <= 0 || l.n == 0 {
		return []chat.Message{}
	}
	if limit > l.n {
		limit = l.n
	}

	out := make([]chat.Message, 0, limit)
	for i := l.n - limit; i < l.n; i++ {
		out = append(out, l.at(i))
	}
	return out
}

// Prepend inserts older messages ahead of the current contents, used when
// backfilling from a durable store. Messages already present, or newer than
// the current oldest message, are skipped so the log stays ordered and
// duplicate free. It returns the number of messages inserted.
func (l *MessageLog) Prepend(older []chat.Message) int {
	seen := make(map[string]struct{}, l.n+len(older))
	current := l.RecentHistory(l.n)
	for _, m := range current {
		seen[m.ID] = struct{}{}
	}

	merged := make([]chat.Message, 0, len(older)+len(current))
	for _, m := range older {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		if len(current) > 0 && m.CreatedAt.After(current[0].CreatedAt) {
			continue
		}
		if len(merged) > 0 && m.CreatedAt.Before(merged[len(merged)-1].CreatedAt) {
			continue
		}
		seen[m.ID] = struct{}{}
		merged = append(merged, m)
	}
	inserted := len(merged)
	merged = append(merged, current...)

	l.head, l.n = 0, 0
	if l.capacity <= 0 {
		l.buf = l.buf[:0]
	}
	evicted := l.evicted
	for _, m := range merged {
		l.Append(m)
	}
	l.evicted = evicted

	return inserted
}

// Len returns the number of retained messages.
func (l *MessageLog) Len() int { return l.n }

// Newest returns the most recent message, if any.
func (l *MessageLog) Newest() (chat.Message, bool) {
	if l.n == 0 {
		return chat.Message{}, false
	}
	return l.at(l.n - 1), true
}

func (l *MessageLog) at(i int) chat.Message {
	if l.capacity <= 0 {
		return l.buf[i]
	}
	return l.buf[(l.head+i)%l.capacity]
}
