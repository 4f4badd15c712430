// Package hub coordinates one chat room: it owns the session registry and the
// message log, sequences and fans out published messages, and hands them to
// a write-behind persister.
//
// All state is owned by the goroutine running Hub.Run. Connect, Disconnect,
// Publish and the query methods submit operations to a single FIFO queue
// that the run loop executes one at a time, so every caller observes the
// same order of events without locks around the registry or the log.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatcore/internal/chat"
)

// ErrHubClosed is returned by calls made after Shutdown.
var ErrHubClosed = errors.New("hub closed")

// Stats is a snapshot of hub counters.
type Stats struct {
	Room          string        `json:"room"`
	Sessions      int           `json:"sessions"`
	LogLength     int           `json:"log_length"`
	LogEvicted    int64         `json:"log_evicted"`
	Published     int64         `json:"published"`
	Evictions     int64         `json:"session_evictions"`
	Rejected      int64         `json:"rejected"`
	Persist       *PersistStats `json:"persist,omitempty"`
	LastMessageAt int64         `json:"last_message_at,omitempty"`
}

// Option customizes a Hub.
type Option func(*Hub)

// WithClock replaces time.Now as the source of message timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// WithIDGenerator replaces the UUID generator used for session and message ids.
func WithIDGenerator(gen func() string) Option {
	return func(h *Hub) { h.newID = gen }
}

// Hub manages the sessions and message history of a single room.
type Hub struct {
	cfg       Config
	log       zerolog.Logger
	persister *Persister
	now       func() time.Time
	newID     func() string

	ops           chan func()
	ctx           context.Context
	cancel        context.CancelFunc
	persistCtx    context.Context
	persistCancel context.CancelFunc
	done          chan struct{}
	wg            sync.WaitGroup
	rejected      atomic.Int64

	// Owned by the run loop.
	sessions  *Registry
	history   *MessageLog
	lastStamp time.Time
	published int64
	evictions int64
}

// New creates a hub for cfg. Messages are persisted to store when it is
// non-nil. The hub does nothing until Run is started.
func New(cfg Config, store chat.Store, logger zerolog.Logger, opts ...Option) *Hub {
	cfg = sanitizeConfig(cfg)
	logger = logger.With().Str("component", "hub").Str("room", cfg.Room).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	persistCtx, persistCancel := context.WithCancel(context.Background())

	h := &Hub{
		cfg:           cfg,
		log:           logger,
		now:           time.Now,
		newID:         uuid.NewString,
		ops:           make(chan func(), cfg.QueueSize),
		ctx:           ctx,
		cancel:        cancel,
		persistCtx:    persistCtx,
		persistCancel: persistCancel,
		done:          make(chan struct{}),
		sessions:      NewRegistry(),
		history:       NewMessageLog(cfg.HistorySize),
	}

	if store != nil {
		h.persister = NewPersister(store, cfg.Persist, logger.With().Str("component", "persister").Logger())
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Config returns the effective configuration.
func (h *Hub) Config() Config {
	return h.cfg
}

// Run executes queued operations until Shutdown is called. It must be
// called exactly once, normally in its own goroutine.
func (h *Hub) Run() {
	defer close(h.done)

	if h.persister != nil {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.persister.Run(h.persistCtx)
		}()
	}

	h.log.Info().
		Int("history_size", h.cfg.HistorySize).
		Int("replay_size", h.cfg.ReplaySize).
		Msg("hub started")

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownSessions()
			return
		case op := <-h.ops:
			op()
		}
	}
}

// Connect registers a session for identity, replays recent history to sink
// and returns the new session. From then on the sink receives every message
// published in the room until the session is disconnected. If the sink
// cannot take the replay the session is dropped again and Connect returns
// an UnknownSessionError.
func (h *Hub) Connect(ctx context.Context, identity chat.Identity, sink Sink) (Session, error) {
	if sink == nil {
		return Session{}, errors.New("connect: nil sink")
	}
	if err := identity.Validate(); err != nil {
		return Session{}, fmt.Errorf("connect: %w", err)
	}

	var (
		sess    Session
		dropped bool
	)
	err := h.call(ctx, func() {
		s := &Session{
			ID:          h.newID(),
			Identity:    identity,
			ConnectedAt: h.now().UTC(),
			sink:        sink,
		}
		h.sessions.Add(s)
		sess = *s

		h.log.Info().
			Str("session_id", s.ID).
			Str("user_id", identity.UserID).
			Int("sessions", h.sessions.Count()).
			Msg("session connected")

		h.replay(s)
		_, registered := h.sessions.Get(s.ID)
		dropped = !registered
	})
	if err != nil {
		return Session{}, err
	}
	if dropped {
		return Session{}, fmt.Errorf("connect: history replay: %w", &chat.UnknownSessionError{SessionID: sess.ID})
	}

	return sess, nil
}

// Disconnect removes the session. Unknown or already removed ids are
// ignored, as are calls after Shutdown.
func (h *Hub) Disconnect(sessionID string) {
	_ = h.submit(context.Background(), func() {
		h.remove(sessionID, "disconnect", nil)
	})
}

type publishResult struct {
	msg chat.Message
	err error
}

// Publish validates text, sequences it as a message from the session and
// returns the message once it is appended to the log. Fan-out to the other
// sessions and the persistence hand-off follow on the run loop before any
// other operation is processed. A ValidationError or UnknownSessionError
// means nothing was published.
func (h *Hub) Publish(ctx context.Context, sessionID, text string) (chat.Message, error) {
	body, err := chat.NormalizeBody(text, h.cfg.MaxMessageLength)
	if err != nil {
		h.rejected.Add(1)
		return chat.Message{}, err
	}

	reply := make(chan publishResult, 1)
	err = h.submit(ctx, func() {
		sess, ok := h.sessions.Get(sessionID)
		if !ok {
			reply <- publishResult{err: &chat.UnknownSessionError{SessionID: sessionID}}
			return
		}

		msg := h.sequence(sess, body)
		reply <- publishResult{msg: msg}

		h.fanOut(msg)
		if h.persister != nil {
			h.persister.Enqueue(msg)
		}
	})
	if err != nil {
		return chat.Message{}, err
	}

	select {
	case res := <-reply:
		return res.msg, res.err
	case <-h.done:
		select {
		case res := <-reply:
			return res.msg, res.err
		default:
			return chat.Message{}, ErrHubClosed
		}
	}
}

// RecentHistory returns up to limit of the newest messages, oldest first.
func (h *Hub) RecentHistory(ctx context.Context, limit int) ([]chat.Message, error) {
	var out []chat.Message
	err := h.call(ctx, func() {
		out = h.history.RecentHistory(limit)
	})
	return out, err
}

// Count returns the number of connected sessions.
func (h *Hub) Count(ctx context.Context) (int, error) {
	var n int
	err := h.call(ctx, func() {
		n = h.sessions.Count()
	})
	return n, err
}

// Sessions returns a snapshot of the connected sessions.
func (h *Hub) Sessions(ctx context.Context) ([]Session, error) {
	var out []Session
	err := h.call(ctx, func() {
		for _, s := range h.sessions.Snapshot() {
			out = append(out, *s)
		}
	})
	return out, err
}

// Stats returns the hub counters.
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := h.call(ctx, func() {
		st = Stats{
			Room:       h.cfg.Room,
			Sessions:   h.sessions.Count(),
			LogLength:  h.history.Len(),
			LogEvicted: h.history.evicted,
			Published:  h.published,
			Evictions:  h.evictions,
			Rejected:   h.rejected.Load(),
		}
		if last, ok := h.history.Newest(); ok {
			st.LastMessageAt = last.CreatedAt.UnixMilli()
		}
	})
	if err != nil {
		return Stats{}, err
	}

	if h.persister != nil {
		ps := h.persister.Stats()
		st.Persist = &ps
	}
	return st, nil
}

// LoadHistory backfills the log with up to limit of the room's most recent
// messages from src. It is meant for cold start, before clients connect;
// messages that would break the log's order or duplicate an id are skipped.
func (h *Hub) LoadHistory(ctx context.Context, src chat.HistorySource, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}

	msgs, err := src.RecentMessages(ctx, h.cfg.Room, limit)
	if err != nil {
		return 0, fmt.Errorf("load history: %w", err)
	}

	var inserted int
	err = h.call(ctx, func() {
		inserted = h.history.Prepend(msgs)
		if newest, ok := h.history.Newest(); ok && newest.CreatedAt.After(h.lastStamp) {
			h.lastStamp = newest.CreatedAt
		}
	})
	if err != nil {
		return 0, err
	}

	h.log.Info().Int("loaded", inserted).Msg("history backfilled")
	return inserted, nil
}

// Shutdown stops the run loop, closes every session, then lets the
// persister drain. It returns context.DeadlineExceeded if that takes longer
// than timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info().Msg("initiating hub shutdown")

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	h.cancel()

	select {
	case <-h.done:
	case <-deadline.C:
		h.persistCancel()
		h.log.Warn().Msg("hub shutdown timeout reached before run loop stopped")
		return context.DeadlineExceeded
	}

	h.persistCancel()

	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		h.log.Info().Msg("hub shutdown completed")
		return nil
	case <-deadline.C:
		h.log.Warn().Msg("hub shutdown timeout reached, persister may still be draining")
		return context.DeadlineExceeded
	}
}

// Done is closed once the run loop has exited.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) submit(ctx context.Context, op func()) error {
	if h.ctx.Err() != nil {
		return ErrHubClosed
	}

	select {
	case h.ops <- op:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.ctx.Done():
		return ErrHubClosed
	}
}

// call submits op and waits for the run loop to execute it.
func (h *Hub) call(ctx context.Context, op func()) error {
	finished := make(chan struct{})
	err := h.submit(ctx, func() {
		defer close(finished)
		op()
	})
	if err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-h.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrHubClosed
		}
	}
}

// sequence assigns id and timestamp and appends the message to the log.
// Timestamps never go backwards even if the clock does.
func (h *Hub) sequence(sess *Session, body string) chat.Message {
	stamp := h.now().UTC().Truncate(time.Millisecond)
	if stamp.Before(h.lastStamp) {
		stamp = h.lastStamp
	}
	h.lastStamp = stamp

	msg := chat.Message{
		ID:          h.newID(),
		Room:        h.cfg.Room,
		AuthorID:    sess.Identity.UserID,
		AuthorName:  sess.Identity.DisplayName,
		AuthorEmail: sess.Identity.Email,
		Body:        body,
		CreatedAt:   stamp,
	}
	h.history.Append(msg)
	h.published++

	return msg
}

// fanOut pushes msg to every registered session. A session that cannot
// take it is evicted; the others are unaffected.
func (h *Hub) fanOut(msg chat.Message) {
	frame, err := chat.EncodeMessage(chat.FrameMessage, msg)
	if err != nil {
		h.log.Error().Err(err).Str("message_id", msg.ID).Msg("encode message")
		return
	}

	targets := h.sessions.Snapshot()
	h.log.Debug().
		Str("message_id", msg.ID).
		Int("targets", len(targets)).
		Msg("broadcasting message")

	for _, s := range targets {
		if err := s.sink.Send(frame); err != nil {
			h.remove(s.ID, "delivery failed", err)
		}
	}
}

func (h *Hub) replay(s *Session) {
	for _, msg := range h.history.RecentHistory(h.cfg.ReplaySize) {
		frame, err := chat.EncodeMessage(chat.FrameHistory, msg)
		if err != nil {
			h.log.Error().Err(err).Str("message_id", msg.ID).Msg("encode history")
			continue
		}
		if err := s.sink.Send(frame); err != nil {
			h.remove(s.ID, "history replay failed", err)
			return
		}
	}
}

func (h *Hub) remove(id, reason string, cause error) {
	s := h.sessions.Remove(id)
	if s == nil {
		return
	}
	s.sink.Close()

	var ev *zerolog.Event
	if cause != nil {
		h.evictions++
		ev = h.log.Warn().Err(cause)
	} else {
		ev = h.log.Info()
	}
	ev.Str("session_id", id).
		Str("user_id", s.Identity.UserID).
		Str("reason", reason).
		Int("sessions", h.sessions.Count()).
		Msg("session removed")
}

func (h *Hub) shutdownSessions() {
	sessions := h.sessions.Snapshot()
	for _, s := range sessions {
		h.sessions.Remove(s.ID)
		s.sink.Close()
	}
	h.log.Info().Int("closed", len(sessions)).Msg("closed all sessions")
}
