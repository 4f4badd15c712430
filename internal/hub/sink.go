package hub

import (
	"errors"
	"sync"
)

var (
	ErrSinkFull   = errors.New("session buffer full")
	ErrSinkClosed = errors.New("session sink closed")
)

// Sink is a session's outbound path. Send must accept the frame or fail
// fast; it is called from the hub's run loop and must never block. Close is
// called once the hub drops the session and must be idempotent.
type Sink interface {
	Send(frame []byte) error
	Close()
}

// ChanSink is a Sink backed by a buffered channel. The transport drains C
// and treats a closed channel as the hub ending the session.
type ChanSink struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

// NewChanSink returns a sink buffering up to size frames.
func NewChanSink(size int) *ChanSink {
	if size <= 0 {
		size = 1
	}
	return &ChanSink{ch: make(chan []byte, size)}
}

// Send queues frame without blocking.
func (s *ChanSink) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}

	select {
	case s.ch <- frame:
		return nil
	default:
		return ErrSinkFull
	}
}

// Close closes the channel. Frames already queued can still be read.
func (s *ChanSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// C returns the channel of queued frames.
func (s *ChanSink) C() <-chan []byte {
	return s.ch
}
