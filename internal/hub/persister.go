package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatcore/internal/chat"
)

// PersistStats are the persister's counters since start.
type PersistStats struct {
	Enqueued int64 `json:"enqueued"`
	Written  int64 `json:"written"`
	Dropped  int64 `json:"dropped"`
	Failed   int64 `json:"failed"`
	Pending  int   `json:"pending"`
}

// Persister writes sequenced messages to a chat.Store behind the live path.
// Enqueue never blocks: when the queue is full the oldest pending write is
// dropped. Failed writes are retried with exponential backoff and then
// abandoned; nothing is ever reported back to the publisher.
type Persister struct {
	store chat.Store
	cfg   PersistConfig
	log   zerolog.Logger

	mu    sync.Mutex
	queue chan chat.Message

	enqueued atomic.Int64
	written  atomic.Int64
	dropped  atomic.Int64
	failed   atomic.Int64
}

// NewPersister returns a persister for store. Call Run to start writing.
func NewPersister(store chat.Store, cfg PersistConfig, logger zerolog.Logger) *Persister {
	cfg = sanitizePersistConfig(cfg)
	return &Persister{
		store: store,
		cfg:   cfg,
		log:   logger,
		queue: make(chan chat.Message, cfg.QueueSize),
	}
}

// Enqueue schedules msg for writing.
func (p *Persister) Enqueue(msg chat.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.enqueued.Add(1)
	for {
		select {
		case p.queue <- msg:
			return
		default:
		}

		// Run only ever takes from the queue, so after making room the next
		// send succeeds.
		select {
		case old := <-p.queue:
			p.dropped.Add(1)
			p.log.Warn().
				Str("message_id", old.ID).
				Int("queue_size", p.cfg.QueueSize).
				Msg("persist queue full, dropped oldest pending write")
		default:
		}
	}
}

// Run writes queued messages until ctx is cancelled, then drains whatever is
// still pending within the configured drain timeout.
func (p *Persister) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case msg := <-p.queue:
			p.write(ctx, msg)
		}
	}
}

func (p *Persister) drain() {
	pending := len(p.queue)
	if pending == 0 {
		return
	}
	p.log.Info().Int("pending", pending).Msg("draining persist queue")

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DrainTimeout)
	defer cancel()

	for {
		select {
		case msg := <-p.queue:
			p.write(ctx, msg)
		default:
			return
		}
	}
}

func (p *Persister) write(ctx context.Context, msg chat.Message) {
	attempts := p.cfg.MaxRetries + 1

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 && !p.wait(ctx, p.backoff(attempt)) {
			break
		}

		wctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
		err = p.store.AppendMessage(wctx, msg)
		cancel()

		if err == nil {
			p.written.Add(1)
			return
		}

		p.log.Debug().
			Err(err).
			Str("message_id", msg.ID).
			Int("attempt", attempt+1).
			Msg("persist attempt failed")
	}

	p.failed.Add(1)
	p.log.Error().
		Err(err).
		Str("message_id", msg.ID).
		Int("attempts", attempts).
		Msg("message not persisted")
}

// backoff returns the delay before the given retry (1-based).
func (p *Persister) backoff(retry int) time.Duration {
	d := p.cfg.Backoff
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= p.cfg.MaxBackoff {
			return p.cfg.MaxBackoff
		}
	}
	return d
}

func (p *Persister) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Stats returns a point-in-time copy of the counters.
func (p *Persister) Stats() PersistStats {
	return PersistStats{
		Enqueued: p.enqueued.Load(),
		Written:  p.written.Load(),
		Dropped:  p.dropped.Load(),
		Failed:   p.failed.Load(),
		Pending:  len(p.queue),
	}
}
