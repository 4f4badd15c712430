package server

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatcore/internal/chat"
	"github.com/Tyrowin/chatcore/internal/hub"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 54 * time.Second

	// Upper bound on waiting for the hub to accept a submission.
	publishTimeout = 5 * time.Second
)

// Client is one WebSocket connection bound to a hub session. The read pump
// turns inbound frames into Publish calls; the write pump drains the
// session's sink onto the socket.
type Client struct {
	conn        *websocket.Conn
	hub         *hub.Hub
	session     hub.Session
	sink        *hub.ChanSink
	addr        string
	maxFrame    int64
	rateLimiter *rateLimiter
	rateLimit   RateLimitConfig
	log         zerolog.Logger
}

func newClient(conn *websocket.Conn, h *hub.Hub, sess hub.Session, sink *hub.ChanSink, addr string, cfg Config, logger zerolog.Logger) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxFrameBytes)
	}

	return &Client{
		conn:        conn,
		hub:         h,
		session:     sess,
		sink:        sink,
		addr:        addr,
		maxFrame:    cfg.MaxFrameBytes,
		rateLimiter: newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:   cfg.RateLimit,
		log: logger.With().
			Str("session_id", sess.ID).
			Str("user_id", sess.Identity.UserID).
			Str("remote_addr", addr).
			Logger(),
	}
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Debug().Err(err).Msg("set initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Debug().Err(err).Msg("set read deadline in pong handler")
		}
		return nil
	})
}

// logReadError records why the read loop ended.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn().Int64("max_frame_bytes", c.maxFrame).Msg("frame exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		c.log.Info().Err(err).Msg("client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Info().Err(err).Msg("connection closed")
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.log.Warn().Err(err).Msg("unexpected WebSocket close")
	default:
		c.log.Warn().Err(err).Msg("WebSocket read error")
	}
}

// checkRateLimit reports whether the client may submit another message.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.log.Warn().
			Int("burst", c.rateLimit.Burst).
			Dur("refill_interval", c.rateLimit.RefillInterval).
			Msg("rate limit exceeded, discarding message")
		return false
	}
	return true
}

// sendError queues an error frame for this client only.
func (c *Client) sendError(err error) {
	frame, encErr := chat.EncodeError(err)
	if encErr != nil {
		c.log.Error().Err(encErr).Msg("encode error frame")
		return
	}
	if sendErr := c.sink.Send(frame); sendErr != nil {
		c.log.Debug().Err(sendErr).Msg("dropping error frame")
	}
}

// processMessage decodes a submission and publishes it. It returns false
// when the session is gone and the read loop should stop.
func (c *Client) processMessage(ctx context.Context, raw []byte) bool {
	sub, err := chat.DecodeSubmission(raw)
	if err != nil {
		c.log.Debug().Err(err).Msg("invalid submission")
		c.sendError(errMalformedFrame)
		return true
	}

	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	msg, err := c.hub.Publish(pctx, c.session.ID, sub.Body)
	var (
		verr    *chat.ValidationError
		unknown *chat.UnknownSessionError
	)
	switch {
	case err == nil:
		c.log.Debug().Str("message_id", msg.ID).Msg("message published")
		return true
	case errors.As(err, &verr):
		c.sendError(verr)
		return true
	case errors.As(err, &unknown), errors.Is(err, hub.ErrHubClosed):
		return false
	default:
		c.log.Warn().Err(err).Msg("publish failed")
		c.sendError(errNotAccepted)
		return true
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.Disconnect(c.session.ID)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Debug().Err(err).Msg("close connection in readPump")
		}
	}()

	c.setupReadConnection()

	for {
		msgType, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		if !c.checkRateLimit() {
			c.sendError(errRateLimited)
			continue
		}

		if !c.processMessage(ctx, raw) {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case frame, ok := <-c.sink.C():
		return c.handleFrame(frame, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection closes the socket, which also unblocks the read pump.
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Debug().Err(err).Msg("close connection in writePump")
	}
}

// handleFrame writes one outbound frame. A closed sink means the hub ended
// the session, so the peer gets a close frame.
func (c *Client) handleFrame(frame []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug().Err(err).Msg("set write deadline")
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn().Err(err).Msg("write frame")
		}
		return false
	}
	return true
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "session ended")
	if err := c.conn.WriteMessage(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
		c.log.Debug().Err(err).Msg("write close message")
	}
	return false
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug().Err(err).Msg("set write deadline for ping")
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn().Err(err).Msg("write ping")
		}
		return false
	}
	return true
}
