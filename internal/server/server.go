package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatcore/internal/hub"
)

// Gateway serves the HTTP and WebSocket endpoints for one hub.
type Gateway struct {
	hub      *hub.Hub
	identity IdentityProvider
	cfg      Config
	origins  *OriginPolicy
	upgrader websocket.Upgrader
	log      zerolog.Logger

	// ctx bounds Publish calls made by read pumps.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGateway returns a gateway for h. Connections are identified by
// identity.
func NewGateway(cfg Config, h *hub.Hub, identity IdentityProvider, logger zerolog.Logger) *Gateway {
	cfg = sanitizeConfig(cfg)
	logger = logger.With().Str("component", "gateway").Logger()
	if cfg.MaxFrameBytes == 0 {
		cfg.MaxFrameBytes = FrameLimit(h.Config().MaxMessageLength)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		hub:      h,
		identity: identity,
		cfg:      cfg,
		origins:  NewOriginPolicy(cfg.AllowedOrigins, logger),
		log:      logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.origins.Check,
	}
	return g
}

// CreateServer creates and configures an HTTP server with the specified address and handler.
// It sets reasonable timeout values for production use.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting active requests.
// Hijacked WebSocket connections are not tracked by http.Server; they end
// when the hub shuts down and closes their sessions.
func ShutdownServer(server *http.Server, timeout time.Duration, logger zerolog.Logger) error {
	logger.Info().Msg("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
		return err
	}

	logger.Info().Msg("HTTP server shutdown completed")
	return nil
}

// Close stops accepting submissions from connected clients and waits for
// every pump to exit, or for ctx to expire. Call it after the hub has shut
// down so that write pumps see their sinks closed.
func (g *Gateway) Close(ctx context.Context) error {
	g.cancel()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		g.log.Warn().Msg("timed out waiting for client pumps to exit")
		return ctx.Err()
	}
}
