// Package daemon is the chatcore command line: it loads configuration,
// wires the store, hub and gateway together and runs them until a signal
// arrives.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/Tyrowin/chatcore/internal/config"
	"github.com/Tyrowin/chatcore/internal/hub"
	"github.com/Tyrowin/chatcore/internal/server"
	"github.com/Tyrowin/chatcore/internal/store"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
	date    = "now"
)

func build() string {
	short := commit
	if len(commit) > 7 {
		short = commit[:7]
	}

	return fmt.Sprintf("%s (%s) %s", version, short, date)
}

type flags struct {
	configPath string
	logLevel   string
	logFormat  string
}

// Main runs the CLI and exits non-zero on failure.
func Main() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// NewRootCmd returns the chatcore command tree.
func NewRootCmd() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:          "chatcore",
		Short:        "Single-room chat broadcast server",
		Version:      build(),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&f.configPath, "config", "c", "", "config file (yaml)")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error), overrides config")
	root.PersistentFlags().StringVar(&f.logFormat, "log-format", "", "log format (console, json), overrides config")

	root.AddCommand(serveCmd(f))
	root.AddCommand(migrateCmd(f))
	root.AddCommand(configCmd(f))

	return root
}

func (f *flags) load() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serveCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat hub and its WebSocket gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load()
			if err != nil {
				return err
			}

			logger, closeLog, err := newLogger(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closeLog() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger)
		},
	}
}

// serve runs until ctx is cancelled or the listener fails, then shuts down
// the HTTP server, the hub (closing sessions and draining the persister),
// the client pumps and finally the store.
func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().Str("version", build()).Msg("starting chatcore")

	opened, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	h := hub.New(cfg.Hub, opened.Store, logger)
	gw := server.NewGateway(cfg.Server, h, server.NewHeaderIdentity(cfg.Server.Identity), logger)
	srv := server.CreateServer(cfg.Server.Listen, gw.Routes())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		h.Run()
		return nil
	})

	if opened.History != nil && cfg.Store.BackfillLimit > 0 {
		if _, err := h.LoadHistory(gctx, opened.History, cfg.Store.BackfillLimit); err != nil {
			logger.Warn().Err(err).Msg("history backfill failed, starting with an empty log")
		}
	}

	g.Go(func() error {
		logger.Info().Str("listen", cfg.Server.Listen).Msg("chatcore listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return shutdown(cfg.Server.ShutdownTimeout, srv, h, gw, opened, logger)
	})

	return g.Wait()
}

func shutdown(timeout time.Duration, srv *http.Server, h *hub.Hub, gw *server.Gateway, opened *store.Opened, logger zerolog.Logger) error {
	logger.Info().Dur("timeout", timeout).Msg("shutting down")

	var errs []error
	if err := server.ShutdownServer(srv, timeout, logger); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := h.Shutdown(timeout); err != nil {
		errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := gw.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("gateway shutdown: %w", err))
	}

	if err := opened.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

func migrateCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations (postgres driver)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			applied, err := store.Migrate(ctx, cfg.Store)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(applied) == 0 {
				_, _ = fmt.Fprintln(out, "schema up to date")
				return nil
			}
			for _, name := range applied {
				_, _ = fmt.Fprintf(out, "applied %s\n", name)
			}
			return nil
		},
	}
}

func configCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load()
			if err != nil {
				return err
			}
			return printConfig(cmd.OutOrStdout(), cfg)
		},
	}
}

func printConfig(w io.Writer, cfg *config.Config) error {
	redacted := *cfg
	redacted.Store.DSN = redactDSN(cfg.Store.DSN)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(redacted); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

// redactDSN hides the password of a URL-style DSN.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
