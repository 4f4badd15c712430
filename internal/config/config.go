// Package config loads the chatcore configuration from defaults, an
// optional YAML file, a .env file and CHATCORE_* environment variables, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/Tyrowin/chatcore/internal/hub"
	"github.com/Tyrowin/chatcore/internal/server"
	"github.com/Tyrowin/chatcore/internal/store"
)

// EnvPrefix prefixes every environment override, e.g.
// CHATCORE_HUB_HISTORY_SIZE.
const EnvPrefix = "CHATCORE"

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// Config is the full service configuration.
type Config struct {
	Server server.Config `mapstructure:"server" yaml:"server"`
	Hub    hub.Config    `mapstructure:"hub" yaml:"hub"`
	Store  store.Config  `mapstructure:"store" yaml:"store"`
	Log    LogConfig     `mapstructure:"log" yaml:"log"`
}

func setDefaults(v *viper.Viper) {
	srv := server.DefaultConfig()
	v.SetDefault("server.listen", srv.Listen)
	v.SetDefault("server.allowed_origins", srv.AllowedOrigins)
	v.SetDefault("server.max_frame_bytes", srv.MaxFrameBytes)
	v.SetDefault("server.rate_limit.burst", srv.RateLimit.Burst)
	v.SetDefault("server.rate_limit.refill_interval", srv.RateLimit.RefillInterval)
	v.SetDefault("server.shutdown_timeout", srv.ShutdownTimeout)
	v.SetDefault("server.identity.user_header", srv.Identity.UserHeader)
	v.SetDefault("server.identity.name_header", srv.Identity.NameHeader)
	v.SetDefault("server.identity.email_header", srv.Identity.EmailHeader)
	v.SetDefault("server.identity.allow_query", srv.Identity.AllowQuery)

	h := hub.DefaultConfig()
	v.SetDefault("hub.room", h.Room)
	v.SetDefault("hub.max_message_length", h.MaxMessageLength)
	v.SetDefault("hub.history_size", h.HistorySize)
	v.SetDefault("hub.replay_size", h.ReplaySize)
	v.SetDefault("hub.session_buffer", h.SessionBuffer)
	v.SetDefault("hub.queue_size", h.QueueSize)
	v.SetDefault("hub.persist.queue_size", h.Persist.QueueSize)
	v.SetDefault("hub.persist.max_retries", h.Persist.MaxRetries)
	v.SetDefault("hub.persist.backoff", h.Persist.Backoff)
	v.SetDefault("hub.persist.max_backoff", h.Persist.MaxBackoff)
	v.SetDefault("hub.persist.write_timeout", h.Persist.WriteTimeout)
	v.SetDefault("hub.persist.drain_timeout", h.Persist.DrainTimeout)

	v.SetDefault("store.driver", store.DriverMemory)
	v.SetDefault("store.path", "./data")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("store.kafka.topic", "chat-messages")
	v.SetDefault("store.backfill_limit", 200)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
}

// Load reads the configuration. path may be empty, in which case only
// defaults and the environment apply. A .env file in the working directory
// is loaded first when present; variables already set are not overridden.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	// Env overrides
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Lists from the environment arrive as one comma separated string.
	c.Server.AllowedOrigins = splitList(c.Server.AllowedOrigins)
	c.Store.Kafka.Brokers = splitList(c.Store.Kafka.Brokers)

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return errors.New("server.listen is required")
	}
	if c.Server.MaxFrameBytes < 0 {
		return fmt.Errorf("server.max_frame_bytes must not be negative, got %d", c.Server.MaxFrameBytes)
	}
	if c.Server.RateLimit.Burst <= 0 || c.Server.RateLimit.RefillInterval <= 0 {
		return errors.New("server.rate_limit.burst and refill_interval must be positive")
	}
	if c.Hub.Room == "" {
		return errors.New("hub.room is required")
	}
	if c.Hub.MaxMessageLength <= 0 {
		return fmt.Errorf("hub.max_message_length must be positive, got %d", c.Hub.MaxMessageLength)
	}
	if need := server.FrameLimit(c.Hub.MaxMessageLength); c.Server.MaxFrameBytes > 0 && c.Server.MaxFrameBytes < need {
		return fmt.Errorf("server.max_frame_bytes (%d) cannot carry a %d character body, need at least %d or 0 to derive it",
			c.Server.MaxFrameBytes, c.Hub.MaxMessageLength, need)
	}
	if c.Hub.HistorySize < -1 || c.Hub.HistorySize == 0 {
		return fmt.Errorf("hub.history_size must be positive or -1 for unbounded, got %d", c.Hub.HistorySize)
	}
	if c.Hub.ReplaySize < 0 {
		return fmt.Errorf("hub.replay_size must not be negative, got %d", c.Hub.ReplaySize)
	}
	if c.Hub.HistorySize > 0 && c.Hub.ReplaySize > c.Hub.HistorySize {
		return fmt.Errorf("hub.replay_size (%d) exceeds hub.history_size (%d)", c.Hub.ReplaySize, c.Hub.HistorySize)
	}

	if !slices.Contains(store.Drivers, c.Store.Driver) {
		return fmt.Errorf("store.driver must be one of %s, got %q", strings.Join(store.Drivers, ", "), c.Store.Driver)
	}
	switch c.Store.Driver {
	case store.DriverFile:
		if c.Store.Path == "" {
			return errors.New("store.path is required for the file driver")
		}
	case store.DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver (set %s_STORE_DSN or config file)", EnvPrefix)
		}
	case store.DriverKafka:
		if len(c.Store.Kafka.Brokers) == 0 || c.Store.Kafka.Topic == "" {
			return errors.New("store.kafka.brokers and store.kafka.topic are required for the kafka driver")
		}
	}
	if c.Store.BackfillLimit < 0 {
		return fmt.Errorf("store.backfill_limit must not be negative, got %d", c.Store.BackfillLimit)
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}

	return nil
}
