package hub

import (
	"time"

	"github.com/Tyrowin/chatcore/internal/chat"
)

// Config tunes a hub. Zero values are replaced by the defaults below,
// except ReplaySize and Persist.MaxRetries where zero means none.
type Config struct {
	Room             string        `mapstructure:"room" yaml:"room"`
	MaxMessageLength int           `mapstructure:"max_message_length" yaml:"max_message_length"`
	HistorySize      int           `mapstructure:"history_size" yaml:"history_size"`
	ReplaySize       int           `mapstructure:"replay_size" yaml:"replay_size"`
	SessionBuffer    int           `mapstructure:"session_buffer" yaml:"session_buffer"`
	QueueSize        int           `mapstructure:"queue_size" yaml:"queue_size"`
	Persist          PersistConfig `mapstructure:"persist" yaml:"persist"`
}

// PersistConfig tunes the write-behind persister.
type PersistConfig struct {
	QueueSize    int           `mapstructure:"queue_size" yaml:"queue_size"`
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries"`
	Backoff      time.Duration `mapstructure:"backoff" yaml:"backoff"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
}

// DefaultConfig returns the configuration used for unset fields. A
// HistorySize of -1 keeps every message in memory.
func DefaultConfig() Config {
	return Config{
		Room:             "lobby",
		MaxMessageLength: chat.DefaultMaxBodyLength,
		HistorySize:      200,
		ReplaySize:       50,
		SessionBuffer:    256,
		QueueSize:        1024,
		Persist: PersistConfig{
			QueueSize:    1024,
			MaxRetries:   3,
			Backoff:      100 * time.Millisecond,
			MaxBackoff:   2 * time.Second,
			WriteTimeout: 5 * time.Second,
			DrainTimeout: 5 * time.Second,
		},
	}
}

func sanitizeConfig(cfg Config) Config {
	def := DefaultConfig()

	if cfg.Room == "" {
		cfg.Room = def.Room
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = def.MaxMessageLength
	}
	if cfg.HistorySize == 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.ReplaySize < 0 {
		cfg.ReplaySize = 0
	}
	if cfg.SessionBuffer <= 0 {
		cfg.SessionBuffer = def.SessionBuffer
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	cfg.Persist = sanitizePersistConfig(cfg.Persist)

	return cfg
}

func sanitizePersistConfig(cfg PersistConfig) PersistConfig {
	def := DefaultConfig().Persist

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = cfg.Backoff
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}

	return cfg
}
