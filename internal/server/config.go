package server

import "time"

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `mapstructure:"burst" yaml:"burst"`
	RefillInterval time.Duration `mapstructure:"refill_interval" yaml:"refill_interval"`
}

// IdentityConfig names the request headers a trusted reverse proxy uses to
// pass the authenticated user. With AllowQuery the same values may instead
// come from the user_id, name and email query parameters, for browser
// clients that cannot set headers on a WebSocket handshake.
type IdentityConfig struct {
	UserHeader  string `mapstructure:"user_header" yaml:"user_header"`
	NameHeader  string `mapstructure:"name_header" yaml:"name_header"`
	EmailHeader string `mapstructure:"email_header" yaml:"email_header"`
	AllowQuery  bool   `mapstructure:"allow_query" yaml:"allow_query"`
}

// Config holds the gateway settings including security controls.
type Config struct {
	Listen          string          `mapstructure:"listen" yaml:"listen"`
	AllowedOrigins  []string        `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	MaxFrameBytes   int64           `mapstructure:"max_frame_bytes" yaml:"max_frame_bytes"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	Identity        IdentityConfig  `mapstructure:"identity" yaml:"identity"`
}

// Worst case JSON encoding of one body rune: a surrogate pair escaped as
// \uXXXX\uXXXX.
const maxEncodedRuneBytes = 12

// frameOverhead covers the {"body":""} envelope and surrounding whitespace.
const frameOverhead = 256

// FrameLimit returns the smallest read limit that still admits every
// submission whose body is within maxBodyRunes.
func FrameLimit(maxBodyRunes int) int64 {
	return int64(maxBodyRunes)*maxEncodedRuneBytes + frameOverhead
}

// DefaultConfig returns the gateway defaults. A zero MaxFrameBytes is
// derived from the hub's body limit with FrameLimit.
func DefaultConfig() Config {
	return Config{
		Listen: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		ShutdownTimeout: 10 * time.Second,
		Identity: IdentityConfig{
			UserHeader:  "X-User-ID",
			NameHeader:  "X-User-Name",
			EmailHeader: "X-User-Email",
		},
	}
}

func sanitizeConfig(cfg Config) Config {
	def := DefaultConfig()

	if cfg.Listen == "" {
		cfg.Listen = def.Listen
	}

	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = def.AllowedOrigins
	}

	if cfg.MaxFrameBytes < 0 {
		cfg.MaxFrameBytes = 0
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	if cfg.Identity.UserHeader == "" {
		cfg.Identity.UserHeader = def.Identity.UserHeader
	}
	if cfg.Identity.NameHeader == "" {
		cfg.Identity.NameHeader = def.Identity.NameHeader
	}
	if cfg.Identity.EmailHeader == "" {
		cfg.Identity.EmailHeader = def.Identity.EmailHeader
	}

	return cfg
}
