// Package store selects and opens the configured message store driver.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatcore/internal/chat"
	"github.com/Tyrowin/chatcore/internal/store/jsonfile"
	"github.com/Tyrowin/chatcore/internal/store/kafka"
	"github.com/Tyrowin/chatcore/internal/store/memory"
	"github.com/Tyrowin/chatcore/internal/store/postgres"
)

const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverPostgres = "postgres"
	DriverKafka    = "kafka"
)

// Drivers lists the accepted values of Config.Driver.
var Drivers = []string{DriverMemory, DriverFile, DriverPostgres, DriverKafka}

// ErrNotPostgres is returned by Migrate for drivers without a schema.
var ErrNotPostgres = errors.New("migrations only apply to the postgres driver")

// Config selects the driver and its settings.
type Config struct {
	Driver        string       `mapstructure:"driver" yaml:"driver"`
	Path          string       `mapstructure:"path" yaml:"path"`
	DSN           string       `mapstructure:"dsn" yaml:"dsn"`
	Kafka         kafka.Config `mapstructure:"kafka" yaml:"kafka"`
	BackfillLimit int          `mapstructure:"backfill_limit" yaml:"backfill_limit"`
}

// Opened is an open store. History is nil for write-only drivers.
type Opened struct {
	Store   chat.Store
	History chat.HistorySource
	Close   func() error
}

// Open opens the driver named in cfg. The postgres driver applies pending
// migrations before returning.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (*Opened, error) {
	logger = logger.With().Str("component", "store").Str("driver", cfg.Driver).Logger()
	noop := func() error { return nil }

	switch cfg.Driver {
	case DriverMemory, "":
		s := memory.New()
		logger.Info().Msg("using in-memory message store")
		return &Opened{Store: s, History: s, Close: noop}, nil

	case DriverFile:
		s := jsonfile.New(cfg.Path)
		logger.Info().Str("path", cfg.Path).Msg("using file message store")
		return &Opened{Store: s, History: s, Close: noop}, nil

	case DriverPostgres:
		s, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		applied, err := s.Migrate(ctx)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("migrate postgres store: %w", err)
		}
		logger.Info().Strs("applied", applied).Msg("using postgres message store")
		return &Opened{
			Store:   s,
			History: s,
			Close: func() error {
				s.Close()
				return nil
			},
		}, nil

	case DriverKafka:
		s, err := kafka.Open(cfg.Kafka)
		if err != nil {
			return nil, fmt.Errorf("open kafka store: %w", err)
		}
		logger.Info().
			Strs("brokers", cfg.Kafka.Brokers).
			Str("topic", cfg.Kafka.Topic).
			Msg("using kafka message sink")
		return &Opened{Store: s, Close: s.Close}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Migrate applies pending postgres migrations and returns their names.
func Migrate(ctx context.Context, cfg Config) ([]string, error) {
	if cfg.Driver != DriverPostgres {
		return nil, ErrNotPostgres
	}

	s, err := postgres.Open(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	defer s.Close()

	return s.Migrate(ctx)
}
