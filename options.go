package graphstore

import (
	"log/slog"
	"time"

	"github.com/poiesic/graphstore/backup"
	"github.com/poiesic/graphstore/views"
)

// Option configures a Storage.
type Option func(*Storage) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Storage) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// WithConfig replaces the configuration. Unset fields get their defaults.
func WithConfig(cfg *Config) Option {
	return func(s *Storage) error {
		if cfg == nil {
			return nil
		}
		c := *cfg
		ApplyDefaults(&c)
		if err := c.Validate(); err != nil {
			return err
		}
		s.config = &c
		return nil
	}
}

// WithName sets the name recorded in the metadata of a new storage and used
// for its backup archives.
func WithName(name string) Option {
	return func(s *Storage) error {
		if name == "" {
			return ErrInvalidName
		}
		s.config.Name = name
		return nil
	}
}

// WithBackupSink sends backups to sink instead of the configured
// destination.
func WithBackupSink(sink backup.Sink) Option {
	return func(s *Storage) error {
		s.sink = sink
		return nil
	}
}

// WithMetrics records operations in m.
func WithMetrics(m *Metrics) Option {
	return func(s *Storage) error {
		s.metrics = m
		return nil
	}
}

// WithView registers the index of a type. Types queried without one get a
// view indexing nothing but their ID.
func WithView(spec views.Spec) Option {
	return func(s *Storage) error {
		if _, err := views.New(spec); err != nil {
			return err
		}
		s.specs[spec.Type] = spec
		return nil
	}
}

// WithClock replaces time.Now for the metadata timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) error {
		if now != nil {
			s.now = now
		}
		return nil
	}
}

// WithMaintainOnOpen overrides Config.MaintainOnOpen.
func WithMaintainOnOpen(enabled bool) Option {
	return func(s *Storage) error {
		s.config.MaintainOnOpen = &enabled
		return nil
	}
}
