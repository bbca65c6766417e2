package graphstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/poiesic/graphstore/backup/s3"
	"gopkg.in/yaml.v3"
)

const (
	DefaultName             = "default"
	DefaultVersion          = "1.0"
	DefaultBackupInterval   = 48 * time.Hour
	DefaultCompactInterval  = 48 * time.Hour
	DefaultWorkers          = 4
	DefaultProgramCacheSize = 128
	DefaultUploadAttempts   = 3
)

// Config holds the settings of a Storage or Manager.
type Config struct {
	// Dir is the directory the manager keeps its storages in. A single
	// Storage opened with Open uses its own path instead.
	Dir string `yaml:"dir"`

	// Name and Version are written to the metadata record of a new storage.
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// BackupInterval is how far LastModified may run ahead of LastBackup
	// before a backup is taken on open.
	BackupInterval time.Duration `yaml:"backup_interval"`

	// CompactInterval is the same for LastCleanup and compaction.
	CompactInterval time.Duration `yaml:"compact_interval"`

	// MaintainOnOpen runs the backup and compaction checks when a storage
	// is opened. Defaults to true.
	MaintainOnOpen *bool `yaml:"maintain_on_open"`

	// BackupDir receives archives when no S3 bucket is configured. Empty
	// means "<storage dir>/backups".
	BackupDir string `yaml:"backup_dir"`

	// UploadAttempts bounds the retries of a backup upload.
	UploadAttempts int `yaml:"upload_attempts"`

	// Workers sizes the pool Manager.MaintainAll runs on.
	Workers int `yaml:"workers"`

	// ProgramCacheSize is the number of compiled query expressions the
	// document store keeps.
	ProgramCacheSize int `yaml:"program_cache_size"`

	S3 s3.Config `yaml:"s3"`
}

// ConfigOption is a functional option for configuring a Config.
type ConfigOption func(*Config)

// WithDir sets the manager directory.
func WithDir(dir string) ConfigOption {
	return func(c *Config) {
		c.Dir = dir
	}
}

// WithStorageName sets the name recorded in new storages.
func WithStorageName(name string) ConfigOption {
	return func(c *Config) {
		c.Name = name
	}
}

// WithVersion sets the version recorded in new storages.
func WithVersion(version string) ConfigOption {
	return func(c *Config) {
		c.Version = version
	}
}

// WithBackupInterval sets the backup interval.
func WithBackupInterval(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.BackupInterval = d
	}
}

// WithCompactInterval sets the compaction interval.
func WithCompactInterval(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.CompactInterval = d
	}
}

// WithBackupDir sets the local archive directory.
func WithBackupDir(dir string) ConfigOption {
	return func(c *Config) {
		c.BackupDir = dir
	}
}

// WithMaintenance enables or disables the checks run on open.
func WithMaintenance(enabled bool) ConfigOption {
	return func(c *Config) {
		c.MaintainOnOpen = &enabled
	}
}

// WithWorkers sets the maintenance pool size.
func WithWorkers(n int) ConfigOption {
	return func(c *Config) {
		c.Workers = n
	}
}

// WithS3 sends backups to a bucket.
func WithS3(cfg s3.Config) ConfigOption {
	return func(c *Config) {
		c.S3 = cfg
	}
}

// DefaultConfig returns a Config with the default intervals, backing up and
// compacting every 48 hours of activity.
func DefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// NewConfig creates a Config with the default values and applies the
// provided options.
//
// Example:
//
//	cfg := NewConfig(
//	    WithStorageName("projects"),
//	    WithBackupInterval(24*time.Hour),
//	)
func NewConfig(opts ...ConfigOption) *Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// ApplyDefaults fills every unset field.
func ApplyDefaults(cfg *Config) {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	if cfg.BackupInterval == 0 {
		cfg.BackupInterval = DefaultBackupInterval
	}
	if cfg.CompactInterval == 0 {
		cfg.CompactInterval = DefaultCompactInterval
	}
	if cfg.MaintainOnOpen == nil {
		enabled := true
		cfg.MaintainOnOpen = &enabled
	}
	if cfg.UploadAttempts == 0 {
		cfg.UploadAttempts = DefaultUploadAttempts
	}
	if cfg.Workers == 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.ProgramCacheSize == 0 {
		cfg.ProgramCacheSize = DefaultProgramCacheSize
	}
}

// Maintain reports whether the checks run on open.
func (c *Config) Maintain() bool {
	return c.MaintainOnOpen == nil || *c.MaintainOnOpen
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New("name is required")
	}
	if _, _, ok := strings.Cut(c.Version, "."); !ok {
		return fmt.Errorf("version %q is not major.minor", c.Version)
	}
	if c.BackupInterval < 0 {
		return errors.New("backup_interval must not be negative")
	}
	if c.CompactInterval < 0 {
		return errors.New("compact_interval must not be negative")
	}
	if c.UploadAttempts < 1 {
		return errors.New("upload_attempts must be at least 1")
	}
	if c.Workers < 1 {
		return errors.New("workers must be at least 1")
	}
	if c.ProgramCacheSize < 1 {
		return errors.New("program_cache_size must be at least 1")
	}
	if c.S3.Bucket == "" && (c.S3.Prefix != "" || c.S3.Endpoint != "") {
		return errors.New("s3.bucket is required when s3 is configured")
	}
	return nil
}

// LoadConfig reads the YAML file at path, applies defaults and expands
// paths.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Dir = expandPath(cfg.Dir, configDir)
	cfg.BackupDir = expandPath(cfg.BackupDir, configDir)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// expandPath converts a path to absolute. Paths starting with "./" are
// relative to configDir; other relative paths are relative to the home
// directory. Empty stays empty.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
