// internal/config/config.go
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ConflictScope decides when a stale base revision rejects an edit.
type ConflictScope string

const (
	// ScopeRepository rejects any edit whose base is not the current head.
	ScopeRepository ConflictScope = "repository"
	// ScopePage rejects an edit only when its page changed since the base.
	ScopePage ConflictScope = "page"
)

const (
	DefaultBind          = "127.0.0.1:8000"
	DefaultBranch        = "main"
	DefaultIndexPage     = "index.md"
	DefaultPollInterval  = 2000
	DefaultLockTimeout   = 5000
	DefaultMaxUploadSize = 1 << 20
	DefaultBlobEntries   = 1024
	DefaultAuthorName    = "smeagol"
	DefaultAuthorEmail   = "smeagol@smeagol"
)

type Config struct {
	LogLevel   string           `toml:"log_level"` // debug, info, warn, error
	Server     ServerConfig     `toml:"server"`
	Repository RepositoryConfig `toml:"repository"`
	Wiki       WikiConfig       `toml:"wiki"`
	Cache      CacheConfig      `toml:"cache"`
}

type ServerConfig struct {
	Bind          string `toml:"bind"`
	MaxUploadSize int64  `toml:"max_upload_size"`
}

type RepositoryConfig struct {
	Path               string        `toml:"path"`
	Branch             string        `toml:"branch"`
	Create             bool          `toml:"create"`
	PollIntervalMs     int           `toml:"poll_interval_ms"`
	WriteLockTimeoutMs int           `toml:"write_lock_timeout_ms"`
	ConflictScope      ConflictScope `toml:"conflict_scope"`
	AuthorName         string        `toml:"author_name"`
	AuthorEmail        string        `toml:"author_email"`
}

type WikiConfig struct {
	Index string `toml:"index"`
}

type CacheConfig struct {
	BlobEntries    int    `toml:"blob_entries"`
	CheckpointPath string `toml:"checkpoint_path"`
}

// Load reads, defaults and validates the TOML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(os.ExpandEnv(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	// Relative repository paths are resolved against the config file.
	base := filepath.Dir(path)
	if cfg.Repository.Path != "" && !filepath.IsAbs(cfg.Repository.Path) {
		cfg.Repository.Path = filepath.Join(base, cfg.Repository.Path)
	}
	if cfg.Cache.CheckpointPath != "" && !filepath.IsAbs(cfg.Cache.CheckpointPath) {
		cfg.Cache.CheckpointPath = filepath.Join(base, cfg.Cache.CheckpointPath)
	}

	return cfg, nil
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.expandEnv()
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration for a repository at path.
func Default(path string) *Config {
	cfg := &Config{Repository: RepositoryConfig{Path: path}}
	cfg.ApplyDefaults()
	return cfg
}

func (c *Config) expandEnv() {
	c.Server.Bind = os.ExpandEnv(c.Server.Bind)
	c.Repository.Path = os.ExpandEnv(c.Repository.Path)
	c.Cache.CheckpointPath = os.ExpandEnv(c.Cache.CheckpointPath)
}

// ApplyDefaults fills zero-value fields.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Server.Bind == "" {
		c.Server.Bind = DefaultBind
	}
	if c.Server.MaxUploadSize == 0 {
		c.Server.MaxUploadSize = DefaultMaxUploadSize
	}
	if c.Repository.Branch == "" {
		c.Repository.Branch = DefaultBranch
	}
	if c.Repository.PollIntervalMs == 0 {
		c.Repository.PollIntervalMs = DefaultPollInterval
	}
	if c.Repository.WriteLockTimeoutMs == 0 {
		c.Repository.WriteLockTimeoutMs = DefaultLockTimeout
	}
	if c.Repository.ConflictScope == "" {
		c.Repository.ConflictScope = ScopeRepository
	}
	if c.Repository.AuthorName == "" {
		c.Repository.AuthorName = DefaultAuthorName
	}
	if c.Repository.AuthorEmail == "" {
		c.Repository.AuthorEmail = DefaultAuthorEmail
	}
	if c.Wiki.Index == "" {
		c.Wiki.Index = DefaultIndexPage
	}
	if c.Cache.BlobEntries == 0 {
		c.Cache.BlobEntries = DefaultBlobEntries
	}
}

func (c *Config) Validate() error {
	if c.Repository.Path == "" {
		return fmt.Errorf("repository.path is required")
	}
	if c.Repository.PollIntervalMs < 0 {
		return fmt.Errorf("repository.poll_interval_ms must be positive: %d", c.Repository.PollIntervalMs)
	}
	if c.Repository.WriteLockTimeoutMs < 0 {
		return fmt.Errorf("repository.write_lock_timeout_ms must be positive: %d", c.Repository.WriteLockTimeoutMs)
	}
	switch c.Repository.ConflictScope {
	case ScopeRepository, ScopePage:
	default:
		return fmt.Errorf("invalid repository.conflict_scope: %s (must be repository or page)", c.Repository.ConflictScope)
	}
	if c.Server.MaxUploadSize < 0 {
		return fmt.Errorf("server.max_upload_size must be positive: %d", c.Server.MaxUploadSize)
	}
	if _, _, err := net.SplitHostPort(c.Server.Bind); err != nil {
		return fmt.Errorf("invalid server.bind %q: %w", c.Server.Bind, err)
	}
	if c.Cache.BlobEntries < 0 {
		return fmt.Errorf("cache.blob_entries must be positive: %d", c.Cache.BlobEntries)
	}
	return nil
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Repository.PollIntervalMs) * time.Millisecond
}

func (c *Config) WriteLockTimeout() time.Duration {
	return time.Duration(c.Repository.WriteLockTimeoutMs) * time.Millisecond
}
