package adapter

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mmcdole/pixmirror/internal/domain"
)

// SourceType identifies the remote bookmark backend
type SourceType string

const (
	SourceTypePixiv SourceType = "pixiv"
)

// LedgerDriver identifies the ledger storage backend
type LedgerDriver string

const (
	LedgerDriverBolt   LedgerDriver = "bolt"
	LedgerDriverSQLite LedgerDriver = "sqlite"
)

const (
	MinConcurrency = 1
	MaxConcurrency = 16
)

// Config holds all application configuration
type Config struct {
	Source     SourceConfig     `mapstructure:"source"`
	Download   DownloadConfig   `mapstructure:"download"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Credential CredentialConfig `mapstructure:"credential"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// SourceConfig holds remote service configuration
type SourceConfig struct {
	Type              SourceType    `mapstructure:"type"`
	Scope             domain.Scope  `mapstructure:"scope"`     // public, private or both
	MaxPages          int           `mapstructure:"max_pages"` // 0 = unbounded
	APIURL            string        `mapstructure:"api_url"`
	AuthURL           string        `mapstructure:"auth_url"`
	ClientID          string        `mapstructure:"client_id"`
	ClientSecret      string        `mapstructure:"client_secret"`
	HashSecret        string        `mapstructure:"hash_secret"`
	UserAgent         string        `mapstructure:"user_agent"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RateLimitCooldown time.Duration `mapstructure:"rate_limit_cooldown"`
	RateLimitRetries  int           `mapstructure:"rate_limit_retries"`
}

// DownloadConfig holds transfer configuration
type DownloadConfig struct {
	Root        string        `mapstructure:"root"`
	Concurrency int           `mapstructure:"concurrency"` // 1..16
	Attempts    int           `mapstructure:"attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
	Timeout     time.Duration `mapstructure:"timeout"` // per transfer
}

// SyncConfig holds cycle scheduling configuration
type SyncConfig struct {
	Interval      time.Duration `mapstructure:"interval"` // 0 = single-shot
	AutoStart     bool          `mapstructure:"auto_start"`
	History       int           `mapstructure:"history"`
	BackfillBatch int           `mapstructure:"backfill_batch"`
}

// LedgerConfig holds ledger storage configuration
type LedgerConfig struct {
	Driver LedgerDriver `mapstructure:"driver"`
	Path   string       `mapstructure:"path"` // defaults to <download.root>/pixmirror.db
}

// CredentialConfig holds where the refresh token comes from
type CredentialConfig struct {
	Token     string `mapstructure:"token"`
	TokenFile string `mapstructure:"token_file"`
	Watch     bool   `mapstructure:"watch"` // reload token_file on change
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	File       string `mapstructure:"file"` // empty = stderr
	Level      string `mapstructure:"level"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Source: SourceConfig{
			Type:              SourceTypePixiv,
			Scope:             domain.ScopePublic,
			RateLimitCooldown: 30 * time.Second,
			RateLimitRetries:  3,
			Timeout:           60 * time.Second,
		},
		Download: DownloadConfig{
			Root:        "./downloads",
			Concurrency: 4,
			Attempts:    5,
			Backoff:     time.Second,
			MaxBackoff:  30 * time.Second,
			Timeout:     2 * time.Minute,
		},
		Sync: SyncConfig{
			Interval:      0,
			AutoStart:     true,
			History:       20,
			BackfillBatch: 25,
		},
		Ledger: LedgerConfig{
			Driver: LedgerDriverBolt,
		},
		Credential: CredentialConfig{
			TokenFile: filepath.Join(defaultDataPath(), "refresh_token"),
			Watch:     true,
		},
		Logging: LoggingConfig{
			Level:      "INFO",
			MaxSizeMB:  20,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// defaultConfigPath returns the default config directory for the current OS
func defaultConfigPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "pixmirror")
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "pixmirror")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "pixmirror")
	}
}

// defaultDataPath returns the default data directory for the current OS
func defaultDataPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("LOCALAPPDATA"), "pixmirror")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "pixmirror")
	}
}

// setDefaults registers every key so environment overrides are picked up by Unmarshal
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("source.type", cfg.Source.Type)
	v.SetDefault("source.scope", cfg.Source.Scope)
	v.SetDefault("source.max_pages", cfg.Source.MaxPages)
	v.SetDefault("source.api_url", cfg.Source.APIURL)
	v.SetDefault("source.auth_url", cfg.Source.AuthURL)
	v.SetDefault("source.client_id", cfg.Source.ClientID)
	v.SetDefault("source.client_secret", cfg.Source.ClientSecret)
	v.SetDefault("source.hash_secret", cfg.Source.HashSecret)
	v.SetDefault("source.user_agent", cfg.Source.UserAgent)
	v.SetDefault("source.timeout", cfg.Source.Timeout)
	v.SetDefault("source.rate_limit_cooldown", cfg.Source.RateLimitCooldown)
	v.SetDefault("source.rate_limit_retries", cfg.Source.RateLimitRetries)

	v.SetDefault("download.root", cfg.Download.Root)
	v.SetDefault("download.concurrency", cfg.Download.Concurrency)
	v.SetDefault("download.attempts", cfg.Download.Attempts)
	v.SetDefault("download.backoff", cfg.Download.Backoff)
	v.SetDefault("download.max_backoff", cfg.Download.MaxBackoff)
	v.SetDefault("download.timeout", cfg.Download.Timeout)

	v.SetDefault("sync.interval", cfg.Sync.Interval)
	v.SetDefault("sync.auto_start", cfg.Sync.AutoStart)
	v.SetDefault("sync.history", cfg.Sync.History)
	v.SetDefault("sync.backfill_batch", cfg.Sync.BackfillBatch)

	v.SetDefault("ledger.driver", cfg.Ledger.Driver)
	v.SetDefault("ledger.path", cfg.Ledger.Path)

	v.SetDefault("credential.token", cfg.Credential.Token)
	v.SetDefault("credential.token_file", cfg.Credential.TokenFile)
	v.SetDefault("credential.watch", cfg.Credential.Watch)

	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.max_size_mb", cfg.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", cfg.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", cfg.Logging.MaxAgeDays)
}

// LoadConfig loads configuration from file and environment. An empty path
// searches the default locations; a missing file there is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(defaultConfigPath())
		v.AddConfigPath(".")
	}

	// Environment variable overrides: PIXMIRROR_DOWNLOAD_CONCURRENCY etc.
	v.SetEnvPrefix("PIXMIRROR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	cfg.Download.Root = expandHome(cfg.Download.Root)
	cfg.Ledger.Path = expandHome(cfg.Ledger.Path)
	cfg.Credential.TokenFile = expandHome(cfg.Credential.TokenFile)
	cfg.Logging.File = expandHome(cfg.Logging.File)
	if cfg.Ledger.Path == "" {
		cfg.Ledger.Path = filepath.Join(cfg.Download.Root, "pixmirror.db")
	}

	return cfg, nil
}

// Validate checks the values the core treats as preconditions
func (c *Config) Validate() error {
	if _, err := c.Source.Scope.Listings(); err != nil {
		return fmt.Errorf("source.scope: %w", err)
	}
	if c.Source.Type != SourceTypePixiv {
		return fmt.Errorf("%w: source.type %q is not supported", domain.ErrInvalidConfig, c.Source.Type)
	}
	if c.Source.MaxPages < 0 {
		return fmt.Errorf("%w: source.max_pages cannot be negative", domain.ErrInvalidConfig)
	}
	if c.Source.RateLimitRetries < 1 {
		return fmt.Errorf("%w: source.rate_limit_retries must be at least 1", domain.ErrInvalidConfig)
	}
	if c.Source.RateLimitCooldown < 0 {
		return fmt.Errorf("%w: source.rate_limit_cooldown cannot be negative", domain.ErrInvalidConfig)
	}
	if c.Download.Concurrency < MinConcurrency || c.Download.Concurrency > MaxConcurrency {
		return fmt.Errorf("%w: download.concurrency must be between %d and %d (got %d)",
			domain.ErrInvalidConfig, MinConcurrency, MaxConcurrency, c.Download.Concurrency)
	}
	if c.Download.Attempts < 1 {
		return fmt.Errorf("%w: download.attempts must be at least 1", domain.ErrInvalidConfig)
	}
	if c.Download.Root == "" {
		return fmt.Errorf("%w: download.root is required", domain.ErrInvalidConfig)
	}
	if c.Sync.Interval < 0 {
		return fmt.Errorf("%w: sync.interval cannot be negative", domain.ErrInvalidConfig)
	}
	switch c.Ledger.Driver {
	case LedgerDriverBolt, LedgerDriverSQLite:
	default:
		return fmt.Errorf("%w: ledger.driver must be bolt or sqlite (got %q)", domain.ErrInvalidConfig, c.Ledger.Driver)
	}
	return nil
}

// expandHome expands a leading ~ in path
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
