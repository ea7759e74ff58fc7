// Package config loads config.yaml from the run directory.
//
// Every field has a default, so a missing file yields a working local setup:
// sqlite in the run directory, filesystem backups, the console gateway.
// A few environment variables override the file for container deployments.
package config

import (
	"errors"
	"floppa/internal/blob"
	"floppa/internal/core"
	"floppa/internal/logging"
	"floppa/pkg/domain"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file inside the run directory.
const FileName = "config.yaml"

// Gateway drivers.
const (
	GatewayConsole   = "console"
	GatewayWebSocket = "websocket"
)

// Config is the bot configuration.
type Config struct {
	// Prefix starts every command message.
	Prefix string `yaml:"prefix"`
	// BotName is used in replies such as the version command.
	BotName string             `yaml:"bot_name"`
	Logging logging.Config     `yaml:"logging"`
	Emoji   EmojiConfig        `yaml:"emoji"`
	Storage core.StorageConfig `yaml:"storage"`
	Sync    SyncConfig         `yaml:"sync"`
	Blob    blob.Config        `yaml:"blob"`
	Metrics MetricsConfig      `yaml:"metrics"`
	Gateway GatewayConfig      `yaml:"gateway"`
	// Admins are granted the admin role on every start.
	Admins []domain.UserID `yaml:"admins"`
}

// EmojiConfig configures the keyword reaction.
type EmojiConfig struct {
	// Emoji is the reaction added to matching messages.
	Emoji string `yaml:"emoji"`
	// Phrase triggers the reaction; empty disables it.
	Phrase string `yaml:"phrase"`
}

// SyncConfig configures the synchronizer.
type SyncConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// MetricsConfig configures the metrics endpoint.
type MetricsConfig struct {
	// Listen is the address serving /metrics and /debug/vars; empty disables
	// the endpoint.
	Listen string `yaml:"listen"`
}

// GatewayConfig selects the local chat gateway.
type GatewayConfig struct {
	Driver string `yaml:"driver"`
	// Listen is the websocket address.
	Listen string `yaml:"listen"`
	// ConsoleUser authors console messages.
	ConsoleUser domain.UserID `yaml:"console_user"`
}

// Default returns the configuration used for missing fields.
func Default() *Config {
	cfg := &Config{}
	cfg.Defaults()
	return cfg
}

// Defaults fills empty fields.
func (c *Config) Defaults() {
	if c.Prefix == "" {
		c.Prefix = "$"
	}
	if c.BotName == "" {
		c.BotName = "Floppa"
	}
	c.Logging.Defaults()
	if c.Emoji.Emoji == "" {
		c.Emoji.Emoji = "🐱"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = core.StorageSQLite
	}
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = core.DefaultSyncInterval
	}
	if c.Blob.Driver == "" {
		c.Blob.Driver = blob.DriverFilesystem
	}
	if c.Gateway.Driver == "" {
		c.Gateway.Driver = GatewayConsole
	}
	if c.Gateway.Driver == GatewayWebSocket && c.Gateway.Listen == "" {
		c.Gateway.Listen = "127.0.0.1:8090"
	}
}

// ApplyEnv overrides fields from the environment.
//
//	FLOPPA_PREFIX: command prefix
//	FLOPPA_LOG_LEVEL: logging.global_level
//	FLOPPA_METRICS_LISTEN: metrics.listen
//	plus the storage and blob variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("FLOPPA_PREFIX"); v != "" {
		c.Prefix = v
	}
	if v := os.Getenv("FLOPPA_LOG_LEVEL"); v != "" {
		c.Logging.GlobalLevel = v
	}
	if v := os.Getenv("FLOPPA_METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}
	c.Storage.ApplyEnv()
	c.Blob.ApplyEnv()
}

// Validate rejects values the bot cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Prefix == "" {
		errs = append(errs, errors.New("prefix must not be empty"))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	switch c.Storage.Driver {
	case core.StorageMemory, core.StorageSQLite:
	case core.StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage: postgres driver requires postgres_dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage: unknown driver %q", c.Storage.Driver))
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, errors.New("sync: interval must be positive"))
	}
	switch c.Blob.Driver {
	case blob.DriverFilesystem, blob.DriverMemory:
	case blob.DriverS3:
		if c.Blob.S3.Bucket == "" {
			errs = append(errs, errors.New("blob: s3 driver requires a bucket"))
		}
	default:
		errs = append(errs, fmt.Errorf("blob: unknown driver %q", c.Blob.Driver))
	}
	switch c.Gateway.Driver {
	case GatewayConsole:
	case GatewayWebSocket:
		if c.Gateway.Listen == "" {
			errs = append(errs, errors.New("gateway: websocket driver requires listen"))
		}
	default:
		errs = append(errs, fmt.Errorf("gateway: unknown driver %q", c.Gateway.Driver))
	}
	return errors.Join(errs...)
}

// Path returns the config file location inside runDir.
func Path(runDir string) string {
	return filepath.Join(runDir, FileName)
}

// Load reads runDir/config.yaml, applies environment overrides and defaults,
// and validates the result. A missing file is not an error.
func Load(runDir string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(Path(runDir))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", Path(runDir), err)
		}
	}
	cfg.ApplyEnv()
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Write stores cfg as runDir/config.yaml. It refuses to replace an existing
// file.
func Write(runDir string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	f, err := os.OpenFile(Path(runDir), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create config: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write config: %w", err)
	}
	return f.Close()
}
