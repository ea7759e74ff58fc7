// Package logging builds the process logger: a text or JSON slog handler on
// the console, optionally fanned out to a chat webhook for important records.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// Output formats.
const (
	FormatAuto = "auto"
	FormatText = "text"
	FormatJSON = "json"
)

// Config mirrors the logging section of config.yaml.
type Config struct {
	// GlobalLevel is the minimum level written to the console.
	GlobalLevel string `yaml:"global_level"`
	// Format is auto, text or json. Auto picks text on a terminal.
	Format string `yaml:"format"`
	// WebhookURL receives records at or above WebhookLevel; empty disables it.
	WebhookURL   string `yaml:"webhook_url"`
	WebhookLevel string `yaml:"webhook_level"`
}

// Defaults fills empty fields.
func (c *Config) Defaults() {
	if c.GlobalLevel == "" {
		c.GlobalLevel = "info"
	}
	if c.Format == "" {
		c.Format = FormatAuto
	}
	if c.WebhookLevel == "" {
		c.WebhookLevel = "error"
	}
}

// Validate reports unparseable levels or formats.
func (c Config) Validate() error {
	if _, err := ParseLevel(c.GlobalLevel); err != nil {
		return fmt.Errorf("global_level: %w", err)
	}
	if _, err := ParseLevel(c.WebhookLevel); err != nil {
		return fmt.Errorf("webhook_level: %w", err)
	}
	switch c.Format {
	case "", FormatAuto, FormatText, FormatJSON:
		return nil
	default:
		return fmt.Errorf("unknown log format %q", c.Format)
	}
}

// ParseLevel accepts trace, debug, info, warn(ing) and error in any case.
// Trace maps to debug. An empty string is info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace", "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", s)
	}
}

// New builds a logger writing to w. The returned close function flushes
// pending webhook posts; it is safe to call when no webhook is configured.
func New(w io.Writer, cfg Config, opts ...WebhookOption) (*slog.Logger, func(context.Context) error, error) {
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	level, _ := ParseLevel(cfg.GlobalLevel)
	options := &slog.HandlerOptions{Level: level}

	var console slog.Handler
	if useText(w, cfg.Format) {
		console = slog.NewTextHandler(w, options)
	} else {
		console = slog.NewJSONHandler(w, options)
	}
	if cfg.WebhookURL == "" {
		return slog.New(console), func(context.Context) error { return nil }, nil
	}
	webhookLevel, _ := ParseLevel(cfg.WebhookLevel)
	webhook := NewWebhookHandler(cfg.WebhookURL, webhookLevel, opts...)
	return slog.New(fanout{console, webhook}), webhook.Close, nil
}

func useText(w io.Writer, format string) bool {
	switch format {
	case FormatText:
		return true
	case FormatJSON:
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// fanout sends each record to every handler that accepts its level.
type fanout []slog.Handler

func (handlers fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (handlers fanout) Handle(ctx context.Context, record slog.Record) error {
	var first error
	for _, h := range handlers {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (handlers fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	derived := make(fanout, len(handlers))
	for i, h := range handlers {
		derived[i] = h.WithAttrs(attrs)
	}
	return derived
}

func (handlers fanout) WithGroup(name string) slog.Handler {
	derived := make(fanout, len(handlers))
	for i, h := range handlers {
		derived[i] = h.WithGroup(name)
	}
	return derived
}
