// Package handler turns chat messages into registry invocations. It owns the
// keyword reaction, prefix detection and reply plumbing; the chat platform
// itself sits behind Gateway.
package handler

import (
	"context"
	"floppa/internal/core"
	"floppa/pkg/domain"
	"fmt"
	"strings"
	"sync/atomic"
	"unicode"
	"unicode/utf8"
)

// Message is one inbound chat message.
type Message struct {
	ID        string
	ChannelID string
	Author    domain.UserID
	// Bot is set when the author is an automated account.
	Bot     bool
	Content string
}

// Gateway is the outbound side of the chat platform.
type Gateway interface {
	Send(ctx context.Context, channelID, text string) error
	React(ctx context.Context, msg Message, emoji string) error
	// StartTyping shows a typing indicator in channelID until stop is called.
	StartTyping(ctx context.Context, channelID string) (stop func(), err error)
}

// Stats counts handler activity since start.
type Stats struct {
	reactions atomic.Uint64
	commands  atomic.Uint64
}

// Reactions returns how many messages were reacted to.
func (s *Stats) Reactions() uint64 { return s.reactions.Load() }

// Commands returns how many commands were executed.
func (s *Stats) Commands() uint64 { return s.commands.Load() }

// Config holds the chat-facing settings.
type Config struct {
	Prefix string
	// Emoji is added as a reaction to messages containing Phrase. An empty
	// phrase disables reactions.
	Emoji  string
	Phrase string
	// Registry is where resolution starts; empty means the root registry.
	Registry string
}

// FallbackEmoji is used when Config.Emoji is empty.
const FallbackEmoji = "⚠"

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(logger core.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithStats shares a counter with other components, such as the flops
// command.
func WithStats(stats *Stats) Option {
	return func(h *Handler) {
		if stats != nil {
			h.stats = stats
		}
	}
}

// Handler dispatches messages to the registry service.
type Handler struct {
	svc    *core.Service
	gw     Gateway
	cfg    Config
	phrase string
	stats  *Stats
	logger core.Logger
}

// New returns a handler running commands on svc and replying through gw.
func New(svc *core.Service, gw Gateway, cfg Config, opts ...Option) *Handler {
	if cfg.Registry == "" {
		cfg.Registry = domain.RootRegistry
	}
	if cfg.Emoji == "" {
		cfg.Emoji = FallbackEmoji
	}
	h := &Handler{
		svc:    svc,
		gw:     gw,
		cfg:    cfg,
		phrase: Squash(cfg.Phrase),
		stats:  &Stats{},
		logger: core.NopLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Stats returns the handler's counters.
func (h *Handler) Stats() *Stats { return h.stats }

// Handle processes one message: it reacts when the phrase matches and runs
// the command when the message starts with the prefix. Only gateway send
// failures are returned; command failures are logged and answered.
func (h *Handler) Handle(ctx context.Context, msg Message) error {
	if h.phrase != "" && strings.Contains(Squash(msg.Content), h.phrase) {
		if err := h.gw.React(ctx, msg, h.cfg.Emoji); err != nil {
			h.logger.Error("reaction failed", "message", msg.ID, "channel", msg.ChannelID, "error", err)
		} else {
			h.stats.reactions.Add(1)
		}
	}
	invocation, ok := h.invocation(msg)
	if !ok {
		return nil
	}

	res := h.svc.Resolve(ctx, h.cfg.Registry, invocation)
	if res.Status != core.StatusSuccess {
		// A plain unknown word after the prefix is ordinary chat.
		if res.Status == core.StatusNotFound && res.Call == "" {
			h.logger.Debug("no such command", "command", res.Last().String())
			return nil
		}
		return h.gw.Send(ctx, msg.ChannelID, res.Describe())
	}
	h.logger.Debug("command called", "command", res.Entry.Key().String(), "author", uint64(msg.Author))

	stop, err := h.gw.StartTyping(ctx, msg.ChannelID)
	if err != nil {
		h.logger.Warn("typing indicator failed", "channel", msg.ChannelID, "error", err)
		stop = func() {}
	}
	reply, err := h.svc.Execute(ctx, res, core.Caller{Author: msg.Author, ChannelID: msg.ChannelID})
	stop()
	h.stats.commands.Add(1)
	if err != nil {
		h.logger.Error("command failed", "command", res.Entry.Key().String(), "message", msg.ID, "error", err)
		return h.gw.Send(ctx, msg.ChannelID, fmt.Sprintf("⚠️ Something went wrong running `%s`", res.Call))
	}
	if reply.Text == "" {
		return nil
	}
	if err := h.gw.Send(ctx, msg.ChannelID, reply.Text); err != nil {
		return fmt.Errorf("send reply for %s: %w", res.Entry.Key(), err)
	}
	return nil
}

// invocation strips the prefix from a command message. Bots are ignored, as
// is a prefix followed by whitespace.
func (h *Handler) invocation(msg Message) (string, bool) {
	if msg.Bot || h.cfg.Prefix == "" {
		return "", false
	}
	rest, ok := strings.CutPrefix(msg.Content, h.cfg.Prefix)
	if !ok {
		return "", false
	}
	first, _ := utf8.DecodeRuneInString(rest)
	if rest == "" || unicode.IsSpace(first) {
		return "", false
	}
	return rest, true
}

// Squash removes whitespace and collapses runs of the same character, so
// "f l o o p p a" and "floppa" compare equal.
func Squash(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	var last rune = -1
	for _, r := range s {
		if unicode.IsSpace(r) || r == last {
			continue
		}
		b.WriteRune(r)
		last = r
	}
	return b.String()
}
