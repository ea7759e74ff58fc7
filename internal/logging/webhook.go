package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultQueueSize   = 64
	webhookPostTimeout = 10 * time.Second
)

// WebhookOption configures a WebhookHandler.
type WebhookOption func(*webhookSink)

// WithHTTPClient sets the client used to post records.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(s *webhookSink) {
		if client != nil {
			s.client = client
		}
	}
}

// WithQueueSize bounds the number of records waiting to be posted. Records
// beyond it are dropped.
func WithQueueSize(n int) WebhookOption {
	return func(s *webhookSink) {
		if n > 0 {
			s.size = n
		}
	}
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Fields      []embedField `json:"fields"`
}

// webhookMessage is the chat webhook body: one embed per record.
type webhookMessage struct {
	Content     *string  `json:"content"`
	Embeds      []embed  `json:"embeds"`
	Attachments []string `json:"attachments"`
}

type webhookSink struct {
	url    string
	client *http.Client
	size   int

	mu     sync.RWMutex
	closed bool
	queue  chan webhookMessage
	done   chan struct{}

	dropped atomic.Uint64
	failed  atomic.Uint64
}

func (s *webhookSink) enqueue(msg webhookMessage) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.queue <- msg:
	default:
		s.dropped.Add(1)
	}
}

func (s *webhookSink) run() {
	defer close(s.done)
	for msg := range s.queue {
		if err := s.post(msg); err != nil {
			s.failed.Add(1)
		}
	}
}

func (s *webhookSink) post(msg webhookMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), webhookPostTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %s", resp.Status)
	}
	return nil
}

// WebhookHandler is a slog.Handler that posts records to a chat webhook from
// a background goroutine. Handle never blocks on the network; when the queue
// is full the record is dropped and counted.
type WebhookHandler struct {
	level  slog.Level
	prefix string
	attrs  []slog.Attr
	sink   *webhookSink
}

// NewWebhookHandler starts a handler posting records at or above level to
// url. Call Close to flush it.
func NewWebhookHandler(url string, level slog.Level, opts ...WebhookOption) *WebhookHandler {
	sink := &webhookSink{
		url:    url,
		client: &http.Client{Timeout: webhookPostTimeout},
		size:   defaultQueueSize,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(sink)
	}
	sink.queue = make(chan webhookMessage, sink.size)
	go sink.run()
	return &WebhookHandler{level: level, sink: sink}
}

func (h *WebhookHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *WebhookHandler) Handle(_ context.Context, r slog.Record) error {
	var desc strings.Builder
	desc.WriteString(r.Message)
	desc.WriteString("\n")
	write := func(a slog.Attr) bool {
		for _, flat := range flatten(h.prefix, a) {
			fmt.Fprintf(&desc, "- `%s`: `%s`\n", flat.Key, flat.Value.String())
		}
		return true
	}
	for _, a := range h.attrs {
		write(a)
	}
	r.Attrs(write)

	e := embed{
		Title:       r.Level.String(),
		Description: desc.String(),
		Color:       levelColor(r.Level),
		Fields:      []embedField{{Name: "Level", Value: "`" + r.Level.String() + "`", Inline: true}},
	}
	if !r.Time.IsZero() {
		e.Timestamp = r.Time.UTC().Format(time.RFC3339)
	}
	h.sink.enqueue(webhookMessage{Embeds: []embed{e}, Attachments: []string{}})
	return nil
}

func (h *WebhookHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		next.attrs = append(next.attrs, flatten(h.prefix, a)...)
	}
	return &next
}

func (h *WebhookHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

// Dropped returns how many records were discarded because the queue was
// full or the handler was closed.
func (h *WebhookHandler) Dropped() uint64 { return h.sink.dropped.Load() }

// Failed returns how many posts failed.
func (h *WebhookHandler) Failed() uint64 { return h.sink.failed.Load() }

// Close stops accepting records and waits for queued posts, or for ctx.
func (h *WebhookHandler) Close(ctx context.Context) error {
	s := h.sink
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// flatten resolves a and expands groups into dotted keys.
func flatten(prefix string, a slog.Attr) []slog.Attr {
	a.Value = a.Value.Resolve()
	if a.Value.Kind() != slog.KindGroup {
		if a.Key == "" {
			return nil
		}
		return []slog.Attr{{Key: prefix + a.Key, Value: a.Value}}
	}
	if a.Key != "" {
		prefix += a.Key + "."
	}
	var out []slog.Attr
	for _, child := range a.Value.Group() {
		out = append(out, flatten(prefix, child)...)
	}
	return out
}

func levelColor(level slog.Level) int {
	switch {
	case level >= slog.LevelError:
		return 0xe06c75
	case level >= slog.LevelWarn:
		return 0xe5c07b
	case level >= slog.LevelInfo:
		return 0x98c379
	default:
		return 0x61afef
	}
}
