package gateway

import (
	"context"
	"errors"
	"floppa/internal/core"
	"floppa/internal/handler"
	"floppa/pkg/domain"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Frame types.
const (
	FrameMessage     = "message"
	FrameReply       = "reply"
	FrameReaction    = "reaction"
	FrameTypingStart = "typing_start"
	FrameTypingStop  = "typing_stop"
	FramePing        = "ping"
	FramePong        = "pong"
	FrameError       = "error"
)

// Frame is the JSON unit exchanged with websocket clients. Clients send
// message and ping frames; the bot sends everything else.
type Frame struct {
	Type      string        `json:"type"`
	ID        string        `json:"id,omitempty"`
	ChannelID string        `json:"channel_id,omitempty"`
	Author    domain.UserID `json:"author_id,omitempty"`
	Bot       bool          `json:"bot,omitempty"`
	Content   string        `json:"content,omitempty"`
	Emoji     string        `json:"emoji,omitempty"`
}

// ErrNoSubscribers is returned when nobody is connected to a channel.
var ErrNoSubscribers = errors.New("no connection is subscribed to the channel")

const (
	writeTimeout = 10 * time.Second
	readTimeout  = 120 * time.Second
)

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) write(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(f)
}

// WebSocket is an http.Handler that accepts chat clients. A connection
// subscribes to every channel it sends a message in; replies go to all
// subscribers of the channel.
type WebSocket struct {
	upgrader   websocket.Upgrader
	dispatcher Dispatcher
	logger     core.Logger
	nextConn   atomic.Uint64

	mu       sync.Mutex
	channels map[string]map[*wsConn]struct{}
}

// WebSocketOption configures a WebSocket gateway.
type WebSocketOption func(*WebSocket)

// WithWebSocketLogger sets the gateway logger.
func WithWebSocketLogger(logger core.Logger) WebSocketOption {
	return func(w *WebSocket) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithOriginCheck replaces the default check, which accepts every origin.
func WithOriginCheck(check func(r *http.Request) bool) WebSocketOption {
	return func(w *WebSocket) {
		if check != nil {
			w.upgrader.CheckOrigin = check
		}
	}
}

// NewWebSocket returns a gateway dispatching inbound messages to d. The
// dispatcher may be set later with SetDispatcher when it needs the gateway
// itself.
func NewWebSocket(d Dispatcher, opts ...WebSocketOption) *WebSocket {
	w := &WebSocket{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		dispatcher: d,
		logger:     core.NopLogger(),
		channels:   make(map[string]map[*wsConn]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// SetDispatcher replaces the inbound dispatcher. Call it before serving.
func (w *WebSocket) SetDispatcher(d Dispatcher) { w.dispatcher = d }

func (w *WebSocket) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := &wsConn{conn: conn}
	defer func() {
		w.unsubscribe(c)
		_ = conn.Close()
	}()
	id := w.nextConn.Add(1)
	w.logger.Info("websocket connected", "remote", conn.RemoteAddr().String(), "conn", id)
	w.serve(r.Context(), c, "ws-"+strconv.FormatUint(id, 10))
}

func (w *WebSocket) serve(ctx context.Context, c *wsConn, defaultChannel string) {
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	var seq uint64
	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		switch f.Type {
		case FramePing:
			w.reply(c, Frame{Type: FramePong})
		case FrameMessage:
			seq++
			msg := handler.Message{
				ID:        f.ID,
				ChannelID: f.ChannelID,
				Author:    f.Author,
				Bot:       f.Bot,
				Content:   f.Content,
			}
			if msg.ChannelID == "" {
				msg.ChannelID = defaultChannel
			}
			if msg.ID == "" {
				msg.ID = defaultChannel + "-" + strconv.FormatUint(seq, 10)
			}
			w.subscribe(msg.ChannelID, c)
			if w.dispatcher == nil {
				w.reply(c, Frame{Type: FrameError, Content: "no dispatcher"})
				continue
			}
			if err := w.dispatcher.Handle(ctx, msg); err != nil {
				w.logger.Error("websocket dispatch failed", "channel", msg.ChannelID, "message", msg.ID, "error", err)
			}
		default:
			w.reply(c, Frame{Type: FrameError, Content: "unknown frame type: " + f.Type})
		}
	}
}

func (w *WebSocket) reply(c *wsConn, f Frame) {
	if err := c.write(f); err != nil {
		w.logger.Warn("websocket write failed", "type", f.Type, "error", err)
	}
}

func (w *WebSocket) subscribe(channel string, c *wsConn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	subs, ok := w.channels[channel]
	if !ok {
		subs = make(map[*wsConn]struct{})
		w.channels[channel] = subs
	}
	subs[c] = struct{}{}
}

func (w *WebSocket) unsubscribe(c *wsConn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for channel, subs := range w.channels {
		delete(subs, c)
		if len(subs) == 0 {
			delete(w.channels, channel)
		}
	}
}

func (w *WebSocket) subscribers(channel string) []*wsConn {
	w.mu.Lock()
	defer w.mu.Unlock()
	subs := w.channels[channel]
	out := make([]*wsConn, 0, len(subs))
	for c := range subs {
		out = append(out, c)
	}
	return out
}

func (w *WebSocket) broadcast(f Frame) error {
	subs := w.subscribers(f.ChannelID)
	if len(subs) == 0 {
		return fmt.Errorf("%w: %s", ErrNoSubscribers, f.ChannelID)
	}
	var errs []error
	for _, c := range subs {
		if err := c.write(f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *WebSocket) Send(_ context.Context, channelID, text string) error {
	return w.broadcast(Frame{Type: FrameReply, ChannelID: channelID, Content: text})
}

func (w *WebSocket) React(_ context.Context, msg handler.Message, emoji string) error {
	return w.broadcast(Frame{Type: FrameReaction, ChannelID: msg.ChannelID, ID: msg.ID, Emoji: emoji})
}

func (w *WebSocket) StartTyping(_ context.Context, channelID string) (func(), error) {
	if err := w.broadcast(Frame{Type: FrameTypingStart, ChannelID: channelID}); err != nil {
		return nil, err
	}
	return func() {
		if err := w.broadcast(Frame{Type: FrameTypingStop, ChannelID: channelID}); err != nil {
			w.logger.Debug("typing stop not delivered", "channel", channelID, "error", err)
		}
	}, nil
}
