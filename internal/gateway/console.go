// Package gateway provides local chat gateways: a console that reads
// messages from a terminal and a websocket endpoint that speaks JSON frames.
// Both implement handler.Gateway and feed inbound messages to a Dispatcher.
package gateway

import (
	"bufio"
	"context"
	"floppa/internal/handler"
	"floppa/pkg/domain"
	"fmt"
	"io"
	"strconv"
	"sync"
)

// Dispatcher consumes inbound messages.
type Dispatcher interface {
	Handle(ctx context.Context, msg handler.Message) error
}

// ConsoleChannel is the channel id of every console message.
const ConsoleChannel = "console"

// Console reads one message per line from in and writes replies to out.
type Console struct {
	in     io.Reader
	out    io.Writer
	author domain.UserID

	mu  sync.Mutex
	seq uint64
}

// NewConsole returns a console gateway whose messages are authored by
// author.
func NewConsole(in io.Reader, out io.Writer, author domain.UserID) *Console {
	return &Console{in: in, out: out, author: author}
}

func (c *Console) Send(_ context.Context, _ string, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.out, text)
	return err
}

func (c *Console) React(_ context.Context, msg handler.Message, emoji string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.out, "[%s reacted %s]\n", msg.ID, emoji)
	return err
}

func (c *Console) StartTyping(context.Context, string) (func(), error) {
	return func() {}, nil
}

// Run dispatches lines until in is exhausted or ctx is cancelled.
func (c *Console) Run(ctx context.Context, d Dispatcher) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if err := d.Handle(ctx, c.message(line)); err != nil {
				return fmt.Errorf("console: %w", err)
			}
		}
	}
}

func (c *Console) message(line string) handler.Message {
	c.mu.Lock()
	c.seq++
	id := strconv.FormatUint(c.seq, 10)
	c.mu.Unlock()
	return handler.Message{ID: id, ChannelID: ConsoleChannel, Author: c.author, Content: line}
}
