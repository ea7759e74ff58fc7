package main

import (
	"context"
	"errors"
	"expvar"
	"floppa/internal/config"
	"floppa/internal/gateway"
	"floppa/internal/handler"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 10 * time.Second

// run starts the bot and blocks until a signal arrives or the console
// gateway reaches end of input.
func (a *app) run(parent context.Context) (err error) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := a.open(ctx, true)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		err = errors.Join(err, e.close(closeCtx))
	}()
	logger := e.logger
	cfg := e.cfg

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 4)
	running := 0
	start := func(name string, fn func(context.Context) error) {
		running++
		go func() {
			err := fn(ctx)
			if err != nil {
				err = fmt.Errorf("%s: %w", name, err)
			}
			errc <- err
		}()
	}

	start("sync", e.svc.Run)

	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
		mux.Handle("/debug/vars", expvar.Handler())
		start("metrics", serveHTTP(cfg.Metrics.Listen, mux))
		logger.Info("metrics listening", "addr", cfg.Metrics.Listen)
	}

	chat := handler.Config{
		Prefix: cfg.Prefix,
		Emoji:  cfg.Emoji.Emoji,
		Phrase: cfg.Emoji.Phrase,
	}
	opts := []handler.Option{handler.WithLogger(logger), handler.WithStats(e.stats)}
	switch cfg.Gateway.Driver {
	case config.GatewayWebSocket:
		ws := gateway.NewWebSocket(nil, gateway.WithWebSocketLogger(logger.With("component", "websocket")))
		ws.SetDispatcher(handler.New(e.svc, ws, chat, opts...))
		mux := http.NewServeMux()
		mux.Handle("/ws", ws)
		start("gateway", serveHTTP(cfg.Gateway.Listen, mux))
		logger.Info("websocket gateway listening", "addr", cfg.Gateway.Listen)
	default:
		author := cfg.Gateway.ConsoleUser
		if author == 0 && len(cfg.Admins) > 0 {
			author = cfg.Admins[0]
		}
		console := gateway.NewConsole(a.in, a.out, author)
		h := handler.New(e.svc, console, chat, opts...)
		start("gateway", func(ctx context.Context) error { return console.Run(ctx, h) })
	}
	logger.Info("floppa started", "run_dir", a.runDir, "gateway", cfg.Gateway.Driver, "prefix", cfg.Prefix)

	// The first task to stop takes the others down with it.
	var errs []error
	for range running {
		if err := <-errc; err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	logger.Info("floppa stopped", "reactions", e.stats.Reactions(), "commands", e.stats.Commands())
	return errors.Join(errs...)
}

// serveHTTP returns a task serving handler on addr until ctx is cancelled.
func serveHTTP(addr string, h http.Handler) func(context.Context) error {
	return func(ctx context.Context) error {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
		done := make(chan error, 1)
		go func() { done <- srv.Serve(ln) }()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-done; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
