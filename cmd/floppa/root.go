package main

import (
	"context"
	"errors"
	"floppa/internal/backup"
	"floppa/internal/blob"
	"floppa/internal/commands"
	"floppa/internal/config"
	"floppa/internal/core"
	"floppa/internal/handler"
	"floppa/internal/logging"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

// LockFile guards a run directory against a second bot process.
const LockFile = "floppa.lock"

const closeTimeout = 30 * time.Second

var expvarRecorder = sync.OnceValue(func() *core.ExpvarMetricsRecorder {
	return core.NewExpvarMetricsRecorder("floppa")
})

type app struct {
	runDir string
	in     io.Reader
	out    io.Writer
	errOut io.Writer
}

func newRootCmd(in io.Reader, out, errOut io.Writer) *cobra.Command {
	a := &app{in: in, out: out, errOut: errOut}
	root := &cobra.Command{
		Use:           "floppa",
		Short:         "Chat bot with a user-editable command registry",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd.Context())
		},
	}
	defaultDir := os.Getenv("FLOPPA_RUN_DIR")
	if defaultDir == "" {
		defaultDir = "."
	}
	root.PersistentFlags().StringVar(&a.runDir, "run-dir", defaultDir, "directory holding config.yaml, the database and local backups")
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)
	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Start the bot (default)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.run(cmd.Context())
			},
		},
		a.backupCmd(),
		&cobra.Command{
			Use:   "init",
			Short: "Write a default config.yaml into the run directory",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				if err := os.MkdirAll(a.runDir, 0o755); err != nil {
					return err
				}
				if err := config.Write(a.runDir, config.Default()); err != nil {
					return err
				}
				_, err := fmt.Fprintf(a.out, "wrote %s\n", config.Path(a.runDir))
				return err
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the build version",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				v, c := buildVersion()
				if c == "" {
					_, err := fmt.Fprintln(a.out, v)
					return err
				}
				_, err := fmt.Fprintf(a.out, "%s (%s)\n", v, c)
				return err
			},
		},
	)
	return root
}

// buildVersion returns the linker-provided version and commit, falling back
// to module and VCS build info.
func buildVersion() (string, string) {
	v, c := version, commit
	if info, ok := debug.ReadBuildInfo(); ok {
		if v == "" && info.Main.Version != "" && info.Main.Version != "(devel)" {
			v = info.Main.Version
		}
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && c == "" {
				c = s.Value
			}
		}
	}
	if v == "" {
		v = "dev"
	}
	return v, c
}

// env is everything a bot process or a one-shot command needs.
type env struct {
	cfg      *config.Config
	logger   *slog.Logger
	closeLog func(context.Context) error
	lock     *flock.Flock
	blobs    blob.Store
	backups  *backup.Manager
	registry *prometheus.Registry
	metrics  core.MetricsRecorder
	stats    *handler.Stats
	svc      *core.Service
}

// open loads configuration and logging. With full set it also takes the run
// directory lock and loads the registry.
func (a *app) open(ctx context.Context, full bool) (e *env, err error) {
	cfg, err := config.Load(a.runDir)
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := logging.New(a.errOut, cfg.Logging)
	if err != nil {
		return nil, err
	}
	e = &env{cfg: cfg, logger: logger, closeLog: closeLog, stats: &handler.Stats{}}
	defer func() {
		if err != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			_ = e.close(closeCtx)
			e = nil
		}
	}()

	e.registry = prometheus.NewRegistry()
	e.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom, err := core.NewPrometheusMetricsRecorder(e.registry)
	if err != nil {
		return e, err
	}
	e.metrics = core.MultiMetricsRecorder{expvarRecorder(), prom}

	if e.blobs, err = blob.Open(ctx, cfg.Blob, a.runDir); err != nil {
		return e, fmt.Errorf("open blob store: %w", err)
	}
	e.backups = backup.NewManager(e.blobs,
		backup.WithLogger(logger),
		backup.WithMetricsRecorder(e.metrics),
	)
	if !full {
		return e, nil
	}

	if err := os.MkdirAll(a.runDir, 0o755); err != nil {
		return e, err
	}
	lock := flock.New(filepath.Join(a.runDir, LockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return e, fmt.Errorf("lock run directory: %w", err)
	}
	if !locked {
		return e, fmt.Errorf("run directory %s is in use by another floppa process", a.runDir)
	}
	e.lock = lock

	store, err := core.OpenPersistentStore(ctx, cfg.Storage, a.runDir)
	if err != nil {
		return e, fmt.Errorf("open storage: %w", err)
	}
	types := core.NewTypeRegistry()
	v, c := buildVersion()
	if err := commands.Register(types, commands.Deps{
		BotName:   cfg.BotName,
		Version:   v,
		Commit:    c,
		Reactions: e.stats,
		Backups:   e.backups,
	}); err != nil {
		_ = store.Close()
		return e, err
	}
	e.svc = core.NewService(store, types,
		core.WithLogger(logger),
		core.WithMetricsRecorder(e.metrics),
		core.WithAuditRecorder(core.LogAuditRecorder{Logger: logger.With("component", "audit")}),
		core.WithTracer(core.LogTracer{Logger: logger.With("component", "trace")}),
		core.WithSyncInterval(cfg.Sync.Interval),
		core.WithAdmins(cfg.Admins...),
	)
	if err := e.svc.Load(ctx); err != nil {
		return e, err
	}
	if len(cfg.Admins) == 0 {
		logger.Warn("no admins configured; built-in commands are not installed")
		return e, nil
	}
	n, err := commands.Install(ctx, e.svc, cfg.Admins[0])
	if err != nil {
		return e, err
	}
	if n > 0 {
		logger.Info("installed built-in commands", "count", n)
	}
	return e, nil
}

// close flushes the registry, releases the lock and flushes the log webhook.
func (e *env) close(ctx context.Context) error {
	var errs []error
	if e.svc != nil {
		errs = append(errs, e.svc.Close(ctx))
	}
	if e.lock != nil {
		errs = append(errs, e.lock.Unlock())
	}
	if e.closeLog != nil {
		errs = append(errs, e.closeLog(ctx))
	}
	return errors.Join(errs...)
}
