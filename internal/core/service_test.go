package core

import (
	"context"
	"errors"
	"floppa/internal/infra/persistence/memory"
	"floppa/internal/infra/persistence/sqlite"
	"floppa/pkg/domain"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

type captureAuditRecorder struct {
	entries []AuditEntry
}

func (c *captureAuditRecorder) Record(_ context.Context, entry AuditEntry) {
	c.entries = append(c.entries, entry)
}

func (c *captureAuditRecorder) has(op string, status AuditStatus) bool {
	for _, entry := range c.entries {
		if entry.Operation == op && entry.Status == status {
			return true
		}
	}
	return false
}

type metricsCall struct {
	op      string
	success bool
}

type captureMetricsRecorder struct {
	calls []metricsCall
}

func (c *captureMetricsRecorder) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	c.calls = append(c.calls, metricsCall{op: op, success: success})
}

func (c *captureMetricsRecorder) has(op string, success bool) bool {
	for _, call := range c.calls {
		if call.op == op && call.success == success {
			return true
		}
	}
	return false
}

type captureLogger struct {
	messages []string
}

func (c *captureLogger) Debug(msg string, _ ...any) { c.messages = append(c.messages, "debug:"+msg) }
func (c *captureLogger) Info(msg string, _ ...any)  { c.messages = append(c.messages, "info:"+msg) }
func (c *captureLogger) Warn(msg string, _ ...any)  { c.messages = append(c.messages, "warn:"+msg) }
func (c *captureLogger) Error(msg string, _ ...any) { c.messages = append(c.messages, "error:"+msg) }

func (c *captureLogger) contains(prefix string) bool {
	for _, m := range c.messages {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

func TestPingPongEndToEnd(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memory.NewStore(), testTypes(t), WithAdmins(1))
	if err := svc.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := svc.AddCommand(ctx, 1, root, "ping", "text", []byte("pong")); err != nil {
		t.Fatalf("add: %v", err)
	}
	res := svc.Resolve(ctx, root, "ping")
	reply, err := svc.Execute(ctx, res, Caller{Author: 99, ChannelID: "c"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if reply.Text != "pong" {
		t.Fatalf("expected pong, got %q", reply.Text)
	}
}

func TestExecuteRejectsUnresolved(t *testing.T) {
	svc := NewService(memory.NewStore(), testTypes(t))
	res := svc.Resolve(context.Background(), root, "nothing")
	if _, err := svc.Execute(context.Background(), res, Caller{}); err == nil {
		t.Fatalf("expected error executing an unresolved invocation")
	}
}

func TestAddCommandRequiresPermission(t *testing.T) {
	ctx := context.Background()
	audit := &captureAuditRecorder{}
	metrics := &captureMetricsRecorder{}
	svc := NewService(memory.NewStore(), testTypes(t), WithAuditRecorder(audit), WithMetricsRecorder(metrics))

	_, err := svc.AddCommand(ctx, 5, root, "x", "text", nil)
	if !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected permission error, got %v", err)
	}
	if !audit.has("add_command", AuditStatusError) || !metrics.has("add_command", false) {
		t.Fatalf("expected failed add_command to be audited")
	}

	svc.Access().Grant(5, domain.RegistryAdd(root))
	if _, err := svc.AddCommand(ctx, 5, root, "x", "text", nil); err != nil {
		t.Fatalf("add with permission: %v", err)
	}
	if !audit.has("add_command", AuditStatusSuccess) {
		t.Fatalf("expected audit success entry")
	}
	if _, err := svc.AddCommand(ctx, 5, root, "y", "nope", nil); !errors.Is(err, domain.ErrUnknownType) {
		t.Fatalf("expected unknown type error, got %v", err)
	}
}

func TestOwnerOrModeratorMayRemove(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memory.NewStore(), testTypes(t))
	svc.Access().Grant(1, domain.RegistryAdd(root))
	svc.Access().Grant(3, domain.RegistryMod(root))
	if _, err := svc.AddCommand(ctx, 1, root, "a", "text", nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := svc.AddCommand(ctx, 1, root, "b", "text", nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := svc.Remove(ctx, 2, root, "a"); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("stranger removed a command: %v", err)
	}
	svc.Access().Grant(1, domain.Banned)
	if _, err := svc.Remove(ctx, 1, root, "a"); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("banned owner removed a command: %v", err)
	}
	svc.Access().Revoke(1, domain.Banned)
	if _, err := svc.Remove(ctx, 1, root, "a"); err != nil {
		t.Fatalf("owner remove: %v", err)
	}
	if _, err := svc.Remove(ctx, 3, root, "b"); err != nil {
		t.Fatalf("moderator remove: %v", err)
	}
	if _, err := svc.Remove(ctx, 3, root, "b"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReplaceKeepsTypeAndChecksOwner(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memory.NewStore(), testTypes(t))
	svc.Access().Grant(1, domain.RegistryAdd(root))
	if _, err := svc.AddCommand(ctx, 1, root, "a", "text", []byte("old")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := svc.Replace(ctx, 2, root, "a", "text", []byte("hijack")); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected permission error, got %v", err)
	}
	if err := svc.Replace(ctx, 1, root, "a", "opaque", nil); err == nil {
		t.Fatalf("type change must be rejected")
	}
	if err := svc.Replace(ctx, 1, root, "a", "text", []byte("new")); err != nil {
		t.Fatalf("replace: %v", err)
	}
	reply, _ := svc.Execute(ctx, svc.Resolve(ctx, root, "a"), Caller{})
	if reply.Text != "new" {
		t.Fatalf("expected new text, got %q", reply.Text)
	}
}

func TestLinkRequiresExistingTarget(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memory.NewStore(), testTypes(t), WithAdmins(1))
	_ = svc.Load(ctx)
	if _, err := svc.Link(ctx, 1, root, "l", NewKey(root, "missing")); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected missing target error, got %v", err)
	}
	if _, err := svc.AddCommand(ctx, 1, root, "t", "text", []byte("target")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := svc.Link(ctx, 1, root, "l", NewKey(root, "T")); err != nil {
		t.Fatalf("link: %v", err)
	}
	reply, err := svc.Execute(ctx, svc.Resolve(ctx, root, "l"), Caller{})
	if err != nil || reply.Text != "target" {
		t.Fatalf("unexpected link reply %q %v", reply.Text, err)
	}
}

func TestAddSubregistryRequiresModerator(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memory.NewStore(), testTypes(t))
	svc.Access().Grant(1, domain.RegistryAdd(root))
	if _, err := svc.AddSubregistry(ctx, 1, root, "math", "math"); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected permission error, got %v", err)
	}
	svc.Access().Grant(2, domain.Moderator)
	if _, err := svc.AddSubregistry(ctx, 2, root, "math", "Math"); err != nil {
		t.Fatalf("subreg: %v", err)
	}
	if !svc.Table().HasRegistry("math") {
		t.Fatalf("target registry should exist")
	}
}

func TestGrantRequiresGrantor(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memory.NewStore(), testTypes(t))
	svc.Access().Grant(1, domain.Moderator)
	if err := svc.Grant(ctx, 1, 2, domain.Admin); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("moderator granted admin: %v", err)
	}
	if err := svc.Grant(ctx, 1, 2, domain.Banned); err != nil {
		t.Fatalf("moderator ban: %v", err)
	}
	if !svc.Access().HasRole(2, domain.Banned) {
		t.Fatalf("ban not applied")
	}
	if err := svc.Revoke(ctx, 1, 2, domain.Banned); err != nil {
		t.Fatalf("unban: %v", err)
	}
	if err := svc.Revoke(ctx, 1, 2, domain.Banned); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for second unban, got %v", err)
	}
}

func TestLoadFallsBackToBrokenCommand(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	tx, _ := store.Begin(ctx)
	rootID, _ := tx.UpsertRegistry(ctx, domain.Registry{Name: root})
	_, _ = tx.InsertCommand(ctx, rootID, domain.CommandRow{Name: "old", Type: "retired", Data: []byte{1, 2}})
	_, _ = tx.InsertCommand(ctx, rootID, domain.CommandRow{Name: "bad", Type: domain.TypeSymlink, Data: []byte("not cbor map")})
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	logger := &captureLogger{}
	svc := NewService(store, testTypes(t), WithLogger(logger))
	if err := svc.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if svc.Table().Exists(root, "bad") {
		t.Fatalf("malformed symlink should be skipped")
	}
	reply, err := svc.Execute(ctx, svc.Resolve(ctx, root, "old"), Caller{})
	if err != nil || !strings.Contains(reply.Text, "broken") {
		t.Fatalf("expected broken placeholder reply, got %q %v", reply.Text, err)
	}
	if !logger.contains("warn:stored command is broken") || !logger.contains("error:skipping stored entry") {
		t.Fatalf("expected load diagnostics, got %v", logger.messages)
	}

	e, _ := svc.Table().Get(root, "old")
	e.MarkDirty()
	if _, err := svc.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	snap, _ := store.Load(ctx)
	for _, row := range snap.Commands {
		if row.Name == "old" && (row.Type != "retired" || len(row.Data) != 2) {
			t.Fatalf("broken command must keep its stored row, got %+v", row)
		}
	}
}

func TestAdminsGrantedOnLoad(t *testing.T) {
	svc := NewService(memory.NewStore(), testTypes(t), WithAdmins(10, 11))
	if err := svc.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !svc.Access().HasRole(10, domain.Admin) || !svc.Access().HasRole(11, domain.Admin) {
		t.Fatalf("configured admins missing")
	}
}

func TestExportIncludesLiveState(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memory.NewStore(), testTypes(t), WithAdmins(1))
	_ = svc.Load(ctx)
	if _, err := svc.AddCommand(ctx, 1, root, "a", "text", []byte("x")); err != nil {
		t.Fatalf("add: %v", err)
	}
	snap, err := svc.Export(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(snap.Commands) != 1 || string(snap.Commands[0].Data) != "x" || len(snap.Users) != 1 {
		t.Fatalf("unexpected export %+v", snap)
	}
}

func TestServiceSyncRoundTripThroughSQLite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "floppa.db")
	st, err := sqlite.NewStore(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	svc := NewService(st, testTypes(t), WithAdmins(1))
	if err := svc.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := svc.AddSubregistry(ctx, 1, root, "math", "math"); err != nil {
		t.Fatalf("subreg: %v", err)
	}
	if _, err := svc.AddCommand(ctx, 1, "math", "pi", "text", []byte("3.14")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := svc.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	st2, err := sqlite.NewStore(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = st2.Close() }()
	svc2 := NewService(st2, testTypes(t))
	if err := svc2.Load(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	reply, err := svc2.Execute(ctx, svc2.Resolve(ctx, root, "math PI"), Caller{})
	if err != nil || reply.Text != "3.14" {
		t.Fatalf("unexpected reply %q %v", reply.Text, err)
	}
	if !svc2.Access().HasRole(1, domain.Admin) {
		t.Fatalf("admin role should persist")
	}
}

func TestRunFlushesOnCancel(t *testing.T) {
	store := memory.NewStore()
	svc := NewService(store, testTypes(t), WithSyncInterval(time.Hour))
	insertText(t, svc.Table(), root, "a", "1")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	snap, _ := store.Load(context.Background())
	if len(snap.Commands) != 1 {
		t.Fatalf("final sync should flush pending rows, got %d", len(snap.Commands))
	}
}

func TestClockFuncNowNilFallsBackToUTCTime(t *testing.T) {
	got := ClockFunc(nil).Now()
	if got.IsZero() || got.Location() != time.UTC {
		t.Fatalf("expected UTC time, got %v", got)
	}
}

func TestDefaultServiceOptions(t *testing.T) {
	opts := defaultServiceOptions()
	if opts.clock == nil || opts.logger == nil || opts.audit == nil || opts.metrics == nil || opts.tracer == nil {
		t.Fatalf("expected defaults populated")
	}
	opts.audit.Record(context.Background(), AuditEntry{})
	opts.metrics.Observe(context.Background(), "noop", true, 0)
	_, span := opts.tracer.Start(context.Background(), "noop")
	span.End(nil)
	var l noopLogger
	l.Debug("d")
	l.Info("i")
	l.Warn("w")
	l.Error("e")
}

// exportingCommand exports the registry it is part of while running.
type exportingCommand struct{}

func (exportingCommand) Execute(ctx context.Context, inv Invocation) (Reply, error) {
	snap, err := inv.Service.Export(ctx)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: strconv.Itoa(len(snap.Commands))}, nil
}

func (exportingCommand) Save() ([]byte, bool) { return []byte("state"), true }

func TestCommandMayExportWhileRunning(t *testing.T) {
	ctx := context.Background()
	types := testTypes(t)
	if err := types.Register(CommandType{
		Tag:       "exporter",
		Construct: func([]byte) (Command, error) { return exportingCommand{}, nil },
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	svc := NewService(memory.NewStore(), types, WithAdmins(1))
	if err := svc.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := svc.AddCommand(ctx, 1, root, "export", "exporter", nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := svc.AddCommand(ctx, 1, root, "ping", "text", []byte("pong")); err != nil {
		t.Fatalf("add: %v", err)
	}

	done := make(chan Reply, 1)
	go func() {
		reply, err := svc.Execute(ctx, svc.Resolve(ctx, root, "export"), Caller{Author: 1})
		if err != nil {
			t.Errorf("execute: %v", err)
		}
		done <- reply
	}()
	select {
	case reply := <-done:
		if reply.Text != "2" {
			t.Fatalf("expected both commands exported, got %q", reply.Text)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("export from a running command deadlocked")
	}
}

// barrierExporter waits until every peer is running before exporting, so
// each export meets the other commands' entry locks held.
type barrierExporter struct {
	arrive *sync.WaitGroup
	snaps  chan domain.Snapshot
}

func (b barrierExporter) Execute(ctx context.Context, inv Invocation) (Reply, error) {
	b.arrive.Done()
	b.arrive.Wait()
	snap, err := inv.Service.Export(ctx)
	if err != nil {
		return Reply{}, err
	}
	b.snaps <- snap
	return Reply{}, nil
}

func (barrierExporter) Save() ([]byte, bool) { return []byte("state"), true }

func TestConcurrentExportsDoNotDeadlock(t *testing.T) {
	ctx := context.Background()
	var arrive sync.WaitGroup
	arrive.Add(2)
	snaps := make(chan domain.Snapshot, 2)
	types := testTypes(t)
	if err := types.Register(CommandType{
		Tag: "exporter",
		Construct: func([]byte) (Command, error) {
			return barrierExporter{arrive: &arrive, snaps: snaps}, nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	svc := NewService(memory.NewStore(), types, WithAdmins(1))
	if err := svc.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	for _, name := range []string{"backup", "backup2"} {
		if _, err := svc.AddCommand(ctx, 1, root, name, "exporter", nil); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}

	errc := make(chan error, 2)
	for _, name := range []string{"backup", "backup2"} {
		go func() {
			_, err := svc.Execute(ctx, svc.Resolve(ctx, root, name), Caller{Author: 1})
			errc <- err
		}()
	}
	timeout := time.After(10 * time.Second)
	for range 2 {
		select {
		case err := <-errc:
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
		case <-timeout:
			t.Fatalf("concurrent exports never finished")
		}
	}
	for range 2 {
		snap := <-snaps
		if len(snap.Commands) != 2 {
			t.Fatalf("expected 2 exported commands, got %d", len(snap.Commands))
		}
		for _, row := range snap.Commands {
			if string(row.Data) != "state" {
				t.Fatalf("%s exported %q, want its saved state", row.Name, row.Data)
			}
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := svc.Sync(ctx)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("sync: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("sync blocked after concurrent exports")
	}
}
