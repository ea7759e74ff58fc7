package main

import (
	"bytes"
	"context"
	"floppa/internal/config"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"
)

func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd(strings.NewReader(stdin), &out, &errOut)
	root.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), errOut.String(), err
}

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, config.FileName), []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

const testConfig = `
prefix: "$"
admins: [1]
logging:
  format: json
  global_level: warn
`

func TestVersionCommand(t *testing.T) {
	out, _, err := execute(t, "", "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) == "" {
		t.Fatalf("expected a version line")
	}
}

func TestInitWritesConfigOnce(t *testing.T) {
	dir := t.TempDir()
	if _, _, err := execute(t, "", "--run-dir", dir, "init"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := config.Load(dir); err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	if _, _, err := execute(t, "", "--run-dir", dir, "init"); err == nil {
		t.Fatalf("second init should refuse to overwrite")
	}
}

func TestRunConsoleThenBackup(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, testConfig)

	out, logs, err := execute(t, "$add ping pong\n$ping\nplain chat\n$version\n", "--run-dir", dir, "run")
	if err != nil {
		t.Fatalf("run: %v\nlogs: %s", err, logs)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 || lines[0] != "Added command `ping`" || lines[1] != "pong" {
		t.Fatalf("unexpected console output %q", out)
	}
	if !strings.HasPrefix(lines[2], "Floppa is running on version `") {
		t.Fatalf("unexpected version reply %q", lines[2])
	}

	// State survives a restart.
	out, logs, err = execute(t, "$ping\n", "--run-dir", dir)
	if err != nil || strings.TrimSpace(out) != "pong" {
		t.Fatalf("restart: %q %v\nlogs: %s", out, err, logs)
	}

	out, _, err = execute(t, "", "--run-dir", dir, "backup")
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	key, summary, ok := strings.Cut(strings.TrimSpace(out), "\t")
	if !ok || !strings.HasPrefix(key, "backups/") || !strings.Contains(summary, "13 commands, 1 users") {
		t.Fatalf("unexpected backup output %q", out)
	}

	out, _, err = execute(t, "", "--run-dir", dir, "backup", "list")
	if err != nil || !strings.Contains(out, key) {
		t.Fatalf("list: %q %v", out, err)
	}
	out, _, err = execute(t, "", "--run-dir", dir, "backup", "verify", key)
	if err != nil || !strings.HasPrefix(out, "ok\tformat 1") {
		t.Fatalf("verify: %q %v", out, err)
	}
	if _, _, err := execute(t, "", "--run-dir", dir, "backup", "verify", "backups/missing.json.zst"); err == nil {
		t.Fatalf("verifying a missing backup should fail")
	}
}

func TestRunRefusesLockedRunDir(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, testConfig)
	lock := flock.New(filepath.Join(dir, LockFile))
	locked, err := lock.TryLock()
	if err != nil || !locked {
		t.Fatalf("take lock: %v %v", locked, err)
	}
	defer func() { _ = lock.Unlock() }()

	_, _, err = execute(t, "", "--run-dir", dir, "run")
	if err == nil || !strings.Contains(err.Error(), "in use") {
		t.Fatalf("expected lock error, got %v", err)
	}
}
