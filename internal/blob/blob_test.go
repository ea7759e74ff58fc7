package blob

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenFilesystemUnderRunDir(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(context.Background(), Config{FSRoot: "backups-root"}, dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if store.Driver() != DriverFilesystem {
		t.Fatalf("expected fs driver, got %s", store.Driver())
	}
	if _, err := store.Put(context.Background(), "a", bytes.NewReader([]byte("x")), PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "backups-root", "a")); err != nil {
		t.Fatalf("blob not under run dir: %v", err)
	}
}

func TestOpenMemoryAndUnknown(t *testing.T) {
	store, err := Open(context.Background(), Config{Driver: DriverMemory}, "")
	if err != nil || store.Driver() != DriverMemory {
		t.Fatalf("open memory: %v", err)
	}
	if _, err := Open(context.Background(), Config{Driver: "tape"}, ""); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
	if _, err := Open(context.Background(), Config{Driver: DriverS3}, ""); err == nil {
		t.Fatalf("expected error for s3 without bucket")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("FLOPPA_BLOB_DRIVER", "s3")
	t.Setenv("FLOPPA_BLOB_S3_BUCKET", "bkt")
	t.Setenv("FLOPPA_BLOB_S3_PATH_STYLE", "TRUE")
	t.Setenv("FLOPPA_BLOB_S3_ACCESS_KEY_ID", "id")
	cfg := Config{Driver: DriverFilesystem, FSRoot: "kept"}
	cfg.ApplyEnv()
	if cfg.Driver != DriverS3 || cfg.S3.Bucket != "bkt" || !cfg.S3.PathStyle || cfg.S3.AccessKeyID != "id" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.FSRoot != "kept" {
		t.Fatalf("unset variable overrode fs root: %q", cfg.FSRoot)
	}
}
