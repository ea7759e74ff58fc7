// Package blob is the entry point to blob storage. It re-exports the core
// contract and opens the backend named by configuration; other packages
// depend on blob.Store rather than on a backend.
package blob

import (
	"context"
	"floppa/internal/blob/core"
	"floppa/internal/infra/blob/fs"
	"floppa/internal/infra/blob/memory"
	"floppa/internal/infra/blob/s3"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type (
	Driver     = core.Driver
	PutOptions = core.PutOptions
	Info       = core.Info
	Store      = core.Store
	// S3Config configures the s3 driver.
	S3Config = s3.Config
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var (
	ErrExists   = core.ErrExists
	ErrNotFound = core.ErrNotFound
)

// Config selects and configures a blob backend.
type Config struct {
	Driver Driver   `yaml:"driver"`
	FSRoot string   `yaml:"fs_root"`
	S3     S3Config `yaml:"s3"`
}

// ApplyEnv overrides fields from the environment.
//
//	FLOPPA_BLOB_DRIVER: fs|s3|memory (default fs)
//	FLOPPA_BLOB_FS_ROOT: directory root when driver=fs
//	FLOPPA_BLOB_S3_BUCKET, FLOPPA_BLOB_S3_REGION, FLOPPA_BLOB_S3_ENDPOINT,
//	FLOPPA_BLOB_S3_PATH_STYLE=true|false,
//	FLOPPA_BLOB_S3_ACCESS_KEY_ID, FLOPPA_BLOB_S3_SECRET_ACCESS_KEY
func (c *Config) ApplyEnv() {
	set := func(dst *string, name string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("FLOPPA_BLOB_DRIVER"); v != "" {
		c.Driver = Driver(v)
	}
	set(&c.FSRoot, "FLOPPA_BLOB_FS_ROOT")
	set(&c.S3.Bucket, "FLOPPA_BLOB_S3_BUCKET")
	set(&c.S3.Region, "FLOPPA_BLOB_S3_REGION")
	set(&c.S3.Endpoint, "FLOPPA_BLOB_S3_ENDPOINT")
	set(&c.S3.AccessKeyID, "FLOPPA_BLOB_S3_ACCESS_KEY_ID")
	set(&c.S3.SecretAccessKey, "FLOPPA_BLOB_S3_SECRET_ACCESS_KEY")
	if v := os.Getenv("FLOPPA_BLOB_S3_PATH_STYLE"); v != "" {
		c.S3.PathStyle = strings.EqualFold(v, "true")
	}
}

// Open constructs the configured backend. A relative filesystem root is
// resolved against runDir.
func Open(ctx context.Context, cfg Config, runDir string) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		root := cfg.FSRoot
		if root == "" {
			root = fs.DefaultRoot
		}
		if !filepath.IsAbs(root) && runDir != "" {
			root = filepath.Join(runDir, root)
		}
		return fs.New(root)
	case DriverS3:
		return s3.New(ctx, cfg.S3)
	case DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}
