package core

import (
	"context"
	"floppa/internal/infra/persistence/memory"
	"floppa/internal/infra/persistence/postgres"
	"floppa/internal/infra/persistence/sqlite"
	"floppa/pkg/domain"
	"fmt"
	"os"
	"path/filepath"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// DefaultSQLiteFile is the database file name inside the run directory.
const DefaultSQLiteFile = "floppa.db"

// StorageConfig selects and configures a backend.
type StorageConfig struct {
	Driver      StorageDriver `yaml:"driver"`
	SQLitePath  string        `yaml:"sqlite_path"`
	PostgresDSN string        `yaml:"postgres_dsn"`
}

// ApplyEnv overrides fields from the environment.
//
//	FLOPPA_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	FLOPPA_SQLITE_PATH: path to sqlite file
//	FLOPPA_POSTGRES_DSN: postgres DSN when driver=postgres
func (c *StorageConfig) ApplyEnv() {
	if v := os.Getenv("FLOPPA_STORAGE_DRIVER"); v != "" {
		c.Driver = StorageDriver(v)
	}
	if v := os.Getenv("FLOPPA_SQLITE_PATH"); v != "" {
		c.SQLitePath = v
	}
	if v := os.Getenv("FLOPPA_POSTGRES_DSN"); v != "" {
		c.PostgresDSN = v
	}
}

// OpenPersistentStore opens the configured backend. An empty driver means
// sqlite; a relative sqlite path is resolved against runDir.
func OpenPersistentStore(ctx context.Context, cfg StorageConfig, runDir string) (domain.PersistentStore, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return memory.NewStore(), nil
	case StorageSQLite:
		path := cfg.SQLitePath
		if path == "" {
			path = DefaultSQLiteFile
		}
		if !filepath.IsAbs(path) && runDir != "" {
			path = filepath.Join(runDir, path)
		}
		return sqlite.NewStore(ctx, path)
	case StoragePostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres driver requires a DSN")
		}
		return postgres.NewStore(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
