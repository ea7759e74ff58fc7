// Package backup exports the live registry to blob storage as a compressed
// JSON document and reads such documents back.
//
// Each backup is stored under backups/<UTC timestamp>-<uuid>.json.zst. The
// blob metadata carries the document format and a BLAKE3 digest of the
// stored (compressed) bytes, checked on every read.
package backup

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"floppa/internal/blob"
	"floppa/internal/core"
	"floppa/pkg/domain"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

const (
	// Prefix is the key prefix every backup is stored under.
	Prefix = "backups/"
	// FormatVersion identifies the document layout.
	FormatVersion = 1
	// ContentType is set on stored backups.
	ContentType = "application/zstd"

	MetaDigest = "blake3"
	MetaFormat = "format"

	keyTimeLayout = "20060102T150405Z"
)

// ErrCorrupt reports a backup whose bytes do not match its recorded digest
// or cannot be decoded.
var ErrCorrupt = errors.New("backup is corrupt")

// Source produces the snapshot to back up. *core.Service implements it.
type Source interface {
	Export(ctx context.Context) (domain.Snapshot, error)
}

// Document is the stored backup. Command payloads and encoded role lists
// appear base64 encoded.
type Document struct {
	Format    int       `json:"format"`
	CreatedAt time.Time `json:"created_at"`
	domain.Snapshot
}

// Result describes a written backup.
type Result struct {
	Key        string
	Size       int64
	Digest     string
	CreatedAt  time.Time
	Registries int
	Commands   int
	Users      int
}

// Manager writes and reads backups in one blob store.
type Manager struct {
	store   blob.Store
	clock   core.Clock
	logger  core.Logger
	metrics core.MetricsRecorder
	newID   func() string
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(clock core.Clock) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

func WithLogger(logger core.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithMetricsRecorder(metrics core.MetricsRecorder) Option {
	return func(m *Manager) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

// WithIDGenerator replaces the random suffix of backup keys.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) {
		if fn != nil {
			m.newID = fn
		}
	}
}

// NewManager returns a manager writing to store.
func NewManager(store blob.Store, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		clock:   core.ClockFunc(nil),
		logger:  core.NopLogger(),
		metrics: core.NopMetricsRecorder(),
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Backup exports src and stores it as a new blob.
func (m *Manager) Backup(ctx context.Context, src Source) (res Result, err error) {
	start := time.Now()
	defer func() {
		m.metrics.Observe(ctx, "backup", err == nil, time.Since(start))
		if err != nil {
			m.logger.Error("backup failed", "error", err)
		}
	}()

	snap, err := src.Export(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("export registry: %w", err)
	}
	now := m.clock.Now().UTC()
	doc := Document{Format: FormatVersion, CreatedAt: now, Snapshot: snap}
	raw, err := json.Marshal(doc)
	if err != nil {
		return Result{}, fmt.Errorf("encode backup: %w", err)
	}
	compressed, err := compress(raw)
	if err != nil {
		return Result{}, err
	}
	digest := Digest(compressed)
	key := fmt.Sprintf("%s%s-%s.json.zst", Prefix, now.Format(keyTimeLayout), m.newID())
	info, err := m.store.Put(ctx, key, bytes.NewReader(compressed), blob.PutOptions{
		ContentType: ContentType,
		Metadata: map[string]string{
			MetaDigest: digest,
			MetaFormat: strconv.Itoa(FormatVersion),
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("store backup: %w", err)
	}
	res = Result{
		Key:        info.Key,
		Size:       info.Size,
		Digest:     digest,
		CreatedAt:  now,
		Registries: len(snap.Registries),
		Commands:   len(snap.Commands),
		Users:      len(snap.Users),
	}
	m.logger.Info("backup written",
		"key", res.Key,
		"bytes", res.Size,
		"commands", res.Commands,
		"users", res.Users,
	)
	return res, nil
}

// Read loads the backup stored at key, verifying its digest.
func (m *Manager) Read(ctx context.Context, key string) (Document, error) {
	info, rc, err := m.store.Get(ctx, key)
	if err != nil {
		return Document{}, fmt.Errorf("read backup: %w", err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return Document{}, fmt.Errorf("read backup %s: %w", key, err)
	}
	if want := info.Metadata[MetaDigest]; want == "" || want != Digest(data) {
		return Document{}, fmt.Errorf("%w: %s digest mismatch", ErrCorrupt, key)
	}
	raw, err := decompress(data)
	if err != nil {
		return Document{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	if doc.Format != FormatVersion {
		return Document{}, fmt.Errorf("backup %s has unsupported format %d", key, doc.Format)
	}
	return doc, nil
}

// List returns the stored backups, oldest first.
func (m *Manager) List(ctx context.Context) ([]blob.Info, error) {
	return m.store.List(ctx, Prefix)
}

// Digest returns the hex BLAKE3-256 digest of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func compress(raw []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	out := enc.EncodeAll(raw, nil)
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close zstd encoder: %w", err)
	}
	return out, nil
}

func decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}
