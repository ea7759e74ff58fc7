package core

import (
	"context"
	"errors"
	"floppa/internal/codec"
	"floppa/pkg/domain"
	"fmt"
	"sync"
	"time"
)

// SyncStats summarizes one synchronization pass.
type SyncStats struct {
	Registries int
	Written    int
	Deleted    int
	Users      int
	Failed     int
}

// Empty reports whether the pass had nothing to do.
func (s SyncStats) Empty() bool {
	return s == SyncStats{}
}

// Synchronizer flushes changes tracked by the command table and the access
// table into a PersistentStore. Passes are serialized.
type Synchronizer struct {
	mu      sync.Mutex
	store   domain.PersistentStore
	table   *CommandTable
	access  *AccessControl
	logger  Logger
	metrics MetricsRecorder
	tracer  Tracer
}

// NewSynchronizer wires a synchronizer to its sources and destination.
func NewSynchronizer(store domain.PersistentStore, table *CommandTable, access *AccessControl, opts ...ServiceOption) *Synchronizer {
	o := defaultServiceOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Synchronizer{
		store:   store,
		table:   table,
		access:  access,
		logger:  o.logger,
		metrics: o.metrics,
		tracer:  o.tracer,
	}
}

type pendingID struct {
	entry *Entry
	id    int64
}

// Sync drains all pending changes and writes them in one transaction.
// Registries are written first, then deletions, then dirty commands and
// finally users. A row that fails is logged and skipped; it is written again
// only when something marks it dirty. When the transaction itself cannot be
// opened or committed, the whole batch is queued again.
func (s *Synchronizer) Sync(ctx context.Context) (stats SyncStats, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "sync")
	defer func() {
		span.End(err)
		if !stats.Empty() || err != nil {
			s.metrics.Observe(ctx, "sync", err == nil, time.Since(start))
		}
	}()

	changes := s.table.track.drain()
	roles := s.access.Drain()
	if changes.empty() && len(roles) == 0 {
		return stats, nil
	}
	requeue := func() {
		s.table.track.restore(changes)
		s.access.restore(roles)
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		requeue()
		s.logger.Error("sync: begin transaction", "error", err)
		return SyncStats{}, fmt.Errorf("begin sync: %w", err)
	}

	registryIDs := make(map[string]int64, len(changes.registries))
	for _, name := range changes.registries {
		reg, ok := s.table.registry(name)
		if !ok {
			continue
		}
		err := tx.Savepoint(ctx, func() error {
			id, err := tx.UpsertRegistry(ctx, reg)
			if err != nil {
				return err
			}
			registryIDs[name] = id
			return nil
		})
		if err != nil {
			stats.Failed++
			s.logger.Error("sync: write registry", "registry", name, "error", err)
			continue
		}
		stats.Registries++
	}

	for _, id := range changes.removals {
		if err := tx.Savepoint(ctx, func() error { return tx.DeleteCommand(ctx, id) }); err != nil {
			stats.Failed++
			s.logger.Error("sync: delete command", "id", id, "error", err)
			continue
		}
		stats.Deleted++
	}

	var inserted []pendingID
	for _, key := range changes.dirty {
		e, ok := s.table.Get(key.Registry, key.Name)
		if !ok {
			continue
		}
		row, keep, err := e.row()
		if err != nil {
			stats.Failed++
			s.logger.Error("sync: serialize command", "command", key.String(), "error", err)
			continue
		}
		registryID, ok := registryIDs[key.Registry]
		if !ok {
			reg, _ := s.table.registry(key.Registry)
			registryID = reg.ID
		}
		if registryID == 0 {
			stats.Failed++
			s.logger.Error("sync: registry not stored", "command", key.String())
			continue
		}
		var newID int64
		err = tx.Savepoint(ctx, func() error {
			if row.ID != 0 {
				err := tx.UpdateCommand(ctx, registryID, row, keep)
				if !errors.Is(err, domain.ErrNotFound) {
					return err
				}
			}
			if keep {
				row.Data = nil
			}
			id, err := tx.InsertCommand(ctx, registryID, row)
			if err != nil {
				return err
			}
			newID = id
			return nil
		})
		if err != nil {
			stats.Failed++
			s.logger.Error("sync: write command", "command", key.String(), "error", err)
			continue
		}
		if newID != 0 {
			inserted = append(inserted, pendingID{entry: e, id: newID})
		}
		stats.Written++
	}

	for _, change := range roles {
		if change.State == domain.SyncDeleted {
			if err := tx.Savepoint(ctx, func() error { return tx.DeleteUser(ctx, change.User) }); err != nil {
				stats.Failed++
				s.logger.Error("sync: delete user", "user", uint64(change.User), "error", err)
				continue
			}
			stats.Users++
			continue
		}
		data, err := codec.Marshal(change.Roles)
		if err != nil {
			stats.Failed++
			s.logger.Error("sync: encode roles", "user", uint64(change.User), "error", err)
			continue
		}
		if err := tx.Savepoint(ctx, func() error {
			return tx.UpsertUser(ctx, domain.UserRow{ID: change.User, Roles: data})
		}); err != nil {
			stats.Failed++
			s.logger.Error("sync: write user", "user", uint64(change.User), "error", err)
			continue
		}
		stats.Users++
	}

	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		requeue()
		s.logger.Error("sync: commit", "error", err)
		return SyncStats{}, fmt.Errorf("commit sync: %w", err)
	}

	for name, id := range registryIDs {
		s.table.setRegistryID(name, id)
	}
	for _, p := range inserted {
		if !p.entry.assignID(p.id) {
			s.table.track.queueRemoval(p.id)
		}
	}
	if stats.Failed > 0 {
		s.logger.Warn("sync finished with failures", "failed", stats.Failed)
	}
	s.logger.Debug("sync finished",
		"registries", stats.Registries,
		"written", stats.Written,
		"deleted", stats.Deleted,
		"users", stats.Users,
	)
	return stats, nil
}

// Run synchronizes every interval until ctx is cancelled, then performs a
// final pass with a detached context bounded by finalTimeout.
func (s *Synchronizer) Run(ctx context.Context, interval, finalTimeout time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalTimeout)
			defer cancel()
			if _, err := s.Sync(final); err != nil {
				return fmt.Errorf("final sync: %w", err)
			}
			return nil
		case <-ticker.C:
			// Errors are logged inside Sync and retried next tick.
			_, _ = s.Sync(ctx)
		}
	}
}
