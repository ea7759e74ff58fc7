// Package memory provides an in-memory implementation of the registry store
// used for tests and ephemeral environments.
package memory

import (
	"bytes"
	"context"
	"errors"
	"floppa/pkg/domain"
	"fmt"
	"maps"
	"sort"
	"sync"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

// ErrTxDone is returned when a finished transaction is used.
var ErrTxDone = errors.New("memory store: transaction already finished")

type commandRecord struct {
	row        domain.CommandRow
	registryID int64
}

type memoryState struct {
	registries map[string]domain.Registry
	commands   map[int64]commandRecord
	users      map[domain.UserID][]byte
	nextReg    int64
	nextCmd    int64
}

func newMemoryState() memoryState {
	return memoryState{
		registries: make(map[string]domain.Registry),
		commands:   make(map[int64]commandRecord),
		users:      make(map[domain.UserID][]byte),
	}
}

func (s memoryState) clone() memoryState {
	return memoryState{
		registries: maps.Clone(s.registries),
		commands:   maps.Clone(s.commands),
		users:      maps.Clone(s.users),
		nextReg:    s.nextReg,
		nextCmd:    s.nextCmd,
	}
}

// Store keeps committed state in maps. One transaction runs at a time; it
// works on a copy that replaces the committed state on Commit.
type Store struct {
	mu    sync.Mutex
	state memoryState
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{state: newMemoryState()}
}

// Load returns a copy of the committed state.
func (s *Store) Load(ctx context.Context) (domain.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap domain.Snapshot
	names := make(map[int64]string, len(s.state.registries))
	for _, r := range s.state.registries {
		snap.Registries = append(snap.Registries, r)
		names[r.ID] = r.Name
	}
	sort.Slice(snap.Registries, func(i, j int) bool { return snap.Registries[i].ID < snap.Registries[j].ID })
	for _, c := range s.state.commands {
		row := c.row
		row.Registry = names[c.registryID]
		row.Data = bytes.Clone(row.Data)
		snap.Commands = append(snap.Commands, row)
	}
	sort.Slice(snap.Commands, func(i, j int) bool { return snap.Commands[i].ID < snap.Commands[j].ID })
	for id, roles := range s.state.users {
		snap.Users = append(snap.Users, domain.UserRow{ID: id, Roles: bytes.Clone(roles)})
	}
	sort.Slice(snap.Users, func(i, j int) bool { return snap.Users[i].ID < snap.Users[j].ID })
	return snap, nil
}

// Begin starts a transaction. It blocks while another transaction is open.
func (s *Store) Begin(ctx context.Context) (domain.SyncTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	return &tx{store: s, state: s.state.clone()}, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

type tx struct {
	store *Store
	state memoryState
	done  bool
}

func (t *tx) finish() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.store.mu.Unlock()
	return nil
}

func (t *tx) UpsertRegistry(_ context.Context, reg domain.Registry) (int64, error) {
	if t.done {
		return 0, ErrTxDone
	}
	if existing, ok := t.state.registries[reg.Name]; ok {
		existing.Parent = reg.Parent
		t.state.registries[reg.Name] = existing
		return existing.ID, nil
	}
	t.state.nextReg++
	reg.ID = t.state.nextReg
	t.state.registries[reg.Name] = reg
	return reg.ID, nil
}

func (t *tx) conflict(registryID int64, name string, self int64) bool {
	for id, c := range t.state.commands {
		if id != self && c.registryID == registryID && c.row.Name == name {
			return true
		}
	}
	return false
}

func (t *tx) InsertCommand(_ context.Context, registryID int64, row domain.CommandRow) (int64, error) {
	if t.done {
		return 0, ErrTxDone
	}
	if t.conflict(registryID, row.Name, 0) {
		return 0, fmt.Errorf("insert command %s: %w", row.Name, domain.ErrCommandExists)
	}
	t.state.nextCmd++
	row.ID = t.state.nextCmd
	row.Data = bytes.Clone(row.Data)
	t.state.commands[row.ID] = commandRecord{row: row, registryID: registryID}
	return row.ID, nil
}

func (t *tx) UpdateCommand(_ context.Context, registryID int64, row domain.CommandRow, keepData bool) error {
	if t.done {
		return ErrTxDone
	}
	existing, ok := t.state.commands[row.ID]
	if !ok {
		return fmt.Errorf("update command %d: %w", row.ID, domain.ErrNotFound)
	}
	if t.conflict(registryID, row.Name, row.ID) {
		return fmt.Errorf("update command %s: %w", row.Name, domain.ErrCommandExists)
	}
	if keepData {
		row.Data = existing.row.Data
	} else {
		row.Data = bytes.Clone(row.Data)
	}
	t.state.commands[row.ID] = commandRecord{row: row, registryID: registryID}
	return nil
}

func (t *tx) DeleteCommand(_ context.Context, id int64) error {
	if t.done {
		return ErrTxDone
	}
	delete(t.state.commands, id)
	return nil
}

func (t *tx) UpsertUser(_ context.Context, row domain.UserRow) error {
	if t.done {
		return ErrTxDone
	}
	t.state.users[row.ID] = bytes.Clone(row.Roles)
	return nil
}

func (t *tx) DeleteUser(_ context.Context, id domain.UserID) error {
	if t.done {
		return ErrTxDone
	}
	delete(t.state.users, id)
	return nil
}

// Savepoint restores the transaction's state when fn fails.
func (t *tx) Savepoint(_ context.Context, fn func() error) error {
	if t.done {
		return ErrTxDone
	}
	saved := t.state.clone()
	if err := fn(); err != nil {
		t.state = saved
		return err
	}
	return nil
}

func (t *tx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.store.state = t.state
	return t.finish()
}

func (t *tx) Rollback() error {
	return t.finish()
}
