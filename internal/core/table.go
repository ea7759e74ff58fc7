package core

import (
	"bytes"
	"context"
	"errors"
	"floppa/pkg/domain"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const exportPoll = 5 * time.Millisecond

// Entry is one named node in a registry. Name, registry, owner, type and
// creation time never change after insertion and are read without locking.
// Subregistry and symlink nodes are immutable as well; only the command
// inside a command node is guarded by the entry lock.
type Entry struct {
	key   Key
	owner domain.UserID
	typ   string
	added int64
	kind  NodeKind

	mu   sync.Mutex
	node Node
	// saved is the last successfully serialized payload, readable without
	// the entry lock.
	saved atomic.Pointer[savedPayload]

	idMu    sync.Mutex
	id      int64
	removed bool

	table *CommandTable
}

func (e *Entry) Key() Key                     { return e.key }
func (e *Entry) Name() string                 { return e.key.Name }
func (e *Entry) Registry() string             { return e.key.Registry }
func (e *Entry) Owner() domain.UserID         { return e.owner }
func (e *Entry) Type() string                 { return e.typ }
func (e *Entry) Added() int64                 { return e.added }
func (e *Entry) Kind() NodeKind               { return e.kind }
func (e *Entry) IsOwner(u domain.UserID) bool { return e.owner == u }

// ID returns the persistent row id, or 0 when the entry was never stored.
func (e *Entry) ID() int64 {
	e.idMu.Lock()
	defer e.idMu.Unlock()
	return e.id
}

// Node returns the entry's node. For command nodes this waits for any
// running execution of the command to finish.
func (e *Entry) Node() Node {
	if e.kind != KindCommand {
		return e.node
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.node
}

// Execute runs the command under the entry lock.
func (e *Entry) Execute(ctx context.Context, inv Invocation) (Reply, error) {
	if e.kind != KindCommand {
		return Reply{}, fmt.Errorf("%s is a %s, not a command", e.key, e.kind)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.node.(CommandNode).Command.Execute(ctx, inv)
}

// Replace swaps the command held by a command node and marks the entry
// dirty. The node kind cannot change.
func (e *Entry) Replace(cmd Command) error {
	if e.kind != KindCommand || cmd == nil {
		return fmt.Errorf("%s cannot hold a command", e.key)
	}
	e.mu.Lock()
	e.node = CommandNode{Command: cmd}
	e.remember()
	e.mu.Unlock()
	e.table.track.markDirty(e.key)
	return nil
}

// MarkDirty queues the entry for the next synchronization. Commands that
// mutate their own state call it through Invocation.Service.
func (e *Entry) MarkDirty() {
	e.table.track.markDirty(e.key)
}

type savedPayload struct {
	data []byte
	keep bool
}

// remember encodes the node and stores the result in saved. The caller holds
// the entry lock or the entry is not yet published.
func (e *Entry) remember() {
	if data, keep, err := encodeNode(e.node); err == nil {
		e.saved.Store(&savedPayload{data: bytes.Clone(data), keep: keep})
	}
}

// row serializes the entry under its lock.
func (e *Entry) row() (domain.CommandRow, bool, error) {
	if e.kind == KindCommand {
		e.mu.Lock()
		defer e.mu.Unlock()
	}
	return e.rowHeld()
}

// rowHeld serializes the entry; the caller holds the entry lock or the
// node is immutable.
func (e *Entry) rowHeld() (row domain.CommandRow, keep bool, err error) {
	row = e.rowMeta()
	row.Data, keep, err = encodeNode(e.node)
	if err == nil {
		e.saved.Store(&savedPayload{data: bytes.Clone(row.Data), keep: keep})
	}
	return row, keep, err
}

// exportRow serializes the entry, waiting at most wait for a running command
// to release the entry lock. On timeout it returns the last serialized
// payload and reports stale.
func (e *Entry) exportRow(ctx context.Context, wait time.Duration) (row domain.CommandRow, keep, stale bool, err error) {
	if e.kind != KindCommand {
		row, keep, err = e.rowHeld()
		return row, keep, false, err
	}
	deadline := time.Now().Add(wait)
	for !e.mu.TryLock() {
		if ctx.Err() != nil || !time.Now().Before(deadline) {
			row = e.rowMeta()
			keep = true
			if p := e.saved.Load(); p != nil {
				row.Data, keep = bytes.Clone(p.data), p.keep
			}
			return row, keep, true, nil
		}
		time.Sleep(exportPoll)
	}
	defer e.mu.Unlock()
	row, keep, err = e.rowHeld()
	return row, keep, false, err
}

func (e *Entry) rowMeta() domain.CommandRow {
	return domain.CommandRow{
		ID:       e.ID(),
		Name:     e.key.Name,
		Registry: e.key.Registry,
		Owner:    e.owner,
		Type:     e.typ,
		Added:    e.added,
	}
}

// assignID records the row id returned by storage. It reports false when the
// entry was removed while the row was being written.
func (e *Entry) assignID(id int64) bool {
	e.idMu.Lock()
	defer e.idMu.Unlock()
	if e.removed {
		return false
	}
	e.id = id
	return true
}

// markRemoved flags the entry and returns its row id.
func (e *Entry) markRemoved() int64 {
	e.idMu.Lock()
	defer e.idMu.Unlock()
	e.removed = true
	return e.id
}

// CommandTable holds every entry and registry in memory.
type CommandTable struct {
	mu         sync.RWMutex
	entries    map[Key]*Entry
	registries map[string]*domain.Registry
	track      *tracker
}

// NewCommandTable returns a table containing only the root registry.
func NewCommandTable() *CommandTable {
	t := &CommandTable{
		entries:    make(map[Key]*Entry),
		registries: make(map[string]*domain.Registry),
		track:      newTracker(),
	}
	t.registries[domain.RootRegistry] = &domain.Registry{Name: domain.RootRegistry}
	t.track.markRegistry(domain.RootRegistry)
	return t
}

// Get returns the entry stored under registry:name.
func (t *CommandTable) Get(registry, name string) (*Entry, bool) {
	key := NewKey(registry, name)
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[key]
	return e, ok
}

// Exists reports whether registry:name holds an entry.
func (t *CommandTable) Exists(registry, name string) bool {
	_, ok := t.Get(registry, name)
	return ok
}

// NewEntry describes an entry to insert.
type NewEntry struct {
	Registry string
	Name     string
	Owner    domain.UserID
	Type     string
	Added    int64
	Node     Node
}

// Insert adds a new entry. Inserting a subregistry node creates its target
// registry, parented to the registry holding the node, when it does not
// exist yet.
func (t *CommandTable) Insert(in NewEntry) (*Entry, error) {
	name := NormalizeName(in.Name)
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidName, in.Name)
	}
	if in.Node == nil {
		return nil, fmt.Errorf("insert %s:%s: missing node", in.Registry, name)
	}
	typ, err := nodeType(in.Node, in.Type)
	if err != nil {
		return nil, err
	}
	if sub, ok := in.Node.(SubregistryNode); ok && !ValidName(sub.Registry) {
		return nil, fmt.Errorf("%w: registry %q", domain.ErrInvalidName, sub.Registry)
	}

	key := Key{Registry: in.Registry, Name: name}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.registries[in.Registry]; !ok {
		return nil, fmt.Errorf("registry %s: %w", in.Registry, domain.ErrNotFound)
	}
	if _, exists := t.entries[key]; exists {
		return nil, fmt.Errorf("%s: %w", key, domain.ErrCommandExists)
	}
	e := t.newEntryLocked(key, in.Owner, typ, in.Added, in.Node)
	if sub, ok := in.Node.(SubregistryNode); ok {
		if _, exists := t.registries[sub.Registry]; !exists {
			t.registries[sub.Registry] = &domain.Registry{Name: sub.Registry, Parent: in.Registry}
			t.track.markRegistry(sub.Registry)
		}
	}
	t.track.markDirty(key)
	return e, nil
}

func nodeType(node Node, typ string) (string, error) {
	switch node.(type) {
	case SubregistryNode:
		return domain.TypeSubregistry, nil
	case SymlinkNode:
		return domain.TypeSymlink, nil
	case CommandNode:
		if typ == "" || typ == domain.TypeSubregistry || typ == domain.TypeSymlink {
			return "", fmt.Errorf("%w: %q", domain.ErrUnknownType, typ)
		}
		return typ, nil
	default:
		return "", fmt.Errorf("unsupported node %T", node)
	}
}

func (t *CommandTable) newEntryLocked(key Key, owner domain.UserID, typ string, added int64, node Node) *Entry {
	e := &Entry{
		key:   key,
		owner: owner,
		typ:   typ,
		added: added,
		kind:  node.Kind(),
		node:  node,
		table: t,
	}
	e.remember()
	t.entries[key] = e
	return e
}

// Remove deletes registry:name. The stored row, if any, is queued for
// deletion.
func (t *CommandTable) Remove(registry, name string) (*Entry, error) {
	key := NewKey(registry, name)
	t.mu.Lock()
	e, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
	}
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, domain.ErrNotFound)
	}
	if id := e.markRemoved(); id != 0 {
		t.track.queueRemoval(id)
	}
	return e, nil
}

// HasRegistry reports whether the registry exists.
func (t *CommandTable) HasRegistry(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.registries[name]
	return ok
}

// Registries returns a copy of every registry sorted by name.
func (t *CommandTable) Registries() []domain.Registry {
	t.mu.RLock()
	out := make([]domain.Registry, 0, len(t.registries))
	for _, r := range t.registries {
		out = append(out, *r)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// List returns the entries of a registry sorted by name.
func (t *CommandTable) List(registry string) []*Entry {
	t.mu.RLock()
	var out []*Entry
	for key, e := range t.entries {
		if key.Registry == registry {
			out = append(out, e)
		}
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].key.Name < out[j].key.Name })
	return out
}

// Entries returns every entry sorted by registry and name.
func (t *CommandTable) Entries() []*Entry {
	t.mu.RLock()
	out := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].key.Registry != out[j].key.Registry {
			return out[i].key.Registry < out[j].key.Registry
		}
		return out[i].key.Name < out[j].key.Name
	})
	return out
}

// Len returns the number of entries.
func (t *CommandTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (t *CommandTable) parentOf(registry string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.registries[registry]
	if !ok || r.Parent == "" {
		return "", false
	}
	return r.Parent, true
}

func (t *CommandTable) registry(name string) (domain.Registry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.registries[name]
	if !ok {
		return domain.Registry{}, false
	}
	return *r, true
}

func (t *CommandTable) setRegistryID(name string, id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.registries[name]; ok {
		r.ID = id
	}
}

var errDuplicateRow = errors.New("duplicate row")

// loadRegistry installs a stored registry without marking it dirty.
func (t *CommandTable) loadRegistry(r domain.Registry) {
	t.mu.Lock()
	t.registries[r.Name] = &r
	t.mu.Unlock()
	t.track.unmarkRegistry(r.Name)
}

// loadEntry installs a stored row without marking it dirty.
func (t *CommandTable) loadEntry(row domain.CommandRow, node Node) error {
	key := NewKey(row.Registry, row.Name)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.registries[row.Registry]; !ok {
		return fmt.Errorf("registry %s: %w", row.Registry, domain.ErrNotFound)
	}
	if _, exists := t.entries[key]; exists {
		return fmt.Errorf("%s: %w", key, errDuplicateRow)
	}
	e := t.newEntryLocked(key, row.Owner, row.Type, row.Added, node)
	e.id = row.ID
	return nil
}

// tracker records what changed since the last synchronization.
type tracker struct {
	mu         sync.Mutex
	dirty      map[Key]struct{}
	removals   []int64
	registries map[string]struct{}
}

func newTracker() *tracker {
	return &tracker{
		dirty:      make(map[Key]struct{}),
		registries: make(map[string]struct{}),
	}
}

func (tr *tracker) markDirty(key Key) {
	tr.mu.Lock()
	tr.dirty[key] = struct{}{}
	tr.mu.Unlock()
}

func (tr *tracker) markRegistry(name string) {
	tr.mu.Lock()
	tr.registries[name] = struct{}{}
	tr.mu.Unlock()
}

func (tr *tracker) unmarkRegistry(name string) {
	tr.mu.Lock()
	delete(tr.registries, name)
	tr.mu.Unlock()
}

func (tr *tracker) queueRemoval(id int64) {
	tr.mu.Lock()
	tr.removals = append(tr.removals, id)
	tr.mu.Unlock()
}

// changeSet is a drained batch of pending changes.
type changeSet struct {
	registries []string
	removals   []int64
	dirty      []Key
}

func (c changeSet) empty() bool {
	return len(c.registries) == 0 && len(c.removals) == 0 && len(c.dirty) == 0
}

// drain takes every pending change, leaving the tracker empty.
func (tr *tracker) drain() changeSet {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	var out changeSet
	for name := range tr.registries {
		out.registries = append(out.registries, name)
	}
	for key := range tr.dirty {
		out.dirty = append(out.dirty, key)
	}
	out.removals = tr.removals
	tr.registries = make(map[string]struct{})
	tr.dirty = make(map[Key]struct{})
	tr.removals = nil
	sort.Strings(out.registries)
	sort.Slice(out.dirty, func(i, j int) bool { return out.dirty[i].String() < out.dirty[j].String() })
	return out
}

// restore puts back a batch whose transaction never committed.
func (tr *tracker) restore(c changeSet) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for _, name := range c.registries {
		tr.registries[name] = struct{}{}
	}
	for _, key := range c.dirty {
		tr.dirty[key] = struct{}{}
	}
	tr.removals = append(c.removals, tr.removals...)
}
