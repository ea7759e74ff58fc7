package core

import (
	"context"
	"errors"
	"floppa/internal/codec"
	"floppa/pkg/domain"
	"fmt"
	"strconv"
	"time"
)

// FinalSyncTimeout bounds the synchronization performed on shutdown.
const FinalSyncTimeout = 30 * time.Second

// Service owns the command table, the access table and their
// synchronization with a PersistentStore.
type Service struct {
	store  domain.PersistentStore
	types  *TypeRegistry
	table  *CommandTable
	access *AccessControl
	sync   *Synchronizer

	clock        Clock
	logger       Logger
	audit        AuditRecorder
	metrics      MetricsRecorder
	tracer       Tracer
	syncInterval time.Duration
	admins       []domain.UserID
}

// NewService constructs a service over store. Command types must be
// registered in types before Load is called.
func NewService(store domain.PersistentStore, types *TypeRegistry, opts ...ServiceOption) *Service {
	o := defaultServiceOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if types == nil {
		types = NewTypeRegistry()
	}
	table := NewCommandTable()
	access := NewAccessControl()
	return &Service{
		store:        store,
		types:        types,
		table:        table,
		access:       access,
		sync:         NewSynchronizer(store, table, access, opts...),
		clock:        o.clock,
		logger:       o.logger,
		audit:        o.audit,
		metrics:      o.metrics,
		tracer:       o.tracer,
		syncInterval: o.syncInterval,
		admins:       o.admins,
	}
}

func (s *Service) Table() *CommandTable          { return s.table }
func (s *Service) Access() *AccessControl        { return s.access }
func (s *Service) Types() *TypeRegistry          { return s.types }
func (s *Service) Store() domain.PersistentStore { return s.store }
func (s *Service) Synchronizer() *Synchronizer   { return s.sync }
func (s *Service) Now() time.Time                { return s.clock.Now() }

// Load populates the tables from storage and grants the configured admins
// their role. Loaded state is clean; admin grants are new.
func (s *Service) Load(ctx context.Context) (err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "load")
	defer func() {
		span.End(err)
		s.metrics.Observe(ctx, "load", err == nil, time.Since(start))
	}()

	snap, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}
	for _, reg := range snap.Registries {
		s.table.loadRegistry(reg)
	}
	loaded, broken := 0, 0
	for _, row := range snap.Commands {
		node, decodeErr := decodeNode(s.types, row.Type, row.Data)
		if node == nil {
			s.logger.Error("skipping stored entry", "command", row.Registry+":"+row.Name, "type", row.Type, "error", decodeErr)
			continue
		}
		if decodeErr != nil {
			broken++
			s.logger.Warn("stored command is broken", "command", row.Registry+":"+row.Name, "type", row.Type, "error", decodeErr)
		}
		if err := s.table.loadEntry(row, node); err != nil {
			s.logger.Error("skipping stored entry", "command", row.Registry+":"+row.Name, "error", err)
			continue
		}
		loaded++
	}
	for _, row := range snap.Users {
		var roles []domain.Role
		if err := codec.Unmarshal(row.Roles, &roles); err != nil || len(roles) == 0 {
			s.logger.Error("skipping stored roles", "user", uint64(row.ID), "error", err)
			continue
		}
		s.access.load(row.ID, roles)
	}
	for _, admin := range s.admins {
		if !s.access.HasRole(admin, domain.Admin) {
			s.access.Grant(admin, domain.Admin)
		}
	}
	s.logger.Info("registry loaded",
		"registries", len(snap.Registries),
		"commands", loaded,
		"broken", broken,
		"users", len(snap.Users),
	)
	return nil
}

// Resolve resolves invocation starting at registry.
func (s *Service) Resolve(ctx context.Context, registry, invocation string) Resolution {
	start := time.Now()
	res := s.table.Resolve(registry, invocation)
	s.metrics.Observe(ctx, "resolve", res.Status == StatusSuccess, time.Since(start))
	return res
}

// Caller identifies who triggered an execution and where.
type Caller struct {
	Author    domain.UserID
	ChannelID string
}

// Execute runs a successfully resolved command.
func (s *Service) Execute(ctx context.Context, res Resolution, caller Caller) (reply Reply, err error) {
	if res.Status != StatusSuccess || res.Entry == nil {
		return Reply{}, fmt.Errorf("execute %s: %s", res.Last(), res.Status)
	}
	e := res.Entry
	if res.Scope == "" {
		res.Scope = e.Registry()
	}
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "execute")
	defer func() {
		span.End(err)
		s.metrics.Observe(ctx, "execute", err == nil, time.Since(start))
	}()
	inv := Invocation{
		Alias:     res.Call,
		Args:      res.Args,
		Scope:     res.Scope,
		Registry:  e.Registry(),
		Name:      e.Name(),
		Owner:     e.Owner(),
		Added:     e.Added(),
		Author:    caller.Author,
		ChannelID: caller.ChannelID,
		Service:   s,
	}
	reply, err = e.Execute(context.WithValue(ctx, executingKey{}, e), inv)
	if err != nil {
		return Reply{}, fmt.Errorf("execute %s: %w", e.Key(), err)
	}
	return reply, nil
}

func denied(actor domain.UserID, role domain.Role) error {
	return fmt.Errorf("%w: %s requires %s", domain.ErrPermissionDenied, actor.Mention(), role)
}

func (s *Service) recordAudit(ctx context.Context, op string, actor domain.UserID, target string, start time.Time, err error) {
	entry := AuditEntry{
		Operation: op,
		Actor:     strconv.FormatUint(uint64(actor), 10),
		Target:    target,
		Status:    AuditStatusSuccess,
		Duration:  time.Since(start),
		Timestamp: s.clock.Now(),
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
	}
	s.audit.Record(ctx, entry)
	s.metrics.Observe(ctx, op, err == nil, entry.Duration)
}

// AddCommand constructs a command of type tag from data and inserts it as
// registry:name. The actor needs RegistryAdd on the registry.
func (s *Service) AddCommand(ctx context.Context, actor domain.UserID, registry, name, tag string, data []byte) (e *Entry, err error) {
	start := time.Now()
	defer func() { s.recordAudit(ctx, "add_command", actor, registry+":"+name, start, err) }()

	if role := domain.RegistryAdd(registry); !s.access.Permits(actor, role) {
		return nil, denied(actor, role)
	}
	if !s.types.Has(tag) {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownType, tag)
	}
	cmd, err := s.types.Construct(tag, data)
	if err != nil {
		return nil, err
	}
	return s.table.Insert(NewEntry{
		Registry: registry,
		Name:     name,
		Owner:    actor,
		Type:     tag,
		Added:    s.clock.Now().Unix(),
		Node:     CommandNode{Command: cmd},
	})
}

// AddSubregistry inserts registry:name pointing at target, creating the
// target registry when needed. The actor must be a moderator.
func (s *Service) AddSubregistry(ctx context.Context, actor domain.UserID, registry, name, target string) (e *Entry, err error) {
	start := time.Now()
	defer func() { s.recordAudit(ctx, "add_subregistry", actor, registry+":"+name, start, err) }()

	if !s.access.Permits(actor, domain.Moderator) {
		return nil, denied(actor, domain.Moderator)
	}
	return s.table.Insert(NewEntry{
		Registry: registry,
		Name:     name,
		Owner:    actor,
		Added:    s.clock.Now().Unix(),
		Node:     SubregistryNode{Registry: NormalizeName(target)},
	})
}

// Link inserts registry:name as a symlink to target, which must exist. The
// actor needs RegistryAdd on the registry.
func (s *Service) Link(ctx context.Context, actor domain.UserID, registry, name string, target Key) (e *Entry, err error) {
	start := time.Now()
	defer func() { s.recordAudit(ctx, "link", actor, registry+":"+name, start, err) }()

	if role := domain.RegistryAdd(registry); !s.access.Permits(actor, role) {
		return nil, denied(actor, role)
	}
	if !s.table.Exists(target.Registry, target.Name) {
		return nil, fmt.Errorf("link target %s: %w", target, domain.ErrNotFound)
	}
	return s.table.Insert(NewEntry{
		Registry: registry,
		Name:     name,
		Owner:    actor,
		Added:    s.clock.Now().Unix(),
		Node:     SymlinkNode{Registry: target.Registry, Name: target.Name},
	})
}

// Replace rebuilds the command at registry:name from data, keeping its type.
// The actor must own the entry or moderate its registry.
func (s *Service) Replace(ctx context.Context, actor domain.UserID, registry, name, tag string, data []byte) (err error) {
	start := time.Now()
	defer func() { s.recordAudit(ctx, "replace_command", actor, registry+":"+name, start, err) }()

	e, ok := s.table.Get(registry, name)
	if !ok {
		return fmt.Errorf("%s: %w", NewKey(registry, name), domain.ErrNotFound)
	}
	if e.Kind() != KindCommand || e.Type() != tag {
		return fmt.Errorf("%s is not a %s command", e.Key(), tag)
	}
	if role := domain.RegistryMod(registry); !s.mayModify(e, actor, role) {
		return denied(actor, role)
	}
	cmd, err := s.types.Construct(tag, data)
	if err != nil {
		return err
	}
	return e.Replace(cmd)
}

// mayModify reports whether actor owns e or holds role. Banned owners lose
// their ownership rights.
func (s *Service) mayModify(e *Entry, actor domain.UserID, role domain.Role) bool {
	if e.IsOwner(actor) && !s.access.HasRole(actor, domain.Banned) {
		return true
	}
	return s.access.Permits(actor, role)
}

// Remove deletes registry:name. The actor must own the entry or moderate its
// registry.
func (s *Service) Remove(ctx context.Context, actor domain.UserID, registry, name string) (e *Entry, err error) {
	start := time.Now()
	defer func() { s.recordAudit(ctx, "remove_command", actor, registry+":"+name, start, err) }()

	e, ok := s.table.Get(registry, name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", NewKey(registry, name), domain.ErrNotFound)
	}
	if role := domain.RegistryMod(registry); !s.mayModify(e, actor, role) {
		return nil, denied(actor, role)
	}
	return s.table.Remove(registry, name)
}

// Grant gives role to target. The actor must be permitted the role's
// grantor.
func (s *Service) Grant(ctx context.Context, actor, target domain.UserID, role domain.Role) (err error) {
	start := time.Now()
	defer func() { s.recordAudit(ctx, "grant_role", actor, target.Mention()+" "+role.String(), start, err) }()

	if grantor := role.Grantor(); !s.access.Permits(actor, grantor) {
		return denied(actor, grantor)
	}
	s.access.Grant(target, role)
	return nil
}

// Revoke removes role from target under the same rule as Grant.
func (s *Service) Revoke(ctx context.Context, actor, target domain.UserID, role domain.Role) (err error) {
	start := time.Now()
	defer func() { s.recordAudit(ctx, "revoke_role", actor, target.Mention()+" "+role.String(), start, err) }()

	if grantor := role.Grantor(); !s.access.Permits(actor, grantor) {
		return denied(actor, grantor)
	}
	if !s.access.Revoke(target, role) {
		return fmt.Errorf("%s does not hold %s: %w", target.Mention(), role, domain.ErrNotFound)
	}
	return nil
}

// executingKey marks the entry whose lock the current call chain holds.
type executingKey struct{}

// ExportLockWait bounds how long Export waits for a running command before
// exporting its last serialized payload instead.
const ExportLockWait = 500 * time.Millisecond

// Export serializes the live in-memory state. Commands whose state cannot be
// serialized are exported without a payload. A command may export the
// registry it belongs to while it runs; other running commands are exported
// with their last serialized payload once ExportLockWait passes, so two
// exporting commands never wait on each other.
func (s *Service) Export(ctx context.Context) (domain.Snapshot, error) {
	snap := domain.Snapshot{Registries: s.table.Registries()}
	held, _ := ctx.Value(executingKey{}).(*Entry)
	var errs []error
	for _, e := range s.table.Entries() {
		var (
			row   domain.CommandRow
			keep  bool
			stale bool
			err   error
		)
		if e == held {
			row, keep, err = e.rowHeld()
		} else {
			row, keep, stale, err = e.exportRow(ctx, ExportLockWait)
		}
		if stale {
			s.logger.Debug("export: command busy, using last saved state", "command", e.Key().String())
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.Key(), err))
			continue
		}
		if keep {
			row.Data = nil
		}
		snap.Commands = append(snap.Commands, row)
	}
	for _, u := range s.access.Users() {
		data, err := codec.Marshal(u.Roles)
		if err != nil {
			errs = append(errs, fmt.Errorf("user %d: %w", uint64(u.User), err))
			continue
		}
		snap.Users = append(snap.Users, domain.UserRow{ID: u.User, Roles: data})
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("export incomplete", "error", err)
	}
	return snap, ctx.Err()
}

// Sync runs one synchronization pass.
func (s *Service) Sync(ctx context.Context) (SyncStats, error) {
	return s.sync.Sync(ctx)
}

// Run synchronizes periodically until ctx is cancelled, then flushes once
// more.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("synchronizer started", "interval", s.syncInterval.String())
	return s.sync.Run(ctx, s.syncInterval, FinalSyncTimeout)
}

// Close flushes pending changes and closes the store.
func (s *Service) Close(ctx context.Context) error {
	_, syncErr := s.sync.Sync(ctx)
	return errors.Join(syncErr, s.store.Close())
}
