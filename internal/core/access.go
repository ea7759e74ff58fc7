package core

import (
	"floppa/pkg/domain"
	"slices"
	"sort"
	"sync"
)

type assignment struct {
	roles []domain.Role
	state domain.SyncState
}

func (a *assignment) has(r domain.Role) bool {
	return slices.Contains(a.roles, r)
}

func (a *assignment) touch() {
	if a.state != domain.SyncNew {
		a.state = domain.SyncModified
	}
}

// RoleChange is one drained user assignment awaiting synchronization.
type RoleChange struct {
	User  domain.UserID
	Roles []domain.Role
	State domain.SyncState
}

// AccessControl maps users to role sets and tracks changes for
// synchronization.
type AccessControl struct {
	mu    sync.RWMutex
	users map[domain.UserID]*assignment
}

// NewAccessControl returns an empty access table.
func NewAccessControl() *AccessControl {
	return &AccessControl{users: make(map[domain.UserID]*assignment)}
}

// HasRole reports whether user holds role, directly or through a held role
// that implies it. A banned user holds no role but Banned.
func (a *AccessControl) HasRole(user domain.UserID, role domain.Role) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.hasRoleLocked(user, role)
}

func (a *AccessControl) hasRoleLocked(user domain.UserID, role domain.Role) bool {
	as, ok := a.users[user]
	if !ok || as.state == domain.SyncDeleted {
		return false
	}
	if as.has(domain.Banned) {
		return role == domain.Banned
	}
	for _, held := range as.roles {
		for r, ok := held, true; ok; r, ok = r.Parent() {
			if r == role {
				return true
			}
		}
	}
	return false
}

// Permits reports whether user may perform an action requiring role: holding
// the role itself or any role above it on its escalation chain suffices.
func (a *AccessControl) Permits(user domain.UserID, role domain.Role) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for r, ok := role, true; ok; r, ok = r.Escalation() {
		if a.hasRoleLocked(user, r) {
			return true
		}
	}
	return false
}

// Grant adds role to user. Granting Banned, or granting anything to a banned
// user, leaves Banned as the only role.
func (a *AccessControl) Grant(user domain.UserID, role domain.Role) {
	a.mu.Lock()
	defer a.mu.Unlock()
	as, ok := a.users[user]
	if !ok {
		a.users[user] = &assignment{roles: []domain.Role{role}, state: domain.SyncNew}
		return
	}
	if as.state == domain.SyncDeleted {
		as.roles = []domain.Role{role}
		as.state = domain.SyncModified
		return
	}
	if role == domain.Banned || as.has(domain.Banned) {
		if len(as.roles) != 1 || as.roles[0] != domain.Banned {
			as.roles = []domain.Role{domain.Banned}
			as.touch()
		}
		return
	}
	if as.has(role) {
		return
	}
	as.roles = append(as.roles, role)
	as.touch()
}

// Revoke removes role from user and reports whether it was held. Removing
// the last role deletes the assignment.
func (a *AccessControl) Revoke(user domain.UserID, role domain.Role) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	as, ok := a.users[user]
	if !ok || as.state == domain.SyncDeleted {
		return false
	}
	i := slices.Index(as.roles, role)
	if i < 0 {
		return false
	}
	as.roles = slices.Delete(as.roles, i, i+1)
	if len(as.roles) == 0 {
		as.state = domain.SyncDeleted
		return true
	}
	as.touch()
	return true
}

// Roles returns the roles directly assigned to user.
func (a *AccessControl) Roles(user domain.UserID) []domain.Role {
	a.mu.RLock()
	defer a.mu.RUnlock()
	as, ok := a.users[user]
	if !ok || as.state == domain.SyncDeleted {
		return nil
	}
	return slices.Clone(as.roles)
}

// Users returns every live assignment sorted by user id.
func (a *AccessControl) Users() []RoleChange {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]RoleChange, 0, len(a.users))
	for id, as := range a.users {
		if as.state == domain.SyncDeleted {
			continue
		}
		out = append(out, RoleChange{User: id, Roles: slices.Clone(as.roles), State: as.state})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User < out[j].User })
	return out
}

// Drain returns every non-clean assignment and resets them to clean. Deleted
// assignments are dropped from memory.
func (a *AccessControl) Drain() []RoleChange {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []RoleChange
	for id, as := range a.users {
		if as.state == domain.SyncClean {
			continue
		}
		out = append(out, RoleChange{User: id, Roles: slices.Clone(as.roles), State: as.state})
		if as.state == domain.SyncDeleted {
			delete(a.users, id)
		} else {
			as.state = domain.SyncClean
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User < out[j].User })
	return out
}

// restore re-queues changes whose transaction never committed, without
// overwriting newer in-memory state.
func (a *AccessControl) restore(changes []RoleChange) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range changes {
		as, ok := a.users[c.User]
		switch {
		case !ok:
			a.users[c.User] = &assignment{roles: c.Roles, state: c.State}
		case as.state == domain.SyncClean:
			as.state = domain.SyncModified
		}
	}
}

// load installs a stored assignment as clean.
func (a *AccessControl) load(user domain.UserID, roles []domain.Role) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.users[user] = &assignment{roles: roles, state: domain.SyncClean}
}
