package domain

import (
	"fmt"
	"strings"
)

// RoleKind enumerates the fixed role variants.
type RoleKind uint8

const (
	// RoleAdmin is full administrative access.
	RoleAdmin RoleKind = iota + 1
	// RoleBanned denies every positive permission.
	RoleBanned
	// RoleModerator moderates across registries.
	RoleModerator
	// RoleRegistryAdd may add commands to one registry.
	RoleRegistryAdd
	// RoleRegistryMod may moderate one registry.
	RoleRegistryMod
)

// Role is a comparable role value; Registry is set only for the
// registry-scoped kinds.
type Role struct {
	Kind     RoleKind
	Registry string
}

// Constructors for the role variants.
var (
	Admin     = Role{Kind: RoleAdmin}
	Banned    = Role{Kind: RoleBanned}
	Moderator = Role{Kind: RoleModerator}
)

// RegistryAdd returns the role allowing additions to registry.
func RegistryAdd(registry string) Role { return Role{Kind: RoleRegistryAdd, Registry: registry} }

// RegistryMod returns the role allowing moderation of registry.
func RegistryMod(registry string) Role { return Role{Kind: RoleRegistryMod, Registry: registry} }

// Parent returns the role implied by holding r. A registry moderator is also
// a cross-registry moderator; no other variant implies anything.
func (r Role) Parent() (Role, bool) {
	if r.Kind == RoleRegistryMod {
		return Moderator, true
	}
	return Role{}, false
}

// Escalation returns the next broader role that satisfies a requirement for
// r. The chain ends at Admin; Banned has no escalation.
func (r Role) Escalation() (Role, bool) {
	switch r.Kind {
	case RoleRegistryAdd:
		return RegistryMod(r.Registry), true
	case RoleRegistryMod:
		return Moderator, true
	case RoleModerator:
		return Admin, true
	default:
		return Role{}, false
	}
}

// Grantor returns the role a user must be permitted to act as before granting
// or revoking r.
func (r Role) Grantor() Role {
	switch r.Kind {
	case RoleBanned:
		return Moderator
	case RoleAdmin:
		return Admin
	}
	if up, ok := r.Escalation(); ok {
		return up
	}
	return Admin
}

func (r Role) String() string {
	switch r.Kind {
	case RoleAdmin:
		return "admin"
	case RoleBanned:
		return "banned"
	case RoleModerator:
		return "moderator"
	case RoleRegistryAdd:
		return "add:" + r.Registry
	case RoleRegistryMod:
		return "mod:" + r.Registry
	default:
		return fmt.Sprintf("role(%d)", r.Kind)
	}
}

// ParseRole converts free text into a Role. Accepted forms: admin, banned
// (ban), moderator (mod), add:<registry>, mod:<registry>.
func ParseRole(text string) (Role, error) {
	text = strings.TrimSpace(strings.ToLower(text))
	if kind, registry, ok := strings.Cut(text, ":"); ok {
		if registry == "" {
			return Role{}, fmt.Errorf("%w: %q has no registry", ErrInvalidRole, text)
		}
		switch kind {
		case "add", "regadd":
			return RegistryAdd(registry), nil
		case "mod", "regmod":
			return RegistryMod(registry), nil
		}
		return Role{}, fmt.Errorf("%w: %q", ErrInvalidRole, text)
	}
	switch text {
	case "admin":
		return Admin, nil
	case "banned", "ban":
		return Banned, nil
	case "moderator", "mod":
		return Moderator, nil
	}
	return Role{}, fmt.Errorf("%w: %q", ErrInvalidRole, text)
}

// MarshalText implements encoding.TextMarshaler so role lists encode as
// strings.
func (r Role) MarshalText() ([]byte, error) {
	if r.Kind < RoleAdmin || r.Kind > RoleRegistryMod {
		return nil, fmt.Errorf("%w: kind %d", ErrInvalidRole, r.Kind)
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
