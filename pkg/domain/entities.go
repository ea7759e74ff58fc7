// Package domain defines the persistent records, role values and storage
// contracts shared by the floppa command registry and its storage backends.
package domain

import (
	"fmt"
	"strconv"
)

// RootRegistry names the registry every invocation starts from and the only
// registry without a parent.
const RootRegistry = "root"

// Reserved type tags for non-executable nodes.
const (
	TypeSubregistry = "subregistry"
	TypeSymlink     = "symlink"
)

// UserID identifies a chat-platform user. Platform ids are snowflakes and fit
// in a signed 64-bit column.
type UserID uint64

// ParseUserID accepts a bare numeric id or a user mention of the form <@id>
// or <@!id>.
func ParseUserID(text string) (UserID, bool) {
	if len(text) > 3 && text[0] == '<' && text[1] == '@' && text[len(text)-1] == '>' {
		text = text[2 : len(text)-1]
		if len(text) > 0 && text[0] == '!' {
			text = text[1:]
		}
	}
	if text == "" {
		return 0, false
	}
	for _, c := range text {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	id, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, false
	}
	return UserID(id), true
}

// Mention renders the id in the platform's mention syntax.
func (u UserID) Mention() string {
	return fmt.Sprintf("<@%d>", uint64(u))
}

// Registry is a named namespace of commands. ID is zero until the registry
// has been written to storage.
type Registry struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Parent string `json:"parent,omitempty"`
}

// CommandRow is the persisted form of a command entry. Data is nil when the
// stored payload is NULL.
type CommandRow struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Owner    UserID `json:"owner"`
	Type     string `json:"type"`
	Registry string `json:"registry"`
	Added    int64  `json:"added"`
	Data     []byte `json:"data,omitempty"`
}

// UserRow is the persisted form of a role assignment. Roles holds the encoded
// role list.
type UserRow struct {
	ID    UserID `json:"id"`
	Roles []byte `json:"roles,omitempty"`
}

// Snapshot is everything read from storage at startup.
type Snapshot struct {
	Registries []Registry   `json:"registries"`
	Commands   []CommandRow `json:"commands"`
	Users      []UserRow    `json:"users"`
}

// SyncState tracks whether a role assignment differs from storage.
type SyncState int

const (
	// SyncClean means the assignment matches storage.
	SyncClean SyncState = iota
	// SyncNew means the assignment has never been written.
	SyncNew
	// SyncModified means the stored row is stale.
	SyncModified
	// SyncDeleted means the row must be deleted; the assignment counts as absent.
	SyncDeleted
)

func (s SyncState) String() string {
	switch s {
	case SyncClean:
		return "clean"
	case SyncNew:
		return "new"
	case SyncModified:
		return "modified"
	case SyncDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}
