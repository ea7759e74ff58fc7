// Package commands provides the built-in command types: plain text replies
// and the administrative commands that edit the registry from chat.
package commands

import (
	"context"
	"errors"
	"floppa/internal/backup"
	"floppa/internal/core"
	"floppa/pkg/domain"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode"
)

// Built-in type tags.
const (
	TypeText    = "text"
	TypeAdd     = "add"
	TypeEdit    = "edit"
	TypeRemove  = "remove"
	TypeLink    = "link"
	TypeSubreg  = "subreg"
	TypeRole    = "role"
	TypeInfo    = "info"
	TypeList    = "list"
	TypeVersion = "version"
	TypeWiki    = "wiki"
	TypeFlops   = "flops"
	TypeBackup  = "backup"
)

// ReactionCounter reports how many messages were reacted to since start.
type ReactionCounter interface {
	Reactions() uint64
}

// Backuper writes a backup of src.
type Backuper interface {
	Backup(ctx context.Context, src backup.Source) (backup.Result, error)
}

// Deps is the configuration bound into the built-in types when they are
// registered.
type Deps struct {
	BotName   string
	Version   string
	Commit    string
	Reactions ReactionCounter
	// Backups is nil when no blob storage is configured.
	Backups Backuper
	// HTTPClient is used by wiki; nil means a client with a 10s timeout.
	HTTPClient *http.Client
	// WikiEndpoint overrides the search API URL.
	WikiEndpoint string
	// WikiPage overrides the article URL prefix.
	WikiPage string
}

// DefaultBotName is used in replies when Deps.BotName is empty.
const DefaultBotName = "Floppa"

// Register adds every built-in type to types.
func Register(types *core.TypeRegistry, deps Deps) error {
	if deps.BotName == "" {
		deps.BotName = DefaultBotName
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if deps.WikiEndpoint == "" {
		deps.WikiEndpoint = DefaultWikiEndpoint
	}
	if deps.WikiPage == "" {
		deps.WikiPage = DefaultWikiPage
	}
	stateless := func(cmd core.Command) func([]byte) (core.Command, error) {
		return func([]byte) (core.Command, error) { return cmd, nil }
	}
	builtins := []core.CommandType{
		{Tag: TypeText, Description: "replies with stored text", Construct: newText},
		{Tag: TypeAdd, Description: "adds a command to this registry", Construct: stateless(addCommand{})},
		{Tag: TypeEdit, Description: "replaces the body of a text command", Construct: stateless(editCommand{})},
		{Tag: TypeRemove, Description: "removes a command", Construct: stateless(removeCommand{})},
		{Tag: TypeLink, Description: "adds an alias to another command", Construct: stateless(linkCommand{})},
		{Tag: TypeSubreg, Description: "adds a subregistry", Construct: stateless(subregCommand{})},
		{Tag: TypeRole, Description: "grants or revokes roles", Construct: stateless(roleCommand{})},
		{Tag: TypeInfo, Description: "shows who added a command and when", Construct: stateless(infoCommand{})},
		{Tag: TypeList, Description: "lists the commands of a registry", Construct: stateless(listCommand{})},
		{Tag: TypeVersion, Description: "shows the running version", Construct: stateless(versionCommand{name: deps.BotName, version: deps.Version, commit: deps.Commit})},
		{Tag: TypeWiki, Description: "looks up a Wikipedia article", Construct: stateless(&wikiCommand{client: deps.HTTPClient, endpoint: deps.WikiEndpoint, page: deps.WikiPage})},
		{Tag: TypeFlops, Description: "counts reactions since start", Construct: stateless(flopsCommand{counter: deps.Reactions})},
		{Tag: TypeBackup, Description: "writes a registry backup to blob storage", Construct: stateless(backupCommand{backups: deps.Backups})},
	}
	for _, t := range builtins {
		if err := types.Register(t); err != nil {
			return fmt.Errorf("register %s: %w", t.Tag, err)
		}
	}
	return nil
}

// Defaults are the types installed under their own tag in the root registry.
var Defaults = []string{
	TypeAdd, TypeEdit, TypeRemove, TypeLink, TypeSubreg, TypeRole,
	TypeInfo, TypeList, TypeVersion, TypeWiki, TypeFlops, TypeBackup,
}

// Install adds each of Defaults missing from the root registry, owned by
// owner, and returns how many were added. Owner must be allowed to add to
// the root registry.
func Install(ctx context.Context, svc *core.Service, owner domain.UserID) (int, error) {
	added := 0
	for _, tag := range Defaults {
		if svc.Table().Exists(domain.RootRegistry, tag) {
			continue
		}
		if _, err := svc.AddCommand(ctx, owner, domain.RootRegistry, tag, tag, nil); err != nil {
			return added, fmt.Errorf("install %s: %w", tag, err)
		}
		added++
	}
	return added, nil
}

// noState is embedded by commands that keep no payload of their own.
type noState struct{}

func (noState) Save() ([]byte, bool) { return nil, true }

func text(format string, args ...any) (core.Reply, error) {
	return core.Reply{Text: fmt.Sprintf(format, args...)}, nil
}

func usage(inv core.Invocation, forms ...string) (core.Reply, error) {
	lines := make([]string, len(forms))
	for i, form := range forms {
		lines[i] = fmt.Sprintf("`%s %s`", inv.Alias, form)
	}
	return text("Usage: %s", strings.Join(lines, "\nor "))
}

func service(inv core.Invocation) (*core.Service, error) {
	if inv.Service == nil {
		return nil, errors.New("command needs the registry service")
	}
	return inv.Service, nil
}

// describe turns an error from a registry operation on key into a reply.
// Errors that are not user mistakes are returned for logging.
func describe(inv core.Invocation, key core.Key, err error) (core.Reply, error) {
	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		return text("⛔ You are not allowed to do that")
	case errors.Is(err, domain.ErrInvalidName):
		return text("Command names must consist of alphanumeric characters or `-`, `_`")
	case errors.Is(err, domain.ErrCommandExists):
		return text("⚠️ `%s` is already a command", key.Name)
	case errors.Is(err, domain.ErrUnknownType):
		return text("⚠️ Not a valid command type")
	case errors.Is(err, domain.ErrNotFound):
		return text("⚠️ Failed to find command `%s`%s", key.Name, where(inv, key.Registry))
	}
	return core.Reply{}, err
}

// cutWord splits off the first whitespace-separated word of s. ok is false
// when s holds no word.
func cutWord(s string) (word, rest string, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", "", false
	}
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, "", true
	}
	return s[:i], strings.TrimSpace(s[i:]), true
}

// where renders " in registry `x`" when x differs from the invoking
// registry.
func where(inv core.Invocation, registry string) string {
	if registry == inv.Scope {
		return ""
	}
	return fmt.Sprintf(" in registry `%s`", registry)
}
