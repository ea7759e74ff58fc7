package commands

import (
	"context"
	"floppa/internal/core"
	"floppa/pkg/domain"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// listLimit keeps list replies under the chat platform's message size.
const listLimit = 1800

// infoCommand: `info [registry:]name` shows who added a command and when.
type infoCommand struct{ noState }

func (infoCommand) Execute(_ context.Context, inv core.Invocation) (core.Reply, error) {
	svc, err := service(inv)
	if err != nil {
		return core.Reply{}, err
	}
	arg, _, ok := cutWord(inv.Args)
	if !ok {
		return usage(inv, "[registry:](command)")
	}
	key := core.SplitQualified(arg, inv.Scope)
	e, found := svc.Table().Get(key.Registry, key.Name)
	if !found {
		return text("⚠️ Failed to find command `%s`%s", key.Name, where(inv, key.Registry))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Command `%s`%s", e.Name(), where(inv, e.Registry()))
	// Node is only read for immutable kinds; reading a command node waits
	// on the entry lock, which `info info` already holds.
	switch e.Kind() {
	case core.KindSubregistry:
		fmt.Fprintf(&b, " (subregistry `%s`)", e.Node().(core.SubregistryNode).Registry)
	case core.KindSymlink:
		link := e.Node().(core.SymlinkNode)
		fmt.Fprintf(&b, " (link to `%s`)", core.Key{Registry: link.Registry, Name: link.Name})
	default:
		fmt.Fprintf(&b, " (type `%s`)", e.Type())
	}
	fmt.Fprintf(&b, " was added at <t:%d:f>, and is owned by %s", e.Added(), e.Owner().Mention())
	return core.Reply{Text: b.String()}, nil
}

// listCommand: `list [registry]` names the entries of a registry.
type listCommand struct{ noState }

func (listCommand) Execute(_ context.Context, inv core.Invocation) (core.Reply, error) {
	svc, err := service(inv)
	if err != nil {
		return core.Reply{}, err
	}
	registry := inv.Scope
	if arg, _, ok := cutWord(inv.Args); ok {
		registry = core.NormalizeName(arg)
	}
	if !svc.Table().HasRegistry(registry) {
		return text("⚠️ Registry `%s` does not exist", registry)
	}
	entries := svc.Table().List(registry)
	if len(entries) == 0 {
		return text("Registry `%s` has no commands", registry)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Commands in `%s`: ", registry)
	for i, e := range entries {
		if b.Len() > listLimit {
			fmt.Fprintf(&b, " and %d more", len(entries)-i)
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "`%s`", e.Name())
		switch e.Kind() {
		case core.KindSubregistry:
			b.WriteString("/")
		case core.KindSymlink:
			b.WriteString("→")
		}
	}
	return core.Reply{Text: b.String()}, nil
}

// versionCommand reports the build version.
type versionCommand struct {
	noState
	name    string
	version string
	commit  string
}

func (c versionCommand) Execute(context.Context, core.Invocation) (core.Reply, error) {
	version := c.version
	if version == "" {
		version = "dev"
	}
	if c.commit == "" {
		return text("%s is running on version `%s`", c.name, version)
	}
	return text("%s is running on version `%s`, commit `%s`", c.name, version, c.commit)
}

// flopsCommand reports the reaction counter.
type flopsCommand struct {
	noState
	counter ReactionCounter
}

func (c flopsCommand) Execute(context.Context, core.Invocation) (core.Reply, error) {
	var n uint64
	if c.counter != nil {
		n = c.counter.Reactions()
	}
	return text("%s flops reacted to since start", humanize.Comma(int64(n)))
}

// backupCommand writes a backup of the live registry. Admin only.
type backupCommand struct {
	noState
	backups Backuper
}

func (c backupCommand) Execute(ctx context.Context, inv core.Invocation) (core.Reply, error) {
	svc, err := service(inv)
	if err != nil {
		return core.Reply{}, err
	}
	if !svc.Access().Permits(inv.Author, domain.Admin) {
		return text("⛔ You are not allowed to do that")
	}
	if c.backups == nil {
		return text("⚠️ Backups are not configured")
	}
	res, err := c.backups.Backup(ctx, svc)
	if err != nil {
		return core.Reply{}, fmt.Errorf("backup: %w", err)
	}
	return text("Backup written to `%s` (%d commands, %d users, %s)",
		res.Key, res.Commands, res.Users, humanize.Bytes(uint64(res.Size)))
}
