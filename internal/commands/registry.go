package commands

import (
	"context"
	"errors"
	"floppa/internal/codec"
	"floppa/internal/core"
	"floppa/pkg/domain"
	"fmt"
	"strings"
)

// addCommand: `add <name> <body>` or `add <name> --[type] [json]`.
type addCommand struct{ noState }

func (addCommand) Execute(ctx context.Context, inv core.Invocation) (core.Reply, error) {
	svc, err := service(inv)
	if err != nil {
		return core.Reply{}, err
	}
	name, body, ok := cutWord(inv.Args)
	if !ok || body == "" {
		return usage(inv, "(name) (body)", "(name) --[type] [json data]")
	}
	tag, data := TypeText, []byte(body)
	if strings.HasPrefix(body, "--[") {
		flag, rest, _ := cutWord(body)
		if len(flag) < 5 || !strings.HasSuffix(flag, "]") {
			return usage(inv, "(name) (body)", "(name) --[type] [json data]")
		}
		tag = flag[3 : len(flag)-1]
		switch {
		case tag == TypeText:
			data = []byte(rest)
		case !svc.Types().Has(tag):
			return text("⚠️ `%s` is not a valid command type", tag)
		case rest == "":
			data = nil
		default:
			if data, err = codec.FromJSON(rest); err != nil {
				return text("⚠️ Error deserialising json data: ```%v```", err)
			}
		}
	}
	key := core.NewKey(inv.Scope, name)
	if _, err := svc.AddCommand(ctx, inv.Author, inv.Scope, name, tag, data); err != nil {
		reply, err := describe(inv, key, err)
		if err != nil {
			return text("⚠️ Error adding command: `%v`", err)
		}
		return reply, nil
	}
	return text("Added command `%s`", key.Name)
}

// editCommand: `edit <name> <body>` replaces the body of a text command.
type editCommand struct{ noState }

func (editCommand) Execute(ctx context.Context, inv core.Invocation) (core.Reply, error) {
	svc, err := service(inv)
	if err != nil {
		return core.Reply{}, err
	}
	name, body, ok := cutWord(inv.Args)
	if !ok || body == "" {
		return usage(inv, "(name) (body)")
	}
	key := core.NewKey(inv.Scope, name)
	e, found := svc.Table().Get(key.Registry, key.Name)
	if !found {
		return text("⚠️ `%s` is not a command", key.Name)
	}
	if e.Kind() != core.KindCommand || e.Type() != TypeText {
		return text("⚠️ `%s` is not a text command", key.Name)
	}
	if err := svc.Replace(ctx, inv.Author, key.Registry, key.Name, TypeText, []byte(body)); err != nil {
		return describe(inv, key, err)
	}
	return text("Edited command `%s`", key.Name)
}

// removeCommand: `remove [registry:]name`.
type removeCommand struct{ noState }

func (removeCommand) Execute(ctx context.Context, inv core.Invocation) (core.Reply, error) {
	svc, err := service(inv)
	if err != nil {
		return core.Reply{}, err
	}
	arg, _, ok := cutWord(inv.Args)
	if !ok {
		return usage(inv, "[registry:](command)")
	}
	key := core.SplitQualified(arg, inv.Scope)
	e, err := svc.Remove(ctx, inv.Author, key.Registry, key.Name)
	if err != nil {
		return describe(inv, key, err)
	}
	return text("Deleted command `%s`%s", e.Name(), where(inv, key.Registry))
}

// linkCommand: `link <name> [registry:]destination` adds a symlink.
type linkCommand struct{ noState }

func (linkCommand) Execute(ctx context.Context, inv core.Invocation) (core.Reply, error) {
	svc, err := service(inv)
	if err != nil {
		return core.Reply{}, err
	}
	name, rest, ok := cutWord(inv.Args)
	dest, _, hasDest := cutWord(rest)
	if !ok || !hasDest {
		return usage(inv, "(name) [registry:](destination)")
	}
	target := core.SplitQualified(dest, inv.Scope)
	if !svc.Table().Exists(target.Registry, target.Name) {
		return text("⚠️ `%s` doesn't exist", target)
	}
	key := core.NewKey(inv.Scope, name)
	if _, err := svc.Link(ctx, inv.Author, inv.Scope, name, target); err != nil {
		return describe(inv, key, err)
	}
	return text("Added link to `%s` called `%s`", target.Name, key.Name)
}

// subregCommand: `subreg <name> <registry>` adds a subregistry node.
type subregCommand struct{ noState }

func (subregCommand) Execute(ctx context.Context, inv core.Invocation) (core.Reply, error) {
	svc, err := service(inv)
	if err != nil {
		return core.Reply{}, err
	}
	name, rest, ok := cutWord(inv.Args)
	target, _, hasTarget := cutWord(rest)
	if !ok || !hasTarget {
		return usage(inv, "(name) (registry)")
	}
	target = core.NormalizeName(target)
	key := core.NewKey(inv.Scope, name)
	if _, err := svc.AddSubregistry(ctx, inv.Author, inv.Scope, name, target); err != nil {
		return describe(inv, key, err)
	}
	return text("Added subregistry `%s` as `%s`", target, key.Name)
}

// roleCommand: `role <user> [-r] <role>` grants, or with -r revokes, a role.
type roleCommand struct{ noState }

func (roleCommand) Execute(ctx context.Context, inv core.Invocation) (core.Reply, error) {
	svc, err := service(inv)
	if err != nil {
		return core.Reply{}, err
	}
	fields := strings.Fields(inv.Args)
	var userText, roleText string
	remove := false
	switch {
	case len(fields) == 2:
		userText, roleText = fields[0], fields[1]
	case len(fields) == 3 && fields[1] == "-r":
		userText, roleText, remove = fields[0], fields[2], true
	case len(fields) == 3 && fields[2] == "-r":
		userText, roleText, remove = fields[0], fields[1], true
	default:
		return usage(inv, "(user) (role)", "(user) -r (role)")
	}
	user, ok := domain.ParseUserID(userText)
	if !ok {
		return text("Could not find user, only mentions or ids are valid")
	}
	role, err := domain.ParseRole(roleText)
	if err != nil {
		return text("Didn't understand role `%s`", roleText)
	}
	if remove {
		if err := svc.Revoke(ctx, inv.Author, user, role); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return text("%s does not have role `%s`", user.Mention(), role)
			}
			return roleFailure(err)
		}
		return text("Removed role `%s` from %s", role, user.Mention())
	}
	if err := svc.Grant(ctx, inv.Author, user, role); err != nil {
		return roleFailure(err)
	}
	return text("Gave role `%s` to %s", role, user.Mention())
}

func roleFailure(err error) (core.Reply, error) {
	if errors.Is(err, domain.ErrPermissionDenied) {
		return text("⛔ You are not allowed to do that")
	}
	return core.Reply{}, fmt.Errorf("change role: %w", err)
}
