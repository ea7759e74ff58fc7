package core

import (
	"fmt"
	"slices"
	"strings"
	"unicode"
)

// MaxResolveDepth bounds the number of hops a single resolution may take.
const MaxResolveDepth = 64

// Status is the outcome of a resolution.
type Status int

const (
	StatusSuccess Status = iota
	StatusNotFound
	StatusRecursive
	StatusFailedSubcommand
	StatusOverflow
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNotFound:
		return "not_found"
	case StatusRecursive:
		return "recursive"
	case StatusFailedSubcommand:
		return "failed_subcommand"
	case StatusOverflow:
		return "overflow"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Resolution is the result of walking an invocation through the registries.
type Resolution struct {
	Status Status
	// Stack lists every (registry, name) pair visited, in order.
	Stack []Key
	// Call is the space-joined text of the tokens consumed so far.
	Call string
	// Args is the unconsumed remainder of the invocation.
	Args string
	// Entry is the resolved command entry; set only on success.
	Entry *Entry
	// Scope is the registry the invocation ended up in: the starting
	// registry, or the target of the last subregistry traversed. Symlinks
	// and parent fallback leave it unchanged.
	Scope string
}

// Last returns the final pair visited.
func (r Resolution) Last() Key {
	if len(r.Stack) == 0 {
		return Key{}
	}
	return r.Stack[len(r.Stack)-1]
}

// Describe renders a non-successful resolution as a user-facing message.
func (r Resolution) Describe() string {
	switch r.Status {
	case StatusSuccess:
		return ""
	case StatusNotFound:
		return fmt.Sprintf("Command `%s` not found.", r.Last().Name)
	case StatusFailedSubcommand:
		return fmt.Sprintf("`%s` needs a subcommand.", r.Call)
	case StatusRecursive:
		path := make([]string, len(r.Stack))
		for i, key := range r.Stack {
			path[i] = key.String()
		}
		return "Recursive link detected: " + strings.Join(path, " -> ")
	case StatusOverflow:
		return fmt.Sprintf("Resolution exceeded %d steps.", MaxResolveDepth)
	default:
		return "Command could not be resolved."
	}
}

type token struct {
	text       string
	start, end int
}

func tokenize(s string) []token {
	var out []token
	start := -1
	for i, r := range s {
		space := unicode.IsSpace(r)
		switch {
		case space && start >= 0:
			out = append(out, token{text: s[start:i], start: start, end: i})
			start = -1
		case !space && start < 0:
			start = i
		}
	}
	if start >= 0 {
		out = append(out, token{text: s[start:], start: start, end: len(s)})
	}
	return out
}

// Resolve walks invocation starting in registry. A miss falls back to the
// registry's parent, a subregistry node consumes the next token, and a
// symlink redirects without consuming anything. Revisiting a pair reports
// StatusRecursive; exceeding MaxResolveDepth reports StatusOverflow.
func (t *CommandTable) Resolve(registry, invocation string) Resolution {
	tokens := tokenize(invocation)
	if len(tokens) == 0 {
		return Resolution{Status: StatusNotFound, Stack: []Key{{Registry: registry}}}
	}

	pos := 0
	consumed := make([]string, 0, 2)
	cur := NewKey(registry, tokens[0].text)
	res := Resolution{Stack: []Key{cur}, Scope: registry}

	finish := func(status Status) Resolution {
		res.Status = status
		res.Call = strings.Join(consumed, " ")
		return res
	}

	for range MaxResolveDepth {
		var next Key
		e, ok := t.Get(cur.Registry, cur.Name)
		if !ok {
			parent, ok := t.parentOf(cur.Registry)
			if !ok {
				return finish(StatusNotFound)
			}
			next = Key{Registry: parent, Name: cur.Name}
		} else {
			if e.Kind() == KindCommand {
				consumed = append(consumed, tokens[pos].text)
				res.Entry = e
				res.Args = strings.TrimSpace(invocation[tokens[pos].end:])
				return finish(StatusSuccess)
			}
			// Only immutable kinds remain, so reading the node never waits on
			// a running command.
			switch n := e.Node().(type) {
			case SubregistryNode:
				consumed = append(consumed, tokens[pos].text)
				pos++
				if pos >= len(tokens) {
					return finish(StatusFailedSubcommand)
				}
				res.Scope = n.Registry
				next = NewKey(n.Registry, tokens[pos].text)
			case SymlinkNode:
				next = NewKey(n.Registry, n.Name)
			}
		}
		revisit := slices.Contains(res.Stack, next)
		res.Stack = append(res.Stack, next)
		if revisit {
			return finish(StatusRecursive)
		}
		cur = next
	}
	return finish(StatusOverflow)
}
