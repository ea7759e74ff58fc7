package core

import (
	"context"
	"floppa/internal/codec"
	"floppa/pkg/domain"
	"fmt"
)

// Command is the executable payload of a command node.
type Command interface {
	Execute(ctx context.Context, inv Invocation) (Reply, error)
	// Save serializes the command's state. ok=false means the stored payload
	// must be left as is, which is different from an empty payload.
	Save() (data []byte, ok bool)
}

// Reply is what a command hands back to the message layer. An empty Text
// sends nothing.
type Reply struct {
	Text string
}

// Invocation is the context a command runs with.
type Invocation struct {
	// Alias is the literal text the user typed to reach the command.
	Alias string
	// Args is the unconsumed remainder of the invocation.
	Args string
	// Scope is the registry the user invoked the command in; commands that
	// edit the registry default to it.
	Scope string
	// Registry and Name locate the entry that holds the command.
	Registry  string
	Name      string
	Owner     domain.UserID
	Added     int64
	Author    domain.UserID
	ChannelID string
	// Service gives administrative commands access to the registry.
	Service *Service
}

// NodeKind is the tag of a Node.
type NodeKind uint8

const (
	KindCommand NodeKind = iota + 1
	KindSubregistry
	KindSymlink
)

func (k NodeKind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindSubregistry:
		return domain.TypeSubregistry
	case KindSymlink:
		return domain.TypeSymlink
	default:
		return "unknown"
	}
}

// Node is the payload of an entry: CommandNode, SubregistryNode or
// SymlinkNode.
type Node interface {
	Kind() NodeKind
}

// CommandNode holds an executable command.
type CommandNode struct {
	Command Command
}

// SubregistryNode continues resolution inside Registry with the next token.
type SubregistryNode struct {
	Registry string
}

// SymlinkNode redirects resolution to Name inside Registry.
type SymlinkNode struct {
	Registry string
	Name     string
}

func (CommandNode) Kind() NodeKind     { return KindCommand }
func (SubregistryNode) Kind() NodeKind { return KindSubregistry }
func (SymlinkNode) Kind() NodeKind     { return KindSymlink }

type symlinkPayload struct {
	Registry string `cbor:"registry"`
	Command  string `cbor:"command"`
}

// encodeNode produces the stored payload for a node. keep=true means the
// stored payload must not be touched.
func encodeNode(node Node) (data []byte, keep bool, err error) {
	switch n := node.(type) {
	case CommandNode:
		if n.Command == nil {
			return nil, true, nil
		}
		data, ok := n.Command.Save()
		return data, !ok, nil
	case SubregistryNode:
		return []byte(n.Registry), false, nil
	case SymlinkNode:
		data, err := codec.Marshal(symlinkPayload{Registry: n.Registry, Command: n.Name})
		if err != nil {
			return nil, false, fmt.Errorf("encode symlink: %w", err)
		}
		return data, false, nil
	default:
		return nil, false, fmt.Errorf("unsupported node %T", node)
	}
}

// decodeNode rebuilds the node stored under tag. Marker tags that fail to
// decode return an error; command tags never do because construction
// failures fall back to BrokenCommand (the error is still returned for
// logging).
func decodeNode(types *TypeRegistry, tag string, data []byte) (Node, error) {
	switch tag {
	case domain.TypeSubregistry:
		if len(data) == 0 {
			return nil, fmt.Errorf("subregistry without target")
		}
		return SubregistryNode{Registry: string(data)}, nil
	case domain.TypeSymlink:
		var p symlinkPayload
		if err := codec.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode symlink: %w", err)
		}
		if p.Registry == "" || p.Command == "" {
			return nil, fmt.Errorf("symlink without target")
		}
		return SymlinkNode{Registry: p.Registry, Name: NormalizeName(p.Command)}, nil
	}
	cmd, err := types.Construct(tag, data)
	return CommandNode{Command: cmd}, err
}

// BrokenCommand stands in for a command whose type is unknown or whose
// payload could not be constructed. It keeps the stored payload intact.
type BrokenCommand struct {
	Tag    string
	Reason string
}

func (b *BrokenCommand) Execute(context.Context, Invocation) (Reply, error) {
	return Reply{Text: fmt.Sprintf("⚠️ This command is broken (`%s`): %s", b.Tag, b.Reason)}, nil
}

func (b *BrokenCommand) Save() ([]byte, bool) { return nil, false }
