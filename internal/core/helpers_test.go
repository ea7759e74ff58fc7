package core

import (
	"context"
	"floppa/pkg/domain"
	"testing"
)

// textCommand replies with its stored text.
type textCommand struct {
	text string
}

func (c *textCommand) Execute(context.Context, Invocation) (Reply, error) {
	return Reply{Text: c.text}, nil
}

func (c *textCommand) Save() ([]byte, bool) { return []byte(c.text), true }

// opaqueCommand cannot serialize its state.
type opaqueCommand struct{}

func (opaqueCommand) Execute(context.Context, Invocation) (Reply, error) { return Reply{}, nil }
func (opaqueCommand) Save() ([]byte, bool)                               { return nil, false }

func testTypes(t *testing.T) *TypeRegistry {
	t.Helper()
	types := NewTypeRegistry()
	if err := types.Register(CommandType{
		Tag:       "text",
		Construct: func(data []byte) (Command, error) { return &textCommand{text: string(data)}, nil },
	}); err != nil {
		t.Fatalf("register text: %v", err)
	}
	if err := types.Register(CommandType{
		Tag:       "opaque",
		Construct: func([]byte) (Command, error) { return opaqueCommand{}, nil },
	}); err != nil {
		t.Fatalf("register opaque: %v", err)
	}
	return types
}

func insertText(t *testing.T, table *CommandTable, registry, name, text string) *Entry {
	t.Helper()
	e, err := table.Insert(NewEntry{
		Registry: registry,
		Name:     name,
		Owner:    1,
		Type:     "text",
		Node:     CommandNode{Command: &textCommand{text: text}},
	})
	if err != nil {
		t.Fatalf("insert %s:%s: %v", registry, name, err)
	}
	return e
}

func insertNode(t *testing.T, table *CommandTable, registry, name string, node Node) *Entry {
	t.Helper()
	e, err := table.Insert(NewEntry{Registry: registry, Name: name, Owner: 1, Node: node})
	if err != nil {
		t.Fatalf("insert %s:%s: %v", registry, name, err)
	}
	return e
}

const root = domain.RootRegistry
