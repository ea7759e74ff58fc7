package core

import (
	"floppa/pkg/domain"
	"fmt"
	"sort"
)

// CommandType describes one pluggable command kind. Construct receives the
// stored payload (nil when the column is NULL); any configuration the type
// needs is bound when it is registered.
type CommandType struct {
	Tag         string
	Description string
	Construct   func(data []byte) (Command, error)
}

// TypeRegistry maps type tags to constructors. It is filled once at startup
// and only read afterwards.
type TypeRegistry struct {
	types map[string]CommandType
}

// NewTypeRegistry constructs an empty type registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{types: make(map[string]CommandType)}
}

// Register adds a command type.
func (r *TypeRegistry) Register(t CommandType) error {
	if t.Tag == "" || t.Construct == nil {
		return fmt.Errorf("command type requires a tag and constructor")
	}
	if t.Tag == domain.TypeSubregistry || t.Tag == domain.TypeSymlink {
		return fmt.Errorf("command type %s is reserved", t.Tag)
	}
	if _, exists := r.types[t.Tag]; exists {
		return fmt.Errorf("command type %s already registered", t.Tag)
	}
	r.types[t.Tag] = t
	return nil
}

// Has reports whether tag is registered.
func (r *TypeRegistry) Has(tag string) bool {
	_, ok := r.types[tag]
	return ok
}

// Types returns registered types sorted by tag.
func (r *TypeRegistry) Types() []CommandType {
	out := make([]CommandType, 0, len(r.types))
	for _, t := range r.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

// Construct builds a command of the given type. On failure the returned
// command is a *BrokenCommand placeholder and the error says why.
func (r *TypeRegistry) Construct(tag string, data []byte) (Command, error) {
	t, ok := r.types[tag]
	if !ok {
		err := fmt.Errorf("%w: %s", domain.ErrUnknownType, tag)
		return &BrokenCommand{Tag: tag, Reason: "unknown command type"}, err
	}
	cmd, err := t.Construct(data)
	if err != nil {
		return &BrokenCommand{Tag: tag, Reason: "stored data could not be loaded"}, fmt.Errorf("construct %s: %w", tag, err)
	}
	if cmd == nil {
		return &BrokenCommand{Tag: tag, Reason: "constructor returned nothing"}, fmt.Errorf("construct %s: nil command", tag)
	}
	return cmd, nil
}
