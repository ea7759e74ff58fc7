package domain

import "errors"

var (
	// ErrNotFound reports a missing command or registry.
	ErrNotFound = errors.New("not found")
	// ErrCommandExists reports a (registry, name) collision.
	ErrCommandExists = errors.New("command already exists")
	// ErrInvalidName reports a command name with disallowed characters.
	ErrInvalidName = errors.New("command names must consist of alphanumeric characters, `-` or `_`")
	// ErrInvalidRole reports role text that does not parse.
	ErrInvalidRole = errors.New("invalid role")
	// ErrUnknownType reports an unregistered command type tag.
	ErrUnknownType = errors.New("unknown command type")
	// ErrPermissionDenied reports a failed role check.
	ErrPermissionDenied = errors.New("permission denied")
)
