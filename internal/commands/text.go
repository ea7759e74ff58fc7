package commands

import (
	"context"
	"errors"
	"floppa/internal/core"
	"unicode/utf8"
)

// textCommand replies with a fixed body. Its payload is the UTF-8 body.
type textCommand struct {
	body string
}

func newText(data []byte) (core.Command, error) {
	if !utf8.Valid(data) {
		return nil, errors.New("text payload is not valid UTF-8")
	}
	return &textCommand{body: string(data)}, nil
}

func (c *textCommand) Execute(context.Context, core.Invocation) (core.Reply, error) {
	return core.Reply{Text: c.body}, nil
}

func (c *textCommand) Save() ([]byte, bool) { return []byte(c.body), true }
