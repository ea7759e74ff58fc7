package core

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// NormalizeName case-folds a command name to its stored lowercase form.
// cases.Caser is stateful, so a fresh one is built per call.
func NormalizeName(name string) string {
	return cases.Lower(language.Und).String(strings.TrimSpace(name))
}

// ValidName reports whether name may be used for a new command: letters,
// digits, '-' and '_' only.
func ValidName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			return false
		}
	}
	return true
}

// Key addresses one entry: a registry name and a normalized command name.
type Key struct {
	Registry string
	Name     string
}

// NewKey normalizes name and builds a Key.
func NewKey(registry, name string) Key {
	return Key{Registry: registry, Name: NormalizeName(name)}
}

func (k Key) String() string {
	return k.Registry + ":" + k.Name
}

// SplitQualified parses "registry:name", folding both halves; when no
// registry is given the fallback registry is used as is.
func SplitQualified(text, fallback string) Key {
	if registry, name, ok := strings.Cut(text, ":"); ok && registry != "" {
		return NewKey(NormalizeName(registry), name)
	}
	return NewKey(fallback, strings.TrimPrefix(text, ":"))
}
