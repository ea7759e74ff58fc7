// Package testutil provides test helpers that enforce the import boundaries
// between the domain, the message handling layers and the storage drivers.
package testutil

import (
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// AssertNoDirectImports parses every non-test .go file in dir (typically "."
// from within the package) and fails if any import path satisfies forbidden.
// Build tags are not evaluated.
func AssertNoDirectImports(t testing.TB, dir string, forbidden func(importPath string) bool, reason string) {
	t.Helper()
	viols, err := directImportViolations(dir, forbidden)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	failIfDirectViolations(t, reason, viols)
}

// InternalImport matches import paths inside any internal/ tree.
func InternalImport(path string) bool {
	return strings.Contains(path, "/internal/")
}

// StorageDriverImport matches database drivers, database/sql and the
// persistence backends.
func StorageDriverImport(path string) bool {
	switch {
	case path == "database/sql",
		strings.HasPrefix(path, "modernc.org/sqlite"),
		strings.HasPrefix(path, "github.com/jackc/pgx"),
		strings.Contains(path, "/internal/infra/persistence"):
		return true
	}
	return false
}

// TransportImport matches chat transports and the gateway package.
func TransportImport(path string) bool {
	return strings.HasPrefix(path, "github.com/gorilla/websocket") ||
		strings.HasSuffix(path, "/internal/gateway")
}

// Any combines predicates.
func Any(preds ...func(string) bool) func(string) bool {
	return func(path string) bool {
		for _, p := range preds {
			if p(path) {
				return true
			}
		}
		return false
	}
}

func directImportViolations(dir string, forbidden func(importPath string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	fset := token.NewFileSet()
	var viols []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		file, err := parser.ParseFile(fset, filepath.Join(dir, name), nil, parser.ImportsOnly)
		if err != nil {
			return nil, err
		}
		for _, imp := range file.Imports {
			ip := strings.Trim(imp.Path.Value, "\"")
			if forbidden(ip) {
				viols = append(viols, ip+" (in "+name+")")
			}
		}
	}
	return viols, nil
}

type fatalLogger interface {
	Fatalf(format string, args ...any)
}

func failIfDirectViolations(t fatalLogger, reason string, viols []string) {
	if len(viols) > 0 {
		t.Fatalf("forbidden direct imports detected (%s):\n%s", reason, strings.Join(viols, "\n"))
	}
}
