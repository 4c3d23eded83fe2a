package migrations

import (
	"embed"
	"io/fs"
	"sort"
	"strings"
)

// Migration represents a single SQL migration to apply in order.
type Migration struct {
	ID     string
	Script string
}

//go:embed *.sql
var files embed.FS

// All returns every embedded migration ordered by file name.
func All() ([]Migration, error) {
	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	out := make([]Migration, 0, len(names))
	for _, name := range names {
		script, err := files.ReadFile(name)
		if err != nil {
			return nil, err
		}
		out = append(out, Migration{ID: strings.TrimSuffix(name, ".sql"), Script: string(script)})
	}
	return out, nil
}
