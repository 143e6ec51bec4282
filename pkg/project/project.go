// Package project resolves the per-project data directory layout.
//
// Every project gets its own directory under the worklog data root
// (WORKLOG_DATA_DIR, defaulting to ~/.worklog), holding the primary
// database, the event database, and the avatar directory. Keeping the
// event database per project means independent projects never share
// event sequences.
package project

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Context describes one project's on-disk layout.
type Context struct {
	// Name is the sanitized project name, derived from the project path.
	Name string

	dir string
}

// New resolves the project context for the given project path. An empty
// path selects the "default" project. The data root comes from
// WORKLOG_DATA_DIR, falling back to ~/.worklog.
func New(projectPath string) (*Context, error) {
	base := os.Getenv("WORKLOG_DATA_DIR")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		base = filepath.Join(home, ".worklog")
	}

	name := "default"
	if projectPath != "" {
		abs, err := filepath.Abs(projectPath)
		if err != nil {
			return nil, fmt.Errorf("resolving project path: %w", err)
		}
		name = sanitizeName(filepath.Base(abs))
	}

	return &Context{
		Name: name,
		dir:  filepath.Join(base, name),
	}, nil
}

// sanitizeName keeps alphanumerics, hyphens and underscores; everything
// else becomes an underscore so the name is safe as a directory name.
func sanitizeName(s string) string {
	if s == "" {
		return "default"
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Dir returns the project's root data directory.
func (c *Context) Dir() string {
	return c.dir
}

// DatabasePath returns the path of the primary worklog database.
func (c *Context) DatabasePath() string {
	return filepath.Join(c.dir, "database", "worklog.db")
}

// EventDatabasePath returns the path of the event-bus database. It is a
// separate file from the primary database on purpose: the two stores
// are written by different processes and only the event store is
// scanned sequentially.
func (c *Context) EventDatabasePath() string {
	return filepath.Join(c.dir, "database", "events.db")
}

// AvatarDir returns the directory holding generated avatar images.
func (c *Context) AvatarDir() string {
	return filepath.Join(c.dir, "avatar")
}

// EnsureDirs creates all project directories.
func (c *Context) EnsureDirs() error {
	for _, dir := range []string{
		filepath.Join(c.dir, "database"),
		c.AvatarDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}
