package project

import (
	"path/filepath"
	"testing"
)

func TestNewDefaultProject(t *testing.T) {
	t.Setenv("WORKLOG_DATA_DIR", t.TempDir())

	ctx, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if ctx.Name != "default" {
		t.Errorf("Name = %q, want default", ctx.Name)
	}
}

func TestNewDerivesNameFromPath(t *testing.T) {
	t.Setenv("WORKLOG_DATA_DIR", t.TempDir())

	ctx, err := New("/tmp/my cool project!")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if ctx.Name != "my_cool_project_" {
		t.Errorf("Name = %q, want my_cool_project_", ctx.Name)
	}
}

func TestLayoutSeparatesEventStore(t *testing.T) {
	base := t.TempDir()
	t.Setenv("WORKLOG_DATA_DIR", base)

	ctx, err := New("/tmp/proj-a")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if ctx.DatabasePath() == ctx.EventDatabasePath() {
		t.Fatal("primary and event databases must be separate files")
	}
	want := filepath.Join(base, "proj-a", "database", "events.db")
	if ctx.EventDatabasePath() != want {
		t.Errorf("EventDatabasePath = %q, want %q", ctx.EventDatabasePath(), want)
	}
}

func TestProjectsDoNotShareDirs(t *testing.T) {
	t.Setenv("WORKLOG_DATA_DIR", t.TempDir())

	a, err := New("/tmp/proj-a")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New("/tmp/proj-b")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.Dir() == b.Dir() {
		t.Fatal("distinct projects resolved to the same directory")
	}
}

func TestEnsureDirs(t *testing.T) {
	t.Setenv("WORKLOG_DATA_DIR", t.TempDir())

	ctx, err := New("/tmp/proj-a")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ctx.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	// Second call is a no-op.
	if err := ctx.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs (repeat): %v", err)
	}
}
