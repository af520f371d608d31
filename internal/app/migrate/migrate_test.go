package migrate

import (
	"io/fs"
	"testing"
)

func TestNewRequiresDSN(t *testing.T) {
	if _, err := New("", "", nil); err == nil {
		t.Fatal("expected empty dsn to fail")
	}
}

func TestNewFallsBackToEmbeddedMigrations(t *testing.T) {
	r, err := New("postgres://localhost/test", "/does/not/exist", nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if r.source != "embedded" {
		t.Fatalf("expected embedded source, got %q", r.source)
	}
	files, err := fs.Glob(r.migrations, "*.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(files) < 4 {
		t.Fatalf("expected embedded migrations, got %v", files)
	}
}

func TestNewUsesDirectoryWhenPresent(t *testing.T) {
	dir := t.TempDir()
	r, err := New("postgres://localhost/test", dir, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if r.source != dir {
		t.Fatalf("expected directory source %q, got %q", dir, r.source)
	}
}
