package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/jkaninda/buildbox/internal/storage"
	"github.com/jkaninda/buildbox/internal/storage/storagetest"
	"github.com/jkaninda/buildbox/internal/workspace"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "nested", "buildbox.db")},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}, slog.Default()); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStoreBasics(t *testing.T) {
	s := openTestStore(t)
	if s.Driver() != storage.DriverSQLite {
		t.Errorf("Driver = %q", s.Driver())
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if s.Workspaces() != s.Workspaces() {
		t.Error("Workspaces should return the same repository")
	}
	// Migrating twice is harmless.
	if err := s.Migrate(context.Background()); err != nil {
		t.Errorf("second Migrate: %v", err)
	}
}

func TestWorkspaceCatalog(t *testing.T) {
	storagetest.RunCatalogTests(t, func(t *testing.T) workspace.Catalog {
		return openTestStore(t).Workspaces()
	})
}
