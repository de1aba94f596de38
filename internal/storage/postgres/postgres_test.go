package postgres

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jkaninda/buildbox/internal/storage"
	"github.com/jkaninda/buildbox/internal/storage/storagetest"
	"github.com/jkaninda/buildbox/internal/workspace"
)

// setupTestStore starts a PostgreSQL container and returns a migrated Store.
// Tests are skipped if a container runtime is not available.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	if testing.Short() || os.Getenv("SKIP_INTEGRATION") == "true" {
		t.Skip("skipping PostgreSQL integration tests")
	}
	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("buildbox_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Skipf("skipping: could not start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("getting connection string: %v", err)
	}

	s, err := Open(Config{DSN: dsn, MaxOpenConns: 5}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(Config{}, slog.Default()); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestOpenRejectsBadDSN(t *testing.T) {
	if _, err := Open(Config{DSN: "postgres://%zz"}, slog.Default()); err == nil {
		t.Fatal("expected error for malformed DSN")
	}
}

func TestConfigDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	if c.MaxOpenConns != 25 || c.MaxIdleConns != 5 {
		t.Errorf("pool defaults = %d/%d", c.MaxOpenConns, c.MaxIdleConns)
	}
	if c.ConnMaxLifetime != 30*time.Minute || c.ConnMaxIdleTime != 10*time.Minute {
		t.Errorf("lifetime defaults = %v/%v", c.ConnMaxLifetime, c.ConnMaxIdleTime)
	}

	kept := Config{MaxOpenConns: 3}.withDefaults()
	if kept.MaxOpenConns != 3 {
		t.Errorf("explicit MaxOpenConns overwritten: %d", kept.MaxOpenConns)
	}
}

func TestWorkspaceRepository(t *testing.T) {
	store := setupTestStore(t)

	if store.Driver() != storage.DriverPostgres {
		t.Errorf("Driver = %q", store.Driver())
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	storagetest.RunCatalogTests(t, func(t *testing.T) workspace.Catalog {
		if err := store.db.Exec("TRUNCATE TABLE workspaces").Error; err != nil {
			t.Fatalf("truncating: %v", err)
		}
		return NewWorkspaceRepository(store.db)
	})
}
