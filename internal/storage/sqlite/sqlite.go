// Package sqlite stores the sandbox catalog in a local SQLite file. It is the
// zero-configuration default and needs no CGO (glebarez/sqlite on
// modernc.org/sqlite). The schema and repository are shared with the
// postgres package; GORM's dialect covers the differences.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/buildbox/internal/storage"
	pgstore "github.com/jkaninda/buildbox/internal/storage/postgres"
	"github.com/jkaninda/buildbox/internal/workspace"
)

const defaultJournalMode = "wal"

// Config locates the database file.
type Config struct {
	Path        string
	JournalMode string // Default: wal.
}

// Store is the SQLite storage.Store.
type Store struct {
	db         *gorm.DB
	sqlDB      *sql.DB
	path       string
	workspaces workspace.Catalog
}

// Open creates the parent directory if needed and opens the database file.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	mode := cfg.JournalMode
	if mode == "" {
		mode = defaultJournalMode
	}

	db, err := storage.OpenGorm(sqlite.Open(dsn(cfg.Path, mode)), logger, false)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %s: %w", cfg.Path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %s: %w", cfg.Path, err)
	}

	logger.Info("sqlite catalog opened", slog.String("path", cfg.Path), slog.String("journal_mode", mode))
	return &Store{
		db:         db,
		sqlDB:      sqlDB,
		path:       cfg.Path,
		workspaces: pgstore.NewWorkspaceRepository(db),
	}, nil
}

// dsn enables the journal mode, a 5s busy timeout and foreign keys.
func dsn(path, journalMode string) string {
	return fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path, journalMode)
}

func (s *Store) Workspaces() workspace.Catalog { return s.workspaces }

// Migrate creates or updates the catalog tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(pgstore.Models()...); err != nil {
		return fmt.Errorf("migrating sqlite: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.sqlDB.PingContext(ctx) }

func (s *Store) Close() error { return s.sqlDB.Close() }

func (s *Store) Driver() string { return storage.DriverSQLite }

// Path is the database file.
func (s *Store) Path() string { return s.path }

var _ storage.Store = (*Store)(nil)
