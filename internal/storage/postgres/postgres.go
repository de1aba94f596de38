// Package postgres stores the sandbox catalog in PostgreSQL through GORM,
// with pgx as the database/sql driver. Use it when several buildbox
// instances share one catalog.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/jkaninda/buildbox/internal/storage"
	"github.com/jkaninda/buildbox/internal/workspace"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute
)

// Config configures the connection and its pool. Zero values take the
// package defaults.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = defaultMaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = defaultMaxIdleConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = defaultConnMaxLifetime
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = defaultConnMaxIdleTime
	}
	return c
}

// Store is the PostgreSQL storage.Store.
type Store struct {
	db         *gorm.DB
	sqlDB      *sql.DB
	workspaces *WorkspaceRepository
}

// Open connects to PostgreSQL. The schema is created by Migrate.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	pgxCfg, err := pgx.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres DSN: %w", err)
	}
	cfg = cfg.withDefaults()

	sqlDB := stdlib.OpenDB(*pgxCfg)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	db, err := storage.OpenGorm(postgres.New(postgres.Config{Conn: sqlDB}), logger, true)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	logger.Info("postgres catalog opened",
		slog.String("host", pgxCfg.Host),
		slog.String("database", pgxCfg.Database),
		slog.Int("max_open_conns", cfg.MaxOpenConns),
	)
	return &Store{db: db, sqlDB: sqlDB, workspaces: NewWorkspaceRepository(db)}, nil
}

func (s *Store) Workspaces() workspace.Catalog { return s.workspaces }

// Migrate creates or updates the catalog tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("migrating postgres: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.sqlDB.PingContext(ctx) }

func (s *Store) Close() error { return s.sqlDB.Close() }

func (s *Store) Driver() string { return storage.DriverPostgres }

var _ storage.Store = (*Store)(nil)
