// Package storage persists the sandbox catalog. The sqlite backend is the
// default; postgres serves deployments that share a catalog.
package storage

import (
	"context"

	"github.com/jkaninda/buildbox/internal/workspace"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store owns a database connection and the catalog built on it.
type Store interface {
	Workspaces() workspace.Catalog
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
	Driver() string
}
