package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/banshee-data/bottle.report/internal/monitoring"
)

// MigrateUp runs all pending migrations up to the latest version. Returns nil
// if the database is already at the latest version.
func (s *Store) MigrateUp(ctx context.Context, migrationsDir string) error {
	_, err := s.do(ctx, func(_ context.Context, c *core) (any, error) {
		return nil, migrateUp(c.db, migrationsDir)
	})
	return err
}

// MigrateDown rolls back the most recent migration.
func (s *Store) MigrateDown(ctx context.Context, migrationsDir string) error {
	_, err := s.do(ctx, func(_ context.Context, c *core) (any, error) {
		m, err := newMigrate(c.db, migrationsDir)
		if err != nil {
			return nil, err
		}
		if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return nil, fmt.Errorf("migration down failed: %w", err)
		}
		return nil, nil
	})
	return err
}

// MigrateVersion returns the current migration version and dirty state.
// Returns 0, false, nil if no migrations have been applied yet.
func (s *Store) MigrateVersion(ctx context.Context, migrationsDir string) (version uint, dirty bool, err error) {
	type result struct {
		version uint
		dirty   bool
	}
	v, err := s.do(ctx, func(_ context.Context, c *core) (any, error) {
		m, err := newMigrate(c.db, migrationsDir)
		if err != nil {
			return nil, err
		}
		version, dirty, err := m.Version()
		if err != nil && errors.Is(err, migrate.ErrNilVersion) {
			return result{}, nil
		}
		if err != nil {
			return nil, err
		}
		return result{version: version, dirty: dirty}, nil
	})
	if err != nil {
		return 0, false, err
	}
	r := v.(result)
	return r.version, r.dirty, nil
}

func migrateUp(db *sql.DB, migrationsDir string) error {
	m, err := newMigrate(db, migrationsDir)
	if err != nil {
		return err
	}
	// Note: m is not closed because that would close the underlying DB
	// connection, which the worker still owns.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// newMigrate creates a migrate instance bound to the store's connection.
func newMigrate(db *sql.DB, migrationsDir string) (*migrate.Migrate, error) {
	absPath, err := filepath.Abs(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", absPath),
		"sqlite",
		driver,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	m.Log = &migrateLogger{}
	return m, nil
}

// migrateLogger implements the migrate.Logger interface.
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}
