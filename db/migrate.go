package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Migrations are numbered NNNNNN_name.{up,down}.sql.
//
//go:embed migrations/*.sql
var migrationsFS embed.FS

func migrationLogger() *slog.Logger {
	return slog.Default().With(slog.String("component", "db_migrate"))
}

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("postgres migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

// apply runs step and reports where the schema ended up. ErrNoChange is not
// an error; a dirty schema is.
func apply(db *sql.DB, what string, step func(*migrate.Migrate) error) error {
	logger := migrationLogger().With(slog.String("op", what))
	m, err := newMigrate(db)
	if err != nil {
		return err
	}
	if err := step(m); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("schema unchanged")
			return nil
		}
		return fmt.Errorf("%s: %w", what, err)
	}

	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		logger.Info("schema empty")
		return nil
	case err != nil:
		logger.Warn("could not read schema version", slog.Any("err", err))
		return nil
	case dirty:
		return fmt.Errorf("%s left schema version %d dirty, fix it by hand", what, version)
	}
	logger.Info("schema migrated", slog.Uint64("version", uint64(version)))
	return nil
}

// RunMigrations applies every pending migration. Safe to run on each start.
func RunMigrations(db *sql.DB) error {
	return apply(db, "migrate up", func(m *migrate.Migrate) error { return m.Up() })
}

// MigrateDown rolls back the latest migration. Dropping the bindings schema
// loses every tracked channel.
func MigrateDown(db *sql.DB) error {
	return apply(db, "migrate down", func(m *migrate.Migrate) error { return m.Steps(-1) })
}

// GetMigrationVersion returns the schema version, 0 when nothing was applied.
func GetMigrationVersion(db *sql.DB) (uint, bool, error) {
	m, err := newMigrate(db)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("schema version: %w", err)
	}
	return version, dirty, nil
}

// migrateLogger routes golang-migrate's chatter to slog at debug level.
type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...any) {
	migrationLogger().Debug(fmt.Sprintf(format, v...))
}

func (migrateLogger) Verbose() bool { return false }
