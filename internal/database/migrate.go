package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrations embed.FS

// Migrate applies every pending schema migration for the store's driver.
func (s *SQLStore) Migrate() error {
	src, err := iofs.New(migrations, "migrations/"+s.driver)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	var driver migratedb.Driver
	switch s.driver {
	case DriverPostgres:
		driver, err = postgres.WithInstance(s.conn, &postgres.Config{})
	case DriverSQLite:
		driver, err = migratesqlite.WithInstance(s.conn, &migratesqlite.Config{})
	default:
		err = fmt.Errorf("unsupported database driver %q", s.driver)
	}
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, s.driver, driver)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}

	// m.Close would close the shared *sql.DB, so it is left to the store
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}
