package storage

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RunMigrations applies all pending up migrations. An empty migrationsDir uses
// the migrations compiled into the binary.
func RunMigrations(dbURL, migrationsDir string) error {
	var (
		m   *migrate.Migrate
		err error
	)
	if migrationsDir != "" {
		m, err = migrate.New("file://"+migrationsDir, dbURL)
	} else {
		src, serr := iofs.New(migrationsFS, "migrations")
		if serr != nil {
			return fmt.Errorf("opening embedded migrations: %w", serr)
		}
		m, err = migrate.NewWithSourceInstance("iofs", src, dbURL)
	}
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}
