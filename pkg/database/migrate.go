package database

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/courierflow/dispatch/pkg/config"
)

// RunMigrations applies all pending schema migrations from the configured
// migrations directory. A database already at the latest version is not an
// error.
func RunMigrations(cfg *config.DatabaseConfig) error {
	sourceURL := "file://" + cfg.MigrationsDir

	m, err := migrate.New(sourceURL, cfg.URL())
	if err != nil {
		return fmt.Errorf("failed to open migration source: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}
