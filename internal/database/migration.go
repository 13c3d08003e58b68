// internal/database/migration.go
package database

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"

	"console-service/internal/config"
)

// Migrator applies the schema migrations under migrations/ at startup and
// exposes the retention hook defined by them.
type Migrator struct {
	db     *DB
	logger *zap.Logger
	config *config.DatabaseConfig
}

func NewMigrator(db *DB, logger *zap.Logger, config *config.DatabaseConfig) *Migrator {
	return &Migrator{db: db, logger: logger, config: config}
}

// Up applies all pending migrations. Already being at the latest version is
// not an error.
func (m *Migrator) Up() error {
	return m.run(func(mg *migrate.Migrate) error {
		if err := mg.Up(); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				m.logger.Info("Database schema already up to date")
				return nil
			}
			return fmt.Errorf("migration up failed: %w", err)
		}

		version, dirty, _ := mg.Version()
		m.logger.Info("Database migrations applied",
			zap.Uint("version", version),
			zap.Bool("dirty", dirty))
		return nil
	})
}

// Down rolls back every migration. Used by operational tooling, never by the
// server itself.
func (m *Migrator) Down() error {
	return m.run(func(mg *migrate.Migrate) error {
		if err := mg.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migration down failed: %w", err)
		}
		m.logger.Info("Database migrations rolled back")
		return nil
	})
}

// Version reports the current schema version and dirty flag
func (m *Migrator) Version() (version uint, dirty bool, err error) {
	err = m.run(func(mg *migrate.Migrate) error {
		var verr error
		version, dirty, verr = mg.Version()
		if verr != nil {
			return fmt.Errorf("failed to get version: %w", verr)
		}
		return nil
	})
	return version, dirty, err
}

// Force overwrites the recorded schema version after a manual repair
func (m *Migrator) Force(version int) error {
	return m.run(func(mg *migrate.Migrate) error {
		if err := mg.Force(version); err != nil {
			return fmt.Errorf("failed to force version %d: %w", version, err)
		}
		m.logger.Warn("Migration version forced", zap.Int("version", version))
		return nil
	})
}

// RunRetention invokes the cleanup_old_sessions() function installed by the
// command history migration. Session rows past the retention window go away
// together with their history via the cascade.
func (m *Migrator) RunRetention() error {
	if _, err := m.db.Exec("SELECT cleanup_old_sessions()"); err != nil {
		return fmt.Errorf("retention cleanup failed: %w", err)
	}
	return nil
}

func (m *Migrator) run(fn func(*migrate.Migrate) error) error {
	driver, err := postgres.WithInstance(m.db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	migrationsPath, err := filepath.Abs("migrations")
	if err != nil {
		return fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	mg, err := migrate.NewWithDatabaseInstance("file://"+migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer mg.Close()

	return fn(mg)
}
