package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	dbmigrations "github.com/quantex/tradelink/db/migrations"
)

var errNotDirectory = errors.New("migrations path must be a directory")

// Apply runs the SQL migrations in migrationsDir against the Postgres
// instance reachable via dsn. An empty migrationsDir uses the SQL embedded in
// the binary. A nil logger disables informational logging.
func Apply(ctx context.Context, dsn, migrationsDir string, logger *log.Logger) error {
	m, cleanup, err := newMigrator(ctx, dsn, migrationsDir, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if logger != nil {
		logger.Printf("running database migrations: path=%s", defaultIfBlank(migrationsDir, "embedded"))
	}
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			if logger != nil {
				logger.Printf("database migrations up-to-date")
			}
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}
	if logger != nil {
		logger.Printf("database migrations applied successfully")
	}
	return nil
}

// Rollback reverts the given number of migration steps.
func Rollback(ctx context.Context, dsn, migrationsDir string, steps int, logger *log.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be >0")
	}
	m, cleanup, err := newMigrator(ctx, dsn, migrationsDir, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := m.Steps(-steps); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			if logger != nil {
				logger.Printf("no migrations to roll back")
			}
			return nil
		}
		return fmt.Errorf("rollback migrations: %w", err)
	}
	if logger != nil {
		logger.Printf("rolled back %d migration step(s)", steps)
	}
	return nil
}

func newMigrator(ctx context.Context, dsn, migrationsDir string, logger *log.Logger) (*migrate.Migrate, func(), error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open migrations connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	var m *migrate.Migrate
	if strings.TrimSpace(migrationsDir) == "" {
		src, srcErr := iofs.New(dbmigrations.Files, ".")
		if srcErr != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("open embedded migrations: %w", srcErr)
		}
		m, err = migrate.NewWithInstance("iofs", src, "pgx5", driver)
	} else {
		var resolvedDir string
		resolvedDir, err = resolveDir(migrationsDir)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		m, err = migrate.NewWithDatabaseInstance(fileURL(resolvedDir), "pgx5", driver)
	}
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("initialise migrate instance: %w", err)
	}

	cleanup := func() {
		sourceErr, dbErr := m.Close()
		if logger == nil {
			return
		}
		if sourceErr != nil {
			logger.Printf("database migrations source close: %v", sourceErr)
		}
		if dbErr != nil {
			logger.Printf("database migrations db close: %v", dbErr)
		}
	}
	return m, cleanup, nil
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}
	return abs, nil
}

func defaultIfBlank(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}
