// Package migrations wires golang-migrate execution for the orders schema.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/coachpo/ordersync/db/migrations"
	"github.com/coachpo/ordersync/internal/infra/telemetry"
)

// Embedded selects the SQL files compiled into the binary instead of a directory.
const Embedded = "embedded"

var (
	errNotDirectory = errors.New("migrations path must be a directory")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply runs all pending up migrations. dir is a filesystem directory or Embedded.
// A nil logger disables informational logging.
func Apply(ctx context.Context, dsn, dir string, logger *logrus.Entry) error {
	return run(ctx, dsn, dir, logger, func(m *migrate.Migrate) error { return m.Up() }, "up")
}

// Rollback reverts the given number of migrations.
func Rollback(ctx context.Context, dsn, dir string, steps int, logger *logrus.Entry) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive, got %d", steps)
	}
	return run(ctx, dsn, dir, logger, func(m *migrate.Migrate) error { return m.Steps(-steps) }, "down")
}

func run(ctx context.Context, dsn, dir string, logger *logrus.Entry, step func(*migrate.Migrate) error, direction string) error {
	src, label, err := openSource(dir)
	if err != nil {
		return err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		_ = src.Close()
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && logger != nil {
			logger.WithError(cerr).Warn("database migrations close")
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		_ = src.Close()
		return fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		_ = src.Close()
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	m, err := migrate.NewWithInstance("ordersync", src, "pgx5", driver)
	if err != nil {
		_ = src.Close()
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if logger == nil {
			return
		}
		if sourceErr != nil {
			logger.WithError(sourceErr).Warn("database migrations source close")
		}
		if dbErr != nil {
			logger.WithError(dbErr).Warn("database migrations db close")
		}
	}()

	if logger != nil {
		logger.WithFields(logrus.Fields{"path": label, "direction": direction}).Info("running database migrations")
	}

	if err := step(m); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop", direction)
			if logger != nil {
				logger.Info("database migrations up-to-date")
			}
			return nil
		}
		recordMigrationMetric(ctx, "failed", direction)
		return fmt.Errorf("apply migrations %s: %w", direction, err)
	}

	if logger != nil {
		logger.Info("database migrations applied successfully")
	}
	recordMigrationMetric(ctx, "applied", direction)
	return nil
}

func openSource(dir string) (source.Driver, string, error) {
	if strings.TrimSpace(dir) == Embedded {
		src, err := iofs.New(dbmigrations.Files, ".")
		if err != nil {
			return nil, "", fmt.Errorf("open embedded migrations: %w", err)
		}
		return src, Embedded, nil
	}
	resolved, err := resolveDir(dir)
	if err != nil {
		return nil, "", err
	}
	src, err := source.Open(fileURL(resolved))
	if err != nil {
		return nil, "", fmt.Errorf("open migrations source: %w", err)
	}
	return src, resolved, nil
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

func recordMigrationMetric(ctx context.Context, result, direction string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("ordersync_db_migrations_total",
			metric.WithDescription("Migration runs executed via golang-migrate"),
			metric.WithUnit("{run}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("result", result),
		attribute.String("direction", direction),
	))
}
