package ledger

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
	migratefile "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for golang-migrate
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/coachpo/tempora/db/migrations"
	"github.com/coachpo/tempora/internal/observability"
	"github.com/coachpo/tempora/lib/telemetry"
)

var (
	errNotDirectory = errors.New("migrations path must be a directory")

	migrationsCounter     metric.Int64Counter
	migrationsCounterOnce sync.Once
)

// Apply brings the ledger schema at dsn up to date. Migrations come from dir
// when non-empty, otherwise from the copies embedded in the binary.
func Apply(ctx context.Context, dsn, dir string) error {
	return withMigrator(ctx, dsn, dir, func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				recordMigrationMetric(ctx, "noop")
				observability.Log().Info("ledger schema up to date")
				return nil
			}
			recordMigrationMetric(ctx, "failed")
			return fmt.Errorf("ledger: apply migrations: %w", err)
		}
		recordMigrationMetric(ctx, "applied")
		observability.Log().Info("ledger schema migrated")
		return nil
	})
}

// Rollback undoes the most recent steps migrations. Like Apply it reads from
// dir when non-empty and from the embedded copies otherwise.
func Rollback(ctx context.Context, dsn, dir string, steps int) error {
	if steps <= 0 {
		return fmt.Errorf("ledger: rollback steps must be positive, got %d", steps)
	}
	return withMigrator(ctx, dsn, dir, func(m *migrate.Migrate) error {
		if err := m.Steps(-steps); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				recordMigrationMetric(ctx, "noop")
				observability.Log().Info("ledger schema unchanged")
				return nil
			}
			recordMigrationMetric(ctx, "failed")
			return fmt.Errorf("ledger: roll back %d migrations: %w", steps, err)
		}
		recordMigrationMetric(ctx, "rolled_back")
		observability.Log().Info("ledger schema rolled back",
			observability.F("steps", steps))
		return nil
	})
}

// withMigrator resolves the migration source before dialing so a bad path
// fails without touching the database, then hands a ready instance to run.
func withMigrator(ctx context.Context, dsn, dir string, run func(*migrate.Migrate) error) error {
	if strings.TrimSpace(dsn) == "" {
		return fmt.Errorf("ledger: dsn required")
	}

	src, err := openSource(dir)
	if err != nil {
		return err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("ledger: open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			observability.Log().Warn("ledger migrations close",
				observability.F("error", cerr))
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ledger: ping migrations database: %w", err)
	}

	driver, err := pgxv5.WithInstance(db, &pgxv5.Config{})
	if err != nil {
		return fmt.Errorf("ledger: initialise pgx v5 driver: %w", err)
	}

	m, err := migrate.NewWithInstance("migrations", src, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("ledger: initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			observability.Log().Warn("ledger migrations source close",
				observability.F("error", sourceErr))
		}
		if dbErr != nil {
			observability.Log().Warn("ledger migrations db close",
				observability.F("error", dbErr))
		}
	}()

	return run(m)
}

func openSource(dir string) (source.Driver, error) {
	if strings.TrimSpace(dir) == "" {
		src, err := iofs.New(dbmigrations.Files, ".")
		if err != nil {
			return nil, fmt.Errorf("ledger: embedded migrations: %w", err)
		}
		return src, nil
	}
	resolved, err := resolveDir(dir)
	if err != nil {
		return nil, err
	}
	loader := &migratefile.File{}
	src, err := loader.Open(fileURL(resolved))
	if err != nil {
		return nil, fmt.Errorf("ledger: open migrations directory: %w", err)
	}
	return src, nil
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("ledger: resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("ledger: migrations directory: %w", err)
		}
		return "", fmt.Errorf("ledger: stat migrations directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("ledger: migrations directory: %w", errNotDirectory)
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

func recordMigrationMetric(ctx context.Context, result string) {
	migrationsCounterOnce.Do(func() {
		meter := otel.Meter("tempora.ledger")
		counter, err := meter.Int64Counter(telemetry.MetricLedgerMigrations,
			metric.WithDescription("Schema migrations executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
