// Command migrate manages the Tempora run-ledger schema. With no positional
// command it applies every pending migration; "down [n]" rolls back the most
// recent n (default 1). Migrations ship embedded in the binary; -path reads
// them from a directory instead.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/tempora/config"
	"github.com/coachpo/tempora/internal/ledger"
	"github.com/coachpo/tempora/internal/observability"
)

const (
	envLedgerDSN   = "TEMPORA_LEDGER_DSN"
	defaultTimeout = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dsn     = flag.String("database", "", "PostgreSQL DSN; falls back to ledger.dsn in -config, then $TEMPORA_LEDGER_DSN")
		cfgPath = flag.String("config", "", "Path to a Tempora YAML configuration")
		dir     = flag.String("path", "", "Directory containing SQL migrations; empty uses the embedded set")
		timeout = flag.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		verbose = flag.Bool("v", false, "Enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	observability.SetLogger(observability.NewTextLogger(level))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	cfg, err := config.Load(ctx, *cfgPath)
	if err != nil {
		return err
	}

	database := firstNonEmpty(*dsn, cfg.Ledger.DSN, os.Getenv(envLedgerDSN))
	if database == "" {
		return errors.New("database DSN required (-database, ledger.dsn, or $TEMPORA_LEDGER_DSN)")
	}
	migrationsDir := firstNonEmpty(*dir, cfg.Ledger.MigrationsDir)

	args := flag.Args()
	command := "up"
	if len(args) > 0 {
		command = args[0]
	}

	switch command {
	case "up":
		return ledger.Apply(ctx, database, migrationsDir)
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid down steps %q: %w", args[1], err)
			}
			steps = n
		}
		return ledger.Rollback(ctx, database, migrationsDir, steps)
	default:
		return fmt.Errorf("unknown command %q (expected up or down)", command)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
