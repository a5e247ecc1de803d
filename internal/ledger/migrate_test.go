package ledger_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coachpo/tempora/internal/ledger"
)

func TestApplyRequiresDSN(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := ledger.Apply(ctx, "   ", "")
	if err == nil || !strings.Contains(err.Error(), "dsn required") {
		t.Fatalf("Apply with blank dsn = %v, want dsn required", err)
	}
}

func TestApplyValidatesPathBeforeConnecting(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The dsn points at nothing reachable; a connection attempt would fail
	// with a dial error, so a directory error proves validation ran first.
	missing := filepath.Join(t.TempDir(), "missing")
	err := ledger.Apply(ctx, "postgresql://127.0.0.1:1/invalid", missing)
	if err == nil || !strings.Contains(err.Error(), "migrations directory") {
		t.Fatalf("Apply with missing dir = %v, want migrations directory error", err)
	}
}

func TestApplyRejectsFileAsMigrationsPath(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	path := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	err := ledger.Apply(ctx, "postgresql://127.0.0.1:1/invalid", path)
	if err == nil || !strings.Contains(err.Error(), "must be a directory") {
		t.Fatalf("Apply with file path = %v, want directory error", err)
	}
}

func TestRollbackRequiresPositiveSteps(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, steps := range []int{0, -2} {
		err := ledger.Rollback(ctx, "postgresql://127.0.0.1:1/invalid", "", steps)
		if err == nil || !strings.Contains(err.Error(), "must be positive") {
			t.Fatalf("Rollback(steps=%d) = %v, want positive steps error", steps, err)
		}
	}
}

func TestRollbackValidatesPathBeforeConnecting(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := ledger.Rollback(ctx, "postgresql://127.0.0.1:1/invalid", "still-missing", 1)
	if err == nil || !strings.Contains(err.Error(), "migrations directory") {
		t.Fatalf("Rollback with missing dir = %v, want migrations directory error", err)
	}
}
