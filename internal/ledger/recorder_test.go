package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tempora/exchange"
	"github.com/coachpo/tempora/internal/ledger"
)

func testOrderEvent(t *testing.T) *exchange.OrderEvent {
	t.Helper()
	pair := mustPair(t)
	at := time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)
	order := exchange.OrderInfo{
		ID:          "ord-1",
		Pair:        pair,
		Side:        exchange.SideBuy,
		Type:        exchange.OrderTypeMarket,
		State:       exchange.OrderStateFilled,
		Amount:      decimal.NewFromInt(1),
		Filled:      decimal.NewFromInt(1),
		SubmittedAt: at,
		UpdatedAt:   at,
	}
	return exchange.NewOrderEvent(at, order, nil)
}

func TestRecorderDisabledWithoutStore(t *testing.T) {
	ctx := context.Background()
	rec, err := ledger.NewRecorder(nil, ledger.Run{})
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	if rec.Enabled() {
		t.Fatal("expected recorder to be disabled")
	}
	if err := rec.Begin(ctx); err != nil {
		t.Fatalf("begin: %v", err)
	}
	rec.Observe(ctx, testOrderEvent(t))
	if err := rec.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := rec.Finish(ctx, time.Now(), decimal.Zero); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := rec.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if rec.Dropped() != 0 {
		t.Fatalf("expected no drops, got %d", rec.Dropped())
	}
}

func TestNewRecorderRequiresRunID(t *testing.T) {
	if _, err := ledger.NewRecorder(ledger.NewStore(nil), ledger.Run{}); err == nil {
		t.Fatal("expected error for missing run id")
	}
}

func TestRecorderSurfacesWriteFailuresAtFlush(t *testing.T) {
	ctx := context.Background()
	// A store without a pool fails every write; the failure must surface at
	// Flush, not at Observe.
	rec, err := ledger.NewRecorder(ledger.NewStore(nil), ledger.Run{
		ID:        uuid.NewString(),
		Mode:      ledger.ModeBacktest,
		StartedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	rec.Observe(ctx, testOrderEvent(t))
	if err := rec.Flush(ctx); err == nil {
		t.Fatal("expected flush to surface the write failure")
	}
	if err := rec.Close(ctx); err == nil {
		t.Fatal("expected close to keep reporting the failure")
	}
}
