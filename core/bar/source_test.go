package bar

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bars.csv")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	return path
}

func TestCSVSourceDrainsFileInOrder(t *testing.T) {
	src := NewCSVSource(writeTempCSV(t, sampleCSV), "BTC-USDT", Minute)
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer src.Stop()

	var seen []time.Time
	for !src.Terminated() {
		when, ok := src.PeekWhen()
		if !ok {
			t.Fatal("peek reported nothing while not terminated")
		}
		ev := src.Pop()
		if ev == nil {
			t.Fatal("pop returned nil after successful peek")
		}
		if !ev.When().Equal(when) {
			t.Fatalf("pop when %s differs from peek %s", ev.When(), when)
		}
		seen = append(seen, ev.When())
	}
	if len(seen) != 2 {
		t.Fatalf("drained %d bars, want 2", len(seen))
	}
	if seen[1].Before(seen[0]) {
		t.Fatalf("bars out of order: %v", seen)
	}
	if err := src.Err(); err != nil {
		t.Fatalf("source error: %v", err)
	}
}

func TestCSVSourceOpensLazilyWithoutStart(t *testing.T) {
	src := NewCSVSource(writeTempCSV(t, sampleCSV), "BTC-USDT", Minute)
	defer src.Stop()
	if _, ok := src.PeekWhen(); !ok {
		t.Fatal("peek should open the file on demand")
	}
}

func TestCSVSourceSurfacesParseErrors(t *testing.T) {
	bad := "datetime,open,high,low,close,volume\n2024-01-01T00:00:00Z,10,11,9,10,not-a-number\n"
	src := NewCSVSource(writeTempCSV(t, bad), "BTC-USDT", Minute)
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer src.Stop()

	if _, ok := src.PeekWhen(); ok {
		t.Fatal("peek should report nothing for a failed source")
	}
	if !src.Terminated() {
		t.Fatal("failed source should be terminated")
	}
	if src.Err() == nil {
		t.Fatal("expected a recorded parse error")
	}
}

func TestCSVSourceStartFailsOnMissingFile(t *testing.T) {
	src := NewCSVSource(filepath.Join(t.TempDir(), "absent.csv"), "BTC-USDT", Minute)
	if err := src.Start(context.Background()); err == nil {
		t.Fatal("expected start to fail for a missing file")
	}
}

func TestCSVSourceSkipsBarsBeforeStart(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC)
	src := NewCSVSource(writeTempCSV(t, sampleCSV), "BTC-USDT", Minute, WithStart(start))
	defer src.Stop()

	when, ok := src.PeekWhen()
	if !ok {
		t.Fatal("expected a bar at or after the start instant")
	}
	// The bar closing exactly at start stays; only the earlier one is dropped.
	if !when.Equal(start) {
		t.Fatalf("first bar %s, want %s", when, start)
	}
	if src.Pop() == nil {
		t.Fatal("pop returned nil after successful peek")
	}
	if !src.Terminated() {
		t.Fatal("source should drain once the remaining rows are consumed")
	}
	if err := src.Err(); err != nil {
		t.Fatalf("source error: %v", err)
	}
}

func TestTradeAggregatorRollsWindows(t *testing.T) {
	agg := NewTradeAggregator("BTC-USDT", Minute)
	at := func(sec int) time.Time {
		return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(sec) * time.Second)
	}
	trade := func(sec int, price, size string) *Trade {
		tr, err := NewTrade("BTC-USDT", at(sec), dec(t, price), dec(t, size))
		if err != nil {
			t.Fatalf("trade: %v", err)
		}
		return tr
	}

	for _, tr := range []*Trade{
		trade(5, "100", "1"),
		trade(20, "103", "2"),
		trade(45, "99", "1"),
		trade(59, "101", "0.5"),
	} {
		done, err := agg.Ingest(tr)
		if err != nil {
			t.Fatalf("ingest: %v", err)
		}
		if done != nil {
			t.Fatalf("window closed early at %s", tr.When())
		}
	}

	// A trade exactly on the boundary opens the next window.
	done, err := agg.Ingest(trade(60, "102", "1"))
	if err != nil {
		t.Fatalf("ingest boundary: %v", err)
	}
	if done == nil {
		t.Fatal("expected the first window to close")
	}
	if !done.When().Equal(at(60)) {
		t.Fatalf("bar close %s, want %s", done.When(), at(60))
	}
	if !done.Open.Equal(dec(t, "100")) || !done.High.Equal(dec(t, "103")) ||
		!done.Low.Equal(dec(t, "99")) || !done.Close.Equal(dec(t, "101")) {
		t.Fatalf("ohlc = %s/%s/%s/%s", done.Open, done.High, done.Low, done.Close)
	}
	if !done.Volume.Equal(dec(t, "4.5")) {
		t.Fatalf("volume = %s, want 4.5", done.Volume)
	}

	partial, err := agg.Flush()
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if partial == nil || !partial.Open.Equal(dec(t, "102")) {
		t.Fatalf("flush = %v", partial)
	}
	if again, err := agg.Flush(); err != nil || again != nil {
		t.Fatalf("second flush = %v, %v", again, err)
	}
}

func TestTradeAggregatorIgnoresOtherSymbols(t *testing.T) {
	agg := NewTradeAggregator("BTC-USDT", Minute)
	tr, err := NewTrade("ETH-USDT", time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC), dec(t, "10"), dec(t, "1"))
	if err != nil {
		t.Fatalf("trade: %v", err)
	}
	if done, err := agg.Ingest(tr); err != nil || done != nil {
		t.Fatalf("ingest foreign symbol = %v, %v", done, err)
	}
	if b, err := agg.Flush(); err != nil || b != nil {
		t.Fatalf("flush after foreign symbol = %v, %v", b, err)
	}
}

func TestTradeAggregatorRejectsBackwardTrades(t *testing.T) {
	agg := NewTradeAggregator("BTC-USDT", Minute)
	mk := func(sec int) *Trade {
		tr, err := NewTrade("BTC-USDT", time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC).Add(time.Duration(sec)*time.Second), dec(t, "10"), dec(t, "1"))
		if err != nil {
			t.Fatalf("trade: %v", err)
		}
		return tr
	}
	if _, err := agg.Ingest(mk(30)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := agg.Ingest(mk(-30)); err == nil {
		t.Fatal("expected error for a trade before the open window")
	}
}
