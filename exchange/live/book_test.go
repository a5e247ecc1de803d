package live

import (
	"testing"

	"github.com/shopspring/decimal"
)

func level(t *testing.T, price, size string) PriceLevel {
	t.Helper()
	lv, err := Level(price, size)
	if err != nil {
		t.Fatalf("Level(%s, %s): %v", price, size, err)
	}
	return lv
}

func checkLevel(t *testing.T, got PriceLevel, price, size string) {
	t.Helper()
	if got.Price.String() != price || got.Size.String() != size {
		t.Fatalf("level = %s@%s, want %s@%s", got.Size, got.Price, size, price)
	}
}

func seededBook(t *testing.T) *OrderBook {
	t.Helper()
	book := NewOrderBook("BTC-USDT")
	book.ApplySnapshot(10,
		[]PriceLevel{
			level(t, "99", "1"),
			level(t, "101", "2"),
			level(t, "100", "0"),
			level(t, "98", "4"),
		},
		[]PriceLevel{
			level(t, "103", "1.5"),
			level(t, "102", "3"),
			level(t, "105", "0.5"),
		},
	)
	return book
}

func TestOrderBookSnapshotSortsAndDropsEmptyLevels(t *testing.T) {
	book := seededBook(t)

	bids := book.Bids()
	if len(bids) != 3 {
		t.Fatalf("len(bids) = %d, want 3", len(bids))
	}
	checkLevel(t, bids[0], "101", "2")
	checkLevel(t, bids[1], "99", "1")
	checkLevel(t, bids[2], "98", "4")

	asks := book.Asks()
	if len(asks) != 3 {
		t.Fatalf("len(asks) = %d, want 3", len(asks))
	}
	checkLevel(t, asks[0], "102", "3")
	checkLevel(t, asks[1], "103", "1.5")
	checkLevel(t, asks[2], "105", "0.5")

	if got := book.Sequence(); got != 10 {
		t.Fatalf("Sequence() = %d, want 10", got)
	}
}

func TestOrderBookBestAndMid(t *testing.T) {
	book := seededBook(t)

	bid, ok := book.BestBid()
	if !ok {
		t.Fatal("BestBid() empty")
	}
	checkLevel(t, bid, "101", "2")

	ask, ok := book.BestAsk()
	if !ok {
		t.Fatal("BestAsk() empty")
	}
	checkLevel(t, ask, "102", "3")

	mid, ok := book.Mid()
	if !ok || !mid.Equal(decimal.RequireFromString("101.5")) {
		t.Fatalf("Mid() = %s, %v, want 101.5", mid, ok)
	}

	empty := NewOrderBook("ETH-USDT")
	if _, ok := empty.BestBid(); ok {
		t.Fatal("BestBid() on empty book reported a level")
	}
	if _, ok := empty.Mid(); ok {
		t.Fatal("Mid() on empty book reported a price")
	}
}

func TestOrderBookDeltaUpsertInsertAndRemove(t *testing.T) {
	book := seededBook(t)

	applied := book.ApplyDelta(11,
		[]PriceLevel{
			level(t, "99", "5"),    // update in place
			level(t, "100", "1"),   // insert between 101 and 99
			level(t, "98", "0"),    // remove
			level(t, "97.5", "0"),  // removing an absent level is a no-op
			level(t, "101.5", "7"), // new best bid
		},
		[]PriceLevel{
			level(t, "102", "0"), // remove best ask
		},
	)
	if !applied {
		t.Fatal("ApplyDelta() = false, want true")
	}

	bids := book.Bids()
	if len(bids) != 4 {
		t.Fatalf("len(bids) = %d, want 4", len(bids))
	}
	checkLevel(t, bids[0], "101.5", "7")
	checkLevel(t, bids[1], "101", "2")
	checkLevel(t, bids[2], "100", "1")
	checkLevel(t, bids[3], "99", "5")

	ask, ok := book.BestAsk()
	if !ok {
		t.Fatal("BestAsk() empty after delta")
	}
	checkLevel(t, ask, "103", "1.5")

	if got := book.Sequence(); got != 11 {
		t.Fatalf("Sequence() = %d, want 11", got)
	}
}

func TestOrderBookIgnoresStaleDeltas(t *testing.T) {
	book := seededBook(t)

	if book.ApplyDelta(10, []PriceLevel{level(t, "101", "9")}, nil) {
		t.Fatal("delta at current sequence applied")
	}
	if book.ApplyDelta(3, []PriceLevel{level(t, "101", "9")}, nil) {
		t.Fatal("delta behind current sequence applied")
	}

	bid, _ := book.BestBid()
	checkLevel(t, bid, "101", "2")
	if got := book.Sequence(); got != 10 {
		t.Fatalf("Sequence() = %d, want 10", got)
	}
}

func TestOrderBookDepthCopies(t *testing.T) {
	book := seededBook(t)

	bids, asks := book.Depth(2)
	if len(bids) != 2 || len(asks) != 2 {
		t.Fatalf("Depth(2) = %d bids, %d asks", len(bids), len(asks))
	}
	checkLevel(t, bids[0], "101", "2")
	checkLevel(t, asks[0], "102", "3")

	// Mutating the returned slices must not touch the book.
	bids[0].Size = decimal.RequireFromString("999")
	fresh, _ := book.BestBid()
	checkLevel(t, fresh, "101", "2")

	bids, asks = book.Depth(99)
	if len(bids) != 3 || len(asks) != 3 {
		t.Fatalf("Depth(99) = %d bids, %d asks, want full book", len(bids), len(asks))
	}
}
