package live

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// PriceLevel is one aggregated order book level.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Level builds a PriceLevel from string literals. Intended for adapters
// decoding wire payloads and for tests.
func Level(price, size string) (PriceLevel, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return PriceLevel{}, err
	}
	s, err := decimal.NewFromString(size)
	if err != nil {
		return PriceLevel{}, err
	}
	return PriceLevel{Price: p, Size: s}, nil
}

// OrderBook maintains bid and ask levels from a snapshot plus deltas. Bids
// are held best-first (descending price), asks best-first (ascending price).
// One producer applies updates; readers may snapshot concurrently.
type OrderBook struct {
	mu     sync.RWMutex
	symbol string
	seq    uint64
	bids   []PriceLevel
	asks   []PriceLevel
}

// NewOrderBook builds an empty book for symbol.
func NewOrderBook(symbol string) *OrderBook {
	return &OrderBook{symbol: symbol}
}

// Symbol returns the instrument the book tracks.
func (b *OrderBook) Symbol() string { return b.symbol }

// Sequence returns the sequence number of the last applied update.
func (b *OrderBook) Sequence() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

// ApplySnapshot replaces the book contents with the given levels. Levels
// with non-positive sizes are dropped.
func (b *OrderBook) ApplySnapshot(seq uint64, bids, asks []PriceLevel) {
	newBids := sortedLevels(bids, true)
	newAsks := sortedLevels(asks, false)

	b.mu.Lock()
	b.seq = seq
	b.bids = newBids
	b.asks = newAsks
	b.mu.Unlock()
}

// ApplyDelta folds level changes into the book. A zero or negative size
// removes the level at that price. Deltas at or behind the current sequence
// are ignored and reported false.
func (b *OrderBook) ApplyDelta(seq uint64, bids, asks []PriceLevel) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if seq <= b.seq {
		return false
	}
	b.seq = seq
	for _, lv := range bids {
		b.bids = upsertLevel(b.bids, lv, true)
	}
	for _, lv := range asks {
		b.asks = upsertLevel(b.asks, lv, false)
	}
	return true
}

// BestBid returns the highest bid.
func (b *OrderBook) BestBid() (PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bids) == 0 {
		return PriceLevel{}, false
	}
	return b.bids[0], true
}

// BestAsk returns the lowest ask.
func (b *OrderBook) BestAsk() (PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.asks) == 0 {
		return PriceLevel{}, false
	}
	return b.asks[0], true
}

// Mid returns the midpoint between the best bid and best ask.
func (b *OrderBook) Mid() (decimal.Decimal, bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return decimal.Decimal{}, false
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
}

// Bids returns a copy of all bid levels, best first.
func (b *OrderBook) Bids() []PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return copyLevels(b.bids)
}

// Asks returns a copy of all ask levels, best first.
func (b *OrderBook) Asks() []PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return copyLevels(b.asks)
}

// Depth returns the top n levels of each side.
func (b *OrderBook) Depth(n int) (bids, asks []PriceLevel) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n < 0 {
		n = 0
	}
	nb, na := n, n
	if nb > len(b.bids) {
		nb = len(b.bids)
	}
	if na > len(b.asks) {
		na = len(b.asks)
	}
	return copyLevels(b.bids[:nb]), copyLevels(b.asks[:na])
}

func sortedLevels(levels []PriceLevel, descending bool) []PriceLevel {
	out := make([]PriceLevel, 0, len(levels))
	for _, lv := range levels {
		if lv.Size.Sign() > 0 {
			out = append(out, lv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

func upsertLevel(levels []PriceLevel, lv PriceLevel, descending bool) []PriceLevel {
	idx := sort.Search(len(levels), func(i int) bool {
		if descending {
			return levels[i].Price.LessThanOrEqual(lv.Price)
		}
		return levels[i].Price.GreaterThanOrEqual(lv.Price)
	})
	if idx < len(levels) && levels[idx].Price.Equal(lv.Price) {
		if lv.Size.Sign() <= 0 {
			return append(levels[:idx], levels[idx+1:]...)
		}
		levels[idx].Size = lv.Size
		return levels
	}
	if lv.Size.Sign() <= 0 {
		// Removing an absent level is a no-op; venues replay removals.
		return levels
	}
	levels = append(levels, PriceLevel{})
	copy(levels[idx+1:], levels[idx:])
	levels[idx] = lv
	return levels
}

func copyLevels(levels []PriceLevel) []PriceLevel {
	out := make([]PriceLevel, len(levels))
	copy(out, levels)
	return out
}
