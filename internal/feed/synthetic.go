// Package feed generates synthetic market data: a seeded random-walk trade
// stream plus the bars aggregated from it, for realtime demos and tests.
package feed

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/tempora/core/bar"
	"github.com/coachpo/tempora/core/event"
	"github.com/coachpo/tempora/errs"
	"github.com/coachpo/tempora/internal/observability"
)

const venueFeed = "feed"

const (
	pricePrecision = 8
	sizePrecision  = 4
)

// Config shapes one synthetic stream. Identical seeds replay identical
// price and size series; only the event instants differ between runs.
type Config struct {
	Symbol     string
	Period     bar.Period
	Interval   time.Duration
	Seed       int64
	StartPrice decimal.Decimal
	Volatility float64
	BufferSize int
}

func (c *Config) applyDefaults() {
	if c.Symbol == "" {
		c.Symbol = "BTC-USDT"
	}
	if c.Period <= 0 {
		c.Period = bar.Minute
	}
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.StartPrice.IsZero() {
		c.StartPrice = decimal.NewFromInt(100)
	}
	if c.Volatility == 0 {
		c.Volatility = 0.005
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
}

// Synthetic is a background producer emitting one trade per interval and the
// completed bar whenever a trade opens a new aggregation window. Both event
// kinds share one buffer; a bar closes at the window boundary, so it is
// pushed ahead of the trade that sealed it and ordering holds.
type Synthetic struct {
	cfg Config
	buf *event.Buffer
	agg *bar.TradeAggregator
	gen *walk

	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        conc.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New validates cfg and prepares the stream. Nothing runs until Start.
func New(cfg Config) (*Synthetic, error) {
	cfg.applyDefaults()
	if !cfg.StartPrice.IsPositive() {
		return nil, errs.New(venueFeed, errs.CodeInvalid, errs.WithMessage("start price must be positive"))
	}
	if cfg.Volatility < 0 || cfg.Volatility >= 1 {
		return nil, errs.New(venueFeed, errs.CodeInvalid, errs.WithMessage("volatility must be in [0, 1)"))
	}
	s := &Synthetic{
		cfg: cfg,
		agg: bar.NewTradeAggregator(cfg.Symbol, cfg.Period),
		gen: newWalk(cfg.Seed, cfg.StartPrice, cfg.Volatility),
	}
	s.buf = event.NewBuffer(cfg.BufferSize, event.WithProducer(s))
	return s, nil
}

// Source returns the buffer to register with a dispatcher.
func (s *Synthetic) Source() event.Source { return s.buf }

// Symbol returns the instrument the stream quotes.
func (s *Synthetic) Symbol() string { return s.cfg.Symbol }

// Start launches the generator task. Idempotent.
func (s *Synthetic) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.cancel = cancel
		s.mu.Unlock()
		s.wg.Go(func() { s.run(runCtx) })
	})
	return nil
}

// Stop halts generation and closes the buffer so the source terminates once
// drained. Idempotent, safe before Start.
func (s *Synthetic) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
			s.wg.Wait()
		}
		s.buf.Close()
	})
}

func (s *Synthetic) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := s.emit(ctx, now.UTC()); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, event.ErrClosed) {
					return
				}
				observability.Log().Error("synthetic feed failed",
					observability.F("symbol", s.cfg.Symbol),
					observability.F("error", err.Error()))
				return
			}
		}
	}
}

// emit pushes the completed bar, when the step sealed one, then the trade.
func (s *Synthetic) emit(ctx context.Context, at time.Time) error {
	price, size := s.gen.next()
	tr, err := bar.NewTrade(s.cfg.Symbol, at, price, size)
	if err != nil {
		return err
	}
	sealed, err := s.agg.Ingest(tr)
	if err != nil {
		return err
	}
	if sealed != nil {
		if err := s.buf.Push(ctx, sealed); err != nil {
			return err
		}
	}
	return s.buf.Push(ctx, tr)
}

// walk is a multiplicative random step: prices move by
// exp(volatility · N(0,1)) so they stay positive, sizes are uniform in
// (0.01, 1].
type walk struct {
	rng        *rand.Rand
	price      float64
	volatility float64
}

func newWalk(seed int64, start decimal.Decimal, volatility float64) *walk {
	f, _ := start.Float64()
	return &walk{
		rng:        rand.New(rand.NewSource(seed)), // #nosec G404 -- deterministic market data, not security material.
		price:      f,
		volatility: volatility,
	}
}

func (w *walk) next() (price, size decimal.Decimal) {
	w.price *= math.Exp(w.volatility * w.rng.NormFloat64())
	price = decimal.NewFromFloat(w.price).Round(pricePrecision)
	size = decimal.NewFromFloat(0.01 + 0.99*w.rng.Float64()).Round(sizePrecision)
	return price, size
}
