package bar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tempora/core/event"
	"github.com/coachpo/tempora/internal/observability"
)

// CSVSource streams a bar file into a dispatcher. Reads are synchronous and
// lazy: each peek pulls at most one row, so replays are deterministic and the
// whole file is never held in memory. The source doubles as its own producer;
// Start opens the file and Stop closes it on every dispatcher exit path.
type CSVSource struct {
	path       string
	symbol     string
	period     Period
	skipBefore time.Time

	mu     sync.Mutex
	file   *os.File
	reader *CSVReader
	head   *Bar
	done   bool
	err    error
}

// CSVSourceOption adjusts how a source replays its file.
type CSVSourceOption func(*CSVSource)

// WithStart discards bars that close before start. The file is still read
// from the top, so ordering checks cover the skipped rows too.
func WithStart(start time.Time) CSVSourceOption {
	return func(s *CSVSource) { s.skipBefore = start.UTC() }
}

// NewCSVSource prepares a source for path. The file is opened by the
// dispatcher when the run starts.
func NewCSVSource(path, symbol string, period Period, opts ...CSVSourceOption) *CSVSource {
	s := &CSVSource{path: path, symbol: symbol, period: period}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start opens the file and decodes the header. Idempotent.
func (s *CSVSource) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open()
}

// Stop closes the file. Idempotent.
func (s *CSVSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	s.closeFile()
}

// Producer exposes the source's own file lifecycle.
func (s *CSVSource) Producer() event.Producer { return s }

// PeekWhen reports the close instant of the next undelivered bar.
func (s *CSVSource) PeekWhen() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fill()
	if s.head == nil {
		return time.Time{}, false
	}
	return s.head.When(), true
}

// Pop removes and returns the next bar, or nil when none is available.
func (s *CSVSource) Pop() event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fill()
	if s.head == nil {
		return nil
	}
	b := s.head
	s.head = nil
	return b
}

// Terminated reports whether the file is fully drained or failed.
func (s *CSVSource) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fill()
	return s.done && s.head == nil
}

// Err surfaces the first read or parse failure, if any. Checked after a run,
// in the manner of bufio.Scanner.
func (s *CSVSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *CSVSource) open() error {
	if s.reader != nil || s.done {
		return nil
	}
	// #nosec G304 -- path is operator provided via CLI flags or config.
	file, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open bar file: %w", err)
	}
	reader, err := NewCSVReader(file, s.symbol, s.period)
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("open bar file %s: %w", s.path, err)
	}
	s.file = file
	s.reader = reader
	return nil
}

// fill loads the next row into the head slot. A read failure terminates the
// source: it is recorded for Err and logged, and no further rows are served.
func (s *CSVSource) fill() {
	if s.head != nil || s.done {
		return
	}
	if s.reader == nil {
		if err := s.open(); err != nil {
			s.fail(err)
			return
		}
	}
	for {
		b, err := s.reader.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.fail(err)
				return
			}
			s.done = true
			s.closeFile()
			return
		}
		if !s.skipBefore.IsZero() && b.When().Before(s.skipBefore) {
			continue
		}
		s.head = b
		return
	}
}

func (s *CSVSource) fail(err error) {
	s.err = err
	s.done = true
	s.closeFile()
	observability.Log().Error("bar source failed",
		observability.F("path", s.path),
		observability.F("symbol", s.symbol),
		observability.F("error", err.Error()))
}

func (s *CSVSource) closeFile() {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	s.reader = nil
}

// TradeAggregator folds a trade stream into fixed-period bars. Windows are
// aligned by truncation against the Unix epoch; a trade exactly on a boundary
// opens the next window. The produced bar is timestamped at window close.
type TradeAggregator struct {
	symbol string
	period Period

	start  time.Time
	open   decimal.Decimal
	high   decimal.Decimal
	low    decimal.Decimal
	last   decimal.Decimal
	volume decimal.Decimal
	filled bool
}

// NewTradeAggregator builds an aggregator for one symbol and period.
func NewTradeAggregator(symbol string, period Period) *TradeAggregator {
	return &TradeAggregator{symbol: symbol, period: period}
}

// Ingest folds one trade in. When the trade opens a new window, the completed
// previous bar is returned; otherwise nil.
func (a *TradeAggregator) Ingest(tr *Trade) (*Bar, error) {
	if tr == nil || tr.Symbol != a.symbol {
		return nil, nil
	}
	start := tr.When().Truncate(a.period.Duration())
	if !a.filled {
		a.begin(start, tr)
		return nil, nil
	}
	if start.After(a.start) {
		done, err := a.emit()
		if err != nil {
			return nil, err
		}
		a.begin(start, tr)
		return done, nil
	}
	if tr.When().Before(a.start) {
		return nil, fmt.Errorf("trade at %s precedes open window %s",
			tr.When().Format(time.RFC3339), a.start.Format(time.RFC3339))
	}
	if tr.Price.GreaterThan(a.high) {
		a.high = tr.Price
	}
	if tr.Price.LessThan(a.low) {
		a.low = tr.Price
	}
	a.last = tr.Price
	a.volume = a.volume.Add(tr.Size)
	return nil, nil
}

// Flush closes and returns the partial window, or nil when none is open.
func (a *TradeAggregator) Flush() (*Bar, error) {
	if !a.filled {
		return nil, nil
	}
	return a.emit()
}

func (a *TradeAggregator) begin(start time.Time, tr *Trade) {
	a.start = start
	a.open = tr.Price
	a.high = tr.Price
	a.low = tr.Price
	a.last = tr.Price
	a.volume = tr.Size
	a.filled = true
}

func (a *TradeAggregator) emit() (*Bar, error) {
	b, err := New(a.symbol, a.period, a.start.Add(a.period.Duration()),
		a.open, a.high, a.low, a.last, a.volume)
	a.filled = false
	if err != nil {
		return nil, err
	}
	return b, nil
}
