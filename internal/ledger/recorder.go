package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tempora/exchange"
	"github.com/coachpo/tempora/internal/observability"
	"github.com/coachpo/tempora/lib/async"
)

const defaultRecorderQueue = 1024

// RecorderOption customises recorder behaviour.
type RecorderOption func(*recorderConfig)

type recorderConfig struct {
	queue int
}

// WithQueueDepth sets how many pending writes the recorder buffers before it
// starts dropping records.
func WithQueueDepth(depth int) RecorderOption {
	return func(cfg *recorderConfig) { cfg.queue = depth }
}

// Recorder mirrors order activity into the ledger without blocking the
// dispatcher task. Writes run on a single background worker so snapshots of
// one order land in submission order; when the queue is full a record is
// dropped rather than stalling dispatch. A nil store disables recording.
type Recorder struct {
	store   *Store
	pool    *async.Pool
	run     Run
	dropped atomic.Int64
}

// NewRecorder builds a recorder for one run. A nil store yields a recorder
// whose methods all no-op.
func NewRecorder(store *Store, run Run, opts ...RecorderOption) (*Recorder, error) {
	if store == nil {
		return &Recorder{}, nil
	}
	if strings.TrimSpace(run.ID) == "" {
		return nil, fmt.Errorf("ledger: run id required")
	}
	cfg := recorderConfig{queue: defaultRecorderQueue}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.queue < 1 {
		cfg.queue = 1
	}
	pool, err := async.NewPool(1, cfg.queue)
	if err != nil {
		return nil, err
	}
	return &Recorder{store: store, pool: pool, run: run}, nil
}

// Enabled reports whether the recorder writes anywhere.
func (r *Recorder) Enabled() bool {
	return r != nil && r.store != nil
}

// Begin writes the run row. It runs synchronously so the row exists before
// any order or fill references it.
func (r *Recorder) Begin(ctx context.Context) error {
	if !r.Enabled() {
		return nil
	}
	return r.store.BeginRun(ctx, r.run)
}

// Observe enqueues the order snapshot, and its fill when present. Failures to
// enqueue are counted and logged, never propagated.
func (r *Recorder) Observe(ctx context.Context, ev *exchange.OrderEvent) {
	if !r.Enabled() || ev == nil {
		return
	}
	order := snapshotOrder(ev.Order)
	var fill *exchange.Fill
	if ev.Fill != nil {
		f := snapshotFill(*ev.Fill)
		fill = &f
	}
	// The write outlives the handler that observed the event.
	taskCtx := context.WithoutCancel(ctx)
	err := r.pool.Submit(taskCtx, func(ctx context.Context) error {
		if err := r.store.UpsertOrder(ctx, r.run.ID, order); err != nil {
			return err
		}
		if fill != nil {
			return r.store.InsertFill(ctx, r.run.ID, *fill)
		}
		return nil
	})
	if err != nil {
		r.dropped.Add(1)
		observability.Log().Warn("ledger record dropped",
			observability.F("run", r.run.ID),
			observability.F("order", order.ID),
			observability.F("error", err))
	}
}

// Flush blocks until every accepted write has been applied and reports the
// first write failure, if any.
func (r *Recorder) Flush(ctx context.Context) error {
	if !r.Enabled() {
		return nil
	}
	if err := r.pool.Flush(ctx); err != nil {
		return err
	}
	return r.pool.Err()
}

// Finish drains pending writes and stamps the run as complete.
func (r *Recorder) Finish(ctx context.Context, finishedAt time.Time, finalEquity decimal.Decimal) error {
	if !r.Enabled() {
		return nil
	}
	if err := r.Flush(ctx); err != nil {
		return err
	}
	return r.store.FinishRun(ctx, r.run.ID, finishedAt, finalEquity)
}

// Close drains the queue and stops the worker.
func (r *Recorder) Close(ctx context.Context) error {
	if !r.Enabled() {
		return nil
	}
	if err := r.pool.Shutdown(ctx); err != nil {
		return err
	}
	return r.pool.Err()
}

// Dropped reports how many records were discarded because the queue was full.
func (r *Recorder) Dropped() int64 {
	if r == nil {
		return 0
	}
	return r.dropped.Load()
}

// snapshotOrder deep-copies the fee map so the background worker never shares
// mutable state with the matching engine.
func snapshotOrder(order exchange.OrderInfo) exchange.OrderInfo {
	order.Fees = copyFees(order.Fees)
	return order
}

func snapshotFill(fill exchange.Fill) exchange.Fill {
	fill.Fees = copyFees(fill.Fees)
	return fill
}

func copyFees(fees map[string]decimal.Decimal) map[string]decimal.Decimal {
	if len(fees) == 0 {
		return nil
	}
	out := make(map[string]decimal.Decimal, len(fees))
	for symbol, amount := range fees {
		out[symbol] = amount
	}
	return out
}
