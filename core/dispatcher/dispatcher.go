// Package dispatcher implements the time-ordered event reactors at the heart
// of Tempora: a deterministic backtesting variant driven by a virtual clock
// and a realtime variant driven by the wall clock. Both share the same
// subscription, scheduling, and lifecycle contract, so a strategy written
// against one runs unchanged on the other.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coachpo/tempora/core/event"
	"github.com/coachpo/tempora/internal/observability"
)

const venueDispatcher = "dispatcher"

// ErrFatal marks a handler or callback error as an invariant violation. Such
// errors terminate the run even without strict handlers; wrap with
// fmt.Errorf("%w: ...", dispatcher.ErrFatal, ...).
var ErrFatal = errors.New("fatal invariant violation")

// Dispatcher drives producers, the multiplexer, the scheduler queue, and
// subscriber dispatch.
type Dispatcher interface {
	// AddSource registers a source with the multiplexer. Sources added from
	// handlers take effect on the next loop iteration.
	AddSource(src event.Source) error
	// Subscribe registers h for every event tagged kind.
	Subscribe(kind event.Kind, h Handler)
	// SubscribeToSource registers h for every event popped from src.
	SubscribeToSource(src event.Source, h Handler)
	// Schedule enqueues cb to run at when. Backtesting rejects past instants
	// with a past_schedule error; realtime coerces them to now.
	Schedule(when time.Time, cb Callback) error
	// Now returns the dispatcher's current time: virtual in backtesting,
	// wall in realtime.
	Now() time.Time
	// Run executes the dispatch loop until exhaustion, Stop, or a fatal
	// invariant violation.
	Run(ctx context.Context) error
	// Stop signals the loop to exit. The in-flight handler finishes;
	// producers are stopped; pending callbacks are dropped.
	Stop()
}

type options struct {
	strict bool
	poll   time.Duration
}

// Option configures a dispatcher.
type Option func(*options)

// WithStrictHandlers converts handler errors into fatal run errors instead of
// logging and continuing.
func WithStrictHandlers() Option {
	return func(o *options) {
		o.strict = true
	}
}

// WithPollInterval sets how long the realtime loop sleeps when nothing is
// due. Backtesting ignores it.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.poll = d
		}
	}
}

const defaultPollInterval = 100 * time.Millisecond

func buildOptions(opts []Option) options {
	o := options{strict: false, poll: defaultPollInterval}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// core carries the state and behaviour shared by both dispatcher variants.
type core struct {
	mux     *Multiplexer
	sched   *SchedulerQueue
	table   *Table
	metrics *runMetrics
	strict  bool

	stopOnce sync.Once
	stopCh   chan struct{}

	producerMu  sync.Mutex
	started     []event.Producer
	startedSet  map[event.Producer]struct{}
	muxVersion  uint64
	producersUp bool
}

func newCore(o options) core {
	mux := NewMultiplexer()
	return core{
		mux:        mux,
		sched:      NewSchedulerQueue(),
		table:      NewTable(),
		metrics:    newRunMetrics(mux),
		strict:     o.strict,
		stopCh:     make(chan struct{}),
		startedSet: make(map[event.Producer]struct{}),
	}
}

// AddSource registers src with the multiplexer.
func (c *core) AddSource(src event.Source) error {
	return c.mux.Add(src)
}

// Subscribe registers h for events tagged kind.
func (c *core) Subscribe(kind event.Kind, h Handler) {
	c.table.SubscribeKind(kind, h)
}

// SubscribeToSource registers h for events popped from src.
func (c *core) SubscribeToSource(src event.Source, h Handler) {
	c.table.SubscribeSource(src, h)
}

// Stop signals the run loop to exit.
func (c *core) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}

func (c *core) stopRequested(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// ensureProducers starts producers attached to sources that appeared since
// the last scan. A start failure is fatal: the subscription it backs cannot
// be honored.
func (c *core) ensureProducers(ctx context.Context) error {
	version := c.mux.Version()
	c.producerMu.Lock()
	defer c.producerMu.Unlock()
	if c.producersUp && version == c.muxVersion {
		return nil
	}
	var failures []error
	for _, p := range c.mux.Producers() {
		if _, ok := c.startedSet[p]; ok {
			continue
		}
		if err := p.Start(ctx); err != nil {
			failures = append(failures, err)
			continue
		}
		c.startedSet[p] = struct{}{}
		c.started = append(c.started, p)
	}
	c.muxVersion = version
	c.producersUp = true
	if len(failures) > 0 {
		return observability.AggregateErrors("producer start", failures)
	}
	return nil
}

// stopProducers stops every started producer in reverse start order. Runs on
// every Run exit path.
func (c *core) stopProducers() {
	c.producerMu.Lock()
	started := c.started
	c.started = nil
	c.startedSet = make(map[event.Producer]struct{})
	c.producersUp = false
	c.producerMu.Unlock()
	for i := len(started) - 1; i >= 0; i-- {
		started[i].Stop()
	}
}

// dispatchNext pops the earliest event and delivers it to each subscriber in
// registration order, awaiting each before the next runs.
func (c *core) dispatchNext(ctx context.Context) error {
	ev, src, err := c.mux.PopEarliest()
	if err != nil {
		return err
	}
	if ev == nil {
		return nil
	}
	c.metrics.eventDispatched(ctx, ev.Kind())
	for _, h := range c.table.HandlersFor(ev, src) {
		start := time.Now()
		herr := invokeHandler(ctx, h, ev)
		c.metrics.handlerDone(ctx, ev.Kind(), time.Since(start), herr)
		if herr != nil {
			if c.strict || errors.Is(herr, ErrFatal) {
				return fmt.Errorf("dispatcher: handler failure on %s event at %s: %w",
					ev.Kind(), ev.When().Format(time.RFC3339Nano), herr)
			}
			observability.Log().Error("handler failed",
				observability.F("kind", string(ev.Kind())),
				observability.F("when", ev.When().Format(time.RFC3339Nano)),
				observability.F("error", herr.Error()))
		}
	}
	return nil
}

// runDue pops and runs every callback due at now in (when, seq) order.
// schedule is the narrow handle passed to callbacks for follow-up work.
func (c *core) runDue(ctx context.Context, now time.Time, schedule func(time.Time, Callback) error) error {
	for _, s := range c.sched.PopDue(now) {
		tick := Tick{Due: s.When, Schedule: schedule}
		start := time.Now()
		cerr := invokeCallback(ctx, s.Callback, tick)
		c.metrics.callbackDone(ctx, time.Since(start), cerr)
		if cerr != nil {
			if c.strict || errors.Is(cerr, ErrFatal) {
				return fmt.Errorf("dispatcher: callback failure at %s: %w",
					s.When.Format(time.RFC3339Nano), cerr)
			}
			observability.Log().Error("scheduled callback failed",
				observability.F("due", s.When.Format(time.RFC3339Nano)),
				observability.F("error", cerr.Error()))
		}
	}
	return nil
}

// invokeHandler runs h, converting panics into handler errors so one bad
// subscriber cannot tear down the loop.
func invokeHandler(ctx context.Context, h Handler, ev event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

// invokeCallback runs cb with the same panic containment as handlers.
func invokeCallback(ctx context.Context, cb Callback, tick Tick) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v", r)
		}
	}()
	return cb(ctx, tick)
}
