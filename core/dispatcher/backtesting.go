package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/coachpo/tempora/core/clock"
	"github.com/coachpo/tempora/errs"
)

// Backtesting replays pre-recorded sources deterministically. Its virtual
// clock starts unset and advances to each chosen instant; it never moves
// backward, and handlers observe it frozen for their entire duration.
type Backtesting struct {
	core
	clock *clock.Virtual
}

// NewBacktesting builds a backtesting dispatcher.
func NewBacktesting(opts ...Option) *Backtesting {
	o := buildOptions(opts)
	return &Backtesting{
		core:  newCore(o),
		clock: clock.NewVirtual(),
	}
}

// Now returns the virtual clock reading; zero before the first dispatch.
func (d *Backtesting) Now() time.Time {
	return d.clock.Now()
}

// Schedule enqueues cb at when. Scheduling before the virtual now fails with
// a past_schedule error; while the clock is unset, any instant is accepted.
func (d *Backtesting) Schedule(when time.Time, cb Callback) error {
	if when.IsZero() {
		return errs.New(venueDispatcher, errs.CodeInvalid, errs.WithMessage("schedule requires a non-zero instant"))
	}
	if cb == nil {
		return errs.New(venueDispatcher, errs.CodeInvalid, errs.WithMessage("schedule requires a callback"))
	}
	if d.clock.Set() && when.Before(d.clock.Now()) {
		return errs.PastSchedule(venueDispatcher, fmt.Sprintf("cannot schedule %s before virtual now %s",
			when.UTC().Format(time.RFC3339Nano), d.clock.Now().Format(time.RFC3339Nano)))
	}
	d.sched.Schedule(when, cb)
	return nil
}

// Run executes the replay loop until every source is exhausted, the context
// is cancelled, Stop is called, or a fatal invariant violation surfaces.
//
// Each iteration picks the earlier of the next source event and the next
// scheduled callback; the scheduler wins ties so callbacks due at exactly T
// fire before the event at T. Changes made by handlers (new sources, new
// schedules, orders) take effect on the next iteration.
func (d *Backtesting) Run(ctx context.Context) error {
	defer d.stopProducers()
	defer d.sched.Clear()

	for {
		if d.stopRequested(ctx) {
			return nil
		}
		if err := d.ensureProducers(ctx); err != nil {
			return err
		}

		tSch, okSch := d.sched.PeekWhen()
		tSrc, okSrc := d.mux.PeekWhen()

		switch {
		case !okSch && !okSrc:
			// Idle equals exhausted in a backtest: producers can deliver
			// nothing beyond what they already buffered.
			return nil
		case okSch && (!okSrc || !tSch.After(tSrc)):
			d.clock.AdvanceTo(tSch)
			if err := d.runDue(ctx, tSch, d.Schedule); err != nil {
				return err
			}
		default:
			d.clock.AdvanceTo(tSrc)
			if err := d.dispatchNext(ctx); err != nil {
				return err
			}
		}
	}
}
