package dispatcher

import (
	"context"
	"time"

	"github.com/coachpo/tempora/core/clock"
	"github.com/coachpo/tempora/errs"
)

// Realtime drives the same subscription and scheduling contract as
// Backtesting against the wall clock. Producers run in their own tasks and
// push into source buffers concurrently; the loop drains them serially.
type Realtime struct {
	core
	clock *clock.Wall
	poll  time.Duration
}

// NewRealtime builds a realtime dispatcher.
func NewRealtime(opts ...Option) *Realtime {
	o := buildOptions(opts)
	return &Realtime{
		core:  newCore(o),
		clock: clock.NewWall(),
		poll:  o.poll,
	}
}

// Now returns the current wall time in UTC.
func (d *Realtime) Now() time.Time {
	return d.clock.Now()
}

// Schedule enqueues cb at when; a past when is coerced to run immediately.
func (d *Realtime) Schedule(when time.Time, cb Callback) error {
	if when.IsZero() {
		return errs.New(venueDispatcher, errs.CodeInvalid, errs.WithMessage("schedule requires a non-zero instant"))
	}
	if cb == nil {
		return errs.New(venueDispatcher, errs.CodeInvalid, errs.WithMessage("schedule requires a callback"))
	}
	if now := d.clock.Now(); when.Before(now) {
		when = now
	}
	d.sched.Schedule(when, cb)
	return nil
}

// Run executes the realtime loop until Stop, context cancellation, or full
// exhaustion (every source terminated and nothing scheduled). When nothing is
// due yet it sleeps until the earlier of the next known instant and the poll
// interval, then re-observes, since producers may have buffered earlier
// events in the meantime.
func (d *Realtime) Run(ctx context.Context) error {
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

		if !okSch && !okSrc {
			if d.mux.State() == StateExhausted {
				return nil
			}
			if !d.sleep(ctx, d.poll) {
				return nil
			}
			continue
		}

		target := tSrc
		scheduler := false
		if okSch && (!okSrc || !tSch.After(tSrc)) {
			target = tSch
			scheduler = true
		}

		now := d.clock.Now()
		if target.After(now) {
			wait := target.Sub(now)
			if wait > d.poll {
				wait = d.poll
			}
			if !d.sleep(ctx, wait) {
				return nil
			}
			continue
		}

		if scheduler {
			if err := d.runDue(ctx, now, d.Schedule); err != nil {
				return err
			}
			continue
		}
		if err := d.dispatchNext(ctx); err != nil {
			return err
		}
	}
}

// sleep blocks for d or until stop/cancel; it reports false when the loop
// should exit.
func (d *Realtime) sleep(ctx context.Context, wait time.Duration) bool {
	if wait <= 0 {
		return !d.stopRequested(ctx)
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-d.stopCh:
		return false
	}
}
