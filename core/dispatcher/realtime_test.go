package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/coachpo/tempora/core/event"
)

// runGuarded executes d.Run on a goroutine and fails the test if it has not
// returned within the deadline.
func runGuarded(t *testing.T, d Dispatcher, deadline time.Duration) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	select {
	case err := <-done:
		return err
	case <-time.After(deadline):
		d.Stop()
		t.Fatal("run did not return before deadline")
		return nil
	}
}

func TestRealtimeCoercesPastScheduleToNow(t *testing.T) {
	d := NewRealtime(WithPollInterval(5 * time.Millisecond))
	begin := time.Now()
	var fired time.Time
	if err := d.Schedule(begin.Add(-time.Hour), func(_ context.Context, tick Tick) error {
		fired = time.Now()
		if tick.Due.Before(begin.Add(-time.Second)) {
			t.Errorf("tick due %s still in the past, want coerced to about %s", tick.Due, begin)
		}
		return nil
	}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if err := runGuarded(t, d, 3*time.Second); err != nil {
		t.Fatalf("run: %v", err)
	}
	if fired.IsZero() {
		t.Fatal("callback never fired")
	}
	if fired.Sub(begin) > 2*time.Second {
		t.Fatalf("callback fired %s after scheduling, want promptly", fired.Sub(begin))
	}
}

func TestRealtimeDeliversBufferedEventsInOrder(t *testing.T) {
	base := time.Now().Add(-time.Second)
	buf := event.NewBuffer(4)
	for i := 0; i < 3; i++ {
		ev := event.NewGeneric(kindTest, base.Add(time.Duration(i)*100*time.Millisecond), i)
		if err := buf.Push(context.Background(), ev); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	buf.Close()

	d := NewRealtime(WithPollInterval(5 * time.Millisecond))
	if err := d.AddSource(buf); err != nil {
		t.Fatalf("add source: %v", err)
	}
	var got []int
	d.Subscribe(kindTest, func(_ context.Context, ev event.Event) error {
		got = append(got, ev.(*event.Generic).Payload.(int))
		return nil
	})

	if err := runGuarded(t, d, 3*time.Second); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("delivered %v, want [0 1 2]", got)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("delivered %v, want [0 1 2]", got)
		}
	}
}

func TestRealtimeFutureCallbackFiresNoEarlierThanDue(t *testing.T) {
	d := NewRealtime(WithPollInterval(10 * time.Millisecond))
	due := time.Now().Add(60 * time.Millisecond)
	var fired time.Time
	if err := d.Schedule(due, func(context.Context, Tick) error {
		fired = time.Now()
		return nil
	}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := runGuarded(t, d, 3*time.Second); err != nil {
		t.Fatalf("run: %v", err)
	}
	if fired.IsZero() {
		t.Fatal("callback never fired")
	}
	if fired.Before(due) {
		t.Fatalf("callback fired at %s, before its due instant %s", fired, due)
	}
}

func TestRealtimeStopUnblocksIdleLoop(t *testing.T) {
	idle := event.NewBuffer(1)

	d := NewRealtime(WithPollInterval(500 * time.Millisecond))
	if err := d.AddSource(idle); err != nil {
		t.Fatalf("add source: %v", err)
	}

	begin := time.Now()
	go func() {
		time.Sleep(20 * time.Millisecond)
		d.Stop()
	}()
	if err := runGuarded(t, d, 3*time.Second); err != nil {
		t.Fatalf("run: %v", err)
	}
	if elapsed := time.Since(begin); elapsed > 400*time.Millisecond {
		t.Fatalf("run took %s to observe Stop, want well under the poll interval", elapsed)
	}
}

func TestRealtimeContextCancelExitsLoop(t *testing.T) {
	idle := event.NewBuffer(1)

	d := NewRealtime(WithPollInterval(10 * time.Millisecond))
	if err := d.AddSource(idle); err != nil {
		t.Fatalf("add source: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after context cancellation")
	}
}

type pushingProducer struct {
	buf  *event.Buffer
	evs  []event.Event
	done chan struct{}
}

func (p *pushingProducer) Start(ctx context.Context) error {
	go func() {
		defer close(p.done)
		defer p.buf.Close()
		for _, ev := range p.evs {
			if err := p.buf.Push(ctx, ev); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *pushingProducer) Stop() {}

func TestRealtimeConsumesLiveProducer(t *testing.T) {
	base := time.Now().Add(-time.Second)
	producer := &pushingProducer{done: make(chan struct{})}
	buf := event.NewBuffer(1, event.WithProducer(producer))
	producer.buf = buf
	for i := 0; i < 3; i++ {
		producer.evs = append(producer.evs,
			event.NewGeneric(kindTest, base.Add(time.Duration(i)*time.Millisecond), i))
	}

	d := NewRealtime(WithPollInterval(5 * time.Millisecond))
	if err := d.AddSource(buf); err != nil {
		t.Fatalf("add source: %v", err)
	}
	delivered := 0
	d.Subscribe(kindTest, func(context.Context, event.Event) error {
		delivered++
		return nil
	})

	if err := runGuarded(t, d, 3*time.Second); err != nil {
		t.Fatalf("run: %v", err)
	}
	select {
	case <-producer.done:
	case <-time.After(time.Second):
		t.Fatal("producer goroutine never finished")
	}
	if delivered != 3 {
		t.Fatalf("delivered %d events, want 3", delivered)
	}
}
