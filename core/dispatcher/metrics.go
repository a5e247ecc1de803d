package dispatcher

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tempora/core/event"
	"github.com/coachpo/tempora/lib/telemetry"
)

const meterName = "tempora.dispatcher"

// runMetrics holds the dispatcher's OTel instruments. Every record path is
// nil-safe so an unconfigured meter provider costs nothing.
type runMetrics struct {
	events    metric.Int64Counter
	callbacks metric.Int64Counter
	errors    metric.Int64Counter
	latency   metric.Float64Histogram
}

func newRunMetrics(mux *Multiplexer) *runMetrics {
	meter := otel.Meter(meterName)
	m := &runMetrics{}

	if counter, err := meter.Int64Counter(telemetry.MetricEventsDispatched,
		metric.WithDescription("Events delivered to subscribers"),
		metric.WithUnit("{event}")); err == nil {
		m.events = counter
	}
	if counter, err := meter.Int64Counter("tempora.dispatcher.callbacks",
		metric.WithDescription("Scheduled callbacks executed"),
		metric.WithUnit("{callback}")); err == nil {
		m.callbacks = counter
	}
	if counter, err := meter.Int64Counter("tempora.dispatcher.errors",
		metric.WithDescription("Handler and callback failures"),
		metric.WithUnit("{error}")); err == nil {
		m.errors = counter
	}
	if histogram, err := meter.Float64Histogram(telemetry.MetricDispatchDuration,
		metric.WithDescription("Handler execution duration"),
		metric.WithUnit("s")); err == nil {
		m.latency = histogram
	}
	if mux != nil {
		_, _ = meter.Int64ObservableGauge("tempora.dispatcher.buffer.depth",
			metric.WithDescription("Undelivered events buffered across sources"),
			metric.WithUnit("{event}"),
			metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
				observer.Observe(int64(mux.BufferedDepth()))
				return nil
			}))
	}
	return m
}

func (m *runMetrics) eventDispatched(ctx context.Context, kind event.Kind) {
	if m == nil || m.events == nil {
		return
	}
	m.events.Add(ctx, 1, metric.WithAttributes(telemetry.AttrEventKind.String(string(kind))))
}

func (m *runMetrics) handlerDone(ctx context.Context, kind event.Kind, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	if m.latency != nil {
		m.latency.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(telemetry.AttrEventKind.String(string(kind))))
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, metric.WithAttributes(telemetry.AttrEventKind.String(string(kind))))
	}
}

func (m *runMetrics) callbackDone(ctx context.Context, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	if m.callbacks != nil {
		m.callbacks.Add(ctx, 1)
	}
	if m.latency != nil {
		m.latency.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(telemetry.AttrEventKind.String("callback")))
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, metric.WithAttributes(telemetry.AttrEventKind.String("callback")))
	}
}
