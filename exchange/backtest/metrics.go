package backtest

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tempora/exchange"
	"github.com/coachpo/tempora/lib/telemetry"
)

// venueMetrics holds the simulated venue's OTel instruments. Every record
// path is nil-safe so an unconfigured meter provider costs nothing.
type venueMetrics struct {
	orders metric.Int64Counter
	fills  metric.Int64Counter
}

func newVenueMetrics() *venueMetrics {
	meter := otel.Meter("tempora.exchange")
	m := &venueMetrics{}
	if counter, err := meter.Int64Counter(telemetry.MetricOrdersSubmitted,
		metric.WithDescription("Orders accepted by the venue"),
		metric.WithUnit("{order}")); err == nil {
		m.orders = counter
	}
	if counter, err := meter.Int64Counter(telemetry.MetricFillsExecuted,
		metric.WithDescription("Fills executed against bar liquidity"),
		metric.WithUnit("{fill}")); err == nil {
		m.fills = counter
	}
	return m
}

func (m *venueMetrics) orderSubmitted(ctx context.Context, info exchange.OrderInfo) {
	if m == nil || m.orders == nil {
		return
	}
	m.orders.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrVenue.String(venueBacktest),
		telemetry.AttrPair.String(info.Pair.Symbol()),
		telemetry.AttrSide.String(string(info.Side)),
		telemetry.AttrOrderType.String(string(info.Type)),
	))
}

func (m *venueMetrics) fillExecuted(ctx context.Context, f *exchange.Fill) {
	if m == nil || m.fills == nil || f == nil {
		return
	}
	m.fills.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrVenue.String(venueBacktest),
		telemetry.AttrPair.String(f.Pair.Symbol()),
		telemetry.AttrSide.String(string(f.Side)),
	))
}
