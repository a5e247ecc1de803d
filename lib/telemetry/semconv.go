package telemetry

import "go.opentelemetry.io/otel/attribute"

// Instrument names registered by Tempora components.
const (
	// MetricEventsDispatched counts events delivered to handlers.
	MetricEventsDispatched = "tempora.dispatcher.events"
	// MetricDispatchDuration measures handler latency in seconds.
	MetricDispatchDuration = "tempora.dispatcher.duration"
	// MetricOrdersSubmitted counts order submissions by side and type.
	MetricOrdersSubmitted = "tempora.exchange.orders"
	// MetricFillsExecuted counts executed fills.
	MetricFillsExecuted = "tempora.exchange.fills"
	// MetricLedgerMigrations counts schema migrations executed via golang-migrate.
	MetricLedgerMigrations = "tempora.ledger.migrations"
)

// Attribute keys shared across Tempora metrics.
var (
	AttrEventKind = attribute.Key("tempora.event.kind")
	AttrPair      = attribute.Key("tempora.pair")
	AttrSide      = attribute.Key("tempora.order.side")
	AttrOrderType = attribute.Key("tempora.order.type")
	AttrVenue     = attribute.Key("tempora.venue")
)
