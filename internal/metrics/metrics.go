// Package metrics exposes the Prometheus instrumentation for the protection
// engine and its orchestration layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PriceUpdates counts mark-price observations fed into the engine.
var PriceUpdates = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trailbot",
		Subsystem: "feed",
		Name:      "price_updates_total",
		Help:      "Total number of price updates fed into the engine",
	},
	[]string{"symbol", "source"}, // source: websocket, poller, replay
)

// FeedReconnects counts websocket reconnect attempts.
var FeedReconnects = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "trailbot",
		Subsystem: "feed",
		Name:      "reconnects_total",
		Help:      "Total number of websocket feed reconnects",
	},
)

// UpdateDuration observes the time one engine price pass takes.
var UpdateDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "trailbot",
		Subsystem: "engine",
		Name:      "update_duration_seconds",
		Help:      "Duration of a single engine price update pass",
		Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
	},
)

// Events counts protection events emitted by the engine.
var Events = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trailbot",
		Subsystem: "engine",
		Name:      "events_total",
		Help:      "Total number of protection events emitted",
	},
	[]string{"kind"}, // trailing_activated, stop_moved, partial_take_profit, position_closed
)

// Closes counts position closes by reason.
var Closes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trailbot",
		Subsystem: "engine",
		Name:      "closes_total",
		Help:      "Total number of position closes by reason",
	},
	[]string{"reason"},
)

// ActivePositions tracks the number of open positions in the registry.
var ActivePositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "trailbot",
		Subsystem: "engine",
		Name:      "active_positions",
		Help:      "Current number of open positions",
	},
)

// CloseFailures counts exchange close attempts that exhausted their retries.
var CloseFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trailbot",
		Subsystem: "executor",
		Name:      "close_failures_total",
		Help:      "Exchange close attempts that exhausted all retries",
	},
	[]string{"symbol"},
)

// EventsDropped counts events discarded because the executor queue was full.
var EventsDropped = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "trailbot",
		Subsystem: "executor",
		Name:      "events_dropped_total",
		Help:      "Events dropped because the executor queue was full",
	},
)

// SnapshotAge tracks seconds since the last successful registry snapshot.
var SnapshotAge = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "trailbot",
		Subsystem: "snapshot",
		Name:      "age_seconds",
		Help:      "Seconds since the last successful registry snapshot",
	},
)
