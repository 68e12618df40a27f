// Package metrics holds the process-wide Prometheus collectors.
//
// Collectors are package-level so any component can record without
// carrying a registry around. Engine-level series are labelled by
// tenant, order-flow series by symbol.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CyclesTotal counts completed trading cycles, including cycles that
	// ended in a skip.
	CyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quantdesk",
		Subsystem: "hft",
		Name:      "cycles_total",
		Help:      "Trading cycles run, per tenant.",
	}, []string{"tenant"})

	// CycleErrorsTotal counts cycles aborted by an unexpected error.
	CycleErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quantdesk",
		Subsystem: "hft",
		Name:      "cycle_errors_total",
		Help:      "Trading cycles aborted by an internal error, per tenant.",
	}, []string{"tenant"})

	// SkippedTotal counts cycles that ran but placed nothing, by reason
	// (daily_cap, paused_by_risk, daily_loss_cap, drawdown, low_accuracy).
	SkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quantdesk",
		Subsystem: "hft",
		Name:      "skipped_total",
		Help:      "Cycles that skipped order placement, per tenant and reason.",
	}, []string{"tenant", "reason"})

	// CycleSeconds observes wall time of one full cycle.
	CycleSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "quantdesk",
		Subsystem: "hft",
		Name:      "cycle_seconds",
		Help:      "Wall-clock duration of one trading cycle.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"tenant"})

	// ResearchAccuracy is the last evaluated accuracy per tenant and symbol.
	ResearchAccuracy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "quantdesk",
		Subsystem: "research",
		Name:      "accuracy",
		Help:      "Most recent research accuracy estimate.",
	}, []string{"tenant", "symbol"})

	// OrdersPlacedTotal counts accepted placements.
	OrdersPlacedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quantdesk",
		Subsystem: "orders",
		Name:      "placed_total",
		Help:      "Orders accepted by the venue, per symbol and side.",
	}, []string{"symbol", "side"})

	// OrdersCanceledTotal counts cancels that settled, venue-side or locally.
	OrdersCanceledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quantdesk",
		Subsystem: "orders",
		Name:      "canceled_total",
		Help:      "Orders settled by cancel, per symbol.",
	}, []string{"symbol"})

	// FillsTotal counts fills surfaced exactly once by the order registry.
	FillsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quantdesk",
		Subsystem: "orders",
		Name:      "fills_total",
		Help:      "Deduplicated fills, per symbol.",
	}, []string{"symbol"})

	// EnginesActive is the number of tenants with a running trading loop.
	EnginesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "quantdesk",
		Subsystem: "engine",
		Name:      "active",
		Help:      "Tenants with a running trading loop.",
	})

	// WSConnections is the number of connected event stream clients.
	WSConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "quantdesk",
		Subsystem: "bus",
		Name:      "connections",
		Help:      "Connected event stream clients, per channel.",
	}, []string{"channel"})

	// EventsDropped counts events discarded because a client was too slow.
	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quantdesk",
		Subsystem: "bus",
		Name:      "events_dropped_total",
		Help:      "Events discarded on slow or evicted clients, per channel.",
	}, []string{"channel"})
)

func init() {
	prometheus.MustRegister(
		CyclesTotal,
		CycleErrorsTotal,
		SkippedTotal,
		CycleSeconds,
		ResearchAccuracy,
		OrdersPlacedTotal,
		OrdersCanceledTotal,
		FillsTotal,
		EnginesActive,
		WSConnections,
		EventsDropped,
	)
}

// Handler serves the Prometheus exposition endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
