// Package metrics exposes Prometheus collectors for the matcher, ledger
// feeders, settlement orchestrator and chain listeners.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "veilx"

// Metrics owns its own registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	OrdersTotal   *prometheus.CounterVec // pair, side, result
	FillsTotal    *prometheus.CounterVec // pair
	RestingOrders *prometheus.GaugeVec   // pair

	SettlementsTotal *prometheus.CounterVec // status, path
	WithdrawalsTotal *prometheus.CounterVec // status
	Reconciliation   prometheus.Counter

	ReportsTotal  *prometheus.CounterVec   // kind, path, result
	ReportLatency *prometheus.HistogramVec // kind, path

	ListenerEvents     *prometheus.CounterVec // chain, kind, result
	ListenerReconnects *prometheus.CounterVec // chain
	ListenerState      *prometheus.GaugeVec   // chain
	ListenerHead       *prometheus.GaugeVec   // chain
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "matching", Name: "orders_total",
			Help: "Orders submitted, by outcome.",
		}, []string{"pair", "side", "result"}),
		FillsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "matching", Name: "fills_total",
			Help: "Fills produced by the matcher.",
		}, []string{"pair"}),
		RestingOrders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "matching", Name: "resting_orders",
			Help: "Orders currently resting in the book.",
		}, []string{"pair"}),

		SettlementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "settlement", Name: "transitions_total",
			Help: "Settlement state transitions.",
		}, []string{"status", "path"}),
		WithdrawalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "settlement", Name: "withdrawals_total",
			Help: "Withdrawal state transitions.",
		}, []string{"status"}),
		Reconciliation: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "settlement", Name: "reconciliation_mismatches_total",
			Help: "On-chain outcomes that disagreed with the local record.",
		}),

		ReportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "report", Name: "submissions_total",
			Help: "Report submissions by kind, path and result.",
		}, []string{"kind", "path", "result"}),
		ReportLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "report", Name: "submission_seconds",
			Help:    "Report submission latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"kind", "path"}),

		ListenerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "listener", Name: "events_total",
			Help: "Vault events handled per chain.",
		}, []string{"chain", "kind", "result"}),
		ListenerReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "listener", Name: "reconnects_total",
			Help: "Listener sessions that ended and were restarted.",
		}, []string{"chain"}),
		ListenerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "listener", Name: "state",
			Help: "0=disconnected 1=connecting 2=subscribed.",
		}, []string{"chain"}),
		ListenerHead: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "listener", Name: "cursor_block",
			Help: "Block number of the last durably processed log.",
		}, []string{"chain"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.OrdersTotal, m.FillsTotal, m.RestingOrders,
		m.SettlementsTotal, m.WithdrawalsTotal, m.Reconciliation,
		m.ReportsTotal, m.ReportLatency,
		m.ListenerEvents, m.ListenerReconnects, m.ListenerState, m.ListenerHead,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (used by tests to gather).
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
