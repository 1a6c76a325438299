// Package metrics exposes Prometheus instrumentation for ingestion and
// dispatch. All methods are nil-safe so components can run without a
// registry in tests.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kwrelay/kwrelay/internal/store"
)

// Metrics holds the hot-path counters updated by the listener and the
// dispatch scheduler.
type Metrics struct {
	eventsIngested  prometheus.Counter
	eventsDuplicate prometheus.Counter
	eventsSkipped   prometheus.Counter
	sendOutcomes    *prometheus.CounterVec
	sendDuration    prometheus.Histogram
	sendersCooling  prometheus.Gauge
	sendersOut      prometheus.Gauge
}

// New registers and returns the instrument set. reg must not be nil.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		eventsIngested: f.NewCounter(prometheus.CounterOpts{
			Name: "kwrelay_events_ingested_total",
			Help: "Target events recorded from matched messages",
		}),
		eventsDuplicate: f.NewCounter(prometheus.CounterOpts{
			Name: "kwrelay_events_duplicate_total",
			Help: "Ingestion attempts dropped as duplicates",
		}),
		eventsSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "kwrelay_events_skipped_total",
			Help: "Matched messages skipped by the resend cooldown",
		}),
		sendOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kwrelay_send_outcomes_total",
			Help: "Delivery attempts by outcome class",
		}, []string{"class"}),
		sendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "kwrelay_send_duration_seconds",
			Help:    "Wall time of transport send calls",
			Buckets: prometheus.DefBuckets,
		}),
		sendersCooling: f.NewGauge(prometheus.GaugeOpts{
			Name: "kwrelay_senders_cooling_down",
			Help: "Sender accounts currently inside a cooldown window",
		}),
		sendersOut: f.NewGauge(prometheus.GaugeOpts{
			Name: "kwrelay_senders_suspended",
			Help: "Sender accounts suspended from scheduling",
		}),
	}
}

// IncIngested counts one recorded event.
func (m *Metrics) IncIngested() {
	if m != nil {
		m.eventsIngested.Inc()
	}
}

// IncDuplicate counts one duplicate ingestion.
func (m *Metrics) IncDuplicate() {
	if m != nil {
		m.eventsDuplicate.Inc()
	}
}

// IncSkipped counts one message dropped by the resend cooldown.
func (m *Metrics) IncSkipped() {
	if m != nil {
		m.eventsSkipped.Inc()
	}
}

// ObserveSend records one delivery attempt outcome and its duration.
func (m *Metrics) ObserveSend(class string, d time.Duration) {
	if m != nil {
		m.sendOutcomes.WithLabelValues(class).Inc()
		m.sendDuration.Observe(d.Seconds())
	}
}

// SetSenderStates updates the cooldown and suspension gauges.
func (m *Metrics) SetSenderStates(cooling, suspended int) {
	if m != nil {
		m.sendersCooling.Set(float64(cooling))
		m.sendersOut.Set(float64(suspended))
	}
}

var queueDepthDesc = prometheus.NewDesc(
	"kwrelay_events",
	"Target events by status",
	[]string{"status"},
	nil,
)

// StatusCollector reads event counts from the store on each scrape.
type StatusCollector struct {
	store  store.EventStore
	logger *slog.Logger
}

// NewStatusCollector builds a collector over the event store.
func NewStatusCollector(s store.EventStore, logger *slog.Logger) *StatusCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusCollector{store: s, logger: logger}
}

// Describe sends the metric descriptor to the channel.
func (c *StatusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- queueDepthDesc
}

// Collect queries the store for per-status counts and emits them as gauges.
func (c *StatusCollector) Collect(ch chan<- prometheus.Metric) {
	counts, err := c.store.CountByStatus(context.Background())
	if err != nil {
		c.logger.Error("status metrics collection failed", "error", err)
		return
	}
	for status, n := range counts {
		ch <- prometheus.MustNewConstMetric(
			queueDepthDesc,
			prometheus.GaugeValue,
			float64(n),
			string(status),
		)
	}
}
