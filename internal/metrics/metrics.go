// Package metrics instruments the relay with Prometheus gauges and
// counters exposed on the listener's /metrics route, alongside a periodic
// human-readable stats line logged on a ticker for operators who aren't
// scraping.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ayushdedhia/pulse/internal/router"
)

// Metrics holds every gauge/counter the relay exposes.
type Metrics struct {
	onlineUsers    prometheus.Gauge
	openSessions   prometheus.Gauge
	pendingQueue   prometheus.Gauge
	messagesRouted *prometheus.CounterVec
	parseFailures  prometheus.Counter
}

// New registers the relay's metrics against reg (pass
// prometheus.DefaultRegisterer to back the default /metrics handler).
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		onlineUsers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulse",
			Name:      "online_users",
			Help:      "Number of distinct user ids with at least one live session.",
		}),
		openSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulse",
			Name:      "open_sessions",
			Help:      "Number of currently open WebSocket sessions.",
		}),
		pendingQueue: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulse",
			Name:      "offline_queue_depth",
			Help:      "Total number of envelopes queued across every offline user.",
		}),
		messagesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "messages_routed_total",
			Help:      "Envelopes routed, labeled by envelope type.",
		}, []string{"type"}),
		parseFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "parse_failures_total",
			Help:      "Inbound frames dropped for failing to parse.",
		}),
	}
}

// SessionOpened records a new WebSocket session.
func (m *Metrics) SessionOpened() { m.openSessions.Inc() }

// SessionClosed records a session ending.
func (m *Metrics) SessionClosed() { m.openSessions.Dec() }

// RecordRouted increments the per-type routed-message counter.
func (m *Metrics) RecordRouted(envelopeType string) {
	m.messagesRouted.WithLabelValues(envelopeType).Inc()
}

// RecordParseFailure increments the parse-failure counter.
func (m *Metrics) RecordParseFailure() { m.parseFailures.Inc() }

// RunStatsLogger samples router state onto the gauges and emits a
// human-readable log line every interval, until ctx is cancelled.
func (m *Metrics) RunStatsLogger(ctx context.Context, r *router.Router, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			online := len(r.OnlineUsers())
			pending := r.TotalPending()
			m.onlineUsers.Set(float64(online))
			m.pendingQueue.Set(float64(pending))
			if online > 0 || pending > 0 {
				slog.Info("metrics: relay stats", "online_users", online, "pending_queue_depth", pending)
			}
		}
	}
}
