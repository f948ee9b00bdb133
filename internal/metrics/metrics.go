// Package metrics exposes claspd's Prometheus collectors, grounded in the
// teacher's go-server/internal/metrics/metrics.go counters/gauges/
// histograms, generalized from WebSocket-relay-specific names to CLASP's
// session/message/store vocabulary.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements dispatch.Metrics and session-level observability.
type Collector struct {
	sessionsActive   prometheus.Gauge
	sessionsAccepted prometheus.Counter
	sessionsClosed   *prometheus.CounterVec

	messagesReceived  *prometheus.CounterVec
	messagesDelivered *prometheus.CounterVec
	messageLatency    prometheus.Histogram

	backpressureEvents *prometheus.CounterVec

	storeParams        prometheus.Gauge
	subscriptionsActive prometheus.Gauge

	bundlesScheduled prometheus.Counter
	bundlesApplied   prometheus.Counter
}

func NewCollector() *Collector {
	return &Collector{
		sessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clasp_sessions_active",
			Help: "Number of sessions currently in Hello/Ready/Draining state.",
		}),
		sessionsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clasp_sessions_accepted_total",
			Help: "Total sessions admitted past resource gating.",
		}),
		sessionsClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clasp_sessions_closed_total",
			Help: "Total sessions closed, by reason.",
		}, []string{"reason"}),
		messagesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clasp_messages_received_total",
			Help: "Total inbound messages processed by the dispatcher, by type.",
		}, []string{"type"}),
		messagesDelivered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clasp_messages_delivered_total",
			Help: "Total outbound messages enqueued for delivery, by type.",
		}, []string{"type"}),
		messageLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "clasp_message_latency_seconds",
			Help:    "End-to-end dispatcher processing latency.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}),
		backpressureEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "clasp_backpressure_events_total",
			Help: "Total backpressure events, by reason (outbound_queue_saturated, event_rate_exceeded, ...).",
		}, []string{"reason"}),
		storeParams: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clasp_store_params",
			Help: "Number of Param addresses currently held in the state store.",
		}),
		subscriptionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clasp_subscriptions_active",
			Help: "Number of live subscriptions across all sessions.",
		}),
		bundlesScheduled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clasp_bundles_scheduled_total",
			Help: "Total bundles parked in the scheduler for future delivery.",
		}),
		bundlesApplied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clasp_bundles_applied_total",
			Help: "Total bundles applied (immediate or fired from the scheduler).",
		}),
	}
}

func (c *Collector) MessageReceived(typ string)  { c.messagesReceived.WithLabelValues(typ).Inc() }
func (c *Collector) MessageDelivered(typ string) { c.messagesDelivered.WithLabelValues(typ).Inc() }
func (c *Collector) BackpressureEvent(reason string) {
	c.backpressureEvents.WithLabelValues(reason).Inc()
}

func (c *Collector) SessionAccepted()              { c.sessionsAccepted.Inc() }
func (c *Collector) SessionClosed(reason string)    { c.sessionsClosed.WithLabelValues(reason).Inc() }
func (c *Collector) SetSessionsActive(n int)        { c.sessionsActive.Set(float64(n)) }
func (c *Collector) SetStoreParams(n int)           { c.storeParams.Set(float64(n)) }
func (c *Collector) SetSubscriptionsActive(n int)   { c.subscriptionsActive.Set(float64(n)) }
func (c *Collector) BundleScheduled()               { c.bundlesScheduled.Inc() }
func (c *Collector) BundleApplied()                 { c.bundlesApplied.Inc() }
func (c *Collector) ObserveMessageLatencySeconds(s float64) { c.messageLatency.Observe(s) }
