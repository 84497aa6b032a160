package notifications

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds alert delivery collectors. They are registered once per
// process so several services (and tests) can share them.
type Metrics struct {
	deliveredTotal   *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	retriesTotal     *prometheus.CounterVec
	droppedTotal     *prometheus.CounterVec
	queueDepth       prometheus.Gauge
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// NewMetrics returns the process-wide Metrics.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			deliveredTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "credit_alerts_delivered_total",
					Help: "Alert delivery attempts by channel, event type and outcome",
				},
				[]string{"channel", "event_type", "status"},
			),

			deliveryDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "credit_alert_delivery_duration_seconds",
					Help:    "Alert delivery duration in seconds",
					Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
				},
				[]string{"channel"},
			),

			retriesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "credit_alert_retries_total",
					Help: "Alert retry attempts",
				},
				[]string{"channel", "attempt"},
			),

			droppedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "credit_alerts_dropped_total",
					Help: "Alerts abandoned after exhausting retries or a full queue",
				},
				[]string{"channel", "reason"},
			),

			queueDepth: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "credit_alert_retry_queue_depth",
					Help: "Current depth of the alert retry queue",
				},
			),
		}
	})

	return metricsInstance
}

// RecordDelivery records a delivery attempt.
func (m *Metrics) RecordDelivery(channel, eventType, status string, duration time.Duration) {
	m.deliveredTotal.WithLabelValues(channel, eventType, status).Inc()
	m.deliveryDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

// RecordRetry records a retry being queued.
func (m *Metrics) RecordRetry(channel string, attempt int) {
	m.retriesTotal.WithLabelValues(channel, strconv.Itoa(attempt)).Inc()
}

// RecordDropped records an alert that will not be delivered.
func (m *Metrics) RecordDropped(channel, reason string) {
	m.droppedTotal.WithLabelValues(channel, reason).Inc()
}

// SetQueueDepth sets the current retry queue depth.
func (m *Metrics) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}
