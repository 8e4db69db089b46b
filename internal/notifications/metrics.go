package notifications

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the alert delivery collectors
type Metrics struct {
	deliveredTotal   *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	retriesTotal     *prometheus.CounterVec
	queueDepth       prometheus.Gauge
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// NewMetrics returns the process-wide collectors
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			deliveredTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "credit_engine_alerts_delivered_total",
					Help: "Operator alerts delivered by channel, event type and status",
				},
				[]string{"channel", "event_type", "status"},
			),

			deliveryDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "credit_engine_alert_delivery_duration_seconds",
					Help:    "Alert delivery duration in seconds",
					Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
				},
				[]string{"channel"},
			),

			retriesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "credit_engine_alert_retries_total",
					Help: "Alert delivery retry attempts",
				},
				[]string{"channel", "retry_count"},
			),

			queueDepth: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "credit_engine_alert_retry_queue_depth",
					Help: "Current depth of the alert retry queue",
				},
			),
		}
	})

	return metricsInstance
}

// RecordDelivery records a delivery attempt
func (m *Metrics) RecordDelivery(channel, eventType, status string, duration time.Duration) {
	m.deliveredTotal.WithLabelValues(channel, eventType, status).Inc()
	m.deliveryDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

// RecordRetry records a retry attempt
func (m *Metrics) RecordRetry(channel string, retryCount int) {
	m.retriesTotal.WithLabelValues(channel, strconv.Itoa(retryCount)).Inc()
}

// SetQueueDepth sets the current retry queue depth
func (m *Metrics) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}
