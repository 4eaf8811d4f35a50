// ABOUTME: Bus metrics: Prometheus collectors plus a plain counter snapshot for programmatic inspection.
// ABOUTME: Passing a nil Registerer keeps collectors unregistered, which tests rely on.
package bus

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks bus activity. All methods are safe for concurrent use.
type Metrics struct {
	sentTotal      prometheus.Counter
	deliveredTotal prometheus.Counter
	failedTotal    prometheus.Counter
	retriedTotal   prometheus.Counter
	expiredTotal   prometheus.Counter
	droppedTotal   prometheus.Counter
	agentsGauge    prometheus.Gauge
	queueGauge     *prometheus.GaugeVec
	deliveryTime   prometheus.Histogram

	mu   sync.Mutex
	snap MetricsSnapshot
}

// MetricsSnapshot is a point-in-time copy of the bus counters.
type MetricsSnapshot struct {
	Sent      int64 `json:"sent"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
	Expired   int64 `json:"expired"`
	Dropped   int64 `json:"dropped"`
	Agents    int   `json:"agents"`
}

// NewMetrics builds bus metrics, registering the collectors when reg is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skein_bus_messages_sent_total",
			Help: "Messages accepted by the bus.",
		}),
		deliveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skein_bus_messages_delivered_total",
			Help: "Messages successfully delivered to a handler.",
		}),
		failedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skein_bus_messages_failed_total",
			Help: "Messages dropped after retry exhaustion or with no handler.",
		}),
		retriedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skein_bus_messages_retried_total",
			Help: "Delivery retries scheduled.",
		}),
		expiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skein_bus_messages_expired_total",
			Help: "Messages discarded because their TTL elapsed before delivery.",
		}),
		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skein_bus_messages_dropped_total",
			Help: "Sends rejected because a recipient queue was full.",
		}),
		agentsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "skein_bus_agents_registered",
			Help: "Currently registered agents.",
		}),
		queueGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "skein_bus_queue_depth",
			Help: "Queued messages per agent.",
		}, []string{"agent"}),
		deliveryTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "skein_bus_delivery_seconds",
			Help:    "Time from send to successful handler completion.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.sentTotal, m.deliveredTotal, m.failedTotal, m.retriedTotal,
			m.expiredTotal, m.droppedTotal, m.agentsGauge, m.queueGauge,
			m.deliveryTime,
		)
	}
	return m
}

func (m *Metrics) sent() {
	m.sentTotal.Inc()
	m.mu.Lock()
	m.snap.Sent++
	m.mu.Unlock()
}

func (m *Metrics) delivered(latency time.Duration) {
	m.deliveredTotal.Inc()
	m.deliveryTime.Observe(latency.Seconds())
	m.mu.Lock()
	m.snap.Delivered++
	m.mu.Unlock()
}

func (m *Metrics) failed() {
	m.failedTotal.Inc()
	m.mu.Lock()
	m.snap.Failed++
	m.mu.Unlock()
}

func (m *Metrics) retried() {
	m.retriedTotal.Inc()
	m.mu.Lock()
	m.snap.Retried++
	m.mu.Unlock()
}

func (m *Metrics) expired() {
	m.expiredTotal.Inc()
	m.mu.Lock()
	m.snap.Expired++
	m.mu.Unlock()
}

func (m *Metrics) dropped() {
	m.droppedTotal.Inc()
	m.mu.Lock()
	m.snap.Dropped++
	m.mu.Unlock()
}

func (m *Metrics) agentsRegistered(n int) {
	m.agentsGauge.Set(float64(n))
	m.mu.Lock()
	m.snap.Agents = n
	m.mu.Unlock()
}

func (m *Metrics) queueDepth(agentID string, n int) {
	m.queueGauge.WithLabelValues(agentID).Set(float64(n))
}

func (m *Metrics) snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}
