package coordinator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects refresh statistics for every coordinator sharing it.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	refreshes     *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	lastSuccess   *prometheus.GaugeVec
	available     *prometheus.GaugeVec
	notifications *prometheus.CounterVec
	shared        *prometheus.CounterVec
}

// NewMetrics creates the collector. Register it with a prometheus.Registerer.
func NewMetrics() *Metrics {
	labels := []string{"coordinator"}
	return &Metrics{
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicehub_coordinator_refresh_total",
			Help: "Completed fetches by outcome",
		}, []string{"coordinator", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "devicehub_coordinator_refresh_duration_seconds",
			Help:    "Fetch duration including timeouts",
			Buckets: prometheus.DefBuckets,
		}, labels),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "devicehub_coordinator_last_success_timestamp_seconds",
			Help: "Last successful fetch timestamp (epoch seconds)",
		}, labels),
		available: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "devicehub_coordinator_last_update_success",
			Help: "Most recent fetch outcome (1=ok, 0=error)",
		}, labels),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicehub_coordinator_notifications_total",
			Help: "Subscriber notification rounds",
		}, labels),
		shared: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devicehub_coordinator_shared_refresh_total",
			Help: "Out-of-band refresh requests that joined an in-flight fetch",
		}, labels),
	}
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.refreshes.Describe(ch)
	m.duration.Describe(ch)
	m.lastSuccess.Describe(ch)
	m.available.Describe(ch)
	m.notifications.Describe(ch)
	m.shared.Describe(ch)
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.refreshes.Collect(ch)
	m.duration.Collect(ch)
	m.lastSuccess.Collect(ch)
	m.available.Collect(ch)
	m.notifications.Collect(ch)
	m.shared.Collect(ch)
}

func (m *Metrics) observeRefresh(name string, res Result, took time.Duration, at time.Time) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(name, res.Outcome.String()).Inc()
	m.duration.WithLabelValues(name).Observe(took.Seconds())
	if res.OK() {
		m.lastSuccess.WithLabelValues(name).Set(float64(at.Unix()))
		m.available.WithLabelValues(name).Set(1)
	} else {
		m.available.WithLabelValues(name).Set(0)
	}
}

func (m *Metrics) observeNotification(name string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(name).Inc()
}

func (m *Metrics) observeShared(name string) {
	if m == nil {
		return
	}
	m.shared.WithLabelValues(name).Inc()
}

// forget drops the series of a coordinator that has been shut down.
func (m *Metrics) forget(name string) {
	if m == nil {
		return
	}
	for _, outcome := range []Outcome{OutcomeSuccess, OutcomeRecoverable, OutcomeAuthFailure} {
		m.refreshes.DeleteLabelValues(name, outcome.String())
	}
	m.duration.DeleteLabelValues(name)
	m.lastSuccess.DeleteLabelValues(name)
	m.available.DeleteLabelValues(name)
	m.notifications.DeleteLabelValues(name)
	m.shared.DeleteLabelValues(name)
}
