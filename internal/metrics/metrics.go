// Package metrics provides Prometheus metrics for the UDP relay.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "udprelay"
)

// Traffic directions used as label values.
const (
	DirectionUpstream   = "upstream"   // client -> remote
	DirectionDownstream = "downstream" // remote -> client
)

// Session setup stages used as label values.
const (
	StageBind      = "bind"
	StageAssociate = "associate"
)

// Metrics contains all Prometheus metrics for the relay.
type Metrics struct {
	// Session metrics
	SessionsActive     prometheus.Gauge
	SessionsCreated    prometheus.Counter
	SessionSetupErrors *prometheus.CounterVec
	Evictions          prometheus.Counter
	EvictedSessions    prometheus.Counter
	GreetingsSent      prometheus.Counter

	// Data transfer metrics
	Datagrams *prometheus.CounterVec
	Bytes     *prometheus.CounterVec

	// Error metrics
	SendErrors    *prometheus.CounterVec
	ReceiveErrors *prometheus.CounterVec
	TaskPanics    prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance registered with the
// Prometheus default registerer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetricsWithRegistry(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of client sessions in the session table",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of client sessions created",
		}),
		SessionSetupErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_setup_errors_total",
			Help:      "Total session setup failures by stage",
		}, []string{"stage"}),
		Evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Total number of bulk evictions of the session table",
		}),
		EvictedSessions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evicted_sessions_total",
			Help:      "Total number of sessions dropped by bulk eviction",
		}),
		GreetingsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "greetings_sent_total",
			Help:      "Total greeting datagrams sent to new clients",
		}),
		Datagrams: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_total",
			Help:      "Total datagrams relayed by direction",
		}, []string{"direction"}),
		Bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total payload bytes relayed by direction",
		}, []string{"direction"}),
		SendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Total datagram send failures by direction",
		}, []string{"direction"}),
		ReceiveErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receive_errors_total",
			Help:      "Total datagram receive failures by direction",
		}, []string{"direction"}),
		TaskPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_panics_total",
			Help:      "Total panics recovered in relay goroutines",
		}),
	}
}

// RecordSessionOpen records a session entering the table.
func (m *Metrics) RecordSessionOpen() {
	m.SessionsActive.Inc()
	m.SessionsCreated.Inc()
}

// RecordSessionSetupError records a failed session setup at the given stage.
func (m *Metrics) RecordSessionSetupError(stage string) {
	m.SessionSetupErrors.WithLabelValues(stage).Inc()
}

// RecordEviction records a bulk eviction that dropped count sessions.
func (m *Metrics) RecordEviction(count int) {
	m.Evictions.Inc()
	m.EvictedSessions.Add(float64(count))
	m.SessionsActive.Sub(float64(count))
}

// RecordGreeting records a greeting sent to a new client.
func (m *Metrics) RecordGreeting() {
	m.GreetingsSent.Inc()
}

// RecordDatagram records a relayed datagram of n bytes.
func (m *Metrics) RecordDatagram(direction string, n int) {
	m.Datagrams.WithLabelValues(direction).Inc()
	m.Bytes.WithLabelValues(direction).Add(float64(n))
}

// RecordSendError records a failed send.
func (m *Metrics) RecordSendError(direction string) {
	m.SendErrors.WithLabelValues(direction).Inc()
}

// RecordReceiveError records a failed receive.
func (m *Metrics) RecordReceiveError(direction string) {
	m.ReceiveErrors.WithLabelValues(direction).Inc()
}

// RecordTaskPanic records a recovered panic.
func (m *Metrics) RecordTaskPanic() {
	m.TaskPanics.Inc()
}

// RecordSessionsClosed records sessions dropped at shutdown.
func (m *Metrics) RecordSessionsClosed(count int) {
	m.SessionsActive.Sub(float64(count))
}
