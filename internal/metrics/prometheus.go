package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cluster"

var (
	// Singleton instance registered with the default registerer
	instance *PrometheusMetrics
	once     sync.Once
)

// PrometheusMetrics handles all metrics collection for the cluster node.
// All methods are safe on a nil receiver so components can run without
// metrics in tests.
type PrometheusMetrics struct {
	// Directory metrics
	PeersTotal    prometheus.Gauge
	PingLatency   prometheus.Histogram
	PingFailures  prometheus.Counter
	PeersPruned   prometheus.Counter
	ScansTotal    prometheus.Counter
	ScanResponses prometheus.Counter

	// Dispatch metrics
	DispatchesTotal  *prometheus.CounterVec
	DispatchDuration prometheus.Histogram
	ChannelBytes     *prometheus.CounterVec
	CodeTransfers    *prometheus.CounterVec

	// Execution metrics
	ActiveTasks         prometheus.Gauge
	AdmissionRejections prometheus.Counter
	TaskCompletions     *prometheus.CounterVec
	ReturnDeliveries    *prometheus.CounterVec
	ConnectionsTotal    *prometheus.CounterVec

	// Admin API metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
}

// New creates metrics registered with reg.
func New(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)
	return &PrometheusMetrics{
		PeersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_total",
			Help:      "The number of peers in the directory",
		}),
		PingLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ping_latency_seconds",
			Help:      "Handshake plus probe round trip of successful pings",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .2, .5, 1, 2},
		}),
		PingFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ping_failures_total",
			Help:      "Pings that failed, timed out or got a wrong answer",
		}),
		PeersPruned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_pruned_total",
			Help:      "Peers removed from the directory",
		}),
		ScansTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Discovery sweeps run",
		}),
		ScanResponses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_responses_total",
			Help:      "Addresses that answered a discovery probe",
		}),

		DispatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatches_total",
				Help:      "Tasks sent to peers by outcome",
			},
			[]string{"outcome"},
		),
		DispatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time from connect to completion notice",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		}),
		ChannelBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "channel_bytes_total",
				Help:      "Payload bytes moved by channel transfers",
			},
			[]string{"direction"},
		),
		CodeTransfers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "code_negotiations_total",
				Help:      "Executable unit negotiations by result",
			},
			[]string{"result"},
		),

		ActiveTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tasks",
			Help:      "Tasks currently executing for remote peers",
		}),
		AdmissionRejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Submissions refused at the connection limit",
		}),
		TaskCompletions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_completions_total",
				Help:      "Executed tasks by completion mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		ReturnDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "return_deliveries_total",
				Help:      "Asynchronous returns by direction and outcome",
			},
			[]string{"direction", "outcome"},
		),
		ConnectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Accepted connections by role",
			},
			[]string{"role"},
		),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "requests_total",
				Help: "The total number of processed requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "request_duration_seconds",
				Help:    "The request latencies in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		RequestsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "requests_in_flight",
			Help: "The number of requests currently being processed",
		}),
	}
}

// NewPrometheusMetrics creates the singleton instance on the default registerer
func NewPrometheusMetrics() *PrometheusMetrics {
	once.Do(func() {
		instance = New(prometheus.DefaultRegisterer)
	})
	return instance
}

// GetMetrics returns the singleton PrometheusMetrics instance
func GetMetrics() *PrometheusMetrics {
	return NewPrometheusMetrics()
}

// Handler serves the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeNoPeers = "no_peers"
)

// SetPeersTotal updates the directory size
func (pm *PrometheusMetrics) SetPeersTotal(count int) {
	if pm == nil {
		return
	}
	pm.PeersTotal.Set(float64(count))
}

// ObservePing records a ping result; negative latency counts as a failure.
func (pm *PrometheusMetrics) ObservePing(latency time.Duration, ok bool) {
	if pm == nil {
		return
	}
	if !ok {
		pm.PingFailures.Inc()
		return
	}
	pm.PingLatency.Observe(latency.Seconds())
}

// RecordScan records a finished sweep and how many addresses answered.
func (pm *PrometheusMetrics) RecordScan(responses int) {
	if pm == nil {
		return
	}
	pm.ScansTotal.Inc()
	pm.ScanResponses.Add(float64(responses))
}

// RecordPruned counts peers dropped from the directory
func (pm *PrometheusMetrics) RecordPruned(n int) {
	if pm == nil {
		return
	}
	pm.PeersPruned.Add(float64(n))
}

// RecordDispatch records one dispatch outcome and its duration
func (pm *PrometheusMetrics) RecordDispatch(outcome string, duration time.Duration) {
	if pm == nil {
		return
	}
	pm.DispatchesTotal.WithLabelValues(outcome).Inc()
	if outcome != OutcomeNoPeers {
		pm.DispatchDuration.Observe(duration.Seconds())
	}
}

// AddChannelBytes adds transfer payload bytes for direction "sent" or "received".
func (pm *PrometheusMetrics) AddChannelBytes(direction string, n int64) {
	if pm == nil || n <= 0 {
		return
	}
	pm.ChannelBytes.WithLabelValues(direction).Add(float64(n))
}

// RecordCodeNegotiation records "exists", "transferred" or "failed".
func (pm *PrometheusMetrics) RecordCodeNegotiation(result string) {
	if pm == nil {
		return
	}
	pm.CodeTransfers.WithLabelValues(result).Inc()
}

// SetActiveTasks updates the number of executing tasks
func (pm *PrometheusMetrics) SetActiveTasks(n int) {
	if pm == nil {
		return
	}
	pm.ActiveTasks.Set(float64(n))
}

// RecordAdmissionRejection counts a submission refused at the limit
func (pm *PrometheusMetrics) RecordAdmissionRejection() {
	if pm == nil {
		return
	}
	pm.AdmissionRejections.Inc()
}

// RecordTaskCompletion records a finished task
func (pm *PrometheusMetrics) RecordTaskCompletion(mode, outcome string) {
	if pm == nil {
		return
	}
	pm.TaskCompletions.WithLabelValues(mode, outcome).Inc()
}

// RecordReturnDelivery records a return sent ("out") or received ("in")
func (pm *PrometheusMetrics) RecordReturnDelivery(direction, outcome string) {
	if pm == nil {
		return
	}
	pm.ReturnDeliveries.WithLabelValues(direction, outcome).Inc()
}

// RecordConnection counts an accepted connection by its role token
func (pm *PrometheusMetrics) RecordConnection(role string) {
	if pm == nil {
		return
	}
	pm.ConnectionsTotal.WithLabelValues(role).Inc()
}

// RecordRequest records a request with its method, endpoint, and status
func (pm *PrometheusMetrics) RecordRequest(method, endpoint, status string) {
	if pm == nil {
		return
	}
	pm.RequestsTotal.WithLabelValues(method, endpoint, status).Inc()
}

// ObserveRequestDuration records the duration of a request
func (pm *PrometheusMetrics) ObserveRequestDuration(method, endpoint string, duration float64) {
	if pm == nil {
		return
	}
	pm.RequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// IncRequestsInFlight increments the number of requests in flight
func (pm *PrometheusMetrics) IncRequestsInFlight() {
	if pm == nil {
		return
	}
	pm.RequestsInFlight.Inc()
}

// DecRequestsInFlight decrements the number of requests in flight
func (pm *PrometheusMetrics) DecRequestsInFlight() {
	if pm == nil {
		return
	}
	pm.RequestsInFlight.Dec()
}
