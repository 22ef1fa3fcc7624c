// Package metrics holds the server's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "jsfcgi"

// Registry is the registry served by [Handler].
var Registry = prometheus.NewRegistry()

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests answered, by HTTP status.",
		},
		[]string{"status"},
	)
	loadOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "load_outcomes_total",
			Help:      "Script load outcomes.",
		},
		[]string{"outcome"},
	)
	requestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from accept to finish.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)
	acceptErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accept_errors_total",
			Help:      "Transient accept failures.",
		},
	)
	connErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Connections dropped for breaking the FastCGI protocol.",
		},
	)
	sessionErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Interpreter sessions that could not be created.",
		},
	)
	workers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers",
			Help:      "Running workers.",
		},
	)
	busyWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "busy_workers",
			Help:      "Workers currently handling a request.",
		},
	)
)

var registerMetrics sync.Once

// Register all metrics, plus the Go runtime and process collectors.
func Register() {
	registerMetrics.Do(func() {
		Registry.MustRegister(requestsTotal)
		Registry.MustRegister(loadOutcomesTotal)
		Registry.MustRegister(requestDuration)
		Registry.MustRegister(acceptErrorsTotal)
		Registry.MustRegister(connErrorsTotal)
		Registry.MustRegister(sessionErrorsTotal)
		Registry.MustRegister(workers)
		Registry.MustRegister(busyWorkers)
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler serves [Registry] in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// RecordRequest records one answered request and how long it took.
func RecordRequest(status int, d time.Duration) {
	requestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	requestDuration.Observe(d.Seconds())
}

// RecordLoadOutcome records the outcome name of one script load.
func RecordLoadOutcome(outcome string) {
	loadOutcomesTotal.WithLabelValues(outcome).Inc()
}

func RecordAcceptError() {
	acceptErrorsTotal.Inc()
}

func RecordConnError() {
	connErrorsTotal.Inc()
}

func RecordSessionError() {
	sessionErrorsTotal.Inc()
}

// WorkerStarted and WorkerStopped track the worker pool size.
func WorkerStarted() { workers.Inc() }

func WorkerStopped() { workers.Dec() }

// RequestStarted and RequestDone track busy workers.
func RequestStarted() { busyWorkers.Inc() }

func RequestDone() { busyWorkers.Dec() }
