package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "session_store"

var (
	registry = prometheus.NewRegistry()

	operationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operations_total",
		Help:      "Session operations by operation and outcome",
	}, []string{"operation", "outcome"})

	operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "operation_duration_seconds",
		Help:      "Session operation duration in seconds",
		Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
	}, []string{"operation"})

	transferredBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transferred_bytes_total",
		Help:      "Artifact bytes moved by direction",
	}, []string{"direction"})

	inflightTransfers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "inflight_transfers",
		Help:      "Streams currently being relayed by direction",
	}, []string{"direction"})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status code",
	}, []string{"method", "route", "status"})
)

// Outcome labels.
const (
	OutcomeOK       = "ok"
	OutcomeNotFound = "not_found"
	OutcomeError    = "error"
)

// Direction labels.
const (
	DirectionUpload   = "upload"
	DirectionDownload = "download"
)

func init() {
	registry.MustRegister(
		operationsTotal,
		operationDuration,
		transferredBytes,
		inflightTransfers,
		httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// ObserveOperation records one completed operation.
func ObserveOperation(operation, outcome string, elapsed time.Duration) {
	operationsTotal.WithLabelValues(operation, outcome).Inc()
	operationDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// AddTransferred adds n bytes to the direction counter.
func AddTransferred(direction string, n int64) {
	if n <= 0 {
		return
	}
	transferredBytes.WithLabelValues(direction).Add(float64(n))
}

// TrackTransfer marks a stream as in flight and returns the func that ends it.
func TrackTransfer(direction string) func() {
	g := inflightTransfers.WithLabelValues(direction)
	g.Inc()
	return g.Dec
}

// ObserveHTTP counts a finished HTTP request.
func ObserveHTTP(method, route string, status int) {
	if route == "" {
		route = "unmatched"
	}
	httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

// Registry exposes the collector registry, mainly for tests.
func Registry() *prometheus.Registry {
	return registry
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
