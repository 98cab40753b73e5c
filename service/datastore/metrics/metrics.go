package metrics

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/backfila/backfila/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	queryDurationHist *prometheus.HistogramVec
	queryTotal        *prometheus.CounterVec
	timeSince         = time.Since // for test purposes only
)

const (
	subsystem      = "database"
	queryNameLabel = "name"

	queryDurationName = "query_duration_seconds"
	queryDurationDesc = "A histogram of latencies for database queries."

	queryTotalName = "queries_total"
	queryTotalDesc = "A counter for database queries."
)

func init() {
	registerMetrics(prometheus.DefaultRegisterer)
}

func registerMetrics(registerer prometheus.Registerer) {
	queryDurationHist = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      queryDurationName,
			Help:      queryDurationDesc,
			Buckets:   prometheus.DefBuckets,
		},
		[]string{queryNameLabel},
	)

	queryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      queryTotalName,
			Help:      queryTotalDesc,
		},
		[]string{queryNameLabel},
	)

	registerer.MustRegister(queryDurationHist, queryTotal)
}

// InstrumentQuery starts a timer for the named query. The returned function must be called once the query
// completes to record its duration.
func InstrumentQuery(name string) func() {
	start := time.Now()
	return func() {
		queryTotal.WithLabelValues(name).Inc()
		queryDurationHist.WithLabelValues(name).Observe(timeSince(start).Seconds())
	}
}

// Registrar manages dynamic registration/deregistration of Prometheus collectors.
//
// The Registrar maintains internal state about whether a collector is registered. All registration operations for a
// collector managed by a Registrar should go through that Registrar instance.
type Registrar struct {
	collector  prometheus.Collector
	registered bool
	mu         sync.Mutex
}

// NewRegistrar creates a new registrar for any Prometheus collector
func NewRegistrar(collector prometheus.Collector) *Registrar {
	return &Registrar{collector: collector}
}

// Register registers the collector with Prometheus
func (r *Registrar) Register() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.registered {
		return nil
	}

	if err := prometheus.Register(r.collector); err != nil {
		var alreadyRegisteredErr prometheus.AlreadyRegisteredError
		if errors.As(err, &alreadyRegisteredErr) {
			r.registered = true
			return nil
		}
		return fmt.Errorf("failed to register metrics collector: %w", err)
	}

	r.registered = true
	return nil
}

// Unregister removes the collector from Prometheus
func (r *Registrar) Unregister() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.registered {
		return
	}

	prometheus.Unregister(r.collector)
	r.registered = false
}

// IsRegistered returns whether the collector is currently registered
func (r *Registrar) IsRegistered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered
}
