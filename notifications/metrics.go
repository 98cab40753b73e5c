package notifications

import (
	"net/http"
	"strconv"

	"github.com/backfila/backfila/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	eventsCounter       *prometheus.CounterVec
	pendingGauge        *prometheus.GaugeVec
	droppedCounter      *prometheus.CounterVec
	deliveredCounter    *prometheus.CounterVec
	lostCounter         *prometheus.CounterVec
	retriesHist         *prometheus.HistogramVec
	httpStatusesCounter *prometheus.CounterVec
	httpErrorsCounter   *prometheus.CounterVec
)

const (
	subsystem = "notifications"

	endpointLabel = "endpoint"
	actionLabel   = "action"
	codeLabel     = "code"
)

func init() {
	registerMetrics(prometheus.DefaultRegisterer)
}

func registerMetrics(registerer prometheus.Registerer) {
	counter := func(name, desc string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.NamespacePrefix,
				Subsystem: subsystem,
				Name:      name,
				Help:      desc,
			},
			append([]string{endpointLabel}, labels...),
		)
	}

	eventsCounter = counter("events_total", "A counter of events accepted by an endpoint queue.", actionLabel)
	droppedCounter = counter("dropped_total", "A counter of events dropped because an endpoint queue was full.")
	deliveredCounter = counter("delivered_total", "A counter of events delivered to an endpoint.")
	lostCounter = counter("lost_total", "A counter of events lost after exhausting delivery retries.")
	httpStatusesCounter = counter("http_status_total", "A counter of endpoint HTTP responses, by status code.", codeLabel)
	httpErrorsCounter = counter("http_errors_total", "A counter of endpoint HTTP requests that got no response.")

	pendingGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      "pending",
			Help:      "A gauge of events queued for an endpoint.",
		},
		[]string{endpointLabel},
	)
	retriesHist = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      "retries",
			Help:      "A histogram of delivery retries per event.",
			Buckets:   []float64{0, 1, 2, 3, 5, 10, 20},
		},
		[]string{endpointLabel},
	)

	registerer.MustRegister(
		eventsCounter, pendingGauge, droppedCounter, deliveredCounter, lostCounter, retriesHist,
		httpStatusesCounter, httpErrorsCounter,
	)
}

// endpointMetrics records the activity of one endpoint. It implements the listener interfaces of the sinks an
// endpoint is made of.
type endpointMetrics struct {
	endpoint string
}

func newEndpointMetrics(endpoint string) *endpointMetrics {
	return &endpointMetrics{endpoint: endpoint}
}

func (m *endpointMetrics) ingress(event *Event) {
	eventsCounter.WithLabelValues(m.endpoint, event.Action).Inc()
	pendingGauge.WithLabelValues(m.endpoint).Inc()
}

func (m *endpointMetrics) egress(*Event) {
	pendingGauge.WithLabelValues(m.endpoint).Dec()
}

func (m *endpointMetrics) drop(*Event) {
	pendingGauge.WithLabelValues(m.endpoint).Dec()
	droppedCounter.WithLabelValues(m.endpoint).Inc()
}

func (m *endpointMetrics) eventDelivered(retries int64) {
	deliveredCounter.WithLabelValues(m.endpoint).Inc()
	retriesHist.WithLabelValues(m.endpoint).Observe(float64(retries))
}

func (m *endpointMetrics) eventLost(retries int64) {
	lostCounter.WithLabelValues(m.endpoint).Inc()
	retriesHist.WithLabelValues(m.endpoint).Observe(float64(retries))
}

func (m *endpointMetrics) status(resp *http.Response) {
	httpStatusesCounter.WithLabelValues(m.endpoint, strconv.Itoa(resp.StatusCode)).Inc()
}

func (m *endpointMetrics) err(error) {
	httpErrorsCounter.WithLabelValues(m.endpoint).Inc()
}
