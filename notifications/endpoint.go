package notifications

import (
	"net/http"
	"time"
)

// DefaultQueueSizeLimit is the default number of events an endpoint queues before it starts dropping them.
const DefaultQueueSizeLimit = 3000

// DefaultQueuePurgeTimeout is how long a closing endpoint keeps delivering queued events before giving up on them.
// Delivery is best effort, this only has to stay well below the grace period of process supervisors.
const DefaultQueuePurgeTimeout = 5 * time.Second

const (
	defaultTimeout    = time.Second
	defaultBackoff    = time.Second
	defaultMaxRetries = 10
)

// EndpointConfig covers the optional configuration parameters of an endpoint.
type EndpointConfig struct {
	Headers           http.Header
	Timeout           time.Duration
	MaxRetries        int
	Backoff           time.Duration
	IgnoredActions    []string
	Transport         http.RoundTripper `json:"-"`
	QueuePurgeTimeout time.Duration
	QueueSizeLimit    int
}

// defaults set any zero-valued fields to a reasonable default.
func (ec *EndpointConfig) defaults() {
	if ec.Timeout <= 0 {
		ec.Timeout = defaultTimeout
	}
	if ec.Backoff <= 0 {
		ec.Backoff = defaultBackoff
	}
	if ec.MaxRetries <= 0 {
		ec.MaxRetries = defaultMaxRetries
	}
	if ec.QueuePurgeTimeout <= 0 {
		ec.QueuePurgeTimeout = DefaultQueuePurgeTimeout
	}
	if ec.QueueSizeLimit <= 0 {
		ec.QueueSizeLimit = DefaultQueueSizeLimit
	}
	if ec.Transport == nil {
		ec.Transport = http.DefaultTransport
	}
}

// Endpoint is a queued, thread-safe sink that notifies an external HTTP service of events. Writes are non-blocking
// and succeed for callers while the endpoint is open, events are delivered asynchronously.
type Endpoint struct {
	Sink
	url  string
	name string

	EndpointConfig
}

// NewEndpoint returns a running endpoint, ready to receive events.
func NewEndpoint(name, url string, config EndpointConfig) *Endpoint {
	e := &Endpoint{name: name, url: url, EndpointConfig: config}
	e.defaults()
	m := newEndpointMetrics(name)

	// filter -> queue -> retries -> http
	e.Sink = newHTTPSink(e.url, e.Timeout, e.Headers, e.Transport, m)
	e.Sink = newBackoffSink(e.Sink, e.Backoff, e.MaxRetries, m)
	e.Sink = newEventQueue(e.Sink, e.QueuePurgeTimeout, e.QueueSizeLimit, m)
	e.Sink = newIgnoredSink(e.Sink, e.IgnoredActions)

	return e
}

// Name returns the name of the endpoint.
func (e *Endpoint) Name() string {
	return e.name
}

// URL returns the url of the endpoint.
func (e *Endpoint) URL() string {
	return e.url
}
