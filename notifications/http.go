package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

type httpStatusListener interface {
	status(resp *http.Response)
	err(err error)
}

// httpSink POSTs each event, in its own envelope, to an endpoint URL. Any response status outside 2xx and 3xx is an
// error so that the event is retried.
type httpSink struct {
	url       string
	headers   http.Header
	client    *http.Client
	listeners []httpStatusListener

	mu     sync.Mutex
	closed bool
}

func newHTTPSink(u string, timeout time.Duration, headers http.Header, transport http.RoundTripper, listeners ...httpStatusListener) *httpSink {
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &httpSink{
		url:       u,
		headers:   headers,
		client:    &http.Client{Transport: transport, Timeout: timeout},
		listeners: listeners,
	}
}

// Write sends the event. Concurrent writes are serialized.
func (hs *httpSink) Write(event *Event) error {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	if hs.closed {
		return ErrSinkClosed
	}

	body, err := json.Marshal(Envelope{Events: []*Event{event}})
	if err != nil {
		return fmt.Errorf("encoding event envelope: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, hs.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request to %s: %w", hs.url, err)
	}
	for k, vv := range hs.headers {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", EventsMediaType)

	resp, err := hs.client.Do(req)
	if err != nil {
		for _, l := range hs.listeners {
			l.err(err)
		}
		return fmt.Errorf("sending event to %s: %w", hs.url, err)
	}
	defer resp.Body.Close()

	for _, l := range hs.listeners {
		l.status(resp)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("sending event to %s: unexpected response status %s", hs.url, resp.Status)
	}

	return nil
}

// Close prevents further writes.
func (hs *httpSink) Close() error {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	if hs.closed {
		return errAlreadyClosed
	}
	hs.closed = true

	return nil
}
