package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/backfila/backfila/log"
	"gitlab.com/gitlab-org/labkit/correlation"
	"golang.org/x/time/rate"
)

const (
	// ConnectorHTTP is the connector type of services reached over HTTP with JSON bodies.
	ConnectorHTTP = "HTTP"

	basePath = "backfila"

	prepareBackfillPath   = basePath + "/prepare-backfill"
	getNextBatchRangePath = basePath + "/get-next-batch-range"
	runBatchPath          = basePath + "/run-batch"

	contentType = "application/json"

	// maxHeadersSize caps the total size of the custom headers a service may ask backfila to send.
	maxHeadersSize = 8 * 1024
	// maxErrorBodySize caps how much of an unsuccessful response body is kept in errors.
	maxErrorBodySize = 4 * 1024

	defaultHTTPTimeout = 10 * time.Second
)

// HTTPHeader is a header sent along with every call to a client service.
type HTTPHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// HTTPConnectorData is the connector extra data of services using the HTTP connector.
type HTTPConnectorData struct {
	URL     string       `json:"url"`
	Headers []HTTPHeader `json:"headers,omitempty"`
}

// ParseHTTPConnectorData decodes and validates HTTP connector extra data.
func ParseHTTPConnectorData(extraData string) (*HTTPConnectorData, error) {
	if extraData == "" {
		return nil, fmt.Errorf("%w: extra data required for HTTP connector", ErrInvalidConnectorData)
	}

	var data HTTPConnectorData
	if err := json.Unmarshal([]byte(extraData), &data); err != nil {
		return nil, fmt.Errorf("%w: failed to parse HTTP connector extra data JSON: %v", ErrInvalidConnectorData, err)
	}
	if data.URL == "" {
		return nil, fmt.Errorf("%w: HTTP connector extra data must contain a URL", ErrInvalidConnectorData)
	}
	u, err := url.Parse(data.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid HTTP connector URL %q", ErrInvalidConnectorData, data.URL)
	}

	size := 0
	for _, h := range data.Headers {
		if h.Name == "" {
			return nil, fmt.Errorf("%w: header names must be set", ErrInvalidConnectorData)
		}
		if h.Value == "" {
			return nil, fmt.Errorf("%w: header values must be set", ErrInvalidConnectorData)
		}
		size += len(h.Name) + len(h.Value)
	}
	if size > maxHeadersSize {
		return nil, fmt.Errorf("%w: headers too large", ErrInvalidConnectorData)
	}

	return &data, nil
}

// HTTPClientOption configures an HTTPClient.
type HTTPClientOption func(*HTTPClient)

// WithTimeout sets the timeout of every call.
func WithTimeout(d time.Duration) HTTPClientOption {
	return func(c *HTTPClient) {
		c.timeout = d
	}
}

// WithRateLimit caps the rate of calls sent by a client. A zero rate disables limiting.
func WithRateLimit(perSecond float64, burst int) HTTPClientOption {
	return func(c *HTTPClient) {
		if perSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithTransport sets the round tripper used for calls. Correlation IDs are propagated on top of it.
func WithTransport(rt http.RoundTripper) HTTPClientOption {
	return func(c *HTTPClient) {
		c.transport = rt
	}
}

// WithHTTPLogger sets the logger of a client.
func WithHTTPLogger(l log.Logger) HTTPClientOption {
	return func(c *HTTPClient) {
		c.logger = l
	}
}

// HTTPClient calls a client service with JSON over HTTP.
type HTTPClient struct {
	baseURL   *url.URL
	headers   []HTTPHeader
	timeout   time.Duration
	limiter   *rate.Limiter
	transport http.RoundTripper
	logger    log.Logger

	httpClient *http.Client
}

// NewHTTPClient builds a client for the service described by `data`.
func NewHTTPClient(data *HTTPConnectorData, opts ...HTTPClientOption) (*HTTPClient, error) {
	u, err := url.Parse(data.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConnectorData, err)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}

	c := &HTTPClient{
		baseURL:   u,
		headers:   data.Headers,
		timeout:   defaultHTTPTimeout,
		limiter:   rate.NewLimiter(rate.Inf, 0),
		transport: http.DefaultTransport,
		logger:    log.GetLogger(),
	}
	for _, o := range opts {
		o(c)
	}

	c.httpClient = &http.Client{
		Transport: correlation.NewInstrumentedRoundTripper(c.transport),
		Timeout:   c.timeout,
	}

	return c, nil
}

// PrepareBackfill asks the client service to validate a backfill and split its keyspace in partitions.
func (c *HTTPClient) PrepareBackfill(ctx context.Context, req *PrepareBackfillRequest) (*PrepareBackfillResponse, error) {
	resp := new(PrepareBackfillResponse)
	if err := c.call(ctx, prepareBackfillPath, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetNextBatchRange asks the client service for the batches following `PreviousEndKey`.
func (c *HTTPClient) GetNextBatchRange(ctx context.Context, req *GetNextBatchRangeRequest) (*GetNextBatchRangeResponse, error) {
	resp := new(GetNextBatchRangeResponse)
	if err := c.call(ctx, getNextBatchRangePath, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// RunBatch asks the client service to process a batch.
func (c *HTTPClient) RunBatch(ctx context.Context, req *RunBatchRequest) (*RunBatchResponse, error) {
	resp := new(RunBatchResponse)
	if err := c.call(ctx, runBatchPath, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *HTTPClient) call(ctx context.Context, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limiter: %w", err)
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", path, err)
	}

	endpoint := c.baseURL.ResolveReference(&url.URL{Path: path})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", contentType)
	for _, h := range c.headers {
		req.Header.Set(h.Name, h.Value)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%s after %s: %w", path, time.Since(start), ErrTimeout)
		}
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	c.logger.WithFields(log.Fields{
		"url":         endpoint.String(),
		"status_code": resp.StatusCode,
		"duration_s":  time.Since(start).Seconds(),
	}).Debug("client service call finished")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return &StatusError{Method: path, StatusCode: resp.StatusCode, Body: string(b)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%s after %s: %w", path, time.Since(start), ErrTimeout)
		}
		return fmt.Errorf("decoding %s response: %w", path, err)
	}

	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
