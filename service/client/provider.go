package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/backfila/backfila/log"
)

// ClientProvider builds clients for services using one connector type.
type ClientProvider interface {
	// ValidateExtraData checks the connector extra data of a service before it is registered.
	ValidateExtraData(extraData string) error
	// ClientFor builds a client for a service.
	ClientFor(serviceName, extraData string) (Client, error)
}

// ConnectorProvider resolves the ClientProvider of a connector type.
type ConnectorProvider struct {
	mu        sync.RWMutex
	providers map[string]ClientProvider
}

// NewConnectorProvider creates a ConnectorProvider with the given providers, keyed by connector type.
func NewConnectorProvider(providers map[string]ClientProvider) *ConnectorProvider {
	cp := &ConnectorProvider{providers: make(map[string]ClientProvider, len(providers))}
	for t, p := range providers {
		cp.providers[t] = p
	}
	return cp
}

// Register adds or replaces the provider of a connector type.
func (cp *ConnectorProvider) Register(connectorType string, p ClientProvider) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	cp.providers[connectorType] = p
}

// ClientProvider returns the provider of a connector type.
func (cp *ConnectorProvider) ClientProvider(connectorType string) (ClientProvider, error) {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	p, ok := cp.providers[connectorType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownConnector, connectorType)
	}
	return p, nil
}

// ClientFor builds a client for a service using its connector type.
func (cp *ConnectorProvider) ClientFor(connectorType, serviceName, extraData string) (Client, error) {
	p, err := cp.ClientProvider(connectorType)
	if err != nil {
		return nil, err
	}
	return p.ClientFor(serviceName, extraData)
}

// HTTPClientProviderConfig holds the settings shared by every HTTP client.
type HTTPClientProviderConfig struct {
	Timeout            time.Duration
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// HTTPClientProvider builds HTTPClient instances.
type HTTPClientProvider struct {
	config HTTPClientProviderConfig
	logger log.Logger
}

// NewHTTPClientProvider creates a provider for the HTTP connector.
func NewHTTPClientProvider(config HTTPClientProviderConfig, logger log.Logger) *HTTPClientProvider {
	if logger == nil {
		logger = log.GetLogger()
	}
	return &HTTPClientProvider{config: config, logger: logger}
}

// ValidateExtraData checks that the extra data holds a valid URL and headers.
func (*HTTPClientProvider) ValidateExtraData(extraData string) error {
	_, err := ParseHTTPConnectorData(extraData)
	return err
}

// ClientFor builds an HTTP client for a service.
func (p *HTTPClientProvider) ClientFor(serviceName, extraData string) (Client, error) {
	data, err := ParseHTTPConnectorData(extraData)
	if err != nil {
		return nil, err
	}

	opts := []HTTPClientOption{
		WithRateLimit(p.config.RateLimitPerSecond, p.config.RateLimitBurst),
		WithHTTPLogger(p.logger.WithFields(log.Fields{"service": serviceName, "url": data.URL})),
	}
	if p.config.Timeout > 0 {
		opts = append(opts, WithTimeout(p.config.Timeout))
	}

	return NewHTTPClient(data, opts...)
}
