// Package health keeps track of the reachability of the backing services backfila depends on.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/backfila/backfila/log"
	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
)

// Overall statuses.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"
)

// Target statuses.
const (
	TargetOnline        = "online"
	TargetUnreachable   = "unreachable"
	TargetStatusUnknown = "unknown"
)

// Pinger is implemented by *datastore.DB and the Redis client adapter.
type Pinger interface {
	Address() string
	PingContext(context.Context) error
}

// Target is a named backing service to check.
type Target struct {
	Name   string
	Pinger Pinger
}

// StatusChecker asynchronously pings its targets and stores their status, returning it when required.
type StatusChecker struct {
	targets  []Target
	interval time.Duration
	timeout  time.Duration
	clock    clock.Clock

	mu       sync.RWMutex
	pingInfo map[string]*pingInfo
	logger   log.Logger
}

type pingInfo struct {
	err      error
	pingedAt time.Time
}

// StatusCheckerOption provides functional options for NewStatusChecker.
type StatusCheckerOption func(*StatusChecker)

// WithClock sets the clock used to tick and timestamp pings.
func WithClock(c clock.Clock) StatusCheckerOption {
	return func(s *StatusChecker) {
		s.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) StatusCheckerOption {
	return func(s *StatusChecker) {
		s.logger = l
	}
}

// NewStatusChecker creates a checker pinging targets every interval, each ping bounded by timeout.
func NewStatusChecker(interval, timeout time.Duration, targets []Target, opts ...StatusCheckerOption) *StatusChecker {
	s := &StatusChecker{
		targets:  targets,
		interval: interval,
		timeout:  timeout,
		clock:    clock.New(),
		pingInfo: make(map[string]*pingInfo),
		logger:   log.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithField("component", "backfila.health.StatusChecker")

	return s
}

// Start pings the targets right away and then every interval until ctx is done.
func (s *StatusChecker) Start(ctx context.Context) {
	go s.updateStatusInBackground(ctx)
}

func (s *StatusChecker) updateStatusInBackground(ctx context.Context) {
	s.doPings(ctx)

	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.doPings(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *StatusChecker) doPings(ctx context.Context) {
	type pingResult struct {
		name string
		info *pingInfo
	}

	var wg sync.WaitGroup
	results := make(chan pingResult, len(s.targets))

	for _, target := range s.targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pingedAt := s.clock.Now()
			pingCtx, cancel := context.WithTimeout(ctx, s.timeout)
			err := target.Pinger.PingContext(pingCtx)
			cancel()

			if err != nil {
				s.logger.WithError(err).WithFields(log.Fields{"target": target.Name, "address": target.Pinger.Address()}).
					Warn("health check ping failed")
			}
			results <- pingResult{name: target.Name, info: &pingInfo{pingedAt: pingedAt, err: err}}
		}()
	}
	wg.Wait()
	close(results)

	pingInfos := make(map[string]*pingInfo, len(s.targets))
	for r := range results {
		pingInfos[r.name] = r.info
	}

	s.mu.Lock()
	s.pingInfo = pingInfos
	s.mu.Unlock()
}

// HealthCheck is a check function for the debug health endpoint. It fails if the last ping of any target failed.
// Targets not pinged yet are assumed healthy.
func (s *StatusChecker) HealthCheck() error {
	s.mu.RLock()
	infos := s.pingInfo
	s.mu.RUnlock()

	var errs *multierror.Error
	for _, target := range s.targets {
		info := infos[target.Name]
		if info == nil {
			s.logger.WithField("target", target.Name).Info("status unknown for target, haven't pinged it yet, returning OK")
			continue
		}
		if info.err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", target.Name, info.err))
		}
	}

	return errs.ErrorOrNil()
}

// ServeHTTP reports the status of every target as JSON. It is served at /debug/health/status.
func (s *StatusChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	maybeLogWriteErr := func(err error) {
		if err != nil {
			s.logger.WithError(err).Error("error writing response")
		}
	}

	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		_, err := fmt.Fprintf(w, "must be a GET request, not %s", r.Method)
		maybeLogWriteErr(err)
		return
	}

	encoded, err := json.Marshal(s.Status())
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, writeErr := fmt.Fprint(w, err)
		maybeLogWriteErr(writeErr)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(encoded)
	maybeLogWriteErr(err)
}

// Status is the status of all targets.
type Status struct {
	OverallStatus string          `json:"overall_status"`
	Targets       []*TargetStatus `json:"targets"`
}

// TargetStatus is the status of a single target.
type TargetStatus struct {
	Name         string     `json:"name"`
	Address      string     `json:"address"`
	Status       string     `json:"status"`
	LastPingedAt *timestamp `json:"last_pinged_at,omitempty"`
}

// Status returns the status of every target as of their last ping.
func (s *StatusChecker) Status() *Status {
	s.mu.RLock()
	infos := s.pingInfo
	s.mu.RUnlock()

	status := &Status{OverallStatus: StatusHealthy}
	for _, target := range s.targets {
		ts := &TargetStatus{Name: target.Name, Address: target.Pinger.Address()}

		info := infos[target.Name]
		switch {
		case info == nil:
			ts.Status = TargetStatusUnknown
			if status.OverallStatus == StatusHealthy {
				status.OverallStatus = StatusUnknown
			}
		case info.err != nil:
			ts.Status = TargetUnreachable
			ts.LastPingedAt = (*timestamp)(&info.pingedAt)
			status.OverallStatus = StatusUnhealthy
		default:
			ts.Status = TargetOnline
			ts.LastPingedAt = (*timestamp)(&info.pingedAt)
		}

		status.Targets = append(status.Targets, ts)
	}

	return status
}

// timestamp is a time.Time that marshals into an ISO8601 timestamp with millisecond precision.
type timestamp time.Time

// MarshalJSON outputs the timestamp in ISO8601 format with millisecond precision.
func (t *timestamp) MarshalJSON() ([]byte, error) {
	b := make([]byte, 0, 26)
	b = append(b, '"')
	b = (*time.Time)(t).UTC().AppendFormat(b, "2006-01-02T15:04:05.999Z")
	b = append(b, '"')
	return b, nil
}
