package scheduler

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/backfila/backfila/log"
	"github.com/backfila/backfila/service/internal"
	"github.com/backfila/backfila/service/runner"
	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"gitlab.com/gitlab-org/labkit/errortracking"
)

const (
	serviceName = "backfila.scheduler.Service"

	// DefaultHuntIntervalMin is the lowest delay between two hunts.
	DefaultHuntIntervalMin = time.Second
	// DefaultHuntIntervalMax is the highest delay between two hunts.
	DefaultHuntIntervalMax = 5 * time.Second
	// DefaultShutdownTimeout is how long shutdown waits for runners to release their leases.
	DefaultShutdownTimeout = 10 * time.Second

	errorBackoffMax          = 5 * time.Minute
	errorBackoffJitterFactor = 0.33
)

// Hunter claims partitions to run.
type Hunter interface {
	Hunt(ctx context.Context) ([]*runner.BackfillRunner, error)
}

// Config tunes a Service.
type Config struct {
	HuntIntervalMin time.Duration
	HuntIntervalMax time.Duration
	// MaxRunners caps the number of runners of this instance. Zero means unbounded.
	MaxRunners      int
	ShutdownTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.HuntIntervalMin <= 0 {
		c.HuntIntervalMin = DefaultHuntIntervalMin
	}
	if c.HuntIntervalMax < c.HuntIntervalMin {
		c.HuntIntervalMax = max(DefaultHuntIntervalMax, c.HuntIntervalMin)
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// Service hunts for partitions at random intervals and runs each claimed partition on its own goroutine. On shutdown,
// runners are stopped so that their leases are released eagerly.
type Service struct {
	hunter Hunter
	config Config
	clock  internal.Clock
	logger log.Logger

	mu      sync.Mutex
	runners map[*runner.BackfillRunner]struct{}
	wg      sync.WaitGroup
}

// ServiceOption provides functional options for NewService.
type ServiceOption func(*Service)

// WithServiceConfig sets the configuration. Zero values are replaced by defaults.
func WithServiceConfig(c Config) ServiceOption {
	return func(s *Service) {
		s.config = c
	}
}

// WithServiceClock sets the clock. Defaults to the system clock.
func WithServiceClock(c internal.Clock) ServiceOption {
	return func(s *Service) {
		s.clock = c
	}
}

// WithServiceLogger sets the logger.
func WithServiceLogger(l log.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = l
	}
}

// NewService creates a new Service.
func NewService(hunter Hunter, opts ...ServiceOption) *Service {
	s := &Service{
		hunter:  hunter,
		clock:   clock.New(),
		logger:  log.GetLogger(),
		runners: make(map[*runner.BackfillRunner]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.config.applyDefaults()
	s.logger = s.logger.WithField(componentKey, serviceName)

	return s
}

func (s *Service) newErrorBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.HuntIntervalMax
	b.MaxInterval = errorBackoffMax
	b.RandomizationFactor = errorBackoffJitterFactor
	b.MaxElapsedTime = 0
	b.Clock = s.clock
	b.Reset()

	return b
}

// Run hunts for partitions until ctx is done, then shuts down the runners it started.
func (s *Service) Run(ctx context.Context) {
	s.logger.Info("starting backfila scheduler")

	// Runners outlive ctx so that they can release their lease once stopped.
	runCtx, cancelRunners := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRunners()

	errBackoff := s.newErrorBackoff()

	for {
		wait := s.huntInterval()

		runners, err := s.hunter.Hunt(ctx)
		switch {
		case ctx.Err() != nil:
		case err != nil:
			s.logger.WithError(err).Error("failed to hunt for partitions")
			errortracking.Capture(err, errortracking.WithContext(ctx), errortracking.WithStackTrace())
			wait = errBackoff.NextBackOff()
		default:
			errBackoff.Reset()
			for _, r := range runners {
				s.addRunner(runCtx, r)
			}
		}

		select {
		case <-ctx.Done():
			s.shutdown(cancelRunners)
			return
		case <-s.clock.After(wait):
		}
	}
}

// huntInterval returns a random delay between hunts, so that instances are less likely to race.
func (s *Service) huntInterval() time.Duration {
	spread := s.config.HuntIntervalMax - s.config.HuntIntervalMin
	if spread <= 0 {
		return s.config.HuntIntervalMin
	}
	// nolint: gosec // used only for jitter calculation
	return s.config.HuntIntervalMin + time.Duration(rand.Int64N(int64(spread)))
}

// Runners returns the number of runners currently running.
func (s *Service) Runners() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.runners)
}

func (s *Service) addRunner(ctx context.Context, r *runner.BackfillRunner) {
	l := s.logger.WithFields(log.Fields{"partition_id": r.PartitionID(), "backfill_run_id": r.RunID()})

	s.mu.Lock()
	if s.config.MaxRunners > 0 && len(s.runners) >= s.config.MaxRunners {
		s.mu.Unlock()
		l.Info("rejected runner, too many runners")
		r.ClearLease(ctx)
		return
	}
	s.runners[r] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	l.Info("starting runner")
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.runners, r)
			s.mu.Unlock()
			l.Info("runner removed")
		}()

		if err := r.Run(ctx); err != nil {
			l.WithError(err).Warn("runner exited with error")
		}
	}()
}

func (s *Service) shutdown(cancelRunners context.CancelFunc) {
	s.logger.Info("shutting down backfila scheduler")

	s.mu.Lock()
	for r := range s.runners {
		r.Stop()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("runners shut down")
	case <-s.clock.After(s.config.ShutdownTimeout):
		s.logger.WithField("runners", s.Runners()).Warn("timed out waiting for runners to stop")
		cancelRunners()
	}
}
