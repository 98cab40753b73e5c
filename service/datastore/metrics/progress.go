package metrics

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/backfila/backfila/log"
	"github.com/backfila/backfila/metrics"
	"github.com/backfila/backfila/service/datastore/models"
	"github.com/bsm/redislock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"gitlab.com/gitlab-org/labkit/errortracking"
)

const (
	// Lock key for distributed coordination
	progressLockKey = "backfila:db:{metrics}:run_progress_lock"

	// defaultInterval is the default interval between metrics collection runs
	defaultInterval = 10 * time.Second
	// defaultLeaseDuration is the default duration of the distributed lock lease
	defaultLeaseDuration = 30 * time.Second
	// lockRetryInterval is the fixed interval between lock acquisition attempts
	lockRetryInterval = 15 * time.Second
)

var runProgressGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: metrics.NamespacePrefix,
		Subsystem: subsystem,
		Name:      "backfill_progress_percent",
		Help:      "Backfill run progress percentage (0-100).",
	},
	[]string{"run_id", "service", "backfill", "state"},
)

// ProgressExecutor loads the progress inputs of every run that is not complete.
type ProgressExecutor func(ctx context.Context) ([]*models.RunProgress, error)

// ProgressCollector periodically collects backfill progress metrics. Only one instance across all backfila
// processes collects at any time, elected through a Redis lock.
type ProgressCollector struct {
	executor         ProgressExecutor
	locker           *redislock.Client
	leaseDuration    time.Duration
	interval         time.Duration
	metricsRegistrar *Registrar
	stopCh           chan struct{}
	wg               sync.WaitGroup
	logger           log.Logger
}

// ProgressOption configures ProgressCollector creation
type ProgressOption func(*ProgressCollector)

// WithProgressInterval sets the collection interval (default: 10s)
func WithProgressInterval(interval time.Duration) ProgressOption {
	return func(c *ProgressCollector) {
		c.interval = interval
	}
}

// WithProgressLeaseDuration sets the distributed lock lease duration (default: 30s)
func WithProgressLeaseDuration(leaseDuration time.Duration) ProgressOption {
	return func(c *ProgressCollector) {
		c.leaseDuration = leaseDuration
	}
}

// WithProgressLogger sets the logger.
func WithProgressLogger(l log.Logger) ProgressOption {
	return func(c *ProgressCollector) {
		c.logger = l
	}
}

// NewProgressCollector creates a new collector with defaults.
func NewProgressCollector(executor ProgressExecutor, redisClient redis.UniversalClient, opts ...ProgressOption) (*ProgressCollector, error) {
	c := &ProgressCollector{
		executor:         executor,
		locker:           redislock.New(redisClient),
		leaseDuration:    defaultLeaseDuration,
		interval:         defaultInterval,
		metricsRegistrar: NewRegistrar(runProgressGauge),
		stopCh:           make(chan struct{}),
		logger:           log.GetLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.leaseDuration <= c.interval {
		return nil, fmt.Errorf("progress metrics lease duration (%v) must be longer than interval (%v)", c.leaseDuration, c.interval)
	}

	return c, nil
}

// Start begins periodic collection.
func (c *ProgressCollector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.run(ctx)
	c.logger.WithFields(log.Fields{
		"interval_s":       c.interval.Seconds(),
		"lease_duration_s": c.leaseDuration.Seconds(),
	}).Info("backfill progress metrics collection started")
}

// Stop gracefully stops collection.
func (c *ProgressCollector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *ProgressCollector) run(ctx context.Context) {
	defer c.wg.Done()

	if err := c.metricsRegistrar.Register(); err != nil {
		c.logger.WithError(err).Error("failed to register backfill progress metrics")
		errortracking.Capture(
			fmt.Errorf("backfill progress metrics: failed to register metrics: %w", err),
			errortracking.WithContext(ctx),
			errortracking.WithStackTrace(),
		)
		return
	}
	defer c.metricsRegistrar.Unregister()

	ticker := time.NewTicker(lockRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		lock, err := c.locker.Obtain(ctx, progressLockKey, c.leaseDuration, nil)
		if err != nil {
			if !errors.Is(err, redislock.ErrNotObtained) {
				c.logger.WithError(err).Error("failed to obtain backfill progress lock")
			}
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				continue
			}
		}

		c.logger.Info("obtained backfill progress metrics lock")

		if stopped := c.lead(ctx, lock); stopped {
			return
		}
	}
}

// lead collects until the lock can no longer be refreshed or the collector is stopped. It returns true if the
// collector was stopped.
func (c *ProgressCollector) lead(ctx context.Context, lock *redislock.Lock) bool {
	collectionTicker := time.NewTicker(c.interval)
	defer collectionTicker.Stop()
	lockRefreshTicker := time.NewTicker(c.leaseDuration / 2)
	defer lockRefreshTicker.Stop()

	c.collect(ctx)
	for {
		select {
		case <-c.stopCh:
			if err := lock.Release(ctx); err != nil {
				c.logger.WithError(err).Error("failed to release backfill progress lock on stop")
			}
			return true
		case <-collectionTicker.C:
			c.collect(ctx)
		case <-lockRefreshTicker.C:
			if err := lock.Refresh(ctx, c.leaseDuration, nil); err != nil {
				c.logger.WithError(err).Error("failed to refresh backfill progress lock; releasing leadership")
				if err := lock.Release(ctx); err != nil {
					c.logger.WithError(err).Error("failed to release backfill progress lock after refresh failure")
				}
				return false
			}
		}
	}
}

func (c *ProgressCollector) collect(ctx context.Context) {
	progress, err := c.executor(ctx)
	if err != nil {
		c.logger.WithError(err).Error("failed to fetch backfill progress")
		return
	}

	for _, p := range progress {
		percent, ok := estimateProgress(p)
		if !ok {
			continue
		}

		c.logger.WithFields(log.Fields{
			"backfill_run_id":     p.RunID,
			"backfill_name":       p.BackfillName,
			"service":             p.ServiceName,
			"backfill_state":      p.State,
			"computed_matching":   p.ComputedMatching,
			"backfilled_matching": p.BackfilledMatching,
			"progress_percent":    percent,
		}).Debug("backfill progress")

		runProgressGauge.WithLabelValues(strconv.FormatInt(p.RunID, 10), p.ServiceName, p.BackfillName, p.State.String()).Set(percent)
	}
}

// estimateProgress derives the progress percent of a run. No estimate is available until precomputing is done for
// every partition. A run that is not complete is capped at 99.9.
func estimateProgress(p *models.RunProgress) (float64, bool) {
	if p.State == models.BackfillComplete {
		return 100.0, true
	}
	if !p.PrecomputingDone {
		return 0, false
	}
	if p.ComputedMatching <= 0 {
		return 99.9, true
	}

	progress := float64(p.BackfilledMatching) / float64(p.ComputedMatching) * 100.0
	if progress >= 100.0 {
		progress = 99.9
	}
	return progress, true
}
