// Package runner executes the partitions of backfill runs. A BackfillRunner owns the lease of one partition and drives
// four concurrent stages against the client service owning the backfill: a precomputer that counts the whole
// keyspace, a queuer that computes the next batches, a batch runner that dispatches them and an awaiter that commits
// the results in dispatch order.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/backfila/backfila/log"
	"github.com/backfila/backfila/service/client"
	"github.com/backfila/backfila/service/datastore"
	"github.com/backfila/backfila/service/datastore/models"
	"github.com/backfila/backfila/service/internal"
	"github.com/backfila/backfila/service/runner/metrics"
	"github.com/benbjohnson/clock"
	"github.com/guregu/null/v6"
	"gitlab.com/gitlab-org/labkit/correlation"
	"gitlab.com/gitlab-org/labkit/errortracking"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultLeaseDuration is how long a lease is held without being extended.
	DefaultLeaseDuration = 5 * time.Minute
	// DefaultExtendLeasePeriod is how often a runner extends its lease and persists its progress.
	DefaultExtendLeasePeriod = time.Second
	// DefaultBatchQueueThreadMultiplier is the number of computed batches buffered per thread.
	DefaultBatchQueueThreadMultiplier = 3
	// DefaultMinimumBatchesPerCall is the lowest number of batches asked to the client service per call.
	DefaultMinimumBatchesPerCall = 5

	pauseGracePeriod  = time.Second
	clearLeaseTimeout = 10 * time.Second

	componentKey     = "component"
	runnerName       = "backfila.runner.BackfillRunner"
	serviceKey       = "service_name"
	backfillNameKey  = "backfill_name"
	backfillRunIDKey = "backfill_run_id"
	partitionKey     = "partition_name"
	partitionIDKey   = "partition_id"
	stageKey         = "stage"
)

// Listener is notified of the run level outcomes reached by runners.
type Listener interface {
	// RunErrored is called when a runner paused a run after too many consecutive failures.
	RunErrored(ctx context.Context, runID int64)
	// RunCompleted is called when the last partition of a run completed.
	RunCompleted(ctx context.Context, runID int64)
}

// ClientProvider builds the client used to reach the service owning a backfill.
type ClientProvider interface {
	ClientFor(connectorType, serviceName, extraData string) (client.Client, error)
}

// Config tunes the runners built by a Factory.
type Config struct {
	LeaseDuration              time.Duration
	ExtendLeasePeriod          time.Duration
	BatchQueueThreadMultiplier int
	MinimumBatchesPerCall      int
}

func (c *Config) applyDefaults() {
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = DefaultLeaseDuration
	}
	if c.ExtendLeasePeriod <= 0 {
		c.ExtendLeasePeriod = DefaultExtendLeasePeriod
	}
	if c.BatchQueueThreadMultiplier <= 0 {
		c.BatchQueueThreadMultiplier = DefaultBatchQueueThreadMultiplier
	}
	if c.MinimumBatchesPerCall <= 0 {
		c.MinimumBatchesPerCall = DefaultMinimumBatchesPerCall
	}
}

// Factory builds BackfillRunners sharing the same dependencies.
type Factory struct {
	store     datastore.RunnerStore
	clients   ClientProvider
	clock     internal.Clock
	config    Config
	listeners []Listener
	logger    log.Logger
}

// FactoryOption provides functional options for NewFactory.
type FactoryOption func(*Factory)

// WithClock sets the clock. Defaults to the system clock.
func WithClock(c internal.Clock) FactoryOption {
	return func(f *Factory) {
		f.clock = c
	}
}

// WithConfig sets the runner configuration. Zero values are replaced by defaults.
func WithConfig(c Config) FactoryOption {
	return func(f *Factory) {
		f.config = c
	}
}

// WithListeners adds run listeners.
func WithListeners(l ...Listener) FactoryOption {
	return func(f *Factory) {
		f.listeners = append(f.listeners, l...)
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) FactoryOption {
	return func(f *Factory) {
		f.logger = l
	}
}

// NewFactory creates a new Factory.
func NewFactory(store datastore.RunnerStore, clients ClientProvider, opts ...FactoryOption) *Factory {
	f := &Factory{store: store, clients: clients}
	for _, opt := range opts {
		opt(f)
	}

	if f.clock == nil {
		f.clock = clock.New()
	}
	if f.logger == nil {
		f.logger = log.GetLogger()
	}
	f.config.applyDefaults()

	return f
}

// LeaseDuration returns the duration of the leases held by runners.
func (f *Factory) LeaseDuration() time.Duration {
	return f.config.LeaseDuration
}

// Create builds a runner for a partition whose lease was claimed with `token`.
func (f *Factory) Create(p *models.RunPartition, token string) *BackfillRunner {
	return &BackfillRunner{
		factory:         f,
		partitionID:     p.ID,
		partitionName:   p.PartitionName,
		runID:           p.BackfillRunID,
		token:           token,
		globalBackoff:   NewBackoff(f.clock),
		runBatchBackoff: NewBackoff(f.clock),
		stopped:         make(chan struct{}),
		logger: f.logger.WithFields(log.Fields{
			componentKey:     runnerName,
			backfillRunIDKey: p.BackfillRunID,
			partitionKey:     p.PartitionName,
			partitionIDKey:   p.ID,
		}),
	}
}

// Metadata is the snapshot of a run and partition used by the runner stages. It is refreshed on every lease extension
// so that changes made to a running backfill, such as its batch size or number of threads, are picked up.
type Metadata struct {
	ServiceName      string
	BackfillName     string
	PkeyCursor       []byte
	PkeyStart        []byte
	PkeyEnd          []byte
	Parameters       map[string][]byte
	BatchSize        int64
	ScanSize         int64
	DryRun           bool
	NumThreads       int
	ExtraSleep       time.Duration
	BackoffSchedule  []time.Duration
	PrecomputingDone bool

	PrecomputingPkeyCursor        []byte
	ComputedScannedRecordCount    int64
	ComputedMatchingRecordCount   int64
	BackfilledScannedRecordCount  int64
	BackfilledMatchingRecordCount int64
}

func metadataFrom(s *datastore.RunnerState) Metadata {
	schedule := s.Run.Schedule()
	backoff := make([]time.Duration, len(schedule))
	for i, ms := range schedule {
		backoff[i] = time.Duration(ms) * time.Millisecond
	}

	return Metadata{
		ServiceName:                   s.Service.Name,
		BackfillName:                  s.Run.BackfillName,
		PkeyCursor:                    s.Partition.PkeyCursor,
		PkeyStart:                     s.Partition.PkeyRangeStart,
		PkeyEnd:                       s.Partition.PkeyRangeEnd,
		Parameters:                    s.Run.Parameters,
		BatchSize:                     s.Run.BatchSize,
		ScanSize:                      s.Run.ScanSize,
		DryRun:                        s.Run.DryRun,
		NumThreads:                    max(s.Run.NumThreads, 1),
		ExtraSleep:                    time.Duration(s.Run.ExtraSleepMs) * time.Millisecond,
		BackoffSchedule:               backoff,
		PrecomputingDone:              s.Partition.PrecomputingDone,
		PrecomputingPkeyCursor:        s.Partition.PrecomputingPkeyCursor,
		ComputedScannedRecordCount:    s.Partition.ComputedScannedRecordCount,
		ComputedMatchingRecordCount:   s.Partition.ComputedMatchingRecordCount,
		BackfilledScannedRecordCount:  s.Partition.BackfilledScannedRecordCount,
		BackfilledMatchingRecordCount: s.Partition.BackfilledMatchingRecordCount,
	}
}

// BackfillRunner runs one partition of a backfill run for as long as it holds its lease and the partition is RUNNING.
type BackfillRunner struct {
	factory       *Factory
	partitionID   int64
	partitionName string
	runID         int64
	token         string
	logger        log.Logger

	client client.Client
	labels metrics.Labels

	mu       sync.RWMutex
	metadata Metadata

	failureMu            sync.Mutex
	failuresSinceSuccess int

	// globalBackoff delays every call to the client service.
	globalBackoff *Backoff
	// runBatchBackoff only delays the dispatch of the next RunBatch call.
	runBatchBackoff *Backoff

	precomputer *batchPrecomputer
	awaiter     *batchAwaiter
	inflight    sync.WaitGroup

	stopOnce sync.Once
	stopped  chan struct{}
}

// PartitionID returns the ID of the partition run by r.
func (r *BackfillRunner) PartitionID() int64 {
	return r.partitionID
}

// RunID returns the ID of the run the partition belongs to.
func (r *BackfillRunner) RunID() int64 {
	return r.runID
}

// Token returns the lease token held by r.
func (r *BackfillRunner) Token() string {
	return r.token
}

// Metadata returns the latest metadata snapshot.
func (r *BackfillRunner) Metadata() Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.metadata
}

func (r *BackfillRunner) setMetadata(m Metadata) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.metadata = m
}

// Stop asks the runner to stop. Run returns once every stage exited and the lease was released.
func (r *BackfillRunner) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopped)
	})
}

func (r *BackfillRunner) stopping() bool {
	select {
	case <-r.stopped:
		return true
	default:
		return false
	}
}

// Run loads the partition, runs its stages until the partition is no longer RUNNING, Stop is called or ctx is done,
// then releases the lease. It returns datastore.ErrLeaseStolen if another process took over the partition.
func (r *BackfillRunner) Run(ctx context.Context) error {
	ctx = correlation.ContextWithCorrelation(ctx, correlation.ExtractFromContextOrGenerate(ctx))
	r.logger = r.logger.WithFields(log.Fields{correlation.FieldName: correlation.ExtractFromContext(ctx)})

	metrics.RunnerStarted()
	defer metrics.RunnerStopped()

	err := r.run(ctx)
	if !errors.Is(err, datastore.ErrLeaseStolen) {
		r.ClearLease(ctx)
	}
	metrics.Forget(r.labels)

	if err != nil {
		r.logger.WithError(err).Error("runner failed")
		errortracking.Capture(err, errortracking.WithContext(ctx), errortracking.WithStackTrace())
		return err
	}

	r.logger.Info("runner finished")
	return nil
}

func (r *BackfillRunner) run(ctx context.Context) error {
	r.logger.Info("runner starting")

	state, err := r.factory.store.Load(ctx, r.partitionID)
	if err != nil {
		return fmt.Errorf("loading runner state: %w", err)
	}
	if state.Partition.LeaseToken.ValueOrZero() != r.token {
		return fmt.Errorf("run partition %d, our token: %s, new token: %s: %w",
			r.partitionID, r.token, state.Partition.LeaseToken.ValueOrZero(), datastore.ErrLeaseStolen)
	}

	r.setMetadata(metadataFrom(state))
	r.labels = metrics.Labels{
		Service:   state.Service.Name,
		Backfill:  state.Run.BackfillName,
		RunID:     fmt.Sprint(r.runID),
		Partition: r.partitionName,
	}
	r.logger = r.logger.WithFields(log.Fields{
		serviceKey:      state.Service.Name,
		backfillNameKey: state.Run.BackfillName,
	})

	r.client, err = r.factory.clients.ClientFor(state.Service.ConnectorType, state.Service.Name, state.Service.ConnectorExtraData)
	if err != nil {
		return fmt.Errorf("building client for service %q: %w", state.Service.Name, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	r.precomputer = newBatchPrecomputer(r)
	queuer, err := newBatchQueuer(r)
	if err != nil {
		return err
	}
	batchRunner, err := newBatchRunner(r, queuer.batches)
	if err != nil {
		return err
	}
	r.awaiter = newBatchAwaiter(r, batchRunner.runs, batchRunner.backpressure)

	g.Go(func() error { return r.precomputer.run(gctx) })
	g.Go(func() error { return queuer.run(gctx) })
	g.Go(func() error { return batchRunner.run(gctx) })
	g.Go(func() error { return r.awaiter.run(gctx) })

	leaseErr := r.checkAndUpdateLeaseUntilStopped(gctx)

	r.logger.Info("runner stopping stages")
	cancel()
	stageErr := g.Wait()
	r.inflight.Wait()

	if !errors.Is(leaseErr, datastore.ErrLeaseStolen) {
		if err := r.saveFinalProgress(ctx); errors.Is(err, datastore.ErrLeaseStolen) {
			leaseErr = err
		}
	}

	if leaseErr != nil {
		return leaseErr
	}
	if stageErr != nil && !errors.Is(stageErr, context.Canceled) {
		return stageErr
	}
	return nil
}

func (r *BackfillRunner) checkAndUpdateLeaseUntilStopped(ctx context.Context) error {
	ticker := r.factory.clock.Ticker(r.factory.config.ExtendLeasePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.stopped:
			return nil
		case <-ticker.C:
		}

		running, err := r.checkAndUpdateLease(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, datastore.ErrLeaseStolen) {
				return err
			}
			return fmt.Errorf("extending lease: %w", err)
		}
		if !running {
			r.logger.Info("partition is no longer running, stopping runner")
			r.Stop()
			return nil
		}
	}
}

// checkAndUpdateLease persists the progress of the stages and extends the lease. Progress is saved here rather than
// after every batch to limit writes, it only matters when another runner takes over the partition.
func (r *BackfillRunner) checkAndUpdateLease(ctx context.Context) (bool, error) {
	expiry := r.factory.clock.Now().Add(r.factory.config.LeaseDuration)

	state, err := r.factory.store.Heartbeat(ctx, r.partitionID, r.token, r.precomputer.progress(), r.awaiter.progress(), expiry)
	if err != nil {
		return false, err
	}
	if state.Partition.State != models.PartitionRunning {
		return false, nil
	}

	r.setMetadata(metadataFrom(state))
	return true, nil
}

// saveFinalProgress persists what the stages confirmed since the last heartbeat, so that the next runner resumes from
// there. A completed partition already saved its final progress.
func (r *BackfillRunner) saveFinalProgress(ctx context.Context) error {
	if r.awaiter.isCompleted() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), clearLeaseTimeout)
	defer cancel()

	exec := r.awaiter.progress()
	_, err := r.factory.store.Heartbeat(ctx, r.partitionID, r.token, r.precomputer.progress(), exec, r.factory.clock.Now())
	if err != nil {
		r.logger.WithError(err).Error("failed to save final progress")
		return err
	}

	r.logger.WithField("cursor", string(exec.Cursor)).Info("saved final progress")
	return nil
}

// ClearLease releases the lease of the partition if it is still held by r. It is used by Run on exit and by schedulers
// that reject a freshly claimed runner.
func (r *BackfillRunner) ClearLease(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), clearLeaseTimeout)
	defer cancel()

	released, err := r.factory.store.ClearLease(ctx, r.partitionID, r.token)
	if err != nil {
		r.logger.WithError(err).Error("failed to release lease")
		return
	}
	if !released {
		r.logger.Warn("lost lease on partition, can't release it")
		return
	}
	r.logger.Info("released lease")
}

// sleep waits for d, returning false if ctx is done first.
func (r *BackfillRunner) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	select {
	case <-ctx.Done():
		return false
	case <-r.factory.clock.After(d):
		return true
	}
}

// waitForBackoff waits until b no longer backs off.
func (r *BackfillRunner) waitForBackoff(ctx context.Context, b *Backoff, stage string) bool {
	if !b.BackingOff() {
		return ctx.Err() == nil
	}

	d := b.BackoffDuration()
	r.logger.WithFields(log.Fields{stageKey: stage, "backoff_ms": d.Milliseconds()}).Info("backing off")
	return r.sleep(ctx, d)
}

// PendingBatch is the eventual result of a RunBatch call.
type PendingBatch struct {
	done     chan struct{}
	response *client.RunBatchResponse
	err      error
}

func completedBatch(resp *client.RunBatchResponse) *PendingBatch {
	p := &PendingBatch{done: make(chan struct{}), response: resp}
	close(p.done)
	return p
}

// Wait blocks until the call completes or ctx is done.
func (p *PendingBatch) Wait(ctx context.Context) (*client.RunBatchResponse, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return p.response, p.err
	}
}

// RunBatchAsync calls RunBatch for b in the background. A failure is only reported through the returned PendingBatch.
func (r *BackfillRunner) RunBatchAsync(ctx context.Context, b client.Batch) *PendingBatch {
	m := r.Metadata()
	req := &client.RunBatchRequest{
		BackfillID:    fmt.Sprint(r.runID),
		BackfillName:  m.BackfillName,
		PartitionName: r.partitionName,
		BatchRange:    b.BatchRange,
		Parameters:    m.Parameters,
		DryRun:        m.DryRun,
		BatchSize:     m.BatchSize,
	}

	p := &PendingBatch{done: make(chan struct{})}
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		defer close(p.done)

		start := r.factory.clock.Now()
		p.response, p.err = r.client.RunBatch(ctx, req)
		metrics.RunBatch(r.labels, r.factory.clock.Since(start))
		if p.err == nil && p.response == nil {
			p.response = &client.RunBatchResponse{}
		}
	}()

	return p
}

// OnRPCSuccess resets the count of consecutive failures.
func (r *BackfillRunner) OnRPCSuccess() {
	r.failureMu.Lock()
	defer r.failureMu.Unlock()

	r.failuresSinceSuccess = 0
}

// OnRPCFailure records a failed call to the client service. Consecutive failures back off following the run backoff
// schedule. Once the schedule is exhausted the whole run is paused and the runner stops.
func (r *BackfillRunner) OnRPCFailure(ctx context.Context, err error, action string, elapsed time.Duration) {
	l := r.logger.WithError(err).WithFields(log.Fields{"action": action})
	schedule := r.Metadata().BackoffSchedule

	// Stages fail concurrently during an outage. The check, the count and the backoff happen under one lock so that
	// only the first failure counts, the others find the backoff in place.
	r.failureMu.Lock()
	if r.globalBackoff.BackingOff() {
		r.failureMu.Unlock()
		l.Info("ignoring rpc error because runner is already backing off")
		r.recordErrorEvent(ctx, err, action, elapsed, "already backing off")
		return
	}
	r.failuresSinceSuccess++
	failures := r.failuresSinceSuccess
	var backoff time.Duration
	if failures <= len(schedule) {
		backoff = schedule[failures-1]
		r.globalBackoff.Add(backoff)
	}
	r.failureMu.Unlock()

	if failures > len(schedule) {
		l.WithFields(log.Fields{"failures": failures}).Warn("pausing backfill due to too many consecutive failures")

		paused, pauseErr := r.factory.store.PauseRun(ctx, r.runID)
		if pauseErr != nil {
			r.logger.WithError(pauseErr).Error("failed to pause backfill")
		}
		if paused {
			for _, listener := range r.factory.listeners {
				listener.RunErrored(ctx, r.runID)
			}
			r.recordErrorEvent(ctx, err, action, elapsed, fmt.Sprintf("paused backfill due to %d consecutive errors", failures))
		}

		// The liveness loop usually sees the paused partition during the grace period and stops the runner itself.
		r.sleep(ctx, pauseGracePeriod)
		r.Stop()
		return
	}

	r.recordErrorEvent(ctx, err, action, elapsed, fmt.Sprintf("backing off for %dms", backoff.Milliseconds()))
}

func (r *BackfillRunner) recordErrorEvent(ctx context.Context, err error, action string, elapsed time.Duration, end string) {
	kind, extra := classify(err)

	e := &models.EventLog{
		BackfillRunID: r.runID,
		PartitionID:   null.IntFrom(r.partitionID),
		Type:          models.EventError,
		Message:       fmt.Sprintf("error %s, %s after %dms. %s", action, kind, elapsed.Milliseconds(), end),
		ExtraData:     null.StringFrom(extra),
	}
	if err := r.factory.store.LogEvent(context.WithoutCancel(ctx), e); err != nil {
		r.logger.WithError(err).Error("failed to record error event")
	}
}

func (r *BackfillRunner) logEvent(ctx context.Context, message string) error {
	return r.factory.store.LogEvent(ctx, &models.EventLog{
		BackfillRunID: r.runID,
		PartitionID:   null.IntFrom(r.partitionID),
		Type:          models.EventStateChange,
		Message:       message,
	})
}
