// Package scheduler finds the backfill partitions that need a runner and runs them.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/backfila/backfila/log"
	"github.com/backfila/backfila/service/datastore"
	"github.com/backfila/backfila/service/internal"
	"github.com/backfila/backfila/service/runner"
	"github.com/backfila/backfila/service/runner/metrics"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

const (
	componentKey = "component"
	hunterName   = "backfila.scheduler.LeaseHunter"
)

// LeaseHunter claims the lease of RUNNING partitions nobody is running.
type LeaseHunter struct {
	store   datastore.RunnerStore
	factory *runner.Factory
	clock   internal.Clock
	logger  log.Logger
	token   func() string
	pick    func(n int) int
}

// HunterOption provides functional options for NewLeaseHunter.
type HunterOption func(*LeaseHunter)

// WithHunterClock sets the clock. Defaults to the system clock.
func WithHunterClock(c internal.Clock) HunterOption {
	return func(h *LeaseHunter) {
		h.clock = c
	}
}

// WithHunterLogger sets the logger.
func WithHunterLogger(l log.Logger) HunterOption {
	return func(h *LeaseHunter) {
		h.logger = l
	}
}

// WithTokenGenerator sets the function generating lease tokens. Defaults to random UUIDs.
func WithTokenGenerator(fn func() string) HunterOption {
	return func(h *LeaseHunter) {
		h.token = fn
	}
}

// NewLeaseHunter creates a new LeaseHunter.
func NewLeaseHunter(store datastore.RunnerStore, factory *runner.Factory, opts ...HunterOption) *LeaseHunter {
	h := &LeaseHunter{
		store:   store,
		factory: factory,
		clock:   clock.New(),
		logger:  log.GetLogger(),
		token:   uuid.NewString,
		pick:    rand.IntN,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.WithField(componentKey, hunterName)

	return h
}

// Hunt claims at most one partition whose lease is absent or expired and returns a runner for it. The partition is
// picked at random so that concurrent hunters are less likely to race for the same one. A hunter losing the race
// skips the partition until its next call. Claiming one partition per call ramps up runs slowly and spreads them
// across instances.
func (h *LeaseHunter) Hunt(ctx context.Context) ([]*runner.BackfillRunner, error) {
	now := h.clock.Now()

	partitions, err := h.store.FindRunnable(ctx, now)
	if err != nil {
		metrics.LeaseHunt(metrics.HuntResultError)
		return nil, fmt.Errorf("finding runnable partitions: %w", err)
	}
	if len(partitions) == 0 {
		metrics.LeaseHunt(metrics.HuntResultEmpty)
		return nil, nil
	}

	p := partitions[h.pick(len(partitions))]
	token := h.token()
	l := h.logger.WithFields(log.Fields{"partition_id": p.ID, "backfill_run_id": p.BackfillRunID, "partition_name": p.PartitionName})

	if err := h.store.Lease(ctx, p, token, now.Add(h.factory.LeaseDuration())); err != nil {
		if errors.Is(err, datastore.ErrVersionConflict) {
			metrics.LeaseHunt(metrics.HuntResultContended)
			l.Info("partition leased by another hunter")
			return nil, nil
		}
		metrics.LeaseHunt(metrics.HuntResultError)
		return nil, fmt.Errorf("leasing partition %d: %w", p.ID, err)
	}

	metrics.LeaseHunt(metrics.HuntResultClaimed)
	l.Info("leased partition")

	return []*runner.BackfillRunner{h.factory.Create(p, token)}, nil
}
