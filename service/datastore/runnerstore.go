//go:generate mockgen -package mocks -destination mocks/runnerstore.go . RunnerStore

package datastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/backfila/backfila/service/datastore/models"
	"github.com/guregu/null/v6"
)

// ErrLeaseStolen is returned when a runner finds that the lease of its partition is now held with another token.
var ErrLeaseStolen = errors.New("run partition lease has been stolen")

// RunnerState is a consistent snapshot of a leased partition along with its run and service.
type RunnerState struct {
	Service   *models.Service
	Run       *models.BackfillRun
	Partition *models.RunPartition
}

// RunnerStore groups the transactional operations performed by lease hunters and backfill runners.
type RunnerStore interface {
	// FindRunnable finds all partitions in the RUNNING state whose lease expired before `now`.
	FindRunnable(ctx context.Context, now time.Time) (models.RunPartitions, error)
	// Lease claims a partition. Returns ErrVersionConflict if another process changed it since it was read.
	Lease(ctx context.Context, p *models.RunPartition, token string, expiresAt time.Time) error
	// Load returns the current state of a partition, its run and its service.
	Load(ctx context.Context, partitionID int64) (*RunnerState, error)
	// Heartbeat verifies that the lease is still held with `token`, persists progress and, while the partition is
	// RUNNING, extends the lease until `leaseExpiresAt`. Returns ErrLeaseStolen if the lease is held by someone else.
	Heartbeat(ctx context.Context, partitionID int64, token string, pre models.PrecomputeProgress, exec models.ExecutionProgress, leaseExpiresAt time.Time) (*RunnerState, error)
	// ClearLease releases the lease of a partition if still held with `token`. Returns true if released.
	ClearLease(ctx context.Context, partitionID int64, token string) (bool, error)
	// PauseRun moves a RUNNING run and all of its non-complete partitions to PAUSED. Returns false if the run was
	// not RUNNING.
	PauseRun(ctx context.Context, runID int64) (bool, error)
	// CompletePartition marks a partition as COMPLETE with its final progress and, once every partition of the run is
	// complete, completes the run. Returns true if the run was completed.
	CompletePartition(ctx context.Context, partitionID int64, token string, pre models.PrecomputeProgress, exec models.ExecutionProgress) (bool, error)
	// LogEvent appends an entry to the event log of a run.
	LogEvent(ctx context.Context, e *models.EventLog) error
}

// NewRunnerStore builds a new runnerStore.
func NewRunnerStore(db Handler) RunnerStore {
	return &runnerStore{db: db}
}

// runnerStore is the concrete implementation of a RunnerStore.
type runnerStore struct {
	db Handler
}

// FindRunnable finds all partitions in the RUNNING state whose lease expired before `now`.
func (s *runnerStore) FindRunnable(ctx context.Context, now time.Time) (models.RunPartitions, error) {
	return NewRunPartitionStore(s.db).FindRunnable(ctx, now)
}

// Lease claims a partition.
func (s *runnerStore) Lease(ctx context.Context, p *models.RunPartition, token string, expiresAt time.Time) error {
	return NewRunPartitionStore(s.db).Lease(ctx, p, token, expiresAt)
}

func loadState(ctx context.Context, q Queryer, p *models.RunPartition) (*RunnerState, error) {
	run, err := NewBackfillRunStore(q).FindByID(ctx, p.BackfillRunID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("backfill run %d: %w", p.BackfillRunID, ErrNotFound)
	}

	svc, err := NewServiceStore(q).FindByID(ctx, run.ServiceID)
	if err != nil {
		return nil, err
	}
	if svc == nil {
		return nil, fmt.Errorf("service %d: %w", run.ServiceID, ErrNotFound)
	}

	return &RunnerState{Service: svc, Run: run, Partition: p}, nil
}

// Load returns the current state of a partition, its run and its service.
func (s *runnerStore) Load(ctx context.Context, partitionID int64) (*RunnerState, error) {
	p, err := NewRunPartitionStore(s.db).FindByID(ctx, partitionID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("run partition %d: %w", partitionID, ErrNotFound)
	}

	return loadState(ctx, s.db, p)
}

func lockLeased(ctx context.Context, partitions RunPartitionStore, partitionID int64, token string) (*models.RunPartition, error) {
	p, err := partitions.LockByID(ctx, partitionID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("run partition %d: %w", partitionID, ErrNotFound)
	}
	if p.LeaseToken.ValueOrZero() != token {
		return nil, fmt.Errorf("run partition %d, our token: %s, new token: %s: %w", partitionID, token, p.LeaseToken.ValueOrZero(), ErrLeaseStolen)
	}

	return p, nil
}

// Heartbeat verifies the lease, persists progress and extends the lease while the partition is RUNNING.
func (s *runnerStore) Heartbeat(ctx context.Context, partitionID int64, token string, pre models.PrecomputeProgress, exec models.ExecutionProgress, leaseExpiresAt time.Time) (*RunnerState, error) {
	var state *RunnerState

	err := WithTransaction(ctx, s.db, func(tx Transactor) error {
		partitions := NewRunPartitionStore(tx)

		p, err := lockLeased(ctx, partitions, partitionID, token)
		if err != nil {
			return err
		}

		expiry := leaseExpiresAt
		if p.State != models.PartitionRunning {
			expiry = time.Time{}
		}
		if err := partitions.SaveProgress(ctx, p, pre, exec, expiry); err != nil {
			return err
		}

		state, err = loadState(ctx, tx, p)
		return err
	})
	if err != nil {
		return nil, err
	}

	return state, nil
}

// ClearLease releases the lease of a partition if still held with `token`.
func (s *runnerStore) ClearLease(ctx context.Context, partitionID int64, token string) (bool, error) {
	return NewRunPartitionStore(s.db).ClearLease(ctx, partitionID, token)
}

// PauseRun moves a RUNNING run and all of its non-complete partitions to PAUSED.
func (s *runnerStore) PauseRun(ctx context.Context, runID int64) (bool, error) {
	var paused bool

	err := WithTransaction(ctx, s.db, func(tx Transactor) error {
		runs := NewBackfillRunStore(tx)

		run, err := runs.LockByID(ctx, runID)
		if err != nil {
			return err
		}
		if run == nil {
			return fmt.Errorf("backfill run %d: %w", runID, ErrNotFound)
		}
		if run.State != models.BackfillRunning {
			return nil
		}

		if err := runs.UpdateState(ctx, run, models.BackfillPaused); err != nil {
			return err
		}
		if _, err := NewRunPartitionStore(tx).SetStateByRunID(ctx, runID, models.PartitionPaused); err != nil {
			return err
		}

		paused = true
		return nil
	})

	return paused, err
}

// CompletePartition marks a partition as COMPLETE and completes the run once all of its partitions are complete.
func (s *runnerStore) CompletePartition(ctx context.Context, partitionID int64, token string, pre models.PrecomputeProgress, exec models.ExecutionProgress) (bool, error) {
	var completed bool

	err := WithTransaction(ctx, s.db, func(tx Transactor) error {
		partitions := NewRunPartitionStore(tx)
		events := NewEventLogStore(tx)

		p, err := lockLeased(ctx, partitions, partitionID, token)
		if err != nil {
			return err
		}
		if err := partitions.Complete(ctx, p, pre, exec); err != nil {
			return err
		}
		if err := events.Create(ctx, &models.EventLog{
			BackfillRunID: p.BackfillRunID,
			PartitionID:   null.IntFrom(p.ID),
			Type:          models.EventStateChange,
			Message:       "partition completed",
		}); err != nil {
			return err
		}

		all, err := partitions.FindByRunID(ctx, p.BackfillRunID)
		if err != nil {
			return err
		}
		if !all.AllComplete() {
			return nil
		}

		runs := NewBackfillRunStore(tx)
		run, err := runs.LockByID(ctx, p.BackfillRunID)
		if err != nil {
			return err
		}
		if run == nil {
			return fmt.Errorf("backfill run %d: %w", p.BackfillRunID, ErrNotFound)
		}
		if run.State == models.BackfillComplete {
			return nil
		}
		if err := runs.Complete(ctx, run); err != nil {
			return err
		}
		if err := events.Create(ctx, &models.EventLog{
			BackfillRunID: run.ID,
			Type:          models.EventStateChange,
			Message:       "backfill completed",
		}); err != nil {
			return err
		}

		completed = true
		return nil
	})

	return completed, err
}

// LogEvent appends an entry to the event log of a run.
func (s *runnerStore) LogEvent(ctx context.Context, e *models.EventLog) error {
	return NewEventLogStore(s.db).Create(ctx, e)
}
