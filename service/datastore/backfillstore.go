//go:generate mockgen -package mocks -destination mocks/backfillstore.go . BackfillStore

package datastore

import (
	"context"
	"errors"
	"fmt"

	"github.com/backfila/backfila/service/datastore/models"
)

// ErrInvalidTransition is returned when a run is asked to move to a state it can not reach from its current one.
var ErrInvalidTransition = errors.New("invalid backfill run state transition")

// RunConfigChanger mutates the tunable settings of a locked run and describes the changes it made. An empty
// description means nothing changed.
type RunConfigChanger func(r *models.BackfillRun) (string, error)

// BackfillStore groups the transactional operations performed on behalf of operators.
type BackfillStore interface {
	// FindService finds a service by its name.
	FindService(ctx context.Context, name string) (*models.Service, error)
	// RegisterService registers a new service.
	RegisterService(ctx context.Context, s *models.Service) error
	// CreateRun creates a run along with its partitions, which take the state of the run, and logs `message`.
	CreateRun(ctx context.Context, r *models.BackfillRun, partitions models.RunPartitions, message string) error
	// FindRun finds a run and its partitions.
	FindRun(ctx context.Context, id int64) (*models.BackfillRun, models.RunPartitions, error)
	// FindRunsByState finds all runs in a given state.
	FindRunsByState(ctx context.Context, state models.BackfillState) ([]*models.BackfillRun, error)
	// TransitionRun moves a run in state `from` and its non-complete partitions to state `to`, logging `message`.
	TransitionRun(ctx context.Context, id int64, from []models.BackfillState, to models.BackfillState, message string) (*models.BackfillRun, error)
	// UpdateRunConfig applies `change` to a run and persists it, logging the changes as a CONFIG_CHANGE event.
	UpdateRunConfig(ctx context.Context, id int64, change RunConfigChanger) (*models.BackfillRun, error)
	// Events returns the event log of a run.
	Events(ctx context.Context, runID int64) (models.EventLogs, error)
}

// NewBackfillStore builds a new backfillStore.
func NewBackfillStore(db Handler, opts ...ServiceStoreOption) BackfillStore {
	return &backfillStore{db: db, serviceOpts: opts}
}

// backfillStore is the concrete implementation of a BackfillStore.
type backfillStore struct {
	db          Handler
	serviceOpts []ServiceStoreOption
}

// FindService finds a service by its name.
func (s *backfillStore) FindService(ctx context.Context, name string) (*models.Service, error) {
	return NewServiceStore(s.db, s.serviceOpts...).FindByName(ctx, name)
}

// RegisterService registers a new service.
func (s *backfillStore) RegisterService(ctx context.Context, svc *models.Service) error {
	return NewServiceStore(s.db, s.serviceOpts...).Create(ctx, svc)
}

// CreateRun creates a run along with its partitions.
func (s *backfillStore) CreateRun(ctx context.Context, r *models.BackfillRun, partitions models.RunPartitions, message string) error {
	return WithTransaction(ctx, s.db, func(tx Transactor) error {
		if err := NewBackfillRunStore(tx).Create(ctx, r); err != nil {
			return err
		}

		for _, p := range partitions {
			p.BackfillRunID = r.ID
			p.State = models.PartitionStateFor(r.State)
		}
		if err := NewRunPartitionStore(tx).CreateAll(ctx, partitions); err != nil {
			return err
		}

		return NewEventLogStore(tx).Create(ctx, &models.EventLog{
			BackfillRunID: r.ID,
			Type:          models.EventStateChange,
			Message:       message,
		})
	})
}

// FindRun finds a run and its partitions.
func (s *backfillStore) FindRun(ctx context.Context, id int64) (*models.BackfillRun, models.RunPartitions, error) {
	run, err := NewBackfillRunStore(s.db).FindByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if run == nil {
		return nil, nil, fmt.Errorf("backfill run %d: %w", id, ErrNotFound)
	}

	partitions, err := NewRunPartitionStore(s.db).FindByRunID(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	return run, partitions, nil
}

// FindRunsByState finds all runs in a given state.
func (s *backfillStore) FindRunsByState(ctx context.Context, state models.BackfillState) ([]*models.BackfillRun, error) {
	return NewBackfillRunStore(s.db).FindByState(ctx, state)
}

func lockRun(ctx context.Context, runs BackfillRunStore, id int64) (*models.BackfillRun, error) {
	run, err := runs.LockByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("backfill run %d: %w", id, ErrNotFound)
	}

	return run, nil
}

// TransitionRun moves a run and its non-complete partitions to a new state.
func (s *backfillStore) TransitionRun(ctx context.Context, id int64, from []models.BackfillState, to models.BackfillState, message string) (*models.BackfillRun, error) {
	var run *models.BackfillRun

	err := WithTransaction(ctx, s.db, func(tx Transactor) error {
		runs := NewBackfillRunStore(tx)

		var err error
		run, err = lockRun(ctx, runs, id)
		if err != nil {
			return err
		}
		if !containsState(from, run.State) {
			return fmt.Errorf("backfill run %d is %s, can't move to %s: %w", id, run.State, to, ErrInvalidTransition)
		}

		if err := runs.UpdateState(ctx, run, to); err != nil {
			return err
		}
		if _, err := NewRunPartitionStore(tx).SetStateByRunID(ctx, id, models.PartitionStateFor(to)); err != nil {
			return err
		}

		return NewEventLogStore(tx).Create(ctx, &models.EventLog{
			BackfillRunID: id,
			Type:          models.EventStateChange,
			Message:       message,
		})
	})
	if err != nil {
		return nil, err
	}

	return run, nil
}

func containsState(states []models.BackfillState, s models.BackfillState) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}
	return false
}

// UpdateRunConfig applies `change` to a run and persists it.
func (s *backfillStore) UpdateRunConfig(ctx context.Context, id int64, change RunConfigChanger) (*models.BackfillRun, error) {
	var run *models.BackfillRun

	err := WithTransaction(ctx, s.db, func(tx Transactor) error {
		runs := NewBackfillRunStore(tx)

		var err error
		run, err = lockRun(ctx, runs, id)
		if err != nil {
			return err
		}

		changes, err := change(run)
		if err != nil {
			return err
		}
		if changes == "" {
			return nil
		}

		if err := runs.UpdateConfig(ctx, run); err != nil {
			return err
		}

		return NewEventLogStore(tx).Create(ctx, &models.EventLog{
			BackfillRunID: id,
			Type:          models.EventConfigChange,
			Message:       "updated settings: " + changes,
		})
	})
	if err != nil {
		return nil, err
	}

	return run, nil
}

// Events returns the event log of a run.
func (s *backfillStore) Events(ctx context.Context, runID int64) (models.EventLogs, error) {
	return NewEventLogStore(s.db).FindByRunID(ctx, runID)
}
