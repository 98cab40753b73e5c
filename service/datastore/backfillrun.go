package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/backfila/backfila/service/datastore/metrics"
	"github.com/backfila/backfila/service/datastore/models"
	"github.com/lib/pq"
)

var (
	// ErrRunStateImmutable is returned when trying to change the state of a run that is COMPLETE or CANCELLED.
	ErrRunStateImmutable = errors.New("backfill run state can not be changed once complete or cancelled")
	// ErrPartitionExists is returned when a run is created with duplicated partition names.
	ErrPartitionExists = errors.New("run partition already exists")
)

const backfillRunColumns = `r.id,
			r.service_id,
			s.name,
			r.backfill_name,
			r.state,
			r.batch_size,
			r.scan_size,
			r.num_threads,
			r.dry_run,
			r.parameters,
			r.backoff_schedule,
			r.extra_sleep_ms,
			r.version,
			r.created_at,
			r.updated_at,
			r.completed_at`

// BackfillRunStore is the interface that a backfill run store should conform to.
type BackfillRunStore interface {
	// FindByID finds a run by its ID.
	FindByID(ctx context.Context, id int64) (*models.BackfillRun, error)
	// LockByID finds a run by its ID and locks its row until the end of the current transaction.
	LockByID(ctx context.Context, id int64) (*models.BackfillRun, error)
	// FindByServiceID finds all runs of a service, newest first.
	FindByServiceID(ctx context.Context, serviceID int64) ([]*models.BackfillRun, error)
	// FindByState finds all runs in a given state, oldest first.
	FindByState(ctx context.Context, state models.BackfillState) ([]*models.BackfillRun, error)
	// Create creates a run.
	Create(ctx context.Context, r *models.BackfillRun) error
	// UpdateState changes the state of a run, incrementing its version. The run version must match.
	UpdateState(ctx context.Context, r *models.BackfillRun, state models.BackfillState) error
	// UpdateConfig persists the tunable settings of a run. The run version must match.
	UpdateConfig(ctx context.Context, r *models.BackfillRun) error
	// Complete marks a run as COMPLETE. The run version must match.
	Complete(ctx context.Context, r *models.BackfillRun) error
	// FindProgress aggregates partition progress for every run that is RUNNING or PAUSED.
	FindProgress(ctx context.Context) ([]*models.RunProgress, error)
}

// NewBackfillRunStore builds a new backfillRunStore.
func NewBackfillRunStore(db Queryer) BackfillRunStore {
	return &backfillRunStore{db: db}
}

// backfillRunStore is the concrete implementation of a BackfillRunStore.
type backfillRunStore struct {
	// db can be either a *sql.DB or *sql.Tx
	db Queryer
}

func scanBackfillRun(row rowScanner) (*models.BackfillRun, error) {
	r := new(models.BackfillRun)
	err := row.Scan(
		&r.ID,
		&r.ServiceID,
		&r.ServiceName,
		&r.BackfillName,
		&r.State,
		&r.BatchSize,
		&r.ScanSize,
		&r.NumThreads,
		&r.DryRun,
		&r.Parameters,
		&r.BackoffSchedule,
		&r.ExtraSleepMs,
		&r.Version,
		&r.CreatedAt,
		&r.UpdatedAt,
		&r.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning backfill run: %w", err)
	}

	return r, nil
}

// FindByID finds a run by its ID.
func (s *backfillRunStore) FindByID(ctx context.Context, id int64) (*models.BackfillRun, error) {
	defer metrics.InstrumentQuery("backfill_run_find_by_id")()

	q := `SELECT
			` + backfillRunColumns + `
		FROM
			backfill_runs AS r
			JOIN services AS s ON s.id = r.service_id
		WHERE
			r.id = $1`

	return scanBackfillRun(s.db.QueryRowContext(ctx, q, id))
}

// LockByID finds a run by its ID and locks its row until the end of the current transaction.
func (s *backfillRunStore) LockByID(ctx context.Context, id int64) (*models.BackfillRun, error) {
	defer metrics.InstrumentQuery("backfill_run_lock_by_id")()

	q := `SELECT
			` + backfillRunColumns + `
		FROM
			backfill_runs AS r
			JOIN services AS s ON s.id = r.service_id
		WHERE
			r.id = $1
		FOR UPDATE OF r`

	return scanBackfillRun(s.db.QueryRowContext(ctx, q, id))
}

// FindByServiceID finds all runs of a service, newest first.
func (s *backfillRunStore) FindByServiceID(ctx context.Context, serviceID int64) ([]*models.BackfillRun, error) {
	defer metrics.InstrumentQuery("backfill_run_find_by_service_id")()

	q := `SELECT
			` + backfillRunColumns + `
		FROM
			backfill_runs AS r
			JOIN services AS s ON s.id = r.service_id
		WHERE
			r.service_id = $1
		ORDER BY
			r.id DESC`

	rows, err := s.db.QueryContext(ctx, q, serviceID)
	if err != nil {
		return nil, fmt.Errorf("finding backfill runs: %w", err)
	}
	defer rows.Close()

	return scanBackfillRuns(rows)
}

// FindByState finds all runs in a given state, oldest first.
func (s *backfillRunStore) FindByState(ctx context.Context, state models.BackfillState) ([]*models.BackfillRun, error) {
	defer metrics.InstrumentQuery("backfill_run_find_by_state")()

	q := `SELECT
			` + backfillRunColumns + `
		FROM
			backfill_runs AS r
			JOIN services AS s ON s.id = r.service_id
		WHERE
			r.state = $1
		ORDER BY
			r.id ASC`

	rows, err := s.db.QueryContext(ctx, q, state)
	if err != nil {
		return nil, fmt.Errorf("finding backfill runs by state: %w", err)
	}
	defer rows.Close()

	return scanBackfillRuns(rows)
}

func scanBackfillRuns(rows *sql.Rows) ([]*models.BackfillRun, error) {
	runs := make([]*models.BackfillRun, 0)
	for rows.Next() {
		r, err := scanBackfillRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scanning backfill runs: %w", err)
	}

	return runs, nil
}

// Create creates a run.
func (s *backfillRunStore) Create(ctx context.Context, r *models.BackfillRun) error {
	defer metrics.InstrumentQuery("backfill_run_create")()

	q := `INSERT INTO backfill_runs (service_id, backfill_name, state, batch_size, scan_size, num_threads, dry_run,
			parameters, backoff_schedule, extra_sleep_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING
			id, version, created_at`

	var schedule any
	if len(r.BackoffSchedule) > 0 {
		schedule = r.BackoffSchedule
	}

	row := s.db.QueryRowContext(ctx, q, r.ServiceID, r.BackfillName, r.State, r.BatchSize, r.ScanSize, r.NumThreads,
		r.DryRun, r.Parameters, schedule, r.ExtraSleepMs)
	if err := row.Scan(&r.ID, &r.Version, &r.CreatedAt); err != nil {
		return fmt.Errorf("creating backfill run: %w", err)
	}

	return nil
}

// UpdateState changes the state of a run, incrementing its version.
func (s *backfillRunStore) UpdateState(ctx context.Context, r *models.BackfillRun, state models.BackfillState) error {
	if r.State.IsTerminal() {
		return ErrRunStateImmutable
	}

	defer metrics.InstrumentQuery("backfill_run_update_state")()

	q := `UPDATE
			backfill_runs
		SET
			state = $1,
			version = version + 1,
			updated_at = now()
		WHERE
			id = $2
			AND version = $3
			AND state <> ALL ($4)
		RETURNING
			version`

	terminal := pq.Array([]string{models.BackfillComplete.String(), models.BackfillCancelled.String()})
	if err := s.db.QueryRowContext(ctx, q, state, r.ID, r.Version, terminal).Scan(&r.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrVersionConflict
		}
		return fmt.Errorf("updating backfill run state: %w", err)
	}
	r.State = state

	return nil
}

// UpdateConfig persists the tunable settings of a run.
func (s *backfillRunStore) UpdateConfig(ctx context.Context, r *models.BackfillRun) error {
	defer metrics.InstrumentQuery("backfill_run_update_config")()

	q := `UPDATE
			backfill_runs
		SET
			batch_size = $1,
			scan_size = $2,
			num_threads = $3,
			extra_sleep_ms = $4,
			backoff_schedule = $5,
			version = version + 1,
			updated_at = now()
		WHERE
			id = $6
			AND version = $7
		RETURNING
			version`

	var schedule any
	if len(r.BackoffSchedule) > 0 {
		schedule = r.BackoffSchedule
	}

	row := s.db.QueryRowContext(ctx, q, r.BatchSize, r.ScanSize, r.NumThreads, r.ExtraSleepMs, schedule, r.ID, r.Version)
	if err := row.Scan(&r.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrVersionConflict
		}
		return fmt.Errorf("updating backfill run config: %w", err)
	}

	return nil
}

// Complete marks a run as COMPLETE.
func (s *backfillRunStore) Complete(ctx context.Context, r *models.BackfillRun) error {
	defer metrics.InstrumentQuery("backfill_run_complete")()

	q := `UPDATE
			backfill_runs
		SET
			state = $1,
			version = version + 1,
			updated_at = now(),
			completed_at = now()
		WHERE
			id = $2
			AND version = $3
		RETURNING
			version,
			completed_at`

	if err := s.db.QueryRowContext(ctx, q, models.BackfillComplete, r.ID, r.Version).Scan(&r.Version, &r.CompletedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrVersionConflict
		}
		return fmt.Errorf("completing backfill run: %w", err)
	}
	r.State = models.BackfillComplete

	return nil
}

// FindProgress aggregates partition progress for every run that is RUNNING or PAUSED.
func (s *backfillRunStore) FindProgress(ctx context.Context) ([]*models.RunProgress, error) {
	defer metrics.InstrumentQuery("backfill_run_find_progress")()

	q := `SELECT
			r.id,
			s.name,
			r.backfill_name,
			r.state,
			bool_and(p.precomputing_done),
			COALESCE(sum(p.computed_matching_record_count), 0),
			COALESCE(sum(p.backfilled_matching_record_count), 0)
		FROM
			backfill_runs AS r
			JOIN services AS s ON s.id = r.service_id
			JOIN run_partitions AS p ON p.backfill_run_id = r.id
		WHERE
			r.state = ANY ($1)
		GROUP BY
			r.id,
			s.name
		ORDER BY
			r.id`

	states := pq.Array([]string{models.BackfillRunning.String(), models.BackfillPaused.String()})
	rows, err := s.db.QueryContext(ctx, q, states)
	if err != nil {
		return nil, fmt.Errorf("finding backfill progress: %w", err)
	}
	defer rows.Close()

	progress := make([]*models.RunProgress, 0)
	for rows.Next() {
		p := new(models.RunProgress)
		if err := rows.Scan(&p.RunID, &p.ServiceName, &p.BackfillName, &p.State, &p.PrecomputingDone, &p.ComputedMatching, &p.BackfilledMatching); err != nil {
			return nil, fmt.Errorf("scanning backfill progress: %w", err)
		}
		progress = append(progress, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scanning backfill progress: %w", err)
	}

	return progress, nil
}
