package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/backfila/backfila/service/datastore/metrics"
	"github.com/backfila/backfila/service/datastore/models"
	"github.com/lib/pq"
)

// ClearedLeaseExpiry is the lease expiry written when a lease is released, so that the partition is immediately
// claimable again.
var ClearedLeaseExpiry = time.Unix(1, 0).UTC()

const runPartitionColumns = `id,
			backfill_run_id,
			partition_name,
			partition_state,
			lease_token,
			lease_expires_at,
			pkey_cursor,
			pkey_range_start,
			pkey_range_end,
			precomputing_pkey_cursor,
			precomputing_done,
			computed_scanned_record_count,
			computed_matching_record_count,
			backfilled_scanned_record_count,
			backfilled_matching_record_count,
			scanned_records_per_minute,
			matching_records_per_minute,
			version,
			created_at,
			updated_at`

// RunPartitionStore is the interface that a run partition store should conform to.
type RunPartitionStore interface {
	// FindByID finds a partition by its ID.
	FindByID(ctx context.Context, id int64) (*models.RunPartition, error)
	// LockByID finds a partition by its ID and locks its row until the end of the current transaction.
	LockByID(ctx context.Context, id int64) (*models.RunPartition, error)
	// FindByRunID finds all partitions of a run, ordered by ID.
	FindByRunID(ctx context.Context, runID int64) (models.RunPartitions, error)
	// FindRunnable finds all partitions in the RUNNING state whose lease expired before `now`.
	FindRunnable(ctx context.Context, now time.Time) (models.RunPartitions, error)
	// CreateAll creates the partitions of a run.
	CreateAll(ctx context.Context, partitions models.RunPartitions) error
	// Lease sets the lease of a partition if its version did not change since it was read. Returns
	// ErrVersionConflict otherwise.
	Lease(ctx context.Context, p *models.RunPartition, token string, expiresAt time.Time) error
	// SaveProgress persists the precompute and execution progress of a partition and, if `leaseExpiresAt` is not
	// zero, extends its lease. The partition version must match and is incremented.
	SaveProgress(ctx context.Context, p *models.RunPartition, pre models.PrecomputeProgress, exec models.ExecutionProgress, leaseExpiresAt time.Time) error
	// ClearLease releases the lease of a partition if it is still held with `token`. Returns true if released.
	ClearLease(ctx context.Context, id int64, token string) (bool, error)
	// Complete marks a partition as COMPLETE and persists its final precompute and execution progress.
	Complete(ctx context.Context, p *models.RunPartition, pre models.PrecomputeProgress, exec models.ExecutionProgress) error
	// SetStateByRunID sets the state of every non-complete partition of a run, incrementing their version.
	SetStateByRunID(ctx context.Context, runID int64, state models.PartitionState) (int64, error)
}

// NewRunPartitionStore builds a new runPartitionStore.
func NewRunPartitionStore(db Queryer) RunPartitionStore {
	return &runPartitionStore{db: db}
}

// runPartitionStore is the concrete implementation of a RunPartitionStore.
type runPartitionStore struct {
	// db can be either a *sql.DB or *sql.Tx
	db Queryer
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunPartition(row rowScanner) (*models.RunPartition, error) {
	p := new(models.RunPartition)
	err := row.Scan(
		&p.ID,
		&p.BackfillRunID,
		&p.PartitionName,
		&p.State,
		&p.LeaseToken,
		&p.LeaseExpiresAt,
		&p.PkeyCursor,
		&p.PkeyRangeStart,
		&p.PkeyRangeEnd,
		&p.PrecomputingPkeyCursor,
		&p.PrecomputingDone,
		&p.ComputedScannedRecordCount,
		&p.ComputedMatchingRecordCount,
		&p.BackfilledScannedRecordCount,
		&p.BackfilledMatchingRecordCount,
		&p.ScannedRecordsPerMinute,
		&p.MatchingRecordsPerMinute,
		&p.Version,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning run partition: %w", err)
	}

	return p, nil
}

func scanRunPartitions(rows *sql.Rows) (models.RunPartitions, error) {
	defer rows.Close()

	pp := make(models.RunPartitions, 0)
	for rows.Next() {
		p, err := scanRunPartition(rows)
		if err != nil {
			return nil, err
		}
		pp = append(pp, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scanning run partitions: %w", err)
	}

	return pp, nil
}

// FindByID finds a partition by its ID.
func (s *runPartitionStore) FindByID(ctx context.Context, id int64) (*models.RunPartition, error) {
	defer metrics.InstrumentQuery("run_partition_find_by_id")()

	q := `SELECT
			` + runPartitionColumns + `
		FROM
			run_partitions
		WHERE
			id = $1`

	return scanRunPartition(s.db.QueryRowContext(ctx, q, id))
}

// LockByID finds a partition by its ID and locks its row until the end of the current transaction.
func (s *runPartitionStore) LockByID(ctx context.Context, id int64) (*models.RunPartition, error) {
	defer metrics.InstrumentQuery("run_partition_lock_by_id")()

	q := `SELECT
			` + runPartitionColumns + `
		FROM
			run_partitions
		WHERE
			id = $1
		FOR UPDATE`

	return scanRunPartition(s.db.QueryRowContext(ctx, q, id))
}

// FindByRunID finds all partitions of a run, ordered by ID.
func (s *runPartitionStore) FindByRunID(ctx context.Context, runID int64) (models.RunPartitions, error) {
	defer metrics.InstrumentQuery("run_partition_find_by_run_id")()

	q := `SELECT
			` + runPartitionColumns + `
		FROM
			run_partitions
		WHERE
			backfill_run_id = $1
		ORDER BY
			id ASC`

	rows, err := s.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("finding run partitions: %w", err)
	}

	return scanRunPartitions(rows)
}

// FindRunnable finds all partitions in the RUNNING state whose lease expired before `now`.
func (s *runPartitionStore) FindRunnable(ctx context.Context, now time.Time) (models.RunPartitions, error) {
	defer metrics.InstrumentQuery("run_partition_find_runnable")()

	q := `SELECT
			` + runPartitionColumns + `
		FROM
			run_partitions
		WHERE
			partition_state = $1
			AND lease_expires_at < $2`

	rows, err := s.db.QueryContext(ctx, q, models.PartitionRunning, now)
	if err != nil {
		return nil, fmt.Errorf("finding runnable partitions: %w", err)
	}

	return scanRunPartitions(rows)
}

// CreateAll creates the partitions of a run.
func (s *runPartitionStore) CreateAll(ctx context.Context, partitions models.RunPartitions) error {
	defer metrics.InstrumentQuery("run_partition_create_all")()

	q := `INSERT INTO run_partitions (backfill_run_id, partition_name, partition_state, lease_expires_at,
			pkey_range_start, pkey_range_end, computed_scanned_record_count, computed_matching_record_count, precomputing_done)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING
			id, version, created_at`

	for _, p := range partitions {
		row := s.db.QueryRowContext(ctx, q, p.BackfillRunID, p.PartitionName, p.State, ClearedLeaseExpiry,
			p.PkeyRangeStart, p.PkeyRangeEnd, p.ComputedScannedRecordCount, p.ComputedMatchingRecordCount, p.PrecomputingDone)
		if err := row.Scan(&p.ID, &p.Version, &p.CreatedAt); err != nil {
			if IsUniqueViolation(err) {
				return fmt.Errorf("creating run partition %q: %w", p.PartitionName, ErrPartitionExists)
			}
			return fmt.Errorf("creating run partition: %w", err)
		}
		p.LeaseExpiresAt = ClearedLeaseExpiry
	}

	return nil
}

// Lease sets the lease of a partition if its version did not change since it was read.
func (s *runPartitionStore) Lease(ctx context.Context, p *models.RunPartition, token string, expiresAt time.Time) error {
	defer metrics.InstrumentQuery("run_partition_lease")()

	q := `UPDATE
			run_partitions
		SET
			lease_token = $1,
			lease_expires_at = $2,
			version = version + 1,
			updated_at = now()
		WHERE
			id = $3
			AND version = $4
		RETURNING
			version`

	if err := s.db.QueryRowContext(ctx, q, token, expiresAt, p.ID, p.Version).Scan(&p.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrVersionConflict
		}
		return fmt.Errorf("leasing run partition: %w", err)
	}
	p.LeaseToken.SetValid(token)
	p.LeaseExpiresAt = expiresAt

	return nil
}

// SaveProgress persists the precompute and execution progress of a partition, optionally extending its lease.
func (s *runPartitionStore) SaveProgress(ctx context.Context, p *models.RunPartition, pre models.PrecomputeProgress, exec models.ExecutionProgress, leaseExpiresAt time.Time) error {
	defer metrics.InstrumentQuery("run_partition_save_progress")()

	q := `UPDATE
			run_partitions
		SET
			precomputing_pkey_cursor = $1,
			precomputing_done = $2,
			computed_scanned_record_count = $3,
			computed_matching_record_count = $4,
			pkey_cursor = $5,
			backfilled_scanned_record_count = $6,
			backfilled_matching_record_count = $7,
			scanned_records_per_minute = $8,
			matching_records_per_minute = $9,
			lease_expires_at = CASE WHEN $10::timestamptz IS NULL THEN
				lease_expires_at
			ELSE
				$10::timestamptz
			END,
			version = version + 1,
			updated_at = now()
		WHERE
			id = $11
			AND version = $12
		RETURNING
			version,
			lease_expires_at`

	var expiry sql.NullTime
	if !leaseExpiresAt.IsZero() {
		expiry = sql.NullTime{Time: leaseExpiresAt, Valid: true}
	}

	row := s.db.QueryRowContext(ctx, q,
		pre.Cursor, pre.Done, pre.ScannedCount, pre.MatchingCount,
		exec.Cursor, exec.ScannedCount, exec.MatchingCount, exec.ScannedPerMinute, exec.MatchingPerMinute,
		expiry, p.ID, p.Version)
	if err := row.Scan(&p.Version, &p.LeaseExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrVersionConflict
		}
		return fmt.Errorf("saving run partition progress: %w", err)
	}

	applyPrecomputeProgress(p, pre)
	applyExecutionProgress(p, exec)

	return nil
}

func applyPrecomputeProgress(p *models.RunPartition, pre models.PrecomputeProgress) {
	p.PrecomputingPkeyCursor = pre.Cursor
	p.PrecomputingDone = pre.Done
	p.ComputedScannedRecordCount = pre.ScannedCount
	p.ComputedMatchingRecordCount = pre.MatchingCount
}

func applyExecutionProgress(p *models.RunPartition, exec models.ExecutionProgress) {
	p.PkeyCursor = exec.Cursor
	p.BackfilledScannedRecordCount = exec.ScannedCount
	p.BackfilledMatchingRecordCount = exec.MatchingCount
	p.ScannedRecordsPerMinute = exec.ScannedPerMinute
	p.MatchingRecordsPerMinute = exec.MatchingPerMinute
}

// ClearLease releases the lease of a partition if it is still held with `token`.
func (s *runPartitionStore) ClearLease(ctx context.Context, id int64, token string) (bool, error) {
	defer metrics.InstrumentQuery("run_partition_clear_lease")()

	q := `UPDATE
			run_partitions
		SET
			lease_token = NULL,
			lease_expires_at = $1,
			version = version + 1,
			updated_at = now()
		WHERE
			id = $2
			AND lease_token = $3`

	res, err := s.db.ExecContext(ctx, q, ClearedLeaseExpiry, id, token)
	if err != nil {
		return false, fmt.Errorf("clearing run partition lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("clearing run partition lease: %w", err)
	}

	return n == 1, nil
}

// Complete marks a partition as COMPLETE and persists its final precompute and execution progress.
func (s *runPartitionStore) Complete(ctx context.Context, p *models.RunPartition, pre models.PrecomputeProgress, exec models.ExecutionProgress) error {
	defer metrics.InstrumentQuery("run_partition_complete")()

	q := `UPDATE
			run_partitions
		SET
			partition_state = $1,
			precomputing_pkey_cursor = $2,
			precomputing_done = $3,
			computed_scanned_record_count = $4,
			computed_matching_record_count = $5,
			pkey_cursor = $6,
			backfilled_scanned_record_count = $7,
			backfilled_matching_record_count = $8,
			scanned_records_per_minute = $9,
			matching_records_per_minute = $10,
			version = version + 1,
			updated_at = now()
		WHERE
			id = $11
			AND version = $12
		RETURNING
			version`

	row := s.db.QueryRowContext(ctx, q, models.PartitionComplete,
		pre.Cursor, pre.Done, pre.ScannedCount, pre.MatchingCount,
		exec.Cursor, exec.ScannedCount, exec.MatchingCount, exec.ScannedPerMinute, exec.MatchingPerMinute,
		p.ID, p.Version)
	if err := row.Scan(&p.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrVersionConflict
		}
		return fmt.Errorf("completing run partition: %w", err)
	}
	p.State = models.PartitionComplete
	applyPrecomputeProgress(p, pre)
	applyExecutionProgress(p, exec)

	return nil
}

// SetStateByRunID sets the state of every non-complete partition of a run, incrementing their version.
func (s *runPartitionStore) SetStateByRunID(ctx context.Context, runID int64, state models.PartitionState) (int64, error) {
	defer metrics.InstrumentQuery("run_partition_set_state_by_run_id")()

	q := `UPDATE
			run_partitions
		SET
			partition_state = $1,
			version = version + 1,
			updated_at = now()
		WHERE
			backfill_run_id = $2
			AND partition_state <> ALL ($3)`

	terminal := pq.Array([]string{models.PartitionComplete.String(), models.PartitionStale.String(), models.PartitionCancelled.String()})
	res, err := s.db.ExecContext(ctx, q, state, runID, terminal)
	if err != nil {
		return 0, fmt.Errorf("setting run partitions state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("setting run partitions state: %w", err)
	}

	return n, nil
}
