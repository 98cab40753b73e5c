package datastore_test

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/backfila/backfila/service/datastore"
	"github.com/backfila/backfila/service/datastore/models"
	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/require"
)

var runPartitionColumns = []string{
	"id", "backfill_run_id", "partition_name", "partition_state", "lease_token", "lease_expires_at", "pkey_cursor",
	"pkey_range_start", "pkey_range_end", "precomputing_pkey_cursor", "precomputing_done",
	"computed_scanned_record_count", "computed_matching_record_count", "backfilled_scanned_record_count",
	"backfilled_matching_record_count", "scanned_records_per_minute", "matching_records_per_minute", "version",
	"created_at", "updated_at",
}

func runPartitionRow(id, runID int64, state models.PartitionState, token driver.Value, version int64) []driver.Value {
	return []driver.Value{
		id, runID, "-80", string(state), token, time.Unix(1, 0), []byte("100"),
		[]byte("0"), []byte("1000"), nil, false,
		int64(0), int64(0), int64(10), int64(5),
		nil, nil, version,
		time.Now(), nil,
	}
}

func TestRunPartitionStore_FindByID(t *testing.T) {
	db, mock := newMockDB(t)
	s := datastore.NewRunPartitionStore(db)

	mock.ExpectQuery(`SELECT\s+id,\s+backfill_run_id`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(runPartitionColumns).AddRow(runPartitionRow(1, 2, models.PartitionRunning, "abc", 7)...))

	p, err := s.FindByID(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Equal(t, int64(1), p.ID)
	require.Equal(t, int64(2), p.BackfillRunID)
	require.Equal(t, models.PartitionRunning, p.State)
	require.Equal(t, null.StringFrom("abc"), p.LeaseToken)
	require.Equal(t, []byte("100"), p.PkeyCursor)
	require.Equal(t, int64(10), p.BackfilledScannedRecordCount)
	require.False(t, p.ScannedRecordsPerMinute.Valid)
	require.Equal(t, int64(7), p.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunPartitionStore_FindByID_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	s := datastore.NewRunPartitionStore(db)

	mock.ExpectQuery(`SELECT\s+id,\s+backfill_run_id`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(runPartitionColumns))

	p, err := s.FindByID(context.Background(), 1)
	require.NoError(t, err)
	require.Nil(t, p)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunPartitionStore_FindRunnable(t *testing.T) {
	db, mock := newMockDB(t)
	s := datastore.NewRunPartitionStore(db)
	now := time.Now()

	mock.ExpectQuery(`partition_state = \$1\s+AND lease_expires_at < \$2`).
		WithArgs(models.PartitionRunning, now).
		WillReturnRows(sqlmock.NewRows(runPartitionColumns).
			AddRow(runPartitionRow(1, 2, models.PartitionRunning, nil, 0)...).
			AddRow(runPartitionRow(3, 2, models.PartitionRunning, "expired", 4)...))

	pp, err := s.FindRunnable(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, pp, 2)
	require.False(t, pp[0].LeaseToken.Valid)
	require.Equal(t, "expired", pp[1].LeaseToken.String)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunPartitionStore_Lease(t *testing.T) {
	db, mock := newMockDB(t)
	s := datastore.NewRunPartitionStore(db)
	expiry := time.Now().Add(5 * time.Minute)
	p := &models.RunPartition{ID: 1, Version: 3}

	mock.ExpectQuery(`UPDATE\s+run_partitions\s+SET\s+lease_token = \$1`).
		WithArgs("token", expiry, int64(1), int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(4)))

	require.NoError(t, s.Lease(context.Background(), p, "token", expiry))
	require.Equal(t, int64(4), p.Version)
	require.Equal(t, null.StringFrom("token"), p.LeaseToken)
	require.Equal(t, expiry, p.LeaseExpiresAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunPartitionStore_Lease_VersionConflict(t *testing.T) {
	db, mock := newMockDB(t)
	s := datastore.NewRunPartitionStore(db)
	expiry := time.Now().Add(5 * time.Minute)
	p := &models.RunPartition{ID: 1, Version: 3}

	mock.ExpectQuery(`UPDATE\s+run_partitions\s+SET\s+lease_token = \$1`).
		WithArgs("token", expiry, int64(1), int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"version"}))

	err := s.Lease(context.Background(), p, "token", expiry)
	require.ErrorIs(t, err, datastore.ErrVersionConflict)
	require.Equal(t, int64(3), p.Version)
	require.False(t, p.LeaseToken.Valid)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunPartitionStore_SaveProgress(t *testing.T) {
	expiry := time.Now().Add(5 * time.Minute).UTC()

	tt := []struct {
		name           string
		leaseExpiresAt time.Time
		expectedArg    driver.Value
		returnedExpiry time.Time
	}{
		{name: "extends lease", leaseExpiresAt: expiry, expectedArg: expiry, returnedExpiry: expiry},
		{name: "keeps lease", leaseExpiresAt: time.Time{}, expectedArg: nil, returnedExpiry: datastore.ClearedLeaseExpiry},
	}

	for _, test := range tt {
		t.Run(test.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			s := datastore.NewRunPartitionStore(db)
			p := &models.RunPartition{ID: 1, Version: 3}
			pre := models.PrecomputeProgress{Cursor: []byte("50"), ScannedCount: 50, MatchingCount: 20}
			exec := models.ExecutionProgress{Cursor: []byte("30"), ScannedCount: 30, MatchingCount: 10, ScannedPerMinute: null.IntFrom(60)}

			mock.ExpectQuery(`UPDATE\s+run_partitions\s+SET\s+precomputing_pkey_cursor = \$1`).
				WithArgs([]byte("50"), false, int64(50), int64(20), []byte("30"), int64(30), int64(10), int64(60), nil,
					test.expectedArg, int64(1), int64(3)).
				WillReturnRows(sqlmock.NewRows([]string{"version", "lease_expires_at"}).AddRow(int64(4), test.returnedExpiry))

			require.NoError(t, s.SaveProgress(context.Background(), p, pre, exec, test.leaseExpiresAt))
			require.Equal(t, int64(4), p.Version)
			require.Equal(t, test.returnedExpiry, p.LeaseExpiresAt)
			require.Equal(t, []byte("30"), p.PkeyCursor)
			require.Equal(t, []byte("50"), p.PrecomputingPkeyCursor)
			require.Equal(t, int64(10), p.BackfilledMatchingRecordCount)
			require.Equal(t, null.IntFrom(60), p.ScannedRecordsPerMinute)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRunPartitionStore_ClearLease(t *testing.T) {
	tt := []struct {
		name     string
		affected int64
		expected bool
	}{
		{name: "token matches", affected: 1, expected: true},
		{name: "token does not match", affected: 0, expected: false},
	}

	for _, test := range tt {
		t.Run(test.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			s := datastore.NewRunPartitionStore(db)

			mock.ExpectExec(`SET\s+lease_token = NULL`).
				WithArgs(datastore.ClearedLeaseExpiry, int64(1), "token").
				WillReturnResult(sqlmock.NewResult(0, test.affected))

			cleared, err := s.ClearLease(context.Background(), 1, "token")
			require.NoError(t, err)
			require.Equal(t, test.expected, cleared)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRunPartitionStore_ClearLease_Error(t *testing.T) {
	db, mock := newMockDB(t)
	s := datastore.NewRunPartitionStore(db)

	mock.ExpectExec(`SET\s+lease_token = NULL`).WillReturnError(errors.New("foo"))

	cleared, err := s.ClearLease(context.Background(), 1, "token")
	require.ErrorContains(t, err, "clearing run partition lease")
	require.False(t, cleared)
}

func TestRunPartitionStore_SetStateByRunID(t *testing.T) {
	db, mock := newMockDB(t)
	s := datastore.NewRunPartitionStore(db)

	mock.ExpectExec(`SET\s+partition_state = \$1`).
		WithArgs(models.PartitionPaused, int64(2), "{COMPLETE,STALE,CANCELLED}").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.SetStateByRunID(context.Background(), 2, models.PartitionPaused)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunPartitionStore_Complete(t *testing.T) {
	db, mock := newMockDB(t)
	s := datastore.NewRunPartitionStore(db)
	p := &models.RunPartition{ID: 1, Version: 3, State: models.PartitionRunning}
	pre := models.PrecomputeProgress{Cursor: []byte("1000"), Done: true, ScannedCount: 1000, MatchingCount: 100}
	exec := models.ExecutionProgress{Cursor: []byte("1000"), ScannedCount: 1000, MatchingCount: 100}

	mock.ExpectQuery(`SET\s+partition_state = \$1,\s+precomputing_pkey_cursor = \$2,\s+precomputing_done = \$3`).
		WithArgs(models.PartitionComplete, []byte("1000"), true, int64(1000), int64(100),
			[]byte("1000"), int64(1000), int64(100), nil, nil, int64(1), int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(4)))

	require.NoError(t, s.Complete(context.Background(), p, pre, exec))
	require.Equal(t, models.PartitionComplete, p.State)
	require.Equal(t, []byte("1000"), p.PkeyCursor)
	require.True(t, p.PrecomputingDone)
	require.Equal(t, int64(100), p.ComputedMatchingRecordCount)
	require.Equal(t, int64(4), p.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}
