package datastore

import (
	"context"
	"fmt"

	"github.com/backfila/backfila/service/datastore/metrics"
	"github.com/backfila/backfila/service/datastore/models"
)

// EventLogStore is the interface that an event log store should conform to.
type EventLogStore interface {
	// Create appends an entry to the event log.
	Create(ctx context.Context, e *models.EventLog) error
	// FindByRunID returns the event log of a run, oldest first.
	FindByRunID(ctx context.Context, runID int64) (models.EventLogs, error)
}

// NewEventLogStore builds a new eventLogStore.
func NewEventLogStore(db Queryer) EventLogStore {
	return &eventLogStore{db: db}
}

// eventLogStore is the concrete implementation of an EventLogStore.
type eventLogStore struct {
	// db can be either a *sql.DB or *sql.Tx
	db Queryer
}

// Create appends an entry to the event log.
func (s *eventLogStore) Create(ctx context.Context, e *models.EventLog) error {
	defer metrics.InstrumentQuery("event_log_create")()

	q := `INSERT INTO event_logs (backfill_run_id, partition_id, type, message, extra_data)
			VALUES ($1, $2, $3, $4, $5)
		RETURNING
			id, created_at`

	row := s.db.QueryRowContext(ctx, q, e.BackfillRunID, e.PartitionID, e.Type, e.Message, e.ExtraData)
	if err := row.Scan(&e.ID, &e.CreatedAt); err != nil {
		return fmt.Errorf("creating event log: %w", err)
	}

	return nil
}

// FindByRunID returns the event log of a run, oldest first.
func (s *eventLogStore) FindByRunID(ctx context.Context, runID int64) (models.EventLogs, error) {
	defer metrics.InstrumentQuery("event_log_find_by_run_id")()

	q := `SELECT
			id,
			backfill_run_id,
			partition_id,
			type,
			message,
			extra_data,
			created_at
		FROM
			event_logs
		WHERE
			backfill_run_id = $1
		ORDER BY
			id ASC`

	rows, err := s.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("finding event logs: %w", err)
	}
	defer rows.Close()

	ee := make(models.EventLogs, 0)
	for rows.Next() {
		e := new(models.EventLog)
		if err := rows.Scan(&e.ID, &e.BackfillRunID, &e.PartitionID, &e.Type, &e.Message, &e.ExtraData, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning event log: %w", err)
		}
		ee = append(ee, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scanning event logs: %w", err)
	}

	return ee, nil
}
