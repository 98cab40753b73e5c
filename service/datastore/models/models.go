package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/guregu/null/v6"
	"github.com/lib/pq"
)

// DefaultBackoffSchedule is the backoff schedule, in milliseconds, used when a run does not define its own.
var DefaultBackoffSchedule = []int64{5000, 15000, 30000}

// BackfillState is the lifecycle state of a backfill run.
type BackfillState string

const (
	BackfillPaused    BackfillState = "PAUSED"
	BackfillRunning   BackfillState = "RUNNING"
	BackfillComplete  BackfillState = "COMPLETE"
	BackfillCancelled BackfillState = "CANCELLED"
)

// IsTerminal reports whether a run in state s can no longer change state.
func (s BackfillState) IsTerminal() bool {
	return s == BackfillComplete || s == BackfillCancelled
}

func (s BackfillState) String() string {
	return string(s)
}

// PartitionState is the lifecycle state of a single run partition.
type PartitionState string

const (
	PartitionPaused    PartitionState = "PAUSED"
	PartitionRunning   PartitionState = "RUNNING"
	PartitionComplete  PartitionState = "COMPLETE"
	PartitionStale     PartitionState = "STALE"
	PartitionCancelled PartitionState = "CANCELLED"
)

// IsTerminal reports whether a partition in state s can no longer change state.
func (s PartitionState) IsTerminal() bool {
	return s == PartitionComplete || s == PartitionStale || s == PartitionCancelled
}

func (s PartitionState) String() string {
	return string(s)
}

// PartitionStateFor maps a run state to the state its non-complete partitions take.
func PartitionStateFor(s BackfillState) PartitionState {
	switch s {
	case BackfillRunning:
		return PartitionRunning
	case BackfillComplete:
		return PartitionComplete
	case BackfillCancelled:
		return PartitionCancelled
	default:
		return PartitionPaused
	}
}

// EventType classifies entries of the run event log.
type EventType string

const (
	EventStateChange  EventType = "STATE_CHANGE"
	EventConfigChange EventType = "CONFIG_CHANGE"
	EventError        EventType = "ERROR"
)

// Parameters are the opaque name/value pairs passed through to the client service on every call.
type Parameters map[string][]byte

// Value implements driver.Valuer, storing parameters as JSON.
func (p Parameters) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (p *Parameters) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*p = nil
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported parameters column type %T", src)
	}

	params := make(Parameters)
	if err := json.Unmarshal(b, &params); err != nil {
		return fmt.Errorf("decoding parameters: %w", err)
	}
	*p = params
	return nil
}

// Service is a client service registered with backfila, along with how to reach it. ConnectorExtraData is connector
// specific configuration, such as the base URL for HTTP connectors.
type Service struct {
	ID                 int64
	Name               string
	ConnectorType      string
	ConnectorExtraData string
	CreatedAt          time.Time
}

// BackfillRun is one execution of a named backfill against a service.
type BackfillRun struct {
	ID              int64
	ServiceID       int64
	ServiceName     string
	BackfillName    string
	State           BackfillState
	BatchSize       int64
	ScanSize        int64
	NumThreads      int
	DryRun          bool
	Parameters      Parameters
	BackoffSchedule pq.Int64Array
	ExtraSleepMs    int64
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       null.Time
	CompletedAt     null.Time
}

// Schedule returns the effective backoff schedule of the run.
func (r *BackfillRun) Schedule() []int64 {
	if len(r.BackoffSchedule) == 0 {
		return DefaultBackoffSchedule
	}
	return r.BackoffSchedule
}

// ErrInvalidBackoffSchedule is returned when a backoff schedule contains non-positive entries.
var ErrInvalidBackoffSchedule = errors.New("backoff schedule entries must be positive")

// ValidateBackoffSchedule checks that every entry of a backoff schedule is a positive number of milliseconds.
func ValidateBackoffSchedule(schedule []int64) error {
	for _, ms := range schedule {
		if ms <= 0 {
			return fmt.Errorf("%w: %d", ErrInvalidBackoffSchedule, ms)
		}
	}
	return nil
}

// RunPartition is one contiguous slice of a run's keyspace, executed by at most one runner at a time.
type RunPartition struct {
	ID             int64
	BackfillRunID  int64
	PartitionName  string
	State          PartitionState
	LeaseToken     null.String
	LeaseExpiresAt time.Time

	// PkeyCursor is the last key confirmed as processed. It is nil until the first batch succeeds.
	PkeyCursor             []byte
	PkeyRangeStart         []byte
	PkeyRangeEnd           []byte
	PrecomputingPkeyCursor []byte
	PrecomputingDone       bool

	ComputedScannedRecordCount    int64
	ComputedMatchingRecordCount   int64
	BackfilledScannedRecordCount  int64
	BackfilledMatchingRecordCount int64
	ScannedRecordsPerMinute       null.Int
	MatchingRecordsPerMinute      null.Int

	Version   int64
	CreatedAt time.Time
	UpdatedAt null.Time
}

// RunPartitions is a slice of RunPartition pointers.
type RunPartitions []*RunPartition

// AllComplete reports whether every partition is COMPLETE.
func (pp RunPartitions) AllComplete() bool {
	for _, p := range pp {
		if p.State != PartitionComplete {
			return false
		}
	}
	return true
}

// PrecomputeProgress is the precomputation state a runner persists on every liveness tick.
type PrecomputeProgress struct {
	Cursor        []byte
	Done          bool
	ScannedCount  int64
	MatchingCount int64
}

// ExecutionProgress is the execution state a runner persists on every liveness tick and on completion.
type ExecutionProgress struct {
	Cursor            []byte
	ScannedCount      int64
	MatchingCount     int64
	ScannedPerMinute  null.Int
	MatchingPerMinute null.Int
}

// EventLog is an entry of the audit trail kept for every run.
type EventLog struct {
	ID            int64
	BackfillRunID int64
	PartitionID   null.Int
	Type          EventType
	Message       string
	ExtraData     null.String
	CreatedAt     time.Time
}

// EventLogs is a slice of EventLog pointers.
type EventLogs []*EventLog

// RunProgress aggregates the partition counters of a run for progress reporting.
type RunProgress struct {
	RunID              int64
	ServiceName        string
	BackfillName       string
	State              BackfillState
	PrecomputingDone   bool
	ComputedMatching   int64
	BackfilledMatching int64
}
