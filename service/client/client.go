//go:generate mockgen -package mocks -destination mocks/client.go . Client

// Package client defines the interface backfila uses to call back into the services that own backfills, along with
// the connectors implementing it.
package client

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a call to a client service did not complete in time.
	ErrTimeout = errors.New("client service call timed out")
	// ErrUnknownConnector is returned when no connector is registered for a connector type.
	ErrUnknownConnector = errors.New("unknown connector type")
	// ErrInvalidConnectorData is returned when the connector extra data of a service can not be used.
	ErrInvalidConnectorData = errors.New("invalid connector extra data")
)

// Client is implemented by every connector to a client service.
type Client interface {
	// PrepareBackfill asks the client service to validate a backfill and split its keyspace in partitions.
	PrepareBackfill(ctx context.Context, req *PrepareBackfillRequest) (*PrepareBackfillResponse, error)
	// GetNextBatchRange asks the client service for the batches following `PreviousEndKey`.
	GetNextBatchRange(ctx context.Context, req *GetNextBatchRangeRequest) (*GetNextBatchRangeResponse, error)
	// RunBatch asks the client service to process a batch.
	RunBatch(ctx context.Context, req *RunBatchRequest) (*RunBatchResponse, error)
}

// KeyRange is an inclusive range of primary keys. Either bound may be nil when unknown.
type KeyRange struct {
	Start []byte `json:"start,omitempty"`
	End   []byte `json:"end,omitempty"`
}

// String formats a range as "[start, end]".
func (r KeyRange) String() string {
	return fmt.Sprintf("[%s, %s]", r.Start, r.End)
}

// PrepareBackfillRequest is sent when a backfill run is created.
type PrepareBackfillRequest struct {
	BackfillName string            `json:"backfill_name"`
	Range        *KeyRange         `json:"range,omitempty"`
	Parameters   map[string][]byte `json:"parameters,omitempty"`
	DryRun       bool              `json:"dry_run"`
}

// PrepareBackfillPartition describes one partition of the keyspace of a backfill.
type PrepareBackfillPartition struct {
	PartitionName        string   `json:"partition_name"`
	BackfillRange        KeyRange `json:"backfill_range"`
	EstimatedRecordCount int64    `json:"estimated_record_count,omitempty"`
}

// PrepareBackfillResponse carries the partitions of a backfill, or an error message if the client service rejected
// it.
type PrepareBackfillResponse struct {
	Partitions   []PrepareBackfillPartition `json:"partitions"`
	Parameters   map[string][]byte          `json:"parameters,omitempty"`
	ErrorMessage string                     `json:"error_message,omitempty"`
}

// GetNextBatchRangeRequest asks for the batches of a partition that follow `PreviousEndKey`.
type GetNextBatchRangeRequest struct {
	BackfillID         string            `json:"backfill_id"`
	BackfillName       string            `json:"backfill_name"`
	PartitionName      string            `json:"partition_name"`
	BatchSize          int64             `json:"batch_size"`
	ScanSize           int64             `json:"scan_size"`
	PreviousEndKey     []byte            `json:"previous_end_key,omitempty"`
	BackfillRange      KeyRange          `json:"backfill_range"`
	Parameters         map[string][]byte `json:"parameters,omitempty"`
	ComputeTimeLimitMs int64             `json:"compute_time_limit_ms"`
	ComputeCountLimit  int64             `json:"compute_count_limit"`
	DryRun             bool              `json:"dry_run"`
	Precomputing       bool              `json:"precomputing"`
}

// Batch is a range of keys computed by the client service, with the number of records it scanned and matched.
type Batch struct {
	BatchRange          KeyRange `json:"batch_range"`
	ScannedRecordCount  int64    `json:"scanned_record_count"`
	MatchingRecordCount int64    `json:"matching_record_count"`
}

// GetNextBatchRangeResponse carries the computed batches. No batches means the partition was fully scanned.
type GetNextBatchRangeResponse struct {
	Batches []Batch `json:"batches"`
}

// RunBatchRequest asks the client service to process the records of a batch.
type RunBatchRequest struct {
	BackfillID    string            `json:"backfill_id"`
	BackfillName  string            `json:"backfill_name"`
	PartitionName string            `json:"partition_name"`
	BatchRange    KeyRange          `json:"batch_range"`
	Parameters    map[string][]byte `json:"parameters,omitempty"`
	DryRun        bool              `json:"dry_run"`
	BatchSize     int64             `json:"batch_size"`
}

// RunBatchResponse is the outcome of a batch. A non-empty ExceptionStackTrace means the batch failed in the client
// service. A RemainingBatchRange means only part of the batch was processed.
type RunBatchResponse struct {
	RemainingBatchRange *KeyRange `json:"remaining_batch_range,omitempty"`
	BackoffMs           int64     `json:"backoff_ms,omitempty"`
	ExceptionStackTrace string    `json:"exception_stack_trace,omitempty"`
}

// StatusError is returned when a client service answers with a non-successful HTTP status.
type StatusError struct {
	Method     string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status code %d: %s", e.Method, e.StatusCode, e.Body)
}
