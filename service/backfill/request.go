package backfill

import (
	"errors"
	"fmt"
	"strings"

	"github.com/backfila/backfila/service/datastore/models"
	"github.com/hashicorp/go-multierror"
)

const (
	// DefaultNumThreads is the number of batches run concurrently per partition when not set.
	DefaultNumThreads = 1
	// DefaultScanSize is the number of records scanned per batch computation when not set.
	DefaultScanSize = 1000
	// DefaultBatchSize is the number of matching records per batch when not set.
	DefaultBatchSize = 100
	// MaxParameterValueSize is the maximum size of a parameter value, in bytes.
	MaxParameterValueSize = 1000
)

var errInvalidUpdate = errors.New("invalid update")

// CreateRequest describes a backfill run to create. Zero values are replaced by defaults. Runs are dry runs unless
// DryRun is explicitly set to false.
type CreateRequest struct {
	BackfillName    string
	PkeyRangeStart  []byte
	PkeyRangeEnd    []byte
	Parameters      map[string][]byte
	BatchSize       int64
	ScanSize        int64
	NumThreads      int
	DryRun          *bool
	ExtraSleepMs    int64
	BackoffSchedule []int64
}

func (r *CreateRequest) applyDefaults() {
	if r.NumThreads == 0 {
		r.NumThreads = DefaultNumThreads
	}
	if r.ScanSize == 0 {
		r.ScanSize = DefaultScanSize
	}
	if r.BatchSize == 0 {
		r.BatchSize = DefaultBatchSize
	}
	if r.DryRun == nil {
		dryRun := true
		r.DryRun = &dryRun
	}
}

func validateSizes(errs *multierror.Error, numThreads int, scanSize, batchSize, extraSleepMs int64) *multierror.Error {
	if numThreads < 1 {
		errs = multierror.Append(errs, errors.New("num_threads must be >= 1"))
	}
	if scanSize < 1 {
		errs = multierror.Append(errs, errors.New("scan_size must be >= 1"))
	}
	if batchSize < 1 {
		errs = multierror.Append(errs, errors.New("batch_size must be >= 1"))
	}
	if scanSize < batchSize {
		errs = multierror.Append(errs, errors.New("scan_size must be >= batch_size"))
	}
	if extraSleepMs < 0 {
		errs = multierror.Append(errs, errors.New("extra_sleep_ms must be >= 0"))
	}
	return errs
}

func (r *CreateRequest) validate() error {
	var errs *multierror.Error

	if r.BackfillName == "" {
		errs = multierror.Append(errs, errors.New("backfill_name is required"))
	}
	errs = validateSizes(errs, r.NumThreads, r.ScanSize, r.BatchSize, r.ExtraSleepMs)
	if err := models.ValidateBackoffSchedule(r.BackoffSchedule); err != nil {
		errs = multierror.Append(errs, err)
	}
	for name, value := range r.Parameters {
		if len(value) > MaxParameterValueSize {
			errs = multierror.Append(errs, fmt.Errorf("parameter %s is too long (max %d bytes)", name, MaxParameterValueSize))
		}
	}

	return errs.ErrorOrNil()
}

// UpdateRequest describes changes to the settings of a run. Only non nil fields are changed. An empty, non nil
// BackoffSchedule restores the default schedule.
type UpdateRequest struct {
	BatchSize       *int64
	ScanSize        *int64
	NumThreads      *int
	ExtraSleepMs    *int64
	BackoffSchedule *[]int64
}

// apply changes the settings of r and describes the changes, such as "batch_size 100->200, num_threads 1->4".
func (u UpdateRequest) apply(r *models.BackfillRun) (string, error) {
	batchSize, scanSize, numThreads, extraSleepMs := r.BatchSize, r.ScanSize, r.NumThreads, r.ExtraSleepMs
	if u.BatchSize != nil {
		batchSize = *u.BatchSize
	}
	if u.ScanSize != nil {
		scanSize = *u.ScanSize
	}
	if u.NumThreads != nil {
		numThreads = *u.NumThreads
	}
	if u.ExtraSleepMs != nil {
		extraSleepMs = *u.ExtraSleepMs
	}

	errs := validateSizes(nil, numThreads, scanSize, batchSize, extraSleepMs)
	if u.BackoffSchedule != nil {
		if err := models.ValidateBackoffSchedule(*u.BackoffSchedule); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return "", fmt.Errorf("%w: %w", errInvalidUpdate, err)
	}

	var changes []string
	if r.ScanSize != scanSize {
		changes = append(changes, fmt.Sprintf("scan_size %d->%d", r.ScanSize, scanSize))
		r.ScanSize = scanSize
	}
	if r.BatchSize != batchSize {
		changes = append(changes, fmt.Sprintf("batch_size %d->%d", r.BatchSize, batchSize))
		r.BatchSize = batchSize
	}
	if r.NumThreads != numThreads {
		changes = append(changes, fmt.Sprintf("num_threads %d->%d", r.NumThreads, numThreads))
		r.NumThreads = numThreads
	}
	if r.ExtraSleepMs != extraSleepMs {
		changes = append(changes, fmt.Sprintf("extra_sleep_ms %d->%d", r.ExtraSleepMs, extraSleepMs))
		r.ExtraSleepMs = extraSleepMs
	}
	if u.BackoffSchedule != nil {
		before, after := formatSchedule(r.BackoffSchedule), formatSchedule(*u.BackoffSchedule)
		if before != after {
			changes = append(changes, fmt.Sprintf("backoff_schedule %s->%s", before, after))
			r.BackoffSchedule = *u.BackoffSchedule
		}
	}

	return strings.Join(changes, ", "), nil
}
