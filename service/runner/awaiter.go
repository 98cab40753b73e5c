package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/backfila/backfila/log"
	"github.com/backfila/backfila/service/client"
	"github.com/backfila/backfila/service/datastore/models"
	"github.com/backfila/backfila/service/runner/metrics"
	"github.com/guregu/null/v6"
)

const awaiterStage = "awaiter"

// batchAwaiter handles RunBatch results in dispatch order. It retries failed and partially completed batches and
// advances the cursor once a batch fully succeeded.
type batchAwaiter struct {
	r            *BackfillRunner
	logger       log.Logger
	runs         *Queue[awaitingRun]
	backpressure *Queue[struct{}]

	scannedRate  *RateCounter
	matchingRate *RateCounter

	mu                sync.Mutex
	completed         bool
	cursor            []byte
	scannedCount      int64
	matchingCount     int64
	scannedPerMinute  null.Int
	matchingPerMinute null.Int
}

func newBatchAwaiter(r *BackfillRunner, runs *Queue[awaitingRun], backpressure *Queue[struct{}]) *batchAwaiter {
	m := r.Metadata()
	return &batchAwaiter{
		r:             r,
		logger:        r.logger.WithField(stageKey, awaiterStage),
		runs:          runs,
		backpressure:  backpressure,
		scannedRate:   NewRateCounter(r.factory.clock),
		matchingRate:  NewRateCounter(r.factory.clock),
		cursor:        m.PkeyCursor,
		scannedCount:  m.BackfilledScannedRecordCount,
		matchingCount: m.BackfilledMatchingRecordCount,
	}
}

func (a *batchAwaiter) progress() models.ExecutionProgress {
	a.mu.Lock()
	defer a.mu.Unlock()

	return models.ExecutionProgress{
		Cursor:            a.cursor,
		ScannedCount:      a.scannedCount,
		MatchingCount:     a.matchingCount,
		ScannedPerMinute:  a.scannedPerMinute,
		MatchingPerMinute: a.matchingPerMinute,
	}
}

func (a *batchAwaiter) isCompleted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.completed
}

func (a *batchAwaiter) run(ctx context.Context) error {
	a.logger.Info("awaiter started")
	defer a.logger.Info("awaiter stopped")

	for {
		run, ok, err := a.runs.Receive(ctx)
		if err != nil {
			return nil
		}
		if !ok {
			a.logger.Info("no more batches to await, completing partition")
			return a.completePartition(ctx)
		}

		if !a.await(ctx, run) {
			return nil
		}

		// Lets the batch runner dispatch another batch.
		if _, _, err := a.backpressure.Receive(ctx); err != nil {
			return nil
		}
	}
}

// await repeats a batch until it fully succeeds. It returns false if ctx is done first.
func (a *batchAwaiter) await(ctx context.Context, run awaitingRun) bool {
	initial := run.batch
	remaining := run.batch
	pending := run.pending
	callStartedAt := run.startedAt

	for {
		resp, err := pending.Wait(ctx)
		if ctx.Err() != nil {
			return false
		}
		if err == nil && resp.ExceptionStackTrace != "" {
			err = &runBatchError{stackTrace: resp.ExceptionStackTrace}
		}

		if err != nil {
			a.logger.WithError(err).WithField("batch_range", remaining.BatchRange.String()).Info("rpc failure when running batch")
			metrics.RunBatchFailed(a.r.labels)
			a.r.OnRPCFailure(ctx, err, fmt.Sprintf("running batch [%s, %s]", remaining.BatchRange.Start, remaining.BatchRange.End),
				a.r.factory.clock.Since(callStartedAt))
		} else {
			if !a.r.runBatchBackoff.BackingOff() {
				if resp.BackoffMs > 0 {
					a.r.runBatchBackoff.Add(time.Duration(resp.BackoffMs) * time.Millisecond)
				} else if extra := a.r.Metadata().ExtraSleep; extra > 0 && initial.MatchingRecordCount != 0 {
					a.r.runBatchBackoff.Add(extra)
				}
			}

			if resp.RemainingBatchRange == nil {
				a.succeeded(initial)
				return true
			}

			remaining = initial
			remaining.BatchRange = *resp.RemainingBatchRange
			a.logger.WithFields(log.Fields{
				"batch_range":     initial.BatchRange.String(),
				"remaining_range": remaining.BatchRange.String(),
			}).Info("continuing remaining range of partially completed batch")
		}

		if !a.r.waitForBackoff(ctx, a.r.globalBackoff, awaiterStage) {
			return false
		}
		pending = a.r.RunBatchAsync(ctx, remaining)
		callStartedAt = a.r.factory.clock.Now()
	}
}

func (a *batchAwaiter) succeeded(b client.Batch) {
	a.logger.WithField("batch_range", b.BatchRange.String()).Debug("batch finished")

	metrics.RunBatchSucceeded(a.r.labels, b.MatchingRecordCount, b.ScannedRecordCount)
	a.r.OnRPCSuccess()

	a.matchingRate.Add(b.MatchingRecordCount)
	a.scannedRate.Add(b.ScannedRecordCount)
	matchingPerMinute := a.matchingRate.ProjectedRate()

	a.mu.Lock()
	a.cursor = b.BatchRange.End
	a.scannedCount += b.ScannedRecordCount
	a.matchingCount += b.MatchingRecordCount
	a.scannedPerMinute = null.IntFrom(a.scannedRate.ProjectedRate())
	a.matchingPerMinute = null.IntFrom(matchingPerMinute)
	matching := a.matchingCount
	a.mu.Unlock()

	m := a.r.Metadata()
	if m.PrecomputingDone && matchingPerMinute > 0 {
		remaining := m.ComputedMatchingRecordCount - matching
		eta := time.Duration(float64(remaining) / float64(matchingPerMinute) * float64(time.Minute))
		metrics.ETA(a.r.labels, eta)
	}
}

func (a *batchAwaiter) completePartition(ctx context.Context) error {
	// Execution exhausted the range, so did any scan still running in the precomputer.
	exec := a.progress()
	pre := a.r.precomputer.finish(exec)

	completed, err := a.r.factory.store.CompletePartition(ctx, a.r.partitionID, a.r.token, pre, exec)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("completing partition: %w", err)
	}

	a.mu.Lock()
	a.completed = true
	a.mu.Unlock()

	a.logger.Info("partition completed")
	if completed {
		a.logger.Info("backfill completed")
		for _, listener := range a.r.factory.listeners {
			listener.RunCompleted(ctx, a.r.runID)
		}
	}

	a.r.Stop()
	return nil
}
