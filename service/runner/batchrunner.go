package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/backfila/backfila/log"
	"github.com/backfila/backfila/service/client"
)

const (
	batchRunnerStage = "batch_runner"
	stallThreshold   = 500 * time.Millisecond
)

// awaitingRun is a dispatched batch waiting for its RunBatch result.
type awaitingRun struct {
	batch     client.Batch
	pending   *PendingBatch
	startedAt time.Time
}

// batchRunner dispatches the queued batches, with at most NumThreads RunBatch calls in flight, and hands them over to
// the awaiter in dispatch order.
type batchRunner struct {
	r       *BackfillRunner
	logger  log.Logger
	batches *Queue[client.Batch]
	runs    *Queue[awaitingRun]
	// backpressure holds one entry per dispatched batch not yet handled by the awaiter. The runs queue frees up a slot
	// as soon as the awaiter starts waiting on a batch, not once the call completes, so it alone would allow one call
	// too many.
	backpressure *Queue[struct{}]
}

func newBatchRunner(r *BackfillRunner, batches *Queue[client.Batch]) (*batchRunner, error) {
	threads := r.Metadata().NumThreads

	runs, err := NewQueue[awaitingRun](threads)
	if err != nil {
		return nil, fmt.Errorf("creating run queue: %w", err)
	}
	backpressure, err := NewQueue[struct{}](threads)
	if err != nil {
		return nil, fmt.Errorf("creating backpressure queue: %w", err)
	}

	return &batchRunner{
		r:            r,
		logger:       r.logger.WithField(stageKey, batchRunnerStage),
		batches:      batches,
		runs:         runs,
		backpressure: backpressure,
	}, nil
}

func (br *batchRunner) run(ctx context.Context) error {
	br.logger.WithField("num_threads", br.runs.Capacity()).Info("batch runner started")
	defer br.logger.Info("batch runner stopped")

	// The awaiter takes one entry after every batch, including the first.
	if err := br.backpressure.Send(ctx, struct{}{}); err != nil {
		return nil
	}

	for {
		m := br.r.Metadata()
		if m.NumThreads != br.runs.Capacity() {
			br.logger.WithField("num_threads", m.NumThreads).Info("updated run capacity")
			if err := br.runs.SetCapacity(m.NumThreads); err != nil {
				return err
			}
			if err := br.backpressure.SetCapacity(m.NumThreads); err != nil {
				return err
			}
		}

		start := br.r.factory.clock.Now()
		batch, ok, err := br.batches.Receive(ctx)
		if err != nil {
			return nil
		}
		if !ok {
			br.logger.Info("queuer closed, no more batches to run")
			br.runs.Close()
			return nil
		}
		if waited := br.r.factory.clock.Since(start); waited > stallThreshold {
			br.logger.WithField("waited_ms", waited.Milliseconds()).Info("runner stalled waiting for batch from queuer")
		}

		if !br.r.waitForBackoff(ctx, br.r.globalBackoff, batchRunnerStage) {
			return nil
		}
		// Only delays the start of the next RunBatch call, on top of the global backoff.
		if !br.r.waitForBackoff(ctx, br.r.runBatchBackoff, batchRunnerStage) {
			return nil
		}

		br.logger.WithField("batch_range", batch.BatchRange.String()).Debug("enqueuing run of batch")

		var pending *PendingBatch
		if batch.MatchingRecordCount == 0 {
			// Nothing to process, the awaiter still needs the batch to advance the cursor.
			pending = completedBatch(&client.RunBatchResponse{})
		} else {
			pending = br.r.RunBatchAsync(ctx, batch)
		}

		if err := br.runs.Send(ctx, awaitingRun{batch: batch, pending: pending, startedAt: br.r.factory.clock.Now()}); err != nil {
			return nil
		}
		if err := br.backpressure.Send(ctx, struct{}{}); err != nil {
			return nil
		}
	}
}
