package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/backfila/backfila/log"
	"github.com/backfila/backfila/service/client"
	"github.com/backfila/backfila/service/runner/metrics"
)

const (
	queuerStage          = "queuer"
	computingBatchAction = "computing batch"
)

// batchQueuer computes the batches to run ahead of the committed cursor and buffers them for the batch runner.
type batchQueuer struct {
	r       *BackfillRunner
	logger  log.Logger
	batches *Queue[client.Batch]
}

func newBatchQueuer(r *BackfillRunner) (*batchQueuer, error) {
	q := &batchQueuer{r: r, logger: r.logger.WithField(stageKey, queuerStage)}

	batches, err := NewQueue(q.capacity(r.Metadata().NumThreads), WithSizeListener[client.Batch](func(n int) {
		metrics.BufferedBatches(r.labels, n)
	}))
	if err != nil {
		return nil, fmt.Errorf("creating batch queue: %w", err)
	}
	q.batches = batches

	return q, nil
}

func (q *batchQueuer) capacity(numThreads int) int {
	return numThreads * q.r.factory.config.BatchQueueThreadMultiplier
}

func (q *batchQueuer) run(ctx context.Context) error {
	q.logger.WithField("buffer_size", q.batches.Capacity()).Info("queuer started")
	defer q.logger.Info("queuer stopped")

	// The committed cursor lags behind the batches already queued, so the queuer keeps its own.
	cursor := q.r.Metadata().PkeyCursor

	for {
		if ctx.Err() != nil {
			return nil
		}

		m := q.r.Metadata()
		if c := q.capacity(m.NumThreads); c != q.batches.Capacity() {
			if err := q.batches.SetCapacity(c); err != nil {
				return err
			}
		}

		if !q.r.waitForBackoff(ctx, q.r.globalBackoff, queuerStage) {
			return nil
		}

		// The client service computes as many batches as possible up to the count limit and within the time limit.
		countLimit := max(q.batches.Capacity(), q.r.factory.config.MinimumBatchesPerCall)

		start := q.r.factory.clock.Now()
		resp, err := q.r.client.GetNextBatchRange(ctx, &client.GetNextBatchRangeRequest{
			BackfillID:         fmt.Sprint(q.r.runID),
			BackfillName:       m.BackfillName,
			PartitionName:      q.r.partitionName,
			BatchSize:          m.BatchSize,
			ScanSize:           m.ScanSize,
			PreviousEndKey:     cursor,
			BackfillRange:      client.KeyRange{Start: m.PkeyStart, End: m.PkeyEnd},
			Parameters:         m.Parameters,
			ComputeTimeLimitMs: computeTimeLimit.Milliseconds(),
			ComputeCountLimit:  int64(countLimit),
			DryRun:             m.DryRun,
		})
		elapsed := q.r.factory.clock.Since(start)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.logger.WithError(err).Info("rpc failure when computing next batch")
			metrics.GetNextBatchFailed(q.r.labels, elapsed)
			q.r.OnRPCFailure(ctx, err, computingBatchAction, elapsed)
			continue
		}

		var matching, scanned int64
		for _, b := range resp.Batches {
			matching += b.MatchingRecordCount
			scanned += b.ScannedRecordCount
		}
		metrics.GetNextBatchSucceeded(q.r.labels, elapsed, len(resp.Batches), matching, scanned)
		q.r.OnRPCSuccess()

		if len(resp.Batches) == 0 {
			q.logger.Info("no more batches, finished computing")
			q.batches.Close()
			return nil
		}

		for _, b := range resp.Batches {
			if err := q.batches.Send(ctx, b); err != nil {
				if errors.Is(err, ErrQueueClosed) || ctx.Err() != nil {
					return nil
				}
				return err
			}
			cursor = b.BatchRange.End
		}
	}
}
