package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/backfila/backfila/log"
	"github.com/backfila/backfila/service/client"
	"github.com/backfila/backfila/service/datastore/models"
)

const (
	computeTimeLimit        = 5 * time.Second
	precomputeCountLimit    = 100
	precomputerStage        = "precomputer"
	precomputingBatchAction = "precomputing batch"
)

// batchPrecomputer scans the whole partition ahead of the other stages to count its records, which gives the run an
// ETA.
type batchPrecomputer struct {
	r      *BackfillRunner
	logger log.Logger

	mu            sync.Mutex
	cursor        []byte
	done          bool
	scannedCount  int64
	matchingCount int64
}

func newBatchPrecomputer(r *BackfillRunner) *batchPrecomputer {
	m := r.Metadata()
	return &batchPrecomputer{
		r:             r,
		logger:        r.logger.WithField(stageKey, precomputerStage),
		cursor:        m.PrecomputingPkeyCursor,
		done:          m.PrecomputingDone,
		scannedCount:  m.ComputedScannedRecordCount,
		matchingCount: m.ComputedMatchingRecordCount,
	}
}

func (p *batchPrecomputer) progress() models.PrecomputeProgress {
	p.mu.Lock()
	defer p.mu.Unlock()

	return models.PrecomputeProgress{
		Cursor:        p.cursor,
		Done:          p.done,
		ScannedCount:  p.scannedCount,
		MatchingCount: p.matchingCount,
	}
}

// finish marks precomputing done once execution reached the end of the range. Computed counts are raised to the executed
// ones when the scan had not caught up yet.
func (p *batchPrecomputer) finish(exec models.ExecutionProgress) models.PrecomputeProgress {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.done {
		p.done = true
		p.cursor = exec.Cursor
		p.scannedCount = max(p.scannedCount, exec.ScannedCount)
		p.matchingCount = max(p.matchingCount, exec.MatchingCount)
	}

	return models.PrecomputeProgress{
		Cursor:        p.cursor,
		Done:          p.done,
		ScannedCount:  p.scannedCount,
		MatchingCount: p.matchingCount,
	}
}

func (p *batchPrecomputer) run(ctx context.Context) error {
	p.logger.Info("precomputer started")
	defer p.logger.Info("precomputer stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		m := p.r.Metadata()
		current := p.progress()
		if m.PrecomputingDone || current.Done {
			return nil
		}

		if !p.r.waitForBackoff(ctx, p.r.globalBackoff, precomputerStage) {
			return nil
		}

		start := p.r.factory.clock.Now()
		resp, err := p.r.client.GetNextBatchRange(ctx, &client.GetNextBatchRangeRequest{
			BackfillID:         fmt.Sprint(p.r.runID),
			BackfillName:       m.BackfillName,
			PartitionName:      p.r.partitionName,
			BatchSize:          m.BatchSize,
			ScanSize:           m.ScanSize,
			PreviousEndKey:     current.Cursor,
			BackfillRange:      client.KeyRange{Start: m.PkeyStart, End: m.PkeyEnd},
			Parameters:         m.Parameters,
			ComputeTimeLimitMs: computeTimeLimit.Milliseconds(),
			ComputeCountLimit:  precomputeCountLimit,
			DryRun:             m.DryRun,
			Precomputing:       true,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.WithError(err).Info("rpc failure when precomputing next batch")
			p.r.OnRPCFailure(ctx, err, precomputingBatchAction, p.r.factory.clock.Since(start))
			continue
		}

		p.r.OnRPCSuccess()

		if len(resp.Batches) == 0 {
			p.mu.Lock()
			finished := p.done
			p.done = true
			p.mu.Unlock()
			if finished {
				return nil
			}

			if err := p.r.logEvent(ctx, "precomputing complete"); err != nil {
				p.logger.WithError(err).Error("failed to record precomputing completion")
			}
			p.logger.Info("precomputing completed")
			return nil
		}

		p.mu.Lock()
		if p.done {
			p.mu.Unlock()
			return nil
		}
		p.cursor = resp.Batches[len(resp.Batches)-1].BatchRange.End
		for _, b := range resp.Batches {
			p.scannedCount += b.ScannedRecordCount
			p.matchingCount += b.MatchingRecordCount
		}
		p.mu.Unlock()

		p.logger.WithFields(log.Fields{"cursor": string(p.progress().Cursor), "batches": len(resp.Batches)}).Debug("precomputer advanced")
	}
}
