package runner

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/backfila/backfila/service/client"
	"github.com/backfila/backfila/service/datastore"
	"github.com/backfila/backfila/service/datastore/models"
	"github.com/guregu/null/v6"
)

const testToken = "9f8b7c2e-5f0e-4d6e-9d6b-0c7a3f1e2b4d"

// fakeStore is an in-memory RunnerStore holding a single service, run and partition.
type fakeStore struct {
	mu        sync.Mutex
	service   models.Service
	run       models.BackfillRun
	partition models.RunPartition
	events    []models.EventLog
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		service: models.Service{ID: 1, Name: "franklin", ConnectorType: client.ConnectorHTTP},
		run: models.BackfillRun{
			ID:              2,
			ServiceID:       1,
			BackfillName:    "ChickenSandwichBackfill",
			State:           models.BackfillRunning,
			BatchSize:       100,
			ScanSize:        1000,
			NumThreads:      3,
			BackoffSchedule: []int64{10, 10},
		},
		partition: models.RunPartition{
			ID:             3,
			BackfillRunID:  2,
			PartitionName:  "-80",
			State:          models.PartitionRunning,
			LeaseToken:     null.StringFrom(testToken),
			LeaseExpiresAt: time.Now().Add(DefaultLeaseDuration),
		},
	}
}

func (s *fakeStore) state() *datastore.RunnerState {
	svc, run, p := s.service, s.run, s.partition
	return &datastore.RunnerState{Service: &svc, Run: &run, Partition: &p}
}

func (s *fakeStore) snapshot() (models.BackfillRun, models.RunPartition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.run, s.partition
}

func (s *fakeStore) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Message)
	}
	return out
}

func (s *fakeStore) eventsOfType(t models.EventType) []models.EventLog {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.EventLog
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (s *fakeStore) update(fn func(run *models.BackfillRun, p *models.RunPartition)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(&s.run, &s.partition)
}

func (s *fakeStore) checkToken(token string) error {
	if s.partition.LeaseToken.ValueOrZero() != token {
		return fmt.Errorf("our token: %s, new token: %s: %w", token, s.partition.LeaseToken.ValueOrZero(), datastore.ErrLeaseStolen)
	}
	return nil
}

func (*fakeStore) FindRunnable(context.Context, time.Time) (models.RunPartitions, error) {
	return nil, nil
}

func (*fakeStore) Lease(context.Context, *models.RunPartition, string, time.Time) error {
	return nil
}

func (s *fakeStore) Load(context.Context, int64) (*datastore.RunnerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state(), nil
}

func applyExecution(p *models.RunPartition, exec models.ExecutionProgress) {
	p.PkeyCursor = exec.Cursor
	p.BackfilledScannedRecordCount = exec.ScannedCount
	p.BackfilledMatchingRecordCount = exec.MatchingCount
	p.ScannedRecordsPerMinute = exec.ScannedPerMinute
	p.MatchingRecordsPerMinute = exec.MatchingPerMinute
}

func (s *fakeStore) Heartbeat(_ context.Context, _ int64, token string, pre models.PrecomputeProgress, exec models.ExecutionProgress, leaseExpiresAt time.Time) (*datastore.RunnerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkToken(token); err != nil {
		return nil, err
	}

	applyPrecompute(&s.partition, pre)
	applyExecution(&s.partition, exec)
	if s.partition.State == models.PartitionRunning {
		s.partition.LeaseExpiresAt = leaseExpiresAt
	}
	s.partition.Version++

	return s.state(), nil
}

func (s *fakeStore) ClearLease(_ context.Context, _ int64, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.partition.LeaseToken.ValueOrZero() != token {
		return false, nil
	}
	s.partition.LeaseToken = null.String{}
	s.partition.LeaseExpiresAt = datastore.ClearedLeaseExpiry
	return true, nil
}

func (s *fakeStore) PauseRun(context.Context, int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run.State != models.BackfillRunning {
		return false, nil
	}
	s.run.State = models.BackfillPaused
	if !s.partition.State.IsTerminal() {
		s.partition.State = models.PartitionPaused
	}
	return true, nil
}

func applyPrecompute(p *models.RunPartition, pre models.PrecomputeProgress) {
	p.PrecomputingPkeyCursor = pre.Cursor
	p.PrecomputingDone = pre.Done
	p.ComputedScannedRecordCount = pre.ScannedCount
	p.ComputedMatchingRecordCount = pre.MatchingCount
}

func (s *fakeStore) CompletePartition(_ context.Context, _ int64, token string, pre models.PrecomputeProgress, exec models.ExecutionProgress) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkToken(token); err != nil {
		return false, err
	}

	s.partition.State = models.PartitionComplete
	applyPrecompute(&s.partition, pre)
	applyExecution(&s.partition, exec)
	s.events = append(s.events, models.EventLog{BackfillRunID: s.run.ID, Type: models.EventStateChange, Message: "partition completed"})

	s.run.State = models.BackfillComplete
	s.events = append(s.events, models.EventLog{BackfillRunID: s.run.ID, Type: models.EventStateChange, Message: "backfill completed"})
	return true, nil
}

func (s *fakeStore) LogEvent(_ context.Context, e *models.EventLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, *e)
	return nil
}

// fakeClient serves a fixed list of batches and records the RunBatch calls it receives.
type fakeClient struct {
	batches []client.Batch
	// runBatch overrides the RunBatch result. attempt starts at 1 for each batch range.
	runBatch func(ctx context.Context, req *client.RunBatchRequest, attempt int) (*client.RunBatchResponse, error)
	// blockPrecomputing makes precomputing calls wait until canceled.
	blockPrecomputing bool

	mu          sync.Mutex
	calls       []client.KeyRange
	attempts    map[string]int
	inflight    int
	maxInflight int
}

func newFakeClient(batches []client.Batch) *fakeClient {
	return &fakeClient{batches: batches, attempts: make(map[string]int)}
}

func (*fakeClient) PrepareBackfill(context.Context, *client.PrepareBackfillRequest) (*client.PrepareBackfillResponse, error) {
	return &client.PrepareBackfillResponse{}, nil
}

func (c *fakeClient) GetNextBatchRange(ctx context.Context, req *client.GetNextBatchRangeRequest) (*client.GetNextBatchRangeResponse, error) {
	if req.Precomputing && c.blockPrecomputing {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	var out []client.Batch
	for _, b := range c.batches {
		if req.PreviousEndKey != nil && bytes.Compare(b.BatchRange.End, req.PreviousEndKey) <= 0 {
			continue
		}
		out = append(out, b)
		if int64(len(out)) >= req.ComputeCountLimit {
			break
		}
	}
	return &client.GetNextBatchRangeResponse{Batches: out}, nil
}

func (c *fakeClient) RunBatch(ctx context.Context, req *client.RunBatchRequest) (*client.RunBatchResponse, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req.BatchRange)
	c.attempts[req.BatchRange.String()]++
	attempt := c.attempts[req.BatchRange.String()]
	c.inflight++
	c.maxInflight = max(c.maxInflight, c.inflight)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inflight--
		c.mu.Unlock()
	}()

	if c.runBatch != nil {
		return c.runBatch(ctx, req, attempt)
	}
	return &client.RunBatchResponse{}, nil
}

func (c *fakeClient) ranges() []client.KeyRange {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]client.KeyRange(nil), c.calls...)
}

func (c *fakeClient) peakInflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.maxInflight
}

// makeBatches splits keys "01" to "<n>" in single key batches scanning 10 records each.
func makeBatches(n int, matching func(i int) int64) []client.Batch {
	batches := make([]client.Batch, 0, n)
	for i := 1; i <= n; i++ {
		key := []byte(fmt.Sprintf("%02d", i))
		batches = append(batches, client.Batch{
			BatchRange:          client.KeyRange{Start: key, End: key},
			ScannedRecordCount:  10,
			MatchingRecordCount: matching(i),
		})
	}
	return batches
}

func fiveMatching(int) int64 { return 5 }

type clientProviderFunc func(connectorType, serviceName, extraData string) (client.Client, error)

func (f clientProviderFunc) ClientFor(connectorType, serviceName, extraData string) (client.Client, error) {
	return f(connectorType, serviceName, extraData)
}

type recordingListener struct {
	mu        sync.Mutex
	errored   []int64
	completed []int64
}

func (l *recordingListener) RunErrored(_ context.Context, runID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.errored = append(l.errored, runID)
}

func (l *recordingListener) RunCompleted(_ context.Context, runID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.completed = append(l.completed, runID)
}

func (l *recordingListener) calls() ([]int64, []int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]int64(nil), l.errored...), append([]int64(nil), l.completed...)
}
