package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/backfila/backfila/service/datastore"
	"github.com/backfila/backfila/service/datastore/mocks"
	"github.com/backfila/backfila/service/datastore/models"
	"github.com/backfila/backfila/service/runner"
	"github.com/backfila/backfila/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// fakeHunter hands out a fixed sequence of hunt results, then nothing.
type fakeHunter struct {
	mu      sync.Mutex
	results [][]*runner.BackfillRunner
	errs    []error
	calls   int
	called  chan struct{}
}

func newFakeHunter(results ...[]*runner.BackfillRunner) *fakeHunter {
	return &fakeHunter{results: results, called: make(chan struct{}, 100)}
}

func (h *fakeHunter) Hunt(context.Context) ([]*runner.BackfillRunner, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	defer func() { h.called <- struct{}{} }()

	i := h.calls
	h.calls++
	if i < len(h.errs) && h.errs[i] != nil {
		return nil, h.errs[i]
	}
	if i < len(h.results) {
		return h.results[i], nil
	}
	return nil, nil
}

func (h *fakeHunter) waitForCalls(t *testing.T, n int) {
	t.Helper()

	for i := 0; i < n; i++ {
		select {
		case <-h.called:
		case <-time.After(5 * time.Second):
			t.Fatalf("hunter called %d times, expected %d", i, n)
		}
	}
}

func newTestRunners(t *testing.T, store datastore.RunnerStore, ids ...int64) []*runner.BackfillRunner {
	t.Helper()

	factory := runner.NewFactory(store, nil, runner.WithLogger(testutil.NewTestLogger(t)))
	out := make([]*runner.BackfillRunner, 0, len(ids))
	for _, id := range ids {
		out = append(out, factory.Create(&models.RunPartition{ID: id, BackfillRunID: 10, PartitionName: "p"}, "token"))
	}
	return out
}

func newTestService(t *testing.T, hunter Hunter, config Config) *Service {
	t.Helper()

	config.HuntIntervalMin = time.Millisecond
	config.HuntIntervalMax = 2 * time.Millisecond
	return NewService(hunter, WithServiceConfig(config), WithServiceLogger(testutil.NewTestLogger(t)))
}

func runService(s *Service) (context.CancelFunc, <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	return cancel, done
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}

func TestService_RunsHuntedRunners(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockRunnerStore(ctrl)

	released := make(chan struct{})
	store.EXPECT().Load(gomock.Any(), int64(1)).Return(nil, errors.New("db down"))
	store.EXPECT().ClearLease(gomock.Any(), int64(1), "token").DoAndReturn(func(context.Context, int64, string) (bool, error) {
		close(released)
		return true, nil
	})

	hunter := newFakeHunter(newTestRunners(t, store, 1))
	s := newTestService(t, hunter, Config{})

	cancel, done := runService(s)
	defer cancel()

	waitClosed(t, released)
	hunter.waitForCalls(t, 2)
	cancel()
	waitClosed(t, done)

	require.Zero(t, s.Runners())
}

func TestService_RejectsRunnersOverLimit(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockRunnerStore(ctrl)

	unblock := make(chan struct{})
	rejected := make(chan struct{})
	store.EXPECT().Load(gomock.Any(), int64(1)).DoAndReturn(func(context.Context, int64) (*datastore.RunnerState, error) {
		<-unblock
		return nil, errors.New("db down")
	})
	// the second runner is rejected and releases its lease without running
	store.EXPECT().ClearLease(gomock.Any(), int64(2), "token").DoAndReturn(func(context.Context, int64, string) (bool, error) {
		close(rejected)
		return true, nil
	})
	store.EXPECT().ClearLease(gomock.Any(), int64(1), "token").Return(true, nil)

	hunter := newFakeHunter(newTestRunners(t, store, 1, 2))
	s := newTestService(t, hunter, Config{MaxRunners: 1})

	cancel, done := runService(s)
	defer cancel()

	waitClosed(t, rejected)
	require.Equal(t, 1, s.Runners())

	close(unblock)
	cancel()
	waitClosed(t, done)
	require.Zero(t, s.Runners())
}

func TestService_KeepsHuntingAfterErrors(t *testing.T) {
	hunter := newFakeHunter()
	hunter.errs = []error{errors.New("db down")}

	s := NewService(hunter,
		WithServiceConfig(Config{HuntIntervalMin: time.Millisecond, HuntIntervalMax: time.Millisecond}),
		WithServiceLogger(testutil.NewTestLogger(t)),
	)
	// the first retry waits for the error backoff, starting at the hunt interval
	cancel, done := runService(s)
	defer cancel()

	hunter.waitForCalls(t, 3)
	cancel()
	waitClosed(t, done)
}

func TestService_HuntInterval(t *testing.T) {
	s := NewService(newFakeHunter(), WithServiceConfig(Config{HuntIntervalMin: time.Second, HuntIntervalMax: 5 * time.Second}))

	for i := 0; i < 100; i++ {
		d := s.huntInterval()
		require.GreaterOrEqual(t, d, time.Second)
		require.Less(t, d, 5*time.Second)
	}
}

func TestConfig_ApplyDefaults(t *testing.T) {
	c := Config{}
	c.applyDefaults()

	require.Equal(t, DefaultHuntIntervalMin, c.HuntIntervalMin)
	require.Equal(t, DefaultHuntIntervalMax, c.HuntIntervalMax)
	require.Equal(t, DefaultShutdownTimeout, c.ShutdownTimeout)
	require.Zero(t, c.MaxRunners)
}
