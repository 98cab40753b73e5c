package metrics

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/backfila/backfila/service/datastore/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newMiniRedisClient(t *testing.T) redis.UniversalClient {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func noopExecutor(_ context.Context) ([]*models.RunProgress, error) { return nil, nil }

func TestNewProgressCollector_DefaultsAndOptions(t *testing.T) {
	client := newMiniRedisClient(t)

	t.Run("with defaults", func(t *testing.T) {
		c, err := NewProgressCollector(noopExecutor, client)
		require.NoError(t, err)
		require.Equal(t, defaultInterval, c.interval)
		require.Equal(t, defaultLeaseDuration, c.leaseDuration)
	})

	t.Run("with custom options", func(t *testing.T) {
		c, err := NewProgressCollector(noopExecutor, client, WithProgressInterval(5*time.Second), WithProgressLeaseDuration(12*time.Second))
		require.NoError(t, err)
		require.Equal(t, 5*time.Second, c.interval)
		require.Equal(t, 12*time.Second, c.leaseDuration)
	})

	t.Run("validation: lease <= interval", func(t *testing.T) {
		_, err := NewProgressCollector(noopExecutor, client, WithProgressInterval(10*time.Second), WithProgressLeaseDuration(10*time.Second))
		require.EqualError(t, err, "progress metrics lease duration (10s) must be longer than interval (10s)")
	})
}

func TestEstimateProgress(t *testing.T) {
	tt := []struct {
		name     string
		progress models.RunProgress
		expected float64
		ok       bool
	}{
		{
			name:     "complete",
			progress: models.RunProgress{State: models.BackfillComplete},
			expected: 100,
			ok:       true,
		},
		{
			name:     "precomputing not done",
			progress: models.RunProgress{State: models.BackfillRunning, ComputedMatching: 10},
		},
		{
			name:     "half way",
			progress: models.RunProgress{State: models.BackfillRunning, PrecomputingDone: true, ComputedMatching: 200, BackfilledMatching: 100},
			expected: 50,
			ok:       true,
		},
		{
			name:     "capped",
			progress: models.RunProgress{State: models.BackfillRunning, PrecomputingDone: true, ComputedMatching: 200, BackfilledMatching: 200},
			expected: 99.9,
			ok:       true,
		},
		{
			name:     "nothing to backfill",
			progress: models.RunProgress{State: models.BackfillPaused, PrecomputingDone: true},
			expected: 99.9,
			ok:       true,
		},
	}

	for _, test := range tt {
		t.Run(test.name, func(t *testing.T) {
			got, ok := estimateProgress(&test.progress)
			require.Equal(t, test.ok, ok)
			require.InDelta(t, test.expected, got, 0.001)
		})
	}
}

func TestProgressCollector_Collect(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(runProgressGauge)
	runProgressGauge.Reset()
	t.Cleanup(runProgressGauge.Reset)

	exec := func(_ context.Context) ([]*models.RunProgress, error) {
		return []*models.RunProgress{
			{RunID: 1, ServiceName: "orders", BackfillName: "fix-totals", State: models.BackfillRunning, PrecomputingDone: true, ComputedMatching: 40, BackfilledMatching: 10},
			{RunID: 2, ServiceName: "orders", BackfillName: "fix-totals", State: models.BackfillRunning},
			{RunID: 3, ServiceName: "users", BackfillName: "emails", State: models.BackfillComplete},
		}, nil
	}

	c, err := NewProgressCollector(exec, newMiniRedisClient(t))
	require.NoError(t, err)
	c.collect(context.Background())

	expected := bytes.NewBufferString(`
# HELP backfila_database_backfill_progress_percent Backfill run progress percentage (0-100).
# TYPE backfila_database_backfill_progress_percent gauge
backfila_database_backfill_progress_percent{backfill="fix-totals",run_id="1",service="orders",state="RUNNING"} 25
backfila_database_backfill_progress_percent{backfill="emails",run_id="3",service="users",state="COMPLETE"} 100
`)
	require.NoError(t, testutil.GatherAndCompare(reg, expected, "backfila_database_backfill_progress_percent"))
}

func TestProgressCollector_Collect_Error(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(runProgressGauge)
	runProgressGauge.Reset()

	exec := func(_ context.Context) ([]*models.RunProgress, error) {
		return nil, errors.New("boom")
	}

	c, err := NewProgressCollector(exec, newMiniRedisClient(t))
	require.NoError(t, err)
	c.collect(context.Background())

	require.Equal(t, 0, testutil.CollectAndCount(runProgressGauge))
}

func TestProgressCollector_LeaderExclusivity(t *testing.T) {
	client := newMiniRedisClient(t)

	mkExec := func(counter *atomic.Int32) ProgressExecutor {
		return func(_ context.Context) ([]*models.RunProgress, error) {
			counter.Add(1)
			return nil, nil
		}
	}

	var calls1, calls2 atomic.Int32
	c1, err := NewProgressCollector(mkExec(&calls1), client, WithProgressInterval(40*time.Millisecond), WithProgressLeaseDuration(120*time.Millisecond))
	require.NoError(t, err)
	c2, err := NewProgressCollector(mkExec(&calls2), client, WithProgressInterval(40*time.Millisecond), WithProgressLeaseDuration(120*time.Millisecond))
	require.NoError(t, err)

	ctx := context.Background()
	c1.Start(ctx)
	require.Eventually(t, func() bool { return calls1.Load() >= 2 }, time.Second, 10*time.Millisecond)

	c2.Start(ctx)
	time.Sleep(150 * time.Millisecond)

	c1.Stop()
	c2.Stop()

	require.Zero(t, calls2.Load())
}
