package metrics

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/backfila/backfila/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func mockTimeSince(d time.Duration) func() {
	bkp := timeSince
	timeSince = func(_ time.Time) time.Duration { return d }
	return func() { timeSince = bkp }
}

func TestInstrumentQuery(t *testing.T) {
	resetQueryCollector(t)
	queryName := "run_partition_find_by_id"

	restore := mockTimeSince(10 * time.Millisecond)
	defer restore()
	InstrumentQuery(queryName)()

	mockTimeSince(20 * time.Millisecond)
	InstrumentQuery(queryName)()

	var expected bytes.Buffer
	_, err := expected.WriteString(`
# HELP backfila_database_queries_total A counter for database queries.
# TYPE backfila_database_queries_total counter
backfila_database_queries_total{name="run_partition_find_by_id"} 2
# HELP backfila_database_query_duration_seconds A histogram of latencies for database queries.
# TYPE backfila_database_query_duration_seconds histogram
backfila_database_query_duration_seconds_bucket{name="run_partition_find_by_id",le="0.005"} 0
backfila_database_query_duration_seconds_bucket{name="run_partition_find_by_id",le="0.01"} 1
backfila_database_query_duration_seconds_bucket{name="run_partition_find_by_id",le="0.025"} 2
backfila_database_query_duration_seconds_bucket{name="run_partition_find_by_id",le="0.05"} 2
backfila_database_query_duration_seconds_bucket{name="run_partition_find_by_id",le="0.1"} 2
backfila_database_query_duration_seconds_bucket{name="run_partition_find_by_id",le="0.25"} 2
backfila_database_query_duration_seconds_bucket{name="run_partition_find_by_id",le="0.5"} 2
backfila_database_query_duration_seconds_bucket{name="run_partition_find_by_id",le="1"} 2
backfila_database_query_duration_seconds_bucket{name="run_partition_find_by_id",le="2.5"} 2
backfila_database_query_duration_seconds_bucket{name="run_partition_find_by_id",le="5"} 2
backfila_database_query_duration_seconds_bucket{name="run_partition_find_by_id",le="10"} 2
backfila_database_query_duration_seconds_bucket{name="run_partition_find_by_id",le="+Inf"} 2
backfila_database_query_duration_seconds_sum{name="run_partition_find_by_id"} 0.03
backfila_database_query_duration_seconds_count{name="run_partition_find_by_id"} 2
`)
	require.NoError(t, err)
	durationFullName := fmt.Sprintf("%s_%s_%s", metrics.NamespacePrefix, subsystem, queryDurationName)
	totalFullName := fmt.Sprintf("%s_%s_%s", metrics.NamespacePrefix, subsystem, queryTotalName)

	err = testutil.GatherAndCompare(prometheus.DefaultGatherer, &expected, durationFullName, totalFullName)
	require.NoError(t, err)
}

func TestRegistrar(t *testing.T) {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "backfila_registrar_test"})
	r := NewRegistrar(gauge)
	require.False(t, r.IsRegistered())

	require.NoError(t, r.Register())
	require.True(t, r.IsRegistered())
	// registering twice is a no-op
	require.NoError(t, r.Register())

	r.Unregister()
	require.False(t, r.IsRegistered())
	r.Unregister()

	// a collector already registered elsewhere is adopted
	require.NoError(t, prometheus.Register(gauge))
	t.Cleanup(func() { prometheus.Unregister(gauge) })
	require.NoError(t, r.Register())
	require.True(t, r.IsRegistered())
}

// resetQueryCollector cleans up query metrics after test to prevent pollution.
func resetQueryCollector(t *testing.T) {
	t.Cleanup(func() {
		queryTotal.Reset()
		queryDurationHist.Reset()
	})
}
