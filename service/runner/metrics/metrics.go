// Package metrics exposes Prometheus metrics about the execution of backfill partitions.
package metrics

import (
	"time"

	"github.com/backfila/backfila/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	runBatchDurationHist          *prometheus.HistogramVec
	runBatchSuccesses             *prometheus.CounterVec
	runBatchFailures              *prometheus.CounterVec
	runBatchCompletedMatching     *prometheus.CounterVec
	runBatchCompletedScanned      *prometheus.CounterVec
	getNextBatchDurationHist      *prometheus.HistogramVec
	getNextBatchSuccesses         *prometheus.CounterVec
	getNextBatchFailures          *prometheus.CounterVec
	computedBatchCount            *prometheus.CounterVec
	computedRecordsMatching       *prometheus.CounterVec
	computedRecordsScanned        *prometheus.CounterVec
	bufferedBatchesReadyToRun     *prometheus.GaugeVec
	etaGauge                      *prometheus.GaugeVec
	runnersGauge                  prometheus.Gauge
	leaseHuntsTotal               *prometheus.CounterVec
	allCollectors                 []prometheus.Collector
	rpcDurationBuckets            = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}
	partitionLabelNames           = []string{serviceLabel, backfillLabel, runIDLabel, partitionLabel}
	partitionCollectorsWithLabels []deletableVec
)

const (
	subsystem = "runner"

	serviceLabel   = "service"
	backfillLabel  = "backfill"
	runIDLabel     = "run_id"
	partitionLabel = "partition"
	resultLabel    = "result"

	runBatchDurationName = "run_batch_duration_ms"
	runBatchDurationDesc = "A histogram of latencies for RunBatch calls to client services, in milliseconds."

	runBatchSuccessesName = "run_batch_successes_total"
	runBatchSuccessesDesc = "A counter of batches successfully run."

	runBatchFailuresName = "run_batch_failures_total"
	runBatchFailuresDesc = "A counter of failed RunBatch calls."

	runBatchCompletedMatchingName = "run_batch_completed_records_matching_total"
	runBatchCompletedMatchingDesc = "A counter of matching records in completed batches."

	runBatchCompletedScannedName = "run_batch_completed_records_scanned_total"
	runBatchCompletedScannedDesc = "A counter of scanned records in completed batches."

	getNextBatchDurationName = "get_next_batch_duration_ms"
	getNextBatchDurationDesc = "A histogram of latencies for GetNextBatchRange calls to client services, in milliseconds."

	getNextBatchSuccessesName = "get_next_batch_successes_total"
	getNextBatchSuccessesDesc = "A counter of successful GetNextBatchRange calls."

	getNextBatchFailuresName = "get_next_batch_failures_total"
	getNextBatchFailuresDesc = "A counter of failed GetNextBatchRange calls."

	computedBatchCountName = "computed_batch_count_total"
	computedBatchCountDesc = "A counter of batches computed by client services."

	computedRecordsMatchingName = "computed_records_matching_total"
	computedRecordsMatchingDesc = "A counter of matching records in computed batches."

	computedRecordsScannedName = "computed_records_scanned_total"
	computedRecordsScannedDesc = "A counter of scanned records in computed batches."

	bufferedBatchesName = "buffered_batches_ready_to_run"
	bufferedBatchesDesc = "A gauge of computed batches waiting to be run."

	etaName = "eta_ms"
	etaDesc = "A gauge of the estimated time left for a partition to complete, in milliseconds."

	runnersName = "active_runners"
	runnersDesc = "A gauge of partitions being run by this instance."

	leaseHuntsName = "lease_hunts_total"
	leaseHuntsDesc = "A counter of lease hunts, by result."

	// HuntResultClaimed is the result of a hunt that leased a partition.
	HuntResultClaimed = "claimed"
	// HuntResultContended is the result of a hunt that lost the race for a partition.
	HuntResultContended = "contended"
	// HuntResultEmpty is the result of a hunt that found no runnable partition.
	HuntResultEmpty = "empty"
	// HuntResultError is the result of a hunt that failed.
	HuntResultError = "error"
)

type deletableVec interface {
	DeleteLabelValues(lvs ...string) bool
}

func init() {
	registerMetrics(prometheus.DefaultRegisterer)
}

func registerMetrics(registerer prometheus.Registerer) {
	counter := func(name, desc string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.NamespacePrefix,
				Subsystem: subsystem,
				Name:      name,
				Help:      desc,
			},
			partitionLabelNames,
		)
	}
	gauge := func(name, desc string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metrics.NamespacePrefix,
				Subsystem: subsystem,
				Name:      name,
				Help:      desc,
			},
			partitionLabelNames,
		)
	}
	histogram := func(name, desc string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metrics.NamespacePrefix,
				Subsystem: subsystem,
				Name:      name,
				Help:      desc,
				Buckets:   rpcDurationBuckets,
			},
			partitionLabelNames,
		)
	}

	runBatchDurationHist = histogram(runBatchDurationName, runBatchDurationDesc)
	runBatchSuccesses = counter(runBatchSuccessesName, runBatchSuccessesDesc)
	runBatchFailures = counter(runBatchFailuresName, runBatchFailuresDesc)
	runBatchCompletedMatching = counter(runBatchCompletedMatchingName, runBatchCompletedMatchingDesc)
	runBatchCompletedScanned = counter(runBatchCompletedScannedName, runBatchCompletedScannedDesc)
	getNextBatchDurationHist = histogram(getNextBatchDurationName, getNextBatchDurationDesc)
	getNextBatchSuccesses = counter(getNextBatchSuccessesName, getNextBatchSuccessesDesc)
	getNextBatchFailures = counter(getNextBatchFailuresName, getNextBatchFailuresDesc)
	computedBatchCount = counter(computedBatchCountName, computedBatchCountDesc)
	computedRecordsMatching = counter(computedRecordsMatchingName, computedRecordsMatchingDesc)
	computedRecordsScanned = counter(computedRecordsScannedName, computedRecordsScannedDesc)
	bufferedBatchesReadyToRun = gauge(bufferedBatchesName, bufferedBatchesDesc)
	etaGauge = gauge(etaName, etaDesc)

	runnersGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      runnersName,
			Help:      runnersDesc,
		},
	)
	leaseHuntsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      leaseHuntsName,
			Help:      leaseHuntsDesc,
		},
		[]string{resultLabel},
	)

	partitionCollectorsWithLabels = []deletableVec{
		runBatchDurationHist, runBatchSuccesses, runBatchFailures, runBatchCompletedMatching, runBatchCompletedScanned,
		getNextBatchDurationHist, getNextBatchSuccesses, getNextBatchFailures, computedBatchCount,
		computedRecordsMatching, computedRecordsScanned, bufferedBatchesReadyToRun, etaGauge,
	}
	allCollectors = []prometheus.Collector{
		runBatchDurationHist, runBatchSuccesses, runBatchFailures, runBatchCompletedMatching, runBatchCompletedScanned,
		getNextBatchDurationHist, getNextBatchSuccesses, getNextBatchFailures, computedBatchCount,
		computedRecordsMatching, computedRecordsScanned, bufferedBatchesReadyToRun, etaGauge, runnersGauge,
		leaseHuntsTotal,
	}

	registerer.MustRegister(allCollectors...)
}

// Labels identify the partition a runner metric is about.
type Labels struct {
	Service   string
	Backfill  string
	RunID     string
	Partition string
}

func (l Labels) values() []string {
	return []string{l.Service, l.Backfill, l.RunID, l.Partition}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// RunBatch records the latency of a RunBatch call.
func RunBatch(l Labels, d time.Duration) {
	runBatchDurationHist.WithLabelValues(l.values()...).Observe(millis(d))
}

// RunBatchSucceeded records a completed batch.
func RunBatchSucceeded(l Labels, matching, scanned int64) {
	lv := l.values()
	runBatchSuccesses.WithLabelValues(lv...).Inc()
	runBatchCompletedMatching.WithLabelValues(lv...).Add(float64(matching))
	runBatchCompletedScanned.WithLabelValues(lv...).Add(float64(scanned))
}

// RunBatchFailed records a failed RunBatch call.
func RunBatchFailed(l Labels) {
	runBatchFailures.WithLabelValues(l.values()...).Inc()
}

// GetNextBatchSucceeded records a successful GetNextBatchRange call of the queuer and the batches it computed.
func GetNextBatchSucceeded(l Labels, d time.Duration, batches int, matching, scanned int64) {
	lv := l.values()
	getNextBatchSuccesses.WithLabelValues(lv...).Inc()
	getNextBatchDurationHist.WithLabelValues(lv...).Observe(millis(d))
	computedBatchCount.WithLabelValues(lv...).Add(float64(batches))
	computedRecordsMatching.WithLabelValues(lv...).Add(float64(matching))
	computedRecordsScanned.WithLabelValues(lv...).Add(float64(scanned))
}

// GetNextBatchFailed records a failed GetNextBatchRange call of the queuer.
func GetNextBatchFailed(l Labels, d time.Duration) {
	lv := l.values()
	getNextBatchFailures.WithLabelValues(lv...).Inc()
	getNextBatchDurationHist.WithLabelValues(lv...).Observe(millis(d))
}

// BufferedBatches sets the number of computed batches waiting to be run.
func BufferedBatches(l Labels, n int) {
	bufferedBatchesReadyToRun.WithLabelValues(l.values()...).Set(float64(n))
}

// ETA sets the estimated time left for a partition to complete.
func ETA(l Labels, d time.Duration) {
	etaGauge.WithLabelValues(l.values()...).Set(millis(d))
}

// RunnerStarted increments the number of active runners.
func RunnerStarted() {
	runnersGauge.Inc()
}

// RunnerStopped decrements the number of active runners.
func RunnerStopped() {
	runnersGauge.Dec()
}

// LeaseHunt counts a lease hunt by result.
func LeaseHunt(result string) {
	leaseHuntsTotal.WithLabelValues(result).Inc()
}

// Forget drops every series of a partition, once its runner stopped.
func Forget(l Labels) {
	lv := l.values()
	for _, c := range partitionCollectorsWithLabels {
		c.DeleteLabelValues(lv...)
	}
}
