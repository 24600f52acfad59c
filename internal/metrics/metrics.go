// Package metrics holds the Prometheus collectors shared by amnesia's
// components. Collectors register with the default registry on import; the
// CLI exposes them with promhttp.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "amnesia"

var (
	// TrainingsTotal counts shard trainings by outcome
	TrainingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shard_trainings_total",
		Help:      "Total shard trainings by outcome",
	}, []string{"outcome"})

	// TrainingDuration tracks the wall time of one shard training
	TrainingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "shard_training_duration_seconds",
		Help:      "Shard training duration in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
	})

	// UnlearnRunsTotal counts unlearning runs by status
	UnlearnRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unlearn_runs_total",
		Help:      "Total unlearning runs by status",
	}, []string{"status"})

	// UnlearnDuration tracks the wall time of one unlearning run
	UnlearnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "unlearn_duration_seconds",
		Help:      "Unlearning run duration in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	// VerificationsTotal counts verifications by result
	VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verifications_total",
		Help:      "Total erasure verifications by result",
	}, []string{"result"})

	// ErasuresTotal counts erasure requests by strategy and result
	ErasuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "erasures_total",
		Help:      "Total erasure requests by strategy and result",
	}, []string{"strategy", "result"})

	// ShardSamples is the current member count of every shard
	ShardSamples = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "shard_samples",
		Help:      "Current number of training records per shard",
	}, []string{"shard"})

	// ShardBusyTotal counts mutations rejected because the shard was busy
	ShardBusyTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shard_busy_rejections_total",
		Help:      "Mutating shard operations rejected while another was in flight",
	})

	// UnhealthyShardsTotal counts shards dropped from serving by the monitor
	UnhealthyShardsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unhealthy_shards_total",
		Help:      "Shards removed from the aggregator after failing health checks",
	})
)

// Outcome maps an error to the "ok"/"error" label value.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// SetShardSamples records the member count of shard i.
func SetShardSamples(i, n int) {
	ShardSamples.WithLabelValues(strconv.Itoa(i)).Set(float64(n))
}
