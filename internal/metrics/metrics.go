// Package metrics provides Prometheus metrics for the nexus data plane,
// namespaced and labeled by nexus/child/job identity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "nexus_engine"

var (
	nexusIOTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nexus_io_total",
			Help:      "Total number of host I/Os completed by the nexus, by op and status",
		},
		[]string{"nexus", "op", "status"},
	)

	nexusIODuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "nexus_io_duration_seconds",
			Help:      "Duration of host I/Os through the nexus",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		},
		[]string{"nexus", "op"},
	)

	childStateTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "child_retire_total",
			Help:      "Total number of child retirements, by fault reason",
		},
		[]string{"nexus", "child", "reason"},
	)

	rebuildBlocksRecovered = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rebuild_blocks_recovered",
			Help:      "Blocks recovered by the current/last rebuild job",
		},
		[]string{"nexus", "child"},
	)

	rebuildProgress = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rebuild_progress_percent",
			Help:      "Integer rebuild completion percentage",
		},
		[]string{"nexus", "child"},
	)

	controllerResetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "controller_resets_total",
			Help:      "Total controller reset attempts, by outcome",
		},
		[]string{"controller", "outcome"},
	)

	controllerHotRemovesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "controller_hot_removes_total",
			Help:      "Total controller hot-remove events",
		},
		[]string{"controller"},
	)

	channelPendingIOs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_pending_ios",
			Help:      "In-flight submissions not yet completed, per I/O channel",
		},
		[]string{"controller", "core"},
	)

	nexusChildrenByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nexus_children_by_state",
			Help:      "Number of nexus children currently online vs. not online",
		},
		[]string{"nexus", "bucket"},
	)
)

// RecordNexusIO records the outcome of one host I/O.
func RecordNexusIO(nexus, op, status string, d time.Duration) {
	nexusIOTotal.WithLabelValues(nexus, op, status).Inc()
	nexusIODuration.WithLabelValues(nexus, op).Observe(d.Seconds())
}

// RecordChildRetire records a child retirement with its fault reason.
func RecordChildRetire(nexus, child, reason string) {
	childStateTotal.WithLabelValues(nexus, child, reason).Inc()
}

// SetRebuildStats publishes the current rebuild gauges for (nexus, child).
func SetRebuildStats(nexus, child string, recovered uint64, progress int) {
	rebuildBlocksRecovered.WithLabelValues(nexus, child).Set(float64(recovered))
	rebuildProgress.WithLabelValues(nexus, child).Set(float64(progress))
}

// RecordControllerReset records a controller reset attempt.
func RecordControllerReset(controller, outcome string) {
	controllerResetsTotal.WithLabelValues(controller, outcome).Inc()
}

// RecordControllerHotRemove records a controller hot-remove.
func RecordControllerHotRemove(controller string) {
	controllerHotRemovesTotal.WithLabelValues(controller).Inc()
}

// SetChannelPendingIOs publishes the live num_pending_ios gauge for a channel.
func SetChannelPendingIOs(controller, core string, n int64) {
	channelPendingIOs.WithLabelValues(controller, core).Set(float64(n))
}

// SetNexusChildState publishes the count of children in bucket ("online" or
// "other") for nexus.
func SetNexusChildState(nexus, bucket string, n float64) {
	nexusChildrenByState.WithLabelValues(nexus, bucket).Set(n)
}
