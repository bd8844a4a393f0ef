package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/accessmesh/controlplane/internal/cperrors"
)

var (
	OperationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_operation_total",
			Help: "Number of control-plane operations by name.",
		},
		[]string{"operation"},
	)
	OperationErrorTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_operation_error_total",
			Help: "Number of control-plane operation errors by name and kind.",
		},
		[]string{"operation", "kind"},
	)
	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "controlplane_operation_duration_seconds",
			Help:    "Time taken by a control-plane operation.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	ShardGroupsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "controlplane_shard_groups",
			Help: "Number of shard groups currently configured, by data element.",
		},
		[]string{"element"},
	)

	SplitPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "controlplane_split_phase",
			Help: "Last completed phase (1-7) of the most recent split, by element and source hash range start.",
		},
		[]string{"element", "hash_range_start"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		OperationTotal,
		OperationErrorTotal,
		OperationDuration,
		ShardGroupsTotal,
		SplitPhase,
	)
}

// ObserveOperation records one call to a top-level control-plane operation
// (create/split/scale): a count, a duration, and on failure an error count
// broken down by cperrors.Kind. Callers defer it around the operation body:
//
//	defer metrics.ObserveOperation("CreateDistributedInstance", time.Now(), &err)
func ObserveOperation(operation string, start time.Time, err *error) {
	OperationTotal.WithLabelValues(operation).Inc()
	OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err == nil || *err == nil {
		return
	}
	kind, ok := cperrors.KindOf(*err)
	if !ok {
		kind = "unknown"
	}
	OperationErrorTotal.WithLabelValues(operation, string(kind)).Inc()
}
