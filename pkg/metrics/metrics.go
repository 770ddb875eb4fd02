package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "river_nodes_total",
			Help: "Total number of nodes by role and liveness",
		},
		[]string{"role", "liveness"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "river_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "river_scheduling_latency_seconds",
			Help:    "Time taken to select a candidate node for a task in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TasksScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "river_tasks_scheduled_total",
			Help: "Total number of tasks successfully assigned to a node",
		},
	)

	TasksUnschedulable = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "river_tasks_unschedulable_total",
			Help: "Total number of scheduling passes that found no candidate node",
		},
	)

	// Dispatch / suspicion metrics
	DispatchSuspicionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "river_dispatch_suspicion_total",
			Help: "Total number of dispatch suspicion increments by task kind",
		},
		[]string{"kind"},
	)

	DispatchRequeuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "river_dispatch_requeued_total",
			Help: "Total number of tasks requeued after reaching the suspicion threshold",
		},
	)

	DispatchRPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "river_dispatch_rpc_duration_seconds",
			Help:    "Duration of a dispatch RPC round trip to a runner in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Liveness metrics
	LivenessSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "river_liveness_sweep_duration_seconds",
			Help:    "Time taken for one liveness sweep cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	NodesMarkedOffline = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "river_nodes_marked_offline_total",
			Help: "Total number of nodes transitioned from online to offline",
		},
	)

	TasksMarkedLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "river_tasks_marked_lost_total",
			Help: "Total number of non-terminal tasks marked LOST when their node went offline",
		},
	)

	// Overlay metrics
	OverlayAllocationsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "river_overlay_allocations_active",
			Help: "Number of runners currently holding an overlay subnet allocation",
		},
	)

	OverlayReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "river_overlay_reclaimed_total",
			Help: "Total number of overlay allocations reclaimed from inactive runners",
		},
	)

	// IP reservation metrics
	IPReservationsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "river_ip_reservations_active",
			Help: "Number of currently outstanding IP reservations",
		},
	)

	IPReservationsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "river_ip_reservations_expired_total",
			Help: "Total number of IP reservations that expired unclaimed",
		},
	)

	// Raft metrics (single-node, never-joined; retained for FSM apply/commit timing)
	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "river_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "river_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "river_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "river_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(TasksScheduled)
	prometheus.MustRegister(TasksUnschedulable)
	prometheus.MustRegister(DispatchSuspicionTotal)
	prometheus.MustRegister(DispatchRequeuedTotal)
	prometheus.MustRegister(DispatchRPCDuration)
	prometheus.MustRegister(LivenessSweepDuration)
	prometheus.MustRegister(NodesMarkedOffline)
	prometheus.MustRegister(TasksMarkedLost)
	prometheus.MustRegister(OverlayAllocationsActive)
	prometheus.MustRegister(OverlayReclaimedTotal)
	prometheus.MustRegister(IPReservationsActive)
	prometheus.MustRegister(IPReservationsExpiredTotal)
	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
