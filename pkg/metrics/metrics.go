package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Membership metrics
	MembersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "groupd_members_total",
			Help: "Total number of members in the group by persistence kind",
		},
		[]string{"persistent"},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "groupd_sessions_active",
			Help: "Number of currently active client sessions",
		},
	)

	// Raft metrics
	RaftIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "groupd_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "groupd_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "groupd_raft_apply_duration_seconds",
			Help:    "Time taken to apply a command through the replicated log",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Election metrics
	ElectionTerm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "groupd_election_term",
			Help: "Current client-observed election term",
		},
	)

	ElectionChangesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "groupd_election_changes_total",
			Help: "Total number of leader changes observed by this client",
		},
	)

	// Task metrics
	TasksPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "groupd_tasks_pending",
			Help: "Total number of tasks currently pending or backlogged across all members",
		},
	)

	TasksSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupd_tasks_submitted_total",
			Help: "Total number of tasks submitted, by outcome",
		},
		[]string{"outcome"},
	)

	TaskSubmitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "groupd_task_submit_duration_seconds",
			Help:    "Time from Submit to the matching ack/fail event",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(MembersTotal)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(RaftIsLeader)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(ElectionTerm)
	prometheus.MustRegister(ElectionChangesTotal)
	prometheus.MustRegister(TasksPending)
	prometheus.MustRegister(TasksSubmittedTotal)
	prometheus.MustRegister(TaskSubmitDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
