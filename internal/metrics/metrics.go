package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Job status label values
const (
	StatusSubmitted = "submitted"
	StatusQueued    = "queued"
	StatusSuccess   = "success"
	StatusFailure   = "failure"
	StatusRetry     = "retry"
	StatusRetryMax  = "retry_max"
)

var (
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "basket_jobs_total",
			Help: "Total number of job executions by job name and status.",
		},
		[]string{"job", "status"},
	)

	JobQueueLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "basket_job_queue_latency_seconds",
			Help:    "Time between job submission and its first execution.",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"job"},
	)

	SFDCPercentDailyAPIUsed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "basket_sfdc_percent_daily_api_used",
			Help: "Percentage of the contact store's daily API quota consumed, sampled.",
		},
	)

	SFDCSessionRefreshTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "basket_sfdc_session_refresh_total",
			Help: "Total number of contact store re-authentications after session expiry.",
		},
	)

	BackendRequestSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "basket_backend_request_seconds",
			Help:    "Upstream backend request latency by backend and operation.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	MaintenanceMode = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "basket_maintenance_mode",
			Help: "1 while maintenance mode defers non-exempt jobs.",
		},
	)

	WorkerBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "basket_worker_backlog",
			Help: "Messages waiting or in flight on the worker channel.",
		},
	)

	NSQChannelDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "basket_nsq_channel_depth",
			Help: "Current depth of an NSQ channel.",
		},
		[]string{"topic", "channel"},
	)

	NSQChannelInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "basket_nsq_channel_inflight",
			Help: "Messages in flight on an NSQ channel.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		JobsTotal,
		JobQueueLatencySeconds,
		SFDCPercentDailyAPIUsed,
		SFDCSessionRefreshTotal,
		BackendRequestSeconds,
		MaintenanceMode,
		WorkerBacklog,
		NSQChannelDepth,
		NSQChannelInFlight,
	)
}

// RecordJob increments the job counter for the given status
func RecordJob(job, status string) {
	JobsTotal.WithLabelValues(job, status).Inc()
}

// ObserveQueueLatency records how long a job waited before its first run
func ObserveQueueLatency(job string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	JobQueueLatencySeconds.WithLabelValues(job).Observe(d.Seconds())
}

func SetSFDCAPIUsage(percent float64) {
	SFDCPercentDailyAPIUsed.Set(percent)
}

func RecordSessionRefresh() {
	SFDCSessionRefreshTotal.Inc()
}

// ObserveBackendRequest records the duration of one upstream call
func ObserveBackendRequest(backend, op string, d time.Duration) {
	BackendRequestSeconds.WithLabelValues(backend, op).Observe(d.Seconds())
}

func SetMaintenanceMode(enabled bool) {
	if enabled {
		MaintenanceMode.Set(1)
		return
	}
	MaintenanceMode.Set(0)
}

func UpdateWorkerBacklog(count float64) {
	WorkerBacklog.Set(count)
}

// UpdateNSQChannelStats sets depth and in-flight gauges for one topic/channel pair
func UpdateNSQChannelStats(topic, channel string, depth, inFlight float64) {
	NSQChannelDepth.WithLabelValues(topic, channel).Set(depth)
	NSQChannelInFlight.WithLabelValues(topic, channel).Set(inFlight)
}
