package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	reg := prometheus.NewRegistry()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("MustRegister() panicked: %v", r)
		}
	}()
	MustRegister(reg)

	// Record some values so vectors appear in Gather()
	RecordJob("news.upsert_user", StatusSubmitted)
	ObserveQueueLatency("news.upsert_user", time.Second)
	ObserveBackendRequest("sfdc", "get", 10*time.Millisecond)
	UpdateNSQChannelStats("basket_jobs", "workers", 1, 1)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Registry.Gather() error: %v", err)
	}

	expected := []string{
		"basket_jobs_total",
		"basket_job_queue_latency_seconds",
		"basket_sfdc_percent_daily_api_used",
		"basket_sfdc_session_refresh_total",
		"basket_backend_request_seconds",
		"basket_maintenance_mode",
		"basket_worker_backlog",
		"basket_nsq_channel_depth",
		"basket_nsq_channel_inflight",
	}
	registered := make(map[string]bool)
	for _, mf := range families {
		registered[mf.GetName()] = true
	}
	for _, name := range expected {
		if !registered[name] {
			t.Errorf("expected metric %s not found in registry", name)
		}
	}
}

func TestRecordJob(t *testing.T) {
	JobsTotal.Reset()

	tests := []struct {
		name   string
		job    string
		status string
		calls  int
	}{
		{name: "single submission", job: "news.upsert_user", status: StatusSubmitted, calls: 1},
		{name: "repeated retries", job: "news.send_message", status: StatusRetry, calls: 3},
		{name: "retry exhausted", job: "news.send_message", status: StatusRetryMax, calls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < tt.calls; i++ {
				RecordJob(tt.job, tt.status)
			}
			got := testutil.ToFloat64(JobsTotal.WithLabelValues(tt.job, tt.status))
			if got != float64(tt.calls) {
				t.Errorf("RecordJob() counter = %f, want %d", got, tt.calls)
			}
		})
	}
}

func TestObserveQueueLatencyNegative(t *testing.T) {
	JobQueueLatencySeconds.Reset()
	ObserveQueueLatency("news.confirm_user", -time.Second)
	if n := testutil.CollectAndCount(JobQueueLatencySeconds); n != 1 {
		t.Errorf("CollectAndCount() = %d, want 1", n)
	}
}

func TestSFDCMetrics(t *testing.T) {
	SetSFDCAPIUsage(42.5)
	if got := testutil.ToFloat64(SFDCPercentDailyAPIUsed); got != 42.5 {
		t.Errorf("SFDCPercentDailyAPIUsed = %f, want 42.5", got)
	}

	before := testutil.ToFloat64(SFDCSessionRefreshTotal)
	RecordSessionRefresh()
	if got := testutil.ToFloat64(SFDCSessionRefreshTotal); got != before+1 {
		t.Errorf("SFDCSessionRefreshTotal = %f, want %f", got, before+1)
	}
}

func TestSetMaintenanceMode(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		want    float64
	}{
		{name: "enabled", enabled: true, want: 1},
		{name: "disabled", enabled: false, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetMaintenanceMode(tt.enabled)
			if got := testutil.ToFloat64(MaintenanceMode); got != tt.want {
				t.Errorf("MaintenanceMode = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestUpdateWorkerBacklog(t *testing.T) {
	tests := []struct {
		name  string
		count float64
	}{
		{name: "zero backlog", count: 0},
		{name: "positive backlog", count: 42},
		{name: "large backlog", count: 10000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			UpdateWorkerBacklog(tt.count)
			if got := testutil.ToFloat64(WorkerBacklog); got != tt.count {
				t.Errorf("UpdateWorkerBacklog() gauge = %f, want %f", got, tt.count)
			}
		})
	}
}

func TestUpdateNSQChannelStats(t *testing.T) {
	NSQChannelDepth.Reset()
	NSQChannelInFlight.Reset()

	tests := []struct {
		name     string
		topic    string
		channel  string
		depth    float64
		inFlight float64
	}{
		{name: "jobs topic", topic: "basket_jobs", channel: "workers", depth: 10, inFlight: 2},
		{name: "empty channel", topic: "basket_jobs", channel: "replay", depth: 0, inFlight: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			UpdateNSQChannelStats(tt.topic, tt.channel, tt.depth, tt.inFlight)
			if got := testutil.ToFloat64(NSQChannelDepth.WithLabelValues(tt.topic, tt.channel)); got != tt.depth {
				t.Errorf("depth = %f, want %f", got, tt.depth)
			}
			if got := testutil.ToFloat64(NSQChannelInFlight.WithLabelValues(tt.topic, tt.channel)); got != tt.inFlight {
				t.Errorf("inflight = %f, want %f", got, tt.inFlight)
			}
		})
	}
}
