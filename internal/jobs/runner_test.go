package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/basketsync/internal/logging"
	"github.com/austindbirch/basketsync/internal/maintenance"
	"github.com/austindbirch/basketsync/internal/metrics"
)

type scheduled struct {
	job   Job
	delay time.Duration
}

type fakeScheduler struct {
	mu    sync.Mutex
	calls []scheduled
	err   error
}

func (s *fakeScheduler) Schedule(_ context.Context, job Job, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.calls = append(s.calls, scheduled{job: job, delay: delay})
	return nil
}

type fakeJobLog struct {
	mu        sync.Mutex
	failures  []FailedJob
	queued    []QueuedJob
	queuedErr error
}

func (l *fakeJobLog) RecordFailure(_ context.Context, f FailedJob) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, f)
	return nil
}

func (l *fakeJobLog) RecordQueued(_ context.Context, q QueuedJob) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.queuedErr != nil {
		return l.queuedErr
	}
	l.queued = append(l.queued, q)
	return nil
}

type runnerFixture struct {
	runner *Runner
	sched  *fakeScheduler
	log    *fakeJobLog
	gate   *maintenance.Gate
	calls  *int
	logs   *bytes.Buffer
}

func newRunnerFixture(t *testing.T, name string, fn func() error) runnerFixture {
	t.Helper()
	reg := NewRegistry()
	calls := 0
	reg.Handle(name, func(context.Context, json.RawMessage) error {
		calls++
		return fn()
	})

	var buf bytes.Buffer
	f := runnerFixture{
		sched: &fakeScheduler{},
		log:   &fakeJobLog{},
		gate:  maintenance.New(false, nil),
		calls: &calls,
		logs:  &buf,
	}
	f.runner = NewRunner(RunnerConfig{
		Registry:      reg,
		Gate:          f.gate,
		Scheduler:     f.sched,
		Log:           f.log,
		Policy:        DefaultPolicy(),
		StoreFailures: true,
		Logger:        logging.NewWithWriter("test", &buf),
	})
	return f
}

func testJob(name string, retries int) Job {
	return Job{ID: "job-1", Name: name, Args: json.RawMessage(`{"email":"a@example.com"}`), Retries: retries, SubmittedAt: time.Now().Add(-time.Second)}
}

func counter(job, status string) float64 {
	return testutil.ToFloat64(metrics.JobsTotal.WithLabelValues(job, status))
}

func TestRunner_Success(t *testing.T) {
	const name = "test.success"
	f := newRunnerFixture(t, name, func() error { return nil })
	before := counter(name, metrics.StatusSuccess)
	submitted := counter(name, metrics.StatusSubmitted)

	out, err := f.runner.Run(context.Background(), testJob(name, 0))
	if err != nil || out != OutcomeSuccess {
		t.Fatalf("Run() = %v, %v; want success", out, err)
	}
	if *f.calls != 1 {
		t.Errorf("handler calls = %d, want 1", *f.calls)
	}
	if got := counter(name, metrics.StatusSuccess); got != before+1 {
		t.Errorf("success counter = %f, want %f", got, before+1)
	}
	if got := counter(name, metrics.StatusSubmitted); got != submitted+1 {
		t.Errorf("submitted counter = %f, want %f", got, submitted+1)
	}
	if len(f.log.failures) != 0 || len(f.sched.calls) != 0 {
		t.Error("success should not record failures or schedule retries")
	}
}

func TestRunner_MaintenanceQueuesNonExempt(t *testing.T) {
	const name = "news.upsert_user"
	f := newRunnerFixture(t, name, func() error { return nil })
	f.gate.SetEnabled(true)
	defer f.gate.SetEnabled(false)
	before := counter(name, metrics.StatusQueued)

	job := testJob(name, 0)
	out, err := f.runner.Run(context.Background(), job)
	if err != nil || out != OutcomeQueued {
		t.Fatalf("Run() = %v, %v; want queued", out, err)
	}
	if *f.calls != 0 {
		t.Errorf("handler calls = %d, want 0", *f.calls)
	}
	if len(f.log.queued) != 1 {
		t.Fatalf("queued records = %d, want 1", len(f.log.queued))
	}
	if q := f.log.queued[0]; q.Name != name || string(q.Args) != string(job.Args) {
		t.Errorf("queued record = %+v", q)
	}
	if got := counter(name, metrics.StatusQueued); got != before+1 {
		t.Errorf("queued counter = %f, want %f", got, before+1)
	}
}

func TestRunner_MaintenanceRunsExempt(t *testing.T) {
	const name = "news.add_sms_user"
	f := newRunnerFixture(t, name, func() error { return nil })
	f.gate.SetEnabled(true)
	defer f.gate.SetEnabled(false)

	out, err := f.runner.Run(context.Background(), testJob(name, 0))
	if err != nil || out != OutcomeSuccess {
		t.Fatalf("Run() = %v, %v; want success", out, err)
	}
	if *f.calls != 1 {
		t.Errorf("handler calls = %d, want 1", *f.calls)
	}
	if len(f.log.queued) != 0 {
		t.Error("exempt job should not be queued")
	}
}

func TestRunner_MaintenanceQueueFailure(t *testing.T) {
	const name = "news.confirm_user"
	f := newRunnerFixture(t, name, func() error { return nil })
	f.gate.SetEnabled(true)
	defer f.gate.SetEnabled(false)
	f.log.queuedErr = errors.New("db down")

	if _, err := f.runner.Run(context.Background(), testJob(name, 0)); err == nil {
		t.Error("Run() should surface a job log failure so the message is redelivered")
	}
	if *f.calls != 0 {
		t.Errorf("handler calls = %d, want 0", *f.calls)
	}
}

func TestRunner_TransientRetries(t *testing.T) {
	const name = "test.transient"
	f := newRunnerFixture(t, name, func() error { return &upstreamErr{"503 upstream"} })
	before := counter(name, metrics.StatusRetry)

	out, err := f.runner.Run(context.Background(), testJob(name, 2))
	if err != nil || out != OutcomeRetry {
		t.Fatalf("Run() = %v, %v; want retry", out, err)
	}
	if len(f.sched.calls) != 1 {
		t.Fatalf("scheduled = %d, want 1", len(f.sched.calls))
	}
	s := f.sched.calls[0]
	if s.delay != 4*time.Minute {
		t.Errorf("delay = %v, want 4m", s.delay)
	}
	if s.job.Retries != 3 || s.job.ID != "job-1" {
		t.Errorf("scheduled job = %+v, want retries 3 and same id", s.job)
	}
	if got := counter(name, metrics.StatusRetry); got != before+1 {
		t.Errorf("retry counter = %f, want %f", got, before+1)
	}
	if len(f.log.failures) != 0 {
		t.Error("retry should not record a failure")
	}
}

func TestRunner_ScheduleFailure(t *testing.T) {
	const name = "test.schedule_fail"
	f := newRunnerFixture(t, name, func() error { return &upstreamErr{"503"} })
	f.sched.err = errors.New("nsqd unreachable")

	out, err := f.runner.Run(context.Background(), testJob(name, 0))
	if err == nil || out != OutcomeRetry {
		t.Errorf("Run() = %v, %v; want retry with error", out, err)
	}
}

func TestRunner_RetriesExhausted(t *testing.T) {
	const name = "test.exhausted"
	f := newRunnerFixture(t, name, func() error { return &upstreamErr{"503 upstream"} })
	retryMax := counter(name, metrics.StatusRetryMax)
	failures := counter(name, metrics.StatusFailure)

	out, err := f.runner.Run(context.Background(), testJob(name, 8))
	if err != nil || out != OutcomeFailure {
		t.Fatalf("Run() = %v, %v; want failure", out, err)
	}
	if len(f.sched.calls) != 0 {
		t.Error("exhausted job must not be scheduled again")
	}
	if len(f.log.failures) != 1 {
		t.Fatalf("failure records = %d, want 1", len(f.log.failures))
	}
	rec := f.log.failures[0]
	if rec.JobID != "job-1" || rec.Name != name || rec.Error != "503 upstream" {
		t.Errorf("failure record = %+v", rec)
	}
	if !strings.Contains(rec.Trace, "*jobs.upstreamErr") {
		t.Errorf("failure trace = %q, want error type", rec.Trace)
	}
	if got := counter(name, metrics.StatusRetryMax); got != retryMax+1 {
		t.Errorf("retry_max counter = %f, want %f", got, retryMax+1)
	}
	if got := counter(name, metrics.StatusFailure); got != failures+1 {
		t.Errorf("failure counter = %f, want %f", got, failures+1)
	}
}

func TestRunner_TerminalOutcomes(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		retries      int
		want         Outcome
		wantFailures int
	}{
		{name: "ignored message", err: &upstreamErr{"InvalidEmailAddress"}, want: OutcomeIgnored},
		{name: "ignored after retries", err: &upstreamErr{"There are no valid subscribers"}, retries: 8, want: OutcomeIgnored},
		{name: "fatal", err: Fatalf("User not found"), want: OutcomeFailure, wantFailures: 1},
		{name: "unclassified", err: errors.New("nil map"), want: OutcomeFailure, wantFailures: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRunnerFixture(t, "test.terminal", func() error { return tt.err })
			out, err := f.runner.Run(context.Background(), testJob("test.terminal", tt.retries))
			if err != nil || out != tt.want {
				t.Fatalf("Run() = %v, %v; want %v", out, err, tt.want)
			}
			if *f.calls != 1 {
				t.Errorf("handler calls = %d, want 1", *f.calls)
			}
			if len(f.sched.calls) != 0 {
				t.Error("terminal outcome must not schedule a retry")
			}
			if len(f.log.failures) != tt.wantFailures {
				t.Errorf("failure records = %d, want %d", len(f.log.failures), tt.wantFailures)
			}
		})
	}
}

func TestRunner_UnknownJob(t *testing.T) {
	f := newRunnerFixture(t, "test.known", func() error { return nil })

	out, err := f.runner.Run(context.Background(), testJob("test.unknown", 0))
	if err != nil || out != OutcomeFailure {
		t.Fatalf("Run() = %v, %v; want failure", out, err)
	}
	if len(f.log.failures) != 1 {
		t.Errorf("failure records = %d, want 1", len(f.log.failures))
	}
}

func TestRunner_Panic(t *testing.T) {
	f := newRunnerFixture(t, "test.panic", func() error { panic("boom") })

	out, err := f.runner.Run(context.Background(), testJob("test.panic", 0))
	if err != nil || out != OutcomeFailure {
		t.Fatalf("Run() = %v, %v; want failure", out, err)
	}
}

func TestRunner_StoreFailuresDisabled(t *testing.T) {
	f := newRunnerFixture(t, "test.nostore", func() error { return Fatalf("bad") })
	f.runner.storeFailures = false

	if out, _ := f.runner.Run(context.Background(), testJob("test.nostore", 0)); out != OutcomeFailure {
		t.Fatalf("Run() = %v, want failure", out)
	}
	if len(f.log.failures) != 0 {
		t.Error("failures should not be stored when disabled")
	}
}

func TestRunner_FullRetryCycle(t *testing.T) {
	const name = "test.cycle"
	f := newRunnerFixture(t, name, func() error { return &upstreamErr{"connection refused"} })

	job := testJob(name, 0)
	attempts := 0
	for {
		attempts++
		out, err := f.runner.Run(context.Background(), job)
		if err != nil {
			t.Fatal(err)
		}
		if out != OutcomeRetry {
			if out != OutcomeFailure {
				t.Fatalf("final outcome = %v, want failure", out)
			}
			break
		}
		job = f.sched.calls[len(f.sched.calls)-1].job
	}

	if attempts != 9 || *f.calls != 9 {
		t.Errorf("attempts = %d, handler calls = %d; want 9", attempts, *f.calls)
	}
	if len(f.sched.calls) != 8 {
		t.Errorf("scheduled retries = %d, want 8", len(f.sched.calls))
	}
	if last := f.sched.calls[7].delay; last != 128*time.Minute {
		t.Errorf("last delay = %v, want 128m", last)
	}
}
