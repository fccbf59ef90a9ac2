package jobs

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/basketsync/internal/logging"
	"github.com/austindbirch/basketsync/internal/metrics"
	"github.com/austindbirch/basketsync/internal/tracing"
)

// Gate decides whether a job may run now
type Gate interface {
	Admit(name string) bool
}

// Outcome is the terminal (or rescheduled) state of one attempt
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeQueued
	OutcomeIgnored
	OutcomeRetry
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeQueued:
		return "queued"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeRetry:
		return "retry"
	case OutcomeFailure:
		return "failure"
	}
	return "unknown"
}

type RunnerConfig struct {
	Registry      *Registry
	Gate          Gate // nil admits everything
	Scheduler     Scheduler
	Log           JobLog
	Policy        Policy
	StoreFailures bool
	Logger        *logging.Logger
}

// Runner executes job attempts
type Runner struct {
	registry      *Registry
	gate          Gate
	scheduler     Scheduler
	log           JobLog
	policy        Policy
	storeFailures bool
	logger        *logging.Logger
	now           func() time.Time
}

func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New("basket-jobs")
	}
	return &Runner{
		registry:      cfg.Registry,
		gate:          cfg.Gate,
		scheduler:     cfg.Scheduler,
		log:           cfg.Log,
		policy:        cfg.Policy,
		storeFailures: cfg.StoreFailures,
		logger:        logger,
		now:           time.Now,
	}
}

// Run executes one attempt of job. The returned error is non-nil only when the
// job could not be handed off (queued or rescheduled) and must be redelivered.
func (r *Runner) Run(ctx context.Context, job Job) (Outcome, error) {
	ctx = tracing.ExtractHeaders(ctx, job.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "job."+job.Name,
		attribute.String("job.id", job.ID),
		attribute.String("job.name", job.Name),
		attribute.Int("job.retries", job.Retries),
	)
	defer span.End()

	metrics.RecordJob(job.Name, metrics.StatusSubmitted)
	if job.Retries == 0 && !job.SubmittedAt.IsZero() {
		metrics.ObserveQueueLatency(job.Name, r.now().Sub(job.SubmittedAt))
	}

	if r.gate != nil && !r.gate.Admit(job.Name) {
		return r.hold(ctx, job)
	}

	err := r.invoke(ctx, job)
	d := r.policy.Decide(err, job.Retries)
	span.SetAttributes(attribute.String("job.decision", d.Action.String()))

	switch d.Action {
	case ActionSucceed:
		metrics.RecordJob(job.Name, metrics.StatusSuccess)
		return OutcomeSuccess, nil

	case ActionIgnore:
		if d.Exhausted {
			metrics.RecordJob(job.Name, metrics.StatusRetryMax)
		}
		metrics.RecordJob(job.Name, metrics.StatusSuccess)
		r.entry(ctx, job).WithError(err).WithField("reason", d.Reason).Info("job error ignored")
		return OutcomeIgnored, nil

	case ActionRetry:
		tracing.AddSpanEvent(ctx, "job.retry",
			attribute.Int("job.next_retry", job.Retries+1),
			attribute.String("delay", d.Delay.String()),
		)
		if serr := r.scheduler.Schedule(ctx, job.Next(), d.Delay); serr != nil {
			tracing.SetSpanError(ctx, serr)
			return OutcomeRetry, fmt.Errorf("schedule retry of %s: %w", job.Name, serr)
		}
		metrics.RecordJob(job.Name, metrics.StatusRetry)
		r.entry(ctx, job).WithError(err).WithFields(map[string]any{
			"retries": job.Retries + 1,
			"delay":   d.Delay.String(),
		}).Warn("job retry scheduled")
		return OutcomeRetry, nil
	}

	if d.Exhausted {
		metrics.RecordJob(job.Name, metrics.StatusRetryMax)
	}
	metrics.RecordJob(job.Name, metrics.StatusFailure)
	tracing.SetSpanError(ctx, err)
	r.entry(ctx, job).WithError(err).WithFields(map[string]any{
		"kind":    d.Kind.String(),
		"reason":  d.Reason,
		"retries": job.Retries,
	}).Error("job failed")
	r.recordFailure(ctx, job, err)
	return OutcomeFailure, nil
}

// hold persists a job held back by the maintenance gate
func (r *Runner) hold(ctx context.Context, job Job) (Outcome, error) {
	q := QueuedJob{Name: job.Name, Args: job.Args, QueuedAt: r.now().UTC()}
	if err := r.log.RecordQueued(ctx, q); err != nil {
		tracing.SetSpanError(ctx, err)
		return OutcomeQueued, fmt.Errorf("defer %s: %w", job.Name, err)
	}
	metrics.RecordJob(job.Name, metrics.StatusQueued)
	tracing.AddSpanEvent(ctx, "job.queued")
	r.entry(ctx, job).Info("maintenance mode, job queued")
	return OutcomeQueued, nil
}

func (r *Runner) invoke(ctx context.Context, job Job) (err error) {
	h, ok := r.registry.Lookup(job.Name)
	if !ok {
		return Fatalf("unknown job %q", job.Name)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, p)
		}
	}()
	return h(ctx, job.Args)
}

func (r *Runner) recordFailure(ctx context.Context, job Job, err error) {
	if !r.storeFailures || r.log == nil {
		return
	}
	f := FailedJob{
		JobID:    job.ID,
		Name:     job.Name,
		Args:     job.Args,
		Error:    err.Error(),
		Trace:    errorTrace(err),
		FailedAt: r.now().UTC(),
	}
	if lerr := r.log.RecordFailure(ctx, f); lerr != nil {
		r.entry(ctx, job).WithError(lerr).Error("failed to record failed job")
	}
}

func (r *Runner) entry(ctx context.Context, job Job) *logging.LogEntry {
	return r.logger.WithContext(ctx).WithJob(job.Name, job.ID)
}
