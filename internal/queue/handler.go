package queue

import (
	"context"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/basketsync/internal/jobs"
	"github.com/austindbirch/basketsync/internal/logging"
)

// Runner executes one attempt of a job
type Runner interface {
	Run(ctx context.Context, job jobs.Job) (jobs.Outcome, error)
}

// Handler is the nsq.Handler for the jobs topic. Every message is finished
// unless the job could not be handed off, in which case it is requeued.
type Handler struct {
	ctx          context.Context
	runner       Runner
	scheduler    jobs.Scheduler
	logger       *logging.Logger
	requeueDelay time.Duration
	now          func() time.Time
}

func NewHandler(ctx context.Context, runner Runner, scheduler jobs.Scheduler, logger *logging.Logger) *Handler {
	return &Handler{
		ctx:          ctx,
		runner:       runner,
		scheduler:    scheduler,
		logger:       logger,
		requeueDelay: 30 * time.Second,
		now:          time.Now,
	}
}

func (h *Handler) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse() // we manually requeue or finish
	defer func() {
		if !m.HasResponded() {
			h.logger.Plain().Warn("message had no response, finishing")
			m.Finish()
		}
	}()

	job, err := jobs.Decode(m.Body)
	if err != nil {
		h.logger.Plain().WithError(err).Error("bad job payload")
		m.Finish() // terminal: don't retry bad payloads
		return nil
	}

	// A long retry delay arrives in hops no longer than the nsqd limit
	if wait := job.RunAt.Sub(h.now()); !job.RunAt.IsZero() && wait > time.Second {
		if err := h.scheduler.Schedule(h.ctx, job, wait); err != nil {
			h.logger.Plain().WithJob(job.Name, job.ID).WithError(err).Error("reschedule failed")
			m.Requeue(h.requeueDelay)
			return nil
		}
		m.Finish()
		return nil
	}

	out, err := h.runner.Run(h.ctx, job)
	if err != nil {
		h.logger.Plain().WithJob(job.Name, job.ID).WithError(err).
			WithField("outcome", out.String()).
			Error("job hand-off failed, requeueing")
		m.Requeue(h.requeueDelay)
		return nil
	}
	m.Finish()
	return nil
}
