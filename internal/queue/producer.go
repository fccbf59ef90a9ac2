// Package queue carries jobs over NSQ: publishing, deferred retries, the
// consumer handler and channel backlog monitoring.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/basketsync/internal/jobs"
	"github.com/austindbirch/basketsync/internal/tracing"
)

// publisher is the part of *nsq.Producer we use
type publisher interface {
	Publish(topic string, body []byte) error
	DeferredPublish(topic string, delay time.Duration, body []byte) error
}

// Producer submits and schedules jobs on an NSQ topic
type Producer struct {
	pub      publisher
	nsq      *nsq.Producer
	topic    string
	maxDefer time.Duration
	now      func() time.Time
}

// NewProducer connects lazily to the nsqd at addr
func NewProducer(addr, topic string, maxDefer time.Duration) (*Producer, error) {
	p, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	out := newProducer(p, topic, maxDefer)
	out.nsq = p
	return out, nil
}

func newProducer(pub publisher, topic string, maxDefer time.Duration) *Producer {
	if maxDefer <= 0 {
		maxDefer = time.Hour
	}
	return &Producer{pub: pub, topic: topic, maxDefer: maxDefer, now: time.Now}
}

// Submit wraps args in a new job and publishes it
func (p *Producer) Submit(ctx context.Context, name string, args any) error {
	job, err := jobs.NewJob(ctx, name, args)
	if err != nil {
		return err
	}
	return p.Publish(ctx, job)
}

// Publish sends job for immediate execution
func (p *Producer) Publish(ctx context.Context, job jobs.Job) error {
	body, err := job.Encode()
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.Name, err)
	}
	if err := p.pub.Publish(p.topic, body); err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("publish %s: %w", job.Name, err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published",
		attribute.String("topic", p.topic),
		attribute.String("job.name", job.Name),
	)
	return nil
}

// Schedule publishes job to run after delay. Delays longer than maxDefer are
// split: the message carries RunAt and the consumer defers it again on arrival.
func (p *Producer) Schedule(ctx context.Context, job jobs.Job, delay time.Duration) error {
	if delay <= 0 {
		job.RunAt = time.Time{}
		return p.Publish(ctx, job)
	}
	job.RunAt = p.now().Add(delay).UTC()
	hop := delay
	if hop > p.maxDefer {
		hop = p.maxDefer
	}

	body, err := job.Encode()
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.Name, err)
	}
	if err := p.pub.DeferredPublish(p.topic, hop, body); err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("deferred publish %s: %w", job.Name, err)
	}
	tracing.AddSpanEvent(ctx, "nsq.deferred_published",
		attribute.String("topic", p.topic),
		attribute.String("delay", hop.String()),
	)
	return nil
}

// Ping checks the nsqd connection
func (p *Producer) Ping() error {
	if p.nsq == nil {
		return nil
	}
	return p.nsq.Ping()
}

func (p *Producer) Stop() {
	if p.nsq != nil {
		p.nsq.Stop()
	}
}
