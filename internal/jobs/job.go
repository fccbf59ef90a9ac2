// Package jobs turns plain functions into named, retryable jobs and runs them
// under the retry policy, the maintenance gate and the durable job log.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/basketsync/internal/tracing"
)

// Job is the envelope carried on the queue
type Job struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Args         json.RawMessage   `json:"args,omitempty"`
	Retries      int               `json:"retries"`
	SubmittedAt  time.Time         `json:"submitted_at"`
	RunAt        time.Time         `json:"run_at,omitzero"`         // earliest execution time of a deferred retry
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // OTel propagation headers
}

// NewJob builds a first-attempt job for name, marshalling args to JSON
func NewJob(ctx context.Context, name string, args any) (Job, error) {
	if name == "" {
		return Job{}, errors.New("job name is required")
	}
	raw, err := marshalArgs(args)
	if err != nil {
		return Job{}, fmt.Errorf("marshal %s args: %w", name, err)
	}
	return Job{
		ID:           uuid.NewString(),
		Name:         name,
		Args:         raw,
		SubmittedAt:  time.Now().UTC(),
		TraceHeaders: tracing.InjectHeaders(ctx),
	}, nil
}

func marshalArgs(args any) (json.RawMessage, error) {
	switch v := args.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, errors.New("args are not valid JSON")
		}
		return v, nil
	}
	return json.Marshal(args)
}

// Next returns the job as it should be published for its next attempt
func (j Job) Next() Job {
	next := j
	next.Retries++
	return next
}

// Encode serialises the job for the queue
func (j Job) Encode() ([]byte, error) {
	return json.Marshal(j)
}

// Decode parses a queue payload into a Job
func Decode(body []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(body, &j); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	if j.Name == "" {
		return Job{}, errors.New("decode job: missing name")
	}
	return j, nil
}
