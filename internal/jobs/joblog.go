package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// FailedJob is appended once a job ends in a terminal, non-ignored failure
type FailedJob struct {
	JobID    string
	Name     string
	Args     json.RawMessage
	Error    string
	Trace    string
	FailedAt time.Time
}

// QueuedJob is a job deferred by maintenance mode, kept for later replay
type QueuedJob struct {
	Name     string
	Args     json.RawMessage
	QueuedAt time.Time
}

// JobLog is the append-only durable record of deferred and failed jobs
type JobLog interface {
	RecordFailure(ctx context.Context, f FailedJob) error
	RecordQueued(ctx context.Context, q QueuedJob) error
}

// Execer is the subset of pgxpool.Pool used by PGJobLog
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGJobLog stores the job log in Postgres
type PGJobLog struct {
	db Execer
}

func NewPGJobLog(db Execer) *PGJobLog {
	return &PGJobLog{db: db}
}

func (l *PGJobLog) RecordFailure(ctx context.Context, f FailedJob) error {
	_, err := l.db.Exec(ctx, `
		INSERT INTO basket.failed_jobs(job_id, name, args, error, trace, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		f.JobID, f.Name, jsonArg(f.Args), f.Error, f.Trace, f.FailedAt)
	if err != nil {
		return fmt.Errorf("insert failed job %s: %w", f.JobID, err)
	}
	return nil
}

func (l *PGJobLog) RecordQueued(ctx context.Context, q QueuedJob) error {
	_, err := l.db.Exec(ctx, `
		INSERT INTO basket.queued_jobs(name, args, queued_at)
		VALUES ($1, $2, $3)`,
		q.Name, jsonArg(q.Args), q.QueuedAt)
	if err != nil {
		return fmt.Errorf("insert queued job %s: %w", q.Name, err)
	}
	return nil
}

// jsonArg keeps empty args as SQL NULL rather than an invalid jsonb literal
func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// errorTrace renders the wrap chain of err, outermost first
func errorTrace(err error) string {
	var b strings.Builder
	for depth := 0; err != nil && depth < 16; depth++ {
		if depth > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%T: %v", err, err)
		err = errors.Unwrap(err)
	}
	return b.String()
}
