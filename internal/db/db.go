package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect establishes a connection pool to the database and returns the pool
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	// Parse config from DSN
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if maxConns <= 0 {
		maxConns = 10
	}
	cfg.MaxConns = maxConns
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	// Ping the database to verify connection
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Execer is the subset of pgxpool.Pool used by Migrate
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type statement struct {
	name string
	sql  string
}

// schema is applied in order; every statement is idempotent
var schema = []statement{
	{name: "schema basket", sql: `CREATE SCHEMA IF NOT EXISTS basket`},
	{name: "table failed_jobs", sql: `
		CREATE TABLE IF NOT EXISTS basket.failed_jobs (
			id        BIGSERIAL PRIMARY KEY,
			job_id    TEXT NOT NULL,
			name      TEXT NOT NULL,
			args      JSONB,
			error     TEXT NOT NULL,
			trace     TEXT NOT NULL DEFAULT '',
			failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`},
	{name: "index failed_jobs_failed_at", sql: `
		CREATE INDEX IF NOT EXISTS failed_jobs_failed_at_idx ON basket.failed_jobs (failed_at)`},
	{name: "table queued_jobs", sql: `
		CREATE TABLE IF NOT EXISTS basket.queued_jobs (
			id        BIGSERIAL PRIMARY KEY,
			name      TEXT NOT NULL,
			args      JSONB,
			queued_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`},
	{name: "table newsletters", sql: `
		CREATE TABLE IF NOT EXISTS basket.newsletters (
			slug                  TEXT PRIMARY KEY,
			vendor_field          TEXT NOT NULL DEFAULT '',
			languages             TEXT[] NOT NULL DEFAULT '{}',
			requires_double_optin BOOLEAN NOT NULL DEFAULT false,
			welcome               TEXT NOT NULL DEFAULT '',
			confirm_message       TEXT NOT NULL DEFAULT '',
			active                BOOLEAN NOT NULL DEFAULT true
		)`},
	{name: "table newsletter_groups", sql: `
		CREATE TABLE IF NOT EXISTS basket.newsletter_groups (
			slug        TEXT PRIMARY KEY,
			newsletters TEXT[] NOT NULL DEFAULT '{}',
			active      BOOLEAN NOT NULL DEFAULT true
		)`},
}

// Migrate creates the basket schema if it is missing
func Migrate(ctx context.Context, db Execer) error {
	for _, s := range schema {
		if _, err := db.Exec(ctx, s.sql); err != nil {
			return fmt.Errorf("migrate %s: %w", s.name, err)
		}
	}
	return nil
}
