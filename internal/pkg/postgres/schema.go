package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT UNIQUE NOT NULL,
		admin BOOLEAN NOT NULL DEFAULT FALSE,
		restricted_job TEXT,
		created TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS codingjobs (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		codebook JSONB NOT NULL,
		rules JSONB NOT NULL,
		provenance JSONB,
		restricted BOOLEAN NOT NULL DEFAULT FALSE,
		archived BOOLEAN NOT NULL DEFAULT FALSE,
		creator_id TEXT NOT NULL REFERENCES users(id),
		created TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS units (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL REFERENCES codingjobs(id),
		position INT NOT NULL,
		payload JSONB NOT NULL,
		gold JSONB,
		UNIQUE (job_id, position)
	)`,
	`CREATE TABLE IF NOT EXISTS job_users (
		job_id TEXT NOT NULL REFERENCES codingjobs(id),
		user_id TEXT NOT NULL REFERENCES users(id),
		can_code BOOLEAN NOT NULL DEFAULT TRUE,
		PRIMARY KEY (job_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS annotations (
		unit_id TEXT NOT NULL REFERENCES units(id),
		coder_id TEXT NOT NULL REFERENCES users(id),
		job_id TEXT NOT NULL REFERENCES codingjobs(id),
		payload JSONB NOT NULL,
		status TEXT NOT NULL DEFAULT 'DONE',
		modified TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (unit_id, coder_id)
	)`,
	`CREATE INDEX IF NOT EXISTS annotations_job_coder_idx ON annotations(job_id, coder_id)`,
	// gue queue storage
	`CREATE TABLE IF NOT EXISTS gue_jobs (
		job_id TEXT PRIMARY KEY,
		priority SMALLINT NOT NULL,
		run_at TIMESTAMPTZ NOT NULL,
		job_type TEXT NOT NULL,
		args BYTEA NOT NULL,
		error_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		queue TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_gue_jobs_selector ON gue_jobs (queue, run_at, priority)`,
}

// InitSchema creates missing tables. Safe to run on every start
func InitSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, s := range schema {
		if _, err := pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("can't init schema: %w", err)
		}
	}
	return nil
}
