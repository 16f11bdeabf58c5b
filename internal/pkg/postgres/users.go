package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/annolab/anny/internal/pkg/persistence"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// LoadUser loads user by email, nil if absent
func (db *DB) LoadUser(ctx context.Context, email string) (*persistence.User, error) {
	var res persistence.User
	err := db.pool.QueryRow(ctx, `SELECT id, email, admin, restricted_job, created FROM users
	WHERE email = $1`, email).Scan(&res.ID, &res.Email, &res.Admin, &res.RestrictedJob, &res.Created)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("can't load user: %w", err)
	}
	return &res, nil
}

// InsertUser inserts user into DB
func (db *DB) InsertUser(ctx context.Context, user *persistence.User) error {
	_, err := db.pool.Exec(ctx, `INSERT INTO users(id, email, admin, restricted_job, created)
	VALUES($1, $2, $3, $4, $5)`, user.ID, user.Email, user.Admin, user.RestrictedJob, user.Created)
	if err != nil {
		return fmt.Errorf("can't insert user: %w", err)
	}
	return nil
}

// ListUsers loads all users
func (db *DB) ListUsers(ctx context.Context) ([]persistence.User, error) {
	rows, err := db.pool.Query(ctx, `SELECT id, email, admin, restricted_job, created FROM users ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("can't select users: %w", err)
	}
	defer rows.Close()
	res := []persistence.User{}
	for rows.Next() {
		var u persistence.User
		if err := rows.Scan(&u.ID, &u.Email, &u.Admin, &u.RestrictedJob, &u.Created); err != nil {
			return nil, fmt.Errorf("can't scan user: %w", err)
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// LoadJobUser loads the access record for (job, user), nil if absent
func (db *DB) LoadJobUser(ctx context.Context, jobID, userID string) (*persistence.JobUser, error) {
	var res persistence.JobUser
	err := db.pool.QueryRow(ctx, `SELECT job_id, user_id, can_code FROM job_users
	WHERE job_id = $1 AND user_id = $2`, jobID, userID).Scan(&res.JobID, &res.UserID, &res.CanCode)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("can't load job user: %w", err)
	}
	return &res, nil
}

// SetJobCoders grants coding on the job to exactly the given emails.
// Unknown emails become coder records, grants for emails not in the
// list are revoked by flipping can_code off, history stays
func (db *DB) SetJobCoders(ctx context.Context, jobID string, emails []string) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("can't begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ids := make([]string, 0, len(emails))
	for _, email := range emails {
		var id string
		err := tx.QueryRow(ctx, `SELECT id FROM users WHERE email = $1`, email).Scan(&id)
		if err == pgx.ErrNoRows {
			id = uuid.NewString()
			if _, err := tx.Exec(ctx, `INSERT INTO users(id, email, admin, created) VALUES($1, $2, FALSE, $3)`,
				id, email, time.Now()); err != nil {
				return fmt.Errorf("can't insert user: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("can't load user: %w", err)
		}
		ids = append(ids, id)
	}
	if _, err := tx.Exec(ctx, `UPDATE job_users SET can_code = FALSE
	WHERE job_id = $1 AND user_id != ALL($2)`, jobID, ids); err != nil {
		return fmt.Errorf("can't revoke coders: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.Exec(ctx, `INSERT INTO job_users(job_id, user_id, can_code) VALUES($1, $2, TRUE)
		ON CONFLICT (job_id, user_id) DO UPDATE SET can_code = TRUE`, jobID, id); err != nil {
			return fmt.Errorf("can't grant coder: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("can't commit: %w", err)
	}
	return nil
}
