package postgres

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/annolab/anny/internal/pkg/persistence"
	"github.com/annolab/anny/internal/pkg/utils"
	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/airenas/go-app/pkg/goapp"
)

// DB provides operations with postgresql
type DB struct {
	pool *pgxpool.Pool
}

// NewDB creates DB instance
func NewDB(pool *pgxpool.Pool) (*DB, error) {
	if pool == nil {
		return nil, fmt.Errorf("no pool")
	}
	return &DB{pool: pool}, nil
}

// NewPool connects to postgresql, retrying for a while on startup races with the db container
func NewPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	dbConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("can't parse db config: %w", err)
	}
	goapp.Log.Info().Int32("max_conn", dbConfig.MaxConns).Int32("min_conn", dbConfig.MinConns).Msg("db info")
	pool, err := pgxpool.NewWithConfig(ctx, dbConfig)
	if err != nil {
		return nil, fmt.Errorf("can't init db pool: %w", err)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(func() error { return pool.Ping(ctx) }, bo); err != nil {
		pool.Close()
		return nil, fmt.Errorf("can't ping db: %w", err)
	}
	return pool, nil
}

// InsertJob saves the job and its unit batch in one transaction.
// Units get their stable position from the slice order
func (db *DB) InsertJob(ctx context.Context, job *persistence.CodingJob, units []persistence.Unit) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("can't begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `INSERT INTO codingjobs(id, title, codebook, rules, provenance, restricted, creator_id, created)
	VALUES($1, $2, $3, $4, $5, $6, $7, $8)`, job.ID, job.Title, job.Codebook, job.Rules,
		job.Provenance, job.Restricted, job.CreatorID, job.Created)
	if err != nil {
		return fmt.Errorf("can't insert codingjob: %w", err)
	}
	rows := make([][]interface{}, 0, len(units))
	for i, u := range units {
		rows = append(rows, []interface{}{u.ID, job.ID, i, u.Payload, u.Gold})
	}
	_, err = tx.CopyFrom(ctx, pgx.Identifier{"units"},
		[]string{"id", "job_id", "position", "payload", "gold"}, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("can't insert units: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("can't commit: %w", err)
	}
	return nil
}

// LoadJob loads job from DB
func (db *DB) LoadJob(ctx context.Context, id string) (*persistence.CodingJob, error) {
	var res persistence.CodingJob
	err := db.pool.QueryRow(ctx, `SELECT id, title, codebook, rules, provenance, restricted, archived, creator_id, created
	FROM codingjobs WHERE id = $1`, id).Scan(&res.ID, &res.Title, &res.Codebook, &res.Rules,
		&res.Provenance, &res.Restricted, &res.Archived, &res.CreatorID, &res.Created)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("job %s: %w", id, utils.ErrNotFound)
		}
		return nil, fmt.Errorf("can't load job: %w", err)
	}
	return &res, nil
}

// ListJobsForCoder loads active jobs the coder may work: open jobs plus
// restricted ones granted via job_users. A coder restricted to one job sees only that job
func (db *DB) ListJobsForCoder(ctx context.Context, user *persistence.User) ([]persistence.JobWithCreator, error) {
	var rows pgx.Rows
	var err error
	q := `SELECT j.id, j.title, j.codebook, j.rules, j.provenance, j.restricted, j.archived, j.creator_id, j.created, u.email
	FROM codingjobs j JOIN users u ON u.id = j.creator_id`
	if user.RestrictedJob.Valid {
		rows, err = db.pool.Query(ctx, q+` WHERE j.id = $1 AND NOT j.archived`, user.RestrictedJob.String)
	} else {
		rows, err = db.pool.Query(ctx, q+` WHERE NOT j.archived AND (NOT j.restricted
		OR EXISTS (SELECT 1 FROM job_users ju WHERE ju.job_id = j.id AND ju.user_id = $1 AND ju.can_code))
		ORDER BY j.created`, user.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("can't select jobs: %w", err)
	}
	defer rows.Close()
	res := []persistence.JobWithCreator{}
	for rows.Next() {
		var j persistence.JobWithCreator
		if err := rows.Scan(&j.ID, &j.Title, &j.Codebook, &j.Rules, &j.Provenance,
			&j.Restricted, &j.Archived, &j.CreatorID, &j.Created, &j.CreatorEmail); err != nil {
			return nil, fmt.Errorf("can't scan job: %w", err)
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// ListUnits loads the job's units
func (db *DB) ListUnits(ctx context.Context, jobID string) ([]persistence.Unit, error) {
	rows, err := db.pool.Query(ctx, `SELECT id, job_id, position, payload, gold FROM units
	WHERE job_id = $1 ORDER BY position`, jobID)
	if err != nil {
		return nil, fmt.Errorf("can't select units: %w", err)
	}
	defer rows.Close()
	res := []persistence.Unit{}
	for rows.Next() {
		var u persistence.Unit
		if err := rows.Scan(&u.ID, &u.JobID, &u.Position, &u.Payload, &u.Gold); err != nil {
			return nil, fmt.Errorf("can't scan unit: %w", err)
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// LoadUnit loads one unit, failing with not found if it is not part of the job
func (db *DB) LoadUnit(ctx context.Context, jobID, unitID string) (*persistence.Unit, error) {
	var res persistence.Unit
	err := db.pool.QueryRow(ctx, `SELECT id, job_id, position, payload, gold FROM units
	WHERE job_id = $1 AND id = $2`, jobID, unitID).Scan(&res.ID, &res.JobID, &res.Position, &res.Payload, &res.Gold)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("unit %s: %w", unitID, utils.ErrNotFound)
		}
		return nil, fmt.Errorf("can't load unit: %w", err)
	}
	return &res, nil
}

// LoadUnitByIndex loads the unit at the ordinal position within the job
func (db *DB) LoadUnitByIndex(ctx context.Context, jobID string, index int) (*persistence.Unit, error) {
	var res persistence.Unit
	err := db.pool.QueryRow(ctx, `SELECT id, job_id, position, payload, gold FROM units
	WHERE job_id = $1 AND position = $2`, jobID, index).Scan(&res.ID, &res.JobID, &res.Position, &res.Payload, &res.Gold)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("unit %s[%d]: %w", jobID, index, utils.ErrNotFound)
		}
		return nil, fmt.Errorf("can't load unit: %w", err)
	}
	return &res, nil
}

// Live returns no error if db is reachable and initialized
func (db *DB) Live(ctx context.Context) error {
	var exists bool
	if err := db.pool.QueryRow(ctx, `SELECT EXISTS (SELECT FROM pg_tables WHERE tablename = 'codingjobs')`).Scan(&exists); err != nil {
		return fmt.Errorf("can't check table: %w", err)
	}
	if !exists {
		return fmt.Errorf("no schema")
	}
	return nil
}

// LockJobCoder takes a cross process advisory lock scoped to (job, coder).
// The returned func releases the lock together with its db session
func (db *DB) LockJobCoder(ctx context.Context, jobID, coderID string) (func(), error) {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("can't acquire conn: %w", err)
	}
	key := lockKey(jobID, coderID)
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		conn.Release()
		return nil, fmt.Errorf("can't lock: %w", err)
	}
	return func() {
		ctxu, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxu, `SELECT pg_advisory_unlock($1)`, key); err != nil {
			goapp.Log.Error().Err(err).Msg("can't unlock")
		}
		conn.Release()
	}, nil
}

func lockKey(jobID, coderID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(jobID))
	_, _ = h.Write([]byte{'/'})
	_, _ = h.Write([]byte(coderID))
	return int64(h.Sum64())
}
