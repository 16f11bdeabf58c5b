package postgres

import (
	"context"
	"fmt"

	"github.com/annolab/anny/internal/pkg/persistence"
	"github.com/jackc/pgx/v5"
)

// UpsertAnnotation saves the (unit, coder) record, replacing a previous
// submission in place. A DONE annotation stays DONE even if the client
// resubmits it as in progress
func (db *DB) UpsertAnnotation(ctx context.Context, ann *persistence.Annotation) error {
	_, err := db.pool.Exec(ctx, `INSERT INTO annotations(unit_id, coder_id, job_id, payload, status, modified)
	VALUES($1, $2, $3, $4, $5, now())
	ON CONFLICT (unit_id, coder_id) DO UPDATE SET
	payload = EXCLUDED.payload,
	status = CASE WHEN annotations.status = 'DONE' THEN 'DONE' ELSE EXCLUDED.status END,
	modified = now()`, ann.UnitID, ann.CoderID, ann.JobID, ann.Payload, ann.Status)
	if err != nil {
		return fmt.Errorf("can't upsert annotation: %w", err)
	}
	return nil
}

// LoadAnnotation loads the coder's annotation for the unit, nil if none
func (db *DB) LoadAnnotation(ctx context.Context, unitID, coderID string) (*persistence.Annotation, error) {
	var res persistence.Annotation
	err := db.pool.QueryRow(ctx, `SELECT unit_id, coder_id, job_id, payload, status, modified FROM annotations
	WHERE unit_id = $1 AND coder_id = $2`, unitID, coderID).Scan(&res.UnitID, &res.CoderID, &res.JobID,
		&res.Payload, &res.Status, &res.Modified)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("can't load annotation: %w", err)
	}
	return &res, nil
}

// CoderAnnotations loads all the coder's annotations within the job
func (db *DB) CoderAnnotations(ctx context.Context, jobID, coderID string) ([]persistence.Annotation, error) {
	rows, err := db.pool.Query(ctx, `SELECT unit_id, coder_id, job_id, payload, status, modified FROM annotations
	WHERE job_id = $1 AND coder_id = $2`, jobID, coderID)
	if err != nil {
		return nil, fmt.Errorf("can't select annotations: %w", err)
	}
	defer rows.Close()
	res := []persistence.Annotation{}
	for rows.Next() {
		var a persistence.Annotation
		if err := rows.Scan(&a.UnitID, &a.CoderID, &a.JobID, &a.Payload, &a.Status, &a.Modified); err != nil {
			return nil, fmt.Errorf("can't scan annotation: %w", err)
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UnitAnnotationCounts returns how many annotations each unit of the job received
func (db *DB) UnitAnnotationCounts(ctx context.Context, jobID string) (map[string]int, error) {
	rows, err := db.pool.Query(ctx, `SELECT unit_id, count(*) FROM annotations
	WHERE job_id = $1 GROUP BY unit_id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("can't count annotations: %w", err)
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("can't scan count: %w", err)
		}
		res[id] = n
	}
	return res, rows.Err()
}

// JobAnnotations loads every annotation of the job for admin inspection
func (db *DB) JobAnnotations(ctx context.Context, jobID string) ([]persistence.JobAnnotation, error) {
	rows, err := db.pool.Query(ctx, `SELECT a.unit_id, u.position, us.email, a.payload, a.status, a.modified
	FROM annotations a
	JOIN units u ON u.id = a.unit_id
	JOIN users us ON us.id = a.coder_id
	WHERE a.job_id = $1 ORDER BY u.position, us.email`, jobID)
	if err != nil {
		return nil, fmt.Errorf("can't select annotations: %w", err)
	}
	defer rows.Close()
	res := []persistence.JobAnnotation{}
	for rows.Next() {
		var a persistence.JobAnnotation
		if err := rows.Scan(&a.UnitID, &a.Position, &a.Coder, &a.Payload, &a.Status, &a.Modified); err != nil {
			return nil, fmt.Errorf("can't scan annotation: %w", err)
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
