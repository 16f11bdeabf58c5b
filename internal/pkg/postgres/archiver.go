package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Archiver flags jobs as archived, which drops them from active
// listings but keeps units and annotations
type Archiver struct {
	pool *pgxpool.Pool
}

// NewArchiver creates Archiver instance
func NewArchiver(pool *pgxpool.Pool) (*Archiver, error) {
	if pool == nil {
		return nil, fmt.Errorf("no pool")
	}
	return &Archiver{pool: pool}, nil
}

// Clean archives one job by ID
func (a *Archiver) Clean(ctx context.Context, id string) error {
	cmd, err := a.pool.Exec(ctx, `UPDATE codingjobs SET archived = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("can't archive %s: %w", id, err)
	}
	goapp.Log.Info().Str("ID", id).Int64("rows", cmd.RowsAffected()).Msg("archived")
	return nil
}

// IdleJobsProvider selects active jobs without recent annotation activity
type IdleJobsProvider struct {
	pool         *pgxpool.Pool
	expiresAfter time.Duration
}

// NewIdleJobsProvider creates IdleJobsProvider instance
func NewIdleJobsProvider(pool *pgxpool.Pool, expiresAfter time.Duration) (*IdleJobsProvider, error) {
	if pool == nil {
		return nil, fmt.Errorf("no pool")
	}
	return &IdleJobsProvider{pool: pool, expiresAfter: expiresAfter}, nil
}

// GetExpired returns IDs of jobs whose last annotation (or creation, if never
// annotated) is older than the configured expiry
func (p *IdleJobsProvider) GetExpired(ctx context.Context) ([]string, error) {
	exp := time.Now().Add(-p.expiresAfter)
	goapp.Log.Info().Time("older than", exp).Msg("selecting idle jobs...")
	rows, err := p.pool.Query(ctx, `SELECT j.id FROM codingjobs j
	WHERE NOT j.archived
	AND COALESCE((SELECT max(a.modified) FROM annotations a WHERE a.job_id = j.id), j.created) < $1`, exp)
	if err != nil {
		return nil, fmt.Errorf("can't select IDs: %w", err)
	}
	defer rows.Close()

	res := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("can't retrieve IDs: %w", err)
		}
		res = append(res, id)
	}
	return res, rows.Err()
}
