// Package postgres persists crawl results to Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the connection pool and the tables results land in.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	JobTable        string        `mapstructure:"job_table"`
	BatchTable      string        `mapstructure:"batch_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// ResultStore is an OutputSink writing one row per job and one per batch.
type ResultStore struct {
	pool       execCloser
	jobTable   string
	batchTable string
}

// NewResultStore connects a pool using cfg.
func NewResultStore(ctx context.Context, cfg Config) (*ResultStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}
	jobs, batches, err := tableNames(cfg.JobTable, cfg.BatchTable)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ResultStore{pool: pool, jobTable: jobs, batchTable: batches}, nil
}

// NewResultStoreWithPool builds a store over an existing pool.
func NewResultStoreWithPool(pool execCloser, jobTable, batchTable string) (*ResultStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	jobs, batches, err := tableNames(jobTable, batchTable)
	if err != nil {
		return nil, err
	}
	return &ResultStore{pool: pool, jobTable: jobs, batchTable: batches}, nil
}

func tableNames(jobs, batches string) (string, string, error) {
	if jobs == "" {
		jobs = "crawl_jobs"
	}
	if batches == "" {
		batches = "crawl_batches"
	}
	for _, name := range []string{jobs, batches} {
		if !validTableName.MatchString(name) {
			return "", "", fmt.Errorf("invalid table name %q", name)
		}
	}
	return jobs, batches, nil
}

// Close releases the pool.
func (s *ResultStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// SaveJobResult upserts the job row keyed by job id.
func (s *ResultStore) SaveJobResult(ctx context.Context, result crawler.JobResult) (string, error) {
	if result.JobID == "" {
		return "", fmt.Errorf("job id is required")
	}
	docs, err := json.Marshal(nonNil(result.Documents))
	if err != nil {
		return "", fmt.Errorf("marshal documents: %w", err)
	}
	errs, err := json.Marshal(nonNil(result.Errors))
	if err != nil {
		return "", fmt.Errorf("marshal errors: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	job_id,
	batch_id,
	target_id,
	target_name,
	state,
	documents,
	errors,
	pages_visited,
	started_at,
	finished_at,
	duration_ms
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)
ON CONFLICT (job_id) DO UPDATE SET
	state = EXCLUDED.state,
	documents = EXCLUDED.documents,
	errors = EXCLUDED.errors,
	pages_visited = EXCLUDED.pages_visited,
	finished_at = EXCLUDED.finished_at,
	duration_ms = EXCLUDED.duration_ms`, s.jobTable)

	args := []any{
		result.JobID,
		result.BatchID,
		result.TargetID,
		result.TargetName,
		string(result.State),
		docs,
		errs,
		result.PagesVisited,
		result.StartedAt,
		result.FinishedAt,
		result.Duration.Milliseconds(),
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return "", fmt.Errorf("insert job result: %w", err)
	}
	return fmt.Sprintf("postgres://%s/%s", s.jobTable, result.JobID), nil
}

// SaveBatchResult writes the batch summary row. Job rows are written by
// SaveJobResult; the batch row only references their ids.
func (s *ResultStore) SaveBatchResult(ctx context.Context, results []crawler.JobResult, batchID string) (string, error) {
	if batchID == "" {
		return "", fmt.Errorf("batch id is required")
	}
	var successful, failed, cancelled, documents int
	jobIDs := make([]string, 0, len(results))
	for _, r := range results {
		jobIDs = append(jobIDs, r.JobID)
		documents += len(r.Documents)
		switch r.State {
		case crawler.JobCompleted:
			successful++
		case crawler.JobCancelled:
			cancelled++
		default:
			failed++
		}
	}
	ids, err := json.Marshal(jobIDs)
	if err != nil {
		return "", fmt.Errorf("marshal job ids: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	batch_id,
	total,
	successful,
	failed,
	cancelled,
	documents,
	job_ids
) VALUES (
	$1,$2,$3,$4,$5,$6,$7
)
ON CONFLICT (batch_id) DO UPDATE SET
	total = EXCLUDED.total,
	successful = EXCLUDED.successful,
	failed = EXCLUDED.failed,
	cancelled = EXCLUDED.cancelled,
	documents = EXCLUDED.documents,
	job_ids = EXCLUDED.job_ids`, s.batchTable)

	if _, err := s.pool.Exec(ctx, query, batchID, len(results), successful, failed, cancelled, documents, ids); err != nil {
		return "", fmt.Errorf("insert batch result: %w", err)
	}
	return fmt.Sprintf("postgres://%s/%s", s.batchTable, batchID), nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
