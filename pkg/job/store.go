package job

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vectorize-core/vectorize/internal/errs"
	"github.com/vectorize-core/vectorize/internal/logging"
)

// Store is the metadata store (C1): a thin contract over the job
// table. The registry and the worker pool are its only writers; every
// read is a single snapshot-consistent query, the same
// single-row-at-a-time shape the teacher's CreateCollection/
// GetCollection/ListCollections/DeleteCollection use.
type Store struct {
	pool *pgxpool.Pool
	log  logging.Logger
}

func NewStore(pool *pgxpool.Pool, log logging.Logger) *Store {
	if log == nil {
		log = logging.Nop()
	}
	return &Store{pool: pool, log: log}
}

// EnsureSchema creates the job table if absent. Idempotent, mirroring
// the teacher's "CREATE TABLE IF NOT EXISTS" + default-row pattern in
// createTables.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS vectorize.job (
		job_id          BIGSERIAL PRIMARY KEY,
		name            TEXT UNIQUE NOT NULL,
		job_type        TEXT NOT NULL DEFAULT 'embedding',
		transformer     TEXT NOT NULL,
		search_alg      TEXT NOT NULL,
		table_method    TEXT NOT NULL,
		schedule        TEXT NOT NULL,
		dimension       INTEGER NOT NULL,
		params          JSONB NOT NULL,
		status          TEXT NOT NULL DEFAULT 'active',
		last_completion TIMESTAMPTZ
	);
	`
	if _, err := s.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS vectorize"); err != nil {
		return errs.New(errs.Internal, "job.ensure_schema", err)
	}
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return errs.New(errs.Internal, "job.ensure_schema", err)
	}
	return nil
}

// Insert persists a new job row and returns its assigned ID.
func (s *Store) Insert(ctx context.Context, tx pgx.Tx, j *Job) (int64, error) {
	params, err := marshalParams(j)
	if err != nil {
		return 0, errs.New(errs.Internal, "job.insert", err)
	}
	var id int64
	row := tx.QueryRow(ctx, `
		INSERT INTO vectorize.job (name, transformer, search_alg, table_method, schedule, dimension, params, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING job_id
	`, j.Name, j.Transformer, string(j.SearchAlg), string(j.TableMethod), j.Schedule, j.Dimension, params, string(StatusActive))
	if err := row.Scan(&id); err != nil {
		return 0, errs.New(errs.Internal, "job.insert", err, "job", j.Name)
	}
	return id, nil
}

// Get retrieves a job by name. Returns errs.NotFound if absent.
func (s *Store) Get(ctx context.Context, name string) (*Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT job_id, name, transformer, search_alg, table_method, schedule, dimension, params, status, last_completion
		FROM vectorize.job WHERE name = $1
	`, name)
	return scanJob(row)
}

// Exists reports whether a job with the given name exists, used by
// create's "name not in use" validation.
func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM vectorize.job WHERE name = $1)", name).Scan(&exists)
	if err != nil {
		return false, errs.New(errs.Internal, "job.exists", err, "job", name)
	}
	return exists, nil
}

// Delete removes J's metadata row. The registry calls this last, once
// every derived SQL object has already been torn down.
func (s *Store) Delete(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM vectorize.job WHERE name = $1", name)
	if err != nil {
		return errs.New(errs.Internal, "job.delete", err, "job", name)
	}
	if tag.RowsAffected() == 0 {
		return errs.New(errs.NotFound, "job.delete", nil, "job", name)
	}
	return nil
}

// SetLastCompletion atomically stamps J's last successful full-table
// pass. Per DESIGN.md's Open Question resolution, only the scheduled
// sweep path calls this — realtime writebacks never touch it.
func (s *Store) SetLastCompletion(ctx context.Context, name string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, "UPDATE vectorize.job SET last_completion = $2 WHERE name = $1", name, at)
	if err != nil {
		return errs.New(errs.Internal, "job.set_last_completion", err, "job", name)
	}
	if tag.RowsAffected() == 0 {
		return errs.New(errs.NotFound, "job.set_last_completion", nil, "job", name)
	}
	return nil
}

// SetStatus atomically updates J's operational status, used when the
// worker pool detects SchemaDrift.
func (s *Store) SetStatus(ctx context.Context, name string, status Status) error {
	tag, err := s.pool.Exec(ctx, "UPDATE vectorize.job SET status = $2 WHERE name = $1", name, string(status))
	if err != nil {
		return errs.New(errs.Internal, "job.set_status", err, "job", name)
	}
	if tag.RowsAffected() == 0 {
		return errs.New(errs.NotFound, "job.set_status", nil, "job", name)
	}
	s.log.Info("job status changed", "job", name, "status", status)
	return nil
}

type paramsSnapshot struct {
	Source Source `json:"source"`
}

func marshalParams(j *Job) ([]byte, error) {
	return json.Marshal(paramsSnapshot{Source: j.Source})
}

func scanJob(row pgx.Row) (*Job, error) {
	j := &Job{}
	var searchAlg, tableMethod, status string
	var params []byte
	var lastCompletion *time.Time
	err := row.Scan(&j.ID, &j.Name, &j.Transformer, &searchAlg, &tableMethod, &j.Schedule, &j.Dimension, &params, &status, &lastCompletion)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errs.New(errs.NotFound, "job.get", err)
		}
		return nil, errs.New(errs.Internal, "job.get", err)
	}
	j.SearchAlg = Metric(searchAlg)
	j.TableMethod = TableMethod(tableMethod)
	j.Status = Status(status)
	j.Params = params
	j.LastCompletion = lastCompletion

	var snap paramsSnapshot
	if err := json.Unmarshal(params, &snap); err == nil {
		j.Source = snap.Source
	}
	return j, nil
}
