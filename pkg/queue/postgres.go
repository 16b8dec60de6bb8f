package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vectorize-core/vectorize/internal/errs"
	"github.com/vectorize-core/vectorize/internal/logging"
	"github.com/vectorize-core/vectorize/internal/metrics"
)

// PostgresQueue is the primary queue backend per DESIGN.md's Open
// Question resolution: one shared table, partitioned by queue_name,
// claimed with SELECT ... FOR UPDATE SKIP LOCKED so concurrent workers
// never contend on the same row.
type PostgresQueue struct {
	pool *pgxpool.Pool
	log  logging.Logger
}

func NewPostgresQueue(pool *pgxpool.Pool, log logging.Logger) *PostgresQueue {
	if log == nil {
		log = logging.Nop()
	}
	return &PostgresQueue{pool: pool, log: log}
}

// EnsureSchema creates the shared message table. Called once at
// startup; EnsureQueue below is then a per-job no-op since every job
// shares this one table, partitioned logically by queue_name.
func (q *PostgresQueue) EnsureSchema(ctx context.Context) error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS vectorize.queue_message (
		msg_id       UUID PRIMARY KEY,
		queue_name   TEXT NOT NULL,
		job_name     TEXT NOT NULL,
		primary_keys TEXT[] NOT NULL,
		source       TEXT NOT NULL,
		attempts     INTEGER NOT NULL DEFAULT 0,
		enqueued_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		visible_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_queue_message_visible ON vectorize.queue_message (queue_name, visible_at);

	CREATE TABLE IF NOT EXISTS vectorize.queue_dead_letter (
		msg_id       UUID PRIMARY KEY,
		queue_name   TEXT NOT NULL,
		job_name     TEXT NOT NULL,
		primary_keys TEXT[] NOT NULL,
		reason       TEXT NOT NULL,
		attempts     INTEGER NOT NULL,
		archived_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	`
	_, err := q.pool.Exec(ctx, ddl)
	if err != nil {
		return errs.New(errs.Internal, "queue.ensure_schema", err)
	}
	return nil
}

// EnsureQueue is a no-op: every job shares the one queue_message
// table, distinguished by queue_name. Kept on the interface so the
// registry's provisioning step is backend-agnostic.
func (q *PostgresQueue) EnsureQueue(ctx context.Context, name string) error { return nil }

// DeleteQueue removes every message belonging to name, visible or not.
func (q *PostgresQueue) DeleteQueue(ctx context.Context, name string) error {
	_, err := q.pool.Exec(ctx, "DELETE FROM vectorize.queue_message WHERE queue_name = $1", name)
	if err != nil {
		return errs.New(errs.Internal, "queue.delete_queue", err, "queue", name)
	}
	return nil
}

func (q *PostgresQueue) Send(ctx context.Context, queueName, jobName string, primaryKeys []string, source string) error {
	if len(primaryKeys) == 0 {
		return nil
	}
	_, err := q.pool.Exec(ctx, `
		INSERT INTO vectorize.queue_message (msg_id, queue_name, job_name, primary_keys, source)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New(), queueName, jobName, primaryKeys, source)
	if err != nil {
		return errs.New(errs.Internal, "queue.send", err, "queue", queueName)
	}
	return nil
}

// Read claims up to n messages whose visible_at has passed, pushing
// their visibility out by vt so no other reader claims them
// concurrently. FOR UPDATE SKIP LOCKED is what makes concurrent
// workers safe: a row another transaction already has locked is
// simply skipped rather than blocked on.
func (q *PostgresQueue) Read(ctx context.Context, queueName string, n int, vt time.Duration) ([]Message, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, errs.New(errs.Internal, "queue.read", err, "queue", queueName)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT msg_id, job_name, primary_keys, source, attempts, enqueued_at
		FROM vectorize.queue_message
		WHERE queue_name = $1 AND visible_at <= now()
		ORDER BY enqueued_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, queueName, n)
	if err != nil {
		return nil, errs.New(errs.Internal, "queue.read", err, "queue", queueName)
	}

	var msgs []Message
	var ids []string
	for rows.Next() {
		var m Message
		var id string
		if err := rows.Scan(&id, &m.JobName, &m.PrimaryKeys, &m.Source, &m.Attempts, &m.EnqueuedAt); err != nil {
			rows.Close()
			return nil, errs.New(errs.Internal, "queue.read", err, "queue", queueName)
		}
		m.ID = id
		msgs = append(msgs, m)
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(ids) > 0 {
		_, err = tx.Exec(ctx, `
			UPDATE vectorize.queue_message SET visible_at = now() + $2, attempts = attempts + 1
			WHERE msg_id = ANY($1::uuid[])
		`, ids, vt)
		if err != nil {
			return nil, errs.New(errs.Internal, "queue.read", err, "queue", queueName)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errs.New(errs.Internal, "queue.read", err, "queue", queueName)
	}

	metrics.MessagesRead.WithLabelValues(queueName).Add(float64(len(msgs)))
	for i := range msgs {
		msgs[i].Attempts++
	}
	return msgs, nil
}

func (q *PostgresQueue) Postpone(ctx context.Context, queueName, msgID string, d time.Duration) error {
	_, err := q.pool.Exec(ctx, "UPDATE vectorize.queue_message SET visible_at = now() + $3 WHERE msg_id = $1 AND queue_name = $2", msgID, queueName, d)
	if err != nil {
		return errs.New(errs.Internal, "queue.postpone", err, "queue", queueName)
	}
	return nil
}

func (q *PostgresQueue) Delete(ctx context.Context, queueName, msgID string) error {
	tag, err := q.pool.Exec(ctx, "DELETE FROM vectorize.queue_message WHERE msg_id = $1 AND queue_name = $2", msgID, queueName)
	if err != nil {
		return errs.New(errs.Internal, "queue.delete", err, "queue", queueName)
	}
	if tag.RowsAffected() > 0 {
		metrics.MessagesDeleted.WithLabelValues(queueName).Inc()
	}
	return nil
}

func (q *PostgresQueue) Archive(ctx context.Context, queueName, msgID, reason string) error {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return errs.New(errs.Internal, "queue.archive", err, "queue", queueName)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		DELETE FROM vectorize.queue_message WHERE msg_id = $1 AND queue_name = $2
		RETURNING job_name, primary_keys, attempts
	`, msgID, queueName)
	var jobName string
	var pks []string
	var attempts int
	if err := row.Scan(&jobName, &pks, &attempts); err != nil {
		if err == pgx.ErrNoRows {
			return nil
		}
		return errs.New(errs.Internal, "queue.archive", err, "queue", queueName)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO vectorize.queue_dead_letter (msg_id, queue_name, job_name, primary_keys, reason, attempts)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, msgID, queueName, jobName, pks, reason, attempts)
	if err != nil {
		return errs.New(errs.Internal, "queue.archive", err, "queue", queueName)
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.New(errs.Internal, "queue.archive", err, "queue", queueName)
	}
	metrics.MessagesArchived.WithLabelValues(queueName, reason).Inc()
	return nil
}

func (q *PostgresQueue) Depth(ctx context.Context, queueName string) (int64, error) {
	var depth int64
	err := q.pool.QueryRow(ctx, "SELECT count(*) FROM vectorize.queue_message WHERE queue_name = $1 AND visible_at <= now()", queueName).Scan(&depth)
	if err != nil {
		return 0, errs.New(errs.Internal, "queue.depth", err, "queue", queueName)
	}
	metrics.QueueDepth.WithLabelValues(queueName).Set(float64(depth))
	return depth, nil
}
