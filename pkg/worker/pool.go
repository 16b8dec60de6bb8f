// Package worker implements the worker pool (C6): batch dequeue,
// group-by-job, fetch source text, embed, write back, delete message.
package worker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/vectorize-core/vectorize/internal/errs"
	"github.com/vectorize-core/vectorize/internal/logging"
	"github.com/vectorize-core/vectorize/internal/metrics"
	"github.com/vectorize-core/vectorize/internal/vectorcodec"
	"github.com/vectorize-core/vectorize/pkg/embedding"
	"github.com/vectorize-core/vectorize/pkg/job"
	"github.com/vectorize-core/vectorize/pkg/queue"
)

const (
	minBackoff = 1 * time.Second
	maxBackoff = 60 * time.Second
	jitterFrac = 0.2
)

// Pool runs n worker goroutines, each looping: read a batch from the
// queue, group it by job, fetch text, embed, write back, delete the
// message (or archive it on a permanent failure).
type Pool struct {
	pool    *pgxpool.Pool
	queue   queue.Queue
	jobs    *job.Store
	embed   *embedding.Registry
	log     logging.Logger
	n       int
	batch   int
	vt      time.Duration
	maxTry  int
}

func NewPool(pool *pgxpool.Pool, q queue.Queue, jobs *job.Store, embed *embedding.Registry, log logging.Logger, n, batch int, vt time.Duration, maxAttempts int) *Pool {
	if log == nil {
		log = logging.Nop()
	}
	if n <= 0 {
		n = 1
	}
	return &Pool{pool: pool, queue: q, jobs: jobs, embed: embed, log: log, n: n, batch: batch, vt: vt, maxTry: maxAttempts}
}

// Run blocks until ctx is canceled, running n workers against every
// known job's queue in round-robin. A real deployment would drive
// this per-job-queue via a watch on vectorize.job; here each worker
// iteration re-lists active jobs so newly created ones are picked up
// without a restart.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.n; i++ {
		g.Go(func() error {
			return p.workerLoop(ctx)
		})
	}
	return g.Wait()
}

func (p *Pool) workerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		names, err := p.activeQueueNames(ctx)
		if err != nil {
			p.log.Error("listing active jobs failed", "err", err)
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
			continue
		}

		didWork := false
		for _, qname := range names {
			n, err := p.processBatch(ctx, qname)
			if err != nil {
				p.log.Error("batch processing failed", "queue", qname, "err", err)
			}
			if n > 0 {
				didWork = true
			}
		}
		if !didWork {
			if !sleepCtx(ctx, 500*time.Millisecond) {
				return nil
			}
		}
	}
}

func (p *Pool) activeQueueNames(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, "SELECT name FROM vectorize.job")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, "vectorize_queue_"+n)
	}
	return names, rows.Err()
}

// processBatch reads one batch from qname, groups it by job (a
// shared-table queue can in principle mix jobs; in practice each
// queue name belongs to exactly one job, but grouping stays defensive),
// embeds, writes back, and acks. Returns how many messages it handled.
func (p *Pool) processBatch(ctx context.Context, qname string) (int, error) {
	msgs, err := p.queue.Read(ctx, qname, p.batch, p.vt)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	byJob := make(map[string][]queue.Message)
	for _, m := range msgs {
		byJob[m.JobName] = append(byJob[m.JobName], m)
	}

	for jobName, group := range byJob {
		p.processJobGroup(ctx, qname, jobName, group)
	}
	return len(msgs), nil
}

func (p *Pool) processJobGroup(ctx context.Context, qname, jobName string, group []queue.Message) {
	j, err := p.jobs.Get(ctx, jobName)
	if err != nil {
		p.log.Error("job lookup failed, archiving batch", "job", jobName, "err", err)
		for _, m := range group {
			_ = p.queue.Archive(ctx, qname, m.ID, "job_not_found")
		}
		return
	}

	provider, err := p.embed.Get(j.Transformer)
	if err != nil {
		p.log.Error("transformer lookup failed", "job", jobName, "err", err)
		return
	}

	pks := flattenKeys(group)
	found, err := p.fetchText(ctx, j, pks)
	if err != nil {
		if errs.Is(err, errs.SchemaDrift) {
			p.markDegraded(ctx, j)
		}
		p.log.Error("fetch text failed", "job", jobName, "err", err)
		return
	}

	// Rows whose source pk no longer exists (deleted) or whose
	// text_columns concatenate to nothing get no embedding call and
	// no writeback: the source row is gone, or its embedding must be
	// null and excluded from semantic top-K. Either way, any existing
	// embedding for that pk is stale and is cleared rather than left
	// behind.
	embedPKs, embedTexts, clearPKs := partitionByText(pks, found)
	if len(clearPKs) > 0 {
		if err := p.clearEmbeddings(ctx, j, clearPKs); err != nil {
			p.log.Warn("clearing embeddings for deleted/empty rows failed", "job", jobName, "err", err)
		}
	}

	if len(embedPKs) > 0 {
		step := provider.MaxBatch()
		if step <= 0 {
			step = len(embedTexts)
		}
		var vectors [][]float32
		var err error
		start := time.Now()
		for lo := 0; lo < len(embedTexts) && err == nil; lo += step {
			hi := lo + step
			if hi > len(embedTexts) {
				hi = len(embedTexts)
			}
			var part [][]float32
			part, err = provider.Embed(ctx, embedTexts[lo:hi])
			vectors = append(vectors, part...)
		}
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.ProviderCallSeconds.WithLabelValues(j.Transformer, outcome).Observe(time.Since(start).Seconds())

		if err != nil {
			p.handleEmbedFailure(ctx, qname, j, group, err)
			return
		}

		if writeErr := p.writeback(ctx, j, embedPKs, vectors); writeErr != nil {
			if errs.Is(writeErr, errs.SchemaDrift) {
				p.markDegraded(ctx, j)
			}
			p.log.Error("writeback failed", "job", jobName, "err", writeErr)
			return
		}
	}

	for _, m := range group {
		_ = p.queue.Delete(ctx, qname, m.ID)
	}
	p.maybeStampCompletion(ctx, j, group)
}

// handleEmbedFailure retries transient provider errors with capped
// exponential backoff and jitter by postponing each message's
// visibility by backoffFor(attempts); permanent errors, or a message
// whose attempts have reached maxTry, go straight to the dead-letter
// archive.
func (p *Pool) handleEmbedFailure(ctx context.Context, qname string, j *job.Job, group []queue.Message, err error) {
	retryable := false
	if provider, perr := p.embed.Get(j.Transformer); perr == nil {
		retryable = provider.Retryable(err)
	}
	for _, m := range group {
		if !retryable || m.Attempts >= p.maxTry {
			reason := "provider_permanent"
			if retryable {
				reason = "max_attempts_exceeded"
			}
			_ = p.queue.Archive(ctx, qname, m.ID, reason)
			continue
		}
		if err := p.queue.Postpone(ctx, qname, m.ID, backoffFor(m.Attempts)); err != nil {
			p.log.Warn("postponing retry failed", "job", j.Name, "err", err)
		}
	}
	p.log.Warn("embed call failed", "job", j.Name, "retryable", retryable, "err", err)
}

// partitionByText splits pks (in order) into ones with usable source
// text to embed and ones with no source row or empty text, given the
// map fetchText returned.
func partitionByText(pks []string, found map[string]string) (embedPKs, embedTexts, clearPKs []string) {
	for _, pk := range pks {
		text, ok := found[pk]
		switch {
		case !ok, strings.TrimSpace(text) == "":
			clearPKs = append(clearPKs, pk)
		default:
			embedPKs = append(embedPKs, pk)
			embedTexts = append(embedTexts, text)
		}
	}
	return
}

func flattenKeys(group []queue.Message) []string {
	var pks []string
	for _, m := range group {
		pks = append(pks, m.PrimaryKeys...)
	}
	return pks
}

// fetchText returns source text keyed by pk, for only the pks whose
// source row still exists. A pk absent from the result has been
// deleted since it was enqueued.
func (p *Pool) fetchText(ctx context.Context, j *job.Job, pks []string) (map[string]string, error) {
	if len(pks) == 0 {
		return nil, nil
	}
	q := fmt.Sprintf("SELECT %s::text, concat_ws(' ', %s) FROM %s.%s WHERE %s::text = ANY($1)",
		quoteIdent(j.Source.PrimaryKey), strings.Join(quoteIdents(j.Source.TextColumns), ", "),
		quoteIdent(j.Source.Schema), quoteIdent(j.Source.Relation), quoteIdent(j.Source.PrimaryKey))

	rows, err := p.pool.Query(ctx, q, pks)
	if err != nil {
		return nil, errs.New(errs.SchemaDrift, "worker.fetch_text", err, "job", j.Name)
	}
	defer rows.Close()

	byPK := make(map[string]string, len(pks))
	for rows.Next() {
		var pk, text string
		if err := rows.Scan(&pk, &text); err != nil {
			return nil, errs.New(errs.Internal, "worker.fetch_text", err, "job", j.Name)
		}
		byPK[pk] = text
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return byPK, nil
}

// clearEmbeddings removes any embedding for pks whose source row was
// deleted or whose text_columns are now empty: a join-table row is
// dropped outright, an append-table column is set back to null.
func (p *Pool) clearEmbeddings(ctx context.Context, j *job.Job, pks []string) error {
	if len(pks) == 0 {
		return nil
	}
	switch j.TableMethod {
	case job.Join:
		q := fmt.Sprintf("DELETE FROM vectorize.%s WHERE pk::text = ANY($1)", quoteIdent(j.EmbeddingsTable()))
		_, err := p.pool.Exec(ctx, q, pks)
		return err
	case job.Append:
		vecCol, tsCol := j.AppendColumns()
		q := fmt.Sprintf("UPDATE %s.%s SET %s = NULL, %s = now() WHERE %s::text = ANY($1)",
			quoteIdent(j.Source.Schema), quoteIdent(j.Source.Relation), quoteIdent(vecCol), quoteIdent(tsCol), quoteIdent(j.Source.PrimaryKey))
		_, err := p.pool.Exec(ctx, q, pks)
		return err
	}
	return nil
}

func (p *Pool) writeback(ctx context.Context, j *job.Job, pks []string, vectors [][]float32) error {
	if len(pks) != len(vectors) {
		return fmt.Errorf("worker: writeback mismatch: %d keys, %d vectors", len(pks), len(vectors))
	}
	for i, pk := range pks {
		if err := vectorcodec.Dimension(vectors[i], j.Dimension); err != nil {
			return errs.New(errs.ProviderPermanent, "worker.writeback", err, "job", j.Name, "pk", pk)
		}
		lit, err := vectorcodec.Encode(vectors[i])
		if err != nil {
			return errs.New(errs.ProviderPermanent, "worker.writeback", err, "job", j.Name)
		}

		var q string
		var args []any
		switch j.TableMethod {
		case job.Join:
			q = fmt.Sprintf(`
				INSERT INTO vectorize.%s (pk, vector, updated_at) VALUES ($1, $2, now())
				ON CONFLICT (pk) DO UPDATE SET vector = EXCLUDED.vector, updated_at = now()
			`, quoteIdent(j.EmbeddingsTable()))
			args = []any{pk, lit}
		case job.Append:
			vecCol, tsCol := j.AppendColumns()
			q = fmt.Sprintf("UPDATE %s.%s SET %s = $1, %s = now() WHERE %s::text = $2",
				quoteIdent(j.Source.Schema), quoteIdent(j.Source.Relation), quoteIdent(vecCol), quoteIdent(tsCol), quoteIdent(j.Source.PrimaryKey))
			args = []any{lit, pk}
		}
		if _, err := p.pool.Exec(ctx, q, args...); err != nil {
			return errs.New(errs.SchemaDrift, "worker.writeback", err, "job", j.Name, "pk", pk)
		}
	}
	return nil
}

// maybeStampCompletion sets last_completion after a batch holding
// messages tagged "scheduled:*" (sweep ticks and the creation backfill
// alike) has been written back; realtime messages never count, per
// DESIGN.md's last_completion resolution. It stamps the latest
// EnqueuedAt among those messages, not the tick time in the tag, and
// does not check whether other messages of the same sweep are still
// queued or in flight.
func (p *Pool) maybeStampCompletion(ctx context.Context, j *job.Job, group []queue.Message) {
	var latest time.Time
	found := false
	for _, m := range group {
		if strings.HasPrefix(m.Source, "scheduled:") {
			found = true
			if m.EnqueuedAt.After(latest) {
				latest = m.EnqueuedAt
			}
		}
	}
	if !found {
		return
	}
	if err := p.jobs.SetLastCompletion(ctx, j.Name, latest); err != nil {
		p.log.Warn("stamping last_completion failed", "job", j.Name, "err", err)
	}
}

func (p *Pool) markDegraded(ctx context.Context, j *job.Job) {
	if j.Status == job.StatusDegraded {
		return
	}
	if err := p.jobs.SetStatus(ctx, j.Name, job.StatusDegraded); err != nil {
		p.log.Error("marking job degraded failed", "job", j.Name, "err", err)
		return
	}
	metrics.JobsDegraded.WithLabelValues(j.Name).Set(1)
}

// backoffFor returns the exponential-with-jitter delay for attempt,
// capped at maxBackoff. Used to size the visibility timeout on retry
// reads rather than sleeping the worker goroutine.
func backoffFor(attempt int) time.Duration {
	d := float64(minBackoff) * math.Pow(2, float64(attempt))
	if d > float64(maxBackoff) {
		d = float64(maxBackoff)
	}
	jitter := d * jitterFrac * (rand.Float64()*2 - 1)
	return time.Duration(d + jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func quoteIdent(s string) string { return `"` + strings.ReplaceAll(s, `"`, `""`) + `"` }

func quoteIdents(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = quoteIdent(s)
	}
	return out
}
