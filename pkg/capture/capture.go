// Package capture implements change capture (C3): realtime triggers
// that push changed primary keys onto a job's queue the moment a row
// changes, and a scheduled cron path that sweeps a source table for
// rows whose update_column has moved past the job's last_completion.
//
// The trigger trio below is grounded on the teacher's
// embeddings_ai/embeddings_ad/embeddings_au triggers in store_init.go,
// which keep an FTS shadow table in sync with INSERT/UPDATE/DELETE on
// the embeddings table. Here the shadow write is replaced with a queue
// send, and the target is the source table a job watches rather than
// its own embeddings table.
package capture

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"

	"github.com/vectorize-core/vectorize/internal/errs"
	"github.com/vectorize-core/vectorize/internal/logging"
	"github.com/vectorize-core/vectorize/pkg/job"
)

// Enqueuer is the subset of C4 capture needs: push a batch of primary
// keys onto a job's queue, tagged with where they came from.
type Enqueuer interface {
	Send(ctx context.Context, queueName, jobName string, primaryKeys []string, source string) error
}

// Installer implements job.ChangeCapture: it wires and unwires the
// realtime trigger trio and the scheduled cron entry for a job.
type Installer struct {
	pool  *pgxpool.Pool
	store *job.Store
	queue Enqueuer
	cron  *cron.Cron
	log   logging.Logger

	entries map[string]cron.EntryID
}

func NewInstaller(pool *pgxpool.Pool, store *job.Store, queue Enqueuer, c *cron.Cron, log logging.Logger) *Installer {
	if log == nil {
		log = logging.Nop()
	}
	return &Installer{pool: pool, store: store, queue: queue, cron: c, log: log, entries: make(map[string]cron.EntryID)}
}

// Install wires J's change capture: realtime triggers if schedule is
// "realtime", otherwise a cron registration.
func (in *Installer) Install(ctx context.Context, j *job.Job) error {
	if j.Schedule == "realtime" {
		return in.installTriggers(ctx, j)
	}
	return in.installCron(j)
}

// Uninstall tears down whichever capture mechanism J used. Idempotent:
// calling it twice, or on a job whose capture was never installed, is
// a no-op.
func (in *Installer) Uninstall(ctx context.Context, j *job.Job) error {
	if j.Schedule == "realtime" {
		return in.dropTriggers(ctx, j)
	}
	if id, ok := in.entries[j.CronEntryName()]; ok {
		in.cron.Remove(id)
		delete(in.entries, j.CronEntryName())
	}
	return nil
}

func (in *Installer) installTriggers(ctx context.Context, j *job.Job) error {
	fn := triggerFuncName(j)
	table := qualify(j.Source.Schema, j.Source.Relation)
	pk := quoteIdent(j.Source.PrimaryKey)

	funcDDL := fmt.Sprintf(`
	CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $$
	BEGIN
		PERFORM pg_notify('vectorize_capture', json_build_object('job', %s, 'pk', NEW.%s::text)::text);
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql;`, quoteIdent(fn), quoteLiteral(j.Name), pk)
	if _, err := in.pool.Exec(ctx, funcDDL); err != nil {
		return errs.New(errs.Internal, "capture.install_triggers", err, "job", j.Name)
	}

	for _, event := range []string{"insert", "update"} {
		trigDDL := fmt.Sprintf(`
		DROP TRIGGER IF EXISTS %s ON %s;
		CREATE TRIGGER %s AFTER %s ON %s FOR EACH ROW EXECUTE FUNCTION %s();`,
			quoteIdent(j.TriggerName(event)), table,
			quoteIdent(j.TriggerName(event)), strings.ToUpper(event), table, quoteIdent(fn))
		if _, err := in.pool.Exec(ctx, trigDDL); err != nil {
			return errs.New(errs.Internal, "capture.install_triggers", err, "job", j.Name, "event", event)
		}
	}

	// Join-method storage lives in its own table keyed by pk, so a
	// deleted source row leaves an orphaned embedding behind unless
	// something removes it. The delete trigger is the "ad" member of
	// the teacher's ai/ad/au trigger trio, here pruning rather than
	// notifying since there is no text left to re-embed.
	if j.TableMethod == job.Join {
		if err := in.installPruneTrigger(ctx, j, table, pk); err != nil {
			return err
		}
	}

	in.log.Info("realtime triggers installed", "job", j.Name, "table", table)
	return nil
}

func (in *Installer) installPruneTrigger(ctx context.Context, j *job.Job, table, pk string) error {
	fn := pruneFuncName(j)
	funcDDL := fmt.Sprintf(`
	CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $$
	BEGIN
		DELETE FROM vectorize.%s WHERE pk::text = OLD.%s::text;
		RETURN OLD;
	END;
	$$ LANGUAGE plpgsql;`, quoteIdent(fn), quoteIdent(j.EmbeddingsTable()), pk)
	if _, err := in.pool.Exec(ctx, funcDDL); err != nil {
		return errs.New(errs.Internal, "capture.install_triggers", err, "job", j.Name)
	}

	trigDDL := fmt.Sprintf(`
	DROP TRIGGER IF EXISTS %s ON %s;
	CREATE TRIGGER %s AFTER DELETE ON %s FOR EACH ROW EXECUTE FUNCTION %s();`,
		quoteIdent(j.TriggerName("delete")), table,
		quoteIdent(j.TriggerName("delete")), table, quoteIdent(fn))
	if _, err := in.pool.Exec(ctx, trigDDL); err != nil {
		return errs.New(errs.Internal, "capture.install_triggers", err, "job", j.Name, "event", "delete")
	}
	return nil
}

func (in *Installer) dropTriggers(ctx context.Context, j *job.Job) error {
	table := qualify(j.Source.Schema, j.Source.Relation)
	events := []string{"insert", "update"}
	if j.TableMethod == job.Join {
		events = append(events, "delete")
	}
	for _, event := range events {
		ddl := fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", quoteIdent(j.TriggerName(event)), table)
		if _, err := in.pool.Exec(ctx, ddl); err != nil {
			return errs.New(errs.Internal, "capture.drop_triggers", err, "job", j.Name, "event", event)
		}
	}
	ddl := fmt.Sprintf("DROP FUNCTION IF EXISTS %s()", quoteIdent(triggerFuncName(j)))
	if _, err := in.pool.Exec(ctx, ddl); err != nil {
		return errs.New(errs.Internal, "capture.drop_triggers", err, "job", j.Name)
	}
	if j.TableMethod == job.Join {
		pruneDDL := fmt.Sprintf("DROP FUNCTION IF EXISTS %s()", quoteIdent(pruneFuncName(j)))
		if _, err := in.pool.Exec(ctx, pruneDDL); err != nil {
			return errs.New(errs.Internal, "capture.drop_triggers", err, "job", j.Name)
		}
	}
	return nil
}

// installCron registers a periodic sweep that enqueues every row
// whose update_column has moved past last_completion, or whose
// embedding is still missing. Ticks are tagged "scheduled:<run time>";
// the worker pool stamps last_completion for any "scheduled:" message
// and treats a sweep tick and the creation backfill
// ("scheduled:backfill") alike.
func (in *Installer) installCron(j *job.Job) error {
	name := j.Name
	id, err := in.cron.AddFunc(j.Schedule, func() {
		in.runSweep(context.Background(), name)
	})
	if err != nil {
		return errs.New(errs.InvalidRequest, "capture.install_cron", err, "job", j.Name, "schedule", j.Schedule)
	}
	in.entries[j.CronEntryName()] = id
	in.log.Info("cron capture installed", "job", j.Name, "schedule", j.Schedule)
	return nil
}

func (in *Installer) runSweep(ctx context.Context, jobName string) {
	tick := time.Now().UTC()
	source := fmt.Sprintf("scheduled:%s", tick.Format(time.RFC3339))
	in.log.Debug("sweep starting", "job", jobName, "tick", tick)
	if err := in.sweepPending(ctx, jobName, source); err != nil {
		in.log.Error("sweep failed", "job", jobName, "err", err)
	}
}

// sweepPending drives one scheduled pass. It reads J's frozen source
// description straight from the metadata store rather than a separate
// view, since J already carries everything the sweep query needs.
//
// A row is swept when its update_column has moved past last_completion
// OR it has no embedding at all yet - the latter catches rows that
// were never backfilled, whose provider call failed permanently, or
// whose update_column is null. embeddingJoinClause supplies that
// second half per table_method, since join-method storage is a
// separate table (checked via LEFT JOIN) while append-method storage
// is a column on the source row itself.
func (in *Installer) sweepPending(ctx context.Context, jobName, source string) error {
	j, err := in.store.Get(ctx, jobName)
	if err != nil {
		return errs.New(errs.SchemaDrift, "capture.sweep", err, "job", jobName)
	}

	srcTable := qualify(j.Source.Schema, j.Source.Relation)
	pkIdent := quoteIdent(j.Source.PrimaryKey)

	from, missingCond := embeddingJoinClause(j, srcTable, pkIdent)

	where := missingCond
	var args []any
	if j.Source.UpdateColumn != "" {
		uc := "s." + quoteIdent(j.Source.UpdateColumn)
		where = fmt.Sprintf("(%s > $1 OR %s)", uc, missingCond)
		var lastCompletion time.Time
		if j.LastCompletion != nil {
			lastCompletion = *j.LastCompletion
		}
		args = []any{lastCompletion}
	}
	q := fmt.Sprintf("SELECT s.%s::text FROM %s WHERE %s", pkIdent, from, where)

	rows, qerr := in.pool.Query(ctx, q, args...)
	if qerr != nil {
		return errs.New(errs.Internal, "capture.sweep", qerr, "job", jobName)
	}
	defer rows.Close()

	var pks []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return err
		}
		pks = append(pks, v)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if j.TableMethod == job.Join {
		if err := in.pruneOrphanedEmbeddings(ctx, j, srcTable, pkIdent); err != nil {
			in.log.Warn("pruning orphaned embeddings failed", "job", jobName, "err", err)
		}
	}

	if len(pks) == 0 {
		return nil
	}
	return in.queue.Send(ctx, j.QueueName(), jobName, pks, source)
}

// embeddingJoinClause returns the FROM clause and "embedding is
// missing" predicate for J's table_method, aliasing the source table
// "s" so callers can compose it with an update_column condition.
func embeddingJoinClause(j *job.Job, srcTable, pkIdent string) (from, missingCond string) {
	switch j.TableMethod {
	case job.Join:
		from = fmt.Sprintf("%s s LEFT JOIN vectorize.%s e ON e.pk::text = s.%s::text", srcTable, quoteIdent(j.EmbeddingsTable()), pkIdent)
		return from, "e.pk IS NULL"
	case job.Append:
		vecCol, _ := j.AppendColumns()
		return srcTable + " s", fmt.Sprintf("s.%s IS NULL", quoteIdent(vecCol))
	default:
		return srcTable + " s", "true"
	}
}

// pruneOrphanedEmbeddings removes join-table embedding rows whose
// source row no longer exists. Realtime jobs also catch this via the
// delete trigger; scheduled join-method jobs have no such trigger, so
// the sweep is where they get cleaned up.
func (in *Installer) pruneOrphanedEmbeddings(ctx context.Context, j *job.Job, srcTable, pkIdent string) error {
	q := fmt.Sprintf("DELETE FROM vectorize.%s e WHERE NOT EXISTS (SELECT 1 FROM %s s WHERE s.%s::text = e.pk::text)",
		quoteIdent(j.EmbeddingsTable()), srcTable, pkIdent)
	_, err := in.pool.Exec(ctx, q)
	return err
}

func triggerFuncName(j *job.Job) string { return "vectorize_notify_" + j.Name }

func pruneFuncName(j *job.Job) string { return "vectorize_prune_" + j.Name }

func qualify(schema, relation string) string { return quoteIdent(schema) + "." + quoteIdent(relation) }

func quoteIdent(s string) string { return `"` + strings.ReplaceAll(s, `"`, `""`) + `"` }

func quoteLiteral(s string) string { return "'" + strings.ReplaceAll(s, "'", "''") + "'" }
