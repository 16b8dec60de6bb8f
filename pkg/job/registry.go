package job

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vectorize-core/vectorize/internal/errs"
	"github.com/vectorize-core/vectorize/internal/logging"
)

// ChangeCapture is the subset of C3 the registry drives: install or
// remove triggers/cron for a job. Defined here (not imported from
// pkg/capture) so pkg/job has no dependency on pkg/capture — capture
// depends on job, not the other way around.
type ChangeCapture interface {
	Install(ctx context.Context, j *Job) error
	Uninstall(ctx context.Context, j *Job) error
}

// QueueAdmin is the subset of C4 the registry drives.
type QueueAdmin interface {
	EnsureQueue(ctx context.Context, name string) error
	DeleteQueue(ctx context.Context, name string) error
	Send(ctx context.Context, queueName, jobName string, primaryKeys []string, source string) error
}

// Resolver is the subset of C5 the registry needs: resolve a
// transformer string to its frozen dimension.
type Resolver interface {
	Dimension(ctx context.Context, transformer string) (int, error)
	Known(transformer string) bool
}

// SchemaInspector looks up a live table's column types, so the
// registry can reject a bad primary_key or update_column at creation
// time (400 InvalidRequest) instead of letting it surface later as a
// generic 500 from indexing, sweeping, or writeback.
type SchemaInspector interface {
	ColumnTypes(ctx context.Context, schema, relation string) (map[string]string, error)
}

// Registry implements C2: create/delete/describe. It owns the
// multi-step, idempotent side-effect sequence in §4.1 and the
// rollback-on-failure contract.
type Registry struct {
	pool    *pgxpool.Pool
	store   *Store
	capture ChangeCapture
	queue   QueueAdmin
	embed   Resolver
	schema  SchemaInspector
	log     logging.Logger
}

func NewRegistry(pool *pgxpool.Pool, store *Store, capture ChangeCapture, queue QueueAdmin, embed Resolver, schema SchemaInspector, log logging.Logger) *Registry {
	if log == nil {
		log = logging.Nop()
	}
	return &Registry{pool: pool, store: store, capture: capture, queue: queue, embed: embed, schema: schema, log: log}
}

// Create validates spec atomically and performs the idempotent side
// effects in §4.1, rolling back everything it did if any step after
// inserting the metadata row fails.
func (r *Registry) Create(ctx context.Context, spec Spec) (*Job, error) {
	if err := r.validate(ctx, spec); err != nil {
		return nil, err
	}

	exists, err := r.store.Exists(ctx, spec.Name)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, errs.New(errs.AlreadyExists, "registry.create", nil, "job", spec.Name)
	}

	dim, err := r.embed.Dimension(ctx, spec.Transformer)
	if err != nil {
		return nil, errs.New(errs.InvalidRequest, "registry.create", err, "transformer", spec.Transformer)
	}

	j := &Job{
		Name:        spec.Name,
		Source:      spec.Source,
		Transformer: spec.Transformer,
		SearchAlg:   spec.SearchAlg,
		TableMethod: spec.TableMethod,
		Schedule:    spec.Schedule,
		Dimension:   dim,
		Status:      StatusActive,
	}

	// Steps 1-3: queue, storage, index. Each is idempotent DDL/admin,
	// so a retry after a partial failure is always safe to re-run.
	if err := r.queue.EnsureQueue(ctx, j.QueueName()); err != nil {
		return nil, errs.New(errs.Internal, "registry.create", err, "job", j.Name)
	}
	if err := r.createStorage(ctx, j); err != nil {
		_ = r.queue.DeleteQueue(ctx, j.QueueName())
		return nil, errs.New(errs.Internal, "registry.create", err, "job", j.Name)
	}
	if err := r.createIndex(ctx, j); err != nil {
		r.rollback(ctx, j)
		return nil, errs.New(errs.Internal, "registry.create", err, "job", j.Name)
	}

	// Step 4: insert metadata row. From here on, future creates with
	// this name must see AlreadyExists until delete runs - so any
	// failure past this point must roll the row back out too.
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.rollback(ctx, j)
		return nil, errs.New(errs.Internal, "registry.create", err, "job", j.Name)
	}
	id, err := r.store.Insert(ctx, tx, j)
	if err != nil {
		_ = tx.Rollback(ctx)
		r.rollback(ctx, j)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		r.rollback(ctx, j)
		return nil, errs.New(errs.Internal, "registry.create", err, "job", j.Name)
	}
	j.ID = id

	// Step 5: change capture.
	if err := r.capture.Install(ctx, j); err != nil {
		_ = r.capture.Uninstall(ctx, j)
		_ = r.store.Delete(ctx, j.Name)
		r.rollback(ctx, j)
		return nil, errs.New(errs.Internal, "registry.create", err, "job", j.Name)
	}

	// Step 6: initial full backfill.
	if err := r.backfill(ctx, j); err != nil {
		_ = r.capture.Uninstall(ctx, j)
		_ = r.store.Delete(ctx, j.Name)
		r.rollback(ctx, j)
		return nil, errs.New(errs.Internal, "registry.create", err, "job", j.Name)
	}

	r.log.Info("job created", "job", j.Name, "dimension", j.Dimension, "schedule", j.Schedule)
	return j, nil
}

// Delete tears J down strictly outward: triggers/cron, then storage,
// then the metadata row, per the "avoid cyclic references" design note.
func (r *Registry) Delete(ctx context.Context, name string) error {
	j, err := r.store.Get(ctx, name)
	if err != nil {
		return err
	}
	if err := r.capture.Uninstall(ctx, j); err != nil {
		return errs.New(errs.Internal, "registry.delete", err, "job", name)
	}
	if err := r.queue.DeleteQueue(ctx, j.QueueName()); err != nil {
		return errs.New(errs.Internal, "registry.delete", err, "job", name)
	}
	if err := r.dropStorage(ctx, j); err != nil {
		return errs.New(errs.Internal, "registry.delete", err, "job", name)
	}
	return r.store.Delete(ctx, name)
}

// Describe returns J's frozen params plus live state. §4.1 expansion.
func (r *Registry) Describe(ctx context.Context, name string) (*Job, error) {
	return r.store.Get(ctx, name)
}

func (r *Registry) validate(ctx context.Context, spec Spec) error {
	if spec.Name == "" {
		return errs.New(errs.InvalidRequest, "registry.create", nil, "reason", "name required")
	}
	if spec.Source.PrimaryKey == "" {
		return errs.New(errs.InvalidRequest, "registry.create", nil, "reason", "primary_key required")
	}
	if spec.Schedule == "realtime" && spec.TableMethod != Join {
		return errs.New(errs.InvalidRequest, "registry.create", nil, "reason", "realtime schedule requires join table method")
	}
	if !r.embed.Known(spec.Transformer) {
		return errs.New(errs.InvalidRequest, "registry.create", nil, "reason", "unknown transformer", "transformer", spec.Transformer)
	}
	for _, c := range spec.Source.TextColumns {
		if strings.ContainsAny(c, ";\"'`") {
			return errs.New(errs.InvalidRequest, "registry.create", nil, "reason", "unsafe column identifier", "column", c)
		}
	}
	return r.validateSourceColumns(ctx, spec)
}

// validateSourceColumns checks primary_key and update_column (if any)
// against the live source table, rather than trusting the caller's
// strings: a typo'd primary_key or a non-timestamptz update_column
// would otherwise pass validate() clean and only surface later as an
// opaque database error from indexing, the sweep, or writeback.
func (r *Registry) validateSourceColumns(ctx context.Context, spec Spec) error {
	if r.schema == nil {
		return nil
	}
	cols, err := r.schema.ColumnTypes(ctx, spec.Source.Schema, spec.Source.Relation)
	if err != nil {
		return errs.New(errs.InvalidRequest, "registry.create", err, "reason", "source table not found", "schema", spec.Source.Schema, "relation", spec.Source.Relation)
	}
	if len(cols) == 0 {
		return errs.New(errs.InvalidRequest, "registry.create", nil, "reason", "source table not found", "schema", spec.Source.Schema, "relation", spec.Source.Relation)
	}
	if _, ok := cols[spec.Source.PrimaryKey]; !ok {
		return errs.New(errs.InvalidRequest, "registry.create", nil, "reason", "primary_key column not found on source table", "column", spec.Source.PrimaryKey)
	}
	if spec.Source.UpdateColumn != "" {
		dt, ok := cols[spec.Source.UpdateColumn]
		if !ok {
			return errs.New(errs.InvalidRequest, "registry.create", nil, "reason", "update_column not found on source table", "column", spec.Source.UpdateColumn)
		}
		if dt != "timestamp with time zone" {
			return errs.New(errs.InvalidRequest, "registry.create", nil, "reason", "update_column must be timestamptz", "column", spec.Source.UpdateColumn, "actual_type", dt)
		}
	}
	return nil
}

func (r *Registry) createStorage(ctx context.Context, j *Job) error {
	switch j.TableMethod {
	case Join:
		ddl := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS vectorize.%s (
				pk %s PRIMARY KEY,
				vector vector(%d) NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`, quoteIdent(j.EmbeddingsTable()), j.Source.PrimaryKeyType, j.Dimension)
		_, err := r.pool.Exec(ctx, ddl)
		return err
	case Append:
		vecCol, tsCol := j.AppendColumns()
		ddl := fmt.Sprintf(
			`ALTER TABLE %s.%s
				ADD COLUMN IF NOT EXISTS %s vector(%d),
				ADD COLUMN IF NOT EXISTS %s TIMESTAMPTZ`,
			quoteIdent(j.Source.Schema), quoteIdent(j.Source.Relation), quoteIdent(vecCol), j.Dimension, quoteIdent(tsCol))
		_, err := r.pool.Exec(ctx, ddl)
		return err
	default:
		return fmt.Errorf("unknown table method %q", j.TableMethod)
	}
}

func (r *Registry) dropStorage(ctx context.Context, j *Job) error {
	switch j.TableMethod {
	case Join:
		_, err := r.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS vectorize.%s", quoteIdent(j.EmbeddingsTable())))
		return err
	case Append:
		vecCol, tsCol := j.AppendColumns()
		ddl := fmt.Sprintf(`ALTER TABLE %s.%s DROP COLUMN IF EXISTS %s, DROP COLUMN IF EXISTS %s`,
			quoteIdent(j.Source.Schema), quoteIdent(j.Source.Relation), quoteIdent(vecCol), quoteIdent(tsCol))
		_, err := r.pool.Exec(ctx, ddl)
		return err
	}
	return nil
}

func (r *Registry) createIndex(ctx context.Context, j *Job) error {
	opclass := map[Metric]string{Cosine: "vector_cosine_ops", L2: "vector_l2_ops", InnerProduct: "vector_ip_ops"}[j.SearchAlg]
	if opclass == "" {
		return fmt.Errorf("unknown search_alg %q", j.SearchAlg)
	}
	var table, col string
	switch j.TableMethod {
	case Join:
		table, col = "vectorize."+quoteIdent(j.EmbeddingsTable()), "vector"
	case Append:
		vecCol, _ := j.AppendColumns()
		table, col = quoteIdent(j.Source.Schema)+"."+quoteIdent(j.Source.Relation), quoteIdent(vecCol)
	}
	idxName := "idx_" + strings.ReplaceAll(j.Name, "-", "_") + "_hnsw"
	ddl := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (%s %s)", quoteIdent(idxName), table, col, opclass)
	_, err := r.pool.Exec(ctx, ddl)
	return err
}

func (r *Registry) backfill(ctx context.Context, j *Job) error {
	pks, err := r.allPrimaryKeys(ctx, j)
	if err != nil {
		return err
	}
	if len(pks) == 0 {
		return nil
	}
	return r.queue.Send(ctx, j.QueueName(), j.Name, pks, "scheduled:backfill")
}

func (r *Registry) allPrimaryKeys(ctx context.Context, j *Job) ([]string, error) {
	q := fmt.Sprintf("SELECT %s::text FROM %s.%s", quoteIdent(j.Source.PrimaryKey), quoteIdent(j.Source.Schema), quoteIdent(j.Source.Relation))
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var pks []string
	for rows.Next() {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			return nil, err
		}
		pks = append(pks, pk)
	}
	return pks, rows.Err()
}

// rollback undoes steps 1-3 on a failed create, best-effort (each
// undo is itself idempotent DDL/admin so repeated rollback attempts
// on retry are harmless).
func (r *Registry) rollback(ctx context.Context, j *Job) {
	if err := r.dropStorage(ctx, j); err != nil {
		r.log.Warn("rollback: drop storage failed", "job", j.Name, "err", err)
	}
	if err := r.queue.DeleteQueue(ctx, j.QueueName()); err != nil {
		r.log.Warn("rollback: delete queue failed", "job", j.Name, "err", err)
	}
}

// quoteIdent double-quotes a SQL identifier the registry itself
// generated (job names, derived table/column names) - never a
// user-supplied filter key, which goes through pkg/search's stricter
// FilterUnsafe validation instead.
func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
