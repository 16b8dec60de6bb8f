package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vectorize-core/vectorize/internal/errs"
	"github.com/vectorize-core/vectorize/internal/vectorcodec"
	"github.com/vectorize-core/vectorize/pkg/embedding"
	"github.com/vectorize-core/vectorize/pkg/job"
)

// Result is one fused hit: the source row's primary key, its requested
// (or all) columns, its semantic/lexical ranks, and the final RRF
// score. SimilarityScore is the raw value of the job metric's pgvector
// distance operator from the semantic scan (lower is nearer), not a
// similarity; it is 0 for a row that placed only in the lexical arm.
type Result struct {
	PrimaryKey      string
	Columns         map[string]any
	SimilarityScore float64
	SemanticRank    int
	LexicalRank     int
	Score           float64
}

// Embedder is the subset of C5 the engine needs: resolve a job's
// transformer to a Provider capable of embedding the query text.
type Embedder interface {
	Get(transformer string) (embedding.Provider, error)
}

// Options controls one hybrid search call. Weights default to 1 if
// left zero, generalizing the teacher's HybridSearch (which fuses
// with implicit weight 1 on each arm) into a weighted RRF.
type Options struct {
	Query         string
	QueryVector   []float32
	TopK          int
	Window        int
	ReturnColumns []string
	Filter        *Expression
	RRFK          float64
	SemanticWt    float64
	LexicalWt     float64
}

// Engine runs hybrid search against one job's embedding storage.
type Engine struct {
	pool  *pgxpool.Pool
	embed Embedder
}

func NewEngine(pool *pgxpool.Pool, embed Embedder) *Engine {
	return &Engine{pool: pool, embed: embed}
}

// Search fuses a semantic kNN scan and a lexical full-text scan with
// Reciprocal Rank Fusion: score(r) = semantic_wt/(k+s_r) + fts_wt/(k+f_r),
// where s_r/f_r are 1-based ranks in each arm (0 contribution if a row
// is absent from an arm).
func (e *Engine) Search(ctx context.Context, j *job.Job, opts Options) ([]Result, error) {
	if opts.Query == "" && len(opts.QueryVector) == 0 {
		return nil, errs.New(errs.InvalidRequest, "search.search", nil, "reason", "query required")
	}
	if opts.TopK == 0 {
		return []Result{}, nil
	}

	k := opts.RRFK
	if k == 0 {
		k = 60
	}
	semWt, lexWt := opts.SemanticWt, opts.LexicalWt
	if semWt == 0 {
		semWt = 1
	}
	if lexWt == 0 {
		lexWt = 1
	}

	cols := sourceColumns(j)
	var filterSQL string
	var filterArgs []any
	if opts.Filter != nil {
		sql, args, err := Compile(opts.Filter, cols, 0)
		if err != nil {
			return nil, err
		}
		filterSQL, filterArgs = sql, args
	}

	window := windowFor(opts.TopK, opts.Window)

	qvec, err := e.resolveQueryVector(ctx, j, opts)
	if err != nil {
		return nil, err
	}

	semRanks, semSims, err := e.semanticScan(ctx, j, qvec, filterSQL, filterArgs, window)
	if err != nil {
		return nil, err
	}

	var lexRanks map[string]int
	if opts.Query != "" {
		lexRanks, err = e.lexicalScan(ctx, j, opts.Query, filterSQL, filterArgs, window)
		if err != nil {
			return nil, err
		}
	}

	results := fuseRanks(semRanks, lexRanks, semSims, k, semWt, lexWt, opts.TopK)

	if err := e.hydrateColumns(ctx, j, results, opts.ReturnColumns); err != nil {
		return nil, err
	}
	return results, nil
}

// resolveQueryVector returns opts.QueryVector unchanged if the caller
// already supplied one, otherwise embeds opts.Query through J's
// transformer via C5 - the step that makes the "semantic" half of
// hybrid search actually run on the query text path every real entry
// point uses.
func (e *Engine) resolveQueryVector(ctx context.Context, j *job.Job, opts Options) ([]float32, error) {
	if len(opts.QueryVector) > 0 {
		return opts.QueryVector, nil
	}
	if e.embed == nil {
		return nil, errs.New(errs.Internal, "search.embed_query", nil, "reason", "no embedding resolver configured")
	}
	provider, err := e.embed.Get(j.Transformer)
	if err != nil {
		return nil, errs.New(errs.InvalidRequest, "search.embed_query", err, "job", j.Name)
	}
	vecs, err := provider.Embed(ctx, []string{opts.Query})
	if err != nil {
		kind := errs.ProviderPermanent
		if provider.Retryable(err) {
			kind = errs.ProviderTransient
		}
		return nil, errs.New(kind, "search.embed_query", err, "job", j.Name)
	}
	if len(vecs) == 0 {
		return nil, errs.New(errs.Internal, "search.embed_query", nil, "reason", "provider returned no vectors", "job", j.Name)
	}
	return vecs[0], nil
}

// windowFor applies the §4.7 window-size rule: default to 5*topK,
// then raise it to topK if topK exceeds it.
func windowFor(topK, window int) int {
	if window <= 0 {
		window = 5 * topK
	}
	if topK > window {
		window = topK
	}
	return window
}

// fuseRanks combines two rank maps (primary key -> 1-based rank) into
// Reciprocal Rank Fusion scores, sorted descending with a semantic-rank
// then primary-key tiebreak, truncated to topK. A row missing from one
// arm contributes 0 from that arm rather than being dropped. semSims
// carries each semantically-ranked row's raw distance from the
// semantic scan.
func fuseRanks(semRanks, lexRanks map[string]int, semSims map[string]float64, k, semWt, lexWt float64, topK int) []Result {
	fused := make(map[string]*Result)
	for pk, rank := range semRanks {
		fused[pk] = &Result{PrimaryKey: pk, SemanticRank: rank, SimilarityScore: semSims[pk], Score: semWt / (k + float64(rank))}
	}
	for pk, rank := range lexRanks {
		r, ok := fused[pk]
		if !ok {
			r = &Result{PrimaryKey: pk}
			fused[pk] = r
		}
		r.LexicalRank = rank
		r.Score += lexWt / (k + float64(rank))
	}

	results := make([]Result, 0, len(fused))
	for _, r := range fused {
		results = append(results, *r)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		sr1, sr2 := rankOrInf(results[i].SemanticRank), rankOrInf(results[j].SemanticRank)
		if sr1 != sr2 {
			return sr1 < sr2
		}
		return results[i].PrimaryKey < results[j].PrimaryKey
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results
}

// rankOrInf treats a zero (absent) semantic rank as worse than any
// real rank, for the tie-break in step 7.
func rankOrInf(rank int) int {
	if rank == 0 {
		return int(^uint(0) >> 1)
	}
	return rank
}

func (e *Engine) semanticScan(ctx context.Context, j *job.Job, query []float32, filterSQL string, filterArgs []any, limit int) (map[string]int, map[string]float64, error) {
	lit, err := vectorcodec.Encode(query)
	if err != nil {
		return nil, nil, errs.New(errs.InvalidRequest, "search.semantic_scan", err)
	}

	table, col, pkExpr := embeddingSource(j)
	op := distanceOperator(j.SearchAlg)

	args := []any{lit}
	where := ""
	if filterSQL != "" {
		where = "WHERE " + rebind(filterSQL, 1)
		args = append(args, filterArgs...)
	}
	q := fmt.Sprintf("SELECT %s::text, (%s %s $1) FROM %s %s ORDER BY %s %s $1 LIMIT %d", pkExpr, col, op, table, where, col, op, limit)

	rows, err := e.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, nil, errs.New(errs.Internal, "search.semantic_scan", err, "job", j.Name)
	}
	defer rows.Close()

	ranks := make(map[string]int)
	sims := make(map[string]float64)
	rank := 1
	for rows.Next() {
		var pk string
		var dist float64
		if err := rows.Scan(&pk, &dist); err != nil {
			return nil, nil, errs.New(errs.Internal, "search.semantic_scan", err, "job", j.Name)
		}
		ranks[pk] = rank
		sims[pk] = dist
		rank++
	}
	return ranks, sims, rows.Err()
}

func (e *Engine) lexicalScan(ctx context.Context, j *job.Job, query string, filterSQL string, filterArgs []any, limit int) (map[string]int, error) {
	if len(j.Source.TextColumns) == 0 {
		return nil, nil
	}
	tsvec := fmt.Sprintf("to_tsvector('english', concat_ws(' ', %s))", strings.Join(quoteIdents(j.Source.TextColumns), ", "))

	args := []any{query}
	where := fmt.Sprintf("%s @@ plainto_tsquery('english', $1)", tsvec)
	if filterSQL != "" {
		where += " AND " + rebind(filterSQL, 1)
		args = append(args, filterArgs...)
	}
	q := fmt.Sprintf(
		"SELECT %s::text FROM %s.%s WHERE %s ORDER BY ts_rank(%s, plainto_tsquery('english', $1)) DESC LIMIT %d",
		quoteIdent(j.Source.PrimaryKey), quoteIdent(j.Source.Schema), quoteIdent(j.Source.Relation), where, tsvec, limit,
	)

	rows, err := e.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, errs.New(errs.Internal, "search.lexical_scan", err, "job", j.Name)
	}
	defer rows.Close()

	ranks := make(map[string]int)
	rank := 1
	for rows.Next() {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			return nil, errs.New(errs.Internal, "search.lexical_scan", err, "job", j.Name)
		}
		ranks[pk] = rank
		rank++
	}
	return ranks, rows.Err()
}

// hydrateColumns fills in each result's Columns with either the
// requested return_columns or every source column (SELECT *), per
// §4.7 step 7. Done once against the final, already-truncated result
// set rather than inside each scan, since only the fused top-L rows
// ever need their columns materialized.
func (e *Engine) hydrateColumns(ctx context.Context, j *job.Job, results []Result, returnCols []string) error {
	if len(results) == 0 {
		return nil
	}
	pks := make([]string, len(results))
	for i, r := range results {
		pks[i] = r.PrimaryKey
	}

	selectCols := "*"
	if len(returnCols) > 0 {
		selectCols = strings.Join(quoteIdents(returnCols), ", ")
	}
	q := fmt.Sprintf("SELECT %s::text, %s FROM %s.%s WHERE %s::text = ANY($1)",
		quoteIdent(j.Source.PrimaryKey), selectCols,
		quoteIdent(j.Source.Schema), quoteIdent(j.Source.Relation), quoteIdent(j.Source.PrimaryKey))

	rows, err := e.pool.Query(ctx, q, pks)
	if err != nil {
		return errs.New(errs.Internal, "search.hydrate_columns", err, "job", j.Name)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	byPK := make(map[string]map[string]any, len(pks))
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return errs.New(errs.Internal, "search.hydrate_columns", err, "job", j.Name)
		}
		pk := fmt.Sprintf("%v", vals[0])
		row := make(map[string]any, len(fields)-1)
		for i := 1; i < len(vals); i++ {
			row[string(fields[i].Name)] = vals[i]
		}
		byPK[pk] = row
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for i := range results {
		results[i].Columns = byPK[results[i].PrimaryKey]
	}
	return nil
}

func distanceOperator(m job.Metric) string {
	switch m {
	case job.L2:
		return "<->"
	case job.InnerProduct:
		return "<#>"
	default:
		return "<=>"
	}
}

// embeddingSource returns the table, vector column, and primary-key
// select expression for J's storage, whichever table_method it uses.
func embeddingSource(j *job.Job) (table, col, pkExpr string) {
	switch j.TableMethod {
	case job.Join:
		return "vectorize." + quoteIdent(j.EmbeddingsTable()), "vector", "pk"
	case job.Append:
		vecCol, _ := j.AppendColumns()
		return quoteIdent(j.Source.Schema) + "." + quoteIdent(j.Source.Relation), quoteIdent(vecCol), quoteIdent(j.Source.PrimaryKey)
	}
	return "", "", ""
}

func sourceColumns(j *job.Job) Columns {
	cols := make(Columns)
	cols[j.Source.PrimaryKey] = true
	for _, c := range j.Source.TextColumns {
		cols[c] = true
	}
	if j.Source.UpdateColumn != "" {
		cols[j.Source.UpdateColumn] = true
	}
	return cols
}

// rebind shifts every "$n" placeholder in sql up by offset, since
// filter fragments are compiled starting at $1 but may need to follow
// other positional args in the final query.
func rebind(sql string, offset int) string {
	var b strings.Builder
	i := 0
	for i < len(sql) {
		if sql[i] == '$' {
			j := i + 1
			for j < len(sql) && sql[j] >= '0' && sql[j] <= '9' {
				j++
			}
			if j > i+1 {
				var n int
				fmt.Sscanf(sql[i+1:j], "%d", &n)
				fmt.Fprintf(&b, "$%d", n+offset)
				i = j
				continue
			}
		}
		b.WriteByte(sql[i])
		i++
	}
	return b.String()
}

func quoteIdent(s string) string { return `"` + strings.ReplaceAll(s, `"`, `""`) + `"` }

func quoteIdents(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = quoteIdent(s)
	}
	return out
}
