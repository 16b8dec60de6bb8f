package search

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/vectorize-core/vectorize/internal/errs"
	"github.com/vectorize-core/vectorize/pkg/embedding"
	"github.com/vectorize-core/vectorize/pkg/job"
)

// fakeProvider and fakeEmbedder let resolveQueryVector be exercised
// without a live C5 provider or database.
type fakeProvider struct {
	vec       []float32
	err       error
	retryable bool
}

func (p *fakeProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if p.err != nil {
		return nil, p.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = p.vec
	}
	return out, nil
}
func (p *fakeProvider) Dim() int              { return len(p.vec) }
func (p *fakeProvider) MaxBatch() int         { return 100 }
func (p *fakeProvider) Retryable(error) bool { return p.retryable }

type fakeEmbedder struct {
	provider embedding.Provider
	err      error
}

func (e *fakeEmbedder) Get(transformer string) (embedding.Provider, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.provider, nil
}

func TestResolveQueryVectorPrefersExplicitVector(t *testing.T) {
	e := &Engine{embed: &fakeEmbedder{provider: &fakeProvider{vec: []float32{9, 9, 9}}}}
	j := &job.Job{Transformer: "stub/3"}
	got, err := e.resolveQueryVector(context.Background(), j, Options{QueryVector: []float32{1, 2, 3}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, []float32{1, 2, 3}) {
		t.Errorf("resolveQueryVector = %v, want the explicit vector unchanged", got)
	}
}

func TestResolveQueryVectorEmbedsQueryTextThroughC5(t *testing.T) {
	e := &Engine{embed: &fakeEmbedder{provider: &fakeProvider{vec: []float32{0.1, 0.2}}}}
	j := &job.Job{Transformer: "stub/2"}
	got, err := e.resolveQueryVector(context.Background(), j, Options{Query: "mobile charger"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, []float32{0.1, 0.2}) {
		t.Errorf("resolveQueryVector = %v, want the provider's embedding", got)
	}
}

func TestResolveQueryVectorClassifiesProviderErrorByRetryability(t *testing.T) {
	j := &job.Job{Transformer: "stub/2"}

	retryable := &Engine{embed: &fakeEmbedder{provider: &fakeProvider{err: errors.New("429"), retryable: true}}}
	_, err := retryable.resolveQueryVector(context.Background(), j, Options{Query: "x"})
	if errs.KindOf(err) != errs.ProviderTransient {
		t.Errorf("retryable provider error kind = %v, want ProviderTransient", errs.KindOf(err))
	}

	permanent := &Engine{embed: &fakeEmbedder{provider: &fakeProvider{err: errors.New("400"), retryable: false}}}
	_, err = permanent.resolveQueryVector(context.Background(), j, Options{Query: "x"})
	if errs.KindOf(err) != errs.ProviderPermanent {
		t.Errorf("non-retryable provider error kind = %v, want ProviderPermanent", errs.KindOf(err))
	}
}

func TestSearchRejectsEmptyQueryAndVector(t *testing.T) {
	e := &Engine{}
	_, err := e.Search(context.Background(), &job.Job{}, Options{})
	if errs.KindOf(err) != errs.InvalidRequest {
		t.Errorf("empty query+vector kind = %v, want InvalidRequest", errs.KindOf(err))
	}
}

func TestSearchReturnsEmptyForZeroTopK(t *testing.T) {
	e := &Engine{}
	got, err := e.Search(context.Background(), &job.Job{}, Options{Query: "x", TopK: 0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Search with TopK=0 = %v, want empty", got)
	}
}

func TestFuseRanksCombinesBothArms(t *testing.T) {
	sem := map[string]int{"1": 1, "2": 2}
	lex := map[string]int{"2": 1, "3": 1}
	results := fuseRanks(sem, lex, nil, 60, 1, 1, 3)

	byPK := make(map[string]Result, len(results))
	for _, r := range results {
		byPK[r.PrimaryKey] = r
	}
	if len(byPK) != 3 {
		t.Fatalf("expected 3 fused rows, got %d", len(byPK))
	}

	// row "2" appears in both arms so its score should exceed either
	// single-arm row.
	if byPK["2"].Score <= byPK["1"].Score || byPK["2"].Score <= byPK["3"].Score {
		t.Errorf("row present in both arms should outscore single-arm rows: %+v", byPK)
	}
	if byPK["1"].SemanticRank != 1 || byPK["1"].LexicalRank != 0 {
		t.Errorf("row 1 ranks = %+v, want semantic-only", byPK["1"])
	}
	if byPK["3"].SemanticRank != 0 || byPK["3"].LexicalRank != 1 {
		t.Errorf("row 3 ranks = %+v, want lexical-only", byPK["3"])
	}
}

func TestFuseRanksSortedDescendingByScore(t *testing.T) {
	sem := map[string]int{"a": 1, "b": 5, "c": 10}
	results := fuseRanks(sem, nil, nil, 60, 1, 1, 3)
	for i := 1; i < len(results); i++ {
		if results[i-1].Score < results[i].Score {
			t.Fatalf("results not sorted descending: %+v", results)
		}
	}
}

func TestFuseRanksTruncatesToTopK(t *testing.T) {
	sem := map[string]int{"a": 1, "b": 2, "c": 3, "d": 4}
	results := fuseRanks(sem, nil, nil, 60, 1, 1, 2)
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
}

func TestFuseRanksTruncatesToZeroWhenTopKZero(t *testing.T) {
	sem := map[string]int{"a": 1, "b": 2}
	results := fuseRanks(sem, nil, nil, 60, 1, 1, 0)
	if len(results) != 0 {
		t.Fatalf("len(results) = %d, want 0 for topK=0", len(results))
	}
}

func TestFuseRanksTiebreaksByPrimaryKey(t *testing.T) {
	sem := map[string]int{"z": 1, "a": 1}
	results := fuseRanks(sem, nil, nil, 60, 1, 1, 2)
	if results[0].PrimaryKey != "a" {
		t.Errorf("expected tie broken lexicographically, got %q first", results[0].PrimaryKey)
	}
}

func TestFuseRanksCarriesSimilarityScore(t *testing.T) {
	sem := map[string]int{"a": 1}
	sims := map[string]float64{"a": 0.12}
	results := fuseRanks(sem, nil, sims, 60, 1, 1, 1)
	if results[0].SimilarityScore != 0.12 {
		t.Errorf("SimilarityScore = %v, want 0.12", results[0].SimilarityScore)
	}
}

func TestWindowForDefaultsToFiveTimesTopK(t *testing.T) {
	if got := windowFor(10, 0); got != 50 {
		t.Errorf("windowFor(10, 0) = %d, want 50", got)
	}
}

func TestWindowForRaisedToTopKWhenSmaller(t *testing.T) {
	if got := windowFor(10, 3); got != 10 {
		t.Errorf("windowFor(10, 3) = %d, want 10 (raised to topK)", got)
	}
}

func TestWindowForRespectsExplicitLargerWindow(t *testing.T) {
	if got := windowFor(10, 100); got != 100 {
		t.Errorf("windowFor(10, 100) = %d, want 100", got)
	}
}

func TestDistanceOperatorByMetric(t *testing.T) {
	tests := []struct {
		metric job.Metric
		want   string
	}{
		{job.Cosine, "<=>"},
		{job.L2, "<->"},
		{job.InnerProduct, "<#>"},
		{job.Metric("unknown"), "<=>"},
	}
	for _, tt := range tests {
		if got := distanceOperator(tt.metric); got != tt.want {
			t.Errorf("distanceOperator(%v) = %q, want %q", tt.metric, got, tt.want)
		}
	}
}

func TestEmbeddingSourceJoin(t *testing.T) {
	j := &job.Job{Name: "products", TableMethod: job.Join}
	table, col, pk := embeddingSource(j)
	if table != `vectorize."_embeddings_products"` {
		t.Errorf("table = %q", table)
	}
	if col != "vector" {
		t.Errorf("col = %q, want vector", col)
	}
	if pk != "pk" {
		t.Errorf("pk = %q, want pk", pk)
	}
}

func TestEmbeddingSourceAppend(t *testing.T) {
	j := &job.Job{
		Name:        "products",
		TableMethod: job.Append,
		Source:      job.Source{Schema: "public", Relation: "products", PrimaryKey: "id"},
	}
	table, col, pk := embeddingSource(j)
	if table != `"public"."products"` {
		t.Errorf("table = %q", table)
	}
	if col != `"products_embeddings"` {
		t.Errorf("col = %q", col)
	}
	if pk != `"id"` {
		t.Errorf("pk = %q", pk)
	}
}

func TestSourceColumnsIncludesPrimaryKeyTextAndUpdateColumns(t *testing.T) {
	j := &job.Job{
		Source: job.Source{
			PrimaryKey:   "id",
			TextColumns:  []string{"title", "body"},
			UpdateColumn: "updated_at",
		},
	}
	cols := sourceColumns(j)
	for _, want := range []string{"id", "title", "body", "updated_at"} {
		if !cols[want] {
			t.Errorf("sourceColumns missing %q", want)
		}
	}
	if cols["ssn"] {
		t.Errorf("sourceColumns should not include arbitrary columns")
	}
}

func TestSourceColumnsOmitsEmptyUpdateColumn(t *testing.T) {
	j := &job.Job{Source: job.Source{PrimaryKey: "id"}}
	cols := sourceColumns(j)
	if len(cols) != 1 {
		t.Errorf("expected only the primary key, got %v", cols)
	}
}

func TestRebindShiftsPlaceholders(t *testing.T) {
	got := rebind(`"tag" = $1 AND "price" BETWEEN $2 AND $3`, 1)
	want := `"tag" = $2 AND "price" BETWEEN $3 AND $4`
	if got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}
}

func TestRebindLeavesNonPlaceholderDollarsAlone(t *testing.T) {
	got := rebind(`"price" = $1`, 0)
	if got != `"price" = $1` {
		t.Errorf("rebind with zero offset changed the string: %q", got)
	}
}

func TestQuoteIdentsAppliesToEach(t *testing.T) {
	got := quoteIdents([]string{"title", "body"})
	want := []string{`"title"`, `"body"`}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("quoteIdents = %v, want %v", got, want)
	}
}
