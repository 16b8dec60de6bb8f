package capture

import (
	"testing"

	"github.com/vectorize-core/vectorize/pkg/job"
)

func TestTriggerFuncNameDeterministic(t *testing.T) {
	j1 := &job.Job{Name: "products"}
	j2 := &job.Job{Name: "products"}
	if triggerFuncName(j1) != triggerFuncName(j2) {
		t.Errorf("triggerFuncName not deterministic")
	}
}

func TestTriggerFuncNameVariesByJob(t *testing.T) {
	a := &job.Job{Name: "products"}
	b := &job.Job{Name: "reviews"}
	if triggerFuncName(a) == triggerFuncName(b) {
		t.Errorf("two differently named jobs produced the same trigger function name")
	}
}

func TestQualifyQuotesBothParts(t *testing.T) {
	if got := qualify("public", "products"); got != `"public"."products"` {
		t.Errorf("qualify = %q", got)
	}
}

func TestQuoteIdentEscapesEmbeddedQuotes(t *testing.T) {
	if got := quoteIdent(`weird"name`); got != `"weird""name"` {
		t.Errorf("quoteIdent = %q", got)
	}
}

func TestQuoteLiteralEscapesEmbeddedQuotes(t *testing.T) {
	if got := quoteLiteral("O'Brien"); got != "'O''Brien'" {
		t.Errorf("quoteLiteral = %q", got)
	}
}

func TestPruneFuncNameDeterministicAndDistinctFromNotify(t *testing.T) {
	j := &job.Job{Name: "products"}
	if pruneFuncName(j) != pruneFuncName(j) {
		t.Errorf("pruneFuncName not deterministic")
	}
	if pruneFuncName(j) == triggerFuncName(j) {
		t.Errorf("prune and notify functions must not collide")
	}
}

func TestEmbeddingJoinClauseJoinMethodChecksSideTable(t *testing.T) {
	j := &job.Job{Name: "products", TableMethod: job.Join}
	from, missing := embeddingJoinClause(j, `"public"."products"`, `"id"`)
	if missing != "e.pk IS NULL" {
		t.Errorf("missingCond = %q, want e.pk IS NULL", missing)
	}
	if from != `"public"."products" s LEFT JOIN vectorize."_embeddings_products" e ON e.pk::text = s."id"::text` {
		t.Errorf("from = %q", from)
	}
}

func TestEmbeddingJoinClauseAppendMethodChecksOwnColumn(t *testing.T) {
	j := &job.Job{Name: "products", TableMethod: job.Append}
	from, missing := embeddingJoinClause(j, `"public"."products"`, `"id"`)
	if from != `"public"."products" s` {
		t.Errorf("from = %q", from)
	}
	if missing != `s."products_embeddings" IS NULL` {
		t.Errorf("missingCond = %q", missing)
	}
}
