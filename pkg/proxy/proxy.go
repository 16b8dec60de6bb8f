// Package proxy implements the optional wire-protocol front end (C8)
// as a statement interceptor: it recognizes vectorize.search(...) and
// vectorize.rag(...) calls, runs them against pkg/search, and reports
// every other statement as unhandled so the caller can forward it
// untouched. No command in cmd/vectorize constructs an Interceptor,
// and the ProxyEnabled setting (VECTORIZE_PROXY_ENABLED) is loaded
// into config but not read by any command.
package proxy

import (
	"context"
	"strconv"
	"strings"

	"github.com/vectorize-core/vectorize/internal/errs"
	"github.com/vectorize-core/vectorize/internal/logging"
	"github.com/vectorize-core/vectorize/pkg/job"
	"github.com/vectorize-core/vectorize/pkg/search"
)

// Intercept inspects a single SQL statement as it passes through the
// proxy. If it recognizes a vectorize.search(...) or vectorize.rag(...)
// call, it executes the equivalent hybrid search directly and returns
// handled=true with the result rows; otherwise it reports handled=false
// so the caller forwards the statement to Postgres untouched.
type Interceptor struct {
	jobs   *job.Store
	engine *search.Engine
	log    logging.Logger
}

func NewInterceptor(jobs *job.Store, engine *search.Engine, log logging.Logger) *Interceptor {
	if log == nil {
		log = logging.Nop()
	}
	return &Interceptor{jobs: jobs, engine: engine, log: log}
}

func (in *Interceptor) Intercept(ctx context.Context, stmt string) (rows []search.Result, handled bool, err error) {
	call, args, ok := parseCall(stmt)
	if !ok {
		return nil, false, nil
	}
	switch call {
	case "vectorize.search", "vectorize.rag":
		res, err := in.handleSearch(ctx, args)
		return res, true, err
	default:
		return nil, false, nil
	}
}

// handleSearch expects args in the order (table, query, top_k). rag
// is treated identically to search at this layer: retrieval is the
// proxy's job, generation is the caller's.
func (in *Interceptor) handleSearch(ctx context.Context, args []string) ([]search.Result, error) {
	if len(args) < 2 {
		return nil, errs.New(errs.InvalidRequest, "proxy.search", nil, "reason", "expected at least (table, query)")
	}
	table := strings.Trim(args[0], "'\"")
	query := strings.Trim(args[1], "'\"")
	topK := 10
	if len(args) > 2 {
		if n, err := strconv.Atoi(strings.TrimSpace(args[2])); err == nil {
			topK = n
		}
	}

	j, err := in.jobs.Get(ctx, table)
	if err != nil {
		return nil, err
	}
	return in.engine.Search(ctx, j, search.Options{Query: query, TopK: topK})
}

// parseCall recognizes "vectorize.search(a, b, c)" style calls. Not a
// general SQL parser - just enough to detect the two function names
// the proxy understands and split their argument list.
func parseCall(stmt string) (call string, args []string, ok bool) {
	stmt = strings.TrimSpace(stmt)
	stmt = strings.TrimSuffix(stmt, ";")
	lparen := strings.Index(stmt, "(")
	if lparen < 0 || !strings.HasSuffix(stmt, ")") {
		return "", nil, false
	}
	name := strings.TrimSpace(stmt[:lparen])
	lower := strings.ToLower(name)
	if lower != "vectorize.search" && lower != "vectorize.rag" {
		return "", nil, false
	}
	inner := stmt[lparen+1 : len(stmt)-1]
	if strings.TrimSpace(inner) == "" {
		return lower, nil, true
	}
	return lower, splitArgs(inner), true
}

func splitArgs(s string) []string {
	var args []string
	depth := 0
	inQuote := byte(0)
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inQuote != 0:
			if c == inQuote {
				inQuote = 0
			}
		case c == '\'' || c == '"':
			inQuote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == ',' && depth == 0:
			args = append(args, strings.TrimSpace(s[start:i]))
			start = i + 1
		}
	}
	args = append(args, strings.TrimSpace(s[start:]))
	return args
}
