// Package search implements hybrid search (C7): a safe filter
// compiler, semantic (pgvector kNN) and lexical (tsvector/ts_rank)
// scans, and Reciprocal Rank Fusion across the two.
//
// The filter language here is a hardened generalization of the
// teacher's FilterExpression/ParseFilterString/BuildSQLFromFilter in
// advanced_filter.go: same operator set and tree shape, but every
// field name is checked against the job's declared columns before it
// is allowed anywhere near a query string, and string operators never
// interpolate the raw value - everything binds through a placeholder.
package search

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/vectorize-core/vectorize/internal/errs"
)

type Operator string

const (
	OpAnd     Operator = "AND"
	OpOr      Operator = "OR"
	OpNot     Operator = "NOT"
	OpEQ      Operator = "="
	OpNE      Operator = "!="
	OpGT      Operator = ">"
	OpGTE     Operator = ">="
	OpLT      Operator = "<"
	OpLTE     Operator = "<="
	OpIn      Operator = "IN"
	OpBetween Operator = "BETWEEN"
	OpLike    Operator = "LIKE"
)

// Expression is a node in a filter tree: either a boolean combinator
// over Children, or a leaf comparison on Field.
type Expression struct {
	Operator Operator
	Field    string
	Value    any
	Children []*Expression
}

// Columns is the set of column names a filter is allowed to
// reference - a job's source columns, resolved once at job creation
// and passed into every Compile call. Any field outside this set
// fails closed with FilterUnsafe, never silently dropped.
type Columns map[string]bool

// Compile turns expr into a parameterized SQL WHERE fragment starting
// placeholders at argOffset+1, returning the fragment and the
// positional args to append to the caller's query. Every leaf's Field
// is checked against cols before it is ever written into the
// fragment; this is the one place allowed to do that, because it's
// the one place a caller-supplied filter touches raw SQL text.
func Compile(expr *Expression, cols Columns, argOffset int) (string, []any, error) {
	if expr == nil {
		return "", nil, nil
	}
	switch expr.Operator {
	case OpAnd, OpOr:
		return compileCombinator(expr, cols, argOffset)
	case OpNot:
		if len(expr.Children) != 1 {
			return "", nil, errs.New(errs.FilterUnsafe, "search.compile", nil, "reason", "NOT requires exactly one child")
		}
		inner, args, err := Compile(expr.Children[0], cols, argOffset)
		if err != nil {
			return "", nil, err
		}
		return "NOT (" + inner + ")", args, nil
	default:
		return compileLeaf(expr, cols, argOffset)
	}
}

func compileCombinator(expr *Expression, cols Columns, argOffset int) (string, []any, error) {
	var clauses []string
	var args []any
	for _, child := range expr.Children {
		clause, childArgs, err := Compile(child, cols, argOffset+len(args))
		if err != nil {
			return "", nil, err
		}
		if clause == "" {
			continue
		}
		clauses = append(clauses, "("+clause+")")
		args = append(args, childArgs...)
	}
	joiner := " AND "
	if expr.Operator == OpOr {
		joiner = " OR "
	}
	return strings.Join(clauses, joiner), args, nil
}

func compileLeaf(expr *Expression, cols Columns, argOffset int) (string, []any, error) {
	if !cols[expr.Field] {
		return "", nil, errs.New(errs.FilterUnsafe, "search.compile", nil, "reason", "unknown filter column", "field", expr.Field)
	}
	col := quoteIdent(expr.Field)

	switch expr.Operator {
	case OpEQ, OpNE, OpGT, OpGTE, OpLT, OpLTE, OpLike:
		return fmt.Sprintf("%s %s $%d", col, string(expr.Operator), argOffset+1), []any{expr.Value}, nil
	case OpBetween:
		values, ok := expr.Value.([]any)
		if !ok || len(values) != 2 {
			return "", nil, errs.New(errs.FilterUnsafe, "search.compile", nil, "reason", "BETWEEN requires exactly two values", "field", expr.Field)
		}
		return fmt.Sprintf("%s BETWEEN $%d AND $%d", col, argOffset+1, argOffset+2), values, nil
	case OpIn:
		values, ok := expr.Value.([]any)
		if !ok || len(values) == 0 {
			return "", nil, errs.New(errs.FilterUnsafe, "search.compile", nil, "reason", "IN requires at least one value", "field", expr.Field)
		}
		placeholders := make([]string, len(values))
		for i := range values {
			placeholders[i] = fmt.Sprintf("$%d", argOffset+i+1)
		}
		return fmt.Sprintf("%s IN (%s)", col, strings.Join(placeholders, ",")), values, nil
	default:
		return "", nil, errs.New(errs.FilterUnsafe, "search.compile", nil, "reason", "unsupported operator", "operator", string(expr.Operator))
	}
}

// ParseString parses a filter expression string, e.g.
// "(tag = 'ai' OR tag = 'ml') AND price BETWEEN 100 AND 500", into an
// Expression tree. Field names are not validated here - that happens
// in Compile, against the job's actual columns - so a string alone is
// never trusted to be safe.
func ParseString(s string) (*Expression, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") && balanced(s) {
		return ParseString(s[1 : len(s)-1])
	}
	if idx := splitTopLevel(s, " AND "); idx > 0 {
		left, err := ParseString(s[:idx])
		if err != nil {
			return nil, err
		}
		right, err := ParseString(s[idx+5:])
		if err != nil {
			return nil, err
		}
		return &Expression{Operator: OpAnd, Children: []*Expression{left, right}}, nil
	}
	if idx := splitTopLevel(s, " OR "); idx > 0 {
		left, err := ParseString(s[:idx])
		if err != nil {
			return nil, err
		}
		right, err := ParseString(s[idx+4:])
		if err != nil {
			return nil, err
		}
		return &Expression{Operator: OpOr, Children: []*Expression{left, right}}, nil
	}
	return parseComparison(s)
}

func parseComparison(expr string) (*Expression, error) {
	if strings.Contains(expr, " BETWEEN ") {
		parts := strings.SplitN(expr, " BETWEEN ", 2)
		field := strings.TrimSpace(parts[0])
		rangeParts := strings.SplitN(parts[1], " AND ", 2)
		if len(rangeParts) != 2 {
			return nil, fmt.Errorf("search: invalid BETWEEN range: %s", parts[1])
		}
		min, err := parseValue(strings.TrimSpace(rangeParts[0]))
		if err != nil {
			return nil, err
		}
		max, err := parseValue(strings.TrimSpace(rangeParts[1]))
		if err != nil {
			return nil, err
		}
		return &Expression{Operator: OpBetween, Field: field, Value: []any{min, max}}, nil
	}
	if strings.Contains(expr, " IN ") {
		parts := strings.SplitN(expr, " IN ", 2)
		field := strings.TrimSpace(parts[0])
		valueStr := strings.TrimSpace(parts[1])
		if !strings.HasPrefix(valueStr, "(") || !strings.HasSuffix(valueStr, ")") {
			return nil, fmt.Errorf("search: IN values must be parenthesized: %s", valueStr)
		}
		var values []any
		for _, v := range strings.Split(valueStr[1:len(valueStr)-1], ",") {
			val, err := parseValue(strings.TrimSpace(v))
			if err != nil {
				return nil, err
			}
			values = append(values, val)
		}
		return &Expression{Operator: OpIn, Field: field, Value: values}, nil
	}

	ops := []struct {
		tok string
		typ Operator
	}{
		{">=", OpGTE}, {"<=", OpLTE}, {"!=", OpNE}, {">", OpGT}, {"<", OpLT}, {"=", OpEQ},
	}
	for _, o := range ops {
		if idx := strings.Index(expr, o.tok); idx > 0 {
			field := strings.TrimSpace(expr[:idx])
			value, err := parseValue(strings.TrimSpace(expr[idx+len(o.tok):]))
			if err != nil {
				return nil, err
			}
			return &Expression{Operator: o.typ, Field: field, Value: value}, nil
		}
	}
	return nil, fmt.Errorf("search: invalid filter expression: %s", expr)
}

func parseValue(s string) (any, error) {
	if len(s) >= 2 && (s[0] == '\'' && s[len(s)-1] == '\'' || s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1], nil
	}
	if s == "true" {
		return true, nil
	}
	if s == "false" {
		return false, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, nil
	}
	return s, nil
}

func balanced(s string) bool {
	depth := 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 && i != len(s)-1 {
				return false
			}
		}
	}
	return depth == 0
}

func splitTopLevel(s, sep string) int {
	depth := 0
	for i := 0; i+len(sep) <= len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		}
		if depth == 0 && s[i:i+len(sep)] == sep {
			return i
		}
	}
	return -1
}

func quoteIdent(s string) string { return `"` + strings.ReplaceAll(s, `"`, `""`) + `"` }
