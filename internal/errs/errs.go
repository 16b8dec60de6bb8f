// Package errs implements the error-kind taxonomy shared by every
// component: each returns a *Error tagged with a Kind, and the HTTP
// layer is the only place that turns a Kind into a status code.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a semantic error category, not a concrete type name.
type Kind string

const (
	InvalidRequest    Kind = "InvalidRequest"
	NotFound          Kind = "NotFound"
	AlreadyExists     Kind = "AlreadyExists"
	FilterUnsafe      Kind = "FilterUnsafe"
	ProviderTransient Kind = "ProviderTransient"
	ProviderPermanent Kind = "ProviderPermanent"
	SchemaDrift       Kind = "SchemaDrift"
	Internal          Kind = "Internal"
)

// Error is the typed error every component returns. Op identifies the
// operation that failed (e.g. "job.create", "search.filter"); fields
// carry structured context for the logger, keyed by name so call sites
// don't have to re-derive what went wrong from a formatted string.
type Error struct {
	Kind   Kind
	Op     string
	Fields map[string]any
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a typed error with optional key-value fields, e.g.
// errs.New(errs.NotFound, "job.describe", err, "job", name).
func New(kind Kind, op string, err error, kv ...any) *Error {
	fields := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			fields[k] = kv[i+1]
		}
	}
	return &Error{Kind: kind, Op: op, Fields: fields, Err: err}
}

// KindOf extracts the Kind from err, defaulting to Internal for any
// error this package didn't originate.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err (or anything it wraps) carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
