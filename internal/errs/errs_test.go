package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOfUnwrapsTypedError(t *testing.T) {
	err := New(NotFound, "job.describe", nil, "job", "widgets")
	if got := KindOf(err); got != NotFound {
		t.Errorf("KindOf = %v, want %v", got, NotFound)
	}
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	if got := KindOf(errors.New("plain error")); got != Internal {
		t.Errorf("KindOf(plain) = %v, want %v", got, Internal)
	}
}

func TestKindOfUnwrapsWrappedError(t *testing.T) {
	inner := New(ProviderTransient, "embedding.embed", nil)
	wrapped := fmt.Errorf("calling provider: %w", inner)
	if got := KindOf(wrapped); got != ProviderTransient {
		t.Errorf("KindOf(wrapped) = %v, want %v", got, ProviderTransient)
	}
}

func TestIs(t *testing.T) {
	err := New(FilterUnsafe, "search.compile", nil, "field", "ssn")
	if !Is(err, FilterUnsafe) {
		t.Errorf("Is(err, FilterUnsafe) = false, want true")
	}
	if Is(err, NotFound) {
		t.Errorf("Is(err, NotFound) = true, want false")
	}
}

func TestErrorStringIncludesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := New(ProviderTransient, "embedding.embed", cause)
	msg := err.Error()
	if msg == "" {
		t.Fatal("expected a non-empty error string")
	}
	if !strings.Contains(msg, "connection refused") {
		t.Errorf("Error() = %q, want it to include the cause", msg)
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected Unwrap to expose the cause via errors.Is")
	}
}

func TestNewCollectsOddKeyValuePairs(t *testing.T) {
	err := New(InvalidRequest, "table.create", nil, "name", "widgets", "reason")
	if err.Fields["name"] != "widgets" {
		t.Errorf("Fields[name] = %v, want widgets", err.Fields["name"])
	}
	if _, ok := err.Fields["reason"]; ok {
		t.Errorf("dangling key without a value should not be recorded")
	}
}
