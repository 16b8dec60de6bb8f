package httpapi

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/vectorize-core/vectorize/internal/errs"
)

func TestWriteErrorMapsEveryKnownKind(t *testing.T) {
	tests := []struct {
		kind       errs.Kind
		wantStatus int
	}{
		{errs.InvalidRequest, 400},
		{errs.NotFound, 404},
		{errs.AlreadyExists, 409},
		{errs.FilterUnsafe, 400},
		{errs.ProviderTransient, 502},
		{errs.ProviderPermanent, 502},
		{errs.SchemaDrift, 409},
		{errs.Internal, 500},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		writeError(rec, errs.New(tt.kind, "test.op", nil))
		if rec.Code != tt.wantStatus {
			t.Errorf("kind %v: status = %d, want %d", tt.kind, rec.Code, tt.wantStatus)
		}
		var body map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("kind %v: response body is not valid JSON: %v", tt.kind, err)
		}
		if body["kind"] != string(tt.kind) {
			t.Errorf("kind %v: body[kind] = %q", tt.kind, body["kind"])
		}
	}
}

func TestWriteErrorDefaultsToInternalServerErrorForUntypedError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, errUntyped{})
	if rec.Code != 500 {
		t.Errorf("status = %d, want 500 for an untyped error", rec.Code)
	}
}

type errUntyped struct{}

func (errUntyped) Error() string { return "something went wrong" }
