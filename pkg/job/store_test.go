package job

import (
	"encoding/json"
	"testing"
)

func TestMarshalParamsRoundTripsSource(t *testing.T) {
	j := &Job{
		Name: "products",
		Source: Source{
			Schema:       "public",
			Relation:     "products",
			PrimaryKey:   "id",
			TextColumns:  []string{"title", "description"},
			UpdateColumn: "updated_at",
		},
	}
	raw, err := marshalParams(j)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var snap paramsSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("unexpected unmarshal error: %v", err)
	}
	if snap.Source.Relation != "products" || snap.Source.PrimaryKey != "id" {
		t.Errorf("round-tripped source = %+v", snap.Source)
	}
	if len(snap.Source.TextColumns) != 2 {
		t.Errorf("expected 2 text columns, got %d", len(snap.Source.TextColumns))
	}
}
