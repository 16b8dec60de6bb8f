package queue

import "testing"

func TestVisibleDataDeadKeysAreDistinctAndStable(t *testing.T) {
	a := visibleKey("products")
	b := dataKey("products")
	c := deadKey("products")
	if a == b || b == c || a == c {
		t.Fatalf("key namespaces collided: visible=%q data=%q dead=%q", a, b, c)
	}
	if visibleKey("products") != a {
		t.Errorf("visibleKey not deterministic")
	}
}

func TestKeysVaryByQueueName(t *testing.T) {
	if visibleKey("products") == visibleKey("reviews") {
		t.Errorf("two different queue names produced the same visible key")
	}
}

func TestFloatStrFormatsWithoutExponent(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0"},
		{1700000000, "1700000000"},
		{1.5, "1.5"},
	}
	for _, tt := range tests {
		if got := floatStr(tt.in); got != tt.want {
			t.Errorf("floatStr(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMustJSONRoundTrips(t *testing.T) {
	msg := redisMessage{ID: "abc", JobName: "products", PrimaryKeys: []string{"1", "2"}}
	b := mustJSON(msg)
	if len(b) == 0 {
		t.Fatal("expected non-empty JSON output")
	}
}
