package vectorcodec

import (
	"math"
	"reflect"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		v    []float32
	}{
		{"simple", []float32{1, 0.5, -2}},
		{"single", []float32{3.14159}},
		{"zeros", []float32{0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			literal, err := Encode(tt.v)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := Decode(literal)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if len(got) != len(tt.v) {
				t.Fatalf("len(got) = %d, want %d", len(got), len(tt.v))
			}
			for i := range got {
				if math.Abs(float64(got[i]-tt.v[i])) > 1e-4 {
					t.Errorf("component %d = %v, want %v", i, got[i], tt.v[i])
				}
			}
		})
	}
}

func TestEncodeRejectsNaNAndInf(t *testing.T) {
	if _, err := Encode([]float32{1, float32(math.NaN())}); err != ErrInvalidVector {
		t.Errorf("expected ErrInvalidVector for NaN, got %v", err)
	}
	if _, err := Encode([]float32{float32(math.Inf(1))}); err != ErrInvalidVector {
		t.Errorf("expected ErrInvalidVector for Inf, got %v", err)
	}
}

func TestEncodeRejectsEmpty(t *testing.T) {
	if _, err := Encode(nil); err != ErrInvalidVector {
		t.Errorf("expected ErrInvalidVector for empty vector, got %v", err)
	}
}

func TestDecodeRejectsMalformedLiteral(t *testing.T) {
	tests := []string{"", "[", "1,2,3", "[1,2,3", "[1,,3]"}
	for _, in := range tests {
		if _, err := Decode(in); err == nil {
			t.Errorf("Decode(%q): expected an error, got none", in)
		}
	}
}

func TestDecodeEmptyBrackets(t *testing.T) {
	got, err := Decode("[]")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(got, []float32{}) {
		t.Errorf("got %v, want empty slice", got)
	}
}

func TestDimensionMismatch(t *testing.T) {
	if err := Dimension([]float32{1, 2, 3}, 4); err == nil {
		t.Fatal("expected a dimension mismatch error")
	}
	if err := Dimension([]float32{1, 2, 3}, 3); err != nil {
		t.Fatalf("unexpected error for matching dimension: %v", err)
	}
}
