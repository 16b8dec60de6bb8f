// Package vectorcodec encodes/decodes float32 vectors to and from the
// pgvector extension's textual literal format ("[v1,v2,...]"), which
// pgx can bind and scan as plain text without a dedicated client-side
// vector type. No pack example imports a pgvector Go driver extension,
// so this stays on pgx's generic text protocol rather than pulling in
// an unvalidated dependency.
package vectorcodec

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidVector mirrors the teacher's own sentinel for a vector
// that fails validation (NaN/Inf components, wrong length).
var ErrInvalidVector = fmt.Errorf("vectorcodec: invalid vector")

// Encode renders a vector as a pgvector literal, e.g. "[1,0.5,-2]".
func Encode(v []float32) (string, error) {
	if err := Validate(v); err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String(), nil
}

// Decode parses a pgvector literal back into a vector.
func Decode(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, ErrInvalidVector
	}
	inner := s[1 : len(s)-1]
	if inner == "" {
		return []float32{}, nil
	}
	parts := strings.Split(inner, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("vectorcodec: parsing component %d: %w", i, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}

// Validate rejects NaN/Inf components and empty vectors, the same
// checks the teacher's encoding package ran before ever touching disk.
func Validate(v []float32) error {
	if len(v) == 0 {
		return ErrInvalidVector
	}
	for _, f := range v {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return ErrInvalidVector
		}
	}
	return nil
}

// Dimension is a convenience check used by the worker pool's writeback
// to reject a provider vector of the wrong shape before that vector
// reaches a SQL statement.
func Dimension(v []float32, want int) error {
	if len(v) != want {
		return fmt.Errorf("vectorcodec: dimension mismatch: want %d, got %d", want, len(v))
	}
	return Validate(v)
}
