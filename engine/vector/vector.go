// Package vector implements the embedding arithmetic used by the index:
// L2 norm, normalization and dot-product similarity.
package vector

import (
	"math"
	"strconv"

	"github.com/WessleyAI/castmatch/engine/domain"
)

// Norm returns the L2 norm of v, accumulated in float64.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		f := float64(x)
		sum += f * f
	}
	return math.Sqrt(sum)
}

// Normalize returns a unit-length copy of v. The zero vector is returned
// unchanged (as a copy).
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	n := Norm(v)
	if n == 0 {
		copy(out, v)
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out
}

// IsUnit reports whether v has unit length within eps.
func IsUnit(v []float32, eps float64) bool {
	return math.Abs(Norm(v)-1) <= eps
}

// Dot returns Σ aᵢ·bᵢ. Vectors of different length are rejected rather than
// compared over the shorter one.
func Dot(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, domain.NewValidationError("vector",
			"dim="+strconv.Itoa(len(a))+" vs "+strconv.Itoa(len(b)), domain.ErrDimensionMismatch)
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum, nil
}

// Similarity is the cosine similarity of two vectors that are already unit
// length, clamped to [-1, 1] to absorb rounding.
func Similarity(unitA, unitB []float32) (float64, error) {
	d, err := Dot(unitA, unitB)
	if err != nil {
		return 0, err
	}
	return clamp(d), nil
}

// Cosine normalizes both inputs and returns their cosine similarity. Either
// input being the zero vector yields 0.
func Cosine(a, b []float32) (float64, error) {
	return Similarity(Normalize(a), Normalize(b))
}

func clamp(x float64) float64 {
	switch {
	case x > 1:
		return 1
	case x < -1:
		return -1
	}
	return x
}
