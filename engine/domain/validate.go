package domain

import (
	"math"
	"net/http"
	"strconv"
	"strings"
)

// ValidateVector checks that v is usable as an embedding of dimension dim.
// A dim of 0 skips the dimension check.
func ValidateVector(v []float32, dim int) error {
	if len(v) == 0 {
		return NewValidationError("vector", "[]", ErrEmptyVector)
	}
	if dim > 0 && len(v) != dim {
		return NewValidationError("vector", "dim="+strconv.Itoa(len(v))+" want="+strconv.Itoa(dim), ErrDimensionMismatch)
	}
	for i, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return NewValidationError("vector", "index="+strconv.Itoa(i), ErrNonFiniteVector)
		}
	}
	return nil
}

// ValidateProbe checks an uploaded probe image before it reaches the model.
// maxBytes <= 0 disables the size limit.
func ValidateProbe(image []byte, maxBytes int) error {
	if len(image) == 0 {
		return NewValidationError("image", "", ErrEmptyProbe)
	}
	if maxBytes > 0 && len(image) > maxBytes {
		return NewValidationError("image", strconv.Itoa(len(image))+" bytes", ErrProbeTooLarge)
	}
	ct := http.DetectContentType(image)
	if !strings.HasPrefix(ct, "image/") {
		return NewValidationError("image", ct, ErrUnsupportedImage)
	}
	return nil
}
