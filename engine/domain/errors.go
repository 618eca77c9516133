package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Every failure crossing a component boundary matches exactly one
// of these with errors.Is.
var (
	ErrTransport   = errors.New("transport error")
	ErrExtraction  = errors.New("extraction error")
	ErrNotFound    = errors.New("not found")
	ErrPersistence = errors.New("persistence error")
	ErrValidation  = errors.New("validation error")
)

// Status errors.
var (
	ErrNotReady      = errors.New("catalog not ready")
	ErrRunInProgress = errors.New("ingestion run already in progress")
)

// Validation causes.
var (
	ErrDimensionMismatch = errors.New("dimension mismatch")
	ErrEmptyVector       = errors.New("empty vector")
	ErrNonFiniteVector   = errors.New("vector has non-finite component")
	ErrEmptyProbe        = errors.New("empty probe image")
	ErrProbeTooLarge     = errors.New("probe image too large")
	ErrUnsupportedImage  = errors.New("unsupported image type")
	ErrInvalidArgument   = errors.New("invalid argument")
)

// OpError ties a failure to its kind and the operation that produced it.
type OpError struct {
	Kind error
	Op   string
	Err  error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Transport wraps a network or protocol failure.
func Transport(op string, err error) error { return &OpError{Kind: ErrTransport, Op: op, Err: err} }

// Extraction wraps an embedding model failure or an unreadable image.
func Extraction(op string, err error) error { return &OpError{Kind: ErrExtraction, Op: op, Err: err} }

// NotFound reports a missing resource, such as an entity without a photo.
func NotFound(op string, err error) error { return &OpError{Kind: ErrNotFound, Op: op, Err: err} }

// Persistence wraps a durable store failure.
func Persistence(op string, err error) error { return &OpError{Kind: ErrPersistence, Op: op, Err: err} }

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// Is makes every ValidationError match ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// Kind returns the taxonomy kind of err, or nil if err matches none.
func Kind(err error) error {
	for _, k := range []error{ErrValidation, ErrTransport, ErrExtraction, ErrNotFound, ErrPersistence} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
