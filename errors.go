package tapeann

import (
	"errors"
	"fmt"

	"github.com/hupe1980/tapeann/pagestore"
)

var (
	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")

	// ErrClosed is returned for operations on a closed index.
	ErrClosed = errors.New("index is closed")

	// ErrEmptyIndex is returned when a search runs against an index with
	// no entry point.
	ErrEmptyIndex = errors.New("index has no entry point")

	// ErrNotFound unifies the lower layers' not-found conditions.
	ErrNotFound = errors.New("not found")
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pagestore.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}
