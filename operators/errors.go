package operators

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the aggregation engine and the outlier pipeline.
// Callers classify failures with errors.Is.
var (
	// ErrInvalidConfiguration is returned before any row is processed.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrInsufficientResources means a memory bound was hit; retrying with the
	// out-of-core strategy may succeed.
	ErrInsufficientResources = errors.New("insufficient resources")
	// ErrCanceled is returned, wrapped together with the context error, when
	// the caller cancels a running computation.
	ErrCanceled = errors.New("execution canceled")
)

var (
	ErrInvalidSchema = func(info string) error {
		return fmt.Errorf("invalid schema was provided. context: %s", info)
	}
	ErrConfig = func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
	}
	ErrResources = func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInsufficientResources, fmt.Sprintf(format, args...))
	}
	ErrCanceledBy = func(cause error) error {
		return fmt.Errorf("%w: %w", ErrCanceled, cause)
	}
)
