package compressor

import (
	"errors"
	"fmt"

	"smart-squeeze-go/internal/classifier"
)

var (
	// ErrFileTooLarge is returned when the input exceeds the configured
	// maximum file size.
	ErrFileTooLarge = errors.New("file too large")
	// ErrInvalidTarget is returned when the target size is not a positive
	// number strictly below the original size.
	ErrInvalidTarget = errors.New("invalid target size")
	// ErrEncodeFailure is returned when an encoder could not produce any
	// output.
	ErrEncodeFailure = errors.New("encode failure")
	// ErrCancelled is returned when the caller abandoned the run.
	ErrCancelled = errors.New("run cancelled")
)

// EncodeError describes the iteration at which an encoder failed. It
// matches both ErrEncodeFailure and the underlying cause.
type EncodeError struct {
	Category  classifier.Category
	Encoder   string
	Iteration int
	Err       error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode failure: %s encoder (%s) at iteration %d: %v",
		e.Encoder, e.Category, e.Iteration, e.Err)
}

// Unwrap exposes ErrEncodeFailure and the cause to errors.Is and errors.As.
func (e *EncodeError) Unwrap() []error {
	return []error{ErrEncodeFailure, e.Err}
}

// IsUserError reports whether err is a rejected precondition the caller can
// correct by changing the request.
func IsUserError(err error) bool {
	return errors.Is(err, ErrFileTooLarge) || errors.Is(err, ErrInvalidTarget)
}
