package models

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the machine-checkable failure class recorded on a job.
type ErrorKind string

const (
	ErrorKindValidation        ErrorKind = "ValidationError"
	ErrorKindSceneValidation   ErrorKind = "SceneValidationError"
	ErrorKindProviderTransient ErrorKind = "ProviderTransientError"
	ErrorKindProviderFatal     ErrorKind = "ProviderFatalError"
	ErrorKindComposition       ErrorKind = "CompositionError"
	ErrorKindInternal          ErrorKind = "InternalError"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrVersionConflict   = errors.New("job version conflict")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrLeaseLost         = errors.New("queue lease lost")
)

// ValidationError rejects malformed uploads, options or durations.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// BoundaryError reports a segment list that breaks the coverage invariant.
type BoundaryError struct {
	Index    int
	Field    string
	Expected float64
	Actual   float64
	Reason   string
}

func (e *BoundaryError) Error() string {
	if e.Index < 0 {
		return "segment boundaries: " + e.Reason
	}
	return fmt.Sprintf("segment %d %s: expected %.3f, got %.3f (%s)", e.Index, e.Field, e.Expected, e.Actual, e.Reason)
}

// SceneValidationError reports planner output that does not line up with the
// segments it was asked to annotate. Index is -1 for list-level problems.
type SceneValidationError struct {
	Index    int
	Field    string
	Expected string
	Actual   string
}

func (e *SceneValidationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("scene validation failed: %s: expected %s, got %s", e.Field, e.Expected, e.Actual)
	}
	return fmt.Sprintf("scene validation failed at index %d: %s: expected %s, got %s", e.Index, e.Field, e.Expected, e.Actual)
}

// ProviderError wraps a failed call to a remote provider. Transient errors
// are eligible for retry by the clip generator. HandleDone marks an answer
// about an async handle that has reached its final state, so polling the
// same handle again cannot change it.
type ProviderError struct {
	Provider   string
	Op         string
	StatusCode int
	Transient  bool
	HandleDone bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s failed (status %d): %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// CompositionError is a deterministic concat/mux/trim failure. Not retried.
type CompositionError struct {
	Op  string
	Err error
}

func (e *CompositionError) Error() string {
	return fmt.Sprintf("composition %s failed: %v", e.Op, e.Err)
}

func (e *CompositionError) Unwrap() error {
	return e.Err
}

// KindOf classifies err into the recorded error taxonomy.
func KindOf(err error) ErrorKind {
	var (
		ve  *ValidationError
		sve *SceneValidationError
		pe  *ProviderError
		ce  *CompositionError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &sve):
		return ErrorKindSceneValidation
	case errors.As(err, &ce):
		return ErrorKindComposition
	case errors.As(err, &pe):
		if pe.Transient {
			return ErrorKindProviderTransient
		}
		return ErrorKindProviderFatal
	case errors.As(err, &ve):
		return ErrorKindValidation
	default:
		return ErrorKindInternal
	}
}

// IsHandleDone reports whether err is a final answer for a polled handle.
func IsHandleDone(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.HandleDone
}

// IsTransient reports whether err is worth retrying. Cancellation of the
// caller's context never is.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return false
}
