package engine

import (
	"errors"
	"fmt"
)

// RuntimeError represents a save the engine refused or could not finish.
//
// RuntimeError includes structured fields for diagnostics.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Type and ID identify the record being saved.
	Type string
	ID   string

	// Err is the underlying cause, if any.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeUnknownType indicates a record of a type the schema lacks.
	ErrCodeUnknownType RuntimeErrorCode = "UNKNOWN_TYPE"

	// ErrCodeDenormFailed indicates denormalized fields could not be
	// computed or the post-denorm hook failed.
	ErrCodeDenormFailed RuntimeErrorCode = "DENORM_FAILED"

	// ErrCodeDispatchFailed indicates the record was written but a
	// propagation request could not be queued.
	ErrCodeDispatchFailed RuntimeErrorCode = "DISPATCH_FAILED"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s (%s %s)", e.Code, e.Message, e.Type, e.ID)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

func isCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsUnknownType returns true if err reports a record of an unknown type.
func IsUnknownType(err error) bool {
	return isCode(err, ErrCodeUnknownType)
}

// IsDenormFailed returns true if err reports a failed recompute or hook.
func IsDenormFailed(err error) bool {
	return isCode(err, ErrCodeDenormFailed)
}

// IsDispatchFailed returns true if err reports a written record whose
// propagation could not be queued.
func IsDispatchFailed(err error) bool {
	return isCode(err, ErrCodeDispatchFailed)
}
