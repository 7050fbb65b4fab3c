package core

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports a missing or out-of-range field. It is returned
// before any write happens.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s %s", e.Field, e.Message)
}

// NotFoundError reports a referenced record that does not exist.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// StoreError wraps a persistence failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// TargetFailure is one failed leg of an auto-allocation fan-out.
type TargetFailure struct {
	TargetID string
	Err      error
}

// FanoutError is a non-fatal warning attached to a recorded income: the
// transaction exists, some of its allocations do not (yet).
type FanoutError struct {
	TransactionID string
	Failures      []TargetFailure
}

func (e *FanoutError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		if f.TargetID == "" {
			parts = append(parts, f.Err.Error())
			continue
		}
		parts = append(parts, fmt.Sprintf("target %s: %v", f.TargetID, f.Err))
	}
	return fmt.Sprintf("auto-allocation for transaction %s incomplete: %s",
		e.TransactionID, strings.Join(parts, "; "))
}

func (e *FanoutError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// IsNotFound reports whether err is, or wraps, a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
